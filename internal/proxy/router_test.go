package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidesql/lazyrouter/internal/config"
	"github.com/tidesql/lazyrouter/internal/wire"
	"github.com/tidesql/lazyrouter/pkg/bucket"
)

func testConfig() *config.Config {
	return &config.Config{
		Targets: []bucket.Target{
			{ID: "primary", Host: "10.0.0.1", Port: 3306, Mode: "read_write"},
			{ID: "replica-a", Host: "10.0.0.2", Port: 3306, Mode: "read_only"},
			{ID: "replica-b", Host: "10.0.0.3", Port: 3306, Mode: "read_only"},
		},
	}
}

func TestRouteByRouterModeAttributeTakesPrecedence(t *testing.T) {
	r := NewRouter(testConfig())

	target, err := r.Route(&wire.ClientHandshakeResponse{
		Database:   "primary", // would also resolve by ID if attribute lost
		Attributes: map[string]string{"router_mode": "ro"},
	})

	require.NoError(t, err)
	assert.Equal(t, "replica-a", target.ID)
}

func TestRouteByRouterModeRW(t *testing.T) {
	r := NewRouter(testConfig())

	target, err := r.Route(&wire.ClientHandshakeResponse{
		Attributes: map[string]string{"router_mode": "rw"},
	})

	require.NoError(t, err)
	assert.Equal(t, "primary", target.ID)
}

func TestRouteByDatabaseAsTargetID(t *testing.T) {
	r := NewRouter(testConfig())

	target, err := r.Route(&wire.ClientHandshakeResponse{Database: "replica-b"})

	require.NoError(t, err)
	assert.Equal(t, "replica-b", target.ID)
}

func TestRouteFallsBackToDefaultTarget(t *testing.T) {
	r := NewRouter(testConfig())

	target, err := r.Route(&wire.ClientHandshakeResponse{Database: "unknown_schema"})

	require.NoError(t, err)
	assert.Equal(t, "primary", target.ID)
}

func TestRouteUnknownRouterModeFallsThroughToDefault(t *testing.T) {
	r := NewRouter(testConfig())

	target, err := r.Route(&wire.ClientHandshakeResponse{
		Attributes: map[string]string{"router_mode": "bogus"},
	})

	require.NoError(t, err)
	assert.Equal(t, "primary", target.ID)
}

func TestRouteSingleTargetConfigUsesItAsDefault(t *testing.T) {
	cfg := &config.Config{Targets: []bucket.Target{{ID: "solo", Mode: "read_only"}}}
	r := NewRouter(cfg)

	target, err := r.Route(&wire.ClientHandshakeResponse{})

	require.NoError(t, err)
	assert.Equal(t, "solo", target.ID)
}

func TestRouteNoTargetsReturnsError(t *testing.T) {
	r := NewRouter(&config.Config{})

	_, err := r.Route(&wire.ClientHandshakeResponse{Database: "x", Username: "app"})

	assert.Error(t, err)
}
