package connector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tidesql/lazyrouter/pkg/session"
)

func TestBuildSetVarsStatementEmptyStoreYieldsNoStatement(t *testing.T) {
	ctx := &Context{Store: session.NewStore()}
	stmt, _ := buildSetVarsStatement(ctx)
	assert.Empty(t, stmt)
}

func TestBuildSetVarsStatementEmitsStoredVariables(t *testing.T) {
	ctx := &Context{Store: session.NewStore()}
	ctx.Store.Set("sql_mode", session.Quoted("STRICT_TRANS_TABLES"))

	stmt, _ := buildSetVarsStatement(ctx)
	assert.Contains(t, stmt, "@@SESSION.sql_mode = 'STRICT_TRANS_TABLES'")
}

func TestBuildSetVarsStatementSkipsStatementIDKey(t *testing.T) {
	ctx := &Context{Store: session.NewStore()}
	ctx.Store.Set(session.StatementIDKey, session.Int(7))

	stmt, _ := buildSetVarsStatement(ctx)
	assert.Empty(t, stmt)
}

func TestBuildSetVarsStatementEmitsTrackerDefaultsWhenSharingNeeded(t *testing.T) {
	ctx := &Context{
		Store:                     session.NewStore(),
		ConnectionSharingPossible: true,
		GreetingFromRouter:        true,
	}

	stmt, trackers := buildSetVarsStatement(ctx)
	assert.Contains(t, stmt, "session_track_system_variables = '*'")
	assert.Contains(t, stmt, "session_track_gtids = 'OWN_GTID'")
	assert.Contains(t, stmt, "session_track_transaction_info = 'CHARACTERISTICS'")
	assert.Contains(t, stmt, "session_track_state_change = 'ON'")
	assert.Equal(t, "'*'", trackers["session_track_system_variables"])
}

func TestBuildSetVarsStatementDoesNotOverrideExplicitSessionTrackSystemVariables(t *testing.T) {
	ctx := &Context{
		Store:                     session.NewStore(),
		ConnectionSharingPossible: true,
		GreetingFromRouter:        true,
	}
	ctx.Store.Set("session_track_system_variables", session.Quoted("sql_mode"))

	stmt, _ := buildSetVarsStatement(ctx)
	assert.Contains(t, stmt, "session_track_system_variables = 'sql_mode'")
	assert.NotContains(t, stmt, "session_track_system_variables = '*'")
}

func TestBuildSetVarsStatementWithoutSharingStillReEmitsExplicitTracker(t *testing.T) {
	ctx := &Context{Store: session.NewStore()}
	ctx.Store.Set("session_track_system_variables", session.Quoted("sql_mode"))

	stmt, _ := buildSetVarsStatement(ctx)
	assert.Contains(t, stmt, "session_track_system_variables = 'sql_mode'")
	assert.NotContains(t, stmt, "session_track_gtids")
}
