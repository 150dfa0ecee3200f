// Package bucket defines the backend-target model and its configuration
// shape. A Target represents one MySQL backend (a primary or a read
// replica) reachable through the router.
package bucket

import (
	"strconv"
	"time"
)

// Target represents one MySQL backend instance the router can prepare
// connections against.
type Target struct {
	ID                string        `yaml:"id"`
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	Mode              string        `yaml:"mode"` // "read_write" or "read_only"
	MaxConnections    int           `yaml:"max_connections"`
	MinIdle           int           `yaml:"min_idle"`
	MaxIdleTime       time.Duration `yaml:"max_idle_time"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	QueueTimeout      time.Duration `yaml:"queue_timeout"`
}

// Addr returns the host:port address of this backend.
func (t *Target) Addr() string {
	return t.Host + ":" + strconv.Itoa(t.Port)
}

// IsReadOnly reports whether this target is configured as a read replica.
func (t *Target) IsReadOnly() bool {
	return t.Mode == "read_only"
}
