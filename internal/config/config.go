// Package config handles loading and validating router and backend-target
// configuration from YAML files, split the same way the teacher splits
// proxy policy from bucket topology.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/tidesql/lazyrouter/pkg/bucket"
	"gopkg.in/yaml.v3"
)

// RouterConfig holds the router's listener and policy settings.
type RouterConfig struct {
	ListenAddr          string        `yaml:"listen_addr"`
	ListenPort          int           `yaml:"listen_port"`
	InstanceID          string        `yaml:"instance_id"`
	SessionTimeout      time.Duration `yaml:"session_timeout"`
	QueueTimeout        time.Duration `yaml:"queue_timeout"`
	MaxQueueSize        int           `yaml:"max_queue_size"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	HealthCheckPort     int           `yaml:"health_check_port"`
	MetricsPort         int           `yaml:"metrics_port"`
}

// ConnectorConfig holds the lazy connector's retry/fallback and session
// policy (spec §4.3, §3).
type ConnectorConfig struct {
	ConnectRetryTimeout time.Duration `yaml:"connect_retry_timeout"`
	// ConnectionSharingPossible reports whether the pool backing each
	// target actually hands connections back for reuse by other client
	// sessions. It is distinct from whether the router generated the
	// client's own greeting (spec §3's greeting_from_router flag, always
	// true for this router) — both must hold for session-tracker
	// variables to be worth emitting (spec §4.1 step 1,
	// need_session_trackers).
	ConnectionSharingPossible     bool `yaml:"connection_sharing_possible"`
	RouterRequireEnforce          bool `yaml:"router_require_enforce"`
	WaitForMyWrites               bool `yaml:"wait_for_my_writes"`
	WaitForMyWritesTimeoutSeconds int  `yaml:"wait_for_my_writes_timeout_seconds"`
}

// RedisConfig holds the coordinator's Redis connection settings.
type RedisConfig struct {
	Addr              string        `yaml:"addr"`
	Password          string        `yaml:"password"`
	DB                int           `yaml:"db"`
	PoolSize          int           `yaml:"pool_size"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTTL      time.Duration `yaml:"heartbeat_ttl"`
}

// FallbackConfig controls local-only operation when Redis is unreachable.
type FallbackConfig struct {
	Enabled           bool `yaml:"enabled"`
	LocalLimitDivisor int  `yaml:"local_limit_divisor"`
}

// Config is the root configuration structure.
type Config struct {
	Router    RouterConfig    `yaml:"router"`
	Connector ConnectorConfig `yaml:"connector"`
	Redis     RedisConfig     `yaml:"redis"`
	Fallback  FallbackConfig  `yaml:"fallback"`
	Targets   []bucket.Target
}

type routerFileConfig struct {
	Router    RouterConfig    `yaml:"router"`
	Connector ConnectorConfig `yaml:"connector"`
	Redis     RedisConfig     `yaml:"redis"`
	Fallback  FallbackConfig  `yaml:"fallback"`
}

type targetsFileConfig struct {
	Targets []bucket.Target `yaml:"targets"`
}

// Load reads and parses the router policy file and the backend target
// topology file.
func Load(routerConfigPath, targetsConfigPath string) (*Config, error) {
	routerData, err := os.ReadFile(routerConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading router config %s: %w", routerConfigPath, err)
	}

	var routerFile routerFileConfig
	if err := yaml.Unmarshal(routerData, &routerFile); err != nil {
		return nil, fmt.Errorf("parsing router config %s: %w", routerConfigPath, err)
	}

	targetsData, err := os.ReadFile(targetsConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading targets config %s: %w", targetsConfigPath, err)
	}

	var targetsFile targetsFileConfig
	if err := yaml.Unmarshal(targetsData, &targetsFile); err != nil {
		return nil, fmt.Errorf("parsing targets config %s: %w", targetsConfigPath, err)
	}

	cfg := &Config{
		Router:    routerFile.Router,
		Connector: routerFile.Connector,
		Redis:     routerFile.Redis,
		Fallback:  routerFile.Fallback,
		Targets:   targetsFile.Targets,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Router.ListenPort == 0 {
		return fmt.Errorf("router.listen_port is required")
	}
	if len(c.Targets) == 0 {
		return fmt.Errorf("at least one target must be configured")
	}
	for i, t := range c.Targets {
		if t.ID == "" {
			return fmt.Errorf("targets[%d].id is required", i)
		}
		if t.Host == "" {
			return fmt.Errorf("targets[%d].host is required", i)
		}
		if t.Port == 0 {
			return fmt.Errorf("targets[%d].port is required", i)
		}
		if t.MaxConnections == 0 {
			return fmt.Errorf("targets[%d].max_connections is required", i)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Router.ListenAddr == "" {
		c.Router.ListenAddr = "0.0.0.0"
	}
	if c.Router.SessionTimeout == 0 {
		c.Router.SessionTimeout = 5 * time.Minute
	}
	if c.Router.QueueTimeout == 0 {
		c.Router.QueueTimeout = 30 * time.Second
	}
	if c.Router.MaxQueueSize == 0 {
		c.Router.MaxQueueSize = 1000
	}
	if c.Router.HealthCheckInterval == 0 {
		c.Router.HealthCheckInterval = 15 * time.Second
	}
	if c.Router.HealthCheckPort == 0 {
		c.Router.HealthCheckPort = 8080
	}
	if c.Router.MetricsPort == 0 {
		c.Router.MetricsPort = 9090
	}
	if c.Router.InstanceID == "" {
		hostname, _ := os.Hostname()
		c.Router.InstanceID = hostname
	}
	if c.Connector.ConnectRetryTimeout == 0 {
		c.Connector.ConnectRetryTimeout = 3 * time.Second
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "redis:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 20
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.HeartbeatInterval == 0 {
		c.Redis.HeartbeatInterval = 10 * time.Second
	}
	if c.Redis.HeartbeatTTL == 0 {
		c.Redis.HeartbeatTTL = 30 * time.Second
	}
	if c.Fallback.LocalLimitDivisor == 0 {
		c.Fallback.LocalLimitDivisor = 3
	}

	for i := range c.Targets {
		if c.Targets[i].MinIdle == 0 {
			c.Targets[i].MinIdle = 2
		}
		if c.Targets[i].MaxIdleTime == 0 {
			c.Targets[i].MaxIdleTime = 5 * time.Minute
		}
		if c.Targets[i].ConnectionTimeout == 0 {
			c.Targets[i].ConnectionTimeout = 30 * time.Second
		}
		if c.Targets[i].QueueTimeout == 0 {
			c.Targets[i].QueueTimeout = c.Router.QueueTimeout
		}
		if c.Targets[i].Mode == "" {
			c.Targets[i].Mode = "read_write"
		}
	}
}

// TargetByID returns the target configuration for a given target ID.
func (c *Config) TargetByID(id string) (*bucket.Target, bool) {
	for i := range c.Targets {
		if c.Targets[i].ID == id {
			return &c.Targets[i], true
		}
	}
	return nil, false
}

// PrimaryTarget returns the first read_write target, used as the fallback
// destination for FallbackToWrite (spec §4.1).
func (c *Config) PrimaryTarget() (*bucket.Target, bool) {
	for i := range c.Targets {
		if !c.Targets[i].IsReadOnly() {
			return &c.Targets[i], true
		}
	}
	return nil, false
}
