// Package config loads and validates the proxy's TOML configuration:
// server/proxy[mongodb|redis]/health/logging sections, matching the
// teacher's viper-backed loader.
package config

import (
	"fmt"
	"net"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration, mirroring the four TOML
// sections spec.md §6 describes.
type Config struct {
	Server  ServerConfig  `mapstructure:"server" toml:"server"`
	Proxy   ProxyConfig   `mapstructure:"proxy" toml:"proxy"`
	Health  HealthConfig  `mapstructure:"health" toml:"health"`
	Logging LoggingConfig `mapstructure:"logging" toml:"logging"`
}

// ServerConfig is the TOML `[server]` section.
type ServerConfig struct {
	ListenAddr           string `mapstructure:"listen_addr" toml:"listen_addr"`
	MaxConnections       int    `mapstructure:"max_connections" toml:"max_connections"`
	ConnectionTimeoutSec int    `mapstructure:"connection_timeout_sec" toml:"connection_timeout_sec"`
	MaxQueriesPerSec     int    `mapstructure:"max_queries_per_sec" toml:"max_queries_per_sec"`
}

func (s ServerConfig) ConnectionTimeout() time.Duration {
	return time.Duration(s.ConnectionTimeoutSec) * time.Second
}

// ProxyConfig is the TOML `[proxy]` section, tagged by Mode.
type ProxyConfig struct {
	Mode    string        `mapstructure:"mode" toml:"mode"`
	MongoDB MongoDBConfig `mapstructure:"mongodb" toml:"mongodb"`
	Redis   RedisConfig   `mapstructure:"redis" toml:"redis"`
}

// MongoDBConfig is the TOML `[proxy.mongodb]` section.
type MongoDBConfig struct {
	MongosEndpoints   []string `mapstructure:"mongos_endpoints" toml:"mongos_endpoints"`
	SessionAffinity   bool     `mapstructure:"session_affinity" toml:"session_affinity"`
	SessionTimeoutSec int      `mapstructure:"session_timeout_sec" toml:"session_timeout_sec"`
}

func (m MongoDBConfig) SessionTimeout() time.Duration {
	return time.Duration(m.SessionTimeoutSec) * time.Second
}

// RedisConfig is the TOML `[proxy.redis]` section.
type RedisConfig struct {
	ClusterNodes           []string `mapstructure:"cluster_nodes" toml:"cluster_nodes"`
	SlotRefreshIntervalSec int      `mapstructure:"slot_refresh_interval_sec" toml:"slot_refresh_interval_sec"`
	MaxRedirects           int      `mapstructure:"max_redirects" toml:"max_redirects"`
	ConnectionTimeoutMs    int      `mapstructure:"connection_timeout_ms" toml:"connection_timeout_ms"`
}

func (r RedisConfig) SlotRefreshInterval() time.Duration {
	return time.Duration(r.SlotRefreshIntervalSec) * time.Second
}

func (r RedisConfig) ConnectionTimeout() time.Duration {
	return time.Duration(r.ConnectionTimeoutMs) * time.Millisecond
}

// HealthConfig is the TOML `[health]` section.
type HealthConfig struct {
	IntervalSec      int `mapstructure:"interval_sec" toml:"interval_sec"`
	TimeoutSec       int `mapstructure:"timeout_sec" toml:"timeout_sec"`
	FailureThreshold int `mapstructure:"failure_threshold" toml:"failure_threshold"`
	SuccessThreshold int `mapstructure:"success_threshold" toml:"success_threshold"`
}

func (h HealthConfig) Interval() time.Duration { return time.Duration(h.IntervalSec) * time.Second }
func (h HealthConfig) Timeout() time.Duration  { return time.Duration(h.TimeoutSec) * time.Second }

// LoggingConfig is the TOML `[logging]` section.
type LoggingConfig struct {
	Level  string `mapstructure:"level" toml:"level"`
	Format string `mapstructure:"format" toml:"format"`
}

// Load reads configuration from configPath (TOML) with environment
// override via MARCHPROXY_DBLB_*, applying the teacher's viper defaults
// pattern, then validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	v.SetDefault("server.listen_addr", "0.0.0.0:6380")
	v.SetDefault("server.max_connections", 10000)
	v.SetDefault("server.connection_timeout_sec", 5)
	v.SetDefault("server.max_queries_per_sec", 50000)

	v.SetDefault("proxy.mode", "redis")
	v.SetDefault("proxy.mongodb.session_affinity", true)
	v.SetDefault("proxy.mongodb.session_timeout_sec", 3600)
	v.SetDefault("proxy.redis.slot_refresh_interval_sec", 60)
	v.SetDefault("proxy.redis.max_redirects", 3)
	v.SetDefault("proxy.redis.connection_timeout_ms", 5000)

	v.SetDefault("health.interval_sec", 10)
	v.SetDefault("health.timeout_sec", 5)
	v.SetDefault("health.failure_threshold", 3)
	v.SetDefault("health.success_threshold", 2)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("MARCHPROXY_DBLB")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for internal consistency, following
// the original's Config::validate.
func (c *Config) Validate() error {
	if c.Server.MaxConnections <= 0 {
		return fmt.Errorf("server.max_connections must be > 0")
	}
	if c.Server.ConnectionTimeoutSec <= 0 {
		return fmt.Errorf("server.connection_timeout_sec must be > 0")
	}
	if c.Server.MaxQueriesPerSec <= 0 {
		return fmt.Errorf("server.max_queries_per_sec must be > 0")
	}
	if _, _, err := net.SplitHostPort(c.Server.ListenAddr); err != nil {
		return fmt.Errorf("server.listen_addr: %w", err)
	}

	switch c.Proxy.Mode {
	case "mongodb":
		if len(c.Proxy.MongoDB.MongosEndpoints) == 0 {
			return fmt.Errorf("proxy.mongodb.mongos_endpoints cannot be empty")
		}
		for _, ep := range c.Proxy.MongoDB.MongosEndpoints {
			if err := validateAddr(ep); err != nil {
				return fmt.Errorf("proxy.mongodb.mongos_endpoints: %w", err)
			}
		}
		if c.Proxy.MongoDB.SessionTimeoutSec <= 0 {
			return fmt.Errorf("proxy.mongodb.session_timeout_sec must be > 0")
		}
	case "redis":
		if len(c.Proxy.Redis.ClusterNodes) == 0 {
			return fmt.Errorf("proxy.redis.cluster_nodes cannot be empty")
		}
		for _, n := range c.Proxy.Redis.ClusterNodes {
			if err := validateAddr(n); err != nil {
				return fmt.Errorf("proxy.redis.cluster_nodes: %w", err)
			}
		}
		if c.Proxy.Redis.MaxRedirects <= 0 {
			return fmt.Errorf("proxy.redis.max_redirects must be > 0")
		}
	default:
		return fmt.Errorf("proxy.mode must be 'mongodb' or 'redis', got %q", c.Proxy.Mode)
	}

	if c.Health.IntervalSec <= 0 {
		return fmt.Errorf("health.interval_sec must be > 0")
	}
	if c.Health.TimeoutSec <= 0 {
		return fmt.Errorf("health.timeout_sec must be > 0")
	}
	if c.Health.TimeoutSec >= c.Health.IntervalSec {
		return fmt.Errorf("health.timeout_sec must be less than health.interval_sec")
	}

	switch c.Logging.Level {
	case "error", "warn", "info", "debug", "trace":
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging.format: %s", c.Logging.Format)
	}

	return nil
}

func validateAddr(addr string) error {
	_, _, err := net.SplitHostPort(addr)
	return err
}

// Example returns a ready-to-edit configuration for the requested mode,
// matching the original's create_example_config defaults.
func Example(mode string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			ListenAddr:           "0.0.0.0:6380",
			MaxConnections:       10000,
			ConnectionTimeoutSec: 5,
			MaxQueriesPerSec:     50000,
		},
		Health: HealthConfig{
			IntervalSec:      10,
			TimeoutSec:       5,
			FailureThreshold: 3,
			SuccessThreshold: 2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}

	switch mode {
	case "mongodb":
		cfg.Proxy = ProxyConfig{
			Mode: "mongodb",
			MongoDB: MongoDBConfig{
				MongosEndpoints: []string{
					"10.0.1.10:27017",
					"10.0.1.11:27017",
					"10.0.1.12:27017",
				},
				SessionAffinity:   true,
				SessionTimeoutSec: 3600,
			},
		}
	case "redis":
		cfg.Proxy = ProxyConfig{
			Mode: "redis",
			Redis: RedisConfig{
				ClusterNodes: []string{
					"10.0.1.20:6379",
					"10.0.1.21:6379",
					"10.0.1.22:6379",
				},
				SlotRefreshIntervalSec: 60,
				MaxRedirects:           3,
				ConnectionTimeoutMs:    5000,
			},
		}
	default:
		return nil, fmt.Errorf("mode must be 'mongodb' or 'redis', got %q", mode)
	}

	return cfg, nil
}
