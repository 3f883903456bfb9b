package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadRedisConfig(t *testing.T) {
	path := writeTOML(t, `
[server]
listen_addr = "0.0.0.0:6380"
max_connections = 5000
connection_timeout_sec = 3

[proxy]
mode = "redis"

[proxy.redis]
cluster_nodes = ["10.0.0.1:6379", "10.0.0.2:6379"]
slot_refresh_interval_sec = 30
max_redirects = 5
connection_timeout_ms = 2000

[health]
interval_sec = 10
timeout_sec = 3
failure_threshold = 3
success_threshold = 2

[logging]
level = "debug"
format = "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Proxy.Mode != "redis" {
		t.Fatalf("expected mode redis, got %q", cfg.Proxy.Mode)
	}
	if len(cfg.Proxy.Redis.ClusterNodes) != 2 {
		t.Fatalf("expected 2 cluster nodes, got %d", len(cfg.Proxy.Redis.ClusterNodes))
	}
	if cfg.Proxy.Redis.MaxRedirects != 5 {
		t.Fatalf("expected max_redirects=5, got %d", cfg.Proxy.Redis.MaxRedirects)
	}
}

func TestLoadMongoDBConfig(t *testing.T) {
	path := writeTOML(t, `
[server]
listen_addr = "0.0.0.0:27017"
max_connections = 1000
connection_timeout_sec = 5

[proxy]
mode = "mongodb"

[proxy.mongodb]
mongos_endpoints = ["10.0.0.1:27017"]
session_affinity = true
session_timeout_sec = 1800

[health]
interval_sec = 10
timeout_sec = 5
failure_threshold = 3
success_threshold = 2

[logging]
level = "info"
format = "text"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Proxy.Mode != "mongodb" {
		t.Fatalf("expected mode mongodb, got %q", cfg.Proxy.Mode)
	}
	if !cfg.Proxy.MongoDB.SessionAffinity {
		t.Fatal("expected session_affinity=true")
	}
}

func TestValidateRejectsBadHealthTimeouts(t *testing.T) {
	cfg, err := Example("redis")
	if err != nil {
		t.Fatalf("Example: %v", err)
	}
	cfg.Health.TimeoutSec = cfg.Health.IntervalSec
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error when timeout_sec >= interval_sec")
	}
}

func TestValidateRejectsEmptySeeds(t *testing.T) {
	cfg, err := Example("redis")
	if err != nil {
		t.Fatalf("Example: %v", err)
	}
	cfg.Proxy.Redis.ClusterNodes = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for empty cluster_nodes")
	}
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	cfg, err := Example("redis")
	if err != nil {
		t.Fatalf("Example: %v", err)
	}
	cfg.Proxy.Mode = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown proxy mode")
	}
}

func TestExampleRejectsUnknownMode(t *testing.T) {
	if _, err := Example("postgres"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestValidateRejectsNonPositiveQueryRate(t *testing.T) {
	cfg, err := Example("redis")
	if err != nil {
		t.Fatalf("Example: %v", err)
	}
	cfg.Server.MaxQueriesPerSec = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for non-positive max_queries_per_sec")
	}
}
