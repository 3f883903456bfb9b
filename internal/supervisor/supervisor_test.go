package supervisor

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"marchproxy-dblb/internal/config"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestNewRejectsUnknownMode(t *testing.T) {
	cfg := &config.Config{Proxy: config.ProxyConfig{Mode: "postgres"}}
	if _, err := New(cfg, testLogger()); err == nil {
		t.Fatal("expected error for unknown proxy mode")
	}
}

func TestNewWiresMongoDBMode(t *testing.T) {
	cfg, err := config.Example("mongodb")
	if err != nil {
		t.Fatalf("Example: %v", err)
	}
	sup, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if sup.affinity == nil {
		t.Fatal("expected affinity manager to be wired in mongodb mode")
	}
	if sup.topology != nil {
		t.Fatal("did not expect topology manager in mongodb mode")
	}
	if len(sup.registry.All()) != len(cfg.Proxy.MongoDB.MongosEndpoints) {
		t.Fatalf("expected %d registered backends, got %d", len(cfg.Proxy.MongoDB.MongosEndpoints), len(sup.registry.All()))
	}

	stats := sup.GetStats()
	if stats["mode"] != "mongodb" {
		t.Fatalf("expected mode=mongodb in stats, got %v", stats["mode"])
	}
	if _, ok := stats["affinity_sessions"]; !ok {
		t.Fatal("expected affinity_sessions in stats for mongodb mode")
	}
	if _, ok := stats["slot_map_epoch"]; ok {
		t.Fatal("did not expect slot_map_epoch in stats for mongodb mode")
	}
}

func TestNewWiresRedisMode(t *testing.T) {
	cfg, err := config.Example("redis")
	if err != nil {
		t.Fatalf("Example: %v", err)
	}
	sup, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if sup.topology == nil {
		t.Fatal("expected topology manager to be wired in redis mode")
	}
	if sup.affinity != nil {
		t.Fatal("did not expect affinity manager in redis mode")
	}

	stats := sup.GetStats()
	if stats["mode"] != "redis" {
		t.Fatalf("expected mode=redis in stats, got %v", stats["mode"])
	}
	if _, ok := stats["slot_map_epoch"]; !ok {
		t.Fatal("expected slot_map_epoch in stats for redis mode")
	}
	if _, ok := stats["affinity_sessions"]; ok {
		t.Fatal("did not expect affinity_sessions in stats for redis mode")
	}
}

func TestStartBindsListenerAndShutdownDrains(t *testing.T) {
	cfg, err := config.Example("redis")
	if err != nil {
		t.Fatalf("Example: %v", err)
	}
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Proxy.Redis.ClusterNodes = []string{"127.0.0.1:1"} // unreachable; bootstrap is allowed to fail

	sup, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	addr := sup.listener.Addr().String()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial listener: %v", err)
	}
	conn.Close()

	done := make(chan struct{})
	go func() {
		sup.Shutdown(2 * time.Second)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return in time")
	}

	if _, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		t.Fatal("expected listener to be closed after shutdown")
	}
}

func TestServingReflectsBackendHealth(t *testing.T) {
	cfg, err := config.Example("mongodb")
	if err != nil {
		t.Fatalf("Example: %v", err)
	}
	sup, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if sup.Serving() {
		t.Fatal("expected Serving() to be false before any backend is healthy")
	}

	for _, b := range sup.registry.All() {
		b.SetHealth(true, time.Now())
		break
	}
	if !sup.Serving() {
		t.Fatal("expected Serving() to be true once at least one backend is healthy")
	}
}

func TestStartRejectsDoubleStart(t *testing.T) {
	cfg, err := config.Example("redis")
	if err != nil {
		t.Fatalf("Example: %v", err)
	}
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Proxy.Redis.ClusterNodes = []string{"127.0.0.1:1"}

	sup, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer sup.Shutdown(time.Second)

	if err := sup.Start(ctx); err == nil {
		t.Fatal("expected error on second Start call")
	}
}
