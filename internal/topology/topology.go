// Package topology discovers and maintains the Redis Cluster slot map:
// seed-node bootstrap, periodic full refresh, and MOVED-driven reactive
// refresh, publishing each new view as an immutable snapshot.
package topology

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"marchproxy-dblb/internal/registry"
	"marchproxy-dblb/internal/resp"
	"marchproxy-dblb/internal/slotmap"
)

// ErrNoSeedReachable is returned, wrapping the last per-address failure,
// when no seed or known backend answers CLUSTER NODES during bootstrap or
// refresh. A failed Bootstrap also records its error for BootstrapError.
var ErrNoSeedReachable = errors.New("topology: no seed node reachable")

// Snapshot pairs a slot map with the epoch it was published under.
// Epoch is bumped on every successful full refresh and is used to make
// stray, late MOVED writes idempotent.
type Snapshot struct {
	Epoch uint64
	Map   *slotmap.SlotMap
}

// Manager owns cluster topology discovery for Redis mode.
type Manager struct {
	seeds    []string
	registry *registry.Registry
	logger   *logrus.Logger
	dialer   net.Dialer
	timeout  time.Duration

	debounce time.Duration

	snapshot atomic.Pointer[Snapshot]

	refreshMu      sync.Mutex // coalesces concurrent refreshes: at most one in flight
	lastDebounceAt atomic.Int64
	lastBootErr    atomic.Value // error
}

// NewManager creates a topology manager. seeds bootstraps initial
// discovery; debounce bounds how often a MOVED can trigger a reactive
// full refresh.
func NewManager(seeds []string, reg *registry.Registry, logger *logrus.Logger, dialTimeout, debounce time.Duration) *Manager {
	m := &Manager{
		seeds:    seeds,
		registry: reg,
		logger:   logger,
		dialer:   net.Dialer{Timeout: dialTimeout},
		timeout:  dialTimeout,
		debounce: debounce,
	}
	m.snapshot.Store(&Snapshot{Epoch: 0, Map: slotmap.Empty()})
	return m
}

// Current returns the current snapshot. It never blocks on I/O.
func (m *Manager) Current() *Snapshot {
	return m.snapshot.Load()
}

// BootstrapError returns the error recorded by the last failed Bootstrap,
// if any. Refresh failures are logged, not recorded here.
func (m *Manager) BootstrapError() error {
	if v := m.lastBootErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// Bootstrap sequentially tries each seed address until one answers
// CLUSTER NODES, then installs the resulting slot map at epoch 1. If no
// seed answers, the current (empty) snapshot is left in place and the
// failure is recorded; the proxy then fails routing with -CLUSTERDOWN
// until a later refresh succeeds.
func (m *Manager) Bootstrap() error {
	text, from, err := m.queryAny(m.seeds)
	if err != nil {
		m.lastBootErr.Store(err)
		m.logger.WithError(err).Warn("topology bootstrap: no seed reachable, routing stays closed")
		return err
	}
	sm, err := slotmap.ParseClusterNodes(text)
	if err != nil {
		m.lastBootErr.Store(err)
		return err
	}
	m.learnNewBackends(sm)
	m.snapshot.Store(&Snapshot{Epoch: 1, Map: sm})
	m.logger.WithFields(logrus.Fields{
		"seed":     from,
		"backends": len(sm.ActiveBackends()),
	}).Info("topology bootstrap complete")
	return nil
}

// Refresh re-issues CLUSTER NODES against any backend currently known to
// the registry (or a configured seed if the registry is empty), and on
// success publishes a new snapshot with epoch bumped by one. Concurrent
// refreshes are coalesced: only one runs at a time.
func (m *Manager) Refresh() error {
	if !m.refreshMu.TryLock() {
		return nil // a refresh is already in flight
	}
	defer m.refreshMu.Unlock()

	candidates := m.refreshCandidates()
	text, from, err := m.queryAny(candidates)
	if err != nil {
		m.logger.WithError(err).Warn("topology refresh failed, keeping previous snapshot")
		return err
	}
	sm, err := slotmap.ParseClusterNodes(text)
	if err != nil {
		m.logger.WithError(err).Warn("topology refresh: malformed CLUSTER NODES reply")
		return err
	}
	m.learnNewBackends(sm)

	prev := m.snapshot.Load()
	next := &Snapshot{Epoch: prev.Epoch + 1, Map: sm}
	m.snapshot.Store(next)
	m.logger.WithFields(logrus.Fields{
		"seed":  from,
		"epoch": next.Epoch,
	}).Debug("topology refresh complete")
	return nil
}

func (m *Manager) refreshCandidates() []string {
	backends := m.registry.All()
	if len(backends) == 0 {
		return m.seeds
	}
	addrs := make([]string, 0, len(backends))
	for _, b := range backends {
		addrs = append(addrs, b.Address)
	}
	return addrs
}

// ApplyMoved installs a single-slot (or small-range) override from a
// MOVED response, then schedules a debounced full refresh to reconcile.
// forEpoch is the epoch the requesting connection observed when it
// dispatched the command that drew the redirect; if the current snapshot
// has since moved past that epoch, the write is dropped as stale —
// a full refresh already superseded it.
func (m *Manager) ApplyMoved(forEpoch uint64, slot uint16, address string) {
	prev := m.snapshot.Load()
	if forEpoch < prev.Epoch {
		return
	}
	next := &Snapshot{Epoch: prev.Epoch, Map: prev.Map.Assign(slot, slot, address)}
	if !m.snapshot.CompareAndSwap(prev, next) {
		// Lost a race with a concurrent writer; the loser's update is
		// subsumed by whichever snapshot won, which is no older.
	}
	if _, ok := m.registry.Get(address); !ok {
		m.registry.Upsert(registry.NewBackend(address, address, registry.RedisNode))
	}
	m.scheduleDebouncedRefresh()
}

func (m *Manager) scheduleDebouncedRefresh() {
	now := time.Now().UnixNano()
	last := m.lastDebounceAt.Load()
	if now-last < m.debounce.Nanoseconds() {
		return
	}
	if !m.lastDebounceAt.CompareAndSwap(last, now) {
		return
	}
	go func() {
		_ = m.Refresh()
	}()
}

// RunPeriodicRefresh blocks, calling Refresh on interval until stop is
// closed.
func (m *Manager) RunPeriodicRefresh(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_ = m.Refresh()
		}
	}
}

func (m *Manager) learnNewBackends(sm *slotmap.SlotMap) {
	for _, addr := range sm.ActiveBackends() {
		if _, ok := m.registry.Get(addr); !ok {
			m.registry.Upsert(registry.NewBackend(addr, addr, registry.RedisNode))
		}
	}
}

// queryAny tries each address in order, returning the first successful
// CLUSTER NODES reply body.
func (m *Manager) queryAny(addrs []string) (text string, from string, err error) {
	var lastErr error
	for _, addr := range addrs {
		text, err := m.queryClusterNodes(addr)
		if err == nil {
			return text, addr, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		return "", "", ErrNoSeedReachable
	}
	return "", "", fmt.Errorf("%w: %v", ErrNoSeedReachable, lastErr)
}

// queryClusterNodes dials addr directly and speaks RESP via the resp
// package: topology's wire probing delegates to the RESP core rather
// than going through a full client.
func (m *Manager) queryClusterNodes(addr string) (string, error) {
	conn, err := m.dialer.Dial("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("topology: dial %s: %w", addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(m.timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return "", err
	}

	req := resp.Encode(resp.Command("CLUSTER", "NODES"))
	if _, err := conn.Write(req); err != nil {
		return "", fmt.Errorf("topology: write to %s: %w", addr, err)
	}

	var p resp.Parser
	buf := make([]byte, 4096)
	for {
		v, err := p.Next()
		if err != nil {
			return "", fmt.Errorf("topology: parse reply from %s: %w", addr, err)
		}
		if v != nil {
			if v.Type == resp.TypeError {
				return "", fmt.Errorf("topology: %s replied with error: %s", addr, v.Str)
			}
			if v.Type != resp.TypeBulkString || v.BulkNull {
				return "", fmt.Errorf("topology: %s: unexpected CLUSTER NODES reply type", addr)
			}
			return string(v.Bulk), nil
		}
		n, err := conn.Read(buf)
		if n > 0 {
			p.Feed(buf[:n])
		}
		if err != nil {
			return "", fmt.Errorf("topology: read from %s: %w", addr, err)
		}
	}
}
