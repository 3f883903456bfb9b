// Package affinity implements MongoDB-mode session affinity: a stable
// client-identity-to-backend binding with TTL-based cleanup, used so a
// given client's traffic stays pinned to one mongos router across
// reconnects.
package affinity

import (
	"crypto/sha256"
	"encoding/hex"
	"hash/fnv"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const shardCount = 32

// IdentityStrategy selects how a client's identity is derived.
type IdentityStrategy int

const (
	// IdentityBySocketAddress uses the raw peer address. Simple, but
	// unstable across client-side NAT rebinding or reconnects that
	// change the ephemeral port.
	IdentityBySocketAddress IdentityStrategy = iota
	// IdentityByFingerprint uses a NAT-friendly fingerprint of the
	// client's IP and an optional handshake prefix, stable across
	// reconnects from behind the same NAT.
	IdentityByFingerprint
)

// Fingerprint computes a NAT-friendly client identity: H(ip ∥
// handshakePrefix). Deliberately unsalted by time — a fingerprint salted
// with connection timestamp is unstable across reconnects and is not
// used here.
func Fingerprint(ip string, handshakePrefix []byte) string {
	h := sha256.New()
	h.Write([]byte(ip))
	h.Write(handshakePrefix)
	return hex.EncodeToString(h.Sum(nil))
}

// ClientIdentity derives a client_identity per strategy from a peer
// address and an optional handshake prefix (ignored for
// IdentityBySocketAddress).
func ClientIdentity(strategy IdentityStrategy, remoteAddr string, handshakePrefix []byte) string {
	if strategy == IdentityByFingerprint {
		host, _, err := net.SplitHostPort(remoteAddr)
		if err != nil {
			host = remoteAddr
		}
		return Fingerprint(host, handshakePrefix)
	}
	return remoteAddr
}

// Session is a live client-to-backend binding.
type Session struct {
	ClientID     string
	BackendID    string
	CreatedAt    time.Time
	LastActiveAt time.Time
	RefCount     int64
}

type shard struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// Manager is the session-affinity manager. Bindings live in a sharded
// map keyed by client identity; each shard has its own lock, so creation
// and lookup are serialized per client identity without serializing
// unrelated clients.
type Manager struct {
	shards         [shardCount]*shard
	sessionTimeout time.Duration
	totalAttaches  atomic.Int64
}

func NewManager(sessionTimeout time.Duration) *Manager {
	m := &Manager{sessionTimeout: sessionTimeout}
	for i := range m.shards {
		m.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	return m
}

func (m *Manager) shardFor(clientID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(clientID))
	return m.shards[h.Sum32()%shardCount]
}

// Resolve returns the backend bound to clientID, creating a new binding
// via selectNew if none exists or the existing one points at a backend
// no longer in healthyCandidates. It returns ok=false only when
// healthyCandidates is empty and no existing healthy binding covers it.
//
// A binding is never silently rewritten while its backend is still
// healthy: the only way a client gets rebound is if its current backend
// has dropped out of healthyCandidates, in which case selectNew picks a
// replacement.
func (m *Manager) Resolve(clientID string, healthyCandidates []string, selectNew SelectFunc) (string, bool) {
	backend, ok, _ := m.ResolveCreated(clientID, healthyCandidates, selectNew)
	return backend, ok
}

// ResolveCreated behaves like Resolve but additionally reports whether
// this call created a brand-new binding (as opposed to reusing a stable
// one) — the forwarder needs this distinction to know whether a failed
// upstream dial should free the binding it just made, versus leaving an
// existing, otherwise-valid binding alone.
func (m *Manager) ResolveCreated(clientID string, healthyCandidates []string, selectNew SelectFunc) (backendID string, ok bool, created bool) {
	sh := m.shardFor(clientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := time.Now()
	if s, ok := sh.sessions[clientID]; ok && contains(healthyCandidates, s.BackendID) {
		s.LastActiveAt = now
		s.RefCount++
		return s.BackendID, true, false
	}
	if len(healthyCandidates) == 0 {
		return "", false, false
	}
	backend, ok := selectNew(healthyCandidates)
	if !ok {
		return "", false, false
	}
	sh.sessions[clientID] = &Session{
		ClientID:     clientID,
		BackendID:    backend,
		CreatedAt:    now,
		LastActiveAt: now,
		RefCount:     1,
	}
	m.totalAttaches.Add(1)
	return backend, true, true
}

// Release removes the binding for clientID, if any, reporting whether
// one was removed.
func (m *Manager) Release(clientID string) bool {
	sh := m.shardFor(clientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.sessions[clientID]; ok {
		delete(sh.sessions, clientID)
		return true
	}
	return false
}

// GC removes every binding whose last activity exceeds sessionTimeout,
// returning the count removed. It never holds more than one shard lock
// at a time.
func (m *Manager) GC() int {
	now := time.Now()
	removed := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		for id, s := range sh.sessions {
			if now.Sub(s.LastActiveAt) > m.sessionTimeout {
				delete(sh.sessions, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// RunGC blocks, calling GC every sessionTimeout/4 until stop is closed,
// matching the cleanup cadence session-affinity managers conventionally
// use.
func (m *Manager) RunGC(stop <-chan struct{}) {
	interval := m.sessionTimeout / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.GC()
		}
	}
}

// Stats is introspection-only; it does not affect routing.
type Stats struct {
	Count         int
	PerBackend    map[string]int
	TotalAttaches int64
}

func (m *Manager) Stats() Stats {
	st := Stats{PerBackend: make(map[string]int)}
	for _, sh := range m.shards {
		sh.mu.Lock()
		for _, s := range sh.sessions {
			st.Count++
			st.PerBackend[s.BackendID]++
		}
		sh.mu.Unlock()
	}
	st.TotalAttaches = m.totalAttaches.Load()
	return st
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
