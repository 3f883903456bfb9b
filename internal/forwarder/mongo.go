package forwarder

import (
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"marchproxy-dblb/internal/affinity"
	"marchproxy-dblb/internal/metrics"
	"marchproxy-dblb/internal/registry"
)

// MongoForwarder drives a single MongoDB-mode client connection: resolve
// a sticky backend via affinity, dial it, and splice bytes bidirectionally
// until either side closes. Grounded on the teacher's
// proxyClientToBackend/proxyBackendToClient pairing in
// internal/handlers/mongodb.go, generalized to run the route decision
// (affinity resolve) ahead of the copy loop instead of a fixed backend.
type MongoForwarder struct {
	Registry    *registry.Registry
	Affinity    *affinity.Manager
	Selector    affinity.SelectFunc
	Identity    affinity.IdentityStrategy
	DialTimeout time.Duration
	BufferSize  int
	Logger      *logrus.Logger

	// ConnLimiter, if set, admits connections the same way the teacher's
	// handlers gate accept with connLimiter.Allow(): a non-blocking
	// check, rejecting (closing) the connection outright when the rate
	// is exceeded rather than queuing it.
	ConnLimiter *rate.Limiter
}

func (f *MongoForwarder) bufSize() int {
	if f.BufferSize > 0 {
		return f.BufferSize
	}
	return DefaultBufferSize
}

// Serve handles one accepted client connection end to end, closing it
// before returning.
func (f *MongoForwarder) Serve(clientConn net.Conn) {
	defer clientConn.Close()
	enableNoDelay(clientConn)

	if f.ConnLimiter != nil && !f.ConnLimiter.Allow() {
		if f.Logger != nil {
			f.Logger.Warn("mongodb: connection rate limit exceeded")
		}
		return
	}

	start := time.Now()
	metrics.IncConnectionAccepted("mongodb", "sticky")
	defer func() {
		metrics.ObserveConnectionClosed("mongodb", "sticky", time.Since(start).Seconds())
	}()

	clientID := affinity.ClientIdentity(f.Identity, clientConn.RemoteAddr().String(), nil)

	healthy := healthyBackendIDs(f.Registry)
	backendID, ok, created := f.Affinity.ResolveCreated(clientID, healthy, f.Selector)
	if !ok {
		// No healthy candidate: close the client connection as the
		// synthetic failure signal, mirroring the absence of a usable
		// backend at the wire protocol level.
		return
	}

	backend, found := f.Registry.Get(backendID)
	if !found {
		if created {
			f.Affinity.Release(clientID)
		}
		return
	}

	upstream, err := net.DialTimeout("tcp", backend.Address, f.DialTimeout)
	if err != nil {
		metrics.IncUpstreamDialFailure("mongodb")
		if created {
			f.Affinity.Release(clientID)
		}
		if f.Logger != nil {
			f.Logger.WithError(err).WithField("backend", backend.Address).Warn("mongodb: upstream dial failed")
		}
		return
	}
	defer upstream.Close()
	enableNoDelay(upstream)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		n, _ := copyDirection(upstream, clientConn, f.bufSize())
		metrics.AddBytesForwarded("mongodb", "client_to_upstream", n)
		upstream.Close()
	}()
	go func() {
		defer wg.Done()
		n, _ := copyDirection(clientConn, upstream, f.bufSize())
		metrics.AddBytesForwarded("mongodb", "upstream_to_client", n)
		clientConn.Close()
	}()
	wg.Wait()
}

func healthyBackendIDs(reg *registry.Registry) []string {
	backends := reg.Healthy()
	ids := make([]string, 0, len(backends))
	for _, b := range backends {
		ids = append(ids, b.ID)
	}
	return ids
}
