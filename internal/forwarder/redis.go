package forwarder

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"marchproxy-dblb/internal/metrics"
	"marchproxy-dblb/internal/redirect"
	"marchproxy-dblb/internal/registry"
	"marchproxy-dblb/internal/resp"
	"marchproxy-dblb/internal/slotmap"
	"marchproxy-dblb/internal/topology"
)

var (
	errUpstreamUnavailable = []byte("-ERR upstream unavailable\r\n")
	errClusterDown         = []byte("-CLUSTERDOWN no healthy node available\r\n")
	errInvalidRedirectAddr = []byte("-ERR invalid redirect address\r\n")
	errQueryRateLimited    = []byte("-ERR query rate limit exceeded\r\n")
)

// RedisForwarder drives a single Redis-mode client connection as a
// command/response loop: read one command, compute its slot, route it
// to the owning node, and forward the reply — following MOVED/ASK
// redirects inline, within budget, before replying to the client.
//
// This adapts the abstract raw-byte splice-with-redirect-interception
// design into the teacher's own command-at-a-time shape
// (internal/handlers/redis_cluster.go's executeClusterCommand /
// executeOnNode loop): each client command is parsed as one RESP value
// and its reply as another, rather than treated as an opaque byte
// stream, which is what lets a MOVED/ASK reply be detected and handled
// without scanning raw chunks for a leading '-'. The externally
// observable behavior — redirect budget, ASKING handshake, one-shot
// command replay — is unchanged.
type RedisForwarder struct {
	Registry     *registry.Registry
	Topology     *topology.Manager
	MaxRedirects int
	DialTimeout  time.Duration
	BufferSize   int
	Logger       *logrus.Logger

	// ConnLimiter and QueryLimiter mirror the teacher's connLimiter /
	// queryLimiter pair (internal/handlers/redis.go): ConnLimiter gates
	// connection admission, QueryLimiter gates each forwarded command.
	// Both are non-blocking Allow() checks — over-limit traffic is
	// rejected, not queued.
	ConnLimiter  *rate.Limiter
	QueryLimiter *rate.Limiter
}

func (f *RedisForwarder) bufSize() int {
	if f.BufferSize > 0 {
		return f.BufferSize
	}
	return DefaultBufferSize
}

// Serve handles one accepted client connection: every command is read,
// routed, and replied to in turn, reusing the current upstream
// connection across commands that land on the same node.
func (f *RedisForwarder) Serve(clientConn net.Conn) {
	defer clientConn.Close()
	enableNoDelay(clientConn)

	if f.ConnLimiter != nil && !f.ConnLimiter.Allow() {
		if f.Logger != nil {
			f.Logger.Warn("redis: connection rate limit exceeded")
		}
		return
	}

	start := time.Now()
	metrics.IncConnectionAccepted("redis", "cluster")
	defer func() {
		metrics.ObserveConnectionClosed("redis", "cluster", time.Since(start).Seconds())
	}()

	var clientParser resp.Parser
	var upstream net.Conn
	var upstreamAddr string
	defer func() {
		if upstream != nil {
			upstream.Close()
		}
	}()

	for {
		cmd, err := readOneValue(clientConn, &clientParser)
		if err != nil {
			return
		}
		if f.QueryLimiter != nil && !f.QueryLimiter.Allow() {
			clientConn.Write(errQueryRateLimited)
			continue
		}
		var ok bool
		upstream, upstreamAddr, ok = f.forwardOneCommand(clientConn, upstream, upstreamAddr, cmd)
		if !ok {
			return
		}
	}
}

// forwardOneCommand routes and forwards a single client command,
// following redirects until a non-redirect reply is obtained or the
// redirect budget/loop guard trips. It returns the (possibly new)
// upstream connection to reuse for the next command, or ok=false if
// the client connection should be torn down.
func (f *RedisForwarder) forwardOneCommand(clientConn net.Conn, upstream net.Conn, upstreamAddr string, cmd *resp.Value) (net.Conn, string, bool) {
	var slot uint16
	var snapshotEpoch uint64
	targetAddr := ""

	if key, hasKey := commandKey(cmd); hasKey {
		slot = slotmap.Slot(key)
		snap := f.Topology.Current()
		snapshotEpoch = snap.Epoch
		if snap.Map != nil {
			if owner, found := snap.Map.Lookup(slot); found {
				// An owner missing from the registry, or marked unhealthy,
				// is treated as unresolved: the healthy-node fallback below
				// takes over and the answering node redirects if needed.
				if b, known := f.Registry.Get(owner); known && b.Healthy() {
					targetAddr = owner
				}
			}
		}
	}
	if targetAddr == "" {
		healthy := f.Registry.Healthy()
		if len(healthy) == 0 {
			clientConn.Write(errClusterDown)
			return upstream, upstreamAddr, true
		}
		targetAddr = healthy[0].Address
	}

	redirCtx := redirect.NewContext(slot, f.MaxRedirects)
	frame := resp.Encode(*cmd)
	askingRequired := false

	for {
		if upstream == nil || upstreamAddr != targetAddr {
			if upstream != nil {
				upstream.Close()
			}
			conn, err := net.DialTimeout("tcp", targetAddr, f.DialTimeout)
			if err != nil {
				metrics.IncUpstreamDialFailure("redis")
				clientConn.Write(errUpstreamUnavailable)
				return nil, "", true
			}
			enableNoDelay(conn)
			upstream = conn
			upstreamAddr = targetAddr
		}

		if askingRequired {
			if _, err := upstream.Write(redirect.AskingFrame); err != nil {
				upstream.Close()
				return nil, "", false
			}
			var p resp.Parser
			if _, err := readOneValue(upstream, &p); err != nil {
				upstream.Close()
				return nil, "", false
			}
		}

		if _, err := upstream.Write(frame); err != nil {
			upstream.Close()
			return nil, "", false
		}
		metrics.AddBytesForwarded("redis", "client_to_upstream", int64(len(frame)))

		var p resp.Parser
		reply, err := readOneValue(upstream, &p)
		if err != nil {
			upstream.Close()
			clientConn.Write(errUpstreamUnavailable)
			return nil, "", true
		}

		replyWire := resp.Encode(*reply)
		if reply.Type == resp.TypeError {
			if rdr, isRedirect := redirect.Detect(replyWire); isRedirect {
				metrics.IncRedirect(rdr.Kind.String())
				if err := redirCtx.Record(rdr); err != nil {
					metrics.IncRedirectBudgetExhausted("redis")
					clientConn.Write(redirect.TooManyRedirectsReply)
					// Each earlier hop's connection was closed by the
					// redial above; closing this one leaves no upstream
					// open once the synthetic error is on the wire. The
					// next command dials fresh.
					upstream.Close()
					return nil, "", true
				}
				if err := redirect.ValidateAddress(rdr.Address); err != nil {
					clientConn.Write(errInvalidRedirectAddr)
					return upstream, upstreamAddr, true
				}
				if rdr.Kind == redirect.Moved {
					f.Topology.ApplyMoved(snapshotEpoch, rdr.Slot, rdr.Address)
					askingRequired = false
				} else {
					askingRequired = true
				}
				targetAddr = rdr.Address
				continue
			}
		}

		clientConn.Write(replyWire)
		metrics.AddBytesForwarded("redis", "upstream_to_client", int64(len(replyWire)))
		return upstream, upstreamAddr, true
	}
}
