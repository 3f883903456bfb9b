// Package health implements the per-backend liveness prober: a TCP
// connect followed by a protocol-specific probe, with retry/backoff and
// a small status vocabulary richer than a bare healthy/unhealthy bit.
package health

import (
	"context"
	"time"

	"marchproxy-dblb/internal/registry"
)

// Status is the outcome of one probe attempt.
type Status int

const (
	Healthy Status = iota
	Unhealthy
	Timeout
	Unknown
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Result is one probe outcome, with a reason for non-healthy statuses.
type Result struct {
	Status Status
	Reason string
}

func (r Result) IsHealthy() bool { return r.Status == Healthy }

func ok() Result                  { return Result{Status: Healthy} }
func unhealthy(why string) Result { return Result{Status: Unhealthy, Reason: why} }
func timedOut(why string) Result  { return Result{Status: Timeout, Reason: why} }

// Checker is the capability a Prober consumes: dispatch on the backend's
// protocol is fixed at construction time, choosing between the two
// canonical variants (Redis, MongoDB).
type Checker interface {
	Check(ctx context.Context, addr string) Result
}

// Transition is emitted whenever a probe flips a backend's health bit.
type Transition struct {
	Backend *registry.Backend
	Result  Result
	At      time.Time
}

// Prober runs one backend's check loop: connect+probe, retry up to
// MaxRetries with RetryDelay backoff between attempts, then — once the
// result has held for FailureThreshold/SuccessThreshold consecutive
// probes in that direction — publish the health bit.
//
// MaxRetries/RetryDelay and FailureThreshold/SuccessThreshold address
// two different kinds of flakiness: the former absorbs a single
// transient hiccup within one probe attempt (a dropped SYN, a slow
// TCP handshake); the latter requires several whole probe attempts,
// spaced Interval apart, to agree before the backend's advertised
// health actually changes. A backend that alternates healthy/unhealthy
// every other probe never flips with a threshold > 1.
type Prober struct {
	Checker    Checker
	Interval   time.Duration
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration

	// FailureThreshold/SuccessThreshold are the number of consecutive
	// same-direction probe results required before SetHealth is called
	// and OnTransition fires. Zero (or one) means flip on the first
	// result in that direction, matching the original single-probe
	// behavior.
	FailureThreshold int
	SuccessThreshold int

	// OnTransition, if set, is called (outside any lock) whenever a
	// probe changes a backend's health bit — the hook observability
	// wires into.
	OnTransition func(Transition)
}

// attempt runs the checker with intra-attempt retries and returns the
// last result, without touching the backend's published health bit.
func (p *Prober) attempt(ctx context.Context, backend *registry.Backend) Result {
	var last Result
attempts:
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				last = timedOut("context cancelled during retry backoff")
				break attempts
			case <-time.After(p.RetryDelay):
			}
		}
		cctx, cancel := context.WithTimeout(ctx, p.Timeout)
		last = p.Checker.Check(cctx, backend.Address)
		cancel()
		if last.IsHealthy() {
			break
		}
	}
	return last
}

// ProbeOnce runs the checker (with retries) once against backend. Once
// the result's direction has been observed FailureThreshold or
// SuccessThreshold consecutive times (whichever applies), it publishes
// the resulting health bit and, if that changed it, fires OnTransition.
func (p *Prober) ProbeOnce(ctx context.Context, backend *registry.Backend) Result {
	last := p.attempt(ctx, backend)

	threshold := p.FailureThreshold
	if last.IsHealthy() {
		threshold = p.SuccessThreshold
	}
	if threshold < 1 {
		threshold = 1
	}

	streak := backend.RecordProbe(last.IsHealthy())
	if streak < threshold {
		return last
	}

	transitioned := backend.SetHealth(last.IsHealthy(), time.Now())
	if transitioned && p.OnTransition != nil {
		p.OnTransition(Transition{Backend: backend, Result: last, At: time.Now()})
	}
	return last
}

// Run probes backend immediately, then loops ProbeOnce at Interval until
// stop is closed. The immediate first probe matters: backends enter the
// registry with healthy=false, and waiting a full Interval before the
// first probe would leave a freshly discovered (or freshly started)
// backend unroutable for that long.
func (p *Prober) Run(ctx context.Context, backend *registry.Backend, stop <-chan struct{}) {
	p.ProbeOnce(ctx, backend)
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProbeOnce(ctx, backend)
		}
	}
}
