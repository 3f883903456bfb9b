package affinity

import "sync/atomic"

// SelectFunc picks a backend among healthyCandidates to bind a
// brand-new session to. It returns ok=false only when candidates is
// empty.
type SelectFunc func(healthyCandidates []string) (string, bool)

// RoundRobin cycles through candidates using a shared atomic counter.
type RoundRobin struct {
	counter uint64
}

func (r *RoundRobin) SelectNew(candidates []string) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	i := atomic.AddUint64(&r.counter, 1) - 1
	return candidates[i%uint64(len(candidates))], true
}

// WeightedRoundRobin selects by position in an expanded weight sum: a
// candidate with weight 3 occupies three of the expanded slots, so it is
// chosen three times as often as a weight-1 candidate. WeightOf defaults
// every candidate to weight 1 when nil or when the total expands to
// zero, which degrades gracefully to plain round-robin.
type WeightedRoundRobin struct {
	WeightOf func(id string) int32
	counter  uint64
}

func (w *WeightedRoundRobin) SelectNew(candidates []string) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	var expanded []string
	for _, c := range candidates {
		n := int32(1)
		if w.WeightOf != nil {
			n = w.WeightOf(c)
		}
		for i := int32(0); i < n; i++ {
			expanded = append(expanded, c)
		}
	}
	if len(expanded) == 0 {
		expanded = candidates
	}
	i := atomic.AddUint64(&w.counter, 1) - 1
	return expanded[i%uint64(len(expanded))], true
}

// LeastConnections is declared as a seat for future extension per the
// canonical selector set; it is not yet implemented beyond round-robin
// behavior.
type LeastConnections struct {
	rr RoundRobin
}

func (l *LeastConnections) SelectNew(candidates []string) (string, bool) {
	return l.rr.SelectNew(candidates)
}
