package slotmap

import (
	"fmt"
	"strconv"
	"strings"
)

// Range is an inclusive slot range.
type Range struct {
	Start, End uint16
}

func (r Range) Contains(slot uint16) bool { return slot >= r.Start && slot <= r.End }
func (r Range) Size() int                 { return int(r.End) - int(r.Start) + 1 }

// SlotMap is an immutable mapping from slot to backend id, plus the
// sparse per-backend range view used for introspection and
// serialization. A SlotMap is never mutated in place: Assign and
// RemoveBackend return a new instance, which is how a producer publishes
// an update by swap rather than by lock.
type SlotMap struct {
	bySlot    [NumSlots]string
	byBackend map[string][]Range
}

// Empty returns a SlotMap with no slots assigned.
func Empty() *SlotMap {
	m := &SlotMap{byBackend: make(map[string][]Range)}
	return m
}

// Lookup returns the backend owning slot, if any.
func (m *SlotMap) Lookup(slot uint16) (string, bool) {
	b := m.bySlot[slot]
	return b, b != ""
}

// RangesFor returns the compacted ranges owned by backendID.
func (m *SlotMap) RangesFor(backendID string) []Range {
	return m.byBackend[backendID]
}

// ActiveBackends returns the ids of every backend that owns at least one
// slot in this snapshot.
func (m *SlotMap) ActiveBackends() []string {
	ids := make([]string, 0, len(m.byBackend))
	for id := range m.byBackend {
		ids = append(ids, id)
	}
	return ids
}

// Assign returns a new SlotMap with every slot in [start, end] reassigned
// to backendID, overwriting any prior owner for those slots. Adjacent
// ranges are compacted automatically since the sparse view is rebuilt
// from the dense array on every mutation.
func (m *SlotMap) Assign(start, end uint16, backendID string) *SlotMap {
	n := &SlotMap{bySlot: m.bySlot}
	for s := int(start); s <= int(end); s++ {
		n.bySlot[s] = backendID
	}
	n.rebuildRanges()
	return n
}

// RemoveBackend returns a new SlotMap with every slot owned by backendID
// unassigned.
func (m *SlotMap) RemoveBackend(backendID string) *SlotMap {
	n := &SlotMap{bySlot: m.bySlot}
	for s := range n.bySlot {
		if n.bySlot[s] == backendID {
			n.bySlot[s] = ""
		}
	}
	n.rebuildRanges()
	return n
}

func (m *SlotMap) rebuildRanges() {
	ranges := make(map[string][]Range)
	open := false
	var cur string
	var start uint16
	flush := func(end uint16) {
		ranges[cur] = append(ranges[cur], Range{start, end})
	}
	for s := 0; s < NumSlots; s++ {
		b := m.bySlot[s]
		if open && b != cur {
			flush(uint16(s - 1))
			open = false
		}
		if b != "" && !open {
			cur = b
			start = uint16(s)
			open = true
		}
	}
	if open {
		flush(NumSlots - 1)
	}
	m.byBackend = ranges
}

// Coverage summarizes how much of the keyspace is assigned.
type Coverage struct {
	AssignedSlots int
	MissingSlots  []uint16
	PerBackend    map[string]int
}

// Coverage reports the assigned/missing slot counts and per-backend
// slot counts for this snapshot.
func (m *SlotMap) Coverage() Coverage {
	c := Coverage{PerBackend: make(map[string]int)}
	for s := 0; s < NumSlots; s++ {
		b := m.bySlot[s]
		if b == "" {
			c.MissingSlots = append(c.MissingSlots, uint16(s))
			continue
		}
		c.AssignedSlots++
		c.PerBackend[b]++
	}
	return c
}

// IsComplete reports whether every one of the 16,384 slots is assigned.
func (m *SlotMap) IsComplete() bool {
	return m.Coverage().AssignedSlots == NumSlots
}

// ParseClusterNodes deterministically reconstructs a SlotMap from the
// text body of a CLUSTER NODES reply. One line per node, whitespace
// tokenized: tokens 0-7 are fixed (id, addr[@cport], flags, masterId,
// pingSent, pongRecv, configEpoch, linkState); token 8 onward are slot
// specs, each either "N" or "N-M". Nodes whose flags contain "slave" or
// "fail" are skipped. A line with fewer than 8 tokens is skipped, not
// fatal. The address before '@' is used as the backend id.
func ParseClusterNodes(text string) (*SlotMap, error) {
	m := Empty()
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 8 {
			continue
		}
		flags := fields[2]
		if strings.Contains(flags, "slave") || strings.Contains(flags, "fail") {
			continue
		}
		addr := fields[1]
		if at := strings.IndexByte(addr, '@'); at >= 0 {
			addr = addr[:at]
		}
		for _, spec := range fields[8:] {
			if strings.HasPrefix(spec, "[") {
				// Migration/import marker (e.g. "[1234-<-<node>]"), not a
				// plain ownership spec; this node doesn't yet own it.
				continue
			}
			r, err := parseSlotSpec(spec)
			if err != nil {
				return nil, fmt.Errorf("slotmap: line %q: %w", line, err)
			}
			for s := int(r.Start); s <= int(r.End); s++ {
				m.bySlot[s] = addr
			}
		}
	}
	m.rebuildRanges()
	return m, nil
}

func parseSlotSpec(spec string) (Range, error) {
	if dash := strings.IndexByte(spec, '-'); dash > 0 {
		start, err := strconv.ParseUint(spec[:dash], 10, 16)
		if err != nil {
			return Range{}, err
		}
		end, err := strconv.ParseUint(spec[dash+1:], 10, 16)
		if err != nil {
			return Range{}, err
		}
		if start > end || end >= NumSlots {
			return Range{}, fmt.Errorf("invalid slot range %q", spec)
		}
		return Range{uint16(start), uint16(end)}, nil
	}
	n, err := strconv.ParseUint(spec, 10, 16)
	if err != nil {
		return Range{}, err
	}
	if n >= NumSlots {
		return Range{}, fmt.Errorf("invalid slot %q", spec)
	}
	return Range{uint16(n), uint16(n)}, nil
}
