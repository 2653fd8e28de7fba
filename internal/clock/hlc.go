// Package clock implements the hybrid logical clock used to totally order
// changelog entries across devices without relying on wall-clock agreement
// between them.
package clock

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Timestamp is a totally-ordered triple (wall_ms, counter, node_id),
// lexicographic on those fields in that order. Its canonical wire form is
// "{wall_ms}:{counter:04d}:{node_id}".
type Timestamp struct {
	WallMS  uint64
	Counter uint16
	NodeID  string
}

// String renders the canonical wire representation.
func (t Timestamp) String() string {
	return fmt.Sprintf("%d:%04d:%s", t.WallMS, t.Counter, t.NodeID)
}

// ParseTimestamp parses the canonical wire representation produced by String.
func ParseTimestamp(s string) (Timestamp, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return Timestamp{}, fmt.Errorf("clock: invalid timestamp %q", s)
	}
	wallMS, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return Timestamp{}, fmt.Errorf("clock: invalid timestamp %q: %w", s, err)
	}
	counter, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return Timestamp{}, fmt.Errorf("clock: invalid timestamp %q: %w", s, err)
	}
	if parts[2] == "" {
		return Timestamp{}, fmt.Errorf("clock: invalid timestamp %q: empty node id", s)
	}
	return Timestamp{WallMS: wallMS, Counter: uint16(counter), NodeID: parts[2]}, nil
}

// Compare returns -1, 0, or 1 as t is less than, equal to, or greater than
// other, comparing wall_ms, then counter, then node_id lexicographically.
func (t Timestamp) Compare(other Timestamp) int {
	if t.WallMS != other.WallMS {
		if t.WallMS < other.WallMS {
			return -1
		}
		return 1
	}
	if t.Counter != other.Counter {
		if t.Counter < other.Counter {
			return -1
		}
		return 1
	}
	return strings.Compare(t.NodeID, other.NodeID)
}

// SortableBatchPrefix renders t so that lexicographic string ordering
// matches Compare ordering: wall_ms is zero-padded to 20 digits (enough for
// any uint64 millisecond epoch), counter to 4 digits as in String. Used only
// when constructing object-store batch-id keys, which must sort the
// same way a plain string comparison on object keys does; the canonical
// wire form returned by String is left unpadded to match the protocol's literal
// wire format.
func (t Timestamp) SortableBatchPrefix() string {
	return fmt.Sprintf("%020d:%04d:%s", t.WallMS, t.Counter, t.NodeID)
}

// Less reports whether t sorts strictly before other.
func (t Timestamp) Less(other Timestamp) bool { return t.Compare(other) < 0 }

// GreaterOrEqual reports whether t sorts at or after other.
func (t Timestamp) GreaterOrEqual(other Timestamp) bool { return t.Compare(other) >= 0 }

// HLC is a thread-safe hybrid logical clock for a single node.
type HLC struct {
	mu         sync.Mutex
	nodeID     string
	lastWallMS uint64
	counter    uint16

	// physicalMS is overridable in tests to control the simulated wall clock.
	physicalMS func() uint64
}

// New creates an HLC stamping timestamps with nodeID.
func New(nodeID string) *HLC {
	return &HLC{
		nodeID:     nodeID,
		physicalMS: defaultPhysicalMS,
	}
}

func defaultPhysicalMS() uint64 {
	return uint64(time.Now().UnixMilli())
}

// Now mints a timestamp strictly greater than every timestamp previously
// returned by this clock or passed to Receive.
func (h *HLC) Now() Timestamp {
	h.mu.Lock()
	defer h.mu.Unlock()

	phys := h.physicalMS()
	if phys > h.lastWallMS {
		h.lastWallMS = phys
		h.counter = 0
	} else {
		h.counter++
	}
	return Timestamp{WallMS: h.lastWallMS, Counter: h.counter, NodeID: h.nodeID}
}

// Receive merges a remote timestamp into the local clock state and returns a
// fresh timestamp strictly greater than both the prior local state and
// remote.
func (h *HLC) Receive(remote Timestamp) Timestamp {
	h.mu.Lock()
	defer h.mu.Unlock()

	phys := h.physicalMS()
	m := h.lastWallMS
	if remote.WallMS > m {
		m = remote.WallMS
	}
	if phys > m {
		m = phys
	}

	switch {
	case m == phys && m > h.lastWallMS && m > remote.WallMS:
		h.counter = 0
	case m == h.lastWallMS && m == remote.WallMS:
		if remote.Counter > h.counter {
			h.counter = remote.Counter
		}
		h.counter++
	case m == remote.WallMS:
		h.counter = remote.Counter + 1
	default:
		h.counter++
	}
	h.lastWallMS = m
	return Timestamp{WallMS: h.lastWallMS, Counter: h.counter, NodeID: h.nodeID}
}
