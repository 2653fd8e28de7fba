// Package conflict implements the conflict resolver: classifying a
// local/remote op pair into a resolution strategy and, for concurrent
// field-level edits, merging disjoint changed-field sets.
package conflict

import (
	"encoding/json"
	"fmt"

	"github.com/lezzur/lime-sync-core/internal/clock"
	"github.com/lezzur/lime-sync-core/internal/store"
)

// Strategy is the outcome of resolving a conflicting (local, remote) pair.
type Strategy string

const (
	// DeleteWins: the local entry is a DELETE; skip the remote entry.
	DeleteWins Strategy = "DELETE_WINS"
	// RemoteWins: the remote entry is a DELETE (or wins LWW); apply it unchanged.
	RemoteWins Strategy = "REMOTE_WINS"
	// LocalWins: the local entry wins last-writer-wins; skip the remote entry.
	LocalWins Strategy = "LOCAL_WINS"
	// Merge: both entries touch disjoint fields; merge them into one changed set.
	Merge Strategy = "MERGE"
)

// Resolution is the resolver's verdict for a single conflicting entry.
type Resolution struct {
	Strategy     Strategy
	MergedFields map[string]any
	Details      string
}

// Resolver classifies conflicting local/remote ChangeLogEntry pairs per the
// policy table below.
type Resolver struct{}

// New builds a Resolver. It is stateless; policy is purely a function of
// the two entries being compared.
func New() *Resolver {
	return &Resolver{}
}

// Resolve decides how to reconcile local (this device's conflicting entry)
// against remote (the incoming entry from a peer).
func (r *Resolver) Resolve(local, remote store.ChangeLogEntry) (Resolution, error) {
	switch {
	case local.Operation == store.OpDelete:
		return Resolution{Strategy: DeleteWins, Details: "local delete takes precedence over any remote op"}, nil

	case remote.Operation == store.OpDelete:
		return Resolution{Strategy: RemoteWins, Details: "remote delete is always applied"}, nil

	default:
		return r.resolveConcurrentWrite(local, remote)
	}
}

// resolveConcurrentWrite handles the UPDATE/INSERT vs UPDATE/INSERT case:
// field-wise merge when the changed-field sets are disjoint, otherwise
// last-writer-wins by hlc with a node-id lexicographic tie-break.
func (r *Resolver) resolveConcurrentWrite(local, remote store.ChangeLogEntry) (Resolution, error) {
	localFields, err := decodeFields(local.ChangedFields)
	if err != nil {
		return Resolution{}, fmt.Errorf("conflict: decode local fields: %w", err)
	}
	remoteFields, err := decodeFields(remote.ChangedFields)
	if err != nil {
		return Resolution{}, fmt.Errorf("conflict: decode remote fields: %w", err)
	}

	if disjoint(localFields, remoteFields) {
		merged := make(map[string]any, len(localFields)+len(remoteFields))
		for k, v := range localFields {
			merged[k] = v
		}
		for k, v := range remoteFields {
			merged[k] = v
		}
		return Resolution{Strategy: Merge, MergedFields: merged, Details: "disjoint field sets merged"}, nil
	}

	localTS, err := clock.ParseTimestamp(local.HLCTimestamp)
	if err != nil {
		return Resolution{}, fmt.Errorf("conflict: parse local hlc: %w", err)
	}
	remoteTS, err := clock.ParseTimestamp(remote.HLCTimestamp)
	if err != nil {
		return Resolution{}, fmt.Errorf("conflict: parse remote hlc: %w", err)
	}

	// Timestamp.Compare orders by wall_ms, then counter, then node_id —
	// the node-id tie-break falls out of that ordering.
	if localTS.GreaterOrEqual(remoteTS) {
		return Resolution{Strategy: LocalWins, Details: "local hlc (or node id tie-break) wins"}, nil
	}
	return Resolution{Strategy: RemoteWins, Details: "remote hlc (or node id tie-break) wins"}, nil
}

func disjoint(a, b map[string]any) bool {
	for k := range a {
		if _, ok := b[k]; ok {
			return false
		}
	}
	return true
}

func decodeFields(raw *string) (map[string]any, error) {
	if raw == nil {
		return map[string]any{}, nil
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(*raw), &fields); err != nil {
		return nil, err
	}
	return fields, nil
}
