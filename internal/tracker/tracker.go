// Package tracker implements the change tracker: an explicit
// write-adapter API that appends one ChangeLogEntry per mutated row inside
// the caller's own transaction. Unlike an ORM's after-flush hook, callers
// name the table, row, and changed fields themselves — there is no
// reflection-based dirty tracking in Go's idiomatic toolbox for this.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/jmoiron/sqlx"

	"github.com/lezzur/lime-sync-core/internal/clock"
	"github.com/lezzur/lime-sync-core/internal/store"
	"github.com/lezzur/lime-sync-core/internal/syncerr"
)

// SyncableTables is the static set of tables the tracker observes. A
// write to any other table is never logged.
var SyncableTables = map[string]bool{
	"meetings":            true,
	"speakers":            true,
	"transcript_segments": true,
	"analyses":            true,
	"action_items":        true,
	"decisions":           true,
	"topics":              true,
	"corrections":         true,
	"kg_entities":         true,
	"kg_junctions":        true,
}

// Tracker appends ChangeLogEntry rows for syncable-table mutations and can
// be suppressed for the duration of applying a remotely-sourced write.
type Tracker struct {
	clock    *clock.HLC
	deviceID string

	// suppressed is a refcount, incremented/decremented with atomic ops so
	// Suppressed() can be checked from any goroutine without a separate
	// mutex. A plain 0/1 flag would un-suppress the tracker as soon as the
	// first of several concurrent Suppress windows returned, even while
	// others were still applying — this counter keeps nested/overlapping
	// windows composing correctly.
	suppressed int32
}

// New builds a Tracker stamping entries with deviceID and timestamps from c.
func New(c *clock.HLC, deviceID string) *Tracker {
	return &Tracker{clock: c, deviceID: deviceID}
}

// Suppressed reports whether the tracker is currently suspended.
func (t *Tracker) Suppressed() bool {
	return atomic.LoadInt32(&t.suppressed) != 0
}

// Suppress runs fn with logging suspended, guaranteeing it is restored even
// if fn panics. Writes performed inside fn must not call Record*, or must
// tolerate Record* becoming a no-op (callers use Suppressed() to skip the
// call entirely). Suppress windows may be entered concurrently (e.g. by
// concurrent per-peer pulls); the counter only drops to zero once every
// overlapping window has exited, so one goroutine finishing never
// un-suppresses the tracker while a sibling is still applying. This is the
// mechanism that prevents a replication echo when applying remote changes.
func (t *Tracker) Suppress(fn func() error) error {
	atomic.AddInt32(&t.suppressed, 1)
	defer atomic.AddInt32(&t.suppressed, -1)
	return fn()
}

// RecordInsert appends an INSERT entry for table/entityID with fields
// holding every non-null column at creation time. A
// no-op if the tracker is suppressed; a table that is not syncable is
// rejected with an error wrapping syncerr.ErrSchemaUnknown.
func (t *Tracker) RecordInsert(ctx context.Context, tx *sqlx.Tx, table, entityID string, fields map[string]any) error {
	return t.record(ctx, tx, table, entityID, store.OpInsert, fields)
}

// RecordUpdate appends an UPDATE entry holding only the columns that
// changed. If fields is empty (collection-only mutation), no entry is
// emitted.
func (t *Tracker) RecordUpdate(ctx context.Context, tx *sqlx.Tx, table, entityID string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	return t.record(ctx, tx, table, entityID, store.OpUpdate, fields)
}

// RecordDelete appends a DELETE entry with no changed_fields.
func (t *Tracker) RecordDelete(ctx context.Context, tx *sqlx.Tx, table, entityID string) error {
	return t.record(ctx, tx, table, entityID, store.OpDelete, nil)
}

func (t *Tracker) record(ctx context.Context, tx *sqlx.Tx, table, entityID, op string, fields map[string]any) error {
	if t.Suppressed() {
		return nil
	}
	if !SyncableTables[table] {
		return fmt.Errorf("tracker: %w: %s", syncerr.ErrSchemaUnknown, table)
	}

	var changedFields *string
	if fields != nil {
		raw, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("tracker: marshal changed fields: %w", err)
		}
		s := string(raw)
		changedFields = &s
	}

	ts := t.clock.Now()
	entry := store.ChangeLogEntry{
		EntityTable:   table,
		EntityID:      entityID,
		HLCTimestamp:  ts.String(),
		DeviceID:      t.deviceID,
		Operation:     op,
		ChangedFields: changedFields,
	}
	return store.InsertChangeLogEntry(ctx, tx, entry)
}

// EncodeEntityID renders a primary key as entity_id: the stringified value
// for a single column, or a JSON array for a composite key.
func EncodeEntityID(pk ...any) (string, error) {
	if len(pk) == 1 {
		return fmt.Sprint(pk[0]), nil
	}
	raw, err := json.Marshal(pk)
	if err != nil {
		return "", fmt.Errorf("tracker: encode composite key: %w", err)
	}
	return string(raw), nil
}
