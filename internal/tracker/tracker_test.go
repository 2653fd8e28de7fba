package tracker

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/lezzur/lime-sync-core/internal/clock"
	"github.com/lezzur/lime-sync-core/internal/store"
)

func newTestTracker(t *testing.T) (*Tracker, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "lime.db"))
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(clock.New(uuid.New().String()), "device-a"), db
}

func TestRecordInsertAppendsEntry(t *testing.T) {
	tr, db := newTestTracker(t)
	ctx := context.Background()

	tx, err := db.BeginTxx(ctx)
	if err != nil {
		t.Fatalf("BeginTxx failed: %v", err)
	}
	if err := tr.RecordInsert(ctx, tx, "meetings", "1", map[string]any{"title": "standup"}); err != nil {
		t.Fatalf("RecordInsert failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	entries, err := db.SelectLocalChangesSince(ctx, "device-a", "")
	if err != nil {
		t.Fatalf("SelectLocalChangesSince failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Operation != store.OpInsert {
		t.Fatalf("expected one INSERT entry, got %+v", entries)
	}
	if entries[0].ChangedFields == nil {
		t.Fatalf("expected INSERT to carry changed_fields")
	}
}

func TestRecordUpdateWithNoFieldsIsNoOp(t *testing.T) {
	tr, db := newTestTracker(t)
	ctx := context.Background()

	tx, err := db.BeginTxx(ctx)
	if err != nil {
		t.Fatalf("BeginTxx failed: %v", err)
	}
	if err := tr.RecordUpdate(ctx, tx, "meetings", "1", nil); err != nil {
		t.Fatalf("RecordUpdate failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	entries, err := db.SelectLocalChangesSince(ctx, "device-a", "")
	if err != nil {
		t.Fatalf("SelectLocalChangesSince failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected zero entries for a collection-only mutation, got %d", len(entries))
	}
}

func TestRecordDeleteHasNoChangedFields(t *testing.T) {
	tr, db := newTestTracker(t)
	ctx := context.Background()

	tx, err := db.BeginTxx(ctx)
	if err != nil {
		t.Fatalf("BeginTxx failed: %v", err)
	}
	if err := tr.RecordDelete(ctx, tx, "meetings", "1"); err != nil {
		t.Fatalf("RecordDelete failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	entries, err := db.SelectLocalChangesSince(ctx, "device-a", "")
	if err != nil {
		t.Fatalf("SelectLocalChangesSince failed: %v", err)
	}
	if len(entries) != 1 || entries[0].ChangedFields != nil {
		t.Fatalf("expected one DELETE entry with nil changed_fields, got %+v", entries)
	}
}

func TestUnknownTableIsRejected(t *testing.T) {
	tr, db := newTestTracker(t)
	ctx := context.Background()

	tx, err := db.BeginTxx(ctx)
	if err != nil {
		t.Fatalf("BeginTxx failed: %v", err)
	}
	defer tx.Rollback()

	if err := tr.RecordInsert(ctx, tx, "unknown_table", "1", map[string]any{"x": 1}); err == nil {
		t.Fatalf("expected an error for a non-syncable table")
	}
}

func TestSuppressPreventsReplicationEcho(t *testing.T) {
	tr, db := newTestTracker(t)
	ctx := context.Background()

	err := tr.Suppress(func() error {
		tx, err := db.BeginTxx(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := tr.RecordInsert(ctx, tx, "meetings", "1", map[string]any{"title": "x"}); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		t.Fatalf("Suppress body failed: %v", err)
	}
	if tr.Suppressed() {
		t.Fatalf("expected suppression to be lifted after Suppress returns")
	}

	entries, err := db.SelectLocalChangesSince(ctx, "device-a", "")
	if err != nil {
		t.Fatalf("SelectLocalChangesSince failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no changelog entries for a suppressed write, got %d", len(entries))
	}
}

func TestEncodeEntityIDSingleAndComposite(t *testing.T) {
	single, err := EncodeEntityID("abc")
	if err != nil {
		t.Fatalf("EncodeEntityID failed: %v", err)
	}
	if single != "abc" {
		t.Fatalf("expected stringified single key, got %q", single)
	}

	composite, err := EncodeEntityID("meeting-1", "speaker-2")
	if err != nil {
		t.Fatalf("EncodeEntityID failed: %v", err)
	}
	if composite != `["meeting-1","speaker-2"]` {
		t.Fatalf("unexpected composite key encoding: %q", composite)
	}
}
