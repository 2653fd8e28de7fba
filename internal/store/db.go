// Package store is the local relational store: sync_devices,
// sync_changelog, sync_state, and sync_file_manifest, backed by a
// pure-Go SQLite driver through sqlx.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/lezzur/lime-sync-core/internal/syncerr"
)

// DB wraps the sqlx handle and exposes table-specific query helpers used by
// the change tracker, manifest tracker, and sync protocol.
type DB struct {
	sql *sqlx.DB
}

// Open opens (creating if absent) the SQLite file at path and applies the
// schema.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	conn.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &DB{sql: conn}, nil
}

// Close releases the underlying connection.
func (d *DB) Close() error { return d.sql.Close() }

// BeginTxx starts a transaction. Callers commit or roll back explicitly.
func (d *DB) BeginTxx(ctx context.Context) (*sqlx.Tx, error) {
	return d.sql.BeginTxx(ctx, nil)
}

func nowISO() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// CurrentDevice returns the device row with IsCurrent set, or
// ErrDeviceNotFound if none exists yet.
func (d *DB) CurrentDevice(ctx context.Context) (Device, error) {
	var dev Device
	err := d.sql.GetContext(ctx, &dev, `SELECT * FROM sync_devices WHERE is_current = 1 LIMIT 1`)
	if err == sql.ErrNoRows {
		return Device{}, syncerr.ErrDeviceNotFound
	}
	if err != nil {
		return Device{}, fmt.Errorf("store: current device: %w", err)
	}
	return dev, nil
}

// InsertDevice inserts dev, exactly one of which across the table may have
// IsCurrent true (enforced by callers at device-creation time).
func (d *DB) InsertDevice(ctx context.Context, dev Device) error {
	_, err := d.sql.NamedExecContext(ctx, `
		INSERT INTO sync_devices (id, name, kind, last_sync_at, is_current)
		VALUES (:id, :name, :kind, :last_sync_at, :is_current)
	`, dev)
	if err != nil {
		return fmt.Errorf("store: insert device: %w", err)
	}
	return nil
}

// ListDevices returns every known device, current first.
func (d *DB) ListDevices(ctx context.Context) ([]Device, error) {
	var devs []Device
	err := d.sql.SelectContext(ctx, &devs, `SELECT * FROM sync_devices ORDER BY is_current DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("store: list devices: %w", err)
	}
	return devs, nil
}

// GetDevice fetches a single device by id.
func (d *DB) GetDevice(ctx context.Context, id string) (Device, error) {
	var dev Device
	err := d.sql.GetContext(ctx, &dev, `SELECT * FROM sync_devices WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return Device{}, syncerr.ErrDeviceNotFound
	}
	if err != nil {
		return Device{}, fmt.Errorf("store: get device: %w", err)
	}
	return dev, nil
}

// DeleteDevice removes a device row by id.
func (d *DB) DeleteDevice(ctx context.Context, id string) error {
	res, err := d.sql.ExecContext(ctx, `DELETE FROM sync_devices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete device: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return syncerr.ErrDeviceNotFound
	}
	return nil
}

// TouchLastSync stamps last_sync_at = now on the given device.
func (d *DB) TouchLastSync(ctx context.Context, deviceID string) error {
	_, err := d.sql.ExecContext(ctx, `UPDATE sync_devices SET last_sync_at = ? WHERE id = ?`, nowISO(), deviceID)
	if err != nil {
		return fmt.Errorf("store: touch last sync: %w", err)
	}
	return nil
}

// GetSyncState returns the cursor row for remoteDeviceID, or a zero-value
// SyncState (both HLC pointers nil) if none exists yet.
func (d *DB) GetSyncState(ctx context.Context, remoteDeviceID string) (SyncState, error) {
	var st SyncState
	err := d.sql.GetContext(ctx, &st, `SELECT * FROM sync_state WHERE remote_device_id = ?`, remoteDeviceID)
	if err == sql.ErrNoRows {
		return SyncState{RemoteDeviceID: remoteDeviceID}, nil
	}
	if err != nil {
		return SyncState{}, fmt.Errorf("store: get sync state: %w", err)
	}
	return st, nil
}

// AllSyncStates returns every known cursor row.
func (d *DB) AllSyncStates(ctx context.Context) ([]SyncState, error) {
	var states []SyncState
	err := d.sql.SelectContext(ctx, &states, `SELECT * FROM sync_state`)
	if err != nil {
		return nil, fmt.Errorf("store: list sync states: %w", err)
	}
	return states, nil
}

// SetLastPushedHLC upserts the local push watermark.
func (d *DB) SetLastPushedHLC(ctx context.Context, selfDeviceID, hlc string) error {
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO sync_state (remote_device_id, last_pushed_hlc)
		VALUES (?, ?)
		ON CONFLICT(remote_device_id) DO UPDATE SET last_pushed_hlc = excluded.last_pushed_hlc
	`, selfDeviceID, hlc)
	if err != nil {
		return fmt.Errorf("store: set last pushed hlc: %w", err)
	}
	return nil
}

// SetLastPulledHLC upserts the pull cursor for a remote device. Accepts an
// *sqlx.Tx so it can be advanced in the same transaction as a batch apply.
func SetLastPulledHLC(ctx context.Context, tx *sqlx.Tx, remoteDeviceID, hlc string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_state (remote_device_id, last_pulled_hlc)
		VALUES (?, ?)
		ON CONFLICT(remote_device_id) DO UPDATE SET last_pulled_hlc = excluded.last_pulled_hlc
	`, remoteDeviceID, hlc)
	if err != nil {
		return fmt.Errorf("store: set last pulled hlc: %w", err)
	}
	return nil
}

// InsertChangeLogEntry appends one entry within tx (I1: same transaction as
// the mutation it describes).
func InsertChangeLogEntry(ctx context.Context, tx *sqlx.Tx, e ChangeLogEntry) error {
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO sync_changelog (entity_table, entity_id, hlc_timestamp, device_id, operation, changed_fields, base_version)
		VALUES (:entity_table, :entity_id, :hlc_timestamp, :device_id, :operation, :changed_fields, :base_version)
	`, e)
	if err != nil {
		return fmt.Errorf("store: insert changelog entry: %w", err)
	}
	return nil
}

// SelectLocalChangesSince returns local entries from selfDeviceID with
// hlc_timestamp > afterHLC, ordered by hlc_timestamp ascending (push step 2).
func (d *DB) SelectLocalChangesSince(ctx context.Context, selfDeviceID, afterHLC string) ([]ChangeLogEntry, error) {
	var entries []ChangeLogEntry
	err := d.sql.SelectContext(ctx, &entries, `
		SELECT * FROM sync_changelog
		WHERE device_id = ? AND hlc_timestamp > ?
		ORDER BY hlc_timestamp ASC
	`, selfDeviceID, afterHLC)
	if err != nil {
		return nil, fmt.Errorf("store: select local changes: %w", err)
	}
	return entries, nil
}

// FindConflictCandidate looks up a local entry from selfDeviceID for
// (table, entityID) with hlc_timestamp >= remoteHLC — the conflict
// definition. Returns ok=false if none exists.
func (d *DB) FindConflictCandidate(ctx context.Context, selfDeviceID, table, entityID, remoteHLC string) (entry ChangeLogEntry, ok bool, err error) {
	err = d.sql.GetContext(ctx, &entry, `
		SELECT * FROM sync_changelog
		WHERE device_id = ? AND entity_table = ? AND entity_id = ? AND hlc_timestamp >= ?
		ORDER BY hlc_timestamp DESC
		LIMIT 1
	`, selfDeviceID, table, entityID, remoteHLC)
	if err == sql.ErrNoRows {
		return ChangeLogEntry{}, false, nil
	}
	if err != nil {
		return ChangeLogEntry{}, false, fmt.Errorf("store: find conflict candidate: %w", err)
	}
	return entry, true, nil
}

// RecentChangelog returns up to limit entries, newest first, optionally
// filtered by table (the debug "GET sync/changelog" endpoint).
// recentChangelogMaxLimit is a server-side backstop independent of the REST
// handler's own cap, so any future caller of RecentChangelog can't issue an
// unbounded scan by passing a large or negative limit directly (SQLite reads
// a negative LIMIT as no limit).
const recentChangelogMaxLimit = 500

func (d *DB) RecentChangelog(ctx context.Context, table string, limit int) ([]ChangeLogEntry, error) {
	if limit < 0 || limit > recentChangelogMaxLimit {
		limit = recentChangelogMaxLimit
	}
	var entries []ChangeLogEntry
	var err error
	if table == "" {
		err = d.sql.SelectContext(ctx, &entries, `
			SELECT * FROM sync_changelog ORDER BY hlc_timestamp DESC LIMIT ?
		`, limit)
	} else {
		err = d.sql.SelectContext(ctx, &entries, `
			SELECT * FROM sync_changelog WHERE entity_table = ? ORDER BY hlc_timestamp DESC LIMIT ?
		`, table, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("store: recent changelog: %w", err)
	}
	return entries, nil
}

// MinLastPulledHLC computes the conservative GC watermark: the minimum
// last_pulled_hlc across all known remote peers, or "" if any peer has never
// pulled (nothing may be collected yet).
func (d *DB) MinLastPulledHLC(ctx context.Context) (string, error) {
	states, err := d.AllSyncStates(ctx)
	if err != nil {
		return "", err
	}
	min := ""
	for _, st := range states {
		if st.RemoteDeviceID == "" {
			continue
		}
		if st.LastPulledHLC == nil {
			return "", nil // a peer has never pulled; nothing is safe to collect
		}
		if min == "" || *st.LastPulledHLC < min {
			min = *st.LastPulledHLC
		}
	}
	return min, nil
}

// DeleteChangelogBefore deletes changelog entries with hlc_timestamp <
// watermark, returning the number removed (GC).
func (d *DB) DeleteChangelogBefore(ctx context.Context, watermark string) (int64, error) {
	if watermark == "" {
		return 0, nil
	}
	res, err := d.sql.ExecContext(ctx, `DELETE FROM sync_changelog WHERE hlc_timestamp < ?`, watermark)
	if err != nil {
		return 0, fmt.Errorf("store: gc changelog: %w", err)
	}
	return res.RowsAffected()
}

// UpsertFileManifest inserts or updates the manifest row for (path, fileType).
func (d *DB) UpsertFileManifest(ctx context.Context, m FileManifest) error {
	_, err := d.sql.NamedExecContext(ctx, `
		INSERT INTO sync_file_manifest (id, file_type, path, content_hash, size_bytes, cloud_key, synced_at)
		VALUES (:id, :file_type, :path, :content_hash, :size_bytes, :cloud_key, :synced_at)
		ON CONFLICT(path, file_type) DO UPDATE SET
			content_hash = excluded.content_hash,
			size_bytes   = excluded.size_bytes,
			cloud_key    = excluded.cloud_key,
			synced_at    = excluded.synced_at
	`, m)
	if err != nil {
		return fmt.Errorf("store: upsert manifest: %w", err)
	}
	return nil
}

// GetFileManifest looks up a manifest row by (path, fileType).
func (d *DB) GetFileManifest(ctx context.Context, path, fileType string) (FileManifest, bool, error) {
	var m FileManifest
	err := d.sql.GetContext(ctx, &m, `SELECT * FROM sync_file_manifest WHERE path = ? AND file_type = ?`, path, fileType)
	if err == sql.ErrNoRows {
		return FileManifest{}, false, nil
	}
	if err != nil {
		return FileManifest{}, false, fmt.Errorf("store: get manifest: %w", err)
	}
	return m, true, nil
}

// PendingUploads returns every manifest row with synced_at still null.
func (d *DB) PendingUploads(ctx context.Context) ([]FileManifest, error) {
	var rows []FileManifest
	err := d.sql.SelectContext(ctx, &rows, `SELECT * FROM sync_file_manifest WHERE synced_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("store: pending uploads: %w", err)
	}
	return rows, nil
}

// AllFileManifests returns every manifest row (used to build the aggregate
// manifest object).
func (d *DB) AllFileManifests(ctx context.Context) ([]FileManifest, error) {
	var rows []FileManifest
	err := d.sql.SelectContext(ctx, &rows, `SELECT * FROM sync_file_manifest`)
	if err != nil {
		return nil, fmt.Errorf("store: list manifests: %w", err)
	}
	return rows, nil
}

// MarkUploaded stamps cloud_key and synced_at = now for the manifest row id.
func (d *DB) MarkUploaded(ctx context.Context, id, cloudKey string) error {
	_, err := d.sql.ExecContext(ctx, `
		UPDATE sync_file_manifest SET cloud_key = ?, synced_at = ? WHERE id = ?
	`, cloudKey, nowISO(), id)
	if err != nil {
		return fmt.Errorf("store: mark uploaded: %w", err)
	}
	return nil
}
