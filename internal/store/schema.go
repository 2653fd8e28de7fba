package store

// schema is the local relational store's DDL. It is applied idempotently on
// every Open via CREATE TABLE/INDEX IF NOT EXISTS.
const schema = `
CREATE TABLE IF NOT EXISTS sync_devices (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	kind          TEXT NOT NULL,
	last_sync_at  TEXT,
	is_current    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sync_changelog (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_table   TEXT NOT NULL,
	entity_id      TEXT NOT NULL,
	hlc_timestamp  TEXT NOT NULL,
	device_id      TEXT NOT NULL,
	operation      TEXT NOT NULL,
	changed_fields TEXT,
	base_version   TEXT
);

CREATE INDEX IF NOT EXISTS idx_changelog_entity_hlc
	ON sync_changelog(entity_table, entity_id, hlc_timestamp);

CREATE INDEX IF NOT EXISTS idx_changelog_hlc
	ON sync_changelog(hlc_timestamp);

CREATE TABLE IF NOT EXISTS sync_state (
	remote_device_id TEXT PRIMARY KEY,
	last_pulled_hlc  TEXT,
	last_pushed_hlc  TEXT
);

CREATE TABLE IF NOT EXISTS sync_file_manifest (
	id           TEXT PRIMARY KEY,
	file_type    TEXT NOT NULL,
	path         TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	size_bytes   INTEGER NOT NULL,
	cloud_key    TEXT,
	synced_at    TEXT,
	UNIQUE(path, file_type)
);
`
