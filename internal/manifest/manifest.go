// Package manifest implements the file manifest tracker: hashing
// trackable files, detecting changes, and flagging them for upload.
package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/lezzur/lime-sync-core/internal/store"
)

// ErrUnchanged is returned by CheckFile when the file's content hash
// matches the existing manifest row, so callers can skip scheduling an
// upload.
var ErrUnchanged = fmt.Errorf("manifest: file unchanged")

// Tracker hashes trackable files and upserts sync_file_manifest rows when
// their content changes.
type Tracker struct {
	db *store.DB
}

// New builds a Tracker backed by db.
func New(db *store.DB) *Tracker {
	return &Tracker{db: db}
}

// CheckFile computes the SHA-256 of the file at path, compares it against
// the existing manifest row for (path, fileType), and if the content
// changed (or no row exists yet), upserts a fresh row with cloud_key and
// synced_at cleared so the caller knows to schedule an upload. Returns
// ErrUnchanged (and the existing row) if the hash is identical.
func (t *Tracker) CheckFile(ctx context.Context, path, fileType string) (store.FileManifest, error) {
	hash, size, err := hashFile(path)
	if err != nil {
		return store.FileManifest{}, err
	}

	existing, ok, err := t.db.GetFileManifest(ctx, path, fileType)
	if err != nil {
		return store.FileManifest{}, err
	}
	if ok && existing.ContentHash == hash {
		return existing, ErrUnchanged
	}

	id := existing.ID
	if id == "" {
		id = uuid.New().String()
	}
	row := store.FileManifest{
		ID:          id,
		FileType:    fileType,
		Path:        path,
		ContentHash: hash,
		SizeBytes:   size,
		CloudKey:    nil,
		SyncedAt:    nil,
	}
	if err := t.db.UpsertFileManifest(ctx, row); err != nil {
		return store.FileManifest{}, err
	}
	return row, nil
}

// PendingUploads returns every manifest row awaiting upload.
func (t *Tracker) PendingUploads(ctx context.Context) ([]store.FileManifest, error) {
	return t.db.PendingUploads(ctx)
}

// MarkUploaded stamps cloud_key/synced_at for a manifest row after a
// successful push (I3).
func (t *Tracker) MarkUploaded(ctx context.Context, id, cloudKey string) error {
	return t.db.MarkUploaded(ctx, id, cloudKey)
}

func hashFile(path string) (hash string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("manifest: open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("manifest: hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
