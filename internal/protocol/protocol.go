// Package protocol implements the sync protocol: push (batch,
// encrypt, upload changelog entries and pending files) and pull (per-peer
// cursor, download, decrypt, conflict-check, suppressed apply, cursor
// advance).
package protocol

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/lezzur/lime-sync-core/internal/clock"
	"github.com/lezzur/lime-sync-core/internal/conflict"
	"github.com/lezzur/lime-sync-core/internal/crypto"
	"github.com/lezzur/lime-sync-core/internal/manifest"
	"github.com/lezzur/lime-sync-core/internal/objectstore"
	"github.com/lezzur/lime-sync-core/internal/store"
	"github.com/lezzur/lime-sync-core/internal/syncerr"
	"github.com/lezzur/lime-sync-core/internal/tracker"
)

// maxBatchSize is the upper bound on changelog entries per uploaded batch
// object.
const maxBatchSize = 500

// pullConcurrency bounds how many remote devices are pulled from at once
// since each peer's network suspension points are independent.
const pullConcurrency = 4

// TableApplier applies one remote changelog entry to a single syncable
// table. It owns all PK/column knowledge for that table; the protocol
// itself is schema-agnostic.
type TableApplier interface {
	// ApplyRemote applies op (INSERT/UPDATE/DELETE) for entityID with the
	// given decoded changed_fields (nil for DELETE). Implementations must
	// never overwrite the primary key column(s) and must ignore fields not
	// present in the table's own schema.
	ApplyRemote(ctx context.Context, tx *sqlx.Tx, op, entityID string, fields map[string]any) error
}

// PushStats summarizes one push cycle (the REST "POST sync" response shape).
type PushStats struct {
	Batches int
	Entries int
	Files   int
}

// PullStats summarizes one pull cycle.
type PullStats struct {
	Received    int
	Applied     int
	Conflicts   int
	AppliedRows []AppliedRow
}

// AppliedRow is one changelog entry that was actually applied during a
// pull, carried back to the caller so a host can rebuild a derived index
// from an initial clone without replaying the changelog a second time.
type AppliedRow struct {
	Table     string
	EntityID  string
	Operation string
	Fields    map[string]any
}

// Protocol orchestrates push/pull cycles over the local store, crypto
// service, and object store.
type Protocol struct {
	db        *store.DB
	crypto    *crypto.Service
	objects   *objectstore.Client
	hlc       *clock.HLC
	tracker   *tracker.Tracker
	manifests *manifest.Tracker
	resolver  *conflict.Resolver
	appliers  map[string]TableApplier
	selfID    string
	log       *logrus.Entry
}

// New builds a Protocol for the local device selfID. appliers maps table
// name to its TableApplier; tables not present are logged and skipped on
// pull.
func New(
	db *store.DB,
	svc *crypto.Service,
	objects *objectstore.Client,
	hlc *clock.HLC,
	tr *tracker.Tracker,
	manifests *manifest.Tracker,
	resolver *conflict.Resolver,
	appliers map[string]TableApplier,
	selfID string,
	log *logrus.Entry,
) *Protocol {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Protocol{
		db: db, crypto: svc, objects: objects, hlc: hlc, tracker: tr,
		manifests: manifests, resolver: resolver, appliers: appliers,
		selfID: selfID, log: log.WithField("component", "protocol"),
	}
}

// Push uploads every unshared local changelog entry and pending file, then
// advances the local push watermark.
func (p *Protocol) Push(ctx context.Context) (PushStats, error) {
	var stats PushStats

	self, err := p.db.GetSyncState(ctx, p.selfID)
	if err != nil {
		return stats, err
	}
	watermark := ""
	if self.LastPushedHLC != nil {
		watermark = *self.LastPushedHLC
	}

	entries, err := p.db.SelectLocalChangesSince(ctx, p.selfID, watermark)
	if err != nil {
		return stats, err
	}

	for start := 0; start < len(entries); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(entries) {
			end = len(entries)
		}
		batch := entries[start:end]

		raw, err := json.Marshal(batch)
		if err != nil {
			return stats, fmt.Errorf("protocol: marshal batch: %w", err)
		}
		env, err := p.crypto.EncryptSyncPayload(raw)
		if err != nil {
			return stats, fmt.Errorf("protocol: encrypt batch: %w", err)
		}
		envRaw, err := json.Marshal(env)
		if err != nil {
			return stats, fmt.Errorf("protocol: marshal envelope: %w", err)
		}

		lastTS, err := clock.ParseTimestamp(batch[len(batch)-1].HLCTimestamp)
		if err != nil {
			return stats, fmt.Errorf("protocol: parse batch hlc: %w", err)
		}
		batchID, err := newBatchID(lastTS)
		if err != nil {
			return stats, err
		}

		if err := p.objects.UploadChangelogBatch(ctx, p.selfID, batchID, envRaw); err != nil {
			return stats, err
		}

		stats.Batches++
		stats.Entries += len(batch)
		watermark = batch[len(batch)-1].HLCTimestamp
	}

	filesUploaded, err := p.pushPendingFiles(ctx)
	if err != nil {
		return stats, err
	}
	stats.Files = filesUploaded

	if stats.Entries > 0 {
		if err := p.db.SetLastPushedHLC(ctx, p.selfID, watermark); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func (p *Protocol) pushPendingFiles(ctx context.Context) (int, error) {
	pending, err := p.manifests.PendingUploads(ctx)
	if err != nil {
		return 0, err
	}
	uploaded := 0
	for _, row := range pending {
		data, err := readManifestFile(row.Path)
		if err != nil {
			p.log.WithFields(logrus.Fields{"path": row.Path, "error": err}).Warn("skipping unreadable manifest file")
			continue
		}
		ct, err := p.crypto.EncryptBytes(data, nil)
		if err != nil {
			return uploaded, fmt.Errorf("protocol: encrypt file %s: %w", row.Path, err)
		}
		if err := p.objects.UploadFile(ctx, row.ContentHash, ct); err != nil {
			return uploaded, err
		}
		if err := p.manifests.MarkUploaded(ctx, row.ID, row.ContentHash); err != nil {
			return uploaded, err
		}
		uploaded++
	}

	if uploaded > 0 {
		if err := p.uploadManifestSnapshot(ctx); err != nil {
			p.log.WithField("error", err).Warn("failed to upload aggregate manifest snapshot")
		}
	}
	return uploaded, nil
}

// uploadManifestSnapshot writes a JSON snapshot of every manifest row to
// the aggregate manifest object so a fresh device can fetch
// one object instead of replaying the entire changelog for manifest state.
func (p *Protocol) uploadManifestSnapshot(ctx context.Context) error {
	all, err := p.allManifestRows(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(all)
	if err != nil {
		return fmt.Errorf("protocol: marshal manifest snapshot: %w", err)
	}
	ct, err := p.crypto.EncryptBytes(raw, nil)
	if err != nil {
		return fmt.Errorf("protocol: encrypt manifest snapshot: %w", err)
	}
	return p.objects.UploadManifest(ctx, ct)
}

func (p *Protocol) allManifestRows(ctx context.Context) ([]store.FileManifest, error) {
	return p.db.AllFileManifests(ctx)
}

// Pull fetches new batches from every known remote device and applies them.
// Peers are pulled concurrently, bounded by pullConcurrency; each peer's
// apply runs inside its own tracker.Suppress window, and those windows may
// overlap in time since the tracker's suppress guard is reentrant.
func (p *Protocol) Pull(ctx context.Context) (PullStats, error) {
	devices, err := p.objects.ListDevices(ctx)
	if err != nil {
		return PullStats{}, err
	}

	var mu sync.Mutex
	var total PullStats

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pullConcurrency)
	for _, deviceID := range devices {
		if deviceID == p.selfID {
			continue
		}
		deviceID := deviceID
		g.Go(func() error {
			stats, err := p.pullFromDevice(gctx, deviceID)
			if err != nil {
				return err
			}
			mu.Lock()
			total.Received += stats.Received
			total.Applied += stats.Applied
			total.Conflicts += stats.Conflicts
			total.AppliedRows = append(total.AppliedRows, stats.AppliedRows...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return total, err
	}

	if err := p.db.TouchLastSync(ctx, p.selfID); err != nil {
		return total, err
	}
	return total, nil
}

func (p *Protocol) pullFromDevice(ctx context.Context, deviceID string) (PullStats, error) {
	var stats PullStats

	state, err := p.db.GetSyncState(ctx, deviceID)
	if err != nil {
		return stats, err
	}
	cursor := ""
	if state.LastPulledHLC != nil {
		cursor = *state.LastPulledHLC
	}

	batchIDs, err := p.objects.ListChangelogBatches(ctx, deviceID)
	if err != nil {
		return stats, err
	}
	sort.Strings(batchIDs)

	for _, batchID := range batchIDs {
		if batchID <= cursor {
			continue
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		raw, err := p.objects.DownloadChangelogBatch(ctx, deviceID, batchID)
		if err != nil {
			return stats, err
		}
		var env crypto.SyncEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			p.log.WithFields(logrus.Fields{"device_id": deviceID, "batch_id": batchID}).
				Warn("skipping malformed batch envelope")
			continue
		}
		plaintext, err := p.crypto.DecryptSyncPayload(env)
		if err != nil {
			p.log.WithFields(logrus.Fields{"device_id": deviceID, "batch_id": batchID, "error": err}).
				Warn("skipping undecryptable batch")
			continue
		}
		var entries []store.ChangeLogEntry
		if err := json.Unmarshal(plaintext, &entries); err != nil {
			p.log.WithFields(logrus.Fields{"device_id": deviceID, "batch_id": batchID}).
				Warn("skipping malformed batch payload")
			continue
		}
		stats.Received += len(entries)

		applied, conflicts, rows, err := p.applyBatch(ctx, deviceID, entries)
		if err != nil {
			return stats, err
		}
		stats.Applied += applied
		stats.Conflicts += conflicts
		stats.AppliedRows = append(stats.AppliedRows, rows...)

		tx, err := p.db.BeginTxx(ctx)
		if err != nil {
			return stats, err
		}
		if err := store.SetLastPulledHLC(ctx, tx, deviceID, batchID); err != nil {
			tx.Rollback()
			return stats, err
		}
		if err := tx.Commit(); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func (p *Protocol) applyBatch(ctx context.Context, deviceID string, entries []store.ChangeLogEntry) (applied, conflicts int, rows []AppliedRow, err error) {
	applyErr := p.tracker.Suppress(func() error {
		for _, e := range entries {
			row, wasConflict, aerr := p.applyEntry(ctx, e)
			if aerr != nil {
				return aerr
			}
			if wasConflict {
				conflicts++
			}
			if row != nil {
				applied++
				rows = append(rows, *row)
			}
		}
		return nil
	})
	if applyErr != nil {
		return applied, conflicts, rows, applyErr
	}
	return applied, conflicts, rows, nil
}

func (p *Protocol) applyEntry(ctx context.Context, e store.ChangeLogEntry) (row *AppliedRow, wasConflict bool, err error) {
	remoteTS, err := clock.ParseTimestamp(e.HLCTimestamp)
	if err != nil {
		return nil, false, fmt.Errorf("protocol: parse remote hlc: %w", err)
	}
	p.hlc.Receive(remoteTS) // maintains I2

	local, hasConflict, err := p.db.FindConflictCandidate(ctx, p.selfID, e.EntityTable, e.EntityID, e.HLCTimestamp)
	if err != nil {
		return nil, false, err
	}

	entryToApply := e
	if hasConflict {
		res, err := p.resolver.Resolve(local, e)
		if err != nil {
			return nil, true, err
		}
		switch res.Strategy {
		case conflict.DeleteWins, conflict.LocalWins:
			return nil, true, nil
		case conflict.Merge:
			raw, err := json.Marshal(res.MergedFields)
			if err != nil {
				return nil, true, fmt.Errorf("protocol: marshal merged fields: %w", err)
			}
			s := string(raw)
			entryToApply.ChangedFields = &s
		case conflict.RemoteWins:
			// apply entryToApply unchanged
		}
	}

	applier, ok := p.appliers[entryToApply.EntityTable]
	if !ok {
		p.log.WithField("table", entryToApply.EntityTable).Warn(syncerr.ErrSchemaUnknown.Error())
		return nil, hasConflict, nil
	}

	var fields map[string]any
	if entryToApply.ChangedFields != nil {
		if err := json.Unmarshal([]byte(*entryToApply.ChangedFields), &fields); err != nil {
			return nil, hasConflict, fmt.Errorf("protocol: decode changed fields: %w", err)
		}
	}

	tx, err := p.db.BeginTxx(ctx)
	if err != nil {
		return nil, hasConflict, err
	}
	if err := applier.ApplyRemote(ctx, tx, entryToApply.Operation, entryToApply.EntityID, fields); err != nil {
		tx.Rollback()
		return nil, hasConflict, fmt.Errorf("protocol: apply remote entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, hasConflict, err
	}
	return &AppliedRow{
		Table:     entryToApply.EntityTable,
		EntityID:  entryToApply.EntityID,
		Operation: entryToApply.Operation,
		Fields:    fields,
	}, hasConflict, nil
}

func readManifestFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func newBatchID(ts clock.Timestamp) (string, error) {
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("protocol: batch id suffix: %w", err)
	}
	return ts.SortableBatchPrefix() + "_" + hex.EncodeToString(suffix), nil
}
