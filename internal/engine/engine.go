// Package engine implements the sync engine: device lifecycle,
// encryption setup, a mutex-guarded sync cycle, and the auto-sync loop.
package engine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lezzur/lime-sync-core/internal/manifest"
	"github.com/lezzur/lime-sync-core/internal/objectstore"
	"github.com/lezzur/lime-sync-core/internal/protocol"
	"github.com/lezzur/lime-sync-core/internal/store"
	"github.com/lezzur/lime-sync-core/internal/syncerr"
	"github.com/lezzur/lime-sync-core/internal/vault"
)

// TrackedFile names one host file the engine should hash-check before
// every push. FileSource lets the host supply
// its own list (static config paths plus, e.g., a DB query for audio
// files) without the engine knowing the host schema.
type TrackedFile struct {
	Path     string
	FileType string
}

// FileSource enumerates files the manifest tracker should check this cycle.
type FileSource interface {
	TrackedFiles(ctx context.Context) ([]TrackedFile, error)
}

// RebuildRow is one applied row handed to an IndexRebuilder after an
// initial clone, restricted to whichever syncable tables the host has
// registered as indexable.
type RebuildRow struct {
	Table     string
	EntityID  string
	Operation string
	Fields    map[string]any
}

// IndexRebuilder lets a host rebuild a derived index (e.g. a vector store
// over transcript or note content) from the rows an initial clone pulled
// in, instead of recomputing it incrementally per changelog entry. Invoked
// once at the end of InitialClone.
type IndexRebuilder interface {
	Rebuild(ctx context.Context, rows []RebuildRow) error
}

// noopIndexRebuilder is the default IndexRebuilder so Engine compiles and
// runs standalone without a host-supplied one.
type noopIndexRebuilder struct{}

func (noopIndexRebuilder) Rebuild(ctx context.Context, rows []RebuildRow) error { return nil }

// SyncStats is the combined result of one push+pull cycle (the REST
// "POST /sync" response shape).
type SyncStats struct {
	Push protocol.PushStats
	Pull protocol.PullStats
}

// Status mirrors the REST "GET /status" response shape.
type Status struct {
	Initialized      bool
	DeviceID         string
	VaultUnlocked    bool
	Online           bool
	AutoSyncRunning  bool
	SyncIntervalSecs int
}

// Engine orchestrates the sync lifecycle: initialize → setup encryption →
// sync, plus the auto-sync background loop.
type Engine struct {
	db       *store.DB
	vault    *vault.Vault
	objects  *objectstore.Client
	protocol *protocol.Protocol
	manifest *manifest.Tracker
	files    FileSource
	rebuild  IndexRebuilder
	indexed  map[string]bool
	log      *logrus.Entry

	syncInterval time.Duration

	syncMu   sync.Mutex // serializes sync_now calls, mirroring the original asyncio.Lock
	stateMu  sync.Mutex // guards the fields below
	deviceID string
	online   bool
	autoStop context.CancelFunc
	autoDone chan struct{}
}

// New builds an Engine. protocol must already be wired with the same db,
// vault-backed crypto service, and object store. rebuilder may be nil, in
// which case InitialClone's rebuild step is a no-op; indexableTables names
// the subset of syncable tables whose rows should be handed to rebuilder.
func New(
	db *store.DB,
	v *vault.Vault,
	objects *objectstore.Client,
	proto *protocol.Protocol,
	mf *manifest.Tracker,
	files FileSource,
	syncInterval time.Duration,
	log *logrus.Entry,
	rebuilder IndexRebuilder,
	indexableTables []string,
) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if rebuilder == nil {
		rebuilder = noopIndexRebuilder{}
	}
	indexed := make(map[string]bool, len(indexableTables))
	for _, t := range indexableTables {
		indexed[t] = true
	}
	return &Engine{
		db: db, vault: v, objects: objects, protocol: proto, manifest: mf,
		files: files, syncInterval: syncInterval, online: true,
		rebuild: rebuilder, indexed: indexed,
		log: log.WithField("component", "engine"),
	}
}

// Initialize loads the current device row, creating one (named hostname,
// kind desktop) if this is a fresh install. Safe to call more than once.
func (e *Engine) Initialize(ctx context.Context) (store.Device, error) {
	dev, err := e.db.CurrentDevice(ctx)
	if err == nil {
		e.stateMu.Lock()
		e.deviceID = dev.ID
		e.stateMu.Unlock()
		e.log.WithFields(logrus.Fields{"device_id": dev.ID, "device_name": dev.Name}).Info("loaded existing device")
		return dev, nil
	}
	if err != syncerr.ErrDeviceNotFound {
		return store.Device{}, err
	}

	name, herr := os.Hostname()
	if herr != nil || name == "" {
		name = "unknown"
	}
	dev = store.Device{
		ID:        uuid.New().String(),
		Name:      name,
		Kind:      store.DeviceKindDesktop,
		IsCurrent: true,
	}
	if err := e.db.InsertDevice(ctx, dev); err != nil {
		return store.Device{}, err
	}
	e.stateMu.Lock()
	e.deviceID = dev.ID
	e.stateMu.Unlock()
	e.log.WithFields(logrus.Fields{"device_id": dev.ID, "device_name": dev.Name}).Info("created new device")
	return dev, nil
}

// DeviceID returns the local device id, or "" if Initialize hasn't run.
func (e *Engine) DeviceID() string {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.deviceID
}

// SetupEncryption initializes the vault on first use or unlocks it
// thereafter — idempotent in the sense that either call leaves the vault
// unlocked. Returns "initialized" or "unlocked".
func (e *Engine) SetupEncryption(ctx context.Context, passphrase string) (action string, err error) {
	if !e.vault.IsInitialized() {
		if _, err := e.vault.Setup(passphrase); err != nil {
			return "", err
		}
		if err := e.objects.EnsureBucket(ctx); err != nil {
			e.log.WithField("error", err).Warn("could not ensure object store bucket; will retry on sync")
		}
		return "initialized", nil
	}
	if _, err := e.vault.Unlock(passphrase); err != nil {
		return "", err
	}
	return "unlocked", nil
}

// SyncNow runs one push-then-pull cycle, serialized against any other
// in-flight sync.
func (e *Engine) SyncNow(ctx context.Context) (SyncStats, error) {
	if e.DeviceID() == "" {
		return SyncStats{}, syncerr.ErrNotInitialized
	}
	if !e.vault.IsUnlocked() {
		return SyncStats{}, syncerr.ErrVaultLocked
	}

	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	if err := e.trackFileChanges(ctx); err != nil {
		e.log.WithField("error", err).Warn("file change scan failed; continuing with push/pull")
	}

	pushStats, err := e.protocol.Push(ctx)
	if err != nil {
		return SyncStats{}, fmt.Errorf("engine: push: %w", err)
	}
	pullStats, err := e.protocol.Pull(ctx)
	if err != nil {
		return SyncStats{Push: pushStats}, fmt.Errorf("engine: pull: %w", err)
	}
	return SyncStats{Push: pushStats, Pull: pullStats}, nil
}

func (e *Engine) trackFileChanges(ctx context.Context) error {
	if e.files == nil {
		return nil
	}
	files, err := e.files.TrackedFiles(ctx)
	if err != nil {
		return err
	}
	for _, f := range files {
		if _, err := e.manifest.CheckFile(ctx, f.Path, f.FileType); err != nil && err != manifest.ErrUnchanged {
			e.log.WithFields(logrus.Fields{"path": f.Path, "error": err}).Warn("failed to check tracked file")
		}
	}
	return nil
}

// InitialClone pulls every batch from every known device, used by a freshly
// bootstrapped device that has no local history yet, then hands the
// indexable rows it applied to the configured IndexRebuilder.
func (e *Engine) InitialClone(ctx context.Context) (protocol.PullStats, error) {
	if !e.vault.IsUnlocked() {
		return protocol.PullStats{}, syncerr.ErrVaultLocked
	}
	stats, err := e.protocol.Pull(ctx)
	if err != nil {
		return stats, err
	}

	rows := make([]RebuildRow, 0, len(stats.AppliedRows))
	for _, r := range stats.AppliedRows {
		if len(e.indexed) > 0 && !e.indexed[r.Table] {
			continue
		}
		rows = append(rows, RebuildRow{Table: r.Table, EntityID: r.EntityID, Operation: r.Operation, Fields: r.Fields})
	}
	if err := e.rebuild.Rebuild(ctx, rows); err != nil {
		e.log.WithField("error", err).Warn("index rebuild failed after initial clone")
	}
	return stats, nil
}

// StartAutoSync launches the background sync loop if it isn't already
// running. The loop only observes cancellation at its sleep boundary.
func (e *Engine) StartAutoSync(ctx context.Context) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.autoStop != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.autoStop = cancel
	e.autoDone = make(chan struct{})
	go e.autoSyncLoop(loopCtx, e.autoDone)
	e.log.WithField("interval_seconds", int(e.syncInterval.Seconds())).Info("auto-sync started")
}

// StopAutoSync cancels the background loop and waits for it to exit.
func (e *Engine) StopAutoSync() {
	e.stateMu.Lock()
	cancel := e.autoStop
	done := e.autoDone
	e.autoStop = nil
	e.autoDone = nil
	e.stateMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	e.log.Info("auto-sync stopped")
}

func (e *Engine) autoSyncLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.IsOnline() && e.vault.IsUnlocked() {
				// A cycle that has started runs to completion; cancellation
				// is only seen by the select above.
				if _, err := e.SyncNow(context.WithoutCancel(ctx)); err != nil {
					e.log.WithField("error", err).Warn("auto-sync cycle failed")
				}
			}
		}
	}
}

// IsOnline reports the last connectivity state set via SetOnline.
func (e *Engine) IsOnline() bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.online
}

// SetOnline updates connectivity state. A false→true transition while the
// vault is unlocked triggers an immediate sync.
func (e *Engine) SetOnline(ctx context.Context, online bool) {
	e.stateMu.Lock()
	wasOffline := !e.online
	e.online = online
	e.stateMu.Unlock()

	if online && wasOffline && e.vault.IsUnlocked() {
		e.log.Info("back online, triggering sync")
		if _, err := e.SyncNow(ctx); err != nil {
			e.log.WithField("error", err).Warn("sync on reconnect failed")
		}
	}
}

// Status reports the engine's current lifecycle and connectivity state.
func (e *Engine) Status() Status {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return Status{
		Initialized:      e.deviceID != "",
		DeviceID:         e.deviceID,
		VaultUnlocked:    e.vault.IsUnlocked(),
		Online:           e.online,
		AutoSyncRunning:  e.autoStop != nil,
		SyncIntervalSecs: int(e.syncInterval.Seconds()),
	}
}

// ListDevices returns every known device.
func (e *Engine) ListDevices(ctx context.Context) ([]store.Device, error) {
	return e.db.ListDevices(ctx)
}

// RemoveDevice deletes a device's cloud data and local row. Refuses to
// remove the current device.
func (e *Engine) RemoveDevice(ctx context.Context, deviceID string) (cloudObjectsDeleted int, err error) {
	if deviceID == e.DeviceID() {
		return 0, syncerr.ErrCannotRemoveSelf
	}
	dev, err := e.db.GetDevice(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	if dev.IsCurrent {
		return 0, syncerr.ErrCannotRemoveSelf
	}

	deleted, err := e.objects.DeleteDeviceData(ctx, deviceID)
	if err != nil {
		e.log.WithFields(logrus.Fields{"device_id": deviceID, "error": err}).Warn("could not clean object store data for removed device")
		deleted = 0
	}
	if err := e.db.DeleteDevice(ctx, deviceID); err != nil {
		return deleted, err
	}
	return deleted, nil
}

// RecentChangelog proxies to the store's debug listing, the
// "GET /sync/changelog" REST endpoint.
func (e *Engine) RecentChangelog(ctx context.Context, table string, limit int) ([]store.ChangeLogEntry, error) {
	return e.db.RecentChangelog(ctx, table, limit)
}

// GC deletes changelog entries no remote peer could still need, using the
// conservative minimum last_pulled_hlc watermark.
func (e *Engine) GC(ctx context.Context) (int64, error) {
	watermark, err := e.db.MinLastPulledHLC(ctx)
	if err != nil {
		return 0, err
	}
	if watermark == "" {
		return 0, nil
	}
	n, err := e.db.DeleteChangelogBefore(ctx, watermark)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.log.WithField("count", n).Info("garbage collected changelog entries")
	}
	return n, nil
}
