package engine

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/jmoiron/sqlx"

	"github.com/lezzur/lime-sync-core/internal/clock"
	"github.com/lezzur/lime-sync-core/internal/conflict"
	"github.com/lezzur/lime-sync-core/internal/crypto"
	"github.com/lezzur/lime-sync-core/internal/manifest"
	"github.com/lezzur/lime-sync-core/internal/objectstore"
	"github.com/lezzur/lime-sync-core/internal/protocol"
	"github.com/lezzur/lime-sync-core/internal/store"
	"github.com/lezzur/lime-sync-core/internal/syncerr"
	"github.com/lezzur/lime-sync-core/internal/tracker"
	"github.com/lezzur/lime-sync-core/internal/vault"
)

// fakeAPI is a minimal in-memory *s3.Client stand-in, duplicated from the
// objectstore/protocol test suites since it is unexported there.
type fakeAPI struct{ objects map[string][]byte }

func newFakeAPI() *fakeAPI { return &fakeAPI{objects: map[string][]byte{}} }

func (f *fakeAPI) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[*in.Key]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}
func (f *fakeAPI) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}
func (f *fakeAPI) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}
func (f *fakeAPI) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	for _, obj := range in.Delete.Objects {
		delete(f.objects, *obj.Key)
	}
	return &s3.DeleteObjectsOutput{}, nil
}
func (f *fakeAPI) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix, delim := "", ""
	if in.Prefix != nil {
		prefix = *in.Prefix
	}
	if in.Delimiter != nil {
		delim = *in.Delimiter
	}
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{}
	seen := map[string]bool{}
	for _, k := range keys {
		rest := strings.TrimPrefix(k, prefix)
		if delim != "" {
			if idx := strings.Index(rest, delim); idx >= 0 {
				cp := prefix + rest[:idx+len(delim)]
				if !seen[cp] {
					seen[cp] = true
					out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: strp(cp)})
				}
				continue
			}
		}
		key := k
		out.Contents = append(out.Contents, types.Object{Key: strp(key)})
	}
	return out, nil
}
func (f *fakeAPI) HeadBucket(_ context.Context, _ *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}
func (f *fakeAPI) CreateBucket(_ context.Context, _ *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	return &s3.CreateBucketOutput{}, nil
}
func strp(s string) *string { return &s }

func testParams() vault.Params {
	return vault.Params{TimeCost: 1, MemoryKiB: 8 * 1024, Parallelism: 1, SaltLen: 16, KeyLen: 32}
}

// staticFileSource is a fixed FileSource for tests.
type staticFileSource struct{ files []TrackedFile }

func (s staticFileSource) TrackedFiles(context.Context) ([]TrackedFile, error) { return s.files, nil }

func newTestEngine(t *testing.T, deviceID string, api *fakeAPI, files FileSource) *Engine {
	t.Helper()
	dir := t.TempDir()

	db, err := store.Open(filepath.Join(dir, "lime.db"))
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	v := vault.New(filepath.Join(dir, "vault.json"), testParams(), time.Hour)
	svc := crypto.New(v, nil)
	objects := objectstore.New(api, "bucket", "user-1", nil)
	hlc := clock.New(deviceID)
	tr := tracker.New(hlc, deviceID)
	mf := manifest.New(db)
	resolver := conflict.New()
	proto := protocol.New(db, svc, objects, hlc, tr, mf, resolver, map[string]protocol.TableApplier{}, deviceID, nil)

	return New(db, v, objects, proto, mf, files, 50*time.Millisecond, nil, nil, nil)
}

// recordingRebuilder captures the rows handed to it by InitialClone.
type recordingRebuilder struct{ rows []RebuildRow }

func (r *recordingRebuilder) Rebuild(_ context.Context, rows []RebuildRow) error {
	r.rows = append(r.rows, rows...)
	return nil
}

func TestInitializeCreatesThenReloadsDevice(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, "unused", newFakeAPI(), nil)

	dev, err := e.Initialize(ctx)
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if dev.ID == "" || !dev.IsCurrent {
		t.Fatalf("unexpected device: %+v", dev)
	}

	again, err := e.Initialize(ctx)
	if err != nil {
		t.Fatalf("second Initialize failed: %v", err)
	}
	if again.ID != dev.ID {
		t.Fatalf("expected the same device id on reload: %q vs %q", again.ID, dev.ID)
	}
}

func TestSetupEncryptionInitializesThenUnlocks(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, "dev-a", newFakeAPI(), nil)

	action, err := e.SetupEncryption(ctx, "correct horse battery staple")
	if err != nil {
		t.Fatalf("SetupEncryption failed: %v", err)
	}
	if action != "initialized" {
		t.Fatalf("expected initialized, got %q", action)
	}
	if !e.vault.IsUnlocked() {
		t.Fatalf("expected vault unlocked after setup")
	}

	e.vault.Lock()
	action, err = e.SetupEncryption(ctx, "correct horse battery staple")
	if err != nil {
		t.Fatalf("SetupEncryption (unlock) failed: %v", err)
	}
	if action != "unlocked" {
		t.Fatalf("expected unlocked, got %q", action)
	}
}

func TestSyncNowFailsWithoutInitializeOrUnlock(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, "dev-a", newFakeAPI(), nil)

	if _, err := e.SyncNow(ctx); err != syncerr.ErrNotInitialized {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}

	if _, err := e.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if _, err := e.SyncNow(ctx); err != syncerr.ErrVaultLocked {
		t.Fatalf("expected ErrVaultLocked, got %v", err)
	}
}

func TestSyncNowTracksFilesThenPushesAndPulls(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	notesPath := filepath.Join(dir, "notes.md")
	if err := os.WriteFile(notesPath, []byte("hello"), 0o600); err != nil {
		t.Fatalf("write notes failed: %v", err)
	}
	files := staticFileSource{files: []TrackedFile{{Path: notesPath, FileType: store.FileTypeMemoryCore}}}

	e := newTestEngine(t, "dev-a", newFakeAPI(), files)
	if _, err := e.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if _, err := e.SetupEncryption(ctx, "passphrase"); err != nil {
		t.Fatalf("SetupEncryption failed: %v", err)
	}

	stats, err := e.SyncNow(ctx)
	if err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}
	if stats.Push.Files != 1 {
		t.Fatalf("expected the tracked file to be pushed, got %+v", stats.Push)
	}
}

func TestSetOnlineTransitionTriggersSync(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, "dev-a", newFakeAPI(), nil)
	if _, err := e.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if _, err := e.SetupEncryption(ctx, "passphrase"); err != nil {
		t.Fatalf("SetupEncryption failed: %v", err)
	}

	e.SetOnline(ctx, false)
	if e.IsOnline() {
		t.Fatalf("expected engine to report offline")
	}
	// A change recorded while offline stays unpushed until the reconnect.
	tx, err := e.db.BeginTxx(ctx)
	if err != nil {
		t.Fatalf("BeginTxx failed: %v", err)
	}
	tr := tracker.New(clock.New("dev-a"), "dev-a")
	if err := tr.RecordInsert(ctx, tx, "meetings", "meeting-1", map[string]any{"title": "standup"}); err != nil {
		tx.Rollback()
		t.Fatalf("RecordInsert failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	before, err := e.db.GetSyncState(ctx, "dev-a")
	if err != nil {
		t.Fatalf("GetSyncState failed: %v", err)
	}
	if before.LastPushedHLC != nil {
		t.Fatalf("expected nothing pushed while offline, got watermark %q", *before.LastPushedHLC)
	}

	e.SetOnline(ctx, true)
	if !e.IsOnline() {
		t.Fatalf("expected engine to report online")
	}
	after, err := e.db.GetSyncState(ctx, "dev-a")
	if err != nil {
		t.Fatalf("GetSyncState failed: %v", err)
	}
	if after.LastPushedHLC == nil {
		t.Fatalf("expected the reconnect to trigger a sync that pushes the offline change")
	}
}

func TestRemoveDeviceRefusesCurrentDevice(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, "dev-a", newFakeAPI(), nil)
	dev, err := e.Initialize(ctx)
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if _, err := e.RemoveDevice(ctx, dev.ID); err != syncerr.ErrCannotRemoveSelf {
		t.Fatalf("expected ErrCannotRemoveSelf, got %v", err)
	}
}

func TestRemoveDeviceDeletesOtherDevice(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	e := newTestEngine(t, "dev-a", api, nil)
	if _, err := e.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	other := store.Device{ID: "dev-b", Name: "phone", Kind: store.DeviceKindPhone}
	if err := e.db.InsertDevice(ctx, other); err != nil {
		t.Fatalf("InsertDevice failed: %v", err)
	}
	api.objects["user-1/changelog/dev-b/1000:0000:dev-b.enc"] = []byte("x")

	deleted, err := e.RemoveDevice(ctx, "dev-b")
	if err != nil {
		t.Fatalf("RemoveDevice failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 cloud object deleted, got %d", deleted)
	}
	if _, err := e.db.GetDevice(ctx, "dev-b"); err != syncerr.ErrDeviceNotFound {
		t.Fatalf("expected device row removed, got err=%v", err)
	}
}

func TestStartStopAutoSyncRunsAndStopsCleanly(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, "dev-a", newFakeAPI(), nil)
	if _, err := e.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if _, err := e.SetupEncryption(ctx, "passphrase"); err != nil {
		t.Fatalf("SetupEncryption failed: %v", err)
	}

	e.StartAutoSync(ctx)
	if !e.Status().AutoSyncRunning {
		t.Fatalf("expected auto-sync to report running")
	}
	time.Sleep(120 * time.Millisecond) // let at least one tick fire
	e.StopAutoSync()
	if e.Status().AutoSyncRunning {
		t.Fatalf("expected auto-sync to report stopped")
	}
}

func TestGCNoopsWhenAnyPeerNeverPulled(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, "dev-a", newFakeAPI(), nil)
	if _, err := e.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := e.db.SetLastPushedHLC(ctx, "dev-a", "1000:0000:dev-a"); err != nil {
		t.Fatalf("SetLastPushedHLC failed: %v", err)
	}

	n, err := e.GC(ctx)
	if err != nil {
		t.Fatalf("GC failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no rows collected without any pulled peer, got %d", n)
	}
}

// fakeApplier is a minimal in-memory TableApplier recording what the
// protocol layer applies for one syncable table.
type fakeApplier struct{ rows map[string]map[string]any }

func newFakeApplier() *fakeApplier { return &fakeApplier{rows: map[string]map[string]any{}} }

func (a *fakeApplier) ApplyRemote(_ context.Context, _ *sqlx.Tx, op, entityID string, fields map[string]any) error {
	if op == store.OpDelete {
		delete(a.rows, entityID)
		return nil
	}
	a.rows[entityID] = fields
	return nil
}

// newTestEngineSharingVault builds an Engine whose protocol is wired with
// applier for "meetings" and whose vault reads/writes vaultPath, so a peer
// built against the same vaultPath and api shares the same derived key
// once both have called Setup/Unlock with the same passphrase.
func newTestEngineSharingVault(t *testing.T, deviceID, vaultPath string, api *fakeAPI, rebuilder IndexRebuilder, indexable []string) *Engine {
	t.Helper()
	dir := t.TempDir()

	db, err := store.Open(filepath.Join(dir, "lime.db"))
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	v := vault.New(vaultPath, testParams(), time.Hour)
	svc := crypto.New(v, nil)
	objects := objectstore.New(api, "bucket", "user-1", nil)
	hlc := clock.New(deviceID)
	tr := tracker.New(hlc, deviceID)
	mf := manifest.New(db)
	resolver := conflict.New()
	appliers := map[string]protocol.TableApplier{"meetings": newFakeApplier()}
	proto := protocol.New(db, svc, objects, hlc, tr, mf, resolver, appliers, deviceID, nil)

	return New(db, v, objects, proto, mf, nil, time.Hour, nil, rebuilder, indexable)
}

func TestInitialCloneInvokesIndexRebuilderOnIndexableRowsOnly(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	vaultPath := filepath.Join(t.TempDir(), "vault.json")

	a := newTestEngineSharingVault(t, "dev-a", vaultPath, api, nil, nil)
	if _, err := a.Initialize(ctx); err != nil {
		t.Fatalf("A Initialize failed: %v", err)
	}
	if _, err := a.SetupEncryption(ctx, "correct horse battery staple"); err != nil {
		t.Fatalf("A SetupEncryption failed: %v", err)
	}

	tx, err := a.db.BeginTxx(ctx)
	if err != nil {
		t.Fatalf("BeginTxx failed: %v", err)
	}
	tr := tracker.New(clock.New("dev-a"), "dev-a")
	if err := tr.RecordInsert(ctx, tx, "meetings", "meeting-1", map[string]any{"title": "standup"}); err != nil {
		tx.Rollback()
		t.Fatalf("RecordInsert failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if _, err := a.SyncNow(ctx); err != nil {
		t.Fatalf("A SyncNow (push) failed: %v", err)
	}

	rebuilder := &recordingRebuilder{}
	b := newTestEngineSharingVault(t, "dev-b", vaultPath, api, rebuilder, []string{"meetings"})
	if _, err := b.Initialize(ctx); err != nil {
		t.Fatalf("B Initialize failed: %v", err)
	}
	if _, err := b.SetupEncryption(ctx, "correct horse battery staple"); err != nil {
		t.Fatalf("B SetupEncryption (unlock) failed: %v", err)
	}

	if _, err := b.InitialClone(ctx); err != nil {
		t.Fatalf("InitialClone failed: %v", err)
	}

	if len(rebuilder.rows) != 1 {
		t.Fatalf("expected exactly 1 rebuilt row, got %+v", rebuilder.rows)
	}
	if rebuilder.rows[0].Table != "meetings" || rebuilder.rows[0].EntityID != "meeting-1" {
		t.Fatalf("unexpected rebuilt row: %+v", rebuilder.rows[0])
	}
}
