package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lezzur/lime-sync-core/internal/clock"
	"github.com/lezzur/lime-sync-core/internal/conflict"
	"github.com/lezzur/lime-sync-core/internal/crypto"
	"github.com/lezzur/lime-sync-core/internal/engine"
	"github.com/lezzur/lime-sync-core/internal/manifest"
	"github.com/lezzur/lime-sync-core/internal/objectstore"
	"github.com/lezzur/lime-sync-core/internal/protocol"
	"github.com/lezzur/lime-sync-core/internal/restapi/controllers"
	"github.com/lezzur/lime-sync-core/internal/restapi/routes"
	"github.com/lezzur/lime-sync-core/internal/restapi/services"
	"github.com/lezzur/lime-sync-core/internal/store"
	"github.com/lezzur/lime-sync-core/internal/tracker"
	"github.com/lezzur/lime-sync-core/internal/vault"
)

// fakeAPI is a minimal in-memory *s3.Client stand-in, duplicated from the
// other package test suites since it is unexported there.
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

func newTestServer(t *testing.T) (*httptest.Server, *engine.Engine) {
	t.Helper()
	dir := t.TempDir()

	db, err := store.Open(filepath.Join(dir, "lime.db"))
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	api := newFakeAPI()
	v := vault.New(filepath.Join(dir, "vault.json"), testParams(), time.Hour)
	svc := crypto.New(v, nil)
	objects := objectstore.New(api, "bucket", "user-1", nil)
	hlc := clock.New("dev-a")
	tr := tracker.New(hlc, "dev-a")
	mf := manifest.New(db)
	resolver := conflict.New()
	proto := protocol.New(db, svc, objects, hlc, tr, mf, resolver, map[string]protocol.TableApplier{}, "dev-a", nil)
	eng := engine.New(db, v, objects, proto, mf, nil, time.Hour, nil, nil, nil)

	if _, err := eng.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	ctrl := controllers.NewSyncController(services.NewSyncService(eng))
	r := mux.NewRouter()
	routes.Register(r, ctrl, nil)
	return httptest.NewServer(r), eng
}

func decodeJSON(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
}

func TestStatusReportsUninitializedVault(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status failed: %v", err)
	}
	var status engine.Status
	decodeJSON(t, resp, &status)
	assert.False(t, status.VaultUnlocked, "expected vault locked before setup")
	assert.True(t, status.Initialized, "expected device already initialized by test setup")
}

func TestSyncBeforeSetupReturnsConflict(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/sync", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSetupThenSyncSucceeds(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	body, _ := json.Marshal(map[string]string{"passphrase": "correct horse battery staple"})
	resp, err := http.Post(srv.URL+"/sync/setup", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var setup map[string]string
	decodeJSON(t, resp, &setup)
	require.Equal(t, "initialized", setup["action"])

	resp, err = http.Post(srv.URL+"/sync", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDevicesListsCurrentDevice(t *testing.T) {
	srv, eng := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/sync/devices")
	require.NoError(t, err)
	var devices []store.Device
	decodeJSON(t, resp, &devices)
	require.Len(t, devices, 1)
	assert.Equal(t, eng.DeviceID(), devices[0].ID)
}

func TestRemoveCurrentDeviceIsRejected(t *testing.T) {
	srv, eng := newTestServer(t)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/sync/device/"+eng.DeviceID(), nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChangelogWithoutLimitReturnsEmptyList(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/sync/changelog")
	require.NoError(t, err)
	var entries []store.ChangeLogEntry
	decodeJSON(t, resp, &entries)
	assert.Empty(t, entries)
}
