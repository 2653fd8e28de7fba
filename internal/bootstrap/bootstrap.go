// Package bootstrap wires a full Engine from on-disk config, shared by
// every entrypoint (cmd/lime, cmd/lime-server) so the CLI and the REST
// daemon build the exact same object graph.
package bootstrap

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lezzur/lime-sync-core/internal/clock"
	"github.com/lezzur/lime-sync-core/internal/conflict"
	"github.com/lezzur/lime-sync-core/internal/config"
	"github.com/lezzur/lime-sync-core/internal/crypto"
	"github.com/lezzur/lime-sync-core/internal/engine"
	"github.com/lezzur/lime-sync-core/internal/manifest"
	"github.com/lezzur/lime-sync-core/internal/objectstore"
	"github.com/lezzur/lime-sync-core/internal/protocol"
	"github.com/lezzur/lime-sync-core/internal/store"
	"github.com/lezzur/lime-sync-core/internal/syncerr"
	"github.com/lezzur/lime-sync-core/internal/tracker"
	"github.com/lezzur/lime-sync-core/internal/vault"
)

// App bundles the fully wired sync engine plus the resources that must be
// closed on shutdown. Entrypoints built from this package have no
// knowledge of any host's database schema, so they wire an empty
// TableApplier set — remote changes to unrecognized tables are logged and
// skipped (see protocol.Pull). A host application embedding this module
// directly should supply its own appliers via engine.New instead of going
// through these entrypoints.
type App struct {
	Config config.Config
	Engine *engine.Engine
	Log    *logrus.Entry

	db *store.DB
}

// New loads config from cfgDir (plus LIME_-prefixed env overrides), opens
// the local store, and wires clock/tracker/crypto/objectstore/protocol
// into a ready-to-use Engine with its device already initialized.
func New(ctx context.Context, cfgDir string) (*App, error) {
	log := logrus.NewEntry(logrus.StandardLogger())

	cfg, err := config.Load(cfgDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	db, err := store.Open(cfg.Sync.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	v := vault.New(cfg.Vault.Path, cfg.VaultParams(), cfg.SessionTimeout())
	svc := crypto.New(v, log)

	s3Client, err := objectstore.NewS3Client(ctx, cfg.ObjectStore.Endpoint, cfg.ObjectStore.Region,
		cfg.ObjectStore.AccessKey, cfg.ObjectStore.SecretKey)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("build s3 client: %w", err)
	}
	objects := objectstore.New(s3Client, cfg.ObjectStore.Bucket, cfg.ObjectStore.UserID, log)

	// The clock, tracker, and protocol all need the local device id at
	// construction time, so resolve-or-create it before wiring them —
	// engine.Initialize (called below) only reloads the row afterward.
	deviceID, err := ensureDeviceID(ctx, db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("resolve device id: %w", err)
	}

	hlc := clock.New(deviceID)
	tr := tracker.New(hlc, deviceID)
	mf := manifest.New(db)
	resolver := conflict.New()
	proto := protocol.New(db, svc, objects, hlc, tr, mf, resolver, map[string]protocol.TableApplier{}, deviceID, log)

	eng := engine.New(db, v, objects, proto, mf, nil, cfg.AutoSyncInterval(), log, nil, nil)
	if _, err := eng.Initialize(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize device: %w", err)
	}

	return &App{Config: cfg, Engine: eng, Log: log, db: db}, nil
}

func (a *App) Close() error {
	return a.db.Close()
}

// ensureDeviceID mirrors engine.Engine.Initialize's get-or-create logic,
// needed a layer earlier here since the clock/tracker/protocol all require
// a device id before an Engine can be constructed.
func ensureDeviceID(ctx context.Context, db *store.DB) (string, error) {
	dev, err := db.CurrentDevice(ctx)
	if err == nil {
		return dev.ID, nil
	}
	if err != syncerr.ErrDeviceNotFound {
		return "", err
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
	if err := db.InsertDevice(ctx, dev); err != nil {
		return "", err
	}
	return dev.ID, nil
}
