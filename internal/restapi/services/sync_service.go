// Package services wraps the sync engine for the HTTP layer as a thin
// service struct over the core domain object.
package services

import (
	"context"

	"github.com/lezzur/lime-sync-core/internal/engine"
	"github.com/lezzur/lime-sync-core/internal/store"
)

// SyncService exposes the engine operations the REST API needs.
type SyncService struct {
	eng *engine.Engine
}

func NewSyncService(eng *engine.Engine) *SyncService {
	return &SyncService{eng: eng}
}

func (s *SyncService) Status() engine.Status {
	return s.eng.Status()
}

func (s *SyncService) SetupEncryption(ctx context.Context, passphrase string) (string, error) {
	return s.eng.SetupEncryption(ctx, passphrase)
}

func (s *SyncService) InitialClone(ctx context.Context) (int, int, error) {
	stats, err := s.eng.InitialClone(ctx)
	if err != nil {
		return 0, 0, err
	}
	return stats.Received, stats.Applied, nil
}

func (s *SyncService) SyncNow(ctx context.Context) (engine.SyncStats, error) {
	return s.eng.SyncNow(ctx)
}

func (s *SyncService) ListDevices(ctx context.Context) ([]store.Device, error) {
	return s.eng.ListDevices(ctx)
}

func (s *SyncService) RemoveDevice(ctx context.Context, deviceID string) (int, error) {
	return s.eng.RemoveDevice(ctx, deviceID)
}

func (s *SyncService) RecentChangelog(ctx context.Context, table string, limit int) ([]store.ChangeLogEntry, error) {
	return s.eng.RecentChangelog(ctx, table, limit)
}
