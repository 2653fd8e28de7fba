// Package controllers holds the HTTP handlers for the sync REST API.
package controllers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/lezzur/lime-sync-core/internal/restapi/services"
	"github.com/lezzur/lime-sync-core/internal/syncerr"
)

// changelogDefaultLimit and changelogMaxLimit bound the "limit" query
// parameter on GET /sync/changelog.
const (
	changelogDefaultLimit = 50
	changelogMaxLimit     = 500
)

// SyncController implements the sync REST API's routes over a SyncService.
type SyncController struct {
	svc *services.SyncService
}

func NewSyncController(svc *services.SyncService) *SyncController {
	return &SyncController{svc: svc}
}

// Status handles GET /status.
func (c *SyncController) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.svc.Status())
}

// Setup handles POST /sync/setup.
func (c *SyncController) Setup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Passphrase string `json:"passphrase"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Passphrase == "" {
		writeError(w, http.StatusBadRequest, syncerr.ErrBadRequest)
		return
	}
	action, err := c.svc.SetupEncryption(r.Context(), req.Passphrase)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"action": action})
}

// InitialClone handles POST /sync/initial-clone.
func (c *SyncController) InitialClone(w http.ResponseWriter, r *http.Request) {
	received, applied, err := c.svc.InitialClone(r.Context())
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"received": received, "applied": applied})
}

// Sync handles POST /sync.
func (c *SyncController) Sync(w http.ResponseWriter, r *http.Request) {
	stats, err := c.svc.SyncNow(r.Context())
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Devices handles GET /sync/devices.
func (c *SyncController) Devices(w http.ResponseWriter, r *http.Request) {
	devices, err := c.svc.ListDevices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

// RemoveDevice handles DELETE /sync/device/{id}.
func (c *SyncController) RemoveDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		writeError(w, http.StatusBadRequest, syncerr.ErrBadRequest)
		return
	}
	deleted, err := c.svc.RemoveDevice(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cloud_objects_deleted": deleted})
}

// Changelog handles GET /sync/changelog?limit=&table=. limit defaults to
// changelogDefaultLimit and is capped at changelogMaxLimit.
func (c *SyncController) Changelog(w http.ResponseWriter, r *http.Request) {
	limit := changelogDefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > changelogMaxLimit {
		limit = changelogMaxLimit
	}
	table := r.URL.Query().Get("table")
	entries, err := c.svc.RecentChangelog(r.Context(), table, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusForError maps the sync engine's sentinel errors onto HTTP statuses.
func statusForError(err error) int {
	switch {
	case errors.Is(err, syncerr.ErrVaultLocked),
		errors.Is(err, syncerr.ErrNotInitialized):
		return http.StatusConflict
	case errors.Is(err, syncerr.ErrInvalidPassphrase),
		errors.Is(err, syncerr.ErrAuthFailed):
		return http.StatusUnauthorized
	case errors.Is(err, syncerr.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, syncerr.ErrCannotRemoveSelf),
		errors.Is(err, syncerr.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, syncerr.ErrAlreadyInitialized):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
