// Package api implements the JSON configuration API and the published ICS
// endpoints. Passwords are write-only: accepted on create and update, never
// serialized back.
package api

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	httperrors "gitea.jw6.us/james/calsync/internal/http/errors"
	"gitea.jw6.us/james/calsync/internal/publish"
	"gitea.jw6.us/james/calsync/internal/store"
	enginepkg "gitea.jw6.us/james/calsync/internal/sync"
)

// icsPathPattern constrains source paths to URL-safe tokens.
var icsPathPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Engine is the slice of the sync engine the API needs.
type Engine interface {
	Register(kind enginepkg.Kind, id, intervalSecs int64)
	Unregister(kind enginepkg.Kind, id int64)
	TryTrigger(kind enginepkg.Kind, id int64) enginepkg.TriggerResult
}

// Handler serves /api and /ics routes.
type Handler struct {
	store     *store.Store
	engine    Engine
	publisher *publish.Publisher
	startTime time.Time
}

func NewHandler(st *store.Store, engine Engine, pub *publish.Publisher) *Handler {
	return &Handler{store: st, engine: engine, publisher: pub, startTime: time.Now()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type messageResponse struct {
	Message string `json:"message"`
}

func idParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

// Health answers the liveness probe. The path is exempt from perimeter auth.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthDetailed reports uptime, configured source count, and database
// reachability.
func (h *Handler) HealthDetailed(w http.ResponseWriter, r *http.Request) {
	dbOK := h.store.HealthCheck(r.Context()) == nil

	sourceCount := 0
	if sources, err := h.store.Sources.List(r.Context()); err == nil {
		sourceCount = len(sources)
	}

	status := "ok"
	if !dbOK {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
		"source_count":   sourceCount,
		"db_ok":          dbOK,
	})
}

// ServeICS serves a published calendar body.
func (h *Handler) ServeICS(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "path")
	entry, ok := h.publisher.Get(path)
	if !ok {
		http.Error(w, "calendar not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", entry.ContentType)
	w.Header().Set("Last-Modified", entry.LastModified.UTC().Format(http.TimeFormat))
	_, _ = w.Write(entry.Body)
}

type statusResponse struct {
	LastSynced     *time.Time `json:"last_synced"`
	LastSyncStatus string     `json:"last_sync_status"`
	LastSyncError  *string    `json:"last_sync_error"`
}

func statusOf(lastSynced *time.Time, status store.SyncStatus, syncErr *string) statusResponse {
	return statusResponse{LastSynced: lastSynced, LastSyncStatus: string(status), LastSyncError: syncErr}
}

func (h *Handler) trigger(w http.ResponseWriter, kind enginepkg.Kind, id int64) {
	switch h.engine.TryTrigger(kind, id) {
	case enginepkg.TriggerStarted:
		writeJSON(w, http.StatusAccepted, messageResponse{Message: "sync started"})
	case enginepkg.TriggerAlreadyRunning:
		writeJSON(w, http.StatusConflict, messageResponse{Message: "sync already in progress"})
	default:
		httperrors.NotFound(w, "unknown unit")
	}
}
