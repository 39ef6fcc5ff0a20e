package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	httperrors "gitea.jw6.us/james/calsync/internal/http/errors"
	"gitea.jw6.us/james/calsync/internal/store"
	enginepkg "gitea.jw6.us/james/calsync/internal/sync"
)

// sourceView is the API shape of a source. There is deliberately no password
// field: credentials are write-only.
type sourceView struct {
	ID               int64      `json:"id"`
	Name             string     `json:"name"`
	ICSPath          string     `json:"ics_path"`
	CalDAVURL        string     `json:"caldav_url"`
	Username         string     `json:"username"`
	SyncIntervalSecs int64      `json:"sync_interval_secs"`
	LastSynced       *time.Time `json:"last_synced"`
	LastSyncStatus   string     `json:"last_sync_status"`
	LastSyncError    *string    `json:"last_sync_error"`
	CreatedAt        time.Time  `json:"created_at"`
}

func viewSource(s store.Source) sourceView {
	return sourceView{
		ID:               s.ID,
		Name:             s.Name,
		ICSPath:          s.ICSPath,
		CalDAVURL:        s.CalDAVURL,
		Username:         s.Username,
		SyncIntervalSecs: s.SyncIntervalSecs,
		LastSynced:       s.LastSynced,
		LastSyncStatus:   string(s.LastSyncStatus),
		LastSyncError:    s.LastSyncError,
		CreatedAt:        s.CreatedAt,
	}
}

type sourceRequest struct {
	Name             *string `json:"name"`
	ICSPath          *string `json:"ics_path"`
	CalDAVURL        *string `json:"caldav_url"`
	Username         *string `json:"username"`
	Password         *string `json:"password"`
	SyncIntervalSecs *int64  `json:"sync_interval_secs"`
}

func (h *Handler) ListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := h.store.Sources.List(r.Context())
	if err != nil {
		httperrors.Internal(w, r, err, "list sources")
		return
	}
	views := make([]sourceView, 0, len(sources))
	for _, s := range sources {
		views = append(views, viewSource(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": views})
}

func (h *Handler) CreateSource(w http.ResponseWriter, r *http.Request) {
	var req sourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperrors.BadRequest(w, r, err, "invalid JSON body")
		return
	}

	src := store.Source{}
	if req.Name != nil {
		src.Name = *req.Name
	}
	if req.ICSPath != nil {
		src.ICSPath = *req.ICSPath
	}
	if req.CalDAVURL != nil {
		src.CalDAVURL = *req.CalDAVURL
	}
	if req.Username != nil {
		src.Username = *req.Username
	}
	if req.Password != nil {
		src.Password = *req.Password
	}
	if req.SyncIntervalSecs != nil {
		src.SyncIntervalSecs = *req.SyncIntervalSecs
	}

	if msg := validateSource(src); msg != "" {
		httperrors.JSON(w, http.StatusBadRequest, msg)
		return
	}

	created, err := h.store.Sources.Create(r.Context(), src)
	if errors.Is(err, store.ErrDuplicateICSPath) {
		httperrors.JSON(w, http.StatusConflict, "ics_path already in use")
		return
	}
	if err != nil {
		httperrors.Internal(w, r, err, "create source")
		return
	}

	h.engine.Register(enginepkg.KindSource, created.ID, created.SyncIntervalSecs)
	writeJSON(w, http.StatusCreated, viewSource(*created))
}

func (h *Handler) UpdateSource(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httperrors.BadRequest(w, r, err, "invalid id")
		return
	}
	existing, err := h.store.Sources.GetByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httperrors.NotFound(w, "source not found")
		return
	}
	if err != nil {
		httperrors.Internal(w, r, err, "load source")
		return
	}

	var req sourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperrors.BadRequest(w, r, err, "invalid JSON body")
		return
	}

	src := *existing
	if req.Name != nil {
		src.Name = *req.Name
	}
	if req.ICSPath != nil {
		src.ICSPath = *req.ICSPath
	}
	if req.CalDAVURL != nil {
		src.CalDAVURL = *req.CalDAVURL
	}
	if req.Username != nil {
		src.Username = *req.Username
	}
	// An empty password means "keep the stored one".
	if req.Password != nil && *req.Password != "" {
		src.Password = *req.Password
	}
	if req.SyncIntervalSecs != nil {
		src.SyncIntervalSecs = *req.SyncIntervalSecs
	}

	if msg := validateSource(src); msg != "" {
		httperrors.JSON(w, http.StatusBadRequest, msg)
		return
	}

	if err := h.store.Sources.Update(r.Context(), src); err != nil {
		if errors.Is(err, store.ErrDuplicateICSPath) {
			httperrors.JSON(w, http.StatusConflict, "ics_path already in use")
			return
		}
		httperrors.Internal(w, r, err, "update source")
		return
	}

	if src.ICSPath != existing.ICSPath {
		h.publisher.Remove(existing.ICSPath)
	}
	h.engine.Register(enginepkg.KindSource, src.ID, src.SyncIntervalSecs)
	writeJSON(w, http.StatusOK, viewSource(src))
}

func (h *Handler) DeleteSource(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httperrors.BadRequest(w, r, err, "invalid id")
		return
	}
	existing, err := h.store.Sources.GetByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httperrors.NotFound(w, "source not found")
		return
	}
	if err != nil {
		httperrors.Internal(w, r, err, "load source")
		return
	}

	// Stop the task (joining any in-flight cycle) before the record goes.
	h.engine.Unregister(enginepkg.KindSource, id)
	if err := h.store.Sources.Delete(r.Context(), id); err != nil && !errors.Is(err, store.ErrNotFound) {
		httperrors.Internal(w, r, err, "delete source")
		return
	}
	h.publisher.Remove(existing.ICSPath)
	writeJSON(w, http.StatusOK, messageResponse{Message: "source deleted"})
}

func (h *Handler) TriggerSourceSync(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httperrors.BadRequest(w, r, err, "invalid id")
		return
	}
	h.trigger(w, enginepkg.KindSource, id)
}

func (h *Handler) SourceStatus(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httperrors.BadRequest(w, r, err, "invalid id")
		return
	}
	src, err := h.store.Sources.GetByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httperrors.NotFound(w, "source not found")
		return
	}
	if err != nil {
		httperrors.Internal(w, r, err, "load source")
		return
	}
	writeJSON(w, http.StatusOK, statusOf(src.LastSynced, src.LastSyncStatus, src.LastSyncError))
}

func validateSource(src store.Source) string {
	if src.Name == "" {
		return "name is required"
	}
	if src.ICSPath == "" || !icsPathPattern.MatchString(src.ICSPath) {
		return "ics_path must match ^[A-Za-z0-9._-]+$"
	}
	if src.CalDAVURL == "" {
		return "caldav_url is required"
	}
	if src.SyncIntervalSecs < 0 {
		return "sync_interval_secs must be >= 0"
	}
	return ""
}
