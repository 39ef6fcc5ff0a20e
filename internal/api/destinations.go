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

type destinationView struct {
	ID               int64      `json:"id"`
	Name             string     `json:"name"`
	ICSURL           string     `json:"ics_url"`
	CalDAVURL        string     `json:"caldav_url"`
	CalendarName     string     `json:"calendar_name"`
	Username         string     `json:"username"`
	SyncIntervalSecs int64      `json:"sync_interval_secs"`
	SyncAll          bool       `json:"sync_all"`
	KeepLocal        bool       `json:"keep_local"`
	LastSynced       *time.Time `json:"last_synced"`
	LastSyncStatus   string     `json:"last_sync_status"`
	LastSyncError    *string    `json:"last_sync_error"`
	CreatedAt        time.Time  `json:"created_at"`
}

func viewDestination(d store.Destination) destinationView {
	return destinationView{
		ID:               d.ID,
		Name:             d.Name,
		ICSURL:           d.ICSURL,
		CalDAVURL:        d.CalDAVURL,
		CalendarName:     d.CalendarName,
		Username:         d.Username,
		SyncIntervalSecs: d.SyncIntervalSecs,
		SyncAll:          d.SyncAll,
		KeepLocal:        d.KeepLocal,
		LastSynced:       d.LastSynced,
		LastSyncStatus:   string(d.LastSyncStatus),
		LastSyncError:    d.LastSyncError,
		CreatedAt:        d.CreatedAt,
	}
}

type destinationRequest struct {
	Name             *string `json:"name"`
	ICSURL           *string `json:"ics_url"`
	CalDAVURL        *string `json:"caldav_url"`
	CalendarName     *string `json:"calendar_name"`
	Username         *string `json:"username"`
	Password         *string `json:"password"`
	SyncIntervalSecs *int64  `json:"sync_interval_secs"`
	SyncAll          *bool   `json:"sync_all"`
	KeepLocal        *bool   `json:"keep_local"`
}

func (r destinationRequest) apply(d *store.Destination, create bool) {
	if r.Name != nil {
		d.Name = *r.Name
	}
	if r.ICSURL != nil {
		d.ICSURL = *r.ICSURL
	}
	if r.CalDAVURL != nil {
		d.CalDAVURL = *r.CalDAVURL
	}
	if r.CalendarName != nil {
		d.CalendarName = *r.CalendarName
	}
	if r.Username != nil {
		d.Username = *r.Username
	}
	if r.Password != nil && (create || *r.Password != "") {
		d.Password = *r.Password
	}
	if r.SyncIntervalSecs != nil {
		d.SyncIntervalSecs = *r.SyncIntervalSecs
	}
	if r.SyncAll != nil {
		d.SyncAll = *r.SyncAll
	}
	if r.KeepLocal != nil {
		d.KeepLocal = *r.KeepLocal
	}
}

func (h *Handler) ListDestinations(w http.ResponseWriter, r *http.Request) {
	destinations, err := h.store.Destinations.List(r.Context())
	if err != nil {
		httperrors.Internal(w, r, err, "list destinations")
		return
	}
	views := make([]destinationView, 0, len(destinations))
	for _, d := range destinations {
		views = append(views, viewDestination(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"destinations": views})
}

func (h *Handler) CreateDestination(w http.ResponseWriter, r *http.Request) {
	var req destinationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperrors.BadRequest(w, r, err, "invalid JSON body")
		return
	}

	dest := store.Destination{}
	req.apply(&dest, true)

	if msg := validateDestination(dest); msg != "" {
		httperrors.JSON(w, http.StatusBadRequest, msg)
		return
	}

	created, err := h.store.Destinations.Create(r.Context(), dest)
	if err != nil {
		httperrors.Internal(w, r, err, "create destination")
		return
	}

	h.engine.Register(enginepkg.KindDestination, created.ID, created.SyncIntervalSecs)
	writeJSON(w, http.StatusCreated, viewDestination(*created))
}

func (h *Handler) UpdateDestination(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httperrors.BadRequest(w, r, err, "invalid id")
		return
	}
	existing, err := h.store.Destinations.GetByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httperrors.NotFound(w, "destination not found")
		return
	}
	if err != nil {
		httperrors.Internal(w, r, err, "load destination")
		return
	}

	var req destinationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperrors.BadRequest(w, r, err, "invalid JSON body")
		return
	}

	dest := *existing
	req.apply(&dest, false)

	if msg := validateDestination(dest); msg != "" {
		httperrors.JSON(w, http.StatusBadRequest, msg)
		return
	}

	if err := h.store.Destinations.Update(r.Context(), dest); err != nil {
		httperrors.Internal(w, r, err, "update destination")
		return
	}

	h.engine.Register(enginepkg.KindDestination, dest.ID, dest.SyncIntervalSecs)
	writeJSON(w, http.StatusOK, viewDestination(dest))
}

func (h *Handler) DeleteDestination(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httperrors.BadRequest(w, r, err, "invalid id")
		return
	}

	h.engine.Unregister(enginepkg.KindDestination, id)
	err = h.store.Destinations.Delete(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httperrors.NotFound(w, "destination not found")
		return
	}
	if err != nil {
		httperrors.Internal(w, r, err, "delete destination")
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "destination deleted"})
}

func (h *Handler) TriggerDestinationSync(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httperrors.BadRequest(w, r, err, "invalid id")
		return
	}
	h.trigger(w, enginepkg.KindDestination, id)
}

func (h *Handler) DestinationStatus(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		httperrors.BadRequest(w, r, err, "invalid id")
		return
	}
	dest, err := h.store.Destinations.GetByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httperrors.NotFound(w, "destination not found")
		return
	}
	if err != nil {
		httperrors.Internal(w, r, err, "load destination")
		return
	}
	writeJSON(w, http.StatusOK, statusOf(dest.LastSynced, dest.LastSyncStatus, dest.LastSyncError))
}

func validateDestination(d store.Destination) string {
	if d.Name == "" {
		return "name is required"
	}
	if d.ICSURL == "" {
		return "ics_url is required"
	}
	if d.CalDAVURL == "" {
		return "caldav_url is required"
	}
	// The UI requires at least one second; the engine still treats zero as
	// manual-only if a row ends up that way.
	if d.SyncIntervalSecs < 1 {
		return "sync_interval_secs must be >= 1"
	}
	return ""
}
