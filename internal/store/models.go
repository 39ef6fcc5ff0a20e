package store

import "time"

// SyncStatus is the outcome of a unit's most recent cycle.
type SyncStatus string

const (
	SyncStatusUnset SyncStatus = ""
	SyncStatusOK    SyncStatus = "ok"
	SyncStatusError SyncStatus = "error"
)

// Source is a configured pull from a CalDAV server, republished as an ICS
// endpoint at /ics/{ICSPath}.
type Source struct {
	ID               int64
	Name             string
	ICSPath          string
	CalDAVURL        string
	Username         string
	Password         string
	SyncIntervalSecs int64

	LastSynced     *time.Time
	LastSyncStatus SyncStatus
	LastSyncError  *string
	CreatedAt      time.Time
}

// Destination is a configured push from a remote ICS feed into a CalDAV
// calendar collection.
type Destination struct {
	ID               int64
	Name             string
	ICSURL           string
	CalDAVURL        string
	CalendarName     string
	Username         string
	Password         string
	SyncIntervalSecs int64
	SyncAll          bool
	KeepLocal        bool

	LastSynced     *time.Time
	LastSyncStatus SyncStatus
	LastSyncError  *string
	CreatedAt      time.Time
}

// Published is the cached output of a source's last successful cycle.
type Published struct {
	SourceID    int64
	ICSPath     string
	ContentType string
	Body        []byte
	SyncedAt    time.Time
}
