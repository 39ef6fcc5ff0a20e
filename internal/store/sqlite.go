package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Timestamps are stored as RFC 3339 UTC text; SQLite has no native type and
// text keeps the rows readable with the sqlite3 shell.
const timeLayout = time.RFC3339

func encodeTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func decodeTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", s.String, err)
	}
	return &t, nil
}

func decodeNullString(s sql.NullString) *string {
	if !s.Valid || s.String == "" {
		return nil
	}
	v := s.String
	return &v
}

// sourceRepo implements SourceRepository.
type sourceRepo struct {
	db *sql.DB
}

const sourceColumns = `id, name, ics_path, caldav_url, username, password,
sync_interval_secs, last_synced, last_sync_status, last_sync_error, created_at`

func scanSource(row interface{ Scan(...any) error }) (*Source, error) {
	var (
		src        Source
		lastSynced sql.NullString
		status     sql.NullString
		syncErr    sql.NullString
		createdAt  string
	)
	if err := row.Scan(&src.ID, &src.Name, &src.ICSPath, &src.CalDAVURL, &src.Username,
		&src.Password, &src.SyncIntervalSecs, &lastSynced, &status, &syncErr, &createdAt); err != nil {
		return nil, err
	}
	ls, err := decodeTime(lastSynced)
	if err != nil {
		return nil, err
	}
	src.LastSynced = ls
	src.LastSyncStatus = SyncStatus(status.String)
	src.LastSyncError = decodeNullString(syncErr)
	if t, err := time.Parse(timeLayout, createdAt); err == nil {
		src.CreatedAt = t
	}
	return &src, nil
}

func (r *sourceRepo) List(ctx context.Context) ([]Source, error) {
	defer observeDB(ctx, "sources.list")()
	rows, err := r.db.QueryContext(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, *src)
	}
	return out, rows.Err()
}

func (r *sourceRepo) GetByID(ctx context.Context, id int64) (*Source, error) {
	defer observeDB(ctx, "sources.get")()
	row := r.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id=?`, id)
	src, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get source %d: %w", id, err)
	}
	return src, nil
}

func (r *sourceRepo) Create(ctx context.Context, src Source) (*Source, error) {
	defer observeDB(ctx, "sources.create")()

	// Check and insert share one transaction so a concurrent Create with the
	// same ics_path cannot slip between them.
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create source: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sources WHERE ics_path=?`, src.ICSPath).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check ics_path: %w", err)
	}
	if exists > 0 {
		return nil, ErrDuplicateICSPath
	}

	src.CreatedAt = time.Now().UTC()
	res, err := tx.ExecContext(ctx, `INSERT INTO sources
(name, ics_path, caldav_url, username, password, sync_interval_secs, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		src.Name, src.ICSPath, src.CalDAVURL, src.Username, src.Password,
		src.SyncIntervalSecs, encodeTime(src.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert source: %w", err)
	}
	src.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("source id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create source: %w", err)
	}
	return &src, nil
}

func (r *sourceRepo) Update(ctx context.Context, src Source) error {
	defer observeDB(ctx, "sources.update")()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update source: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var other int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sources WHERE ics_path=? AND id<>?`, src.ICSPath, src.ID).Scan(&other); err != nil {
		return fmt.Errorf("check ics_path: %w", err)
	}
	if other > 0 {
		return ErrDuplicateICSPath
	}

	res, err := tx.ExecContext(ctx, `UPDATE sources SET
name=?, ics_path=?, caldav_url=?, username=?, password=?, sync_interval_secs=?
WHERE id=?`,
		src.Name, src.ICSPath, src.CalDAVURL, src.Username, src.Password,
		src.SyncIntervalSecs, src.ID)
	if err != nil {
		return fmt.Errorf("update source %d: %w", src.ID, err)
	}
	if err := requireRow(res, src.ID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update source: %w", err)
	}
	return nil
}

func (r *sourceRepo) Delete(ctx context.Context, id int64) error {
	defer observeDB(ctx, "sources.delete")()
	res, err := r.db.ExecContext(ctx, `DELETE FROM sources WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete source %d: %w", id, err)
	}
	return requireRow(res, id)
}

func (r *sourceRepo) SavePublished(ctx context.Context, id int64, body []byte, contentType string, syncedAt time.Time) error {
	defer observeDB(ctx, "sources.save_published")()
	res, err := r.db.ExecContext(ctx, `UPDATE sources SET
ics_body=?, ics_content_type=?, last_synced=?, last_sync_status=?, last_sync_error=NULL
WHERE id=?`,
		body, contentType, encodeTime(syncedAt), string(SyncStatusOK), id)
	if err != nil {
		return fmt.Errorf("save published body for source %d: %w", id, err)
	}
	return requireRow(res, id)
}

func (r *sourceRepo) SetSyncError(ctx context.Context, id int64, msg string) error {
	defer observeDB(ctx, "sources.set_sync_error")()
	// The cached body stays: stale-serving beats no-serving.
	res, err := r.db.ExecContext(ctx, `UPDATE sources SET
last_sync_status=?, last_sync_error=? WHERE id=?`,
		string(SyncStatusError), msg, id)
	if err != nil {
		return fmt.Errorf("set sync error for source %d: %w", id, err)
	}
	return requireRow(res, id)
}

func (r *sourceRepo) ListPublished(ctx context.Context) ([]Published, error) {
	defer observeDB(ctx, "sources.list_published")()
	rows, err := r.db.QueryContext(ctx, `SELECT id, ics_path, ics_content_type, ics_body, last_synced
FROM sources WHERE ics_body IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("list published: %w", err)
	}
	defer rows.Close()

	var out []Published
	for rows.Next() {
		var (
			p          Published
			lastSynced sql.NullString
		)
		if err := rows.Scan(&p.SourceID, &p.ICSPath, &p.ContentType, &p.Body, &lastSynced); err != nil {
			return nil, fmt.Errorf("scan published: %w", err)
		}
		if t, err := decodeTime(lastSynced); err == nil && t != nil {
			p.SyncedAt = *t
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// destinationRepo implements DestinationRepository.
type destinationRepo struct {
	db *sql.DB
}

const destinationColumns = `id, name, ics_url, caldav_url, calendar_name, username, password,
sync_interval_secs, sync_all, keep_local, last_synced, last_sync_status, last_sync_error, created_at`

func scanDestination(row interface{ Scan(...any) error }) (*Destination, error) {
	var (
		dest       Destination
		syncAll    int64
		keepLocal  int64
		lastSynced sql.NullString
		status     sql.NullString
		syncErr    sql.NullString
		createdAt  string
	)
	if err := row.Scan(&dest.ID, &dest.Name, &dest.ICSURL, &dest.CalDAVURL, &dest.CalendarName,
		&dest.Username, &dest.Password, &dest.SyncIntervalSecs, &syncAll, &keepLocal,
		&lastSynced, &status, &syncErr, &createdAt); err != nil {
		return nil, err
	}
	dest.SyncAll = syncAll != 0
	dest.KeepLocal = keepLocal != 0
	ls, err := decodeTime(lastSynced)
	if err != nil {
		return nil, err
	}
	dest.LastSynced = ls
	dest.LastSyncStatus = SyncStatus(status.String)
	dest.LastSyncError = decodeNullString(syncErr)
	if t, err := time.Parse(timeLayout, createdAt); err == nil {
		dest.CreatedAt = t
	}
	return &dest, nil
}

func (r *destinationRepo) List(ctx context.Context) ([]Destination, error) {
	defer observeDB(ctx, "destinations.list")()
	rows, err := r.db.QueryContext(ctx, `SELECT `+destinationColumns+` FROM destinations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list destinations: %w", err)
	}
	defer rows.Close()

	var out []Destination
	for rows.Next() {
		dest, err := scanDestination(rows)
		if err != nil {
			return nil, fmt.Errorf("scan destination: %w", err)
		}
		out = append(out, *dest)
	}
	return out, rows.Err()
}

func (r *destinationRepo) GetByID(ctx context.Context, id int64) (*Destination, error) {
	defer observeDB(ctx, "destinations.get")()
	row := r.db.QueryRowContext(ctx, `SELECT `+destinationColumns+` FROM destinations WHERE id=?`, id)
	dest, err := scanDestination(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get destination %d: %w", id, err)
	}
	return dest, nil
}

func (r *destinationRepo) Create(ctx context.Context, dest Destination) (*Destination, error) {
	defer observeDB(ctx, "destinations.create")()
	dest.CreatedAt = time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `INSERT INTO destinations
(name, ics_url, caldav_url, calendar_name, username, password, sync_interval_secs, sync_all, keep_local, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dest.Name, dest.ICSURL, dest.CalDAVURL, dest.CalendarName, dest.Username, dest.Password,
		dest.SyncIntervalSecs, boolInt(dest.SyncAll), boolInt(dest.KeepLocal), encodeTime(dest.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert destination: %w", err)
	}
	dest.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("destination id: %w", err)
	}
	return &dest, nil
}

func (r *destinationRepo) Update(ctx context.Context, dest Destination) error {
	defer observeDB(ctx, "destinations.update")()
	res, err := r.db.ExecContext(ctx, `UPDATE destinations SET
name=?, ics_url=?, caldav_url=?, calendar_name=?, username=?, password=?,
sync_interval_secs=?, sync_all=?, keep_local=? WHERE id=?`,
		dest.Name, dest.ICSURL, dest.CalDAVURL, dest.CalendarName, dest.Username, dest.Password,
		dest.SyncIntervalSecs, boolInt(dest.SyncAll), boolInt(dest.KeepLocal), dest.ID)
	if err != nil {
		return fmt.Errorf("update destination %d: %w", dest.ID, err)
	}
	return requireRow(res, dest.ID)
}

func (r *destinationRepo) Delete(ctx context.Context, id int64) error {
	defer observeDB(ctx, "destinations.delete")()
	res, err := r.db.ExecContext(ctx, `DELETE FROM destinations WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete destination %d: %w", id, err)
	}
	return requireRow(res, id)
}

func (r *destinationRepo) SetSyncOK(ctx context.Context, id int64, syncedAt time.Time) error {
	defer observeDB(ctx, "destinations.set_sync_ok")()
	res, err := r.db.ExecContext(ctx, `UPDATE destinations SET
last_synced=?, last_sync_status=?, last_sync_error=NULL WHERE id=?`,
		encodeTime(syncedAt), string(SyncStatusOK), id)
	if err != nil {
		return fmt.Errorf("set sync ok for destination %d: %w", id, err)
	}
	return requireRow(res, id)
}

func (r *destinationRepo) SetSyncError(ctx context.Context, id int64, msg string) error {
	defer observeDB(ctx, "destinations.set_sync_error")()
	res, err := r.db.ExecContext(ctx, `UPDATE destinations SET
last_sync_status=?, last_sync_error=? WHERE id=?`,
		string(SyncStatusError), msg, id)
	if err != nil {
		return fmt.Errorf("set sync error for destination %d: %w", id, err)
	}
	return requireRow(res, id)
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func requireRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for id %d: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
