package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "github.com/Kensan196948G/MangaAnime-Info-delivery-system-sub004/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers; one connection
	// also makes the single-logical-writer discipline structural.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// dbtx lets the upsert helpers run against the pool or an open transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqliteStore) UpsertWork(ctx context.Context, w Work) (int64, error) {
	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = upsertWork(ctx, tx, w)
		return err
	})
	return id, err
}

func (s *sqliteStore) UpsertRelease(ctx context.Context, r Release) (int64, bool, error) {
	var (
		id      int64
		created bool
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, created, err = upsertRelease(ctx, tx, r)
		return err
	})
	return id, created, err
}

func (s *sqliteStore) IngestRelease(ctx context.Context, w Work, r Release) (int64, bool, error) {
	var (
		id      int64
		created bool
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		workID, err := upsertWork(ctx, tx, w)
		if err != nil {
			return err
		}
		r.WorkID = workID
		id, created, err = upsertRelease(ctx, tx, r)
		return err
	})
	return id, created, err
}

func upsertWork(ctx context.Context, q dbtx, w Work) (int64, error) {
	w.Title = strings.TrimSpace(w.Title)
	if w.Title == "" {
		return 0, errors.New("store: work title is required")
	}

	var (
		id                    int64
		curEn, curKana, curURL sql.NullString
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, title_en, title_kana, official_url FROM works WHERE title = ? AND kind = ?`,
		w.Title, w.Kind,
	).Scan(&id, &curEn, &curKana, &curURL)

	switch {
	case err == nil:
		// Fill-only: set previously empty optional fields, never overwrite.
		_, err = q.ExecContext(ctx,
			`UPDATE works SET
			   title_en     = COALESCE(title_en, NULLIF(?, '')),
			   title_kana   = COALESCE(title_kana, NULLIF(?, '')),
			   official_url = COALESCE(official_url, NULLIF(?, ''))
			 WHERE id = ?`,
			w.TitleEn, w.TitleKana, w.OfficialURL, id,
		)
		return id, err
	case errors.Is(err, sql.ErrNoRows):
		res, err := q.ExecContext(ctx,
			`INSERT INTO works(title, kind, title_en, title_kana, official_url, created_at)
			 VALUES(?,?,?,?,?,?)`,
			w.Title, w.Kind, nullStr(w.TitleEn), nullStr(w.TitleKana), nullStr(w.OfficialURL),
			time.Now().UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			if isUniqueViolation(err) {
				// Lost an insert race: the row exists now.
				var raceID int64
				if serr := q.QueryRowContext(ctx,
					`SELECT id FROM works WHERE title = ? AND kind = ?`, w.Title, w.Kind,
				).Scan(&raceID); serr == nil {
					return raceID, nil
				}
			}
			return 0, err
		}
		return res.LastInsertId()
	default:
		return 0, err
	}
}

func upsertRelease(ctx context.Context, q dbtx, r Release) (int64, bool, error) {
	if r.WorkID == 0 {
		return 0, false, errors.New("store: release work id is required")
	}
	date := r.ReleaseDate.UTC().Format(releaseDateLayout)

	var id int64
	err := q.QueryRowContext(ctx,
		`SELECT id FROM releases
		 WHERE work_id = ? AND release_kind = ? AND number = ? AND platform = ? AND release_date = ?`,
		r.WorkID, r.ReleaseKind, r.Number, r.Platform, date,
	).Scan(&id)

	switch {
	case err == nil:
		// Idempotent re-ingestion is a no-op.
		return id, false, nil
	case errors.Is(err, sql.ErrNoRows):
		res, err := q.ExecContext(ctx,
			`INSERT INTO releases(work_id, release_kind, number, platform, release_date,
			                      source, source_url, notified, event_ref, created_at)
			 VALUES(?,?,?,?,?,?,?,0,NULL,?)`,
			r.WorkID, r.ReleaseKind, r.Number, r.Platform, date,
			r.Source, nullStr(r.SourceURL),
			time.Now().UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			if isUniqueViolation(err) {
				// A concurrent writer inserted the same dedup key: treat as
				// idempotent success, never surface the race as an error.
				var raceID int64
				if serr := q.QueryRowContext(ctx,
					`SELECT id FROM releases
					 WHERE work_id = ? AND release_kind = ? AND number = ? AND platform = ? AND release_date = ?`,
					r.WorkID, r.ReleaseKind, r.Number, r.Platform, date,
				).Scan(&raceID); serr == nil {
					return raceID, false, nil
				}
			}
			return 0, false, err
		}
		newID, err := res.LastInsertId()
		return newID, err == nil, err
	default:
		return 0, false, err
	}
}

const releaseColumns = `r.id, r.work_id, w.title, w.kind, r.release_kind, r.number, r.platform,
       r.release_date, r.source, r.source_url, r.notified, r.event_ref, r.created_at`

func (s *sqliteStore) ListUnnotified(ctx context.Context, limit int) ([]Release, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+releaseColumns+`
		 FROM releases r JOIN works w ON w.id = r.work_id
		 WHERE r.notified = 0
		 ORDER BY r.release_date ASC, r.id ASC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReleases(rows)
}

func (s *sqliteStore) ListMissingEventRef(ctx context.Context, limit int) ([]Release, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+releaseColumns+`
		 FROM releases r JOIN works w ON w.id = r.work_id
		 WHERE r.notified = 1 AND (r.event_ref IS NULL OR r.event_ref = '')
		 ORDER BY r.release_date ASC, r.id ASC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReleases(rows)
}

func scanReleases(rows *sql.Rows) ([]Release, error) {
	var out []Release
	for rows.Next() {
		var (
			r                    Release
			date, createdAt      string
			sourceURL, eventRef  sql.NullString
			notified             int
		)
		if err := rows.Scan(&r.ID, &r.WorkID, &r.WorkTitle, &r.WorkKind, &r.ReleaseKind,
			&r.Number, &r.Platform, &date, &r.Source, &sourceURL, &notified, &eventRef, &createdAt); err != nil {
			return nil, err
		}
		r.SourceURL = sourceURL.String
		r.EventRef = eventRef.String
		r.Notified = notified != 0
		if t, err := time.Parse(releaseDateLayout, date); err == nil {
			r.ReleaseDate = t
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			r.CreatedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkNotified(ctx context.Context, releaseID int64, eventRef string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE releases SET
		   notified  = 1,
		   event_ref = CASE
		     WHEN ? <> '' AND (event_ref IS NULL OR event_ref = '') THEN ?
		     ELSE event_ref
		   END
		 WHERE id = ?`,
		eventRef, eventRef, releaseID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) SetEventRef(ctx context.Context, releaseID int64, eventRef string) error {
	if strings.TrimSpace(eventRef) == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE releases SET event_ref = ?
		 WHERE id = ? AND (event_ref IS NULL OR event_ref = '')`,
		eventRef, releaseID,
	)
	return err
}

func (s *sqliteStore) AppendAttempt(ctx context.Context, a NotificationAttempt) error {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_attempts(at, run_id, channel, release_id, ok, error, items)
		 VALUES(?,?,?,?,?,?,?)`,
		a.At.UTC().Format(time.RFC3339Nano), nullStr(a.RunID), a.Channel, a.ReleaseID,
		boolToInt(a.OK), nullStr(a.Error), a.Items,
	)
	return err
}

func (s *sqliteStore) LastAttempt(ctx context.Context, channel string) (*NotificationAttempt, error) {
	query := `SELECT id, at, run_id, channel, release_id, ok, error, items
	          FROM notification_attempts`
	args := []any{}
	if channel != "" {
		query += ` WHERE channel = ?`
		args = append(args, channel)
	}
	query += ` ORDER BY id DESC LIMIT 1`

	var (
		a            NotificationAttempt
		at           string
		runID, detail sql.NullString
		ok           int
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&a.ID, &at, &runID, &a.Channel, &a.ReleaseID, &ok, &detail, &a.Items)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.RunID = runID.String
	a.Error = detail.String
	a.OK = ok != 0
	if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
		a.At = t
	}
	return &a, nil
}

// inTx runs fn inside a transaction with guaranteed rollback on all error
// and panic paths.
func (s *sqliteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
