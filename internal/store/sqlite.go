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

	_ "modernc.org/sqlite"

	"postengine/pkg/logx"
)

//go:embed migrations_sqlite.sql
var sqliteMigrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("store: sqlite dsn is required")
	}
	dsn := cfg.DSN
	if !strings.HasPrefix(dsn, "file:") && !strings.Contains(dsn, ":memory:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := sqliteMigrationsFS.ReadFile("migrations_sqlite.sql")
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

const itemCols = `id, user_id, platform, target, title, body, media_url,
	publish_at, publish_date, publish_time, timezone,
	status, attempts, max_attempts, next_retry_at, last_error,
	lock_token, lock_acquired_at, published_at, created_at, updated_at`

func (s *sqliteStore) InsertItem(ctx context.Context, it *Item) error {
	if strings.TrimSpace(it.ID) == "" {
		return errors.New("store: item id is required")
	}
	now := time.Now()
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	if it.UpdatedAt.IsZero() {
		it.UpdatedAt = now
	}
	if it.Status == "" {
		it.Status = StatusScheduled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO items(`+itemCols+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.UserID, it.Platform, it.Target, it.Title, it.Body, it.MediaURL,
		msOrNil(it.PublishAt), it.PublishDate, it.PublishTime, it.Timezone,
		string(it.Status), it.Attempts, it.MaxAttempts, msOrNil(it.NextRetryAt), it.LastError,
		it.LockToken, msOrNil(it.LockAcquiredAt), msOrNil(it.PublishedAt),
		it.CreatedAt.UnixMilli(), it.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetItem(ctx context.Context, id string) (*Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemCols+` FROM items WHERE id = ?`, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return it, err
}

func (s *sqliteStore) FindDue(ctx context.Context, now time.Time, cursor string, limit int) ([]*Item, string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemCols+` FROM items
		 WHERE status = ?
		   AND (publish_at IS NULL OR publish_at <= ?)
		   AND (next_retry_at IS NULL OR next_retry_at <= ?)
		   AND id > ?
		 ORDER BY id
		 LIMIT ?`,
		string(StatusScheduled), now.UnixMilli(), now.UnixMilli(), cursor, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	items, err := collectItems(rows)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(items) == limit {
		next = items[len(items)-1].ID
	}
	return items, next, nil
}

func (s *sqliteStore) AcquireLock(ctx context.Context, id, token string, ttl time.Duration, now time.Time) (bool, error) {
	cutoff := now.Add(-ttl).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE items
		 SET status = ?, lock_token = ?, lock_acquired_at = ?, updated_at = ?
		 WHERE id = ?
		   AND status = ?
		   AND (lock_token = '' OR lock_acquired_at IS NULL OR lock_acquired_at <= ?)
		   AND (next_retry_at IS NULL OR next_retry_at <= ?)`,
		string(StatusPublishing), token, now.UnixMilli(), now.UnixMilli(),
		id, string(StatusScheduled), cutoff, now.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) ReleaseLock(ctx context.Context, id, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE items
		 SET status = ?, lock_token = '', lock_acquired_at = NULL, updated_at = ?
		 WHERE id = ? AND lock_token = ? AND status = ?`,
		string(StatusScheduled), time.Now().UnixMilli(), id, token, string(StatusPublishing))
	return err
}

func (s *sqliteStore) PersistOutcome(ctx context.Context, u OutcomeUpdate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE items
		 SET status = ?, attempts = ?, next_retry_at = ?, last_error = ?, published_at = ?,
		     lock_token = '', lock_acquired_at = NULL, updated_at = ?
		 WHERE id = ? AND lock_token = ?`,
		string(u.Status), u.Attempts, msOrNil(u.NextRetryAt), u.LastError, msOrNil(u.PublishedAt),
		time.Now().UnixMilli(), u.ID, u.LockToken)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: item %s", ErrLockLost, u.ID)
	}
	return nil
}

func (s *sqliteStore) ReclaimStale(ctx context.Context, now time.Time, ttl time.Duration) (int, error) {
	cutoff := now.Add(-ttl).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE items
		 SET status = ?, lock_token = '', lock_acquired_at = NULL, updated_at = ?
		 WHERE status = ? AND lock_acquired_at IS NOT NULL AND lock_acquired_at <= ?`,
		string(StatusScheduled), now.UnixMilli(), string(StatusPublishing), cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) AppendFailure(ctx context.Context, id, reason string, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO item_failures(item_id, at, reason) VALUES(?,?,?)`,
		id, at.UnixMilli(), reason)
	return err
}

func (s *sqliteStore) Failures(ctx context.Context, id string) ([]Failure, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, at, reason FROM item_failures WHERE item_id = ? ORDER BY at, rowid`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var f Failure
		var ms int64
		if err := rows.Scan(&f.ItemID, &ms, &f.Reason); err != nil {
			return nil, err
		}
		f.At = time.UnixMilli(ms).UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeadLettered(ctx context.Context, limit int) ([]*Item, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemCols+` FROM items WHERE status = ? ORDER BY updated_at LIMIT ?`,
		string(StatusDeadLettered), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

// ---- row mapping ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(r rowScanner) (*Item, error) {
	var it Item
	var status string
	var publishAt, nextRetryAt, lockAt, publishedAt sql.NullInt64
	var createdAt, updatedAt int64
	err := r.Scan(
		&it.ID, &it.UserID, &it.Platform, &it.Target, &it.Title, &it.Body, &it.MediaURL,
		&publishAt, &it.PublishDate, &it.PublishTime, &it.Timezone,
		&status, &it.Attempts, &it.MaxAttempts, &nextRetryAt, &it.LastError,
		&it.LockToken, &lockAt, &publishedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	it.Status = Status(status)
	it.PublishAt = timeOf(publishAt)
	it.NextRetryAt = timeOf(nextRetryAt)
	it.LockAcquiredAt = timeOf(lockAt)
	it.PublishedAt = timeOf(publishedAt)
	it.CreatedAt = time.UnixMilli(createdAt).UTC()
	it.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &it, nil
}

func collectItems(rows *sql.Rows) ([]*Item, error) {
	var out []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func msOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func timeOf(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}
