package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"postengine/pkg/logx"
)

//go:embed migrations_postgres.sql
var pgMigrationsFS embed.FS

// pgStore shares the row layout (millisecond instants) with the sqlite
// driver so both reuse scanItem.
type pgStore struct {
	db  *sql.DB
	log logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("store: postgres dsn is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	st := &pgStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *pgStore) migrate(ctx context.Context) error {
	b, err := pgMigrationsFS.ReadFile("migrations_postgres.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *pgStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *pgStore) InsertItem(ctx context.Context, it *Item) error {
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
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		it.ID, it.UserID, it.Platform, it.Target, it.Title, it.Body, it.MediaURL,
		msOrNil(it.PublishAt), it.PublishDate, it.PublishTime, it.Timezone,
		string(it.Status), it.Attempts, it.MaxAttempts, msOrNil(it.NextRetryAt), it.LastError,
		it.LockToken, msOrNil(it.LockAcquiredAt), msOrNil(it.PublishedAt),
		it.CreatedAt.UnixMilli(), it.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *pgStore) GetItem(ctx context.Context, id string) (*Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemCols+` FROM items WHERE id = $1`, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return it, err
}

func (s *pgStore) FindDue(ctx context.Context, now time.Time, cursor string, limit int) ([]*Item, string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemCols+` FROM items
		 WHERE status = $1
		   AND (publish_at IS NULL OR publish_at <= $2)
		   AND (next_retry_at IS NULL OR next_retry_at <= $2)
		   AND id > $3
		 ORDER BY id
		 LIMIT $4`,
		string(StatusScheduled), now.UnixMilli(), cursor, limit)
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

func (s *pgStore) AcquireLock(ctx context.Context, id, token string, ttl time.Duration, now time.Time) (bool, error) {
	cutoff := now.Add(-ttl).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE items
		 SET status = $1, lock_token = $2, lock_acquired_at = $3, updated_at = $3
		 WHERE id = $4
		   AND status = $5
		   AND (lock_token = '' OR lock_acquired_at IS NULL OR lock_acquired_at <= $6)
		   AND (next_retry_at IS NULL OR next_retry_at <= $7)`,
		string(StatusPublishing), token, now.UnixMilli(),
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

func (s *pgStore) ReleaseLock(ctx context.Context, id, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE items
		 SET status = $1, lock_token = '', lock_acquired_at = NULL, updated_at = $2
		 WHERE id = $3 AND lock_token = $4 AND status = $5`,
		string(StatusScheduled), time.Now().UnixMilli(), id, token, string(StatusPublishing))
	return err
}

func (s *pgStore) PersistOutcome(ctx context.Context, u OutcomeUpdate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE items
		 SET status = $1, attempts = $2, next_retry_at = $3, last_error = $4, published_at = $5,
		     lock_token = '', lock_acquired_at = NULL, updated_at = $6
		 WHERE id = $7 AND lock_token = $8`,
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

func (s *pgStore) ReclaimStale(ctx context.Context, now time.Time, ttl time.Duration) (int, error) {
	cutoff := now.Add(-ttl).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE items
		 SET status = $1, lock_token = '', lock_acquired_at = NULL, updated_at = $2
		 WHERE status = $3 AND lock_acquired_at IS NOT NULL AND lock_acquired_at <= $4`,
		string(StatusScheduled), now.UnixMilli(), string(StatusPublishing), cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *pgStore) AppendFailure(ctx context.Context, id, reason string, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO item_failures(item_id, at, reason) VALUES($1,$2,$3)`,
		id, at.UnixMilli(), reason)
	return err
}

func (s *pgStore) Failures(ctx context.Context, id string) ([]Failure, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, at, reason FROM item_failures WHERE item_id = $1 ORDER BY at, id`, id)
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

func (s *pgStore) DeadLettered(ctx context.Context, limit int) ([]*Item, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemCols+` FROM items WHERE status = $1 ORDER BY updated_at LIMIT $2`,
		string(StatusDeadLettered), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}
