package capture

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists capture records to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens or creates the capture database at path.
// Use ":memory:" for a throwaway database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS captures (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			url TEXT NOT NULL,
			selector TEXT NOT NULL DEFAULT '',
			duration REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			result BLOB,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_captures_user_created
		ON captures(user_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_captures_status_updated
		ON captures(status, updated_at)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// CreatePending implements Store.
func (s *SQLiteStore) CreatePending(ctx context.Context, userID string, p Params) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", ErrStoreClosed
	}

	rec := newRecord(userID, p, time.Now().UTC())
	ts := rec.CreatedAt.Format(timeLayout)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO captures (id, user_id, url, selector, duration, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.UserID, rec.URL, rec.Selector, rec.Duration, string(rec.Status), ts, ts)
	if err != nil {
		return "", fmt.Errorf("insert capture: %w", err)
	}
	return rec.ID, nil
}

// UpdateStatus implements Store. The status guard is part of the UPDATE's
// WHERE clause, so the check and the write are one statement.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status Status, message string, expectedPrior Status) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrStoreClosed
	}

	priors := allowedPriors(status, expectedPrior)
	if len(priors) == 0 {
		return false, s.ensureExists(ctx, id)
	}

	args := []any{string(status), sanitizeMessage(message), now(), id}
	for _, p := range priors {
		args = append(args, string(p))
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE captures SET status = ?, message = ?, updated_at = ?
		WHERE id = ? AND status IN (`+placeholders(len(priors))+`)
	`, args...)
	if err != nil {
		return false, fmt.Errorf("update capture status: %w", err)
	}
	return s.applied(ctx, res, id)
}

// UpdateWithResult implements Store.
func (s *SQLiteStore) UpdateWithResult(ctx context.Context, id string, r Result) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrStoreClosed
	}

	data, err := json.Marshal(r)
	if err != nil {
		return false, fmt.Errorf("encode capture result: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE captures SET status = ?, message = '', result = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(StatusCompleted), data, now(), id, string(StatusProcessing))
	if err != nil {
		return false, fmt.Errorf("update capture result: %w", err)
	}
	return s.applied(ctx, res, id)
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, url, selector, duration, status, message, result, created_at, updated_at
		FROM captures WHERE id = ?
	`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query capture: %w", err)
	}
	return rec, nil
}

// ListByUser implements Store.
func (s *SQLiteStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	query := `
		SELECT id, user_id, url, selector, duration, status, message, result, created_at, updated_at
		FROM captures WHERE user_id = ?
		ORDER BY created_at DESC, id DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query captures: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan capture: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListUnfinished implements Store.
func (s *SQLiteStore) ListUnfinished(ctx context.Context, before time.Time) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, url, selector, duration, status, message, result, created_at, updated_at
		FROM captures WHERE status IN (?, ?) AND updated_at < ?
		ORDER BY updated_at, id`,
		string(StatusPending), string(StatusProcessing), before.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("query unfinished captures: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan capture: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// applied turns an UPDATE result into the conditional-write answer,
// distinguishing a lost guard from a missing record.
func (s *SQLiteStore) applied(ctx context.Context, res sql.Result, id string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	return false, s.ensureExists(ctx, id)
}

func (s *SQLiteStore) ensureExists(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM captures WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec              Record
		status           string
		result           []byte
		created, updated string
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.URL, &rec.Selector, &rec.Duration,
		&status, &rec.Message, &result, &created, &updated); err != nil {
		return nil, err
	}
	rec.Status = Status(status)

	var err error
	if rec.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if len(result) > 0 {
		var r Result
		if err := json.Unmarshal(result, &r); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		rec.Result = &r
	}
	return &rec, nil
}

// allowedPriors lists the stored statuses a conditional write may apply to.
func allowedPriors(to, expectedPrior Status) []Status {
	if expectedPrior != "" {
		if CanTransition(expectedPrior, to) {
			return []Status{expectedPrior}
		}
		return nil
	}
	return priorsFor(to)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func now() string {
	return time.Now().UTC().Format(timeLayout)
}
