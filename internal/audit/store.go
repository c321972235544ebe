package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Categories used by the daemon.
const (
	CategoryEvent     = "event"
	CategoryHandler   = "handler"
	CategoryState     = "state"
	CategoryComponent = "component"
	CategoryControl   = "control"
)

// ActorSystem marks entries produced by the daemon itself.
const ActorSystem = "system"

// Entry is one audit record.
type Entry struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	Category  string         `json:"category"`
	Actor     string         `json:"actor"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Details   map[string]any `json:"details,omitempty"`
}

// Store persists audit entries in SQLite.
type Store struct {
	db   *sql.DB
	path string
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond

	// tsLayout is fixed width so timestamps compare correctly as text.
	tsLayout = "2006-01-02T15:04:05.000000000Z"

	entryColumns = `id, ts, action, category, actor, success, error_message, duration_ms, details_json`
)

// Open creates or connects to the audit database at path.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("audit database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database location.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record inserts an entry. A zero timestamp is stamped with the current time
// and an empty actor defaults to ActorSystem.
func (s *Store) Record(ctx context.Context, entry Entry) error {
	ctx = ensureContext(ctx)
	if strings.TrimSpace(entry.Action) == "" {
		return errors.New("audit entry action is empty")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if strings.TrimSpace(entry.Actor) == "" {
		entry.Actor = ActorSystem
	}
	if strings.TrimSpace(entry.Category) == "" {
		entry.Category = CategoryControl
	}

	var details any
	if len(entry.Details) > 0 {
		data, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
		details = string(data)
	}

	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO audit_entries (ts, action, category, actor, success, error_message, duration_ms, details_json)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.Timestamp.UTC().Format(tsLayout),
			entry.Action,
			entry.Category,
			entry.Actor,
			boolToInt(entry.Success),
			nullableString(entry.Error),
			entry.Duration.Milliseconds(),
			details,
		)
		if err != nil {
			return fmt.Errorf("insert audit entry: %w", err)
		}
		return nil
	})
}

// Recent returns entries newer than since, newest first. A non-positive limit
// returns every matching entry.
func (s *Store) Recent(ctx context.Context, since time.Time, limit int) ([]Entry, error) {
	ctx = ensureContext(ctx)
	query := `SELECT ` + entryColumns + ` FROM audit_entries WHERE ts >= ? ORDER BY ts DESC, id DESC`
	args := []any{since.UTC().Format(tsLayout)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Prune deletes entries older than retention and returns how many were removed.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	ctx = ensureContext(ctx)
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-retention).UTC().Format(tsLayout)
	var removed int64
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_entries WHERE ts < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("prune audit entries: %w", err)
		}
		removed, err = res.RowsAffected()
		return err
	})
	return removed, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		entry      Entry
		ts         string
		success    int
		errMessage sql.NullString
		durationMS int64
		details    sql.NullString
	)
	if err := row.Scan(&entry.ID, &ts, &entry.Action, &entry.Category, &entry.Actor,
		&success, &errMessage, &durationMS, &details); err != nil {
		return Entry{}, fmt.Errorf("scan audit entry: %w", err)
	}
	parsed, err := time.Parse(tsLayout, ts)
	if err != nil {
		return Entry{}, fmt.Errorf("parse audit timestamp %q: %w", ts, err)
	}
	entry.Timestamp = parsed
	entry.Success = success != 0
	entry.Error = errMessage.String
	entry.Duration = time.Duration(durationMS) * time.Millisecond
	if details.Valid && details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &entry.Details); err != nil {
			return Entry{}, fmt.Errorf("decode audit details: %w", err)
		}
	}
	return entry, nil
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = min(delay*2, busyRetryMaxBackoff)
	}
	return lastErr
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
