package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "embed"

	"github.com/misskey-bot/misskey-deepseek-bot/internal/errs"
	"github.com/misskey-bot/misskey-deepseek-bot/internal/models"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755

	timestampLayout = "2006-01-02 15:04:05.000"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// ErrStoreClosed is returned by every call made after Close
var ErrStoreClosed = errors.New("store closed")

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA cache_size=10000",
}

type table struct {
	name     string
	idColumn string
	extra    string
}

var tables = map[models.EventKind]table{
	models.KindMention:       {name: "processed_mentions", idColumn: "note_id", extra: "username"},
	models.KindDirectMessage: {name: "processed_messages", idColumn: "message_id", extra: "chat_type"},
}

// SQLiteStore is the durable dedup store. Every operation holds mu, so the
// store behaves as a single writer regardless of how many goroutines call it.
type SQLiteStore struct {
	path   string
	mu     sync.Mutex
	db     *sql.DB
	closed bool
	now    func() time.Time

	location *time.Location
}

// Ensure SQLiteStore implements DedupStore
var _ DedupStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates a store for the database file at path. Call
// Initialize before use.
func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{
		path:     path,
		now:      time.Now,
		location: time.UTC,
	}
}

// SetLocation sets the zone whose midnight starts "today" in Statistics
func (s *SQLiteStore) SetLocation(loc *time.Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if loc != nil {
		s.location = loc
	}
}

// Initialize opens the database and applies the schema. Calling it on an
// already initialized store is a no-op.
func (s *SQLiteStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errs.E(errs.Storage, "initialize", ErrStoreClosed)
	}
	if s.db != nil {
		return nil
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return errs.E(errs.Storage, "initialize", fmt.Errorf("failed to create database directory: %w", err))
	}

	db, err := sql.Open("sqlite3", s.path)
	if err != nil {
		return errs.E(errs.Storage, "initialize", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return errs.E(errs.Storage, "initialize", err)
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return errs.E(errs.Storage, "initialize", fmt.Errorf("%s: %w", pragma, err))
		}
	}

	if _, err := db.ExecContext(ctx, sqliteMigrations); err != nil {
		db.Close()
		return errs.E(errs.Storage, "initialize", fmt.Errorf("failed to run migrations: %w", err))
	}

	s.db = db
	logrus.Infof("Dedup store initialized at %s", s.path)
	return nil
}

// conn returns the open database; callers must hold mu
func (s *SQLiteStore) conn(op string) (*sql.DB, error) {
	if s.closed {
		return nil, errs.E(errs.Storage, op, ErrStoreClosed)
	}
	if s.db == nil {
		return nil, errs.E(errs.Storage, op, errors.New("store not initialized"))
	}
	return s.db, nil
}

func tableFor(kind models.EventKind) (table, error) {
	t, ok := tables[kind]
	if !ok {
		return table{}, errs.E(errs.Validation, "table", fmt.Errorf("unknown event kind %d", kind))
	}
	return t, nil
}

// IsProcessed reports whether eventID has a durable record
func (s *SQLiteStore) IsProcessed(ctx context.Context, kind models.EventKind, eventID string) (bool, error) {
	t, err := tableFor(kind)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.conn("is_processed")
	if err != nil {
		return false, err
	}

	var exists int
	query := fmt.Sprintf("SELECT 1 FROM %s WHERE %s = ? LIMIT 1", t.name, t.idColumn)
	err = db.QueryRowContext(ctx, query, eventID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errs.E(errs.Storage, "is_processed", err)
	}
	return true, nil
}

// MarkProcessed records eventID. Marking an existing id is a no-op.
func (s *SQLiteStore) MarkProcessed(ctx context.Context, kind models.EventKind, eventID, authorID, extra string) error {
	return s.markProcessedAt(ctx, kind, eventID, authorID, extra, s.now())
}

func (s *SQLiteStore) markProcessedAt(ctx context.Context, kind models.EventKind, eventID, authorID, extra string, at time.Time) error {
	t, err := tableFor(kind)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.conn("mark_processed")
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errs.E(errs.Storage, "mark_processed", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf("INSERT OR IGNORE INTO %s (%s, processed_at, user_id, %s) VALUES (?, ?, ?, ?)",
		t.name, t.idColumn, t.extra)
	if _, err := tx.ExecContext(ctx, query, eventID, formatTimestamp(at), authorID, extra); err != nil {
		logrus.WithFields(logrus.Fields{"event_id": eventID, "kind": kind.String()}).
			Errorf("Failed to mark event processed: %v", err)
		return errs.E(errs.Storage, "mark_processed", err)
	}
	if err := tx.Commit(); err != nil {
		return errs.E(errs.Storage, "mark_processed", err)
	}
	return nil
}

// RecentRecords returns up to limit records of kind, newest first
func (s *SQLiteStore) RecentRecords(ctx context.Context, kind models.EventKind, limit int) ([]models.ProcessedRecord, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.conn("recent_records")
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(
		"SELECT %s, COALESCE(user_id, ''), COALESCE(%s, ''), processed_at FROM %s ORDER BY processed_at DESC, id DESC LIMIT ?",
		t.idColumn, t.extra, t.name)
	rows, err := db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, errs.E(errs.Storage, "recent_records", err)
	}
	defer rows.Close()

	var records []models.ProcessedRecord
	for rows.Next() {
		r := models.ProcessedRecord{Kind: kind}
		var processedAt time.Time
		if err := rows.Scan(&r.EventID, &r.AuthorID, &r.Extra, &processedAt); err != nil {
			return nil, errs.E(errs.Storage, "recent_records", err)
		}
		r.ProcessedAt = processedAt
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.E(errs.Storage, "recent_records", err)
	}
	return records, nil
}

// CleanupOlderThan deletes records older than days from both tables and
// returns the number removed
func (s *SQLiteStore) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.conn("cleanup")
	if err != nil {
		return 0, err
	}

	cutoff := formatTimestamp(s.now().AddDate(0, 0, -days))

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.E(errs.Storage, "cleanup", err)
	}
	defer tx.Rollback()

	var total int64
	for _, kind := range []models.EventKind{models.KindMention, models.KindDirectMessage} {
		t := tables[kind]
		res, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE processed_at < ?", t.name), cutoff)
		if err != nil {
			return 0, errs.E(errs.Storage, "cleanup", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, errs.E(errs.Storage, "cleanup", err)
	}

	if total > 0 {
		logrus.Infof("Removed %d processed records older than %d days", total, days)
	}
	return total, nil
}

// Compact reclaims free pages. It blocks every other store call while it runs.
func (s *SQLiteStore) Compact(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.conn("compact")
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
		return errs.E(errs.Storage, "compact", err)
	}
	logrus.Info("Dedup store compacted")
	return nil
}

// Snapshot writes a consistent copy of the database to dest
func (s *SQLiteStore) Snapshot(ctx context.Context, dest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.conn("snapshot")
	if err != nil {
		return err
	}
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return errs.E(errs.Storage, "snapshot", err)
	}
	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return errs.E(errs.Storage, "snapshot", err)
	}
	return nil
}

// Statistics returns record counts and the database file size
func (s *SQLiteStore) Statistics(ctx context.Context) (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.conn("statistics")
	if err != nil {
		return nil, err
	}

	now := s.now().In(s.location)
	startOfDay := formatTimestamp(time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.location))

	stats := &Stats{}
	counts := []struct {
		query string
		args  []any
		dest  *int
	}{
		{"SELECT COUNT(*) FROM processed_mentions", nil, &stats.MentionsTotal},
		{"SELECT COUNT(*) FROM processed_mentions WHERE processed_at >= ?", []any{startOfDay}, &stats.MentionsToday},
		{"SELECT COUNT(*) FROM processed_messages", nil, &stats.MessagesTotal},
		{"SELECT COUNT(*) FROM processed_messages WHERE processed_at >= ?", []any{startOfDay}, &stats.MessagesToday},
	}
	for _, c := range counts {
		if err := db.QueryRowContext(ctx, c.query, c.args...).Scan(c.dest); err != nil {
			return nil, errs.E(errs.Storage, "statistics", err)
		}
	}

	if info, err := os.Stat(s.path); err == nil {
		stats.SizeBytes = info.Size()
	}
	return stats, nil
}

// Exec runs a statement against the store. Plugins use it for their own tables.
func (s *SQLiteStore) Exec(ctx context.Context, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.conn("exec")
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return errs.E(errs.Storage, "exec", err)
	}
	return nil
}

// QueryInt runs a query returning a single integer. ok is false when no row matched.
func (s *SQLiteStore) QueryInt(ctx context.Context, query string, args ...any) (value int64, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.conn("query_int")
	if err != nil {
		return 0, false, err
	}
	err = db.QueryRowContext(ctx, query, args...).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errs.E(errs.Storage, "query_int", err)
	}
	return value, true, nil
}

// Close releases the database. Later calls fail with ErrStoreClosed.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Path returns the database file location
func (s *SQLiteStore) Path() string { return s.path }

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}
