package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	writer TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS settings_changes (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	key TEXT NOT NULL,
	writer TEXT NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	changed_at INTEGER NOT NULL
);
`

// changeRetention bounds the change log used to fan out storage events.
const changeRetention = 10 * time.Minute

// SQLite is a Store backed by a SQLite file shared between processes.
// Changes written by other processes are discovered through an fsnotify
// watch on the database directory plus a slow poll.
type SQLite struct {
	db     *sql.DB
	tabID  string
	logger *slog.Logger

	mu      sync.Mutex
	subs    subscribers
	lastSeq int64
	pollMu  sync.Mutex

	pollInterval time.Duration
	watchPath    string
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	now          func() time.Time
}

// SQLiteOption configures a SQLite store.
type SQLiteOption func(*SQLite)

// WithTabID fixes the instance id.
func WithTabID(id string) SQLiteOption {
	return func(s *SQLite) { s.tabID = id }
}

// WithPollInterval sets the fallback change poll interval.
func WithPollInterval(d time.Duration) SQLiteOption {
	return func(s *SQLite) { s.pollInterval = d }
}

// WithSQLiteLogger sets the logger.
func WithSQLiteLogger(l *slog.Logger) SQLiteOption {
	return func(s *SQLite) { s.logger = l }
}

// OpenSQLite opens (or creates) the settings database at path and starts
// watching it for changes made by other instances.
func OpenSQLite(ctx context.Context, path string, opts ...SQLiteOption) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("kv: sqlite path is required")
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("kv: open sqlite: %w", err)
	}
	s, err := NewSQLite(ctx, db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.watchPath = path
	if err := s.startWatching(); err != nil {
		s.logger.Warn("settings watch unavailable, falling back to polling", "error", err)
		s.startPolling()
	}
	return s, nil
}

// NewSQLite wraps an open database. It creates the schema but starts no
// background watchers; call Poll to pick up foreign changes.
func NewSQLite(ctx context.Context, db *sql.DB, opts ...SQLiteOption) (*SQLite, error) {
	s := &SQLite{
		db:           db,
		logger:       slog.Default().With("component", "kv"),
		pollInterval: 2 * time.Second,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tabID == "" {
		s.tabID = uuid.NewString()
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("kv: create schema: %w", err)
	}
	var seq sql.NullInt64
	if err := db.QueryRowContext(ctx, "SELECT MAX(seq) FROM settings_changes").Scan(&seq); err != nil {
		return nil, fmt.Errorf("kv: read change cursor: %w", err)
	}
	s.lastSeq = seq.Int64
	return s, nil
}

// TabID implements Store.
func (s *SQLite) TabID() string { return s.tabID }

// Get implements Store.
func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv: get %s: %w", key, err)
	}
	return value, true, nil
}

// Set implements Store.
func (s *SQLite) Set(ctx context.Context, key string, value []byte) error {
	return s.write(ctx, key, func(tx *sql.Tx, now int64) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO settings (key, value, writer, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, writer = excluded.writer, updated_at = excluded.updated_at`,
			key, value, s.tabID, now)
		return err
	}, false)
}

// Delete implements Store.
func (s *SQLite) Delete(ctx context.Context, key string) error {
	return s.write(ctx, key, func(tx *sql.Tx, _ int64) error {
		_, err := tx.ExecContext(ctx, "DELETE FROM settings WHERE key = ?", key)
		return err
	}, true)
}

func (s *SQLite) write(ctx context.Context, key string, op func(*sql.Tx, int64) error, deleted bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("kv: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UnixMilli()
	if err := op(tx, now); err != nil {
		return fmt.Errorf("kv: write %s: %w", key, err)
	}
	del := 0
	if deleted {
		del = 1
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO settings_changes (key, writer, deleted, changed_at) VALUES (?, ?, ?, ?)",
		key, s.tabID, del, now); err != nil {
		return fmt.Errorf("kv: record change %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM settings_changes WHERE changed_at < ?",
		now-changeRetention.Milliseconds()); err != nil {
		return fmt.Errorf("kv: prune changes: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("kv: commit %s: %w", key, err)
	}
	return nil
}

// Keys implements Store.
func (s *SQLite) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key FROM settings WHERE key LIKE ? ESCAPE '\\' ORDER BY key",
		escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("kv: keys: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("kv: scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Subscribe implements Store.
func (s *SQLite) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	id := s.subs.add(fn)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs.fns, id)
		s.mu.Unlock()
	}
}

// Poll reads changes written by other instances since the last poll and
// delivers them to subscribers. It returns the number of events delivered.
func (s *SQLite) Poll(ctx context.Context) (int, error) {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	s.mu.Lock()
	since := s.lastSeq
	s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT c.seq, c.key, c.writer, c.deleted, st.value
		FROM settings_changes c LEFT JOIN settings st ON st.key = c.key
		WHERE c.seq > ? ORDER BY c.seq`, since)
	if err != nil {
		return 0, fmt.Errorf("kv: poll: %w", err)
	}
	var events []Event
	maxSeq := since
	for rows.Next() {
		var (
			seq     int64
			key     string
			writer  string
			deleted int
			value   []byte
		)
		if err := rows.Scan(&seq, &key, &writer, &deleted, &value); err != nil {
			rows.Close()
			return 0, fmt.Errorf("kv: scan change: %w", err)
		}
		maxSeq = seq
		if writer == s.tabID {
			continue
		}
		events = append(events, Event{Key: key, Value: value, Deleted: deleted == 1, Source: writer})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	if maxSeq > s.lastSeq {
		s.lastSeq = maxSeq
	}
	fns := s.subs.snapshot()
	s.mu.Unlock()

	for _, ev := range events {
		for _, fn := range fns {
			fn(ev)
		}
	}
	return len(events), nil
}

func (s *SQLite) startWatching() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.watchPath)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	base := filepath.Base(s.watchPath)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer watcher.Close()
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasPrefix(filepath.Base(ev.Name), base) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					s.pollQuiet(ctx)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("settings watch error", "error", err)
			case <-ticker.C:
				s.pollQuiet(ctx)
			}
		}
	}()
	return nil
}

func (s *SQLite) startPolling() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.pollQuiet(ctx)
			}
		}
	}()
}

func (s *SQLite) pollQuiet(ctx context.Context) {
	if _, err := s.Poll(ctx); err != nil && ctx.Err() == nil {
		s.logger.Debug("settings poll failed", "error", err)
	}
}

// Close stops the watcher and closes the database.
func (s *SQLite) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return s.db.Close()
}
