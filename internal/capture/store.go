package capture

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const (
	// DefaultDedupWindow is how long an accepted fingerprint suppresses repeats.
	DefaultDedupWindow = 60 * time.Second
	// DefaultPruneAfter is how long fingerprints are retained before pruning.
	DefaultPruneAfter = 5 * time.Minute

	unknownSender = "Unknown"
)

var (
	// ErrEmptyText is returned when a capture carries no text after trimming.
	ErrEmptyText = errors.New("capture: text is empty")

	errMissingPath = errors.New("capture: store path is required")
)

// Capture is a raw notification observed on the device.
type Capture struct {
	SourceApp  string
	Sender     string
	Text       string
	CapturedAt time.Time
}

// Message is a capture admitted to the local queue.
type Message struct {
	ID         string
	SourceApp  string
	Sender     string
	Text       string
	CapturedAt time.Time
	AcceptedAt time.Time
	Synced     bool
}

type fingerprint struct {
	sourceApp string
	sender    string
	text      string
}

// StoreConfig describes the dependencies of the capture store.
type StoreConfig struct {
	Path        string
	Clock       func() time.Time
	IDProvider  IDProvider
	Logger      *zap.Logger
	DedupWindow time.Duration
	PruneAfter  time.Duration
}

// Store is the device-side durable queue of captured notifications.
type Store struct {
	db          *sql.DB
	path        string
	clock       func() time.Time
	ids         IDProvider
	logger      *zap.Logger
	dedupWindow time.Duration
	pruneAfter  time.Duration

	mu           sync.Mutex
	fingerprints map[fingerprint]time.Time
}

// Open creates or opens the capture database and seeds the duplicate filter
// from recently accepted rows.
func Open(ctx context.Context, cfg StoreConfig) (*Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errMissingPath
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("capture: ensure directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("capture: open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("capture: apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{
		db:           db,
		path:         path,
		clock:        cfg.Clock,
		ids:          cfg.IDProvider,
		logger:       cfg.Logger,
		dedupWindow:  cfg.DedupWindow,
		pruneAfter:   cfg.PruneAfter,
		fingerprints: make(map[fingerprint]time.Time),
	}
	if store.clock == nil {
		store.clock = time.Now
	}
	if store.ids == nil {
		store.ids = NewUUIDProvider()
	}
	if store.logger == nil {
		store.logger = zap.NewNop()
	}
	if store.dedupWindow <= 0 {
		store.dedupWindow = DefaultDedupWindow
	}
	if store.pruneAfter <= 0 {
		store.pruneAfter = DefaultPruneAfter
	}
	if store.pruneAfter < store.dedupWindow {
		store.pruneAfter = store.dedupWindow
	}

	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.seedFingerprints(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file backing the store.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS captured_messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			source_app TEXT NOT NULL,
			sender TEXT NOT NULL,
			text TEXT NOT NULL,
			captured_at_ms INTEGER NOT NULL,
			accepted_at_ms INTEGER NOT NULL,
			synced INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_captured_messages_synced ON captured_messages(synced, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_captured_messages_accepted ON captured_messages(accepted_at_ms)`,
		`CREATE TABLE IF NOT EXISTS device_settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at_ms INTEGER NOT NULL
		)`,
	}
	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("capture: init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) seedFingerprints(ctx context.Context) error {
	cutoff := s.clock().Add(-s.pruneAfter).UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_app, sender, text, MAX(accepted_at_ms) FROM captured_messages
		 WHERE accepted_at_ms >= ? GROUP BY source_app, sender, text`, cutoff)
	if err != nil {
		return fmt.Errorf("capture: seed fingerprints: %w", err)
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var key fingerprint
		var acceptedAt int64
		if err := rows.Scan(&key.sourceApp, &key.sender, &key.text, &acceptedAt); err != nil {
			return fmt.Errorf("capture: scan fingerprint: %w", err)
		}
		s.fingerprints[key] = time.UnixMilli(acceptedAt)
	}
	return rows.Err()
}

// Add admits a capture unless its text is empty or an identical capture was
// accepted within the dedup window. It reports whether the capture was stored.
func (s *Store) Add(ctx context.Context, capture Capture) (bool, error) {
	text := strings.TrimSpace(capture.Text)
	if text == "" {
		return false, ErrEmptyText
	}
	sender := strings.TrimSpace(capture.Sender)
	if sender == "" {
		sender = unknownSender
	}
	key := fingerprint{
		sourceApp: strings.TrimSpace(capture.SourceApp),
		sender:    sender,
		text:      text,
	}

	now := s.clock()
	capturedAt := capture.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = now
	}

	s.mu.Lock()
	s.pruneLocked(now)
	if last, ok := s.fingerprints[key]; ok && now.Sub(last) < s.dedupWindow {
		s.mu.Unlock()
		s.logger.Debug("duplicate capture suppressed",
			zap.String("source_app", key.sourceApp),
			zap.Duration("since_last", now.Sub(last)))
		return false, nil
	}
	previous, hadPrevious := s.fingerprints[key]
	s.fingerprints[key] = now
	s.mu.Unlock()

	id, err := s.ids.NewID()
	if err == nil {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO captured_messages (id, source_app, sender, text, captured_at_ms, accepted_at_ms, synced)
			 VALUES (?, ?, ?, ?, ?, ?, 0)`,
			id, key.sourceApp, key.sender, key.text, capturedAt.UnixMilli(), now.UnixMilli())
	}
	if err != nil {
		s.mu.Lock()
		if current, ok := s.fingerprints[key]; ok && current.Equal(now) {
			if hadPrevious {
				s.fingerprints[key] = previous
			} else {
				delete(s.fingerprints, key)
			}
		}
		s.mu.Unlock()
		return false, fmt.Errorf("capture: insert message: %w", err)
	}
	return true, nil
}

func (s *Store) pruneLocked(now time.Time) {
	for key, acceptedAt := range s.fingerprints {
		if now.Sub(acceptedAt) > s.pruneAfter {
			delete(s.fingerprints, key)
		}
	}
}

// Unsynced returns queued messages in insertion order.
func (s *Store) Unsynced(ctx context.Context) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_app, sender, text, captured_at_ms, accepted_at_ms, synced
		 FROM captured_messages WHERE synced = 0 ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("capture: query unsynced: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var message Message
		var capturedAt, acceptedAt int64
		var synced int
		if err := rows.Scan(&message.ID, &message.SourceApp, &message.Sender, &message.Text, &capturedAt, &acceptedAt, &synced); err != nil {
			return nil, fmt.Errorf("capture: scan message: %w", err)
		}
		message.CapturedAt = time.UnixMilli(capturedAt)
		message.AcceptedAt = time.UnixMilli(acceptedAt)
		message.Synced = synced != 0
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("capture: iterate unsynced: %w", err)
	}
	return messages, nil
}

// MarkSynced flags the given messages as delivered to the server.
func (s *Store) MarkSynced(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("capture: begin mark synced: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `UPDATE captured_messages SET synced = 1 WHERE id = ?`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("capture: prepare mark synced: %w", err)
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("capture: mark synced %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("capture: commit mark synced: %w", err)
	}
	return nil
}

// PurgeSynced deletes delivered messages and returns how many were removed.
func (s *Store) PurgeSynced(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM captured_messages WHERE synced = 1`)
	if err != nil {
		return 0, fmt.Errorf("capture: purge synced: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("capture: purge synced rows: %w", err)
	}
	return removed, nil
}

// Pending returns the number of messages awaiting upload.
func (s *Store) Pending(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM captured_messages WHERE synced = 0`).Scan(&count); err != nil {
		return 0, fmt.Errorf("capture: count pending: %w", err)
	}
	return count, nil
}
