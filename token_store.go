package roomsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// StateStoreConfig configures the durable sync state store.
type StateStoreConfig struct {
	// Path to the SQLite database file.
	Path string

	// BusyTimeout is the timeout for acquiring locks in milliseconds.
	BusyTimeout int

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE).
	JournalMode string
}

// DefaultStateStoreConfig returns default configuration.
func DefaultStateStoreConfig() StateStoreConfig {
	return StateStoreConfig{
		Path:        "roomsync.db",
		BusyTimeout: 5000,
		JournalMode: "WAL",
	}
}

// StateStore persists the sync core's durable state: one opaque change
// token per scope and per (scope, zone), plus retry queue item metadata.
// Tokens advance only on a fully successful fetch cycle; an invalid
// cursor clears the token, never the data.
type StateStore struct {
	db     *sql.DB
	config StateStoreConfig
	mu     sync.RWMutex
	closed bool

	getToken *sql.Stmt
	setToken *sql.Stmt
	delToken *sql.Stmt
}

// NewStateStore opens (creating if needed) the state store at the
// configured path.
func NewStateStore(config StateStoreConfig) (*StateStore, error) {
	if config.Path == "" {
		config.Path = "roomsync.db"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d",
		config.Path, config.JournalMode, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	store := &StateStore{
		db:     db,
		config: config,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	return store, nil
}

func (s *StateStore) initSchema() error {
	schema := `
		-- Change tokens: zone='' holds the scope-level token.
		CREATE TABLE IF NOT EXISTS change_tokens (
			scope TEXT NOT NULL,
			zone TEXT NOT NULL DEFAULT '',
			token TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (scope, zone)
		);

		-- Offline retry queue item metadata.
		CREATE TABLE IF NOT EXISTS retry_items (
			id TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			payload BLOB NOT NULL,
			enqueued_at INTEGER NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_retry_at INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_retry_items_order ON retry_items(enqueued_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *StateStore) prepareStatements() error {
	var err error

	s.getToken, err = s.db.Prepare(`SELECT token FROM change_tokens WHERE scope = ? AND zone = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare token select: %w", err)
	}

	s.setToken, err = s.db.Prepare(`
		INSERT OR REPLACE INTO change_tokens (scope, zone, token, updated_at)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare token upsert: %w", err)
	}

	s.delToken, err = s.db.Prepare(`DELETE FROM change_tokens WHERE scope = ? AND zone = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare token delete: %w", err)
	}

	return nil
}

// Token returns the stored cursor for a scope (zone="") or zone.
// Returns "" when no token has been stored, signalling a full rescan.
func (s *StateStore) Token(ctx context.Context, scope Scope, zone string) (string, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return "", ErrClosed
	}
	s.mu.RUnlock()

	var token string
	err := s.getToken.QueryRowContext(ctx, string(scope), zone).Scan(&token)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	return token, nil
}

// SetToken stores the cursor for a scope (zone="") or zone.
func (s *StateStore) SetToken(ctx context.Context, scope Scope, zone, token string) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()

	_, err := s.setToken.ExecContext(ctx, string(scope), zone, token, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

// ClearToken removes the cursor for a scope (zone="") or zone. The next
// fetch cycle for that scope/zone performs a full rescan.
func (s *StateStore) ClearToken(ctx context.Context, scope Scope, zone string) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()

	_, err := s.delToken.ExecContext(ctx, string(scope), zone)
	if err != nil {
		return fmt.Errorf("failed to clear token: %w", err)
	}
	return nil
}

// ClearZoneTokens removes all zone-level cursors for a scope, keeping
// the scope token. Used when the remote reports the zones deleted.
func (s *StateStore) ClearZoneTokens(ctx context.Context, scope Scope, zones []string) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()

	for _, zone := range zones {
		if zone == "" {
			continue
		}
		if _, err := s.delToken.ExecContext(ctx, string(scope), zone); err != nil {
			return fmt.Errorf("failed to clear zone token: %w", err)
		}
	}
	return nil
}

// SaveQueuedWrite persists (insert or update) a retry queue item.
func (s *StateStore) SaveQueuedWrite(ctx context.Context, w *QueuedWrite) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()

	payload, err := json.Marshal(w.Record)
	if err != nil {
		return fmt.Errorf("failed to marshal queued write: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO retry_items (id, scope, payload, enqueued_at, retry_count, last_retry_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, w.ID, string(w.Record.ID.Scope), payload, w.EnqueuedAt.UnixNano(), w.RetryCount, w.LastRetryAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to persist queued write: %w", err)
	}
	return nil
}

// DeleteQueuedWrite removes a persisted retry queue item.
func (s *StateStore) DeleteQueuedWrite(ctx context.Context, id string) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM retry_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete queued write: %w", err)
	}
	return nil
}

// LoadQueuedWrites returns all persisted retry items in enqueue order.
func (s *StateStore) LoadQueuedWrites(ctx context.Context) ([]*QueuedWrite, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payload, enqueued_at, retry_count, last_retry_at
		FROM retry_items ORDER BY enqueued_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load queued writes: %w", err)
	}
	defer rows.Close()

	var writes []*QueuedWrite
	for rows.Next() {
		var (
			id          string
			payload     []byte
			enqueuedAt  int64
			retryCount  int
			lastRetryAt int64
		)
		if err := rows.Scan(&id, &payload, &enqueuedAt, &retryCount, &lastRetryAt); err != nil {
			return nil, fmt.Errorf("failed to scan queued write: %w", err)
		}

		var rec Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal queued write %s: %w", id, err)
		}

		w := &QueuedWrite{
			ID:         id,
			Record:     &rec,
			EnqueuedAt: time.Unix(0, enqueuedAt),
			RetryCount: retryCount,
		}
		if lastRetryAt > 0 {
			w.LastRetryAt = time.Unix(0, lastRetryAt)
		}
		writes = append(writes, w)
	}
	return writes, rows.Err()
}

// Close releases the underlying database.
func (s *StateStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.getToken != nil {
		s.getToken.Close()
	}
	if s.setToken != nil {
		s.setToken.Close()
	}
	if s.delToken != nil {
		s.delToken.Close()
	}

	return s.db.Close()
}
