package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store on a local SQLite database, giving a
// single-node deployment durable shared state across restarts. SQLite
// serializes writers internally, which satisfies the single-key
// atomicity the pipeline assumes.
//
// Change notification is in-process only: watchers see Puts made
// through this instance, not writes from other processes sharing the
// file. That matches how the fan-out gateway uses Watch (it runs in
// the same process as its store handle).
type SQLiteStore struct {
	db       *sql.DB
	watchers *watcherSet
}

// NewSQLiteStore opens (and if needed creates) the database at path.
// Use ":memory:" for an ephemeral store in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}

	const schema = `CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value BLOB NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create kv table: %w", err)
	}

	return &SQLiteStore{db: db, watchers: newWatcherSet()}, nil
}

// Get retrieves a value by key
func (s *SQLiteStore) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get %q: %w", key, err)
	}
	return value, nil
}

// Put stores a value, overwriting any existing value for the key
func (s *SQLiteStore) Put(key string, value []byte) error {
	const upsert = `INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := s.db.Exec(upsert, key, value); err != nil {
		return fmt.Errorf("sqlite put %q: %w", key, err)
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	s.watchers.notify(Change{Key: key, Value: stored})
	return nil
}

// Delete removes a key-value pair (idempotent)
func (s *SQLiteStore) Delete(key string) error {
	if _, err := s.db.Exec("DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("sqlite delete %q: %w", key, err)
	}
	return nil
}

// Scan returns all pairs under prefix
func (s *SQLiteStore) Scan(prefix string) (map[string][]byte, error) {
	rows, err := s.db.Query(
		"SELECT key, value FROM kv WHERE key LIKE ? ESCAPE '\\'",
		likePattern(prefix),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite scan %q: %w", prefix, err)
	}
	defer rows.Close()

	result := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("sqlite scan %q: %w", prefix, err)
		}
		result[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite scan %q: %w", prefix, err)
	}
	return result, nil
}

// Watch subscribes to Puts made through this store instance
func (s *SQLiteStore) Watch(buffer int) (<-chan Change, func()) {
	return s.watchers.add(buffer)
}

// Stats returns storage statistics
func (s *SQLiteStore) Stats() StoreStats {
	var stats StoreStats
	// Best effort; a failed query reports zeros.
	row := s.db.QueryRow("SELECT COUNT(*), COALESCE(SUM(LENGTH(value)), 0) FROM kv")
	_ = row.Scan(&stats.Keys, &stats.Bytes)
	return stats
}

// Close closes the database and drops all watchers
func (s *SQLiteStore) Close() error {
	s.watchers.closeAll()
	return s.db.Close()
}

// likePattern escapes prefix for use in a LIKE clause so that literal
// '%' and '_' in keys don't act as wildcards.
func likePattern(prefix string) string {
	escaped := make([]byte, 0, len(prefix)+2)
	for i := 0; i < len(prefix); i++ {
		switch prefix[i] {
		case '%', '_', '\\':
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, prefix[i])
	}
	return string(append(escaped, '%'))
}
