// Package opstate provides a namespaced key-value table for small pieces
// of engine state that must survive restarts: the persisted loop
// counters, the pending handoff, the last forced action. Structured
// history (cycles, effectiveness) lives in its own schema in the
// outcome package; both share one database handle.
package opstate

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000Z"

// Store is a namespaced key-value store backed by SQLite. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates the operational_state table on db if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate opstate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS operational_state (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	)`)
	return err
}

// Entry is one stored value with its modification time.
type Entry struct {
	Value     string
	UpdatedAt time.Time
}

// Get returns the stored value for a namespace/key pair. A missing key
// returns the empty string and a nil error.
func (s *Store) Get(namespace, key string) (string, error) {
	e, ok, err := s.Lookup(namespace, key)
	if err != nil || !ok {
		return "", err
	}
	return e.Value, nil
}

// Lookup is like Get but distinguishes a missing key from an empty value
// and reports when the value was last written.
func (s *Store) Lookup(namespace, key string) (Entry, bool, error) {
	var value, updated string
	err := s.db.QueryRow(
		`SELECT value, updated_at FROM operational_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	ts, _ := time.Parse(timeLayout, updated)
	return Entry{Value: value, UpdatedAt: ts}, true, nil
}

// Set upserts a namespace/key/value triple and refreshes updated_at.
func (s *Store) Set(namespace, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO operational_state (namespace, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, s.now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// SetJSON encodes v as JSON and stores it.
func (s *Store) SetJSON(namespace, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", namespace, key, err)
	}
	return s.Set(namespace, key, string(data))
}

// GetJSON decodes the stored value into v. It reports false without
// error when the key does not exist.
func (s *Store) GetJSON(namespace, key string, v any) (bool, error) {
	e, ok, err := s.Lookup(namespace, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(e.Value), v); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", namespace, key, err)
	}
	return true, nil
}

// Delete removes a namespace/key entry. Deleting a missing key is not
// an error.
func (s *Store) Delete(namespace, key string) error {
	_, err := s.db.Exec(
		`DELETE FROM operational_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// List returns all key/value pairs for a namespace. Returns an empty
// (non-nil) map if the namespace has no entries.
func (s *Store) List(namespace string) (map[string]string, error) {
	rows, err := s.db.Query(
		`SELECT key, value FROM operational_state WHERE namespace = ? ORDER BY key`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", namespace, err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan %s: %w", namespace, err)
		}
		result[k] = v
	}
	return result, rows.Err()
}
