package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PutJSON upserts a JSON-encoded value under key.
func (s *Store) PutJSON(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value for key %s: %w", key, err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO kv_state (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, string(data))
	return err
}

// GetJSON loads and decodes the value stored under key into dest. Returns
// ErrNotFound if the key does not exist.
func (s *Store) GetJSON(ctx context.Context, key string, dest any) error {
	var raw string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM kv_state WHERE key = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), dest)
}

// Delete removes a key; a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM kv_state WHERE key = ?`, key)
	return err
}

// ListKeysWithPrefix returns every kv_state key starting with prefix, used
// by callers that need to enumerate a record family (e.g. all entitlements)
// rather than look one up by exact key.
func (s *Store) ListKeysWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT key FROM kv_state WHERE key LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// escapeLike escapes LIKE metacharacters so prefix is matched literally.
func escapeLike(s string) string {
	r := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\', '%', '_':
			r = append(r, '\\')
		}
		r = append(r, s[i])
	}
	return string(r)
}

// ErrNotFound is returned by GetJSON when the key is absent.
var ErrNotFound = fmt.Errorf("store: key not found")
