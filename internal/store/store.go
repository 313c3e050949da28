// Package store provides the durable key-value port backing local device
// state: the pairing record, the device identity and the serialized offline
// queue. The SQLite implementation is the production store; tests may inject
// the in-memory one.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"salonpad/companion-sync/internal/model"

	_ "modernc.org/sqlite"
)

// Persisted state keys. Each is independently readable so a process restart
// can resume without data loss.
const (
	KeyPairingRecord = "pairing_record"
	KeyDeviceID      = "device_id"
	KeyOfflineQueue  = "offline_queue"
)

// KV is a generic durable key-value store with get/set/remove by key.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// SQLite wraps the SQLite database connection and schema lifecycle.
type SQLite struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &SQLite{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures baseline tables exist.
func (s *SQLite) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS device_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// Get returns the stored value for key, reporting whether it exists.
func (s *SQLite) Get(ctx context.Context, key string) (string, bool, error) {
	if s.db == nil {
		return "", false, fmt.Errorf("store not initialized")
	}

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM device_state WHERE key = ?;`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// Set stores or updates a key/value pair.
func (s *SQLite) Set(ctx context.Context, key, value string) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO device_state (key, value, updated_at) VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`,
		key,
		value,
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Remove deletes a key. Removing an absent key is not an error.
func (s *SQLite) Remove(ctx context.Context, key string) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM device_state WHERE key = ?;`, key); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// LoadPairingRecord reads the locally persisted pairing record, if any.
func LoadPairingRecord(ctx context.Context, kv KV) (model.PairingRecord, bool, error) {
	raw, ok, err := kv.Get(ctx, KeyPairingRecord)
	if err != nil || !ok {
		return model.PairingRecord{}, false, err
	}

	var rec model.PairingRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return model.PairingRecord{}, false, fmt.Errorf("decode pairing record: %w", err)
	}
	return rec, true, nil
}

// SavePairingRecord persists the pairing record.
func SavePairingRecord(ctx context.Context, kv KV, rec model.PairingRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode pairing record: %w", err)
	}
	return kv.Set(ctx, KeyPairingRecord, string(raw))
}

// LoadQueue reads the serialized offline queue, if any.
func LoadQueue(ctx context.Context, kv KV) ([]model.QueuedMessage, error) {
	raw, ok, err := kv.Get(ctx, KeyOfflineQueue)
	if err != nil || !ok {
		return nil, err
	}

	var messages []model.QueuedMessage
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		return nil, fmt.Errorf("decode offline queue: %w", err)
	}
	return messages, nil
}

// SaveQueue persists the offline queue snapshot.
func SaveQueue(ctx context.Context, kv KV, messages []model.QueuedMessage) error {
	raw, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encode offline queue: %w", err)
	}
	return kv.Set(ctx, KeyOfflineQueue, string(raw))
}
