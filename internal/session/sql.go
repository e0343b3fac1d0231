package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go-sparchat/internal/db"
)

var sessionSchema = []string{
	`CREATE TABLE IF NOT EXISTS session_slots (
            namespace VARCHAR(64) NOT NULL,
            slot VARCHAR(64) NOT NULL,
            value TEXT NOT NULL,
            updated_at TIMESTAMP NOT NULL,
            PRIMARY KEY (namespace, slot)
        )`,
}

// SQLStorage keeps session slots in a SQL table (sqlite for a local profile,
// postgres when shared).
type SQLStorage struct {
	db        *db.Database
	namespace string
}

// NewSQLStorage creates the slot table if needed.
func NewSQLStorage(ctx context.Context, database *db.Database, namespace string) (*SQLStorage, error) {
	if namespace == "" {
		namespace = "default"
	}
	if err := database.Migrate(ctx, sessionSchema); err != nil {
		return nil, err
	}
	return &SQLStorage{db: database, namespace: namespace}, nil
}

func (s *SQLStorage) Get(ctx context.Context, key string) (string, error) {
	var val string
	query := s.db.Rebind("SELECT value FROM session_slots WHERE namespace = ? AND slot = ?")
	err := s.db.Conn.QueryRowContext(ctx, query, s.namespace, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read slot %s: %w", key, err)
	}
	return val, nil
}

// SetMany upserts every slot in one transaction.
func (s *SQLStorage) SetMany(ctx context.Context, values map[string]string) error {
	tx, err := s.db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	query := s.db.Rebind(`INSERT INTO session_slots (namespace, slot, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (namespace, slot) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)
	now := time.Now().UTC()
	for k, v := range values {
		if _, err := tx.ExecContext(ctx, query, s.namespace, k, v, now); err != nil {
			return fmt.Errorf("write slot %s: %w", k, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStorage) Delete(ctx context.Context, keys ...string) error {
	tx, err := s.db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	query := s.db.Rebind("DELETE FROM session_slots WHERE namespace = ? AND slot = ?")
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, query, s.namespace, k); err != nil {
			return fmt.Errorf("delete slot %s: %w", k, err)
		}
	}
	return tx.Commit()
}
