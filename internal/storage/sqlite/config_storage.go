package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aviary/internal/interfaces"
	"github.com/ternarybob/aviary/internal/models"
)

// ConfigStorage implements SQLite persistence for system configuration rows
type ConfigStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewConfigStorage creates a new config storage instance
func NewConfigStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.ConfigStorage {
	return &ConfigStorage{db: db, logger: logger}
}

// Get returns the value for a key. An environment variable with the same
// uppercased key wins over the persisted row; values are never logged.
func (s *ConfigStorage) Get(ctx context.Context, key string) (string, error) {
	if env := os.Getenv(strings.ToUpper(key)); env != "" {
		return env, nil
	}

	var value string
	err := s.db.db.QueryRowContext(ctx,
		`SELECT value FROM system_config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("config key %q not found", key)
	}
	if err != nil {
		return "", models.Tag(models.ErrKindStorage, err)
	}
	return value, nil
}

// Set upserts a configuration row
func (s *ConfigStorage) Set(ctx context.Context, key, value, description string) error {
	query := `
		INSERT INTO system_config (key, value, description, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			description = excluded.description,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.db.ExecContext(ctx, query, key, value, description, time.Now().Unix()); err != nil {
		return models.Tag(models.ErrKindStorage, fmt.Errorf("failed to set config key %q: %w", key, err))
	}
	return nil
}

// List returns all persisted configuration rows
func (s *ConfigStorage) List(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.db.QueryContext(ctx, `SELECT key, value FROM system_config ORDER BY key`)
	if err != nil {
		return nil, models.Tag(models.ErrKindStorage, err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, models.Tag(models.ErrKindStorage, err)
		}
		values[key] = value
	}
	return values, rows.Err()
}
