package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// GetConfigValue retrieves a persisted configuration value.
func (s *Store) GetConfigValue(ctx context.Context, key string) (string, error) {
	var value string
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`SELECT value FROM config WHERE key = ?`), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("config key not found: %s", key)
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// GetConfigInt retrieves a persisted configuration value as an integer,
// falling back when the key is missing or malformed.
func (s *Store) GetConfigInt(ctx context.Context, key string, fallback int) int {
	value, err := s.GetConfigValue(ctx, key)
	if err != nil {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

// GetConfigFloat retrieves a persisted configuration value as a float,
// falling back when the key is missing or malformed.
func (s *Store) GetConfigFloat(ctx context.Context, key string, fallback float64) float64 {
	value, err := s.GetConfigValue(ctx, key)
	if err != nil {
		return fallback
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return f
}

// SetConfigValue creates or replaces a configuration value.
func (s *Store) SetConfigValue(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO config (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`), key, value)
	return err
}

// ListConfig returns all persisted configuration entries sorted by key.
func (s *Store) ListConfig(ctx context.Context) ([]*ConfigEntry, error) {
	entries := []*ConfigEntry{}
	err := s.ro.SelectContext(ctx, &entries, `SELECT key, value, updated_at FROM config ORDER BY key`)
	if err != nil {
		return nil, err
	}
	return entries, nil
}
