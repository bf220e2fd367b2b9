// Package settings stores runtime configuration overrides as key/value
// rows in the core database.
package settings

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianhq/advisor/internal/database"
	"github.com/meridianhq/advisor/internal/domain"
)

// Repository owns SQL against the settings table.
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepository creates a settings repository.
func NewRepository(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{db: db, log: log.With().Str("repo", "settings").Logger()}
}

// Get returns the value for a key, or nil when unset.
func (r *Repository) Get(key string) (*string, error) {
	var value string
	err := r.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get setting %s: %v", domain.ErrStore, key, err)
	}
	return &value, nil
}

// GetInt returns an integer setting, or def when unset or unparseable.
func (r *Repository) GetInt(key string, def int) int {
	value, err := r.Get(key)
	if err != nil || value == nil {
		return def
	}
	if n, err := strconv.Atoi(*value); err == nil {
		return n
	}
	return def
}

// Set writes a key, last write wins.
func (r *Repository) Set(key, value string) error {
	_, err := r.db.Exec(
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("%w: failed to set setting %s: %v", domain.ErrStore, key, err)
	}
	return nil
}

// Delete removes a key.
func (r *Repository) Delete(key string) error {
	if _, err := r.db.Exec(`DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("%w: failed to delete setting %s: %v", domain.ErrStore, key, err)
	}
	return nil
}

// All returns every setting.
func (r *Repository) All() (map[string]string, error) {
	rows, err := r.db.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list settings: %v", domain.ErrStore, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrStore, err)
		}
		out[k] = v
	}
	return out, rows.Err()
}
