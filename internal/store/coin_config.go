package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const enabledCoinsKey = "enabled_coins"

// CoinConfigRepository manages coin_config(key, value, updated_at), a
// key-value table in the same shape the teacher's settings.Repository uses
// for application settings (internal/modules/settings/repository.go): one
// row per key, upserted with ON CONFLICT, value stored as a string.
type CoinConfigRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewCoinConfigRepository creates a coin_config repository over db.
func NewCoinConfigRepository(db *sql.DB, log zerolog.Logger) *CoinConfigRepository {
	return &CoinConfigRepository{db: db, log: log.With().Str("repository", "coin_config").Logger()}
}

// Get returns the raw string value for key, or nil if absent.
func (r *CoinConfigRepository) Get(key string) (*string, error) {
	var value string
	err := r.db.QueryRow(`SELECT value FROM coin_config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get coin_config %s: %w", key, err)
	}
	return &value, nil
}

// Set upserts key=value.
func (r *CoinConfigRepository) Set(key, value string) error {
	_, err := r.db.Exec(`
		INSERT INTO coin_config (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to set coin_config %s: %w", key, err)
	}
	return nil
}

// EnabledSymbols returns the JSON array stored under "enabled_coins".
// Returns an empty slice, not an error, if the key has never been set.
func (r *CoinConfigRepository) EnabledSymbols() ([]string, error) {
	value, err := r.Get(enabledCoinsKey)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, nil
	}
	var symbols []string
	if err := json.Unmarshal([]byte(*value), &symbols); err != nil {
		return nil, fmt.Errorf("failed to parse enabled_coins: %w", err)
	}
	return symbols, nil
}

// SetEnabledSymbols overwrites the enabled-symbol list.
func (r *CoinConfigRepository) SetEnabledSymbols(symbols []string) error {
	data, err := json.Marshal(symbols)
	if err != nil {
		return fmt.Errorf("failed to encode enabled_coins: %w", err)
	}
	return r.Set(enabledCoinsKey, string(data))
}
