// Package instruments implements the Instrument Registry (spec.md §4.1): a
// cache of exchange contract metadata (contractValue, minSize, lotSize) per
// instrument, refreshed hourly, persisted across restarts as a msgpack blob
// in the internal/database cache table. Grounded on internal/work/cache.go's
// key/value/expires_at cache table pattern, swapping its JSON encoding for
// msgpack to exercise the teacher's otherwise-unwired
// vmihailenco/msgpack/v5 dependency (see SPEC_FULL.md §3).
package instruments

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/cryptosentinel/internal/clock"
	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	refreshInterval = time.Hour
	cacheKey        = "instruments:swap"
)

// ErrInstrumentUnavailable is returned by Get when the exchange call fails
// and no cached entry exists for the requested instrument.
var ErrInstrumentUnavailable = errors.New("instrument unavailable")

// Exchange is the subset of the exchange client the registry depends on.
type Exchange interface {
	GetInstruments() ([]domain.Instrument, error)
}

// Registry caches instrument metadata keyed by exchange instrument ID.
type Registry struct {
	mu          sync.RWMutex
	byInstID    map[string]domain.Instrument
	lastRefresh time.Time

	exchange Exchange
	db       *sql.DB
	clock    clock.Clock
	log      zerolog.Logger
}

// New creates a Registry and attempts to warm it from the persisted cache.
func New(exchange Exchange, db *sql.DB, clk clock.Clock, log zerolog.Logger) *Registry {
	r := &Registry{
		byInstID: make(map[string]domain.Instrument),
		exchange: exchange,
		db:       db,
		clock:    clk,
		log:      log.With().Str("component", "instrument-registry").Logger(),
	}
	if err := r.loadFromCache(); err != nil {
		r.log.Debug().Err(err).Msg("no warm instrument cache available")
	}
	return r
}

// Get returns cached metadata for instID, refreshing the full table first
// on a miss or when the cache is older than refreshInterval. Returns
// ErrInstrumentUnavailable when the exchange call fails and the instrument
// has no prior cached entry.
func (r *Registry) Get(instID string) (domain.Instrument, error) {
	r.mu.RLock()
	inst, ok := r.byInstID[instID]
	stale := r.clock.Now().Sub(r.lastRefresh) > refreshInterval
	r.mu.RUnlock()

	if ok && !stale {
		return inst, nil
	}

	if err := r.refresh(); err != nil {
		if ok {
			r.log.Warn().Err(err).Str("inst_id", instID).Msg("refresh failed, serving stale cached instrument")
			return inst, nil
		}
		return domain.Instrument{}, fmt.Errorf("%w: %s: %v", ErrInstrumentUnavailable, instID, err)
	}

	r.mu.RLock()
	inst, ok = r.byInstID[instID]
	r.mu.RUnlock()
	if !ok {
		return domain.Instrument{}, fmt.Errorf("%w: %s", ErrInstrumentUnavailable, instID)
	}
	return inst, nil
}

// refresh re-fetches the full SWAP instrument table and repopulates the
// cache, persisting a msgpack snapshot for warm restarts.
func (r *Registry) refresh() error {
	list, err := r.exchange.GetInstruments()
	if err != nil {
		return fmt.Errorf("fetch instruments: %w", err)
	}

	byID := make(map[string]domain.Instrument, len(list))
	for _, inst := range list {
		byID[inst.InstID] = inst
	}

	r.mu.Lock()
	r.byInstID = byID
	r.lastRefresh = r.clock.Now()
	r.mu.Unlock()

	if err := r.saveToCache(list); err != nil {
		r.log.Warn().Err(err).Msg("failed to persist instrument cache")
	}
	return nil
}

func (r *Registry) saveToCache(list []domain.Instrument) error {
	data, err := msgpack.Marshal(list)
	if err != nil {
		return fmt.Errorf("encode instrument cache: %w", err)
	}
	expiresAt := r.clock.Now().Add(7 * 24 * time.Hour).Unix()
	_, err = r.db.Exec(`
		INSERT INTO cache (key, value, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at
	`, cacheKey, data, expiresAt)
	if err != nil {
		return fmt.Errorf("persist instrument cache: %w", err)
	}
	return nil
}

func (r *Registry) loadFromCache() error {
	var data []byte
	err := r.db.QueryRow(`SELECT value FROM cache WHERE key = ?`, cacheKey).Scan(&data)
	if err != nil {
		return err
	}

	var list []domain.Instrument
	if err := msgpack.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("decode instrument cache: %w", err)
	}

	byID := make(map[string]domain.Instrument, len(list))
	for _, inst := range list {
		byID[inst.InstID] = inst
	}

	r.mu.Lock()
	r.byInstID = byID
	// lastRefresh stays zero so the first Get() still forces a live refresh;
	// the warm cache only avoids an empty registry while that refresh runs.
	r.mu.Unlock()
	return nil
}

// Snapshot returns a defensive copy of every cached instrument.
func (r *Registry) Snapshot() map[string]domain.Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]domain.Instrument, len(r.byInstID))
	for k, v := range r.byInstID {
		out[k] = v
	}
	return out
}
