// Package store implements the durable-store repositories of spec.md §6.3:
// decisions and coin_config. trade_reflections lives in internal/reflection
// since its lifecycle (RecordOpen/RecordClose/AutoUpdateOrphans) is owned
// entirely by the Reflection Store component.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/rs/zerolog"
)

// DecisionRepository persists decisions(...) rows.
type DecisionRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewDecisionRepository creates a decision repository over db.
func NewDecisionRepository(db *sql.DB, log zerolog.Logger) *DecisionRepository {
	return &DecisionRepository{db: db, log: log.With().Str("repository", "decisions").Logger()}
}

// Insert writes a decision row. No uniqueness constraint beyond the primary key.
func (r *DecisionRepository) Insert(rec domain.DecisionRecord) error {
	_, err := r.db.Exec(`
		INSERT INTO decisions (id, title, desc, ts, status, prompt, reply)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Title, rec.Description, rec.Timestamp.UnixMilli(), string(rec.Status), rec.Prompt, rec.Reply)
	if err != nil {
		return fmt.Errorf("failed to insert decision %s: %w", rec.ID, err)
	}
	return nil
}

// UpdateStatus transitions a decision to a new status (approved/rejected).
func (r *DecisionRepository) UpdateStatus(id string, status domain.DecisionStatus) error {
	_, err := r.db.Exec(`UPDATE decisions SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update decision %s status: %w", id, err)
	}
	return nil
}

// GetByID retrieves a single decision row, or nil if absent.
func (r *DecisionRepository) GetByID(id string) (*domain.DecisionRecord, error) {
	var rec domain.DecisionRecord
	var tsMillis int64
	var status string
	err := r.db.QueryRow(`SELECT id, title, desc, ts, status, prompt, reply FROM decisions WHERE id = ?`, id).
		Scan(&rec.ID, &rec.Title, &rec.Description, &tsMillis, &status, &rec.Prompt, &rec.Reply)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get decision %s: %w", id, err)
	}
	rec.Timestamp = time.UnixMilli(tsMillis)
	rec.Status = domain.DecisionStatus(status)
	return &rec, nil
}

// Recent returns the most recent decisions, newest first, bounded by limit.
func (r *DecisionRepository) Recent(limit int) ([]domain.DecisionRecord, error) {
	rows, err := r.db.Query(`SELECT id, title, desc, ts, status, prompt, reply FROM decisions ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	defer rows.Close()

	var out []domain.DecisionRecord
	for rows.Next() {
		var rec domain.DecisionRecord
		var tsMillis int64
		var status string
		if err := rows.Scan(&rec.ID, &rec.Title, &rec.Description, &tsMillis, &status, &rec.Prompt, &rec.Reply); err != nil {
			return nil, fmt.Errorf("failed to scan decision row: %w", err)
		}
		rec.Timestamp = time.UnixMilli(tsMillis)
		rec.Status = domain.DecisionStatus(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}
