// Package postgres backs the participant registry with PostgreSQL, for
// deployments where several aggregator instances share one registry.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"atmarket/internal/core/listings"
)

// ParticipantRegistry is a shared, append-only registry of observed DIDs.
type ParticipantRegistry struct {
	db *sql.DB
}

var _ listings.ParticipantRegistry = (*ParticipantRegistry)(nil)

func NewParticipantRegistry(db *sql.DB) *ParticipantRegistry {
	return &ParticipantRegistry{db: db}
}

// EnsureSchema creates the registry table if it does not exist yet.
func (r *ParticipantRegistry) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS participants (
			did      TEXT PRIMARY KEY,
			added_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("failed to create participants table: %w", err)
	}
	return nil
}

func (r *ParticipantRegistry) Add(ctx context.Context, did string) error {
	if did == "" {
		return fmt.Errorf("did is required")
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO participants (did) VALUES ($1) ON CONFLICT (did) DO NOTHING`, did)
	if err != nil {
		return fmt.Errorf("failed to add participant: %w", err)
	}
	return nil
}

func (r *ParticipantRegistry) List(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT did FROM participants ORDER BY added_at, did`)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	defer rows.Close()

	var dids []string
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		dids = append(dids, did)
	}
	return dids, rows.Err()
}
