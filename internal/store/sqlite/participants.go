package sqlite

import (
	"context"
	"fmt"

	"atmarket/internal/core/listings"
)

var _ listings.ParticipantRegistry = (*Store)(nil)

// Add records a DID as a known network participant. Adding an existing DID
// is a no-op.
func (s *Store) Add(ctx context.Context, did string) error {
	if did == "" {
		return fmt.Errorf("did is required")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO participants (did) VALUES (?) ON CONFLICT (did) DO NOTHING`, did)
	if err != nil {
		return fmt.Errorf("failed to add participant: %w", err)
	}
	return nil
}

// List returns all known participant DIDs in insertion order.
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
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
