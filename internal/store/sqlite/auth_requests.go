package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"atmarket/internal/atproto/oauth"
)

var _ oauth.AuthRequestStore = (*Store)(nil)

// SaveAuthRequest persists a pending authorization request keyed by state.
func (s *Store) SaveAuthRequest(ctx context.Context, req *oauth.AuthRequest) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_requests
		   (id, state, did, handle, pds_url, auth_server_iss,
		    authorization_endpoint, token_endpoint, pkce_verifier, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.State, req.DID, req.Handle, req.PDSURL, req.AuthServerIss,
		req.AuthorizationEndpoint, req.TokenEndpoint, req.PKCEVerifier, req.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save auth request: %w", err)
	}
	return nil
}

// GetAuthRequestByState looks up a pending authorization request.
func (s *Store) GetAuthRequestByState(ctx context.Context, state string) (*oauth.AuthRequest, error) {
	req := &oauth.AuthRequest{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, state, did, handle, pds_url, auth_server_iss,
		        authorization_endpoint, token_endpoint, pkce_verifier, created_at
		 FROM auth_requests WHERE state = ?`, state).Scan(
		&req.ID, &req.State, &req.DID, &req.Handle, &req.PDSURL, &req.AuthServerIss,
		&req.AuthorizationEndpoint, &req.TokenEndpoint, &req.PKCEVerifier, &req.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, oauth.ErrAuthRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load auth request: %w", err)
	}
	return req, nil
}

// DeleteAuthRequest removes a pending authorization request once consumed.
func (s *Store) DeleteAuthRequest(ctx context.Context, state string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM auth_requests WHERE state = ?`, state)
	if err != nil {
		return fmt.Errorf("failed to delete auth request: %w", err)
	}
	return nil
}
