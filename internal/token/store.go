package token

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/proxyme/proxyme/internal/apperr"
	"github.com/proxyme/proxyme/internal/db"
)

// Store provides persistence for auth tokens, delegated tokens and the
// delegated-token audit trail. Tokens are never deleted, only marked
// revoked, so the issuance history stays auditable.
type Store struct {
	db *db.DB
}

// NewStore creates a token Store backed by the given database.
func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// InsertAuthToken persists a freshly minted auth token. A hash collision
// surfaces as ErrConflict and is never retried.
func (s *Store) InsertAuthToken(ctx context.Context, t *AuthToken) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Scope == nil {
		t.Scope = []string{}
	}
	scopeJSON, err := json.Marshal(t.Scope)
	if err != nil {
		return fmt.Errorf("marshalling scope: %w", err)
	}

	var delegatedBy sql.NullString
	if t.DelegatedBy != "" {
		delegatedBy = sql.NullString{String: t.DelegatedBy, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO auth_tokens (id, token_hash, agent_id, issued_at, expires_at, scope,
		                         is_delegate, delegated_by, request_origin, is_revoked, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 1)`,
		t.ID, t.TokenHash, t.AgentID, t.IssuedAt, t.ExpiresAt, string(scopeJSON),
		boolToInt(t.IsDelegate), delegatedBy, t.RequestOrigin)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("token id collision: %w", apperr.ErrConflict)
		}
		return fmt.Errorf("inserting auth token: %w", db.Storage(err))
	}
	return nil
}

// GetAuthToken retrieves an auth token by id.
func (s *Store) GetAuthToken(ctx context.Context, id string) (*AuthToken, error) {
	return s.getAuthToken(ctx, "id = ?", id)
}

// GetAuthTokenByHash retrieves an auth token by the hash of its secret.
func (s *Store) GetAuthTokenByHash(ctx context.Context, hash string) (*AuthToken, error) {
	return s.getAuthToken(ctx, "token_hash = ?", hash)
}

func (s *Store) getAuthToken(ctx context.Context, where string, arg any) (*AuthToken, error) {
	var t *AuthToken
	err := db.Retry(ctx, func() error {
		row := s.db.QueryRowContext(ctx, `
			SELECT id, token_hash, agent_id, issued_at, expires_at, scope, is_delegate,
			       delegated_by, request_origin, is_revoked, revoked_at, revocation_reason, version
			FROM auth_tokens WHERE `+where, arg)
		got, err := scanAuthToken(row)
		if err != nil {
			return err
		}
		t = got
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("auth token: %w", apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting auth token: %w", err)
	}
	return t, nil
}

// LiveAuthTokensByAgent returns the agent's unrevoked auth tokens.
func (s *Store) LiveAuthTokensByAgent(ctx context.Context, agentID string) ([]AuthToken, error) {
	var tokens []AuthToken
	err := db.Retry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, token_hash, agent_id, issued_at, expires_at, scope, is_delegate,
			       delegated_by, request_origin, is_revoked, revoked_at, revocation_reason, version
			FROM auth_tokens WHERE agent_id = ? AND is_revoked = 0`, agentID)
		if err != nil {
			return fmt.Errorf("listing auth tokens: %w", err)
		}
		defer rows.Close()

		tokens = tokens[:0]
		for rows.Next() {
			t, err := scanAuthToken(rows)
			if err != nil {
				return err
			}
			tokens = append(tokens, *t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

// RevokeAuthToken marks an auth token revoked. Idempotent: a second call
// reports alreadyRevoked and leaves the original reason untouched.
func (s *Store) RevokeAuthToken(ctx context.Context, id, reason string) (alreadyRevoked bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE auth_tokens
		SET is_revoked = 1, revoked_at = ?, revocation_reason = ?, version = version + 1
		WHERE id = ? AND is_revoked = 0`,
		time.Now().UTC(), reason, id)
	if err != nil {
		return false, fmt.Errorf("revoking auth token: %w", db.Storage(err))
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return false, nil
	}

	// Nothing updated: either already revoked or unknown.
	if _, err := s.GetAuthToken(ctx, id); err != nil {
		return false, err
	}
	return true, nil
}

// InsertDelegatedToken persists a freshly minted delegated token.
func (s *Store) InsertDelegatedToken(ctx context.Context, t *DelegatedToken) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Scope == nil {
		t.Scope = []string{}
	}
	scopeJSON, err := json.Marshal(t.Scope)
	if err != nil {
		return fmt.Errorf("marshalling scope: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO delegated_tokens (id, token_hash, principal_id, agent_id, scope, purpose,
		                              issued_at, expires_at, target_service_id, is_revoked, usage_count, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 1)`,
		t.ID, t.TokenHash, t.PrincipalID, t.AgentID, string(scopeJSON), t.Purpose,
		t.IssuedAt, t.ExpiresAt, t.TargetServiceID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("token id collision: %w", apperr.ErrConflict)
		}
		return fmt.Errorf("inserting delegated token: %w", db.Storage(err))
	}
	return nil
}

// GetDelegatedToken retrieves a delegated token by id.
func (s *Store) GetDelegatedToken(ctx context.Context, id string) (*DelegatedToken, error) {
	return s.getDelegatedToken(ctx, "id = ?", id)
}

// GetDelegatedTokenByHash retrieves a delegated token by secret hash.
func (s *Store) GetDelegatedTokenByHash(ctx context.Context, hash string) (*DelegatedToken, error) {
	return s.getDelegatedToken(ctx, "token_hash = ?", hash)
}

func (s *Store) getDelegatedToken(ctx context.Context, where string, arg any) (*DelegatedToken, error) {
	var t *DelegatedToken
	err := db.Retry(ctx, func() error {
		row := s.db.QueryRowContext(ctx, `
			SELECT id, token_hash, principal_id, agent_id, scope, purpose, issued_at, expires_at,
			       target_service_id, is_revoked, revoked_at, revocation_reason, usage_count, version
			FROM delegated_tokens WHERE `+where, arg)
		got, err := scanDelegatedToken(row)
		if err != nil {
			return err
		}
		t = got
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("delegated token: %w", apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting delegated token: %w", err)
	}
	return t, nil
}

// LiveDelegatedTokensByAgent returns the agent's unrevoked delegated tokens.
func (s *Store) LiveDelegatedTokensByAgent(ctx context.Context, agentID string) ([]DelegatedToken, error) {
	var tokens []DelegatedToken
	err := db.Retry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, token_hash, principal_id, agent_id, scope, purpose, issued_at, expires_at,
			       target_service_id, is_revoked, revoked_at, revocation_reason, usage_count, version
			FROM delegated_tokens WHERE agent_id = ? AND is_revoked = 0`, agentID)
		if err != nil {
			return fmt.Errorf("listing delegated tokens: %w", err)
		}
		defer rows.Close()

		tokens = tokens[:0]
		for rows.Next() {
			t, err := scanDelegatedToken(rows)
			if err != nil {
				return err
			}
			tokens = append(tokens, *t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

// ListDelegatedTokensByPrincipal returns all delegated tokens granted by a
// principal, newest first.
func (s *Store) ListDelegatedTokensByPrincipal(ctx context.Context, principalID string) ([]DelegatedToken, error) {
	var tokens []DelegatedToken
	err := db.Retry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, token_hash, principal_id, agent_id, scope, purpose, issued_at, expires_at,
			       target_service_id, is_revoked, revoked_at, revocation_reason, usage_count, version
			FROM delegated_tokens WHERE principal_id = ? ORDER BY issued_at DESC`, principalID)
		if err != nil {
			return fmt.Errorf("listing delegated tokens: %w", err)
		}
		defer rows.Close()

		tokens = tokens[:0]
		for rows.Next() {
			t, err := scanDelegatedToken(rows)
			if err != nil {
				return err
			}
			tokens = append(tokens, *t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

// RevokeDelegatedToken marks a delegated token revoked, idempotently.
func (s *Store) RevokeDelegatedToken(ctx context.Context, id, reason string) (alreadyRevoked bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delegated_tokens
		SET is_revoked = 1, revoked_at = ?, revocation_reason = ?, version = version + 1
		WHERE id = ? AND is_revoked = 0`,
		time.Now().UTC(), reason, id)
	if err != nil {
		return false, fmt.Errorf("revoking delegated token: %w", db.Storage(err))
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return false, nil
	}

	if _, err := s.GetDelegatedToken(ctx, id); err != nil {
		return false, err
	}
	return true, nil
}

// IncrementUsage bumps a delegated token's usage counter.
func (s *Store) IncrementUsage(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE delegated_tokens SET usage_count = usage_count + 1, version = version + 1
		WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("incrementing usage count: %w", db.Storage(err))
	}
	return nil
}

// AppendTrail appends one entry to a delegated token's audit trail. Same
// ledger discipline as the agent access log: sequence assigned in the
// insert, rows never rewritten.
func (s *Store) AppendTrail(ctx context.Context, tokenID, action, resource, result, details string) error {
	for attempt := 0; attempt < 3; attempt++ {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO token_audit_trail (token_id, seq, timestamp, action, resource, result, details)
			SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ?
			FROM token_audit_trail WHERE token_id = ?`,
			tokenID, time.Now().UTC(), action, resource, result, details, tokenID)
		if err == nil {
			return nil
		}
		if attempt == 2 {
			return fmt.Errorf("appending token trail: %w", db.Storage(err))
		}
	}
	return nil
}

// Trail returns a delegated token's audit trail in append order.
func (s *Store) Trail(ctx context.Context, tokenID string) ([]TrailEntry, error) {
	var entries []TrailEntry
	err := db.Retry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT seq, timestamp, action, resource, result, details
			FROM token_audit_trail WHERE token_id = ? ORDER BY seq`, tokenID)
		if err != nil {
			return fmt.Errorf("querying token trail: %w", err)
		}
		defer rows.Close()

		entries = entries[:0]
		for rows.Next() {
			var e TrailEntry
			if err := rows.Scan(&e.Seq, &e.Timestamp, &e.Action, &e.Resource, &e.Result, &e.Details); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func scanAuthToken(sc interface{ Scan(...any) error }) (*AuthToken, error) {
	var (
		t           AuthToken
		scopeJSON   string
		isDelegate  int
		isRevoked   int
		delegatedBy sql.NullString
		revokedAt   sql.NullTime
	)
	err := sc.Scan(&t.ID, &t.TokenHash, &t.AgentID, &t.IssuedAt, &t.ExpiresAt, &scopeJSON,
		&isDelegate, &delegatedBy, &t.RequestOrigin, &isRevoked, &revokedAt, &t.RevocationReason, &t.Version)
	if err != nil {
		return nil, err
	}
	t.IsDelegate = isDelegate != 0
	t.IsRevoked = isRevoked != 0
	t.DelegatedBy = delegatedBy.String
	if revokedAt.Valid {
		at := revokedAt.Time
		t.RevokedAt = &at
	}
	if err := json.Unmarshal([]byte(scopeJSON), &t.Scope); err != nil {
		return nil, fmt.Errorf("unmarshalling scope: %w", err)
	}
	return &t, nil
}

func scanDelegatedToken(sc interface{ Scan(...any) error }) (*DelegatedToken, error) {
	var (
		t         DelegatedToken
		scopeJSON string
		isRevoked int
		revokedAt sql.NullTime
	)
	err := sc.Scan(&t.ID, &t.TokenHash, &t.PrincipalID, &t.AgentID, &scopeJSON, &t.Purpose,
		&t.IssuedAt, &t.ExpiresAt, &t.TargetServiceID, &isRevoked, &revokedAt, &t.RevocationReason,
		&t.UsageCount, &t.Version)
	if err != nil {
		return nil, err
	}
	t.IsRevoked = isRevoked != 0
	if revokedAt.Valid {
		at := revokedAt.Time
		t.RevokedAt = &at
	}
	if err := json.Unmarshal([]byte(scopeJSON), &t.Scope); err != nil {
		return nil, fmt.Errorf("unmarshalling scope: %w", err)
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
