package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/proxyme/proxyme/internal/agent"
	"github.com/proxyme/proxyme/internal/apperr"
	"github.com/proxyme/proxyme/internal/audit"
)

// Identity is the result of a successful token validation.
type Identity struct {
	TokenID     string   `json:"token_id"`
	AgentID     string   `json:"agent_id"`
	PrincipalID string   `json:"user_id,omitempty"`
	Scope       []string `json:"scopes"`
	IsDelegate  bool     `json:"is_delegate,omitempty"`
}

// Engine answers whether a token is currently usable and performs
// idempotent revocation, including agent-level cascades.
type Engine struct {
	tokens   *Store
	agents   *agent.Store
	recorder *audit.Recorder
}

// NewEngine creates an Engine.
func NewEngine(tokens *Store, agents *agent.Store, recorder *audit.Recorder) *Engine {
	return &Engine{tokens: tokens, agents: agents, recorder: recorder}
}

// Validate resolves a presented bearer string to the identity and scope it
// carries. Failures are apperr.ErrNotFound, ErrExpired or ErrRevoked; a
// token that is both expired and revoked reports whichever is detected
// first (both are terminal). A valid delegated token has its usage count
// incremented as a side effect.
func (e *Engine) Validate(ctx context.Context, tokenString, origin string) (*Identity, error) {
	hash := HashToken(tokenString)

	if t, err := e.tokens.GetAuthTokenByHash(ctx, hash); err == nil {
		return e.validateAuthToken(ctx, t, origin)
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	if t, err := e.tokens.GetDelegatedTokenByHash(ctx, hash); err == nil {
		return e.validateDelegatedToken(ctx, t, origin)
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	e.recordValidation(ctx, audit.StatusFailure, "", "", "", origin, "unknown token")
	return nil, fmt.Errorf("token: %w", apperr.ErrNotFound)
}

func (e *Engine) validateAuthToken(ctx context.Context, t *AuthToken, origin string) (*Identity, error) {
	if t.IsRevoked {
		e.recordValidation(ctx, audit.StatusFailure, t.ID, t.AgentID, "", origin, "token revoked")
		return nil, fmt.Errorf("auth token %s: %w", t.ID, apperr.ErrRevoked)
	}
	if time.Now().After(t.ExpiresAt) {
		e.recordValidation(ctx, audit.StatusFailure, t.ID, t.AgentID, "", origin, "token expired")
		return nil, fmt.Errorf("auth token %s: %w", t.ID, apperr.ErrExpired)
	}

	e.recordValidation(ctx, audit.StatusSuccess, t.ID, t.AgentID, "", origin, "")
	if err := e.agents.Touch(ctx, t.AgentID, time.Now().UTC()); err != nil {
		return &Identity{TokenID: t.ID, AgentID: t.AgentID, Scope: t.Scope, IsDelegate: t.IsDelegate},
			&apperr.PartialError{Op: "token validation", Err: err}
	}
	return &Identity{TokenID: t.ID, AgentID: t.AgentID, Scope: t.Scope, IsDelegate: t.IsDelegate}, nil
}

func (e *Engine) validateDelegatedToken(ctx context.Context, t *DelegatedToken, origin string) (*Identity, error) {
	if t.IsRevoked {
		e.recordValidation(ctx, audit.StatusFailure, t.ID, t.AgentID, t.PrincipalID, origin, "token revoked")
		return nil, fmt.Errorf("delegated token %s: %w", t.ID, apperr.ErrRevoked)
	}
	if time.Now().After(t.ExpiresAt) {
		e.recordValidation(ctx, audit.StatusFailure, t.ID, t.AgentID, t.PrincipalID, origin, "token expired")
		return nil, fmt.Errorf("delegated token %s: %w", t.ID, apperr.ErrExpired)
	}

	e.recordValidation(ctx, audit.StatusSuccess, t.ID, t.AgentID, t.PrincipalID, origin, "")

	id := &Identity{TokenID: t.ID, AgentID: t.AgentID, PrincipalID: t.PrincipalID, Scope: t.Scope, IsDelegate: true}
	var bookkeepingErr error
	if err := e.tokens.IncrementUsage(ctx, t.ID); err != nil {
		bookkeepingErr = err
	}
	if err := e.tokens.AppendTrail(ctx, t.ID, "token_validated", "", "success", ""); err != nil {
		bookkeepingErr = errors.Join(bookkeepingErr, err)
	}
	if bookkeepingErr != nil {
		return id, &apperr.PartialError{Op: "token validation", Err: bookkeepingErr}
	}
	return id, nil
}

// Revoke marks the token with the given id revoked. Idempotent: revoking
// an already-revoked token succeeds, keeps the original reason and reports
// the repeat in the audit entry.
func (e *Engine) Revoke(ctx context.Context, tokenID, reason, origin string) (alreadyRevoked bool, err error) {
	var agentID, principalID string

	alreadyRevoked, err = e.tokens.RevokeAuthToken(ctx, tokenID, reason)
	switch {
	case err == nil:
		t, getErr := e.tokens.GetAuthToken(ctx, tokenID)
		if getErr == nil {
			agentID = t.AgentID
		}
	case errors.Is(err, apperr.ErrNotFound):
		alreadyRevoked, err = e.tokens.RevokeDelegatedToken(ctx, tokenID, reason)
		if err != nil {
			return false, err
		}
		if t, getErr := e.tokens.GetDelegatedToken(ctx, tokenID); getErr == nil {
			agentID, principalID = t.AgentID, t.PrincipalID
		}
		if !alreadyRevoked {
			if trailErr := e.tokens.AppendTrail(ctx, tokenID, "token_revoked", "", "success", reason); trailErr != nil {
				err = &apperr.PartialError{Op: "token revocation", Err: trailErr}
			}
		}
	default:
		return false, err
	}

	e.recorder.Record(ctx, audit.Entry{
		EventType: audit.EventTokenRevocation,
		Action:    "revoke_delegation",
		Status:    audit.StatusSuccess,
		UserID:    principalID,
		AgentID:   agentID,
		TokenID:   tokenID,
		IPAddress: origin,
		Details:   map[string]any{"reason": reason, "already_revoked": alreadyRevoked},
	})
	return alreadyRevoked, err
}

// RevokeByString revokes the token identified by a presented bearer
// string, for callers that never learned the token id.
func (e *Engine) RevokeByString(ctx context.Context, tokenString, reason, origin string) (tokenID string, alreadyRevoked bool, err error) {
	hash := HashToken(tokenString)

	if t, err := e.tokens.GetAuthTokenByHash(ctx, hash); err == nil {
		already, err := e.Revoke(ctx, t.ID, reason, origin)
		return t.ID, already, err
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return "", false, err
	}

	if t, err := e.tokens.GetDelegatedTokenByHash(ctx, hash); err == nil {
		already, err := e.Revoke(ctx, t.ID, reason, origin)
		return t.ID, already, err
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return "", false, err
	}

	return "", false, fmt.Errorf("token: %w", apperr.ErrNotFound)
}

// CascadeRevokeAgent revokes every live token whose subject is the given
// agent. Part of the engine's contract: agent deletion and suspension flow
// through here, not the entity store.
func (e *Engine) CascadeRevokeAgent(ctx context.Context, agentID, reason string) (int, error) {
	revoked := 0

	authTokens, err := e.tokens.LiveAuthTokensByAgent(ctx, agentID)
	if err != nil {
		return 0, err
	}
	for _, t := range authTokens {
		already, err := e.tokens.RevokeAuthToken(ctx, t.ID, reason)
		if err != nil {
			return revoked, err
		}
		if !already {
			revoked++
		}
	}

	delegated, err := e.tokens.LiveDelegatedTokensByAgent(ctx, agentID)
	if err != nil {
		return revoked, err
	}
	for _, t := range delegated {
		already, err := e.tokens.RevokeDelegatedToken(ctx, t.ID, reason)
		if err != nil {
			return revoked, err
		}
		if !already {
			revoked++
			if err := e.tokens.AppendTrail(ctx, t.ID, "token_revoked", "", "success", reason); err != nil {
				return revoked, &apperr.PartialError{Op: "cascade revocation", Err: err}
			}
		}
	}

	e.recorder.Record(ctx, audit.Entry{
		EventType: audit.EventTokenRevocation,
		Action:    "cascade_revoke_agent",
		Status:    audit.StatusSuccess,
		AgentID:   agentID,
		Details:   map[string]any{"reason": reason, "tokens_revoked": revoked},
	})
	return revoked, nil
}

// Store exposes the token store for read-side route handlers.
func (e *Engine) Store() *Store { return e.tokens }

func (e *Engine) recordValidation(ctx context.Context, status audit.Status, tokenID, agentID, principalID, origin, errMsg string) {
	details := map[string]any{}
	if errMsg != "" {
		details["error"] = errMsg
	}
	eventType := audit.EventTokenValidation
	if errMsg == "token revoked" {
		eventType = audit.EventSecurity
	}
	e.recorder.Record(ctx, audit.Entry{
		EventType: eventType,
		Action:    "validate_delegation",
		Status:    status,
		UserID:    principalID,
		AgentID:   agentID,
		TokenID:   tokenID,
		IPAddress: origin,
		Details:   details,
	})
}
