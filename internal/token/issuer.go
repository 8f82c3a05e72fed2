package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/proxyme/proxyme/internal/agent"
	"github.com/proxyme/proxyme/internal/apperr"
	"github.com/proxyme/proxyme/internal/audit"
	"github.com/proxyme/proxyme/internal/integration"
	"github.com/proxyme/proxyme/internal/scope"
)

// Issuer mints bearer tokens. Scope containment is checked against the
// subject agent's permissions (auth tokens) or the target service's
// advertised scopes (delegated tokens) before anything is persisted.
type Issuer struct {
	tokens   *Store
	agents   *agent.Store
	services *integration.Store
	recorder *audit.Recorder
}

// NewIssuer creates an Issuer.
func NewIssuer(tokens *Store, agents *agent.Store, services *integration.Store, recorder *audit.Recorder) *Issuer {
	return &Issuer{tokens: tokens, agents: agents, services: services, recorder: recorder}
}

// IssueAuthParams describes an agent bearer-token issuance.
type IssueAuthParams struct {
	AgentID     string
	Scope       []string
	TTL         time.Duration
	DelegatedBy string   // delegating agent id when this token is a delegate grant
	Bound       []string // bounding scope set; defaults to the subject agent's permissions
	Origin      string
}

// IssueAuthToken mints an AuthToken for an agent. The raw secret is
// returned alongside the record and never stored. A bookkeeping failure
// after the token row is durable returns the token together with a
// *apperr.PartialError: the issuance itself has succeeded.
func (i *Issuer) IssueAuthToken(ctx context.Context, p IssueAuthParams) (*AuthToken, string, error) {
	if p.TTL <= 0 {
		return nil, "", fmt.Errorf("ttl must be positive: %w", apperr.ErrValidation)
	}
	if len(p.Scope) == 0 {
		return nil, "", fmt.Errorf("scope is required: %w", apperr.ErrValidation)
	}

	subject, err := i.agents.Get(ctx, p.AgentID)
	if err != nil {
		return nil, "", err
	}
	if err := i.checkAgentUsable(ctx, subject, "issue"); err != nil {
		return nil, "", err
	}

	bound := p.Bound
	if bound == nil {
		bound = subject.Permissions
	}
	if err := scope.Validate(p.Scope, bound); err != nil {
		i.recordScopeRejection(ctx, p.AgentID, "", p.Scope, bound, p.Origin, err)
		return nil, "", err
	}

	raw, err := NewTokenString(PrefixAuth)
	if err != nil {
		return nil, "", err
	}

	now := time.Now().UTC()
	t := &AuthToken{
		TokenHash:     HashToken(raw),
		AgentID:       p.AgentID,
		IssuedAt:      now,
		ExpiresAt:     now.Add(p.TTL),
		Scope:         p.Scope,
		IsDelegate:    p.DelegatedBy != "",
		DelegatedBy:   p.DelegatedBy,
		RequestOrigin: p.Origin,
	}
	if err := i.tokens.InsertAuthToken(ctx, t); err != nil {
		return nil, "", err
	}

	// The token row is the authoritative success condition; everything
	// past this point is bookkeeping.
	i.recorder.Record(ctx, audit.Entry{
		EventType: audit.EventTokenIssued,
		Action:    "issue_token",
		Status:    audit.StatusSuccess,
		AgentID:   p.AgentID,
		TokenID:   t.ID,
		IPAddress: p.Origin,
		Details:   map[string]any{"scope": p.Scope, "is_delegate": t.IsDelegate},
	})
	if err := i.agentBookkeeping(ctx, p.AgentID, "token_issued", "token/"+t.ID); err != nil {
		return t, raw, &apperr.PartialError{Op: "token issuance", Err: err}
	}
	return t, raw, nil
}

// IssueDelegatedParams describes a principal→agent→service grant.
type IssueDelegatedParams struct {
	PrincipalID     string
	AgentID         string
	TargetServiceID string // optional; bounds scope by the service's advertised scopes
	Scope           []string
	Purpose         string
	TTL             time.Duration
	Origin          string
}

// IssueDelegatedToken mints a DelegatedToken. When a target service is
// named, the requested scopes must be contained in the service's
// advertised scopes; a service advertising no scopes grants general access
// and only then may the requested set be empty. Without a target service
// (the plain /delegate path) the bound is the agent's own permissions.
func (i *Issuer) IssueDelegatedToken(ctx context.Context, p IssueDelegatedParams) (*DelegatedToken, string, error) {
	if p.TTL <= 0 {
		return nil, "", fmt.Errorf("ttl must be positive: %w", apperr.ErrValidation)
	}
	if p.PrincipalID == "" {
		return nil, "", fmt.Errorf("principal id is required: %w", apperr.ErrValidation)
	}

	subject, err := i.agents.Get(ctx, p.AgentID)
	if err != nil {
		return nil, "", err
	}
	if err := i.checkAgentUsable(ctx, subject, "delegate"); err != nil {
		return nil, "", err
	}

	var (
		bound       []string
		serviceName string
	)
	if p.TargetServiceID != "" {
		if p.Purpose == "" {
			return nil, "", fmt.Errorf("purpose is required: %w", apperr.ErrValidation)
		}
		svc, err := i.services.Get(ctx, p.TargetServiceID)
		if err != nil {
			return nil, "", err
		}
		if !svc.Active {
			return nil, "", fmt.Errorf("service %s is inactive: %w", svc.ID, apperr.ErrValidation)
		}
		bound = svc.ScopeIDs()
		serviceName = svc.Name

		if len(bound) == 0 {
			// Service advertises no scopes: general access only.
			if len(p.Scope) > 0 {
				err := &scope.ExceededError{Exceeded: p.Scope}
				i.recordScopeRejection(ctx, p.AgentID, p.PrincipalID, p.Scope, bound, p.Origin, err)
				return nil, "", err
			}
		} else if err := scope.Validate(p.Scope, bound); err != nil {
			i.recordScopeRejection(ctx, p.AgentID, p.PrincipalID, p.Scope, bound, p.Origin, err)
			return nil, "", err
		}
	} else {
		bound = subject.Permissions
		if err := scope.Validate(p.Scope, bound); err != nil {
			i.recordScopeRejection(ctx, p.AgentID, p.PrincipalID, p.Scope, bound, p.Origin, err)
			return nil, "", err
		}
	}

	raw, err := NewTokenString(PrefixDelegated)
	if err != nil {
		return nil, "", err
	}

	now := time.Now().UTC()
	t := &DelegatedToken{
		TokenHash:       HashToken(raw),
		PrincipalID:     p.PrincipalID,
		AgentID:         p.AgentID,
		Scope:           p.Scope,
		Purpose:         p.Purpose,
		IssuedAt:        now,
		ExpiresAt:       now.Add(p.TTL),
		TargetServiceID: p.TargetServiceID,
	}
	if err := i.tokens.InsertDelegatedToken(ctx, t); err != nil {
		return nil, "", err
	}

	i.recorder.Record(ctx, audit.Entry{
		EventType: audit.EventTokenDelegation,
		Action:    "delegate",
		Status:    audit.StatusSuccess,
		UserID:    p.PrincipalID,
		AgentID:   p.AgentID,
		TokenID:   t.ID,
		IPAddress: p.Origin,
		Details:   map[string]any{"scopes": p.Scope, "target_service_id": p.TargetServiceID},
	})

	var bookkeepingErr error
	detail := fmt.Sprintf("token issued to agent %s by principal %s", p.AgentID, p.PrincipalID)
	if serviceName != "" {
		detail += " for service " + serviceName
	}
	if err := retryBookkeeping(func() error {
		return i.tokens.AppendTrail(ctx, t.ID, "delegation_token_issued", serviceName, "success", detail)
	}); err != nil {
		bookkeepingErr = err
	}
	if err := i.agentBookkeeping(ctx, p.AgentID, "delegation_token_received", "service/"+serviceName); err != nil {
		bookkeepingErr = errors.Join(bookkeepingErr, err)
	}
	if bookkeepingErr != nil {
		return t, raw, &apperr.PartialError{Op: "delegated token issuance", Err: bookkeepingErr}
	}
	return t, raw, nil
}

func (i *Issuer) checkAgentUsable(ctx context.Context, a *agent.Agent, action string) error {
	if a.Status != agent.StatusActive {
		i.recorder.Record(ctx, audit.Entry{
			EventType: audit.EventSecurity,
			Action:    action,
			Status:    audit.StatusFailure,
			AgentID:   a.ID,
			Details:   map[string]any{"error": "agent is not active", "status": a.Status},
		})
		return fmt.Errorf("agent %s: %w", a.ID, apperr.ErrAgentInactive)
	}
	if a.ExpiresAt != nil && a.ExpiresAt.Before(time.Now()) {
		return fmt.Errorf("agent %s expired: %w", a.ID, apperr.ErrAgentInactive)
	}
	return nil
}

func (i *Issuer) recordScopeRejection(ctx context.Context, agentID, principalID string, requested, bound []string, origin string, cause error) {
	requestedJSON, _ := json.Marshal(requested)
	boundJSON, _ := json.Marshal(bound)
	i.recorder.Record(ctx, audit.Entry{
		EventType: audit.EventSecurity,
		Action:    "scope_check",
		Status:    audit.StatusFailure,
		UserID:    principalID,
		AgentID:   agentID,
		IPAddress: origin,
		Details: map[string]any{
			"error":            cause.Error(),
			"requested_scopes": string(requestedJSON),
			"granted_scopes":   string(boundJSON),
		},
	})
}

func (i *Issuer) agentBookkeeping(ctx context.Context, agentID, action, resource string) error {
	return retryBookkeeping(func() error {
		if err := i.agents.Touch(ctx, agentID, time.Now().UTC()); err != nil {
			return err
		}
		return i.agents.AppendAccessLog(ctx, agentID, action, resource, true)
	})
}

// retryBookkeeping retries a non-authoritative follow-up write a few
// times. The caller converts a persistent failure into a PartialError
// rather than undoing the primary effect.
func retryBookkeeping(fn func() error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		time.Sleep(time.Duration(attempt+1) * 25 * time.Millisecond)
	}
	return err
}
