package delegation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/proxyme/proxyme/internal/agent"
	"github.com/proxyme/proxyme/internal/apperr"
	"github.com/proxyme/proxyme/internal/audit"
	"github.com/proxyme/proxyme/internal/scope"
	"github.com/proxyme/proxyme/internal/token"
)

// Workflow drives agent-to-agent delegation requests through their state
// machine: pending → approved | denied | expired, all terminal.
type Workflow struct {
	requests *Store
	agents   *agent.Store
	issuer   *token.Issuer
	engine   *token.Engine
	recorder *audit.Recorder
	tokenTTL time.Duration
}

// NewWorkflow creates a Workflow. tokenTTL is the lifetime of tokens
// minted on approval.
func NewWorkflow(requests *Store, agents *agent.Store, issuer *token.Issuer, engine *token.Engine, recorder *audit.Recorder, tokenTTL time.Duration) *Workflow {
	return &Workflow{requests: requests, agents: agents, issuer: issuer, engine: engine, recorder: recorder, tokenTTL: tokenTTL}
}

// Requests exposes the request store for read-side handlers.
func (w *Workflow) Requests() *Store { return w.requests }

// CreateParams describes a new delegation request.
type CreateParams struct {
	RequestingAgentID string
	ApprovingAgentID  string
	Permissions       []string
	Purpose           string
	TTL               time.Duration
	Origin            string
}

// Create submits a delegation request. The requesting agent asks the
// approving agent for a subset of the approver's permissions; nothing is
// granted until the approver acts.
func (w *Workflow) Create(ctx context.Context, p CreateParams) (*Request, error) {
	if len(p.Permissions) == 0 {
		return nil, fmt.Errorf("requested permissions must not be empty: %w", apperr.ErrValidation)
	}
	if strings.TrimSpace(p.Purpose) == "" {
		return nil, fmt.Errorf("purpose must not be blank: %w", apperr.ErrValidation)
	}
	if p.TTL <= 0 {
		return nil, fmt.Errorf("ttl must be positive: %w", apperr.ErrValidation)
	}
	if p.RequestingAgentID == p.ApprovingAgentID {
		w.recordSecurity(ctx, p.RequestingAgentID, p.Origin, "self-delegation rejected")
		return nil, fmt.Errorf("agent cannot delegate to itself: %w", apperr.ErrCycleDetected)
	}

	requester, err := w.agents.Get(ctx, p.RequestingAgentID)
	if err != nil {
		return nil, err
	}
	if requester.Status != agent.StatusActive {
		return nil, fmt.Errorf("requesting agent %s: %w", requester.ID, apperr.ErrAgentInactive)
	}
	approver, err := w.agents.Get(ctx, p.ApprovingAgentID)
	if err != nil {
		return nil, err
	}
	if approver.Status != agent.StatusActive {
		return nil, fmt.Errorf("approving agent %s: %w", approver.ID, apperr.ErrAgentInactive)
	}

	r := &Request{
		RequestingAgentID: p.RequestingAgentID,
		ApprovingAgentID:  p.ApprovingAgentID,
		Permissions:       p.Permissions,
		Purpose:           p.Purpose,
		ExpirationTime:    time.Now().UTC().Add(p.TTL),
	}
	if err := w.requests.Create(ctx, r); err != nil {
		return nil, err
	}

	w.recorder.Record(ctx, audit.Entry{
		EventType: audit.EventDelegationRequest,
		Action:    "delegation_requested",
		Status:    audit.StatusSuccess,
		AgentID:   p.RequestingAgentID,
		IPAddress: p.Origin,
		Details: map[string]any{
			"request_id":         r.ID,
			"approving_agent_id": p.ApprovingAgentID,
			"permissions":        p.Permissions,
		},
	})
	var bookkeepingErr error
	if err := w.agents.Touch(ctx, p.RequestingAgentID, time.Now().UTC()); err != nil {
		bookkeepingErr = err
	}
	if err := w.agents.AppendAccessLog(ctx, p.RequestingAgentID, "delegation_requested", "agent/"+p.ApprovingAgentID, true); err != nil {
		bookkeepingErr = errors.Join(bookkeepingErr, err)
	}
	if bookkeepingErr != nil {
		return r, &apperr.PartialError{Op: "delegation request", Err: bookkeepingErr}
	}
	return r, nil
}

// Get returns a request, lazily expiring it if its deadline has passed.
func (w *Workflow) Get(ctx context.Context, id string) (*Request, error) {
	r, err := w.requests.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status == StatusPending && time.Now().After(r.ExpirationTime) {
		if err := w.requests.MarkExpired(ctx, r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Approve grants a pending request. Only the approving agent may approve,
// the requested permissions must be contained in the approver's held
// permissions, and the grant must not create a delegation cycle. The
// minted token, the request transition, the chain append and the access
// logs form one logical transaction: if token issuance fails the request
// stays pending.
func (w *Workflow) Approve(ctx context.Context, id, actorID, origin string) (*Request, *token.AuthToken, string, error) {
	r, err := w.Get(ctx, id)
	if err != nil {
		return nil, nil, "", err
	}
	if r.Status == StatusExpired {
		return nil, nil, "", fmt.Errorf("delegation request %s: %w", id, apperr.ErrRequestExpired)
	}
	if r.Terminal() {
		return nil, nil, "", fmt.Errorf("delegation request %s is already %s: %w", id, r.Status, apperr.ErrValidation)
	}
	if actorID != r.ApprovingAgentID {
		w.recordSecurity(ctx, actorID, origin, "approval by non-approving agent rejected")
		return nil, nil, "", fmt.Errorf("only the approving agent may approve: %w", apperr.ErrValidation)
	}

	requester, err := w.agents.Get(ctx, r.RequestingAgentID)
	if err != nil {
		return nil, nil, "", err
	}
	approver, err := w.agents.Get(ctx, r.ApprovingAgentID)
	if err != nil {
		return nil, nil, "", err
	}

	// Cycle check: the approver must not already be an ancestor of the
	// requester, and the requester must not be an ancestor of the approver.
	if requester.InChain(approver.ID) || approver.InChain(requester.ID) {
		w.recordSecurity(ctx, approver.ID, origin, "delegation cycle rejected")
		return nil, nil, "", fmt.Errorf("approving %s for %s: %w", id, requester.ID, apperr.ErrCycleDetected)
	}

	if err := scope.Validate(r.Permissions, approver.Permissions); err != nil {
		w.recorder.Record(ctx, audit.Entry{
			EventType: audit.EventSecurity,
			Action:    "delegation_approve",
			Status:    audit.StatusFailure,
			AgentID:   approver.ID,
			IPAddress: origin,
			Details:   map[string]any{"error": err.Error(), "request_id": id},
		})
		return nil, nil, "", err
	}

	t, raw, err := w.issuer.IssueAuthToken(ctx, token.IssueAuthParams{
		AgentID:     r.RequestingAgentID,
		Scope:       r.Permissions,
		TTL:         w.tokenTTL,
		DelegatedBy: r.ApprovingAgentID,
		Bound:       approver.Permissions,
		Origin:      origin,
	})
	if err != nil && !apperr.IsPartial(err) {
		return nil, nil, "", err
	}
	partial := err

	now := time.Now().UTC()
	if err := w.requests.MarkApproved(ctx, r, t.ID, now); err != nil {
		// A concurrent deny or expiry won; the freshly minted token must
		// not survive it.
		w.engine.Revoke(ctx, t.ID, "approval superseded", origin)
		return nil, nil, "", err
	}

	var bookkeepingErr error
	if _, err := w.agents.AppendChain(ctx, requester.ID, approver.ID); err != nil {
		bookkeepingErr = err
	}
	if err := w.agents.Touch(ctx, approver.ID, now); err != nil {
		bookkeepingErr = errors.Join(bookkeepingErr, err)
	}
	if err := w.agents.AppendAccessLog(ctx, approver.ID, "delegation_approved", "agent/"+requester.ID, true); err != nil {
		bookkeepingErr = errors.Join(bookkeepingErr, err)
	}
	if err := w.agents.Touch(ctx, requester.ID, now); err != nil {
		bookkeepingErr = errors.Join(bookkeepingErr, err)
	}
	if err := w.agents.AppendAccessLog(ctx, requester.ID, "delegation_granted", "agent/"+approver.ID, true); err != nil {
		bookkeepingErr = errors.Join(bookkeepingErr, err)
	}

	w.recorder.Record(ctx, audit.Entry{
		EventType: audit.EventDelegationRequest,
		Action:    "delegation_approved",
		Status:    audit.StatusSuccess,
		AgentID:   approver.ID,
		TokenID:   t.ID,
		IPAddress: origin,
		Details: map[string]any{
			"request_id":          id,
			"requesting_agent_id": requester.ID,
			"permissions":         r.Permissions,
		},
	})

	if bookkeepingErr != nil {
		return r, t, raw, &apperr.PartialError{Op: "delegation approval", Err: bookkeepingErr}
	}
	if partial != nil {
		return r, t, raw, partial
	}
	return r, t, raw, nil
}

// Deny refuses a pending request. No token side effects.
func (w *Workflow) Deny(ctx context.Context, id, actorID, origin string) (*Request, error) {
	r, err := w.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status == StatusExpired {
		return nil, fmt.Errorf("delegation request %s: %w", id, apperr.ErrRequestExpired)
	}
	if r.Terminal() {
		return nil, fmt.Errorf("delegation request %s is already %s: %w", id, r.Status, apperr.ErrValidation)
	}
	if actorID != r.ApprovingAgentID {
		w.recordSecurity(ctx, actorID, origin, "denial by non-approving agent rejected")
		return nil, fmt.Errorf("only the approving agent may deny: %w", apperr.ErrValidation)
	}

	now := time.Now().UTC()
	if err := w.requests.MarkDenied(ctx, r, now); err != nil {
		return nil, err
	}

	var bookkeepingErr error
	if err := w.agents.Touch(ctx, r.ApprovingAgentID, now); err != nil {
		bookkeepingErr = err
	}
	if err := w.agents.AppendAccessLog(ctx, r.ApprovingAgentID, "delegation_denied", "agent/"+r.RequestingAgentID, true); err != nil {
		bookkeepingErr = errors.Join(bookkeepingErr, err)
	}

	w.recorder.Record(ctx, audit.Entry{
		EventType: audit.EventDelegationRequest,
		Action:    "delegation_denied",
		Status:    audit.StatusSuccess,
		AgentID:   r.ApprovingAgentID,
		IPAddress: origin,
		Details:   map[string]any{"request_id": id, "requesting_agent_id": r.RequestingAgentID},
	})
	if bookkeepingErr != nil {
		return r, &apperr.PartialError{Op: "delegation denial", Err: bookkeepingErr}
	}
	return r, nil
}

// SweepExpired marks every pending request past its deadline as expired
// and returns how many were transitioned.
func (w *Workflow) SweepExpired(ctx context.Context) (int, error) {
	expired, err := w.requests.ExpiredPending(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	for i := range expired {
		if err := w.requests.MarkExpired(ctx, &expired[i]); err != nil {
			return i, err
		}
	}
	return len(expired), nil
}

func (w *Workflow) recordSecurity(ctx context.Context, agentID, origin, msg string) {
	w.recorder.Record(ctx, audit.Entry{
		EventType: audit.EventSecurity,
		Action:    "delegation_request",
		Status:    audit.StatusFailure,
		AgentID:   agentID,
		IPAddress: origin,
		Details:   map[string]any{"error": msg},
	})
}
