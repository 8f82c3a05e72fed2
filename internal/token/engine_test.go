package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/proxyme/proxyme/internal/apperr"
)

func (f *fixture) issueAuth(t *testing.T, agentID string, ttl time.Duration, scopes ...string) (*AuthToken, string) {
	t.Helper()
	tok, raw, err := f.issuer.IssueAuthToken(context.Background(), IssueAuthParams{
		AgentID: agentID,
		Scope:   scopes,
		TTL:     ttl,
	})
	if err != nil {
		t.Fatalf("issuing auth token: %v", err)
	}
	return tok, raw
}

func (f *fixture) issueDelegated(t *testing.T, agentID string, ttl time.Duration, scopes ...string) (*DelegatedToken, string) {
	t.Helper()
	tok, raw, err := f.issuer.IssueDelegatedToken(context.Background(), IssueDelegatedParams{
		PrincipalID: "alice",
		AgentID:     agentID,
		Scope:       scopes,
		TTL:         ttl,
	})
	if err != nil {
		t.Fatalf("issuing delegated token: %v", err)
	}
	return tok, raw
}

func TestValidateAuthToken(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := f.newAgent(t, "read")
	tok, raw := f.issueAuth(t, a.ID, time.Hour, "read")

	id, err := f.engine.Validate(ctx, raw, "test")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if id.TokenID != tok.ID || id.AgentID != a.ID {
		t.Errorf("identity: got %+v", id)
	}
	if id.IsDelegate {
		t.Error("plain auth token must not report as delegate")
	}

	// Validation refreshes the agent's last_active.
	got, _ := f.agents.Get(ctx, a.ID)
	if got.LastActive == nil {
		t.Error("expected last_active after validation")
	}
}

func TestValidateUnknownToken(t *testing.T) {
	f := setup(t)

	_, err := f.engine.Validate(context.Background(), "pxm_deadbeef", "test")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestValidateExpiredToken(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := f.newAgent(t, "read")
	_, raw := f.issueAuth(t, a.ID, time.Millisecond, "read")

	time.Sleep(5 * time.Millisecond)

	_, err := f.engine.Validate(ctx, raw, "test")
	if !errors.Is(err, apperr.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestValidateRevokedBeatsExpired(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := f.newAgent(t, "read")
	tok, raw := f.issueAuth(t, a.ID, time.Millisecond, "read")

	if _, err := f.engine.Revoke(ctx, tok.ID, "compromised", "test"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	// Both terminal states hold; revocation is reported.
	_, err := f.engine.Validate(ctx, raw, "test")
	if !errors.Is(err, apperr.ErrRevoked) {
		t.Fatalf("expected ErrRevoked, got %v", err)
	}
}

func TestValidateDelegatedTokenCountsUsage(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := f.newAgent(t, "read")
	tok, raw := f.issueDelegated(t, a.ID, time.Hour, "read")

	for i := 0; i < 3; i++ {
		id, err := f.engine.Validate(ctx, raw, "test")
		if err != nil {
			t.Fatalf("Validate %d: %v", i, err)
		}
		if id.PrincipalID != "alice" || !id.IsDelegate {
			t.Errorf("identity: got %+v", id)
		}
	}

	got, err := f.tokens.GetDelegatedToken(ctx, tok.ID)
	if err != nil {
		t.Fatalf("GetDelegatedToken: %v", err)
	}
	if got.UsageCount != 3 {
		t.Errorf("usage count: got %d, want 3", got.UsageCount)
	}

	// One issuance entry plus three validations, in order.
	trail, err := f.tokens.Trail(ctx, tok.ID)
	if err != nil {
		t.Fatalf("Trail: %v", err)
	}
	if len(trail) != 4 {
		t.Fatalf("trail length: got %d, want 4", len(trail))
	}
	for i, e := range trail {
		if e.Seq != int64(i+1) {
			t.Errorf("trail entry %d: seq %d", i, e.Seq)
		}
	}
	if trail[3].Action != "token_validated" {
		t.Errorf("last trail action: got %q", trail[3].Action)
	}
}

func TestRevokeIsIdempotentAndMonotonic(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := f.newAgent(t, "read")
	tok, _ := f.issueDelegated(t, a.ID, time.Hour, "read")

	already, err := f.engine.Revoke(ctx, tok.ID, "first reason", "test")
	if err != nil {
		t.Fatalf("first Revoke: %v", err)
	}
	if already {
		t.Error("first revocation reported already_revoked")
	}

	already, err = f.engine.Revoke(ctx, tok.ID, "second reason", "test")
	if err != nil {
		t.Fatalf("second Revoke: %v", err)
	}
	if !already {
		t.Error("second revocation must report already_revoked")
	}

	// The original reason and timestamp survive repeat revocations.
	got, _ := f.tokens.GetDelegatedToken(ctx, tok.ID)
	if !got.IsRevoked {
		t.Fatal("token not revoked")
	}
	if got.RevocationReason != "first reason" {
		t.Errorf("revocation reason: got %q, want the original", got.RevocationReason)
	}
}

func TestRevokeConcurrentConverges(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := f.newAgent(t, "read")
	tok, raw := f.issueAuth(t, a.ID, time.Hour, "read")

	// All writers race on the same token; the guarded update lets exactly
	// one of them observe the pending→revoked edge.
	const writers = 8
	type outcome struct {
		already bool
		reason  string
	}
	results := make(chan outcome, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			reason := fmt.Sprintf("revoked by writer %d", n)
			already, err := f.engine.Revoke(ctx, tok.ID, reason, "test")
			if err != nil && !apperr.IsPartial(err) {
				t.Errorf("Revoke: %v", err)
				return
			}
			results <- outcome{already: already, reason: reason}
		}(i)
	}
	wg.Wait()
	close(results)

	var winners []string
	for r := range results {
		if !r.already {
			winners = append(winners, r.reason)
		}
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one first revocation, got %d", len(winners))
	}

	got, err := f.tokens.GetAuthToken(ctx, tok.ID)
	if err != nil {
		t.Fatalf("GetAuthToken: %v", err)
	}
	if !got.IsRevoked {
		t.Fatal("token not revoked after concurrent revokes")
	}
	if got.RevocationReason != winners[0] {
		t.Errorf("revocation reason: got %q, want the winner's %q", got.RevocationReason, winners[0])
	}

	if _, err := f.engine.Validate(ctx, raw, "test"); !errors.Is(err, apperr.ErrRevoked) {
		t.Fatalf("Validate after concurrent revokes: got %v, want ErrRevoked", err)
	}
}

func TestRevokeByString(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := f.newAgent(t, "read")
	tok, raw := f.issueAuth(t, a.ID, time.Hour, "read")

	id, already, err := f.engine.RevokeByString(ctx, raw, "stolen", "test")
	if err != nil {
		t.Fatalf("RevokeByString: %v", err)
	}
	if id != tok.ID || already {
		t.Errorf("got id=%s already=%v", id, already)
	}

	if _, _, err := f.engine.RevokeByString(ctx, "dtk_nope", "x", "test"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("unknown string: expected ErrNotFound, got %v", err)
	}
}

func TestCascadeRevokeAgent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := f.newAgent(t, "read", "write")
	other := f.newAgent(t, "read")

	f.issueAuth(t, a.ID, time.Hour, "read")
	f.issueDelegated(t, a.ID, time.Hour, "write")
	alreadyRevoked, _ := f.issueAuth(t, a.ID, time.Hour, "read")
	if _, err := f.engine.Revoke(ctx, alreadyRevoked.ID, "early", "test"); err != nil {
		t.Fatalf("pre-revoking: %v", err)
	}
	survivor, survivorRaw := f.issueAuth(t, other.ID, time.Hour, "read")

	n, err := f.engine.CascadeRevokeAgent(ctx, a.ID, "agent suspended")
	if err != nil {
		t.Fatalf("CascadeRevokeAgent: %v", err)
	}
	if n != 2 {
		t.Errorf("revoked count: got %d, want 2 (pre-revoked token not recounted)", n)
	}

	// The other agent's token is untouched.
	if _, err := f.engine.Validate(ctx, survivorRaw, "test"); err != nil {
		t.Errorf("survivor token %s: %v", survivor.ID, err)
	}

	live, err := f.tokens.LiveAuthTokensByAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("LiveAuthTokensByAgent: %v", err)
	}
	if len(live) != 0 {
		t.Errorf("expected no live auth tokens after cascade, got %d", len(live))
	}
}
