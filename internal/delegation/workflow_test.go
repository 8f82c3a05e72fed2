package delegation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/proxyme/proxyme/internal/agent"
	"github.com/proxyme/proxyme/internal/apperr"
	"github.com/proxyme/proxyme/internal/audit"
	"github.com/proxyme/proxyme/internal/db"
	"github.com/proxyme/proxyme/internal/integration"
	"github.com/proxyme/proxyme/internal/scope"
	"github.com/proxyme/proxyme/internal/token"
)

type fixture struct {
	database *db.DB
	agents   *agent.Store
	engine   *token.Engine
	workflow *Workflow
}

func setup(t *testing.T) *fixture {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	agents := agent.NewStore(database)
	tokens := token.NewStore(database)
	services := integration.NewStore(database)
	recorder := audit.NewRecorder(audit.NewStore(database), nil)
	issuer := token.NewIssuer(tokens, agents, services, recorder)
	engine := token.NewEngine(tokens, agents, recorder)

	return &fixture{
		database: database,
		agents:   agents,
		engine:   engine,
		workflow: NewWorkflow(NewStore(database), agents, issuer, engine, recorder, time.Hour),
	}
}

func (f *fixture) newAgent(t *testing.T, scopes ...string) *agent.Agent {
	t.Helper()
	_, hash, err := agent.NewSecret()
	if err != nil {
		t.Fatalf("NewSecret: %v", err)
	}
	a := &agent.Agent{Name: "wf-test", SecretHash: hash, Permissions: scopes}
	if err := f.agents.Create(context.Background(), a); err != nil {
		t.Fatalf("creating agent: %v", err)
	}
	return a
}

func (f *fixture) createRequest(t *testing.T, requester, approver string, perms ...string) *Request {
	t.Helper()
	r, err := f.workflow.Create(context.Background(), CreateParams{
		RequestingAgentID: requester,
		ApprovingAgentID:  approver,
		Permissions:       perms,
		Purpose:           "test delegation",
		TTL:               time.Hour,
	})
	if err != nil {
		t.Fatalf("creating request: %v", err)
	}
	return r
}

func TestCreateRequest(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	requester := f.newAgent(t, "read")
	approver := f.newAgent(t, "read", "write")

	r := f.createRequest(t, requester.ID, approver.ID, "write")
	if r.Status != StatusPending {
		t.Errorf("new request status: got %s", r.Status)
	}
	if r.ID == "" {
		t.Error("expected an id")
	}
	if !r.ExpirationTime.After(time.Now()) {
		t.Error("expiration must be in the future")
	}

	// The ask lands in the requester's access log.
	entries, err := f.agents.AccessLog(ctx, requester.ID)
	if err != nil {
		t.Fatalf("AccessLog: %v", err)
	}
	if len(entries) == 0 || entries[len(entries)-1].Action != "delegation_requested" {
		t.Errorf("expected delegation_requested entry, got %+v", entries)
	}
}

func TestCreateRequestValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := f.newAgent(t, "read")
	b := f.newAgent(t, "write")

	cases := []struct {
		name   string
		params CreateParams
		want   error
	}{
		{"no permissions", CreateParams{RequestingAgentID: a.ID, ApprovingAgentID: b.ID, Purpose: "x", TTL: time.Hour}, apperr.ErrValidation},
		{"blank purpose", CreateParams{RequestingAgentID: a.ID, ApprovingAgentID: b.ID, Permissions: []string{"write"}, Purpose: "  ", TTL: time.Hour}, apperr.ErrValidation},
		{"zero ttl", CreateParams{RequestingAgentID: a.ID, ApprovingAgentID: b.ID, Permissions: []string{"write"}, Purpose: "x"}, apperr.ErrValidation},
		{"self delegation", CreateParams{RequestingAgentID: a.ID, ApprovingAgentID: a.ID, Permissions: []string{"read"}, Purpose: "x", TTL: time.Hour}, apperr.ErrCycleDetected},
		{"unknown approver", CreateParams{RequestingAgentID: a.ID, ApprovingAgentID: "ghost", Permissions: []string{"write"}, Purpose: "x", TTL: time.Hour}, apperr.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.workflow.Create(ctx, tc.params)
			if !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestCreateRequestInactiveAgent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := f.newAgent(t, "read")
	b := f.newAgent(t, "write")
	if _, err := f.agents.SetStatus(ctx, b.ID, agent.StatusSuspended); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	_, err := f.workflow.Create(ctx, CreateParams{
		RequestingAgentID: a.ID,
		ApprovingAgentID:  b.ID,
		Permissions:       []string{"write"},
		Purpose:           "x",
		TTL:               time.Hour,
	})
	if !errors.Is(err, apperr.ErrAgentInactive) {
		t.Fatalf("expected ErrAgentInactive, got %v", err)
	}
}

func TestApprove(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	requester := f.newAgent(t, "read")
	approver := f.newAgent(t, "read", "write")
	r := f.createRequest(t, requester.ID, approver.ID, "write")

	approved, tok, raw, err := f.workflow.Approve(ctx, r.ID, approver.ID, "test")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if approved.Status != StatusApproved {
		t.Errorf("status: got %s", approved.Status)
	}
	if approved.CreatedTokenID != tok.ID {
		t.Errorf("created_token_id: got %q, want %q", approved.CreatedTokenID, tok.ID)
	}
	if approved.ApprovalTime == nil {
		t.Error("expected approval_time")
	}
	if !strings.HasPrefix(raw, token.PrefixAuth) {
		t.Errorf("minted token prefix: got %q", raw)
	}
	if !tok.IsDelegate || tok.DelegatedBy != approver.ID {
		t.Errorf("minted token must be a delegate of the approver, got %+v", tok)
	}

	// The minted token validates for the requesting agent with the
	// granted scope.
	id, err := f.engine.Validate(ctx, raw, "test")
	if err != nil {
		t.Fatalf("validating minted token: %v", err)
	}
	if id.AgentID != requester.ID {
		t.Errorf("token subject: got %s, want %s", id.AgentID, requester.ID)
	}
	if len(id.Scope) != 1 || id.Scope[0] != "write" {
		t.Errorf("token scope: got %v", id.Scope)
	}

	// The approver is recorded in the requester's delegation chain.
	got, _ := f.agents.Get(ctx, requester.ID)
	if !got.InChain(approver.ID) {
		t.Errorf("expected %s in requester chain, got %v", approver.ID, got.DelegationChain)
	}
}

func TestApproveOnlyByApprover(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	requester := f.newAgent(t, "read")
	approver := f.newAgent(t, "write")
	bystander := f.newAgent(t, "admin")
	r := f.createRequest(t, requester.ID, approver.ID, "write")

	for _, actor := range []string{requester.ID, bystander.ID} {
		_, _, _, err := f.workflow.Approve(ctx, r.ID, actor, "test")
		if !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("actor %s: expected ErrValidation, got %v", actor, err)
		}
	}

	// The request is still pending and can be approved by the right agent.
	if _, _, _, err := f.workflow.Approve(ctx, r.ID, approver.ID, "test"); err != nil {
		t.Fatalf("legitimate approval after rejected attempts: %v", err)
	}
}

func TestApproveScopeExceedsApprover(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	requester := f.newAgent(t, "read")
	approver := f.newAgent(t, "write")
	r := f.createRequest(t, requester.ID, approver.ID, "write", "admin")

	_, _, _, err := f.workflow.Approve(ctx, r.ID, approver.ID, "test")
	var exceeded *scope.ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected ExceededError, got %v", err)
	}

	// A failed approval leaves the request pending.
	got, _ := f.workflow.Get(ctx, r.ID)
	if got.Status != StatusPending {
		t.Errorf("request status after failed approval: got %s", got.Status)
	}
}

func TestApproveCycleRejected(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	a := f.newAgent(t, "read", "write")
	b := f.newAgent(t, "read", "write")

	// a <- b approved: b becomes ancestor of a.
	r1 := f.createRequest(t, a.ID, b.ID, "write")
	if _, _, _, err := f.workflow.Approve(ctx, r1.ID, b.ID, "test"); err != nil {
		t.Fatalf("first approval: %v", err)
	}

	// b <- a would close the cycle.
	r2 := f.createRequest(t, b.ID, a.ID, "read")
	_, _, _, err := f.workflow.Approve(ctx, r2.ID, a.ID, "test")
	if !errors.Is(err, apperr.ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}
}

func TestApproveTerminalStates(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	requester := f.newAgent(t, "read")
	approver := f.newAgent(t, "write")
	r := f.createRequest(t, requester.ID, approver.ID, "write")

	if _, err := f.workflow.Deny(ctx, r.ID, approver.ID, "test"); err != nil {
		t.Fatalf("Deny: %v", err)
	}

	// Denied is terminal: no approve, no second deny.
	if _, _, _, err := f.workflow.Approve(ctx, r.ID, approver.ID, "test"); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("approve after deny: expected ErrValidation, got %v", err)
	}
	if _, err := f.workflow.Deny(ctx, r.ID, approver.ID, "test"); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("second deny: expected ErrValidation, got %v", err)
	}
}

func TestExpiredRequestCannotBeApproved(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	requester := f.newAgent(t, "read")
	approver := f.newAgent(t, "write")

	r, err := f.workflow.Create(ctx, CreateParams{
		RequestingAgentID: requester.ID,
		ApprovingAgentID:  approver.ID,
		Permissions:       []string{"write"},
		Purpose:           "short lived",
		TTL:               time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	_, _, _, err = f.workflow.Approve(ctx, r.ID, approver.ID, "test")
	if !errors.Is(err, apperr.ErrRequestExpired) {
		t.Fatalf("expected ErrRequestExpired, got %v", err)
	}

	// Lazy expiry persisted the terminal state.
	got, err := f.workflow.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusExpired {
		t.Errorf("status: got %s, want expired", got.Status)
	}
}

func TestApproveSurvivesAccessLogFailure(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	requester := f.newAgent(t, "read")
	approver := f.newAgent(t, "read", "write")
	r := f.createRequest(t, requester.ID, approver.ID, "read")

	if _, err := f.database.Exec(`DROP TABLE agent_access_log`); err != nil {
		t.Fatalf("dropping access log table: %v", err)
	}

	granted, tok, raw, err := f.workflow.Approve(ctx, r.ID, approver.ID, "test")
	if !apperr.IsPartial(err) {
		t.Fatalf("expected a partial bookkeeping failure, got %v", err)
	}
	if granted == nil || granted.Status != StatusApproved {
		t.Fatal("approval must survive a bookkeeping failure")
	}
	if tok == nil || raw == "" {
		t.Fatal("minted token must be returned despite the bookkeeping failure")
	}

	stored, err := f.workflow.Requests().Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != StatusApproved || stored.CreatedTokenID != tok.ID {
		t.Errorf("stored request: status %s, token %q", stored.Status, stored.CreatedTokenID)
	}
}

func TestDenySurvivesAccessLogFailure(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	requester := f.newAgent(t, "read")
	approver := f.newAgent(t, "read", "write")
	r := f.createRequest(t, requester.ID, approver.ID, "read")

	if _, err := f.database.Exec(`DROP TABLE agent_access_log`); err != nil {
		t.Fatalf("dropping access log table: %v", err)
	}

	denied, err := f.workflow.Deny(ctx, r.ID, approver.ID, "test")
	if !apperr.IsPartial(err) {
		t.Fatalf("expected a partial bookkeeping failure, got %v", err)
	}
	if denied == nil || denied.Status != StatusDenied {
		t.Fatal("denial must survive a bookkeeping failure")
	}

	stored, err := f.workflow.Requests().Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != StatusDenied {
		t.Errorf("stored status: got %s, want %s", stored.Status, StatusDenied)
	}
}

func TestCreateSurvivesAccessLogFailure(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	requester := f.newAgent(t, "read")
	approver := f.newAgent(t, "read", "write")

	if _, err := f.database.Exec(`DROP TABLE agent_access_log`); err != nil {
		t.Fatalf("dropping access log table: %v", err)
	}

	r, err := f.workflow.Create(ctx, CreateParams{
		RequestingAgentID: requester.ID,
		ApprovingAgentID:  approver.ID,
		Permissions:       []string{"read"},
		Purpose:           "bookkeeping test",
		TTL:               time.Hour,
	})
	if !apperr.IsPartial(err) {
		t.Fatalf("expected a partial bookkeeping failure, got %v", err)
	}
	if r == nil || r.ID == "" {
		t.Fatal("request must be created despite the bookkeeping failure")
	}

	stored, err := f.workflow.Requests().Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != StatusPending {
		t.Errorf("stored status: got %s, want %s", stored.Status, StatusPending)
	}
}

func TestSweepExpired(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	requester := f.newAgent(t, "read")
	approver := f.newAgent(t, "write")

	for i := 0; i < 3; i++ {
		_, err := f.workflow.Create(ctx, CreateParams{
			RequestingAgentID: requester.ID,
			ApprovingAgentID:  approver.ID,
			Permissions:       []string{"write"},
			Purpose:           "bulk",
			TTL:               time.Millisecond,
		})
		if err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}
	f.createRequest(t, requester.ID, approver.ID, "write") // long TTL, survives

	time.Sleep(5 * time.Millisecond)

	n, err := f.workflow.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 3 {
		t.Errorf("swept: got %d, want 3", n)
	}

	pending, err := f.workflow.Requests().List(ctx, ListFilter{Status: StatusPending})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("pending after sweep: got %d, want 1", len(pending))
	}
}
