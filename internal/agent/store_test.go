package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/proxyme/proxyme/internal/apperr"
	"github.com/proxyme/proxyme/internal/db"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewStore(database)
}

func createAgent(t *testing.T, store *Store, scopes ...string) *Agent {
	t.Helper()
	_, hash, err := NewSecret()
	if err != nil {
		t.Fatalf("NewSecret: %v", err)
	}
	a := &Agent{Name: "test-agent", SecretHash: hash, Permissions: scopes}
	if err := store.Create(context.Background(), a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return a
}

func TestClosedDatabaseIsStorageError(t *testing.T) {
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	store := NewStore(database)
	a := createAgent(t, store, "read")
	database.Close()

	if _, err := store.Get(context.Background(), a.ID); !errors.Is(err, apperr.ErrStorage) {
		t.Errorf("Get on closed database: got %v, want ErrStorage in chain", err)
	}
	if err := store.Create(context.Background(), &Agent{SecretHash: "h"}); !errors.Is(err, apperr.ErrStorage) {
		t.Errorf("Create on closed database: got %v, want ErrStorage in chain", err)
	}
}

func TestCreateAndGet(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	a := createAgent(t, store, "read", "write")
	if a.ID == "" {
		t.Fatal("expected an id after Create")
	}
	if a.Status != StatusActive {
		t.Errorf("new agent status: got %s, want %s", a.Status, StatusActive)
	}

	got, err := store.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "test-agent" {
		t.Errorf("name: got %q", got.Name)
	}
	if len(got.Permissions) != 2 || got.Permissions[0] != "read" {
		t.Errorf("permissions: got %v", got.Permissions)
	}
}

func TestGetMissing(t *testing.T) {
	store := setupStore(t)

	_, err := store.Get(context.Background(), "nope")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSecretRoundTrip(t *testing.T) {
	raw, hash, err := NewSecret()
	if err != nil {
		t.Fatalf("NewSecret: %v", err)
	}
	if raw == hash {
		t.Fatal("raw secret must not equal its hash")
	}
	if !VerifySecret(hash, raw) {
		t.Error("expected secret to verify against its own hash")
	}
	if VerifySecret(hash, "wrong") {
		t.Error("wrong secret must not verify")
	}
}

func TestSetStatus(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	a := createAgent(t, store, "read")

	updated, err := store.SetStatus(ctx, a.ID, StatusSuspended)
	if err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if updated.Status != StatusSuspended {
		t.Errorf("status: got %s, want suspended", updated.Status)
	}

	got, _ := store.Get(ctx, a.ID)
	if got.Status != StatusSuspended {
		t.Errorf("persisted status: got %s", got.Status)
	}
}

func TestSetStatusConcurrentWriters(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	a := createAgent(t, store, "read")

	// Contending writers either land their guarded update (possibly after
	// a retry) or surface ErrConflict; none may overwrite silently.
	const writers = 4
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.SetStatus(ctx, a.ID, StatusSuspended)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, apperr.ErrConflict):
		default:
			t.Fatalf("SetStatus: %v", err)
		}
	}
	if succeeded == 0 {
		t.Fatal("no writer landed its update")
	}

	got, err := store.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusSuspended {
		t.Errorf("status: got %s, want suspended", got.Status)
	}
	if got.Version != int64(1+succeeded) {
		t.Errorf("version: got %d, want %d (one bump per landed update)", got.Version, 1+succeeded)
	}
}

func TestAppendChain(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	a := createAgent(t, store, "read")
	b := createAgent(t, store, "write")

	updated, err := store.AppendChain(ctx, a.ID, b.ID)
	if err != nil {
		t.Fatalf("AppendChain: %v", err)
	}
	if !updated.InChain(b.ID) {
		t.Errorf("expected %s in chain, got %v", b.ID, updated.DelegationChain)
	}

	// Appending the same ancestor twice must be rejected.
	_, err = store.AppendChain(ctx, a.ID, b.ID)
	if !errors.Is(err, apperr.ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected for duplicate ancestor, got %v", err)
	}
}

func TestAppendChainSelf(t *testing.T) {
	store := setupStore(t)
	a := createAgent(t, store, "read")

	_, err := store.AppendChain(context.Background(), a.ID, a.ID)
	if !errors.Is(err, apperr.ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected for self edge, got %v", err)
	}
}

func TestAccessLogAppendOnly(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	a := createAgent(t, store, "read")

	for i, action := range []string{"token_issued", "token_validated", "delegation_requested"} {
		if err := store.AppendAccessLog(ctx, a.ID, action, "res", i%2 == 0); err != nil {
			t.Fatalf("AppendAccessLog %d: %v", i, err)
		}
	}

	entries, err := store.AccessLog(ctx, a.ID)
	if err != nil {
		t.Fatalf("AccessLog: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			t.Errorf("entry %d: seq %d, want %d", i, e.Seq, i+1)
		}
	}
	if entries[0].Action != "token_issued" {
		t.Errorf("first action: got %q", entries[0].Action)
	}
}

func TestAccessLogConcurrentAppends(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	a := createAgent(t, store, "read")

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := store.AppendAccessLog(ctx, a.ID, fmt.Sprintf("action-%d", n), "res", true); err != nil {
				t.Errorf("AppendAccessLog: %v", err)
			}
		}(i)
	}
	wg.Wait()

	entries, err := store.AccessLog(ctx, a.ID)
	if err != nil {
		t.Fatalf("AccessLog: %v", err)
	}
	if len(entries) != writers {
		t.Fatalf("expected %d entries, got %d: concurrent appends must never overwrite", writers, len(entries))
	}
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			t.Errorf("entry %d: seq %d, want a gapless ledger", i, e.Seq)
		}
	}
}

func TestTouchUpdatesLastActive(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	a := createAgent(t, store, "read")

	when := time.Now().UTC().Truncate(time.Second)
	if err := store.Touch(ctx, a.ID, when); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	got, _ := store.Get(ctx, a.ID)
	if got.LastActive == nil {
		t.Fatal("expected last_active to be set")
	}
}

func TestDelete(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	a := createAgent(t, store, "read")

	if err := store.Delete(ctx, a.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, a.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, a.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestRegisterService(t *testing.T) {
	store := setupStore(t)

	reg, err := Register(context.Background(), store, nil, "helper", "", []string{"read"}, "test")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if reg.ClientID == "" || reg.ClientSecret == "" {
		t.Fatal("expected credentials")
	}
	if !VerifySecret(reg.Agent.SecretHash, reg.ClientSecret) {
		t.Error("returned secret does not verify against stored hash")
	}

	_, err = Register(context.Background(), store, nil, "helper", "", nil, "test")
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected ErrValidation for empty scopes, got %v", err)
	}
}
