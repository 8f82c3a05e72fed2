package agent

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/proxyme/proxyme/internal/apperr"
	"github.com/proxyme/proxyme/internal/db"
)

// Store provides persistence for agents and their access logs.
type Store struct {
	db *db.DB
}

// NewStore creates an agent Store backed by the given database.
func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// NewSecret generates a client secret for a freshly registered agent. The
// raw secret is returned to the caller exactly once; only the bcrypt hash
// is persisted.
func NewSecret() (raw, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generating secret: %w", err)
	}
	raw = hex.EncodeToString(buf)

	h, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hashing secret: %w", err)
	}
	return raw, string(h), nil
}

// VerifySecret checks a presented client secret against the stored hash.
func VerifySecret(hash, raw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(raw)) == nil
}

// Create inserts a new agent. If a.ID is empty a UUID is generated.
func (s *Store) Create(ctx context.Context, a *Agent) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = StatusActive
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	a.Version = 1

	if a.Permissions == nil {
		a.Permissions = []string{}
	}
	if a.DelegationChain == nil {
		a.DelegationChain = []string{}
	}
	permsJSON, err := json.Marshal(a.Permissions)
	if err != nil {
		return fmt.Errorf("marshalling permissions: %w", err)
	}
	chainJSON, err := json.Marshal(a.DelegationChain)
	if err != nil {
		return fmt.Errorf("marshalling delegation chain: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, description, secret_hash, permissions, status,
		                    delegation_chain, expires_at, last_active, created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Description, a.SecretHash, string(permsJSON), string(a.Status),
		string(chainJSON), a.ExpiresAt, a.LastActive, a.CreatedAt, a.UpdatedAt, a.Version,
	)
	if err != nil {
		return fmt.Errorf("creating agent: %w", db.Storage(err))
	}
	return nil
}

// Get retrieves an agent by id.
func (s *Store) Get(ctx context.Context, id string) (*Agent, error) {
	var a *Agent
	err := db.Retry(ctx, func() error {
		row := s.db.QueryRowContext(ctx, `
			SELECT id, name, description, secret_hash, permissions, status,
			       delegation_chain, expires_at, last_active, created_at, updated_at, version
			FROM agents WHERE id = ?`, id)
		got, err := scanAgent(row)
		if err != nil {
			return err
		}
		a = got
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting agent: %w", err)
	}
	return a, nil
}

// List returns agents, optionally filtered by status.
func (s *Store) List(ctx context.Context, status Status) ([]Agent, error) {
	query := `SELECT id, name, description, secret_hash, permissions, status,
	                 delegation_chain, expires_at, last_active, created_at, updated_at, version
	          FROM agents`
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at"

	var agents []Agent
	err := db.Retry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("listing agents: %w", err)
		}
		defer rows.Close()

		agents = agents[:0]
		for rows.Next() {
			a, err := scanAgent(rows)
			if err != nil {
				return err
			}
			agents = append(agents, *a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return agents, nil
}

// SetStatus transitions an agent's status. The write is guarded by the
// stored version; a concurrent writer forces a re-read.
func (s *Store) SetStatus(ctx context.Context, id string, status Status) (*Agent, error) {
	for attempt := 0; attempt < 3; attempt++ {
		a, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		res, err := s.db.ExecContext(ctx, `
			UPDATE agents SET status = ?, updated_at = ?, version = version + 1
			WHERE id = ? AND version = ?`,
			string(status), time.Now().UTC(), id, a.Version)
		if err != nil {
			return nil, fmt.Errorf("updating agent status: %w", db.Storage(err))
		}
		if n, _ := res.RowsAffected(); n == 1 {
			a.Status = status
			a.Version++
			return a, nil
		}
	}
	return nil, fmt.Errorf("updating agent %s status: %w", id, apperr.ErrConflict)
}

// AppendChain appends an approving agent's id to the agent's delegation
// chain. The caller must have already run the cycle check; this method
// re-checks under the version guard so a losing concurrent writer cannot
// sneak a cycle in.
func (s *Store) AppendChain(ctx context.Context, id, approverID string) (*Agent, error) {
	for attempt := 0; attempt < 3; attempt++ {
		a, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if id == approverID || a.InChain(approverID) {
			return nil, fmt.Errorf("agent %s chain already contains %s: %w", id, approverID, apperr.ErrCycleDetected)
		}

		chain := append(append([]string{}, a.DelegationChain...), approverID)
		chainJSON, err := json.Marshal(chain)
		if err != nil {
			return nil, fmt.Errorf("marshalling delegation chain: %w", err)
		}

		res, err := s.db.ExecContext(ctx, `
			UPDATE agents SET delegation_chain = ?, updated_at = ?, version = version + 1
			WHERE id = ? AND version = ?`,
			string(chainJSON), time.Now().UTC(), id, a.Version)
		if err != nil {
			return nil, fmt.Errorf("updating delegation chain: %w", db.Storage(err))
		}
		if n, _ := res.RowsAffected(); n == 1 {
			a.DelegationChain = chain
			a.Version++
			return a, nil
		}
	}
	return nil, fmt.Errorf("updating agent %s chain: %w", id, apperr.ErrConflict)
}

// Touch updates last_active. Not version-guarded: last-writer-wins is fine
// for a freshness timestamp.
func (s *Store) Touch(ctx context.Context, id string, when time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_active = ? WHERE id = ?`, when.UTC(), id)
	if err != nil {
		return fmt.Errorf("touching agent: %w", db.Storage(err))
	}
	return nil
}

// Delete removes an agent record. Token revocation cascades are the
// engine's responsibility and must run before this.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting agent: %w", db.Storage(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s: %w", id, apperr.ErrNotFound)
	}
	return nil
}

// AppendAccessLog appends one entry to the agent's access log. The ledger
// only grows: the sequence number is assigned inside the insert, so
// concurrent appends never overwrite each other.
func (s *Store) AppendAccessLog(ctx context.Context, agentID, action, resource string, success bool) error {
	for attempt := 0; attempt < 3; attempt++ {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agent_access_log (agent_id, seq, timestamp, action, resource, success)
			SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?
			FROM agent_access_log WHERE agent_id = ?`,
			agentID, time.Now().UTC(), action, resource, boolToInt(success), agentID)
		if err == nil {
			return nil
		}
		// A concurrent append can collide on (agent_id, seq); recompute.
		if attempt == 2 {
			return fmt.Errorf("appending access log: %w", db.Storage(err))
		}
	}
	return nil
}

// AccessLog returns the agent's access log in append order.
func (s *Store) AccessLog(ctx context.Context, agentID string) ([]AccessLogEntry, error) {
	var entries []AccessLogEntry
	err := db.Retry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT seq, timestamp, action, resource, success
			FROM agent_access_log WHERE agent_id = ? ORDER BY seq`, agentID)
		if err != nil {
			return fmt.Errorf("querying access log: %w", err)
		}
		defer rows.Close()

		entries = entries[:0]
		for rows.Next() {
			var (
				e       AccessLogEntry
				success int
			)
			if err := rows.Scan(&e.Seq, &e.Timestamp, &e.Action, &e.Resource, &success); err != nil {
				return err
			}
			e.Success = success != 0
			entries = append(entries, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func scanAgent(sc interface{ Scan(...any) error }) (*Agent, error) {
	var (
		a                     Agent
		status                string
		permsJSON, chainJSON  string
		expiresAt, lastActive sql.NullTime
	)
	err := sc.Scan(&a.ID, &a.Name, &a.Description, &a.SecretHash, &permsJSON, &status,
		&chainJSON, &expiresAt, &lastActive, &a.CreatedAt, &a.UpdatedAt, &a.Version)
	if err != nil {
		return nil, err
	}

	a.Status = Status(status)
	if err := json.Unmarshal([]byte(permsJSON), &a.Permissions); err != nil {
		return nil, fmt.Errorf("unmarshalling permissions: %w", err)
	}
	if err := json.Unmarshal([]byte(chainJSON), &a.DelegationChain); err != nil {
		return nil, fmt.Errorf("unmarshalling delegation chain: %w", err)
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		a.ExpiresAt = &t
	}
	if lastActive.Valid {
		t := lastActive.Time
		a.LastActive = &t
	}
	return &a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
