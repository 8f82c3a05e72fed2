package delegation

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

// Store provides persistence for delegation requests. Terminal transitions
// are single guarded updates: a request can only leave pending once.
type Store struct {
	db *db.DB
}

// NewStore creates a delegation Store backed by the given database.
func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// Create inserts a new pending request.
func (s *Store) Create(ctx context.Context, r *Request) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.Status = StatusPending
	r.CreatedAt = time.Now().UTC()
	r.Version = 1

	if r.Permissions == nil {
		r.Permissions = []string{}
	}
	permsJSON, err := json.Marshal(r.Permissions)
	if err != nil {
		return fmt.Errorf("marshalling permissions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO delegation_requests (id, requesting_agent_id, approving_agent_id, permissions,
		                                 purpose, status, expiration_time, created_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RequestingAgentID, r.ApprovingAgentID, string(permsJSON),
		r.Purpose, string(r.Status), r.ExpirationTime, r.CreatedAt, r.Version)
	if err != nil {
		return fmt.Errorf("creating delegation request: %w", db.Storage(err))
	}
	return nil
}

// Get retrieves a request by id.
func (s *Store) Get(ctx context.Context, id string) (*Request, error) {
	var r *Request
	err := db.Retry(ctx, func() error {
		row := s.db.QueryRowContext(ctx, `
			SELECT id, requesting_agent_id, approving_agent_id, permissions, purpose, status,
			       expiration_time, approval_time, created_token_id, created_at, version
			FROM delegation_requests WHERE id = ?`, id)
		got, err := scanRequest(row)
		if err != nil {
			return err
		}
		r = got
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("delegation request %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting delegation request: %w", err)
	}
	return r, nil
}

// ListFilter restricts List results.
type ListFilter struct {
	Status            Status
	RequestingAgentID string
	ApprovingAgentID  string
}

// List returns requests matching the filter, newest first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]Request, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.RequestingAgentID != "" {
		clauses = append(clauses, "requesting_agent_id = ?")
		args = append(args, filter.RequestingAgentID)
	}
	if filter.ApprovingAgentID != "" {
		clauses = append(clauses, "approving_agent_id = ?")
		args = append(args, filter.ApprovingAgentID)
	}

	query := `SELECT id, requesting_agent_id, approving_agent_id, permissions, purpose, status,
	                 expiration_time, approval_time, created_token_id, created_at, version
	          FROM delegation_requests`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"

	var requests []Request
	err := db.Retry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("listing delegation requests: %w", err)
		}
		defer rows.Close()

		requests = requests[:0]
		for rows.Next() {
			r, err := scanRequest(rows)
			if err != nil {
				return err
			}
			requests = append(requests, *r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return requests, nil
}

// MarkApproved transitions pending → approved, setting approval time and
// the created token id in the same write so a reader can never observe an
// approved request without its token. Returns ErrConflict if the request
// left pending concurrently.
func (s *Store) MarkApproved(ctx context.Context, r *Request, tokenID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delegation_requests
		SET status = ?, approval_time = ?, created_token_id = ?, version = version + 1
		WHERE id = ? AND version = ? AND status = 'pending'`,
		string(StatusApproved), at.UTC(), tokenID, r.ID, r.Version)
	if err != nil {
		return fmt.Errorf("approving delegation request: %w", db.Storage(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delegation request %s changed concurrently: %w", r.ID, apperr.ErrConflict)
	}
	r.Status = StatusApproved
	r.ApprovalTime = &at
	r.CreatedTokenID = tokenID
	r.Version++
	return nil
}

// MarkDenied transitions pending → denied.
func (s *Store) MarkDenied(ctx context.Context, r *Request, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delegation_requests
		SET status = ?, approval_time = ?, version = version + 1
		WHERE id = ? AND version = ? AND status = 'pending'`,
		string(StatusDenied), at.UTC(), r.ID, r.Version)
	if err != nil {
		return fmt.Errorf("denying delegation request: %w", db.Storage(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delegation request %s changed concurrently: %w", r.ID, apperr.ErrConflict)
	}
	r.Status = StatusDenied
	r.ApprovalTime = &at
	r.Version++
	return nil
}

// MarkExpired transitions pending → expired. Losing the race is fine: the
// request reached a terminal state either way, and r is refreshed to the
// stored one so callers never see a status the database disagrees with.
func (s *Store) MarkExpired(ctx context.Context, r *Request) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delegation_requests
		SET status = ?, version = version + 1
		WHERE id = ? AND status = 'pending'`,
		string(StatusExpired), r.ID)
	if err != nil {
		return fmt.Errorf("expiring delegation request: %w", db.Storage(err))
	}
	if n, _ := res.RowsAffected(); n == 1 {
		r.Status = StatusExpired
		r.Version++
		return nil
	}

	// A concurrent approve or deny won; reflect whatever was stored.
	cur, err := s.Get(ctx, r.ID)
	if err != nil {
		return err
	}
	*r = *cur
	return nil
}

// ExpiredPending returns pending requests whose expiration time has
// passed, for the periodic sweep.
func (s *Store) ExpiredPending(ctx context.Context, now time.Time) ([]Request, error) {
	requests, err := s.List(ctx, ListFilter{Status: StatusPending})
	if err != nil {
		return nil, err
	}
	var expired []Request
	for _, r := range requests {
		if now.After(r.ExpirationTime) {
			expired = append(expired, r)
		}
	}
	return expired, nil
}

func scanRequest(sc interface{ Scan(...any) error }) (*Request, error) {
	var (
		r              Request
		status         string
		permsJSON      string
		approvalTime   sql.NullTime
		createdTokenID sql.NullString
	)
	err := sc.Scan(&r.ID, &r.RequestingAgentID, &r.ApprovingAgentID, &permsJSON, &r.Purpose, &status,
		&r.ExpirationTime, &approvalTime, &createdTokenID, &r.CreatedAt, &r.Version)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.CreatedTokenID = createdTokenID.String
	if approvalTime.Valid {
		t := approvalTime.Time
		r.ApprovalTime = &t
	}
	if err := json.Unmarshal([]byte(permsJSON), &r.Permissions); err != nil {
		return nil, fmt.Errorf("unmarshalling permissions: %w", err)
	}
	return &r, nil
}
