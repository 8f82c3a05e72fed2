package audit

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

// Store provides append and query operations for audit entries. There is
// deliberately no update or delete: the log only grows.
type Store struct {
	db *db.DB
}

// NewStore creates a Store backed by the given database.
func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// Insert appends a new audit entry. If entry.ID is empty a UUID is
// generated; if the timestamp is zero it is set to now.
func (s *Store) Insert(ctx context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	details := entry.Details
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshalling details: %w", err)
	}

	var userID, agentID, tokenID, ipAddress sql.NullString
	if entry.UserID != "" {
		userID = sql.NullString{String: entry.UserID, Valid: true}
	}
	if entry.AgentID != "" {
		agentID = sql.NullString{String: entry.AgentID, Valid: true}
	}
	if entry.TokenID != "" {
		tokenID = sql.NullString{String: entry.TokenID, Valid: true}
	}
	if entry.IPAddress != "" {
		ipAddress = sql.NullString{String: entry.IPAddress, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (
			id, timestamp, event_type, action, status,
			user_id, agent_id, token_id, ip_address, details
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.Timestamp,
		string(entry.EventType),
		entry.Action,
		string(entry.Status),
		userID,
		agentID,
		tokenID,
		ipAddress,
		string(detailsJSON),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", db.Storage(err))
	}
	return nil
}

// GetByID retrieves a single audit entry.
func (s *Store) GetByID(ctx context.Context, id string) (*Entry, error) {
	var entry *Entry
	err := db.Retry(ctx, func() error {
		row := s.db.QueryRowContext(ctx, `
			SELECT id, timestamp, event_type, action, status,
			       user_id, agent_id, token_id, ip_address, details
			FROM audit_entries WHERE id = ?`, id)
		got, err := scanEntry(row)
		if err != nil {
			return err
		}
		entry = got
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("audit entry %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting audit entry: %w", err)
	}
	return entry, nil
}

// QueryFilter controls which audit entries are returned by Query.
type QueryFilter struct {
	EventType EventType
	UserID    string
	AgentID   string
	Status    Status
	Limit     int
}

// DefaultQueryLimit caps unbounded queries.
const DefaultQueryLimit = 100

// Query returns audit entries matching the filter, most recent first.
func (s *Store) Query(ctx context.Context, filter QueryFilter) ([]Entry, error) {
	var (
		clauses []string
		args    []any
	)

	if filter.EventType != "" {
		clauses = append(clauses, "event_type = ?")
		args = append(args, string(filter.EventType))
	}
	if filter.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := "SELECT id, timestamp, event_type, action, status, user_id, agent_id, token_id, ip_address, details FROM audit_entries"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY timestamp DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	var entries []Entry
	err := db.Retry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("querying audit entries: %w", err)
		}
		defer rows.Close()

		entries = entries[:0]
		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				return err
			}
			entries = append(entries, *e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// scanner is implemented by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (*Entry, error) {
	var (
		e                                   Entry
		eventType, status                   string
		userID, agentID, tokenID, ipAddress sql.NullString
		detailsJSON                         string
	)

	err := sc.Scan(
		&e.ID, &e.Timestamp, &eventType, &e.Action, &status,
		&userID, &agentID, &tokenID, &ipAddress, &detailsJSON,
	)
	if err != nil {
		return nil, err
	}

	e.EventType = EventType(eventType)
	e.Status = Status(status)
	e.UserID = userID.String
	e.AgentID = agentID.String
	e.TokenID = tokenID.String
	e.IPAddress = ipAddress.String

	if err := json.Unmarshal([]byte(detailsJSON), &e.Details); err != nil {
		e.Details = nil
	}
	return &e, nil
}
