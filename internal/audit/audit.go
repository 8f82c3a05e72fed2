package audit

import "time"

// EventType groups related audit entries.
type EventType string

const (
	EventAgentRegistration EventType = "agent_registration"
	EventAgentStatus       EventType = "agent_status"
	EventTokenIssued       EventType = "token_issued"
	EventTokenDelegation   EventType = "token_delegation"
	EventTokenValidation   EventType = "token_validation"
	EventTokenRevocation   EventType = "token_revocation"
	EventDelegationRequest EventType = "delegation_request"
	EventSecurity          EventType = "security"
)

// Status records whether the audited action succeeded.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Entry is a single immutable audit record. Entries are never mutated or
// deleted once written; the log is the system's forensic record.
type Entry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	EventType EventType      `json:"event_type"`
	Action    string         `json:"action"`
	Status    Status         `json:"status"`
	UserID    string         `json:"user_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	TokenID   string         `json:"token_id,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}
