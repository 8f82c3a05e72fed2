package delegation

import "time"

// Status is the state of a delegation request. pending is the only
// non-terminal state: once approved, denied or expired a request never
// changes again.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// Request is a pending ask by one agent for permissions held by another.
type Request struct {
	ID                string     `json:"id"`
	RequestingAgentID string     `json:"requesting_agent_id"`
	ApprovingAgentID  string     `json:"approving_agent_id"`
	Permissions       []string   `json:"requested_permissions"`
	Purpose           string     `json:"purpose"`
	Status            Status     `json:"status"`
	ExpirationTime    time.Time  `json:"expiration_time"`
	ApprovalTime      *time.Time `json:"approval_time,omitempty"`
	CreatedTokenID    string     `json:"created_token_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	Version           int64      `json:"-"`
}

// Terminal reports whether the request can still transition.
func (r *Request) Terminal() bool {
	return r.Status != StatusPending
}
