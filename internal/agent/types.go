package agent

import "time"

// Status is the lifecycle state of an agent.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusRevoked   Status = "revoked"
)

// Agent is a non-human identity capable of holding or receiving delegated
// authority. The delegation chain records the ordered ancestry of agents
// through which authority was passed to it.
type Agent struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Description     string     `json:"description"`
	SecretHash      string     `json:"-"`
	Permissions     []string   `json:"permissions"`
	Status          Status     `json:"status"`
	DelegationChain []string   `json:"delegation_chain"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	LastActive      *time.Time `json:"last_active,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	Version         int64      `json:"-"`
}

// InChain reports whether the given agent id appears in the delegation chain.
func (a *Agent) InChain(id string) bool {
	for _, ancestor := range a.DelegationChain {
		if ancestor == id {
			return true
		}
	}
	return false
}

// AccessLogEntry is one row of an agent's append-only access log.
type AccessLogEntry struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	Success   bool      `json:"success"`
}
