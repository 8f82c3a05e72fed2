package integration

import "time"

// PermissionLevel qualifies a service scope.
type PermissionLevel string

const (
	LevelRead  PermissionLevel = "read"
	LevelWrite PermissionLevel = "write"
	LevelAdmin PermissionLevel = "admin"
)

// Scope is one permission unit advertised by an external service.
type Scope struct {
	ScopeID         string          `json:"scope_id"`
	PermissionLevel PermissionLevel `json:"permission_level"`
	Description     string          `json:"description"`
}

// Service describes an external service and the scopes it exposes.
type Service struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ServiceType string    `json:"service_type"`
	Scopes      []Scope   `json:"available_scopes"`
	Active      bool      `json:"is_active"`
	Icon        string    `json:"icon,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ScopeIDs returns the advertised scope identifiers, the bounding set for
// delegated-token issuance.
func (s *Service) ScopeIDs() []string {
	ids := make([]string, 0, len(s.Scopes))
	for _, sc := range s.Scopes {
		ids = append(ids, sc.ScopeID)
	}
	return ids
}
