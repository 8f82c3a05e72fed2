package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// AuthToken is a bearer credential minted for one agent, optionally itself
// a delegate. Only the sha256 hash of the secret is stored; the raw string
// leaves the issuer exactly once.
type AuthToken struct {
	ID               string     `json:"id"`
	TokenHash        string     `json:"-"`
	AgentID          string     `json:"agent_id"`
	IssuedAt         time.Time  `json:"issued_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	Scope            []string   `json:"scope"`
	IsDelegate       bool       `json:"is_delegate"`
	DelegatedBy      string     `json:"delegated_by,omitempty"`
	RequestOrigin    string     `json:"request_origin,omitempty"`
	IsRevoked        bool       `json:"is_revoked"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
	Version          int64      `json:"-"`
}

// DelegatedToken chains a human principal through an agent to an external
// service. usage_count grows on every validated use; the audit trail only
// ever gains entries.
type DelegatedToken struct {
	ID               string     `json:"token_id"`
	TokenHash        string     `json:"-"`
	PrincipalID      string     `json:"principal_id"`
	AgentID          string     `json:"agent_id"`
	Scope            []string   `json:"scope"`
	Purpose          string     `json:"delegation_purpose"`
	IssuedAt         time.Time  `json:"issued_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	TargetServiceID  string     `json:"target_service_id,omitempty"`
	IsRevoked        bool       `json:"is_revoked"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
	UsageCount       int64      `json:"usage_count"`
	Version          int64      `json:"-"`
}

// TrailEntry is one row of a delegated token's append-only audit trail.
type TrailEntry struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	Result    string    `json:"result"`
	Details   string    `json:"details,omitempty"`
}

// Token string prefixes distinguish agent tokens from delegated tokens on
// the wire without revealing anything else.
const (
	PrefixAuth      = "pxm_"
	PrefixDelegated = "dtk_"
)

// NewTokenString mints an unguessable bearer string: a prefix plus 32
// bytes (256 bits) from crypto/rand, hex encoded.
func NewTokenString(prefix string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return prefix + hex.EncodeToString(buf), nil
}

// HashToken returns the sha256 hex digest used to store and look up a
// token string.
func HashToken(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
