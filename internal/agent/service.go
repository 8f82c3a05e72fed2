package agent

import (
	"context"
	"fmt"

	"github.com/proxyme/proxyme/internal/apperr"
	"github.com/proxyme/proxyme/internal/audit"
)

// Register creates a new agent with the given base permission scopes and
// returns the one-time client credentials. Used by both the HTTP surface
// and the CLI.
func Register(ctx context.Context, store *Store, recorder *audit.Recorder, name, description string, scopes []string, origin string) (*Registration, error) {
	if len(scopes) == 0 {
		return nil, fmt.Errorf("at least one scope is required: %w", apperr.ErrValidation)
	}

	secret, hash, err := NewSecret()
	if err != nil {
		return nil, err
	}

	a := &Agent{
		Name:        name,
		Description: description,
		SecretHash:  hash,
		Permissions: scopes,
	}
	if err := store.Create(ctx, a); err != nil {
		return nil, err
	}

	if recorder != nil {
		recorder.Record(ctx, audit.Entry{
			EventType: audit.EventAgentRegistration,
			Action:    "register_agent",
			Status:    audit.StatusSuccess,
			AgentID:   a.ID,
			IPAddress: origin,
			Details:   map[string]any{"scopes": scopes},
		})
	}

	return &Registration{ClientID: a.ID, ClientSecret: secret, Agent: a}, nil
}
