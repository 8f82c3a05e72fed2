package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/proxyme/proxyme/internal/apperr"
	"github.com/proxyme/proxyme/internal/audit"
)

// CascadeRevoker revokes every live token held by an agent. Implemented by
// the token engine; wired in here so that agent deletion and status changes
// cascade without the agent package importing the token package.
type CascadeRevoker interface {
	CascadeRevokeAgent(ctx context.Context, agentID, reason string) (int, error)
}

// RegisterRoutes mounts agent endpoints under /api/agents.
func RegisterRoutes(r chi.Router, store *Store, recorder *audit.Recorder, revoker CascadeRevoker) {
	r.Route("/api/agents", func(r chi.Router) {
		r.Post("/", handleRegister(store, recorder))
		r.Get("/", handleList(store))
		r.Get("/{id}", handleGet(store))
		r.Get("/{id}/access_log", handleAccessLog(store))
		r.Post("/{id}/status", handleSetStatus(store, recorder, revoker))
		r.Delete("/{id}", handleDelete(store, recorder, revoker))
	})
}

type registerRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Scopes      []string `json:"scopes"`
}

// Registration is returned once at agent creation; the client secret is
// never recoverable afterwards.
type Registration struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Agent        *Agent `json:"agent"`
}

func handleRegister(store *Store, recorder *audit.Recorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		resp, err := Register(r.Context(), store, recorder, req.Name, req.Description, req.Scopes, r.RemoteAddr)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		writeJSON(w, http.StatusCreated, resp)
	}
}

func handleList(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agents, err := store.List(r.Context(), Status(r.URL.Query().Get("status")))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if agents == nil {
			agents = []Agent{}
		}
		writeJSON(w, http.StatusOK, agents)
	}
}

func handleGet(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := store.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

func handleAccessLog(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := store.Get(r.Context(), id); err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		entries, err := store.AccessLog(r.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if entries == nil {
			entries = []AccessLogEntry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

type statusRequest struct {
	Status Status `json:"status"`
	Reason string `json:"reason"`
}

func handleSetStatus(store *Store, recorder *audit.Recorder, revoker CascadeRevoker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var req statusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		switch req.Status {
		case StatusActive, StatusSuspended, StatusRevoked:
		default:
			http.Error(w, "invalid status", http.StatusBadRequest)
			return
		}

		a, err := store.SetStatus(r.Context(), id, req.Status)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		revoked := 0
		if req.Status != StatusActive && revoker != nil {
			reason := req.Reason
			if reason == "" {
				reason = "agent " + string(req.Status)
			}
			revoked, err = revoker.CascadeRevokeAgent(r.Context(), id, reason)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}

		recorder.Record(r.Context(), audit.Entry{
			EventType: audit.EventAgentStatus,
			Action:    "set_status",
			Status:    audit.StatusSuccess,
			AgentID:   id,
			IPAddress: r.RemoteAddr,
			Details:   map[string]any{"status": req.Status, "tokens_revoked": revoked},
		})

		writeJSON(w, http.StatusOK, a)
	}
}

func handleDelete(store *Store, recorder *audit.Recorder, revoker CascadeRevoker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if _, err := store.Get(r.Context(), id); err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}

		// Revoke every live token before the record goes away.
		revoked := 0
		if revoker != nil {
			var err error
			revoked, err = revoker.CascadeRevokeAgent(r.Context(), id, "agent deleted")
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}

		if err := store.Delete(r.Context(), id); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		recorder.Record(r.Context(), audit.Entry{
			EventType: audit.EventAgentStatus,
			Action:    "delete",
			Status:    audit.StatusSuccess,
			AgentID:   id,
			IPAddress: r.RemoteAddr,
			Details:   map[string]any{"tokens_revoked": revoked},
		})

		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
