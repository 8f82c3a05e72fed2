package token

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/proxyme/proxyme/internal/apperr"
)

// RegisterRoutes mounts token endpoints under /api/tokens.
func RegisterRoutes(r chi.Router, engine *Engine) {
	r.Route("/api/tokens", func(r chi.Router) {
		r.Post("/validate", handleValidate(engine))
		r.Get("/{id}", handleGet(engine))
		r.Get("/{id}/trail", handleTrail(engine))
		r.Post("/{id}/revoke", handleRevoke(engine))
	})
}

type validateRequest struct {
	Token string `json:"token"`
}

type validateResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
	*Identity
}

func handleValidate(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req validateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
			writeJSON(w, http.StatusBadRequest, validateResponse{Valid: false, Error: "token is required"})
			return
		}

		id, err := engine.Validate(r.Context(), req.Token, r.RemoteAddr)
		if err != nil && !apperr.IsPartial(err) {
			status := http.StatusForbidden
			if errors.Is(err, apperr.ErrNotFound) {
				status = http.StatusNotFound
			}
			writeJSON(w, status, validateResponse{Valid: false, Error: err.Error()})
			return
		}

		writeJSON(w, http.StatusOK, validateResponse{Valid: true, Identity: id})
	}
}

func handleGet(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if t, err := engine.Store().GetAuthToken(r.Context(), id); err == nil {
			writeJSON(w, http.StatusOK, t)
			return
		}
		if t, err := engine.Store().GetDelegatedToken(r.Context(), id); err == nil {
			writeJSON(w, http.StatusOK, t)
			return
		}
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func handleTrail(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if _, err := engine.Store().GetDelegatedToken(r.Context(), id); err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		entries, err := engine.Store().Trail(r.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if entries == nil {
			entries = []TrailEntry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

func handleRevoke(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var req revokeRequest
		if r.Body != nil {
			json.NewDecoder(r.Body).Decode(&req)
		}
		if req.Reason == "" {
			req.Reason = "revoked by operator"
		}

		already, err := engine.Revoke(r.Context(), id, req.Reason, r.RemoteAddr)
		if err != nil && !apperr.IsPartial(err) {
			if errors.Is(err, apperr.ErrNotFound) {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		status := "revoked"
		if already {
			status = "already_revoked"
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": status, "token_id": id})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
