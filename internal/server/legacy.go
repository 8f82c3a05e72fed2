package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/proxyme/proxyme/internal/agent"
	"github.com/proxyme/proxyme/internal/apperr"
	"github.com/proxyme/proxyme/internal/audit"
	"github.com/proxyme/proxyme/internal/token"
)

// registerLegacyRoutes mounts the original top-level endpoints. Clients
// written against the first service keep working unchanged; the /api
// routes are the richer surface.
func (s *Server) registerLegacyRoutes(r chi.Router) {
	r.Post("/register_agent", s.handleLegacyRegister)
	r.Post("/delegate", s.handleLegacyDelegate)
	r.Post("/validate_delegation", s.handleLegacyValidate)
	r.Post("/revoke_delegation", s.handleLegacyRevoke)
	r.Post("/audit_logs", s.handleLegacyAuditLogs)
	r.Get("/.well-known/openid-configuration", s.handleOIDCConfiguration)
}

type legacyRegisterRequest struct {
	Scopes      []string `json:"scopes"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
}

func (s *Server) handleLegacyRegister(w http.ResponseWriter, r *http.Request) {
	var req legacyRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Scopes) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "scopes are required"})
		return
	}

	reg, err := agent.Register(r.Context(), s.agents, s.recorder, req.Name, req.Description, req.Scopes, r.RemoteAddr)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"client_id":     reg.ClientID,
		"client_secret": reg.ClientSecret,
	})
}

type legacyDelegateRequest struct {
	UserID          string   `json:"user_id"`
	AgentID         string   `json:"agent_id"`
	Scopes          []string `json:"scopes"`
	Purpose         string   `json:"purpose"`
	TargetServiceID string   `json:"target_service_id"`
}

func (s *Server) handleLegacyDelegate(w http.ResponseWriter, r *http.Request) {
	var req legacyDelegateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.UserID == "" || req.AgentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id and agent_id are required"})
		return
	}

	t, raw, err := s.issuer.IssueDelegatedToken(r.Context(), token.IssueDelegatedParams{
		PrincipalID:     req.UserID,
		AgentID:         req.AgentID,
		TargetServiceID: req.TargetServiceID,
		Scope:           req.Scopes,
		Purpose:         req.Purpose,
		TTL:             s.cfg.DelegatedTTL(),
		Origin:          r.RemoteAddr,
	})
	if err != nil && !apperr.IsPartial(err) {
		status := http.StatusForbidden
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			// The original reported an unknown agent as 403 "Invalid agent ID".
			writeJSON(w, status, map[string]string{"error": "Invalid agent ID"})
			return
		case errors.Is(err, apperr.ErrValidation):
			status = http.StatusBadRequest
		case errors.Is(err, apperr.ErrStorage):
			status = http.StatusBadGateway
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"delegation_token": raw,
		"token_id":         t.ID,
		"expires_at":       t.ExpiresAt,
	})
}

type legacyTokenRequest struct {
	Token string `json:"delegation_token"`
}

func (s *Server) handleLegacyValidate(w http.ResponseWriter, r *http.Request) {
	var req legacyTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"valid": false, "error": "No token provided"})
		return
	}

	id, err := s.engine.Validate(r.Context(), req.Token, r.RemoteAddr)
	if err != nil && !apperr.IsPartial(err) {
		msg := "Invalid or expired token"
		switch {
		case errors.Is(err, apperr.ErrRevoked):
			msg = "Token revoked"
		case errors.Is(err, apperr.ErrExpired):
			msg = "Token has expired"
		}
		writeJSON(w, http.StatusUnauthorized, map[string]any{"valid": false, "error": msg})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"valid":    true,
		"user_id":  id.PrincipalID,
		"agent_id": id.AgentID,
		"scopes":   id.Scope,
	})
}

func (s *Server) handleLegacyRevoke(w http.ResponseWriter, r *http.Request) {
	var req legacyTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "No token provided"})
		return
	}

	_, already, err := s.engine.RevokeByString(r.Context(), req.Token, "revoked via API", r.RemoteAddr)
	if err != nil && !apperr.IsPartial(err) {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown token"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	status := "revoked"
	if already {
		status = "already_revoked"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

type legacyAuditRequest struct {
	EventType string `json:"event_type"`
	UserID    string `json:"user_id"`
	AgentID   string `json:"agent_id"`
	Status    string `json:"status"`
}

func (s *Server) handleLegacyAuditLogs(w http.ResponseWriter, r *http.Request) {
	var req legacyAuditRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	entries, err := s.auditStore.Query(r.Context(), audit.QueryFilter{
		EventType: audit.EventType(req.EventType),
		UserID:    req.UserID,
		AgentID:   req.AgentID,
		Status:    audit.Status(req.Status),
		Limit:     s.cfg.Audit.QueryLimit,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleOIDCConfiguration serves a discovery document so OIDC-aware
// clients can find the registration and token endpoints. The service
// issues opaque bearer tokens, not signed ID tokens, so no jwks_uri is
// advertised.
func (s *Server) handleOIDCConfiguration(w http.ResponseWriter, r *http.Request) {
	issuer := s.cfg.Server.Issuer
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                issuer,
		"registration_endpoint":                 issuer + "/register_agent",
		"token_endpoint":                        issuer + "/delegate",
		"introspection_endpoint":                issuer + "/validate_delegation",
		"revocation_endpoint":                   issuer + "/revoke_delegation",
		"response_types_supported":              []string{"token"},
		"subject_types_supported":               []string{"public"},
		"scopes_supported":                      []string{"openid", "profile", "email", "read", "write"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
