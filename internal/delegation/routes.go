package delegation

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/proxyme/proxyme/internal/apperr"
	"github.com/proxyme/proxyme/internal/scope"
	"github.com/proxyme/proxyme/internal/token"
)

// RegisterRoutes mounts delegation request endpoints under /api/delegations.
func RegisterRoutes(r chi.Router, wf *Workflow, defaultTTL time.Duration) {
	r.Route("/api/delegations", func(r chi.Router) {
		r.Post("/", handleCreate(wf, defaultTTL))
		r.Get("/", handleList(wf))
		r.Get("/{id}", handleGet(wf))
		r.Post("/{id}/approve", handleApprove(wf))
		r.Post("/{id}/deny", handleDeny(wf))
	})
}

type createRequest struct {
	RequestingAgentID string   `json:"requesting_agent_id"`
	ApprovingAgentID  string   `json:"approving_agent_id"`
	Permissions       []string `json:"requested_permissions"`
	Purpose           string   `json:"purpose"`
	TTLSeconds        int      `json:"ttl_seconds"`
}

func handleCreate(wf *Workflow, defaultTTL time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.RequestingAgentID == "" || req.ApprovingAgentID == "" {
			http.Error(w, "requesting_agent_id and approving_agent_id are required", http.StatusBadRequest)
			return
		}

		ttl := defaultTTL
		if req.TTLSeconds > 0 {
			ttl = time.Duration(req.TTLSeconds) * time.Second
		}

		created, err := wf.Create(r.Context(), CreateParams{
			RequestingAgentID: req.RequestingAgentID,
			ApprovingAgentID:  req.ApprovingAgentID,
			Permissions:       req.Permissions,
			Purpose:           req.Purpose,
			TTL:               ttl,
			Origin:            r.RemoteAddr,
		})
		if err != nil && !apperr.IsPartial(err) {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

func handleList(wf *Workflow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := ListFilter{
			Status:            Status(q.Get("status")),
			RequestingAgentID: q.Get("requesting_agent_id"),
			ApprovingAgentID:  q.Get("approving_agent_id"),
		}
		requests, err := wf.Requests().List(r.Context(), filter)
		if err != nil {
			writeError(w, err)
			return
		}
		if requests == nil {
			requests = []Request{}
		}
		writeJSON(w, http.StatusOK, requests)
	}
}

func handleGet(wf *Workflow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := wf.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
	}
}

type decisionRequest struct {
	AgentID string `json:"agent_id"`
}

type approveResponse struct {
	Request *Request         `json:"request"`
	Token   *token.AuthToken `json:"token"`
	Secret  string           `json:"access_token"`
	Warning string           `json:"warning,omitempty"`
}

func handleApprove(wf *Workflow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req decisionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" {
			http.Error(w, "agent_id is required", http.StatusBadRequest)
			return
		}

		granted, t, raw, err := wf.Approve(r.Context(), chi.URLParam(r, "id"), req.AgentID, r.RemoteAddr)
		if err != nil && !apperr.IsPartial(err) {
			writeError(w, err)
			return
		}

		resp := approveResponse{Request: granted, Token: t, Secret: raw}
		if err != nil {
			resp.Warning = err.Error()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleDeny(wf *Workflow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req decisionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" {
			http.Error(w, "agent_id is required", http.StatusBadRequest)
			return
		}

		denied, err := wf.Deny(r.Context(), chi.URLParam(r, "id"), req.AgentID, r.RemoteAddr)
		if err != nil && !apperr.IsPartial(err) {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, denied)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, apperr.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, apperr.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, apperr.ErrCycleDetected),
		errors.Is(err, apperr.ErrRequestExpired),
		errors.Is(err, apperr.ErrAgentInactive),
		errors.Is(err, apperr.ErrRevoked),
		errors.Is(err, apperr.ErrExpired):
		status = http.StatusForbidden
	case errors.Is(err, apperr.ErrStorage):
		status = http.StatusBadGateway
	default:
		var exceeded *scope.ExceededError
		if errors.As(err, &exceeded) {
			status = http.StatusForbidden
		}
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
