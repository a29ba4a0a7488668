// ABOUTME: Admin HTTP API for account lifecycle operations
// ABOUTME: List, decide, suspend/reinstate, role changes, and deletion

package gateway

import (
	"net/http"
	"strings"

	"github.com/finsight/chatgate/internal/account"
	"github.com/finsight/chatgate/internal/auth"
	"github.com/finsight/chatgate/internal/store"
)

// DecideRequest is the JSON request body for POST /api/admin/accounts/{id}/decide.
type DecideRequest struct {
	Action string `json:"action"` // "approve" or "reject"
	Reason string `json:"reason,omitempty"`
}

// SetStatusRequest is the JSON request body for POST /api/admin/accounts/{id}/status.
type SetStatusRequest struct {
	Status string `json:"status"` // "approved" or "suspended"
}

// SetRoleRequest is the JSON request body for POST /api/admin/accounts/{id}/role.
type SetRoleRequest struct {
	Role string `json:"role"` // "user" or "admin"
}

// handleAdminAccounts handles GET /api/admin/accounts with an optional
// ?status= filter.
func (g *Gateway) handleAdminAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	status := store.AccountStatus(r.URL.Query().Get("status"))
	accts, err := g.accounts.List(r.Context(), status)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	out := make([]AccountResponse, 0, len(accts))
	for _, a := range accts {
		out = append(out, toAccountResponse(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": out})
}

// handleAdminAccountByID routes /api/admin/accounts/{id}[/action].
func (g *Gateway) handleAdminAccountByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/admin/accounts/")
	parts := strings.SplitN(rest, "/", 2)
	targetID := parts[0]
	if targetID == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	actorID := auth.FromContext(r.Context()).AccountID

	switch {
	case action == "" && r.Method == http.MethodGet:
		g.adminGetAccount(w, r, targetID)
	case action == "" && r.Method == http.MethodDelete:
		g.adminDeleteAccount(w, r, actorID, targetID)
	case action == "decide" && r.Method == http.MethodPost:
		g.adminDecide(w, r, actorID, targetID)
	case action == "status" && r.Method == http.MethodPost:
		g.adminSetStatus(w, r, actorID, targetID)
	case action == "role" && r.Method == http.MethodPost:
		g.adminSetRole(w, r, actorID, targetID)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (g *Gateway) adminGetAccount(w http.ResponseWriter, r *http.Request, targetID string) {
	acct, err := g.accounts.Get(r.Context(), targetID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(acct))
}

func (g *Gateway) adminDecide(w http.ResponseWriter, r *http.Request, actorID, targetID string) {
	var req DecideRequest
	if !decodeBody(w, r, &req) {
		return
	}

	action := account.DecideAction(req.Action)
	if action != account.ActionApprove && action != account.ActionReject {
		writeError(w, http.StatusBadRequest, "action must be approve or reject")
		return
	}

	if err := g.accounts.Decide(r.Context(), actorID, targetID, action, req.Reason); err != nil {
		writeServiceError(w, err)
		return
	}
	g.adminGetAccount(w, r, targetID)
}

func (g *Gateway) adminSetStatus(w http.ResponseWriter, r *http.Request, actorID, targetID string) {
	var req SetStatusRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := g.accounts.SetStatus(r.Context(), actorID, targetID, store.AccountStatus(req.Status)); err != nil {
		writeServiceError(w, err)
		return
	}
	g.adminGetAccount(w, r, targetID)
}

func (g *Gateway) adminSetRole(w http.ResponseWriter, r *http.Request, actorID, targetID string) {
	var req SetRoleRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := g.accounts.SetRole(r.Context(), actorID, targetID, store.AccountRole(req.Role)); err != nil {
		writeServiceError(w, err)
		return
	}
	g.adminGetAccount(w, r, targetID)
}

func (g *Gateway) adminDeleteAccount(w http.ResponseWriter, r *http.Request, actorID, targetID string) {
	if err := g.accounts.Delete(r.Context(), actorID, targetID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
