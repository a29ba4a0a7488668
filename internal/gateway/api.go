// ABOUTME: HTTP API handlers for registration, login, and conversations
// ABOUTME: Maps lifecycle errors onto HTTP status codes

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/finsight/chatgate/internal/account"
	"github.com/finsight/chatgate/internal/auth"
	"github.com/finsight/chatgate/internal/store"
)

// RegisterRequest is the JSON request body for POST /api/auth/register.
type RegisterRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginRequest is the JSON request body for POST /api/auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is the JSON response for a successful login.
type LoginResponse struct {
	Token   string          `json:"token"`
	Account AccountResponse `json:"account"`
}

// AccountResponse is the JSON shape of an account in API responses.
type AccountResponse struct {
	ID              string `json:"id"`
	Email           string `json:"email"`
	Username        string `json:"username"`
	Status          string `json:"status"`
	Role            string `json:"role"`
	CreatedAt       string `json:"created_at"`
	ApprovedAt      string `json:"approved_at,omitempty"`
	RejectionReason string `json:"rejection_reason,omitempty"`
}

// ConversationResponse is the JSON shape of a conversation.
type ConversationResponse struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// MessageResponse is the JSON shape of a stored message.
type MessageResponse struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// ConversationDetailResponse is the JSON response for one conversation with
// its full message history.
type ConversationDetailResponse struct {
	ConversationResponse
	Messages []MessageResponse `json:"messages"`
}

// RenameRequest is the JSON request body for renaming a conversation.
type RenameRequest struct {
	Title string `json:"title"`
}

func toAccountResponse(a *store.Account) AccountResponse {
	resp := AccountResponse{
		ID:              a.ID,
		Email:           a.Email,
		Username:        a.Username,
		Status:          string(a.Status),
		Role:            string(a.Role),
		CreatedAt:       a.CreatedAt.Format(time.RFC3339),
		RejectionReason: a.RejectionReason,
	}
	if a.ApprovedAt != nil {
		resp.ApprovedAt = a.ApprovedAt.Format(time.RFC3339)
	}
	return resp
}

func toConversationResponse(c *store.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:        c.ID,
		Title:     c.Title,
		CreatedAt: c.CreatedAt.Format(time.RFC3339),
		UpdatedAt: c.UpdatedAt.Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps lifecycle and store errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, account.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, account.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, account.ErrInvalidSelfAction):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, account.ErrDomainNotAllowed):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, account.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, store.ErrDuplicateIdentity):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// handleRegister handles POST /api/auth/register.
func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req RegisterRequest
	if !decodeBody(w, r, &req) {
		return
	}

	acct, err := g.accounts.Register(r.Context(), req.Email, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, account.ErrDomainNotAllowed) || errors.Is(err, store.ErrDuplicateIdentity) {
			writeServiceError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if g.metrics != nil {
		g.metrics.RecordRegistration()
	}
	writeJSON(w, http.StatusCreated, toAccountResponse(acct))
}

// handleLogin handles POST /api/auth/login. Tokens are only issued to
// approved accounts; everyone else learns their current status.
func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req LoginRequest
	if !decodeBody(w, r, &req) {
		return
	}

	acct, err := g.accounts.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	switch acct.Status {
	case store.StatusApproved:
	case store.StatusPending:
		writeError(w, http.StatusForbidden, "account is pending approval")
		return
	case store.StatusRejected:
		writeError(w, http.StatusForbidden, "account registration was rejected")
		return
	case store.StatusSuspended:
		writeError(w, http.StatusForbidden, "account is suspended")
		return
	default:
		writeError(w, http.StatusForbidden, "account is not approved")
		return
	}

	token, err := g.verifier.Generate(acct.ID)
	if err != nil {
		g.logger.Error("token generation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, LoginResponse{Token: token, Account: toAccountResponse(acct)})
}

// handleMe handles GET /api/auth/me.
func (g *Gateway) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authCtx := auth.FromContext(r.Context())
	acct, err := g.accounts.Get(r.Context(), authCtx.AccountID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(acct))
}

// handleOwnAccount handles DELETE /api/account (self-delete).
func (g *Gateway) handleOwnAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authCtx := auth.FromContext(r.Context())
	if err := g.accounts.Delete(r.Context(), authCtx.AccountID, authCtx.AccountID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleConversations handles GET (list) and POST (create) on /api/conversations.
func (g *Gateway) handleConversations(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())

	switch r.Method {
	case http.MethodGet:
		convs, err := g.store.ListConversations(r.Context(), authCtx.AccountID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		out := make([]ConversationResponse, 0, len(convs))
		for _, c := range convs {
			out = append(out, toConversationResponse(c))
		}
		writeJSON(w, http.StatusOK, map[string]any{"conversations": out})

	case http.MethodPost:
		var req RenameRequest
		if !decodeBody(w, r, &req) {
			return
		}
		title := strings.TrimSpace(req.Title)
		if title == "" {
			title = store.SentinelTitle
		}
		now := time.Now().UTC()
		conv := &store.Conversation{
			ID:        uuid.NewString(),
			AccountID: authCtx.AccountID,
			Title:     title,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := g.store.CreateConversation(r.Context(), conv); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toConversationResponse(conv))

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// loadOwnedConversation fetches a conversation and enforces ownership.
// Admins may read any conversation.
func (g *Gateway) loadOwnedConversation(w http.ResponseWriter, r *http.Request, id string) *store.Conversation {
	authCtx := auth.FromContext(r.Context())
	conv, err := g.store.GetConversation(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return nil
	}
	if conv.AccountID != authCtx.AccountID && !authCtx.IsAdmin() {
		writeError(w, http.StatusNotFound, "not found")
		return nil
	}
	return conv
}

// handleConversationByID handles GET, PATCH, and DELETE on
// /api/conversations/{id}.
func (g *Gateway) handleConversationByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	conv := g.loadOwnedConversation(w, r, id)
	if conv == nil {
		return
	}

	switch r.Method {
	case http.MethodGet:
		msgs, err := g.store.ListMessages(r.Context(), conv.ID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		detail := ConversationDetailResponse{
			ConversationResponse: toConversationResponse(conv),
			Messages:             make([]MessageResponse, 0, len(msgs)),
		}
		for _, m := range msgs {
			detail.Messages = append(detail.Messages, MessageResponse{
				ID:        m.ID,
				Role:      string(m.Role),
				Content:   m.Content,
				CreatedAt: m.CreatedAt.Format(time.RFC3339Nano),
			})
		}
		writeJSON(w, http.StatusOK, detail)

	case http.MethodPatch:
		var req RenameRequest
		if !decodeBody(w, r, &req) {
			return
		}
		title := strings.TrimSpace(req.Title)
		if title == "" {
			writeError(w, http.StatusBadRequest, "title must not be empty")
			return
		}
		if err := g.store.SetConversationTitle(r.Context(), conv.ID, title); err != nil {
			writeServiceError(w, err)
			return
		}
		conv.Title = title
		writeJSON(w, http.StatusOK, toConversationResponse(conv))

	case http.MethodDelete:
		// the 204 is the deletion ack; clients drop local state only on it
		if err := g.store.DeleteConversation(r.Context(), conv.ID); err != nil {
			writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
