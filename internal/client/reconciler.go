// ABOUTME: Reconciles optimistic local chat state with authoritative server frames
// ABOUTME: Discards the optimistic echo on arrival so messages never duplicate

package client

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/finsight/chatgate/internal/session"
	"github.com/finsight/chatgate/internal/store"
)

// Message is one entry in the reconciler's message view. Optimistic
// entries carry a local id until the authoritative copy replaces them.
type Message struct {
	ID         string
	Role       string
	Content    string
	CreatedAt  time.Time
	Optimistic bool
}

// Conversation is the reconciler's summary of one conversation.
type Conversation struct {
	ID        string
	Title     string
	UpdatedAt time.Time
}

// Reconciler keeps the locally cached conversation list and active message
// list consistent with the authoritative store under optimistic local echo.
// Safe for concurrent use by the send path and the frame callbacks.
type Reconciler struct {
	mu            sync.Mutex
	conversations []Conversation
	activeID      string
	messages      []Message
	titled        map[string]bool
}

// NewReconciler creates an empty reconciler.
func NewReconciler() *Reconciler {
	return &Reconciler{titled: make(map[string]bool)}
}

// SetConversations replaces the cached conversation list, preserving order
// as given (callers list most recent first).
func (r *Reconciler) SetConversations(convs []Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversations = append([]Conversation(nil), convs...)
}

// Activate switches the active conversation and installs its message history.
func (r *Reconciler) Activate(conversationID string, history []Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeID = conversationID
	r.messages = append([]Message(nil), history...)
}

// SubmitLocal appends the user's message optimistically, before the round
// trip completes. Returns the request frame to send.
func (r *Reconciler) SubmitLocal(content string) session.RequestFrame {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = append(r.messages, Message{
		ID:         "local-" + uuid.NewString(),
		Role:       string(store.MessageRoleUser),
		Content:    content,
		CreatedAt:  time.Now(),
		Optimistic: true,
	})
	return session.RequestFrame{
		Type:           session.FrameRequest,
		Message:        content,
		ConversationID: r.activeID,
	}
}

// ApplyResponse reconciles an authoritative response frame. The optimistic
// echo for the exchange is discarded and the authoritative pair adopted
// verbatim, so the user message never appears twice. Title auto-generation
// runs at most once per conversation and never overwrites a non-sentinel
// title.
func (r *Reconciler) ApplyResponse(frame session.ResponseFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// a response for a brand-new conversation adopts its id
	if r.activeID == "" {
		r.activeID = frame.ConversationID
	}

	if frame.ConversationID == r.activeID {
		r.dropOptimistic(frame.UserMessage.Content)
		r.messages = append(r.messages,
			Message{
				ID:        frame.UserMessage.ID,
				Role:      frame.UserMessage.Role,
				Content:   frame.UserMessage.Content,
				CreatedAt: frame.UserMessage.CreatedAt,
			},
			Message{
				ID:        frame.AgentMessage.ID,
				Role:      frame.AgentMessage.Role,
				Content:   frame.AgentMessage.Content,
				CreatedAt: frame.AgentMessage.CreatedAt,
			},
		)
	}

	r.upsertConversation(frame)
}

// dropOptimistic removes the oldest optimistic entry matching content.
// Caller holds the lock.
func (r *Reconciler) dropOptimistic(content string) {
	for i, m := range r.messages {
		if m.Optimistic && m.Content == content {
			r.messages = append(r.messages[:i], r.messages[i+1:]...)
			return
		}
	}
}

// upsertConversation updates the cached list entry for the frame's
// conversation, creating it when the conversation is new, and applies title
// auto-generation. Caller holds the lock.
func (r *Reconciler) upsertConversation(frame session.ResponseFrame) {
	now := frame.AgentMessage.CreatedAt

	for i := range r.conversations {
		if r.conversations[i].ID != frame.ConversationID {
			continue
		}
		r.conversations[i].UpdatedAt = now
		r.applyTitle(&r.conversations[i], frame)
		return
	}

	view := Conversation{
		ID:        frame.ConversationID,
		Title:     store.SentinelTitle,
		UpdatedAt: now,
	}
	r.applyTitle(&view, frame)
	r.conversations = append([]Conversation{view}, r.conversations...)
}

// applyTitle runs exactly-once best-effort title generation. The server may
// have already chosen a title (carried on the frame); otherwise one is
// derived from the first user message. Caller holds the lock.
func (r *Reconciler) applyTitle(view *Conversation, frame session.ResponseFrame) {
	if r.titled[view.ID] || view.Title != store.SentinelTitle {
		return
	}
	r.titled[view.ID] = true

	if frame.Title != "" {
		view.Title = frame.Title
		return
	}
	view.Title = GenerateTitle(frame.UserMessage.Content, frame.UserMessage.CreatedAt)
}

// ApplyError records a protocol or agent failure as a local system-error
// entry. The optimistic user message stays so the user can resend it.
func (r *Reconciler) ApplyError(frame session.ErrorFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = append(r.messages, Message{
		ID:        "local-" + uuid.NewString(),
		Role:      string(store.MessageRoleError),
		Content:   frame.Message,
		CreatedAt: time.Now(),
	})
}

// ConfirmDelete removes a conversation after the server acknowledged the
// deletion. There is no optimistic variant: callers must wait for the ack.
func (r *Reconciler) ConfirmDelete(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, c := range r.conversations {
		if c.ID == conversationID {
			r.conversations = append(r.conversations[:i], r.conversations[i+1:]...)
			break
		}
	}
	if r.activeID == conversationID {
		r.activeID = ""
		r.messages = nil
	}
}

// Messages returns a copy of the active conversation's message view.
func (r *Reconciler) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Conversations returns a copy of the cached conversation list.
func (r *Reconciler) Conversations() []Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Conversation(nil), r.conversations...)
}

// ActiveID returns the active conversation id, empty when none is active.
func (r *Reconciler) ActiveID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeID
}

// topicTitles maps question keywords to display titles. First match wins.
var topicTitles = []struct {
	keyword string
	title   string
}{
	{"revenue", "Revenue analysis"},
	{"sales", "Sales figures"},
	{"margin", "Margin review"},
	{"budget", "Budget discussion"},
	{"forecast", "Forecasting"},
	{"cost", "Cost breakdown"},
	{"profit", "Profitability"},
	{"invoice", "Invoices"},
	{"customer", "Customer data"},
	{"report", "Reporting"},
}

// GenerateTitle derives a short conversation title from the first user
// message: keyword match first, then a truncation of the message, then a
// date-stamped default.
func GenerateTitle(firstMessage string, at time.Time) string {
	lowered := strings.ToLower(firstMessage)
	for _, topic := range topicTitles {
		if strings.Contains(lowered, topic.keyword) {
			return topic.title
		}
	}

	trimmed := strings.TrimSpace(firstMessage)
	if trimmed != "" {
		runes := []rune(trimmed)
		if len(runes) > 40 {
			return string(runes[:40]) + "…"
		}
		return trimmed
	}

	return fmt.Sprintf("Chat %s", at.Format("2006-01-02"))
}
