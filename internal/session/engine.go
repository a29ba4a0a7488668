// ABOUTME: Per-connection session state machine driving chat exchanges
// ABOUTME: Enforces one in-flight request and typing-then-response frame order

package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/finsight/chatgate/internal/agent"
	"github.com/finsight/chatgate/internal/store"
)

// titleMaxLen bounds the server-derived conversation title.
const titleMaxLen = 50

// Transport is the engine's view of the client connection.
type Transport interface {
	Send(payload []byte) error
	Close() error
}

// Recorder receives metric events from the engine. All methods may be called
// concurrently.
type Recorder interface {
	RecordRequest(outcome string)
	RecordAgentCall(d time.Duration, err error)
}

type nopRecorder struct{}

func (nopRecorder) RecordRequest(string)                 {}
func (nopRecorder) RecordAgentCall(time.Duration, error) {}

// Engine runs the Idle/AwaitingAgent state machine for one live session.
// A single goroutine (Run) processes requests; Submit hands frames over from
// the connection's read loop. Because the hand-off channel is unbuffered, a
// request arriving while another is being processed cannot be accepted, which
// is what makes the one-in-flight rule structural.
type Engine struct {
	accountID string
	store     store.Store
	agent     agent.Querier
	transport Transport
	timeout   time.Duration
	logger    *slog.Logger
	metrics   Recorder

	requests chan RequestFrame
	done     chan struct{}
}

// Config wires an Engine's collaborators.
type Config struct {
	AccountID string
	Store     store.Store
	Agent     agent.Querier
	Transport Transport
	// AgentTimeout bounds each agent call. Zero means 60s.
	AgentTimeout time.Duration
	Logger       *slog.Logger
	// Metrics may be nil.
	Metrics Recorder
}

// NewEngine creates a session engine for one admitted connection.
func NewEngine(cfg Config) *Engine {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = nopRecorder{}
	}
	timeout := cfg.AgentTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Engine{
		accountID: cfg.AccountID,
		store:     cfg.Store,
		agent:     cfg.Agent,
		transport: cfg.Transport,
		timeout:   timeout,
		logger:    cfg.Logger.With("component", "session", "account_id", cfg.AccountID),
		metrics:   metrics,
		requests:  make(chan RequestFrame),
		done:      make(chan struct{}),
	}
}

// Run processes requests until ctx is cancelled. It must run in its own
// goroutine; the connection's read loop feeds it through Submit.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-e.requests:
			e.handle(ctx, req)
		}
	}
}

// Submit offers an inbound frame to the engine. If the engine is mid-exchange
// the request is refused with a request_in_flight error frame and the running
// exchange is unaffected.
func (e *Engine) Submit(data []byte) {
	req, err := DecodeRequest(data)
	if err != nil {
		e.sendError(CodeBadRequest, err.Error())
		e.metrics.RecordRequest("rejected")
		return
	}

	select {
	case e.requests <- *req:
	case <-e.done:
	default:
		e.sendError(CodeRequestInFlight, "a request is already in progress")
		e.metrics.RecordRequest("rejected")
	}
}

// handle runs one full exchange: resolve the conversation, announce typing,
// call the agent, persist the pair, emit the response.
func (e *Engine) handle(ctx context.Context, req RequestFrame) {
	conv, err := e.resolveConversation(ctx, req.ConversationID)
	if err != nil {
		e.sendError(CodeBadRequest, "conversation not found")
		e.metrics.RecordRequest("rejected")
		return
	}

	e.sendTyping(true)

	history, err := e.loadHistory(ctx, conv.ID)
	if err != nil {
		e.logger.Error("load history failed", "error", err)
		e.sendError(CodeAgentError, "could not load conversation history")
		e.sendTyping(false)
		e.metrics.RecordRequest("error")
		return
	}

	// The agent call survives connection teardown; its result is simply
	// discarded when nobody is left to receive it.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	start := time.Now()
	result, err := e.agent.Ask(callCtx, agent.Query{
		ConversationID: conv.ID,
		Question:       req.Message,
		History:        history,
	})
	e.metrics.RecordAgentCall(time.Since(start), err)

	if err != nil {
		e.logger.Warn("agent call failed", "conversation_id", conv.ID, "error", err)
		e.sendError(CodeAgentError, "the agent could not answer, please try again")
		e.sendTyping(false)
		e.metrics.RecordRequest("error")
		return
	}

	userMsg, agentMsg, err := e.persistExchange(ctx, conv.ID, req.Message, result.Answer)
	if err != nil {
		e.logger.Error("persist exchange failed", "conversation_id", conv.ID, "error", err)
		e.sendError(CodeAgentError, "could not save the exchange")
		e.sendTyping(false)
		e.metrics.RecordRequest("error")
		return
	}

	title := e.maybeTitle(ctx, conv, req.Message)

	e.sendFrame(ResponseFrame{
		Type:           FrameResponse,
		UserMessage:    toPayload(userMsg),
		AgentMessage:   toPayload(agentMsg),
		ConversationID: conv.ID,
		Title:          title,
	})
	e.sendTyping(false)
	e.metrics.RecordRequest("ok")
}

// resolveConversation loads the target conversation or creates a fresh one
// when the request names none. Ownership is checked so one account cannot
// post into another's conversation.
func (e *Engine) resolveConversation(ctx context.Context, id string) (*store.Conversation, error) {
	if id == "" {
		now := time.Now().UTC()
		conv := &store.Conversation{
			ID:        uuid.NewString(),
			AccountID: e.accountID,
			Title:     store.SentinelTitle,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := e.store.CreateConversation(ctx, conv); err != nil {
			return nil, err
		}
		return conv, nil
	}

	conv, err := e.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.AccountID != e.accountID {
		return nil, store.ErrNotFound
	}
	return conv, nil
}

func (e *Engine) loadHistory(ctx context.Context, conversationID string) ([]agent.Turn, error) {
	msgs, err := e.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	turns := make([]agent.Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, agent.Turn{Role: string(m.Role), Content: m.Content})
	}
	return turns, nil
}

// persistExchange appends the user message then the agent message, in that
// order, and bumps the conversation's updated_at.
func (e *Engine) persistExchange(ctx context.Context, conversationID, question, answer string) (*store.Message, *store.Message, error) {
	now := time.Now().UTC()
	userMsg := &store.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           store.MessageRoleUser,
		Content:        question,
		CreatedAt:      now,
	}
	agentMsg := &store.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           store.MessageRoleAgent,
		Content:        answer,
		CreatedAt:      now.Add(time.Microsecond),
	}

	if err := e.store.AppendMessage(ctx, userMsg); err != nil {
		return nil, nil, err
	}
	if err := e.store.AppendMessage(ctx, agentMsg); err != nil {
		return nil, nil, err
	}
	if err := e.store.TouchConversation(ctx, conversationID, now); err != nil {
		return nil, nil, err
	}
	return userMsg, agentMsg, nil
}

// maybeTitle derives a title from the first user message and applies it only
// while the stored title is still the sentinel. Returns the title the client
// should display, empty when nothing changed.
func (e *Engine) maybeTitle(ctx context.Context, conv *store.Conversation, firstMessage string) string {
	if conv.Title != store.SentinelTitle {
		return ""
	}
	title := deriveTitle(firstMessage)
	changed, err := e.store.SetConversationTitleIfUnset(ctx, conv.ID, title)
	if err != nil {
		e.logger.Warn("title update failed", "conversation_id", conv.ID, "error", err)
		return ""
	}
	if !changed {
		return ""
	}
	return title
}

// deriveTitle truncates the message to a short label, cutting at a space
// where possible.
func deriveTitle(message string) string {
	runes := []rune(message)
	if len(runes) <= titleMaxLen {
		return message
	}
	cut := titleMaxLen
	for i := titleMaxLen; i > titleMaxLen/2; i-- {
		if runes[i] == ' ' {
			cut = i
			break
		}
	}
	return string(runes[:cut]) + "…"
}

func toPayload(m *store.Message) MessagePayload {
	return MessagePayload{
		ID:        m.ID,
		Role:      string(m.Role),
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}

func (e *Engine) sendTyping(typing bool) {
	e.sendFrame(TypingFrame{Type: FrameTyping, Typing: typing})
}

func (e *Engine) sendError(code, message string) {
	e.sendFrame(ErrorFrame{Type: FrameError, Code: code, Message: message})
}

// sendFrame marshals and sends a frame. Send failures after disconnect are
// expected and only logged at debug.
func (e *Engine) sendFrame(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		e.logger.Error("marshal frame failed", "error", err)
		return
	}
	if err := e.transport.Send(data); err != nil {
		e.logger.Debug("frame dropped", "error", err)
	}
}
