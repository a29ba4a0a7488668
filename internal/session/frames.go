// ABOUTME: JSON wire frames exchanged over a live session connection
// ABOUTME: All frames carry a "type" discriminator: request, typing, response, error

package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame type discriminator values.
const (
	FrameRequest  = "request"
	FrameTyping   = "typing"
	FrameResponse = "response"
	FrameError    = "error"
)

// RequestFrame is the client-to-server chat request. ConversationID is empty
// when the client wants a new conversation started.
type RequestFrame struct {
	Type           string `json:"type"`
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
}

// TypingFrame signals whether the agent is working on a request.
type TypingFrame struct {
	Type   string `json:"type"`
	Typing bool   `json:"typing"`
}

// MessagePayload is the authoritative copy of one stored message.
type MessagePayload struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// ResponseFrame carries the authoritative user/agent message pair for one
// completed exchange.
type ResponseFrame struct {
	Type           string         `json:"type"`
	UserMessage    MessagePayload `json:"userMessage"`
	AgentMessage   MessagePayload `json:"agentMessage"`
	ConversationID string         `json:"conversationId"`
	Title          string         `json:"title,omitempty"`
}

// ErrorFrame reports a protocol or agent failure to the client.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Error codes carried on ErrorFrame.
const (
	CodeRequestInFlight = "request_in_flight"
	CodeAgentError      = "agent_error"
	CodeBadRequest      = "bad_request"
)

// DecodeRequest parses an inbound frame and requires it to be a request.
func DecodeRequest(data []byte) (*RequestFrame, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if probe.Type != FrameRequest {
		return nil, fmt.Errorf("unexpected frame type %q", probe.Type)
	}

	var req RequestFrame
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("malformed request frame: %w", err)
	}
	if req.Message == "" {
		return nil, fmt.Errorf("request frame has empty message")
	}
	return &req, nil
}
