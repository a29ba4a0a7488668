// ABOUTME: Client for the upstream data-query agent over HTTP
// ABOUTME: Posts a question plus conversation history and returns the agent's answer

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// Agent call errors
var (
	ErrUnavailable = errors.New("agent unavailable")
	ErrBadResponse = errors.New("agent returned bad response")
)

// maxAnswerBytes caps how much of an agent reply we will buffer.
const maxAnswerBytes = 4 << 20

// Turn is one prior exchange entry sent to the agent for context.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Query is the request body posted to the agent endpoint.
type Query struct {
	ConversationID string `json:"conversation_id"`
	Question       string `json:"question"`
	History        []Turn `json:"history,omitempty"`
}

// Result is the agent's reply.
type Result struct {
	Answer string `json:"answer"`
	Error  string `json:"error,omitempty"`
}

// Querier asks the upstream agent a question. The session engine consumes
// this interface so tests can substitute canned agents.
type Querier interface {
	Ask(ctx context.Context, q Query) (*Result, error)
}

// Config configures the HTTP agent client.
type Config struct {
	// Endpoint is the agent's query URL, e.g. http://agent:8090/query.
	Endpoint string

	// Timeout bounds a single agent call. Zero means 60s.
	Timeout time.Duration

	// HTTPClient overrides the default SSRF-guarded client. Used for
	// agents on private addresses and in tests.
	HTTPClient *http.Client
}

// HTTPQuerier implements Querier against an HTTP agent endpoint.
type HTTPQuerier struct {
	endpoint string
	client   *http.Client
}

// New creates an HTTP agent client. Unless a client is supplied, requests go
// through an SSRF-guarded client that refuses private and loopback addresses,
// since the endpoint is operator configuration that may point anywhere.
func New(cfg Config) (*HTTPQuerier, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("agent endpoint must not be empty")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	client := cfg.HTTPClient
	if client == nil {
		guarded := safeurl.Client(safeurl.GetConfigBuilder().
			SetTimeout(timeout).
			SetAllowedSchemes("http", "https").
			Build())
		client = guarded.Client
	}
	client.Timeout = timeout

	return &HTTPQuerier{endpoint: cfg.Endpoint, client: client}, nil
}

// Ask posts the query to the agent and decodes its answer.
func (h *HTTPQuerier) Ask(ctx context.Context, q Query) (*Result, error) {
	body, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswerBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrBadResponse, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrBadResponse, result.Error)
	}
	if result.Answer == "" {
		return nil, fmt.Errorf("%w: empty answer", ErrBadResponse)
	}

	return &result, nil
}
