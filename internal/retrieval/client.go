package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/convqa/internal/conversation"
)

const defaultTimeout = 10 * time.Second

// ErrServiceUnavailable means the retrieval backend could not be asked. It is
// distinct from an empty result, which means nothing relevant was found.
var ErrServiceUnavailable = errors.New("retrieval service unavailable")

// Retriever fetches ranked passages for a question.
type Retriever interface {
	Retrieve(ctx context.Context, knowledgeBaseID, question string, k int) ([]conversation.Passage, error)
}

// Request is the body of POST /retrieve.
type Request struct {
	KnowledgeBaseID string `json:"knowledge_base_id,omitempty"`
	Question        string `json:"question"`
	TopK            int    `json:"top_k"`
}

// Response is the body returned by POST /retrieve.
type Response struct {
	Passages []conversation.Passage `json:"passages"`
}

// Client calls a retrieval backend over HTTP.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

// NewClient creates a client for the backend at baseURL. A zero timeout
// selects the default.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		timeout:    timeout,
		httpClient: &http.Client{},
	}
}

// Retrieve returns at most k passages, best first. An empty slice with a nil
// error means the backend had nothing relevant. Every failure to get an
// answer wraps ErrServiceUnavailable.
func (c *Client) Retrieve(ctx context.Context, knowledgeBaseID, question string, k int) ([]conversation.Passage, error) {
	body, err := json.Marshal(Request{KnowledgeBaseID: knowledgeBaseID, Question: question, TopK: k})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/retrieve", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %v", ErrServiceUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("%w: status %d: %s", ErrServiceUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrServiceUnavailable, err)
	}
	return normalize(out.Passages, k), nil
}

// Healthy reports whether GET /health answers 200.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// normalize drops blank passages, clamps confidence to [0,1] and applies k.
func normalize(in []conversation.Passage, k int) []conversation.Passage {
	out := make([]conversation.Passage, 0, len(in))
	for _, p := range in {
		if strings.TrimSpace(p.Content) == "" {
			continue
		}
		switch {
		case p.Confidence < 0:
			p.Confidence = 0
		case p.Confidence > 1:
			p.Confidence = 1
		}
		out = append(out, p)
		if k > 0 && len(out) == k {
			break
		}
	}
	return out
}
