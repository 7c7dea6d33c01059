package engine

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/kalambet/convqa/internal/llm"
)

// Provider names accepted by Detect.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// PullProgress reports download progress for a model pull operation.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

// kindForStatus maps an HTTP status returned by a provider to a failure kind.
func kindForStatus(code int) llm.Kind {
	switch {
	case code == http.StatusUnauthorized:
		return llm.KindAuth
	case code == http.StatusForbidden:
		return llm.KindPermission
	case code == http.StatusRequestTimeout:
		return llm.KindTimeout
	case code == http.StatusTooManyRequests:
		return llm.KindRateLimited
	case code >= 500:
		return llm.KindServer
	case code >= 400:
		return llm.KindBadRequest
	}
	return llm.KindConnection
}

// kindForTransport classifies errors raised before any HTTP status was seen.
func kindForTransport(err error) llm.Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return llm.KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return llm.KindTimeout
	}
	return llm.KindConnection
}
