package engine

import (
	"context"
	"errors"

	"github.com/kalambet/convqa/internal/llm"
	"github.com/kalambet/convqa/internal/ollama"
)

// OllamaEngine adapts the internal/ollama.Client to the Engine interface.
type OllamaEngine struct {
	client *ollama.Client
}

// NewOllamaEngine creates an OllamaEngine backed by an Ollama server at baseURL.
func NewOllamaEngine(baseURL string) *OllamaEngine {
	return &OllamaEngine{client: ollama.New(baseURL)}
}

func (e *OllamaEngine) Name() string { return ProviderOllama }

// Complete sends one chat request and classifies failures into llm kinds.
func (e *OllamaEngine) Complete(ctx context.Context, req llm.Request) (string, error) {
	msgs := make([]ollama.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = ollama.Message{Role: m.Role, Content: m.Content}
	}

	out, err := e.client.Chat(ctx, req.Model, msgs, req.JSON, &ollama.Options{Temperature: req.Temperature})
	if err != nil {
		var se *ollama.StatusError
		if errors.As(err, &se) {
			return "", &llm.Error{Kind: kindForStatus(se.Status), Err: err}
		}
		return "", &llm.Error{Kind: kindForTransport(err), Err: err}
	}
	return out, nil
}

func (e *OllamaEngine) IsRunning(ctx context.Context) bool {
	return e.client.IsRunning(ctx)
}

func (e *OllamaEngine) ListModels(ctx context.Context) ([]string, error) {
	return e.client.ListModels(ctx)
}

func (e *OllamaEngine) HasModel(ctx context.Context, name string) bool {
	return e.client.HasModel(ctx, name)
}

func (e *OllamaEngine) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	var cb func(ollama.PullProgress)
	if onProgress != nil {
		cb = func(p ollama.PullProgress) {
			onProgress(PullProgress{
				Status:    p.Status,
				Total:     p.Total,
				Completed: p.Completed,
			})
		}
	}
	return e.client.PullModel(ctx, name, cb)
}
