package engine

import (
	"context"

	"github.com/kalambet/convqa/internal/llm"
)

// Engine abstracts a text-generation backend (OpenAI-compatible API or a
// local Ollama server). The model gateway drives it through Complete; the
// CLI uses the remaining methods for readiness checks.
type Engine interface {
	llm.Backend

	// Name identifies the provider in logs and status output.
	Name() string

	// IsRunning reports whether the backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of the models the backend can serve.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the given model name is available.
	HasModel(ctx context.Context, name string) bool
}

// Puller is implemented by engines that can download missing models.
type Puller interface {
	// PullModel downloads a model. The optional callback receives progress updates.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}
