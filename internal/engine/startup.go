package engine

import (
	"context"
	"fmt"
	"io"
)

// EnsureReady checks that the Engine is reachable and the model is available.
// A missing model is pulled when the engine supports it, with progress
// output written to w.
func EnsureReady(ctx context.Context, e Engine, model string, w io.Writer) error {
	if !e.IsRunning(ctx) {
		return fmt.Errorf("%s backend is not reachable; check model.base_url and credentials", e.Name())
	}
	if model == "" {
		return nil
	}

	if e.HasModel(ctx, model) {
		fmt.Fprintf(w, "model %s: ready\n", model)
		return nil
	}

	p, ok := e.(Puller)
	if !ok {
		return fmt.Errorf("model %s is not available on %s", model, e.Name())
	}

	fmt.Fprintf(w, "model %s: pulling...\n", model)
	err := p.PullModel(ctx, model, func(pr PullProgress) {
		if pr.Total > 0 {
			pct := float64(pr.Completed) / float64(pr.Total) * 100
			fmt.Fprintf(w, "  %s %.0f%%\n", pr.Status, pct)
		} else {
			fmt.Fprintf(w, "  %s\n", pr.Status)
		}
	})
	if err != nil {
		return fmt.Errorf("pulling model %s: %w", model, err)
	}
	fmt.Fprintf(w, "model %s: ready\n", model)
	return nil
}
