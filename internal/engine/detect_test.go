package engine

import (
	"net/http"
	"testing"

	"github.com/kalambet/convqa/internal/llm"
)

func TestDetect(t *testing.T) {
	e, err := Detect(DetectConfig{Provider: ProviderOllama})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if _, ok := e.(*OllamaEngine); !ok {
		t.Errorf("Detect returned %T, want *OllamaEngine", e)
	}

	e, err = Detect(DetectConfig{Provider: ProviderOpenAI, APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if _, ok := e.(*OpenAIEngine); !ok {
		t.Errorf("Detect returned %T, want *OpenAIEngine", e)
	}
}

func TestDetect_Errors(t *testing.T) {
	if _, err := Detect(DetectConfig{Provider: ProviderOpenAI}); err == nil {
		t.Error("expected error for openai without API key")
	}
	if _, err := Detect(DetectConfig{Provider: "mlx"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestKindForStatus(t *testing.T) {
	tests := map[int]llm.Kind{
		http.StatusUnauthorized:        llm.KindAuth,
		http.StatusForbidden:           llm.KindPermission,
		http.StatusBadRequest:          llm.KindBadRequest,
		http.StatusNotFound:            llm.KindBadRequest,
		http.StatusUnprocessableEntity: llm.KindBadRequest,
		http.StatusRequestTimeout:      llm.KindTimeout,
		http.StatusTooManyRequests:     llm.KindRateLimited,
		http.StatusInternalServerError: llm.KindServer,
		http.StatusServiceUnavailable:  llm.KindServer,
	}
	for code, want := range tests {
		if got := kindForStatus(code); got != want {
			t.Errorf("kindForStatus(%d) = %v, want %v", code, got, want)
		}
	}
}
