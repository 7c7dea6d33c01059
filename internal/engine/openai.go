package engine

import (
	"context"
	"errors"
	"math"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/kalambet/convqa/internal/llm"
)

// OpenAIEngine talks to the OpenAI chat completions API or any compatible server.
type OpenAIEngine struct {
	client *openai.Client
}

// NewOpenAIEngine creates an engine for apiKey. An empty baseURL selects the
// public OpenAI endpoint.
func NewOpenAIEngine(apiKey, baseURL string) *OpenAIEngine {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAIEngine{client: openai.NewClientWithConfig(cfg)}
}

func (e *OpenAIEngine) Name() string { return ProviderOpenAI }

func (e *OpenAIEngine) Complete(ctx context.Context, req llm.Request) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	// A zero temperature is dropped by omitempty and the server default applies.
	temp := float32(req.Temperature)
	if temp == 0 {
		temp = math.SmallestNonzeroFloat32
	}

	ccr := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: temp,
	}
	if req.JSON {
		ccr.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := e.client.CreateChatCompletion(ctx, ccr)
	if err != nil {
		return "", classifyOpenAI(err)
	}
	if len(resp.Choices) == 0 {
		return "", llm.Errorf(llm.KindParse, "completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func classifyOpenAI(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &llm.Error{Kind: kindForStatus(apiErr.HTTPStatusCode), Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &llm.Error{Kind: kindForStatus(reqErr.HTTPStatusCode), Err: err}
	}
	return &llm.Error{Kind: kindForTransport(err), Err: err}
}

func (e *OpenAIEngine) IsRunning(ctx context.Context) bool {
	_, err := e.ListModels(ctx)
	return err == nil
}

func (e *OpenAIEngine) ListModels(ctx context.Context) ([]string, error) {
	list, err := e.client.ListModels(ctx)
	if err != nil {
		return nil, classifyOpenAI(err)
	}
	names := make([]string, len(list.Models))
	for i, m := range list.Models {
		names[i] = m.ID
	}
	return names, nil
}

func (e *OpenAIEngine) HasModel(ctx context.Context, name string) bool {
	_, err := e.client.GetModel(ctx, name)
	return err == nil
}
