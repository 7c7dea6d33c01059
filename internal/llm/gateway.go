package llm

import (
	"context"
	"errors"
	"reflect"
	"time"

	"go.uber.org/zap"
)

// Message is one chat turn sent to a backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion call. JSON asks the backend for JSON-only output.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	JSON        bool
}

// Backend performs one completion call. Implementations classify failures
// by returning an *Error; any other error is treated as a connection failure.
type Backend interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Validator is implemented by response types that carry a contract beyond
// their JSON shape. A validation failure is handled as a parse failure.
// Response types may keep unexported fields, set before the call, that
// Validate uses as context.
type Validator interface {
	Validate() error
}

// Config is fixed at construction.
type Config struct {
	Model       string
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int
	Backoff     Backoff
}

// Gateway sends prompts to a Backend and strictly decodes JSON replies,
// retrying transient failures with backoff.
type Gateway struct {
	backend Backend
	cfg     Config
	sleep   SleepFunc
	logger  *zap.Logger
}

type Option func(*Gateway)

// WithSleep replaces the wall-clock sleep between retries.
func WithSleep(fn SleepFunc) Option {
	return func(g *Gateway) { g.sleep = fn }
}

func NewGateway(backend Backend, cfg Config, logger *zap.Logger, opts ...Option) *Gateway {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{backend: backend, cfg: cfg, sleep: Sleep, logger: logger}
	for _, o := range opts {
		o(g)
	}
	return g
}

// CompleteJSON sends messages and decodes the first JSON object of the reply
// into v, which must be a non-nil pointer. It returns nil, a context error
// when ctx is done, or an *Error. Non-retryable kinds are returned after one
// attempt; exhausted retries return KindExhausted wrapping the last failure.
func (g *Gateway) CompleteJSON(ctx context.Context, messages []Message, v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return Errorf(KindBadRequest, "CompleteJSON target must be a non-nil pointer, got %T", v)
	}

	attempts := g.cfg.MaxRetries + 1
	var last *Error
	for attempt := 0; attempt < attempts; attempt++ {
		err := g.try(ctx, messages, rv)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		var e *Error
		if !errors.As(err, &e) {
			e = &Error{Kind: KindConnection, Err: err}
		}
		e = &Error{Kind: e.Kind, Attempts: attempt + 1, Err: e.Err}

		if !e.Kind.Retryable() {
			g.logger.Error("model call failed",
				zap.String("kind", e.Kind.String()),
				zap.Int("attempt", attempt+1),
				zap.Error(e.Err))
			return e
		}

		last = e
		if attempt == attempts-1 {
			break
		}
		delay := g.cfg.Backoff.Delay(attempt, e.Kind)
		g.logger.Warn("model call failed, retrying",
			zap.String("kind", e.Kind.String()),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(e.Err))
		if err := g.sleep(ctx, delay); err != nil {
			return err
		}
	}

	g.logger.Warn("model call retries exhausted",
		zap.Int("attempts", attempts),
		zap.String("last_kind", last.Kind.String()))
	return &Error{Kind: KindExhausted, Attempts: attempts, Err: last}
}

func (g *Gateway) try(ctx context.Context, messages []Message, target reflect.Value) error {
	callCtx := ctx
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	raw, err := g.backend.Complete(callCtx, Request{
		Model:       g.cfg.Model,
		Messages:    messages,
		Temperature: g.cfg.Temperature,
		JSON:        true,
	})
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return &Error{Kind: KindTimeout, Err: err}
		}
		return err
	}

	// Decode into a copy of the target so a rejected attempt never leaks into
	// the next one. Unexported fields set by the caller survive the copy.
	fresh := reflect.New(target.Elem().Type())
	fresh.Elem().Set(target.Elem())
	if err := decodeStrict(raw, fresh.Interface()); err != nil {
		return Errorf(KindParse, "decoding response: %w", err)
	}
	if val, ok := fresh.Interface().(Validator); ok {
		if err := val.Validate(); err != nil {
			return Errorf(KindParse, "response violates contract: %w", err)
		}
	}
	target.Elem().Set(fresh.Elem())
	return nil
}
