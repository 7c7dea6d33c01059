package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// scriptedBackend returns the queued replies in order.
type scriptedBackend struct {
	replies []reply
	calls   int
	reqs    []Request
}

type reply struct {
	text string
	err  error
}

func (b *scriptedBackend) Complete(ctx context.Context, req Request) (string, error) {
	b.reqs = append(b.reqs, req)
	i := b.calls
	b.calls++
	if i >= len(b.replies) {
		return "", fmt.Errorf("unexpected call %d", i+1)
	}
	return b.replies[i].text, b.replies[i].err
}

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

type answer struct {
	Value int `json:"value"`
}

type positive struct {
	Value int `json:"value"`
}

func (p positive) Validate() error {
	if p.Value <= 0 {
		return errors.New("value must be positive")
	}
	return nil
}

func newTestGateway(b Backend, rec *sleepRecorder, maxRetries int) *Gateway {
	return NewGateway(b, Config{
		Model:      "test-model",
		MaxRetries: maxRetries,
		Backoff:    Backoff{Base: 100 * time.Millisecond, Max: 5 * time.Second},
	}, nil, WithSleep(rec.sleep))
}

func TestCompleteJSON_Success(t *testing.T) {
	b := &scriptedBackend{replies: []reply{{text: `Sure! {"value": 3}`}}}
	rec := &sleepRecorder{}
	g := newTestGateway(b, rec, 3)

	var got answer
	if err := g.CompleteJSON(context.Background(), []Message{{Role: "user", Content: "hi"}}, &got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Value != 3 {
		t.Errorf("Value = %d, want 3", got.Value)
	}
	if b.calls != 1 {
		t.Errorf("calls = %d, want 1", b.calls)
	}
	if !b.reqs[0].JSON || b.reqs[0].Model != "test-model" {
		t.Errorf("request = %+v, want JSON mode with configured model", b.reqs[0])
	}
}

func TestCompleteJSON_RateLimitedThenSuccess(t *testing.T) {
	b := &scriptedBackend{replies: []reply{
		{err: Errorf(KindRateLimited, "HTTP 429")},
		{text: `{"value": 1}`},
	}}
	rec := &sleepRecorder{}
	g := newTestGateway(b, rec, 3)

	var got answer
	if err := g.CompleteJSON(context.Background(), nil, &got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.calls != 2 {
		t.Errorf("calls = %d, want 2", b.calls)
	}
	if len(rec.delays) != 1 {
		t.Fatalf("retries = %d, want 1", len(rec.delays))
	}
	if rec.delays[0] < 100*time.Millisecond {
		t.Errorf("delay = %v, want >= base 100ms", rec.delays[0])
	}
}

func TestCompleteJSON_AuthNotRetried(t *testing.T) {
	b := &scriptedBackend{replies: []reply{
		{err: Errorf(KindAuth, "HTTP 401")},
		{text: `{"value": 1}`},
	}}
	rec := &sleepRecorder{}
	g := newTestGateway(b, rec, 3)

	var got answer
	err := g.CompleteJSON(context.Background(), nil, &got)
	if b.calls != 1 {
		t.Errorf("calls = %d, want exactly 1", b.calls)
	}
	if len(rec.delays) != 0 {
		t.Errorf("slept %d times, want 0", len(rec.delays))
	}
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("error = %v, want *Error", err)
	}
	if e.Kind != KindAuth {
		t.Errorf("Kind = %v, want auth", e.Kind)
	}
	if !IsFatal(err) {
		t.Error("auth error should be fatal")
	}
}

func TestCompleteJSON_ParseErrorResendsPrompt(t *testing.T) {
	b := &scriptedBackend{replies: []reply{
		{text: "I cannot produce JSON today"},
		{text: `{"value": 2}`},
	}}
	rec := &sleepRecorder{}
	g := newTestGateway(b, rec, 3)

	msgs := []Message{{Role: "system", Content: "s"}, {Role: "user", Content: "u"}}
	var got answer
	if err := g.CompleteJSON(context.Background(), msgs, &got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.calls != 2 {
		t.Fatalf("calls = %d, want 2", b.calls)
	}
	if len(b.reqs[1].Messages) != 2 || b.reqs[1].Messages[1].Content != "u" {
		t.Errorf("second attempt did not resend the full prompt: %+v", b.reqs[1].Messages)
	}
	if rec.delays[0] != 100*time.Millisecond {
		t.Errorf("parse retry delay = %v, want fixed base", rec.delays[0])
	}
}

func TestCompleteJSON_ValidatorRejection(t *testing.T) {
	b := &scriptedBackend{replies: []reply{
		{text: `{"value": -4}`},
		{text: `{"value": 9}`},
	}}
	rec := &sleepRecorder{}
	g := newTestGateway(b, rec, 3)

	var got positive
	if err := g.CompleteJSON(context.Background(), nil, &got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Value != 9 {
		t.Errorf("Value = %d, want 9", got.Value)
	}
}

func TestCompleteJSON_Exhausted(t *testing.T) {
	b := &scriptedBackend{replies: []reply{
		{err: Errorf(KindServer, "HTTP 503")},
		{err: Errorf(KindTimeout, "deadline")},
		{text: "not json"},
	}}
	rec := &sleepRecorder{}
	g := newTestGateway(b, rec, 2)

	var got answer
	err := g.CompleteJSON(context.Background(), nil, &got)
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindExhausted {
		t.Fatalf("error = %v, want exhausted", err)
	}
	if e.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", e.Attempts)
	}
	if KindOf(e.Err) != KindParse {
		t.Errorf("last kind = %v, want parse", KindOf(e.Err))
	}
	if len(rec.delays) != 2 {
		t.Errorf("sleeps = %d, want 2", len(rec.delays))
	}
	if IsFatal(err) {
		t.Error("exhausted error should not be fatal")
	}
}

func TestCompleteJSON_UnclassifiedErrorIsConnection(t *testing.T) {
	b := &scriptedBackend{replies: []reply{
		{err: errors.New("dial tcp: connection refused")},
	}}
	rec := &sleepRecorder{}
	g := newTestGateway(b, rec, 0)

	var got answer
	err := g.CompleteJSON(context.Background(), nil, &got)
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindExhausted {
		t.Fatalf("error = %v, want exhausted", err)
	}
	if KindOf(e.Err) != KindConnection {
		t.Errorf("last kind = %v, want connection", KindOf(e.Err))
	}
}

func TestCompleteJSON_CancelledDuringBackoff(t *testing.T) {
	b := &scriptedBackend{replies: []reply{
		{err: Errorf(KindRateLimited, "HTTP 429")},
		{text: `{"value": 1}`},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	g := NewGateway(b, Config{MaxRetries: 3, Backoff: Backoff{Base: time.Millisecond}}, nil,
		WithSleep(func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		}))

	var got answer
	err := g.CompleteJSON(ctx, nil, &got)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if b.calls != 1 {
		t.Errorf("calls = %d, want 1", b.calls)
	}
}

type slowBackend struct{ calls int }

func (b *slowBackend) Complete(ctx context.Context, req Request) (string, error) {
	b.calls++
	<-ctx.Done()
	return "", ctx.Err()
}

func TestCompleteJSON_PerCallTimeout(t *testing.T) {
	b := &slowBackend{}
	rec := &sleepRecorder{}
	g := NewGateway(b, Config{Timeout: 10 * time.Millisecond, MaxRetries: 1, Backoff: Backoff{Base: time.Millisecond}}, nil,
		WithSleep(rec.sleep))

	var got answer
	err := g.CompleteJSON(context.Background(), nil, &got)
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindExhausted {
		t.Fatalf("error = %v, want exhausted", err)
	}
	if KindOf(e.Err) != KindTimeout {
		t.Errorf("last kind = %v, want timeout", KindOf(e.Err))
	}
	if b.calls != 2 {
		t.Errorf("calls = %d, want 2", b.calls)
	}
}

func TestCompleteJSON_RejectsNonPointer(t *testing.T) {
	g := newTestGateway(&scriptedBackend{}, &sleepRecorder{}, 0)
	err := g.CompleteJSON(context.Background(), nil, answer{})
	if KindOf(err) != KindBadRequest {
		t.Errorf("error = %v, want bad_request", err)
	}
}

type bounded struct {
	Value int `json:"value"`
	limit int
}

func (b *bounded) Validate() error {
	if b.Value > b.limit {
		return fmt.Errorf("value %d over limit %d", b.Value, b.limit)
	}
	return nil
}

func TestCompleteJSON_ValidatorSeesCallerContext(t *testing.T) {
	b := &scriptedBackend{replies: []reply{
		{text: `{"value": 7}`},
		{text: `{"value": 2}`},
	}}
	rec := &sleepRecorder{}
	g := newTestGateway(b, rec, 3)

	got := bounded{limit: 3}
	if err := g.CompleteJSON(context.Background(), nil, &got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Value != 2 || got.limit != 3 {
		t.Errorf("got %+v, want value 2 with limit kept", got)
	}
	if b.calls != 2 {
		t.Errorf("calls = %d, want 2", b.calls)
	}
}
