package segment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kalambet/convqa/internal/conversation"
	"github.com/kalambet/convqa/internal/llm"
	"github.com/kalambet/convqa/internal/prompt"
)

// Completer is the model gateway as seen by the stages.
type Completer interface {
	CompleteJSON(ctx context.Context, messages []llm.Message, v any) error
}

// Segmenter turns a conversation into question/answer threads.
type Segmenter struct {
	model   Completer
	prompts *prompt.Set
	logger  *zap.Logger
}

func New(model Completer, prompts *prompt.Set, logger *zap.Logger) *Segmenter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Segmenter{model: model, prompts: prompts, logger: logger}
}

type response struct {
	Threads *[]conversation.Thread `json:"threads"`

	// answerable is set when the transcript has a customer turn followed by
	// an agent reply, so an empty thread list cannot cover it.
	answerable bool
}

// Validate rejects a missing or uncovering thread list, blank questions or
// answers, and duplicate qids.
func (r *response) Validate() error {
	if r.Threads == nil {
		return errors.New("missing threads")
	}
	threads := *r.Threads
	if len(threads) == 0 && r.answerable {
		return errors.New("no threads for a transcript with answered customer turns")
	}
	seen := make(map[string]bool, len(threads))
	for i, t := range threads {
		if strings.TrimSpace(t.Question) == "" {
			return fmt.Errorf("thread %d has an empty question", i)
		}
		if strings.TrimSpace(t.Answer) == "" {
			return fmt.Errorf("thread %d has an empty answer", i)
		}
		qid := strings.TrimSpace(t.QID)
		if qid == "" {
			continue
		}
		if seen[qid] {
			return fmt.Errorf("duplicate qid %q", qid)
		}
		seen[qid] = true
	}
	return nil
}

// Segment returns the threads of conv in first-appearance order. When the
// model call exhausts its retries the deterministic Fallback is used.
// Configuration faults and cancellation are returned as errors.
func (s *Segmenter) Segment(ctx context.Context, conv conversation.Conversation) ([]conversation.Thread, error) {
	transcript, turns := Transcript(conv.Messages)
	if turns == 0 {
		return nil, nil
	}

	msgs, err := s.prompts.Segment(transcript)
	if err != nil {
		return nil, fmt.Errorf("building segmentation prompt: %w", err)
	}

	out := response{answerable: len(Fallback(conv.Messages)) > 0}
	err = s.model.CompleteJSON(ctx, msgs, &out)
	switch {
	case err == nil:
		return assignQIDs(*out.Threads), nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case llm.IsFatal(err):
		return nil, err
	}

	var gwErr *llm.Error
	if !errors.As(err, &gwErr) {
		return nil, fmt.Errorf("segmenting conversation: %w", err)
	}
	threads := Fallback(conv.Messages)
	s.logger.Warn("segmentation model failed, using fallback",
		zap.String("conversation_id", conv.ID),
		zap.Int("threads", len(threads)),
		zap.Error(err))
	return threads, nil
}

// Transcript renders customer and agent messages as "role timestamp content"
// lines and returns the number of lines written.
func Transcript(msgs []conversation.Message) (string, int) {
	var sb strings.Builder
	n := 0
	for _, m := range msgs {
		if m.Role == conversation.RoleSystem {
			continue
		}
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		ts := "-"
		if !m.Timestamp.IsZero() {
			ts = m.Timestamp.UTC().Format(time.RFC3339)
		}
		if n > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "%s %s %s", m.Role, ts, content)
		n++
	}
	return sb.String(), n
}

// Fallback segments without a model. Consecutive customer messages are
// buffered and the next agent message closes them into one thread. Agent
// messages with nothing buffered emit nothing; trailing customer messages
// with no reply are dropped.
func Fallback(msgs []conversation.Message) []conversation.Thread {
	var threads []conversation.Thread
	var pending []string
	for _, m := range msgs {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		switch m.Role {
		case conversation.RoleCustomer:
			pending = append(pending, content)
		case conversation.RoleAgent:
			if len(pending) == 0 {
				continue
			}
			threads = append(threads, conversation.Thread{
				QID:      fmt.Sprintf("T%d", len(threads)+1),
				Question: strings.Join(pending, " "),
				Answer:   content,
			})
			pending = nil
		}
	}
	return threads
}

// assignQIDs fills blank qids with T<n>, skipping numbers already in use.
func assignQIDs(threads []conversation.Thread) []conversation.Thread {
	used := make(map[string]bool, len(threads))
	for i := range threads {
		threads[i].QID = strings.TrimSpace(threads[i].QID)
		threads[i].Question = strings.TrimSpace(threads[i].Question)
		threads[i].Answer = strings.TrimSpace(threads[i].Answer)
		if threads[i].QID != "" {
			used[threads[i].QID] = true
		}
	}
	next := 1
	for i := range threads {
		if threads[i].QID != "" {
			continue
		}
		for used[fmt.Sprintf("T%d", next)] {
			next++
		}
		threads[i].QID = fmt.Sprintf("T%d", next)
		used[threads[i].QID] = true
	}
	return threads
}
