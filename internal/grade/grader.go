package grade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/kalambet/convqa/internal/conversation"
	"github.com/kalambet/convqa/internal/llm"
	"github.com/kalambet/convqa/internal/prompt"
)

// UnavailableRationale is recorded when the grading model cannot be reached.
const UnavailableRationale = "grading unavailable: the model did not return a usable score"

// Completer is the model gateway as seen by the stages.
type Completer interface {
	CompleteJSON(ctx context.Context, messages []llm.Message, v any) error
}

type Grader struct {
	model   Completer
	prompts *prompt.Set
	logger  *zap.Logger
}

func New(model Completer, prompts *prompt.Set, logger *zap.Logger) *Grader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Grader{model: model, prompts: prompts, logger: logger}
}

type bundle struct {
	Question    string   `json:"question"`
	Agent       string   `json:"agent"`
	AISuggested string   `json:"ai_suggested"`
	AIDetailed  string   `json:"ai_detailed"`
	KBEvidence  []string `json:"kb_evidence"`
}

type response struct {
	Score        *float64 `json:"score"`
	Rationale    string   `json:"rationale"`
	Verification []string `json:"verification"`
}

// Validate accepts -1 or a score within [0, 5].
func (r *response) Validate() error {
	if r.Score == nil {
		return errors.New("missing score")
	}
	s := *r.Score
	if math.IsNaN(s) {
		return errors.New("score is NaN")
	}
	if s == conversation.OutOfScope {
		return nil
	}
	if s < 0 || s > 5 {
		return fmt.Errorf("score %v outside [0, 5]", s)
	}
	return nil
}

// Grade scores the agent's answer in th against the reference pair and the
// passages it was drafted from. Exhausted retries produce a degraded zero
// rating; configuration faults and cancellation are returned as errors.
func (g *Grader) Grade(ctx context.Context, th conversation.Thread, pair conversation.AnswerPair, passages []conversation.Passage) (conversation.Rating, error) {
	rating := conversation.Rating{
		QID:         th.QID,
		Question:    th.Question,
		AgentAnswer: th.Answer,
		Suggested:   pair.Suggested.Text,
		Detailed:    pair.Detailed.Text,
	}

	b := bundle{
		Question:    th.Question,
		Agent:       th.Answer,
		AISuggested: pair.Suggested.Text,
		AIDetailed:  pair.Detailed.Text,
		KBEvidence:  make([]string, 0, len(passages)),
	}
	for _, p := range passages {
		b.KBEvidence = append(b.KBEvidence, p.Evidence())
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return rating, fmt.Errorf("encoding grading bundle: %w", err)
	}
	msgs, err := g.prompts.Grade(raw)
	if err != nil {
		return rating, fmt.Errorf("building grading prompt: %w", err)
	}

	var out response
	err = g.model.CompleteJSON(ctx, msgs, &out)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return rating, ctx.Err()
	case llm.IsFatal(err):
		return rating, err
	default:
		var gwErr *llm.Error
		if !errors.As(err, &gwErr) {
			return rating, fmt.Errorf("grading thread %s: %w", th.QID, err)
		}
		g.logger.Warn("grading failed, recording zero score",
			zap.String("qid", th.QID),
			zap.Error(err))
		rating.Score = 0
		rating.Band = BandFor(0)
		rating.Rationale = UnavailableRationale
		rating.Degraded = true
		return rating, nil
	}

	rating.Score = *out.Score
	rating.Band = BandFor(rating.Score)
	rating.Rationale = strings.TrimSpace(out.Rationale)
	rating.Verification = verified(out.Verification, passages)
	return rating, nil
}

// verified keeps only entries that quote a passage exactly, returned in their
// canonical evidence form without duplicates.
func verified(entries []string, passages []conversation.Passage) []string {
	canon := make(map[string]string, 2*len(passages))
	for _, p := range passages {
		ev := p.Evidence()
		canon[ev] = ev
		canon[strings.TrimSpace(p.Content)] = ev
	}
	seen := map[string]bool{}
	var out []string
	for _, e := range entries {
		ev, ok := canon[strings.TrimSpace(e)]
		if !ok || seen[ev] {
			continue
		}
		seen[ev] = true
		out = append(out, ev)
	}
	return out
}
