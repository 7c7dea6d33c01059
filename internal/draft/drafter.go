package draft

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/kalambet/convqa/internal/conversation"
	"github.com/kalambet/convqa/internal/llm"
	"github.com/kalambet/convqa/internal/prompt"
	"github.com/kalambet/convqa/internal/retrieval"
)

const DefaultTopK = 6

// Completer is the model gateway as seen by the stages.
type Completer interface {
	CompleteJSON(ctx context.Context, messages []llm.Message, v any) error
}

// Draft is the outcome of drafting one question.
type Draft struct {
	Pair     conversation.AnswerPair
	Passages []conversation.Passage
	// Degraded is set when the model could not produce an answer.
	Degraded bool
}

type Drafter struct {
	retriever     retrieval.Retriever
	model         Completer
	prompts       *prompt.Set
	topK          int
	contextTokens int
	logger        *zap.Logger
}

type Option func(*Drafter)

// WithContextTokens bounds the evidence placed in the prompt. Zero disables the bound.
func WithContextTokens(n int) Option {
	return func(d *Drafter) { d.contextTokens = n }
}

func New(r retrieval.Retriever, model Completer, prompts *prompt.Set, topK int, logger *zap.Logger, opts ...Option) *Drafter {
	if topK <= 0 {
		topK = DefaultTopK
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Drafter{
		retriever:     r,
		model:         model,
		prompts:       prompts,
		topK:          topK,
		contextTokens: prompt.DefaultContextTokens,
		logger:        logger,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Draft retrieves passages for question and asks the model for a grounded
// answer pair. Missing grounding yields the insufficient grounding sentinel
// without a model call. Retrieval failures degrade to no passages.
func (d *Drafter) Draft(ctx context.Context, kbID, question string) (Draft, error) {
	passages, err := d.retriever.Retrieve(ctx, kbID, question, d.topK)
	if err != nil {
		if ctx.Err() != nil {
			return Draft{}, ctx.Err()
		}
		d.logger.Warn("retrieval failed, drafting without passages",
			zap.String("knowledge_base_id", kbID),
			zap.Error(err))
		passages = nil
	}
	if len(passages) == 0 {
		return Draft{Pair: conversation.SentinelPair(conversation.InsufficientGrounding)}, nil
	}
	if fitted := prompt.FitPassages(passages, d.contextTokens); len(fitted) < len(passages) {
		d.logger.Debug("passages dropped to fit context budget",
			zap.Int("retrieved", len(passages)),
			zap.Int("kept", len(fitted)),
			zap.Int("max_tokens", d.contextTokens))
		passages = fitted
	}

	msgs, err := d.prompts.Draft(question, passages)
	if err != nil {
		return Draft{}, fmt.Errorf("building drafting prompt: %w", err)
	}

	out := response{passages: len(passages), counting: conversation.IsCountingQuestion(question)}
	err = d.model.CompleteJSON(ctx, msgs, &out)
	switch {
	case err == nil:
		return Draft{Pair: out.pair(), Passages: passages}, nil
	case ctx.Err() != nil:
		return Draft{}, ctx.Err()
	case llm.IsFatal(err):
		return Draft{}, err
	}

	var gwErr *llm.Error
	if !errors.As(err, &gwErr) {
		return Draft{}, fmt.Errorf("drafting answer: %w", err)
	}
	d.logger.Warn("drafting failed, using placeholder answer", zap.Error(err))
	return Draft{
		Pair:     conversation.SentinelPair(conversation.UnableToGenerate),
		Passages: passages,
		Degraded: true,
	}, nil
}

type cited struct {
	Text     string `json:"text"`
	Citation string `json:"citation"`
}

type response struct {
	Suggested cited    `json:"suggested"`
	Detailed  cited    `json:"detailed"`
	Evidence  []string `json:"evidence"`
	Total     int      `json:"total"`

	passages int
	counting bool
}

var numberRe = regexp.MustCompile(`\d+`)

// Validate enforces grounding and the counting contract.
func (r *response) Validate() error {
	if strings.TrimSpace(r.Suggested.Text) == "" || strings.TrimSpace(r.Detailed.Text) == "" {
		return errors.New("empty answer text")
	}
	if r.sentinel() {
		return nil
	}
	for _, a := range []cited{r.Suggested, r.Detailed} {
		refs := citations(a.Citation)
		if len(refs) == 0 {
			return errors.New("answer has no citation")
		}
		for _, n := range refs {
			if n < 1 || n > r.passages {
				return fmt.Errorf("citation [%d] outside 1..%d", n, r.passages)
			}
		}
	}
	if !r.counting {
		return nil
	}
	if len(r.Evidence) == 0 {
		return errors.New("counting answer without evidence")
	}
	if r.Total != len(r.Evidence) {
		return fmt.Errorf("total %d does not match %d evidence items", r.Total, len(r.Evidence))
	}
	mentions := 0
	for _, tok := range numberRe.FindAllString(r.Suggested.Text, -1) {
		if n, err := strconv.Atoi(tok); err == nil && n == r.Total {
			mentions++
		}
	}
	if mentions != 1 {
		return fmt.Errorf("suggested answer states total %d %d times, want once", r.Total, mentions)
	}
	return nil
}

func (r *response) sentinel() bool {
	return conversation.AnswerPair{
		Suggested: conversation.Answer{Text: r.Suggested.Text},
		Detailed:  conversation.Answer{Text: r.Detailed.Text},
	}.Ungrounded()
}

func (r *response) pair() conversation.AnswerPair {
	if r.sentinel() {
		return conversation.SentinelPair(conversation.InsufficientGrounding)
	}
	return conversation.AnswerPair{
		Suggested: conversation.Answer{Text: strings.TrimSpace(r.Suggested.Text), Grounding: citations(r.Suggested.Citation)},
		Detailed:  conversation.Answer{Text: strings.TrimSpace(r.Detailed.Text), Grounding: citations(r.Detailed.Citation)},
	}
}

// citations returns the sorted distinct integers in s.
func citations(s string) []int {
	seen := map[int]bool{}
	var out []int
	for _, tok := range numberRe.FindAllString(s, -1) {
		n, err := strconv.Atoi(tok)
		if err != nil || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}
