package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/convqa/internal/conversation"
	"github.com/kalambet/convqa/internal/draft"
)

const DefaultWorkers = 4

type Segmenter interface {
	Segment(ctx context.Context, conv conversation.Conversation) ([]conversation.Thread, error)
}

type Drafter interface {
	Draft(ctx context.Context, kbID, question string) (draft.Draft, error)
}

type Grader interface {
	Grade(ctx context.Context, th conversation.Thread, pair conversation.AnswerPair, passages []conversation.Passage) (conversation.Rating, error)
}

// Analyzer runs segmentation, then drafting and grading for every thread.
type Analyzer struct {
	segmenter Segmenter
	drafter   Drafter
	grader    Grader
	workers   int
	now       func() time.Time
	logger    *zap.Logger
}

type Option func(*Analyzer)

// WithWorkers bounds how many threads are drafted and graded at once.
func WithWorkers(n int) Option {
	return func(a *Analyzer) {
		if n > 0 {
			a.workers = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

func NewAnalyzer(s Segmenter, d Drafter, g Grader, logger *zap.Logger, opts ...Option) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Analyzer{
		segmenter: s,
		drafter:   d,
		grader:    g,
		workers:   DefaultWorkers,
		now:       time.Now,
		logger:    logger,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Analyze produces one rating per thread of conv, in thread order:
//  1. Validate the conversation
//  2. Segment it into threads
//  3. Draft and grade each thread, at most workers at a time
//  4. Aggregate the scores
//
// Per-thread model failures degrade that thread's rating. Configuration
// faults and cancellation abort the whole analysis.
func (a *Analyzer) Analyze(ctx context.Context, conv conversation.Conversation, kbID string) (conversation.Result, error) {
	start := a.now()
	if err := conv.Validate(); err != nil {
		return conversation.Result{}, err
	}

	threads, err := a.segmenter.Segment(ctx, conv)
	if err != nil {
		return conversation.Result{}, fmt.Errorf("segmenting: %w", err)
	}

	ratings := make([]conversation.Rating, len(threads))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i, th := range threads {
		g.Go(func() error {
			r, err := a.rate(gctx, kbID, th)
			if err != nil {
				return err
			}
			ratings[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return conversation.Result{}, ctx.Err()
		}
		return conversation.Result{}, err
	}

	end := a.now()
	res := conversation.Result{
		AnalysisID:       uuid.NewString(),
		ConversationID:   conv.ID,
		ConversationType: conv.Type,
		KnowledgeBaseID:  kbID,
		AnalyzedAt:       end.UTC(),
		Ratings:          ratings,
		OverallAccuracy:  conversation.Aggregate(ratings),
		DurationMs:       end.Sub(start).Milliseconds(),
	}

	a.logger.Info("conversation analyzed",
		zap.String("analysis_id", res.AnalysisID),
		zap.String("conversation_id", conv.ID),
		zap.Int("threads", len(threads)),
		zap.Float64("overall_accuracy", res.OverallAccuracy),
		zap.Int64("duration_ms", res.DurationMs))
	return res, nil
}

func (a *Analyzer) rate(ctx context.Context, kbID string, th conversation.Thread) (conversation.Rating, error) {
	d, err := a.drafter.Draft(ctx, kbID, th.Question)
	if err != nil {
		return conversation.Rating{}, fmt.Errorf("drafting %s: %w", th.QID, err)
	}
	r, err := a.grader.Grade(ctx, th, d.Pair, d.Passages)
	if err != nil {
		return conversation.Rating{}, fmt.Errorf("grading %s: %w", th.QID, err)
	}
	if d.Degraded {
		r.Degraded = true
	}
	return r, nil
}
