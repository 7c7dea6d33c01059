package conversation

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidConversation is returned when a conversation fails validation.
var ErrInvalidConversation = errors.New("invalid conversation")

// Fixed answer texts. Downstream consumers compare against these exactly.
const (
	InsufficientGrounding = "The Knowledge Base does not contain the information needed to answer this question"
	UnableToGenerate      = "unable to generate answer"
)

// OutOfScope is the reserved score for answers that cannot be graded against the rubric.
const OutOfScope = -1.0

type Type string

const (
	TypeChat   Type = "chat"
	TypeTicket Type = "ticket"
)

type Role string

const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
	RoleSystem   Role = "system"
)

type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is an ordered transcript. It is never mutated by the pipeline.
type Conversation struct {
	ID       string    `json:"id"`
	Type     Type      `json:"type"`
	Messages []Message `json:"messages"`
}

// Validate checks the conversation type and every message role.
func (c Conversation) Validate() error {
	switch c.Type {
	case TypeChat, TypeTicket:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidConversation, c.Type)
	}
	for i, m := range c.Messages {
		switch m.Role {
		case RoleCustomer, RoleAgent, RoleSystem:
		default:
			return fmt.Errorf("%w: message %d has unknown role %q", ErrInvalidConversation, i, m.Role)
		}
	}
	return nil
}

// Thread is one synthesized question/answer unit.
type Thread struct {
	QID      string `json:"qid"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type Passage struct {
	Content    string  `json:"content"`
	Source     string  `json:"source"`
	Confidence float64 `json:"confidence"`
}

// Evidence renders the passage the way it is shown to the grader.
func (p Passage) Evidence() string {
	if p.Source == "" {
		return p.Content
	}
	return fmt.Sprintf("%s (source: %s)", p.Content, p.Source)
}

// Answer is a generated reference answer. Grounding holds 1-based passage indices.
type Answer struct {
	Text      string `json:"text"`
	Grounding []int  `json:"grounding,omitempty"`
}

type AnswerPair struct {
	Suggested Answer `json:"suggested"`
	Detailed  Answer `json:"detailed"`
}

// SentinelPair returns a pair whose texts both equal text and carry no grounding.
func SentinelPair(text string) AnswerPair {
	return AnswerPair{Suggested: Answer{Text: text}, Detailed: Answer{Text: text}}
}

// Ungrounded reports whether either answer is the insufficient grounding sentinel.
func (p AnswerPair) Ungrounded() bool {
	return strings.TrimSpace(p.Suggested.Text) == InsufficientGrounding ||
		strings.TrimSpace(p.Detailed.Text) == InsufficientGrounding
}

type Rating struct {
	QID          string   `json:"qid"`
	Question     string   `json:"question"`
	AgentAnswer  string   `json:"agentAnswer"`
	Suggested    string   `json:"suggestedAnswer"`
	Detailed     string   `json:"-"`
	Score        float64  `json:"score"`
	Band         string   `json:"band"`
	Rationale    string   `json:"rationale"`
	Verification []string `json:"-"`
	Degraded     bool     `json:"degraded,omitempty"`
}

// Result is the outcome of analysing one conversation.
type Result struct {
	AnalysisID       string    `json:"analysisId"`
	ConversationID   string    `json:"conversationId"`
	ConversationType Type      `json:"conversationType"`
	KnowledgeBaseID  string    `json:"knowledgeBaseId"`
	AnalyzedAt       time.Time `json:"analyzedAt"`
	Ratings          []Rating  `json:"ratings"`
	OverallAccuracy  float64   `json:"overallAccuracy"`
	DurationMs       int64     `json:"durationMs"`
}

// Aggregate returns the mean score of ratings with score >= 0, or 0 when there are none.
func Aggregate(ratings []Rating) float64 {
	var sum float64
	var n int
	for _, r := range ratings {
		if r.Score < 0 {
			continue
		}
		sum += r.Score
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// IsCountingQuestion reports whether the question asks for a count.
func IsCountingQuestion(q string) bool {
	q = strings.ToLower(strings.TrimSpace(q))
	return strings.HasPrefix(q, "how many") || strings.HasPrefix(q, "number of") ||
		strings.Contains(q, " how many ") || strings.Contains(q, "the number of ")
}
