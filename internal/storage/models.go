package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// AnalysisSummary is the list view of a stored analysis.
type AnalysisSummary struct {
	ID               string    `json:"analysisId"`
	ConversationID   string    `json:"conversationId"`
	ConversationType string    `json:"conversationType"`
	KnowledgeBaseID  string    `json:"knowledgeBaseId"`
	AnalyzedAt       time.Time `json:"analyzedAt"`
	OverallAccuracy  float64   `json:"overallAccuracy"`
	Threads          int       `json:"threads"`
	Degraded         int       `json:"degraded"`
	DurationMs       int64     `json:"durationMs"`
}
