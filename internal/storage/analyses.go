package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/convqa/internal/conversation"
)

// timeLayout is fixed-width so analyzed_at sorts lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const DefaultListLimit = 50

func (s *Store) SaveAnalysis(r conversation.Result) error {
	if r.AnalysisID == "" {
		return errors.New("analysis id is required")
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	degraded := 0
	for _, rt := range r.Ratings {
		if rt.Degraded {
			degraded++
		}
	}
	_, err = s.db.Exec(s.rebind(`
		INSERT INTO analyses (id, conversation_id, conversation_type, knowledge_base_id, analyzed_at, overall_accuracy, thread_count, degraded_count, duration_ms, result_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.AnalysisID, r.ConversationID, string(r.ConversationType), r.KnowledgeBaseID,
		r.AnalyzedAt.UTC().Format(timeLayout), r.OverallAccuracy, len(r.Ratings), degraded, r.DurationMs,
		string(payload),
	)
	return err
}

func (s *Store) GetAnalysis(id string) (conversation.Result, error) {
	var payload string
	err := s.db.QueryRow(s.rebind(`SELECT result_json FROM analyses WHERE id = ?`), id).Scan(&payload)
	if err == sql.ErrNoRows {
		return conversation.Result{}, ErrNotFound
	}
	if err != nil {
		return conversation.Result{}, err
	}
	var r conversation.Result
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return conversation.Result{}, fmt.Errorf("decoding stored result %s: %w", id, err)
	}
	return r, nil
}

// ListAnalyses returns summaries, newest first.
func (s *Store) ListAnalyses(limit, offset int) ([]AnalysisSummary, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.Query(s.rebind(`
		SELECT id, conversation_id, conversation_type, knowledge_base_id, analyzed_at, overall_accuracy, thread_count, degraded_count, duration_ms
		FROM analyses ORDER BY analyzed_at DESC, id ASC LIMIT ? OFFSET ?`), limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []AnalysisSummary{}
	for rows.Next() {
		var a AnalysisSummary
		var analyzedAt string
		if err := rows.Scan(&a.ID, &a.ConversationID, &a.ConversationType, &a.KnowledgeBaseID,
			&analyzedAt, &a.OverallAccuracy, &a.Threads, &a.Degraded, &a.DurationMs); err != nil {
			return nil, err
		}
		t, err := time.Parse(timeLayout, analyzedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing analyzed_at: %w", err)
		}
		a.AnalyzedAt = t
		results = append(results, a)
	}
	return results, rows.Err()
}

func (s *Store) DeleteAnalysis(id string) error {
	res, err := s.db.Exec(s.rebind(`DELETE FROM analyses WHERE id = ?`), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
