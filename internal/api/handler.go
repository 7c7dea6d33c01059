package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/kalambet/convqa/internal/conversation"
	"github.com/kalambet/convqa/internal/llm"
	"github.com/kalambet/convqa/internal/storage"
)

const maxRequestBodySize = 5 << 20 // 5MB

// Analyzer runs the analysis pipeline for one conversation.
type Analyzer interface {
	Analyze(ctx context.Context, conv conversation.Conversation, kbID string) (conversation.Result, error)
}

// AnalysisStore persists analysis results.
type AnalysisStore interface {
	SaveAnalysis(r conversation.Result) error
	GetAnalysis(id string) (conversation.Result, error)
	ListAnalyses(limit, offset int) ([]storage.AnalysisSummary, error)
	DeleteAnalysis(id string) error
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

type Deps struct {
	Analyzer  Analyzer
	Store     AnalysisStore // optional; nil disables history
	Retrieval HealthChecker // optional
	Token     string        // optional; empty disables auth
	Logger    *zap.Logger
}

// AnalyzeRequest is the body of POST /v1/analyze.
type AnalyzeRequest struct {
	Conversation    conversation.Conversation `json:"conversation"`
	KnowledgeBaseID string                    `json:"knowledgeBaseId"`
}

// NewHandler returns the analysis API router.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(deps.Logger))

	r.Get("/health", handleHealth(deps))

	r.Route("/v1", func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Post("/analyze", handleAnalyze(deps))
		r.Get("/analyses", handleListAnalyses(deps))
		r.Get("/analyses/{id}", handleGetAnalysis(deps))
		r.Delete("/analyses/{id}", handleDeleteAnalysis(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		if deps.Retrieval == nil {
			status = "unconfigured"
		} else {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if !deps.Retrieval.Healthy(ctx) {
				status = "unavailable"
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":       "ok",
			"dependencies": map[string]string{"retrieval": status},
		})
	}
}

func handleAnalyze(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req AnalyzeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.KnowledgeBaseID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "knowledgeBaseId is required")
			return
		}

		res, err := deps.Analyzer.Analyze(r.Context(), req.Conversation, req.KnowledgeBaseID)
		if err != nil {
			code, typ := statusFor(err)
			if code >= 500 {
				deps.Logger.Error("analysis failed",
					zap.String("conversation_id", req.Conversation.ID),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.Error(err))
			}
			httpError(w, code, typ, "analysis failed: %v", err)
			return
		}

		if deps.Store != nil {
			if err := deps.Store.SaveAnalysis(res); err != nil {
				deps.Logger.Warn("failed to store analysis",
					zap.String("analysis_id", res.AnalysisID),
					zap.Error(err))
			}
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// statusFor maps an analysis error to an HTTP status and error type.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, conversation.ErrInvalidConversation):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "cancelled"
	case llm.IsFatal(err):
		return http.StatusBadGateway, "backend_error"
	}
	return http.StatusInternalServerError, "api_error"
}

func handleListAnalyses(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireStore(w, deps) {
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		list, err := deps.Store.ListAnalyses(limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list analyses: %v", err)
			return
		}
		if list == nil {
			list = []storage.AnalysisSummary{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleGetAnalysis(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireStore(w, deps) {
			return
		}
		res, err := deps.Store.GetAnalysis(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "analysis not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get analysis: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleDeleteAnalysis(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireStore(w, deps) {
			return
		}
		err := deps.Store.DeleteAnalysis(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "analysis not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete analysis: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func requireStore(w http.ResponseWriter, deps Deps) bool {
	if deps.Store == nil {
		httpError(w, http.StatusServiceUnavailable, "storage_disabled", "analysis history is disabled")
		return false
	}
	return true
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
