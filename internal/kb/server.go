package kb

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kalambet/convqa/internal/retrieval"
)

const (
	defaultTopK = 5
	maxTopK     = 50
)

// NewHandler serves idx over the retrieval HTTP contract.
func NewHandler(idx *Index, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":          "ok",
			"knowledge_bases": idx.Bases(),
		})
	})
	r.Post("/retrieve", handleRetrieve(idx, logger))
	return r
}

func handleRetrieve(idx *Index, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		defer r.Body.Close()

		var req retrieval.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		if strings.TrimSpace(req.Question) == "" {
			writeError(w, http.StatusBadRequest, "question is required")
			return
		}
		k := req.TopK
		if k <= 0 {
			k = defaultTopK
		}
		if k > maxTopK {
			k = maxTopK
		}

		passages, err := idx.Search(req.KnowledgeBaseID, req.Question, k)
		if errors.Is(err, ErrUnknownKnowledgeBase) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		logger.Debug("retrieve",
			zap.String("knowledge_base_id", req.KnowledgeBaseID),
			zap.Int("top_k", k),
			zap.Int("passages", len(passages)))
		writeJSON(w, http.StatusOK, retrieval.Response{Passages: passages})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
