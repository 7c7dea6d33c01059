package kb

import (
	"container/heap"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/kalambet/convqa/internal/conversation"
)

// DefaultID names the knowledge base made of files at the root of the directory.
const DefaultID = "default"

// maxChunkChars bounds how many paragraphs are merged into one chunk.
const maxChunkChars = 800

// ErrUnknownKnowledgeBase is returned when a search names a knowledge base that was not loaded.
var ErrUnknownKnowledgeBase = errors.New("unknown knowledge base")

type chunk struct {
	text   string
	source string
	terms  map[string]bool
}

// Index is an in-memory keyword index over one or more knowledge bases.
// It is read-only after Load.
type Index struct {
	bases map[string][]chunk
}

// Load indexes every supported file under dir. Files in a first-level
// subdirectory belong to the knowledge base named after it; files at the
// root belong to DefaultID. Unreadable files are logged and skipped.
func Load(dir string, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("opening knowledge base directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	idx := &Index{bases: make(map[string][]chunk)}
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !Supported(path) {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		kbID := DefaultID
		if parts := strings.Split(filepath.ToSlash(rel), "/"); len(parts) > 1 {
			kbID = parts[0]
		}

		text, err := ExtractText(path)
		if err != nil {
			logger.Warn("skipping document", zap.String("path", rel), zap.Error(err))
			return nil
		}
		chunks := Chunk(text)
		for _, c := range chunks {
			idx.bases[kbID] = append(idx.bases[kbID], chunk{text: c, source: filepath.ToSlash(rel), terms: termSet(c)})
		}
		logger.Debug("indexed document",
			zap.String("knowledge_base_id", kbID),
			zap.String("path", rel),
			zap.Int("chunks", len(chunks)))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", dir, err)
	}
	return idx, nil
}

// Bases returns the loaded knowledge base ids, sorted.
func (x *Index) Bases() []string {
	ids := make([]string, 0, len(x.bases))
	for id := range x.bases {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Chunks returns the number of chunks in knowledge base id.
func (x *Index) Chunks(id string) int { return len(x.bases[id]) }

// Search returns up to k passages of knowledge base kbID ranked by the share
// of distinct question terms they contain. An empty kbID searches every base.
// Chunks sharing no term with the question are never returned.
func (x *Index) Search(kbID, question string, k int) ([]conversation.Passage, error) {
	var pool [][]chunk
	if kbID == "" {
		for _, id := range x.Bases() {
			pool = append(pool, x.bases[id])
		}
	} else {
		chunks, ok := x.bases[kbID]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKnowledgeBase, kbID)
		}
		pool = append(pool, chunks)
	}

	query := termSet(question)
	if len(query) == 0 || k <= 0 {
		return []conversation.Passage{}, nil
	}

	h := &scoredHeap{}
	heap.Init(h)
	seq := 0
	for _, chunks := range pool {
		for _, c := range chunks {
			hits := 0
			for t := range query {
				if c.terms[t] {
					hits++
				}
			}
			if hits == 0 {
				continue
			}
			s := scored{chunk: c, score: float64(hits) / float64(len(query)), seq: seq}
			seq++
			if h.Len() < k {
				heap.Push(h, s)
			} else if s.better((*h)[0]) {
				(*h)[0] = s
				heap.Fix(h, 0)
			}
		}
	}

	out := make([]conversation.Passage, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		s := heap.Pop(h).(scored)
		out[i] = conversation.Passage{Content: s.chunk.text, Source: s.chunk.source, Confidence: s.score}
	}
	return out, nil
}

// Chunk splits text into paragraphs and merges short neighbours up to
// maxChunkChars. A single longer paragraph is kept whole.
func Chunk(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	var cur strings.Builder
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.Join(strings.Fields(para), " ")
		if para == "" {
			continue
		}
		if cur.Len() > 0 && cur.Len()+len(para)+1 > maxChunkChars {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(para)
	}
	flush()
	return out
}

func termSet(s string) map[string]bool {
	terms := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) < 2 && !unicode.IsDigit(rune(w[0])) {
			continue
		}
		if stopwords[w] {
			continue
		}
		terms[w] = true
	}
	return terms
}

var stopwords = func() map[string]bool {
	m := make(map[string]bool)
	for _, w := range strings.Fields(`a an and are as at be but by can could do does did for from had has have
		how i if in into is it its me my no not of on or our so than that the their them then there these
		they this to was we were what when where which who why will with would you your yours`) {
		m[w] = true
	}
	return m
}()

type scored struct {
	chunk chunk
	score float64
	seq   int
}

// better orders by score, then by load order so results are deterministic.
func (s scored) better(o scored) bool {
	if s.score != o.score {
		return s.score > o.score
	}
	return s.seq < o.seq
}

// scoredHeap is a min-heap keeping the worst retained result at the root.
type scoredHeap []scored

func (h scoredHeap) Len() int            { return len(h) }
func (h scoredHeap) Less(i, j int) bool  { return h[j].better(h[i]) }
func (h scoredHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *scoredHeap) Push(x interface{}) { *h = append(*h, x.(scored)) }
func (h *scoredHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
