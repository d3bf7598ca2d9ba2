// Package search answers hybrid (lexical + semantic) top-k queries over the
// persisted index. The engine keeps the whole index memory-resident: chunk
// records, an Okapi BM25 index over their lexical tokens, and the dense
// vector matrix L2-normalized for cosine scoring. The on-disk index is
// watched and reloaded when a background job rewrites it.
package search

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/verdict-systems/kbengine/internal/chunker"
	"github.com/verdict-systems/kbengine/internal/embed"
	"github.com/verdict-systems/kbengine/internal/logging"
	"github.com/verdict-systems/kbengine/internal/store"
	"github.com/verdict-systems/kbengine/pkg/types"
)

// Weights and bounds of score fusion.
const (
	defaultSemanticWeight = 0.70
	defaultLexicalWeight  = 0.30
	defaultMinScore       = 0.15

	titleBonus    = 0.6
	sourceBonus   = 0.4
	maxBonusScore = 3.0
)

// Config tunes the hybrid ranking.
type Config struct {
	TopK           int
	SemanticWeight float64
	LexicalWeight  float64
	MinScore       float64
	MetadataBonus  bool
	LexMaxTokens   int
}

// DefaultConfig returns the production ranking parameters.
func DefaultConfig() Config {
	return Config{
		TopK:           10,
		SemanticWeight: defaultSemanticWeight,
		LexicalWeight:  defaultLexicalWeight,
		MinScore:       defaultMinScore,
		MetadataBonus:  true,
		LexMaxTokens:   32,
	}
}

// Engine serves search queries. Safe for concurrent use; reloads are
// serialized behind the write lock while queries share the read lock.
type Engine struct {
	store    *store.Store
	embedder embed.Embedder // nil disables the semantic channel
	log      *logging.Logger
	cfg      Config

	mu      sync.RWMutex
	chunks  []types.Chunk
	matrix  [][]float32 // normalized vectors, indexed by vecRow
	vecRow  []int       // per chunk: row in matrix, -1 when unembedded
	bm25    *BM25
	cMTime  int64
	vMTime  int64

	dirty   atomic.Bool
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewEngine loads the index and starts watching the index directory for
// rewrites. A missing index is not an error; searches return no results
// until the first index job completes.
func NewEngine(st *store.Store, embedder embed.Embedder, log *logging.Logger, cfg Config) (*Engine, error) {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultConfig().TopK
	}
	if cfg.SemanticWeight <= 0 && cfg.LexicalWeight <= 0 {
		cfg.SemanticWeight = defaultSemanticWeight
		cfg.LexicalWeight = defaultLexicalWeight
	}
	if cfg.LexMaxTokens <= 0 {
		cfg.LexMaxTokens = DefaultConfig().LexMaxTokens
	}
	e := &Engine{
		store:    st,
		embedder: embedder,
		log:      log,
		cfg:      cfg,
		done:     make(chan struct{}),
	}
	if err := e.Reload(); err != nil {
		return nil, err
	}

	// Watcher failure is tolerable: the mtime check on each query still
	// picks up rewrites, just a little later.
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("index watcher unavailable", logging.Error(err))
	} else if err := w.Add(st.Dir); err != nil {
		log.Warn("index watcher unavailable", logging.Error(err))
		_ = w.Close()
	} else {
		e.watcher = w
		go e.watch()
	}
	return e, nil
}

func (e *Engine) watch() {
	for {
		select {
		case ev, ok := <-e.watcher.Events:
			if !ok {
				return
			}
			name := ev.Name
			if strings.HasSuffix(name, store.ChunksFile) || strings.HasSuffix(name, store.VectorsFile) {
				e.dirty.Store(true)
			}
		case err, ok := <-e.watcher.Errors:
			if !ok {
				return
			}
			e.log.Warn("index watcher error", logging.Error(err))
		case <-e.done:
			return
		}
	}
}

// Close stops the index watcher.
func (e *Engine) Close() error {
	close(e.done)
	if e.watcher != nil {
		return e.watcher.Close()
	}
	return nil
}

// Reload reads the chunk manifest and vector store from disk and rebuilds
// the in-memory scoring structures.
func (e *Engine) Reload() error {
	chunks, err := e.store.LoadChunks()
	if err != nil {
		return fmt.Errorf("load chunks: %w", err)
	}

	byID := map[string][]float32{}
	if vset, err := e.store.LoadVectors(); err != nil {
		e.log.Warn("vector store unreadable, semantic channel disabled", logging.Error(err))
	} else if vset != nil {
		// Vectors from a different model cannot be compared with query
		// vectors from the active one. Serve lexical-only until the next
		// embed job rewrites the store.
		if e.embedder != nil && vset.Model != e.embedder.Model() {
			e.log.Warn("vector store model mismatch, semantic channel disabled",
				logging.String("stored", vset.Model),
				logging.String("active", e.embedder.Model()))
		} else {
			byID = vset.ByID()
		}
	}

	matrix := make([][]float32, 0, len(byID))
	vecRow := make([]int, len(chunks))
	corpus := make([][]string, len(chunks))
	for i, c := range chunks {
		vecRow[i] = -1
		if v, ok := byID[c.ChunkID]; ok {
			vecRow[i] = len(matrix)
			matrix = append(matrix, normalize(v))
		}
		tokens := c.LexTokens
		if len(tokens) == 0 {
			tokens = chunker.LexTokens(c.Text, e.cfg.LexMaxTokens)
		}
		corpus[i] = tokens
	}

	cm, vm := e.store.ManifestMTimes()

	e.mu.Lock()
	e.chunks = chunks
	e.matrix = matrix
	e.vecRow = vecRow
	e.bm25 = NewBM25(corpus)
	e.cMTime = cm
	e.vMTime = vm
	e.mu.Unlock()
	e.dirty.Store(false)

	e.log.Info("search index loaded",
		logging.Int("chunks", len(chunks)),
		logging.Int("vectors", len(matrix)))
	return nil
}

// ensureFresh reloads if a job rewrote the index since the last load.
func (e *Engine) ensureFresh() {
	stale := e.dirty.Load()
	if !stale {
		cm, vm := e.store.ManifestMTimes()
		e.mu.RLock()
		stale = cm != e.cMTime || vm != e.vMTime
		e.mu.RUnlock()
	}
	if stale {
		if err := e.Reload(); err != nil {
			e.log.Warn("index reload failed, serving previous state", logging.Error(err))
		}
	}
}

// Search returns the fused top-k results for a query. Results are
// deterministic for a fixed index state and query: ties break on lexical
// score, then on manifest order.
func (e *Engine) Search(ctx context.Context, query string, topK int) ([]types.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty query")
	}
	if topK <= 0 {
		topK = e.cfg.TopK
	}
	e.ensureFresh()

	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.chunks) == 0 {
		return nil, nil
	}

	// Lexical channel, max-normalized to [0,1].
	qTokens := chunker.LexTokens(query, e.cfg.LexMaxTokens)
	lexical := e.bm25.Scores(qTokens)
	maxLex := 0.0
	for _, s := range lexical {
		if s > maxLex {
			maxLex = s
		}
	}
	if maxLex > 0 {
		for i := range lexical {
			lexical[i] /= maxLex
		}
	}

	// Semantic channel: raw cosine against the normalized matrix. Chunks
	// without a vector stay eligible through the lexical channel alone.
	semantic := make([]float64, len(e.chunks))
	if e.embedder != nil && len(e.matrix) > 0 {
		qVec, err := embed.EmbedOne(ctx, e.embedder, query)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		qn := normalize(qVec)
		for i, row := range e.vecRow {
			if row >= 0 {
				semantic[i] = dot(qn, e.matrix[row])
			}
		}
	}

	type candidate struct {
		idx   int
		lex   float64
		sem   float64
		fused float64
		total float64
	}
	var cands []candidate
	for i := range e.chunks {
		fused := e.cfg.SemanticWeight*semantic[i] + e.cfg.LexicalWeight*lexical[i]
		if fused < e.cfg.MinScore {
			continue
		}
		total := fused
		if e.cfg.MetadataBonus {
			total += bonusScore(&e.chunks[i], qTokens)
		}
		cands = append(cands, candidate{idx: i, lex: lexical[i], sem: semantic[i], fused: fused, total: total})
	}

	sort.SliceStable(cands, func(a, b int) bool {
		ca, cb := cands[a], cands[b]
		if ca.total != cb.total {
			return ca.total > cb.total
		}
		if ca.lex != cb.lex {
			return ca.lex > cb.lex
		}
		return ca.idx < cb.idx
	})
	if len(cands) > topK {
		cands = cands[:topK]
	}

	results := make([]types.SearchResult, 0, len(cands))
	for _, c := range cands {
		ch := e.chunks[c.idx]
		results = append(results, types.SearchResult{
			ChunkID:       ch.ChunkID,
			SourcePath:    ch.SourcePath,
			Title:         ch.Title,
			Text:          ch.Text,
			LexicalScore:  c.lex,
			SemanticScore: c.sem,
			FusedScore:    c.total,
		})
	}
	return results, nil
}

// bonusScore rewards query terms that hit chunk metadata rather than body
// text. Capped so a metadata pile-up cannot drown the fused score entirely.
func bonusScore(c *types.Chunk, qTokens []string) float64 {
	if len(qTokens) == 0 {
		return 0
	}
	title := strings.ToLower(c.Title)
	src := strings.ToLower(c.SourcePath)
	score := 0.0
	for _, t := range qTokens {
		if strings.Contains(title, t) {
			score += titleBonus
		}
		if strings.Contains(src, t) {
			score += sourceBonus
		}
	}
	return math.Min(score, maxBonusScore)
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

func dot(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// RankVectors scores arbitrary vectors against a query vector by cosine
// similarity. Used by the ad-hoc analyzer, which never touches the store.
func RankVectors(qVec []float32, vecs [][]float32) []float64 {
	scores := make([]float64, len(vecs))
	qn := normalize(qVec)
	for i, v := range vecs {
		scores[i] = dot(qn, normalize(v))
	}
	return scores
}
