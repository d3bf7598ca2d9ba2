// Package adhoc analyzes a single uploaded file into an ephemeral retrieval
// context. Sessions live in an expiring in-memory cache and are never
// written to the persistent index; when a session expires, every trace of
// the upload is gone.
package adhoc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/verdict-systems/kbengine/internal/chunker"
	"github.com/verdict-systems/kbengine/internal/embed"
	"github.com/verdict-systems/kbengine/internal/extract"
	"github.com/verdict-systems/kbengine/internal/logging"
	"github.com/verdict-systems/kbengine/internal/search"
	"github.com/verdict-systems/kbengine/pkg/types"
)

// ErrSessionNotFound is returned when a session id is unknown or expired.
var ErrSessionNotFound = errors.New("ad-hoc session not found or expired")

// Session is one analyzed upload: its chunks and their vectors, held only
// in memory.
type Session struct {
	ID        string
	FileName  string
	Chunks    []types.Chunk
	Vectors   [][]float32
	CreatedAt time.Time
}

// Analyzer turns uploads into sessions and ranks session chunks against
// queries.
type Analyzer struct {
	extract  *extract.Manager
	embedder embed.Embedder
	log      *logging.Logger
	chunking chunker.Config
	sessions *expirable.LRU[string, *Session]
}

// New creates an Analyzer whose sessions expire after ttl, holding at most
// maxSessions concurrently.
func New(em *extract.Manager, embedder embed.Embedder, log *logging.Logger, chunking chunker.Config, ttl time.Duration, maxSessions int) *Analyzer {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if maxSessions <= 0 {
		maxSessions = 256
	}
	return &Analyzer{
		extract:  em,
		embedder: embedder,
		log:      log,
		chunking: chunking,
		sessions: expirable.NewLRU[string, *Session](maxSessions, nil, ttl),
	}
}

// Analyze extracts, chunks and embeds one uploaded file, returning the new
// session. The upload only ever touches a temp file, removed before return.
func (a *Analyzer) Analyze(ctx context.Context, fileName string, data []byte) (*Session, error) {
	ext := filepath.Ext(fileName)
	if !a.extract.Supports(ext) {
		return nil, fmt.Errorf("%w: %s", extract.ErrUnsupported, ext)
	}

	tmp, err := os.CreateTemp("", "adhoc-*"+ext)
	if err != nil {
		return nil, fmt.Errorf("stage upload: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("stage upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("stage upload: %w", err)
	}

	text, err := a.extract.Extract(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", fileName, err)
	}

	chunks, err := chunker.ChunkDocument(fileName, "adhoc", text, a.chunking)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fileName, err)
	}

	var vectors [][]float32
	if a.embedder != nil {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		vectors, err = a.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed %s: %w", fileName, err)
		}
	}

	s := &Session{
		ID:        uuid.NewString(),
		FileName:  fileName,
		Chunks:    chunks,
		Vectors:   vectors,
		CreatedAt: time.Now().UTC(),
	}
	a.sessions.Add(s.ID, s)
	a.log.Info("ad-hoc session created",
		logging.String("session", s.ID),
		logging.String("file", fileName),
		logging.Int("chunks", len(chunks)))
	return s, nil
}

// Get returns a live session by id.
func (a *Analyzer) Get(id string) (*Session, bool) {
	return a.sessions.Get(id)
}

// Rank scores a session's chunks against a query by cosine similarity and
// returns the top-k, best first.
func (a *Analyzer) Rank(ctx context.Context, sessionID, query string, topK int) ([]types.SearchResult, error) {
	s, ok := a.sessions.Get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	if a.embedder == nil || len(s.Vectors) == 0 {
		return nil, fmt.Errorf("session %s has no vectors", sessionID)
	}

	qVec, err := embed.EmbedOne(ctx, a.embedder, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	scores := search.RankVectors(qVec, s.Vectors)

	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })
	if topK <= 0 || topK > len(idx) {
		topK = len(idx)
	}

	results := make([]types.SearchResult, 0, topK)
	for _, i := range idx[:topK] {
		c := s.Chunks[i]
		results = append(results, types.SearchResult{
			ChunkID:       c.ChunkID,
			SourcePath:    c.SourcePath,
			Title:         c.Title,
			Text:          c.Text,
			SemanticScore: scores[i],
			FusedScore:    scores[i],
		})
	}
	return results, nil
}
