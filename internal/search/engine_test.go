package search

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdict-systems/kbengine/internal/logging"
	"github.com/verdict-systems/kbengine/internal/store"
	"github.com/verdict-systems/kbengine/pkg/types"
)

// fakeEmbedder returns canned vectors per text so cosine outcomes are exact.
type fakeEmbedder struct {
	vecs map[string][]float32
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := f.vecs[t]; ok {
			out[i] = v
		} else {
			out[i] = []float32{0, 0, 1}
		}
	}
	return out, nil
}

func (f *fakeEmbedder) Model() string  { return "fake-embed" }
func (f *fakeEmbedder) Dimension() int { return 3 }
func (f *fakeEmbedder) Close() error   { return nil }

func chunkWithTokens(path string, ordinal int, text string, tokens ...string) types.Chunk {
	return types.Chunk{
		ChunkID:    types.MakeChunkID(path, ordinal, types.ContentHash(text)),
		DocID:      "fp-" + path,
		SourcePath: path,
		Ordinal:    ordinal,
		Title:      text,
		Text:       text,
		CharLength: len([]rune(text)),
		LexTokens:  tokens,
	}
}

func seedStore(t *testing.T, chunks []types.Chunk, vecs map[string][]float32) *store.Store {
	t.Helper()
	s, err := store.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.WriteManifest(nil, chunks))
	if vecs != nil {
		var ids []string
		var rows [][]float32
		for _, c := range chunks {
			if v, ok := vecs[c.ChunkID]; ok {
				ids = append(ids, c.ChunkID)
				rows = append(rows, v)
			}
		}
		require.NoError(t, s.WriteVectors("fake-embed", 3, ids, rows))
	}
	return s
}

func plainConfig() Config {
	cfg := DefaultConfig()
	cfg.MetadataBonus = false
	return cfg
}

func TestSearch_LexicalOnly(t *testing.T) {
	chunks := []types.Chunk{
		chunkWithTokens("contracts.txt", 0, "payment schedule obligations", "payment", "schedule", "obligations"),
		chunkWithTokens("wildlife.txt", 0, "wombat sanctuary visiting rules", "wombat", "sanctuary", "visiting", "rules"),
	}
	s := seedStore(t, chunks, nil)
	eng, err := NewEngine(s, nil, logging.Nop(), plainConfig())
	require.NoError(t, err)
	defer func() { _ = eng.Close() }()

	results, err := eng.Search(context.Background(), "wombat sanctuary", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "wildlife.txt", results[0].SourcePath)
	assert.InDelta(t, 1.0, results[0].LexicalScore, 1e-9)
	assert.Zero(t, results[0].SemanticScore)
	assert.InDelta(t, 0.30, results[0].FusedScore, 1e-9)
}

func TestSearch_NoMatchBelowThreshold(t *testing.T) {
	chunks := []types.Chunk{
		chunkWithTokens("a.txt", 0, "payment schedule", "payment", "schedule"),
	}
	s := seedStore(t, chunks, nil)
	eng, err := NewEngine(s, nil, logging.Nop(), plainConfig())
	require.NoError(t, err)
	defer func() { _ = eng.Close() }()

	results, err := eng.Search(context.Background(), "quantum chromodynamics", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearch_SemanticExactMatchScoresFullCosine(t *testing.T) {
	a := chunkWithTokens("a.txt", 0, "alpha body text", "alpha")
	b := chunkWithTokens("b.txt", 0, "beta body text", "beta")
	vecs := map[string][]float32{
		a.ChunkID: {1, 0, 0},
		b.ChunkID: {0, 1, 0},
	}
	s := seedStore(t, []types.Chunk{a, b}, vecs)
	fe := &fakeEmbedder{vecs: map[string][]float32{"alpha body text": {2, 0, 0}}} // same direction as a
	eng, err := NewEngine(s, fe, logging.Nop(), plainConfig())
	require.NoError(t, err)
	defer func() { _ = eng.Close() }()

	results, err := eng.Search(context.Background(), "alpha body text", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "a.txt", results[0].SourcePath)
	assert.InDelta(t, 1.0, results[0].SemanticScore, 1e-6)
}

func TestSearch_FusionWeights(t *testing.T) {
	semHit := chunkWithTokens("sem.txt", 0, "semantic only document", "unrelated")
	lexHit := chunkWithTokens("lex.txt", 0, "lexical only document", "needle")
	vecs := map[string][]float32{
		semHit.ChunkID: {1, 0, 0},
		lexHit.ChunkID: {0, 1, 0},
	}
	s := seedStore(t, []types.Chunk{semHit, lexHit}, vecs)
	fe := &fakeEmbedder{vecs: map[string][]float32{"needle": {1, 0, 0}}}
	eng, err := NewEngine(s, fe, logging.Nop(), plainConfig())
	require.NoError(t, err)
	defer func() { _ = eng.Close() }()

	results, err := eng.Search(context.Background(), "needle", 5)
	require.NoError(t, err)
	require.Len(t, results, 2)

	// sem.txt: cosine 1, no lexical hit -> 0.70. lex.txt: bm25 max-normalized
	// to 1, orthogonal vector -> 0.30.
	assert.Equal(t, "sem.txt", results[0].SourcePath)
	assert.InDelta(t, 0.70, results[0].FusedScore, 1e-6)
	assert.Equal(t, "lex.txt", results[1].SourcePath)
	assert.InDelta(t, 0.30, results[1].FusedScore, 1e-6)
}

func TestSearch_MetadataBonusBoostsTitleMatch(t *testing.T) {
	withTitle := chunkWithTokens("report.txt", 0, "wombat census results", "wombat", "census", "results")
	other := chunkWithTokens("other.txt", 0, "wombat mentioned in passing", "wombat", "mentioned", "passing")
	s := seedStore(t, []types.Chunk{withTitle, other}, nil)

	cfg := plainConfig()
	cfg.MetadataBonus = true
	eng, err := NewEngine(s, nil, logging.Nop(), cfg)
	require.NoError(t, err)
	defer func() { _ = eng.Close() }()

	results, err := eng.Search(context.Background(), "wombat", 5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	// Both titles contain the term; scores include the bonus.
	for _, r := range results {
		assert.Greater(t, r.FusedScore, 0.6)
	}
}

func TestSearch_UnembeddedChunkStillLexicallyEligible(t *testing.T) {
	embedded := chunkWithTokens("a.txt", 0, "embedded document", "embedded")
	pending := chunkWithTokens("b.txt", 0, "pending document", "needle")
	vecs := map[string][]float32{embedded.ChunkID: {1, 0, 0}}
	s := seedStore(t, []types.Chunk{embedded, pending}, vecs)
	fe := &fakeEmbedder{vecs: map[string][]float32{"needle": {0, 0, 1}}}
	eng, err := NewEngine(s, fe, logging.Nop(), plainConfig())
	require.NoError(t, err)
	defer func() { _ = eng.Close() }()

	results, err := eng.Search(context.Background(), "needle", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b.txt", results[0].SourcePath)
	assert.Zero(t, results[0].SemanticScore)
}

func TestSearch_ModelSwitchDisablesSemanticChannel(t *testing.T) {
	stale := chunkWithTokens("stale.txt", 0, "stale vector document", "unrelated")
	lexHit := chunkWithTokens("lex.txt", 0, "needle document", "needle")
	chunks := []types.Chunk{stale, lexHit}

	// Vectors persisted under a previous model, wider than the active
	// embedder's dimension.
	s, err := store.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.WriteManifest(nil, chunks))
	require.NoError(t, s.WriteVectors("old-model", 4,
		[]string{stale.ChunkID, lexHit.ChunkID},
		[][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}}))

	fe := &fakeEmbedder{vecs: map[string][]float32{"needle": {1, 0, 0}}}
	eng, err := NewEngine(s, fe, logging.Nop(), plainConfig())
	require.NoError(t, err)
	defer func() { _ = eng.Close() }()

	results, err := eng.Search(context.Background(), "needle", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "lex.txt", results[0].SourcePath)
	assert.Zero(t, results[0].SemanticScore)
	assert.InDelta(t, 0.30, results[0].FusedScore, 1e-9)
}

func TestDot_LengthMismatchScoresZero(t *testing.T) {
	assert.Zero(t, dot([]float32{1, 0, 0, 0}, []float32{1, 0, 0}))
	assert.InDelta(t, 1.0, dot([]float32{1, 0, 0}, []float32{1, 0, 0}), 1e-9)
}

func TestSearch_TopKLimitsResults(t *testing.T) {
	var chunks []types.Chunk
	for i := 0; i < 5; i++ {
		chunks = append(chunks, chunkWithTokens("doc.txt", i, "needle repeated content", "needle", "repeated", "content"))
	}
	s := seedStore(t, chunks, nil)
	eng, err := NewEngine(s, nil, logging.Nop(), plainConfig())
	require.NoError(t, err)
	defer func() { _ = eng.Close() }()

	results, err := eng.Search(context.Background(), "needle", 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestSearch_DeterministicTieBreak(t *testing.T) {
	a := chunkWithTokens("a.txt", 0, "needle a", "needle")
	b := chunkWithTokens("b.txt", 0, "needle b", "needle")
	s := seedStore(t, []types.Chunk{a, b}, nil)
	eng, err := NewEngine(s, nil, logging.Nop(), plainConfig())
	require.NoError(t, err)
	defer func() { _ = eng.Close() }()

	for i := 0; i < 3; i++ {
		results, err := eng.Search(context.Background(), "needle", 5)
		require.NoError(t, err)
		require.Len(t, results, 2)
		// Equal scores fall back to manifest order.
		assert.Equal(t, "a.txt", results[0].SourcePath)
		assert.Equal(t, "b.txt", results[1].SourcePath)
	}
}

func TestSearch_EmptyQuery(t *testing.T) {
	s := seedStore(t, []types.Chunk{chunkWithTokens("a.txt", 0, "text", "text")}, nil)
	eng, err := NewEngine(s, nil, logging.Nop(), plainConfig())
	require.NoError(t, err)
	defer func() { _ = eng.Close() }()

	_, err = eng.Search(context.Background(), "   ", 5)
	assert.Error(t, err)
}

func TestSearch_EmptyIndex(t *testing.T) {
	s, err := store.New(t.TempDir())
	require.NoError(t, err)
	eng, err := NewEngine(s, nil, logging.Nop(), plainConfig())
	require.NoError(t, err)
	defer func() { _ = eng.Close() }()

	results, err := eng.Search(context.Background(), "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearch_ReloadsAfterManifestRewrite(t *testing.T) {
	old := chunkWithTokens("old.txt", 0, "old content", "old")
	s := seedStore(t, []types.Chunk{old}, nil)
	eng, err := NewEngine(s, nil, logging.Nop(), plainConfig())
	require.NoError(t, err)
	defer func() { _ = eng.Close() }()

	fresh := chunkWithTokens("fresh.txt", 0, "fresh content", "fresh")
	// Let the manifest mtime move past filesystem timestamp granularity.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.WriteManifest(nil, []types.Chunk{old, fresh}))

	results, err := eng.Search(context.Background(), "fresh", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "fresh.txt", results[0].SourcePath)
}

func TestRankVectors_CosineOrdering(t *testing.T) {
	q := []float32{1, 0, 0}
	vecs := [][]float32{
		{1, 0, 0},  // identical
		{1, 1, 0},  // 45 degrees
		{0, 1, 0},  // orthogonal
		{-1, 0, 0}, // opposite
	}
	scores := RankVectors(q, vecs)
	require.Len(t, scores, 4)
	assert.InDelta(t, 1.0, scores[0], 1e-6)
	assert.Greater(t, scores[0], scores[1])
	assert.Greater(t, scores[1], scores[2])
	assert.Greater(t, scores[2], scores[3])
	assert.InDelta(t, -1.0, scores[3], 1e-6)
}

func TestNormalize_ZeroVector(t *testing.T) {
	v := []float32{0, 0, 0}
	assert.Equal(t, v, normalize(v))
}
