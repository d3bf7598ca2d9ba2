package embed

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/verdict-systems/kbengine/internal/joblock"
	"github.com/verdict-systems/kbengine/internal/logging"
	"github.com/verdict-systems/kbengine/internal/status"
	"github.com/verdict-systems/kbengine/internal/store"
	"github.com/verdict-systems/kbengine/pkg/types"
)

// ErrJobRunning is returned when an embed job is triggered while another is
// still in progress.
var ErrJobRunning = errors.New("embed job already running")

// Diagnostics list caps keep the polled status payload small.
const (
	maxTruncExamples  = 8
	maxFallbackEvents = 8
)

// PipelineConfig bounds the batching and truncation-fallback behavior.
type PipelineConfig struct {
	BatchSize         int     // maximum chunks per provider call
	TokenBudget       int     // approximate token budget per batch (chars/4)
	MaxChars          int     // per-chunk character cap before sending
	OverflowMaxTries  int     // shrink attempts before a chunk is dropped
	OverflowKeepRatio float64 // fraction of text kept per shrink
}

// DefaultPipelineConfig returns the production batching bounds.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		BatchSize:         64,
		TokenBudget:       60000,
		MaxChars:          6000,
		OverflowMaxTries:  4,
		OverflowKeepRatio: 0.8,
	}
}

// Pipeline runs the embed job: it finds chunks lacking a vector for the
// active model, embeds them in bounded batches, and rewrites the vector
// store aligned to the chunk manifest order.
type Pipeline struct {
	store  *store.Store
	client Embedder
	reg    *status.Registry
	log    *logging.Logger
	cfg    PipelineConfig
	lock   *joblock.Lock
}

// NewPipeline wires an embed pipeline over the given store and provider.
func NewPipeline(st *store.Store, client Embedder, reg *status.Registry, log *logging.Logger, cfg PipelineConfig) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultPipelineConfig().BatchSize
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = DefaultPipelineConfig().TokenBudget
	}
	if cfg.OverflowMaxTries <= 0 {
		cfg.OverflowMaxTries = DefaultPipelineConfig().OverflowMaxTries
	}
	if cfg.OverflowKeepRatio <= 0 || cfg.OverflowKeepRatio >= 1 {
		cfg.OverflowKeepRatio = DefaultPipelineConfig().OverflowKeepRatio
	}
	return &Pipeline{
		store:  st,
		client: client,
		reg:    reg,
		log:    log,
		cfg:    cfg,
		lock:   joblock.New(filepath.Join(st.Dir, "embed.lock")),
	}
}

// pendingChunk is one chunk snapshot taken at job start. The text may be
// shortened by pre-truncation or the overflow fallback; identity never
// changes.
type pendingChunk struct {
	id         string
	sourcePath string
	text       string
}

// Run executes one embed job to completion. Only one embed job may run at a
// time; a second trigger returns ErrJobRunning.
func (p *Pipeline) Run(ctx context.Context) error {
	ok, err := p.lock.TryAcquire()
	if err != nil {
		return fmt.Errorf("acquire embed lock: %w", err)
	}
	if !ok {
		return ErrJobRunning
	}
	defer func() {
		_ = p.lock.Release()
	}()

	started := time.Now().UTC()
	model := p.client.Model()

	st := types.EmbedStatus{}
	st.OK = true
	st.State = types.JobRunning
	st.StartedAt = started
	st.Model = model
	p.reg.SetEmbed(st)

	fail := func(err error) error {
		st.State = types.JobError
		st.OK = false
		st.Message = err.Error()
		st.FinishedAt = time.Now().UTC()
		st.ElapsedSec = time.Since(started).Seconds()
		p.reg.SetEmbed(st)
		return err
	}

	chunks, err := p.store.LoadChunks()
	if err != nil {
		return fail(fmt.Errorf("load chunks: %w", err))
	}

	// Vectors from a previous run survive as long as the model matches.
	// A model switch or a corrupt store forces a full re-embed.
	reuse := map[string][]float32{}
	if vset, err := p.store.LoadVectors(); err != nil {
		p.log.Warn("vector store unreadable, re-embedding all chunks", logging.Error(err))
	} else if vset != nil && vset.Model == model {
		reuse = vset.ByID()
	}

	var pending []pendingChunk
	for _, c := range chunks {
		if _, ok := reuse[c.ChunkID]; ok {
			continue
		}
		pending = append(pending, pendingChunk{id: c.ChunkID, sourcePath: c.SourcePath, text: c.Text})
	}

	st.TotalChunks = len(pending)
	p.reg.SetEmbed(st)
	p.log.Info("embed job started",
		logging.Int("pending", len(pending)),
		logging.Int("reused", len(reuse)),
		logging.String("model", model))

	p.truncateOversize(pending, &st)

	batches := p.partition(pending)
	tracker := status.NewTracker(len(pending))

	vectors := map[string][]float32{}
	var fatalErr error
	succeeded := 0

	for bi, batch := range batches {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}

		got, dropped, err := p.embedBatch(ctx, bi, batch, &st)
		if err != nil {
			if errors.Is(err, types.ErrProviderFatal) || errors.Is(err, context.Canceled) {
				fatalErr = err
				p.log.Error("embed job aborting remaining batches", logging.Int("batch", bi), logging.Error(err))
				break
			}
			// Transient failure that survived retries. The batch is lost
			// but the job continues.
			st.FailedBatches++
			p.log.Warn("embed batch failed", logging.Int("batch", bi), logging.Error(err))
		} else {
			if err := checkDimension(p.client.Dimension(), got); err != nil {
				fatalErr = err
				p.log.Error("embed job aborting remaining batches", logging.Int("batch", bi), logging.Error(err))
				break
			}
			succeeded++
			for id, vec := range got {
				vectors[id] = vec
			}
			st.DroppedChunks += dropped
		}

		st.ProcessedChunks += len(batch)
		rate, eta, elapsed := tracker.Progress(st.ProcessedChunks)
		st.ChunksPerSec = rate
		st.ETASec = eta
		st.ElapsedSec = elapsed
		p.reg.SetEmbed(st)
	}

	// Persist everything gathered so far even when aborting early: the
	// manifest order of chunks.jsonl dictates the vector record order.
	dim := p.client.Dimension()
	var ids []string
	var vecs [][]float32
	for _, c := range chunks {
		vec, ok := vectors[c.ChunkID]
		if !ok {
			vec, ok = reuse[c.ChunkID]
		}
		if !ok {
			continue
		}
		if dim == 0 {
			dim = len(vec)
		}
		ids = append(ids, c.ChunkID)
		vecs = append(vecs, vec)
	}
	if len(ids) > 0 || len(chunks) == 0 {
		if err := p.store.WriteVectors(model, dim, ids, vecs); err != nil {
			return fail(fmt.Errorf("write vectors: %w", err))
		}
	}

	st.FinishedAt = time.Now().UTC()
	st.ElapsedSec = time.Since(started).Seconds()
	st.ETASec = 0

	switch {
	case fatalErr != nil:
		st.State = types.JobError
		st.OK = false
		st.Message = fatalErr.Error()
		p.reg.SetEmbed(st)
		return fatalErr
	case len(batches) > 0 && succeeded == 0:
		err := fmt.Errorf("%w: all %d batches failed", types.ErrProviderTransient, len(batches))
		st.State = types.JobError
		st.OK = false
		st.Message = err.Error()
		p.reg.SetEmbed(st)
		return err
	default:
		st.State = types.JobDone
		p.reg.SetEmbed(st)
		p.log.Info("embed job finished",
			logging.Int("embedded", len(ids)),
			logging.Int("failed_batches", st.FailedBatches),
			logging.Int("dropped", st.DroppedChunks),
			logging.Float64("elapsed_sec", st.ElapsedSec))
		return nil
	}
}

// checkDimension rejects vectors that do not match the configured
// dimension. Caught on the first batch, before the job spends the rest of
// its provider budget on vectors the store would refuse.
func checkDimension(dim int, got map[string][]float32) error {
	if dim <= 0 {
		return nil
	}
	for id, vec := range got {
		if len(vec) != dim {
			return fmt.Errorf("%w: provider returned %d-dim vector for chunk %s, configured %d",
				types.ErrProviderFatal, len(vec), id, dim)
		}
	}
	return nil
}

// truncateOversize enforces the per-chunk character cap before any provider
// call, recording each cut in the job diagnostics.
func (p *Pipeline) truncateOversize(pending []pendingChunk, st *types.EmbedStatus) {
	if p.cfg.MaxChars <= 0 {
		return
	}
	for i := range pending {
		runes := []rune(pending[i].text)
		if len(runes) <= p.cfg.MaxChars {
			continue
		}
		orig := len(runes)
		kept := p.cfg.MaxChars
		pending[i].text = string(runes[:kept])

		cut := orig - kept
		st.TruncCount++
		st.TruncTotalChars += cut
		if cut > st.TruncMaxChars {
			st.TruncMaxChars = cut
		}
		if len(st.TruncExamples) < maxTruncExamples {
			st.TruncExamples = append(st.TruncExamples, types.TruncExample{
				SourcePath: pending[i].sourcePath,
				OrigChars:  orig,
				KeptChars:  kept,
				CutChars:   cut,
			})
		}
	}
}

// partition splits pending chunks into batches bounded by both the batch
// size and the approximate token budget (chars/4). A batch always holds at
// least one chunk so an oversized single chunk still gets sent.
func (p *Pipeline) partition(pending []pendingChunk) [][]pendingChunk {
	var batches [][]pendingChunk
	var cur []pendingChunk
	tokens := 0
	for _, pc := range pending {
		t := len(pc.text) / 4
		if len(cur) > 0 && (len(cur) >= p.cfg.BatchSize || tokens+t > p.cfg.TokenBudget) {
			batches = append(batches, cur)
			cur = nil
			tokens = 0
		}
		cur = append(cur, pc)
		tokens += t
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches
}

// embedBatch calls the provider for one batch, applying the token-overflow
// fallback: shrink the longest text by the keep ratio and retry; after the
// bounded attempts, drop that chunk and continue with the remainder. It
// returns the vectors by chunk id and how many chunks were dropped.
func (p *Pipeline) embedBatch(ctx context.Context, batchIdx int, batch []pendingChunk, st *types.EmbedStatus) (map[string][]float32, int, error) {
	work := append([]pendingChunk(nil), batch...)
	dropped := 0
	tries := 0
	totalTries := 0
	totalCut := 0
	lastBeforeAfter := [2]int{}

	recordEvent := func() {
		if totalTries == 0 {
			return
		}
		st.CtxFallbackTotalTries += totalTries
		st.CtxFallbackTotalCutChars += totalCut
		if len(st.CtxFallbackEvents) < maxFallbackEvents {
			st.CtxFallbackEvents = append(st.CtxFallbackEvents, types.FallbackEvent{
				Batch:           batchIdx,
				Tries:           totalTries,
				CutTotalChars:   totalCut,
				LastBeforeAfter: lastBeforeAfter,
			})
		}
	}

	for len(work) > 0 {
		texts := make([]string, len(work))
		for i, pc := range work {
			texts[i] = pc.text
		}

		vecs, err := p.client.EmbedBatch(ctx, texts)
		if err == nil {
			recordEvent()
			out := make(map[string][]float32, len(work))
			for i, pc := range work {
				out[pc.id] = vecs[i]
			}
			return out, dropped, nil
		}
		if !errors.Is(err, types.ErrProviderTokenOverflow) {
			recordEvent()
			return nil, dropped, err
		}

		// The provider rejected the batch for size. Shrink the longest
		// text; once the attempt budget is spent, sacrifice that chunk.
		longest := 0
		for i := range work {
			if len(work[i].text) > len(work[longest].text) {
				longest = i
			}
		}

		if tries >= p.cfg.OverflowMaxTries {
			p.log.Warn("dropping chunk after overflow retries",
				logging.Int("batch", batchIdx),
				logging.String("chunk_id", work[longest].id),
				logging.String("source", work[longest].sourcePath))
			work = append(work[:longest], work[longest+1:]...)
			dropped++
			tries = 0
			continue
		}

		before := len([]rune(work[longest].text))
		keep := int(float64(before) * p.cfg.OverflowKeepRatio)
		if keep < 1 {
			keep = 1
		}
		work[longest].text = string([]rune(work[longest].text)[:keep])

		tries++
		totalTries++
		totalCut += before - keep
		lastBeforeAfter = [2]int{before, keep}
	}

	recordEvent()
	return map[string][]float32{}, dropped, nil
}
