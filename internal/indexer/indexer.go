// Package indexer runs the index job: detect inbox changes, re-chunk what
// changed, retain what did not, and atomically rewrite the chunk manifest.
// Vectors of surviving chunks stay valid; vectors of dropped chunks are
// pruned so the vector store never references a chunk the manifest lost.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/verdict-systems/kbengine/internal/chunker"
	"github.com/verdict-systems/kbengine/internal/detect"
	"github.com/verdict-systems/kbengine/internal/extract"
	"github.com/verdict-systems/kbengine/internal/joblock"
	"github.com/verdict-systems/kbengine/internal/logging"
	"github.com/verdict-systems/kbengine/internal/status"
	"github.com/verdict-systems/kbengine/internal/store"
	"github.com/verdict-systems/kbengine/pkg/types"
)

// ErrJobRunning is returned when an index job is triggered while another is
// still in progress.
var ErrJobRunning = errors.New("index job already running")

// heavyFileSec marks an extraction as heavy in job diagnostics.
const heavyFileSec = 5.0

// Config bounds one index job.
type Config struct {
	InboxDir       string
	ExtractTimeout time.Duration
	Workers        int
	Chunking       chunker.Config
}

// Indexer orchestrates index jobs over a fixed store and inbox.
type Indexer struct {
	store   *store.Store
	extract *extract.Manager
	reg     *status.Registry
	log     *logging.Logger
	cfg     Config
	lock    *joblock.Lock
}

// New wires an Indexer. Workers and ExtractTimeout get sane defaults when
// unset.
func New(st *store.Store, em *extract.Manager, reg *status.Registry, log *logging.Logger, cfg Config) *Indexer {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ExtractTimeout <= 0 {
		cfg.ExtractTimeout = 60 * time.Second
	}
	return &Indexer{
		store:   st,
		extract: em,
		reg:     reg,
		log:     log,
		cfg:     cfg,
		lock:    joblock.New(filepath.Join(st.Dir, store.LockFile)),
	}
}

// docResult is the outcome of extracting and chunking one changed file.
type docResult struct {
	chunks []types.Chunk
	empty  bool
	failed bool
	heavy  *types.HeavyFile
}

// Run executes one index job to completion. Only one index job may run at a
// time; a second trigger returns ErrJobRunning.
func (ix *Indexer) Run(ctx context.Context) error {
	ok, err := ix.lock.TryAcquire()
	if err != nil {
		return fmt.Errorf("acquire index lock: %w", err)
	}
	if !ok {
		return ErrJobRunning
	}
	defer func() {
		_ = ix.lock.Release()
	}()

	started := time.Now().UTC()
	st := types.IndexStatus{}
	st.OK = true
	st.State = types.JobRunning
	st.StartedAt = started
	ix.reg.SetIndex(st)

	fail := func(err error) error {
		st.State = types.JobError
		st.OK = false
		st.Message = err.Error()
		st.FinishedAt = time.Now().UTC()
		st.ElapsedSec = time.Since(started).Seconds()
		ix.reg.SetIndex(st)
		return err
	}

	prevDocs, err := ix.store.LoadDocuments()
	if err != nil {
		return fail(fmt.Errorf("load manifest: %w", err))
	}
	prevChunks, err := ix.store.LoadChunks()
	if err != nil {
		return fail(fmt.Errorf("load chunks: %w", err))
	}

	exts := map[string]bool{}
	for _, e := range ix.extract.Extensions() {
		exts[e] = true
	}

	// Detection failure aborts the run with the prior manifest untouched.
	snapshot, err := detect.Snapshot(ix.cfg.InboxDir, exts)
	if err != nil {
		return fail(err)
	}
	diff := detect.Diff(prevDocs, snapshot)

	st.TotalFiles = len(snapshot)
	st.ProcessedFiles = len(diff.Unchanged)
	ix.reg.SetIndex(st)
	ix.log.Info("index job started",
		logging.Int("total", len(snapshot)),
		logging.Int("unchanged", len(diff.Unchanged)),
		logging.Int("changed", len(diff.Changed)),
		logging.Int("removed", len(diff.Removed)))

	retained := map[string][]types.Chunk{}
	for _, c := range prevChunks {
		retained[c.SourcePath] = append(retained[c.SourcePath], c)
	}

	results := make(map[string]docResult, len(diff.Changed))
	var mu sync.Mutex
	tracker := status.NewTracker(len(diff.Changed))
	processed := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.cfg.Workers)
	for _, doc := range diff.Changed {
		doc := doc
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res := ix.processFile(gctx, doc)

			mu.Lock()
			results[doc.Path] = res
			processed++
			st.ProcessedFiles = len(diff.Unchanged) + processed
			st.CurrentFile = doc.Path
			if res.failed {
				st.DocsFailed++
			}
			if res.empty {
				st.DocsSkippedEmpty++
			}
			if res.heavy != nil {
				st.HeavyFiles = append(st.HeavyFiles, *res.heavy)
			}
			rate, eta, elapsed := tracker.Progress(processed)
			st.FilesPerSec = rate
			st.ETASec = eta
			st.ElapsedSec = elapsed
			snap := st
			mu.Unlock()
			ix.reg.SetIndex(snap)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fail(err)
	}

	// Assemble the new manifest in snapshot order: retained chunks for
	// unchanged documents, fresh chunks for changed ones. Removed and
	// failed documents contribute nothing.
	unchanged := map[string]bool{}
	for _, d := range diff.Unchanged {
		unchanged[d.Path] = true
	}

	var docs []types.DocumentRecord
	var allChunks []types.Chunk
	chunksWritten := 0
	docsIndexed := 0
	for _, d := range snapshot {
		if unchanged[d.Path] {
			docs = append(docs, d)
			allChunks = append(allChunks, retained[d.Path]...)
			continue
		}
		res := results[d.Path]
		if res.failed || res.empty {
			continue
		}
		docs = append(docs, d)
		allChunks = append(allChunks, res.chunks...)
		chunksWritten += len(res.chunks)
		docsIndexed++
	}

	if err := ix.store.WriteManifest(docs, allChunks); err != nil {
		return fail(fmt.Errorf("write manifest: %w", err))
	}
	if err := ix.pruneVectors(allChunks); err != nil {
		// The manifest is already correct; stale vectors only cost disk
		// until the next embed job rewrites the file.
		ix.log.Warn("vector prune failed", logging.Error(err))
	}

	st.CurrentFile = ""
	st.ChunksWritten = chunksWritten
	st.DocsIndexed = docsIndexed
	st.State = types.JobDone
	st.FinishedAt = time.Now().UTC()
	st.ElapsedSec = time.Since(started).Seconds()
	st.ETASec = 0
	ix.reg.SetIndex(st)

	ix.log.Info("index job finished",
		logging.Int("docs_indexed", docsIndexed),
		logging.Int("chunks_written", chunksWritten),
		logging.Int("docs_failed", st.DocsFailed),
		logging.Float64("elapsed_sec", st.ElapsedSec))
	return nil
}

// processFile extracts and chunks one changed document. Failures are
// recorded per-file and never abort the job.
func (ix *Indexer) processFile(ctx context.Context, doc types.DocumentRecord) docResult {
	abs := filepath.Join(ix.cfg.InboxDir, filepath.FromSlash(doc.Path))
	begin := time.Now()
	text, err := ix.extract.ExtractWithTimeout(ctx, abs, ix.cfg.ExtractTimeout)
	sec := time.Since(begin).Seconds()

	var res docResult
	if sec >= heavyFileSec || errors.Is(err, extract.ErrTimeout) {
		hf := types.HeavyFile{
			File:   doc.Path,
			Sec:    sec,
			SizeKB: float64(doc.SizeBytes) / 1024.0,
		}
		if errors.Is(err, extract.ErrTimeout) {
			hf.Status = "TIMEOUT"
		}
		res.heavy = &hf
	}
	if err != nil {
		ix.log.Warn("extraction failed", logging.String("file", doc.Path), logging.Error(err))
		res.failed = true
		return res
	}

	chunks, err := chunker.ChunkDocument(doc.Path, doc.Fingerprint, text, ix.cfg.Chunking)
	if err != nil {
		if errors.Is(err, types.ErrChunking) {
			ix.log.Debug("document produced no chunks", logging.String("file", doc.Path))
			res.empty = true
			return res
		}
		ix.log.Warn("chunking failed", logging.String("file", doc.Path), logging.Error(err))
		res.failed = true
		return res
	}
	res.chunks = chunks
	return res
}

// pruneVectors rewrites the vector store keeping only chunks that survived
// this index run, in manifest order.
func (ix *Indexer) pruneVectors(chunks []types.Chunk) error {
	vset, err := ix.store.LoadVectors()
	if err != nil || vset == nil {
		return err
	}
	byID := vset.ByID()

	var ids []string
	var vecs [][]float32
	for _, c := range chunks {
		if v, ok := byID[c.ChunkID]; ok {
			ids = append(ids, c.ChunkID)
			vecs = append(vecs, v)
		}
	}
	if len(ids) == len(vset.ChunkIDs) {
		aligned := true
		for i, id := range ids {
			if vset.ChunkIDs[i] != id {
				aligned = false
				break
			}
		}
		if aligned {
			return nil
		}
	}
	return ix.store.WriteVectors(vset.Model, vset.Dim, ids, vecs)
}
