// Command kbengine serves the knowledge-base indexing and retrieval API.
//
// It watches a configured INBOX directory of source documents, maintains an
// incremental chunk index with dense embeddings under an INDEX directory,
// and answers hybrid lexical+semantic search queries over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/verdict-systems/kbengine/internal/adhoc"
	"github.com/verdict-systems/kbengine/internal/chunker"
	"github.com/verdict-systems/kbengine/internal/config"
	"github.com/verdict-systems/kbengine/internal/embed"
	"github.com/verdict-systems/kbengine/internal/extract"
	"github.com/verdict-systems/kbengine/internal/indexer"
	"github.com/verdict-systems/kbengine/internal/logging"
	"github.com/verdict-systems/kbengine/internal/search"
	"github.com/verdict-systems/kbengine/internal/server"
	"github.com/verdict-systems/kbengine/internal/status"
	"github.com/verdict-systems/kbengine/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kbengine: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	dataDir := flag.String("data", "", "data directory (default ~/.kbengine)")
	flag.Parse()

	cfg, err := config.Load(*dataDir)
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() {
		_ = log.Sync()
	}()

	if err := os.MkdirAll(cfg.InboxDir, 0o755); err != nil {
		return fmt.Errorf("create inbox dir: %w", err)
	}
	st, err := store.New(cfg.IndexDir)
	if err != nil {
		return err
	}
	reg := status.NewRegistry(cfg.IndexDir)

	chunkCfg := chunkingConfig(cfg)
	extractors := extract.NewManager()

	var embedder embed.Embedder
	if cfg.EmbedAPIKey != "" {
		embedder, err = embed.NewHTTPClient(embed.ClientConfig{
			BaseURL:    cfg.EmbedBaseURL,
			APIKey:     cfg.EmbedAPIKey,
			Model:      cfg.EmbedModel,
			Dimensions: cfg.EmbedDimensions,
			RateLimit:  cfg.EmbedRateLimit,
		})
		if err != nil {
			return err
		}
		defer func() {
			_ = embedder.Close()
		}()
	} else {
		log.Warn("KBENGINE_API_KEY not set, embedding and semantic search disabled")
	}

	ix := indexer.New(st, extractors, reg, log, indexer.Config{
		InboxDir:       cfg.InboxDir,
		ExtractTimeout: time.Duration(cfg.ExtractTimeoutSec) * time.Second,
		Workers:        cfg.IndexWorkers,
		Chunking:       chunkCfg,
	})

	var pipeline *embed.Pipeline
	if embedder != nil {
		pipeline = embed.NewPipeline(st, embedder, reg, log, embed.PipelineConfig{
			BatchSize:         cfg.EmbedBatchSize,
			TokenBudget:       cfg.EmbedTokenBudget,
			MaxChars:          cfg.EmbedMaxChars,
			OverflowMaxTries:  cfg.OverflowMaxTries,
			OverflowKeepRatio: cfg.OverflowKeepRatio,
		})
	}

	engine, err := search.NewEngine(st, embedder, log, search.Config{
		TopK:           cfg.TopK,
		SemanticWeight: cfg.SemanticWeight,
		LexicalWeight:  cfg.LexicalWeight,
		MinScore:       cfg.MinScore,
		MetadataBonus:  cfg.MetadataBonus,
		LexMaxTokens:   cfg.LexMaxTokens,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = engine.Close()
	}()

	analyzer := adhoc.New(extractors, embedder, log, chunkCfg,
		time.Duration(cfg.AdhocSessionTTLMin)*time.Minute, cfg.AdhocMaxSessions)

	srv := server.New(cfg, log, st, reg, ix, pipeline, engine, analyzer)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info("shutting down", logging.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func chunkingConfig(cfg *config.Config) chunker.Config {
	c := chunker.DefaultConfig()
	c.Mode = cfg.ChunkMode
	c.MinWords = cfg.MinWords
	c.MaxWords = cfg.MaxWords
	c.BreakThreshold = cfg.BreakThreshold
	c.RespectHeadings = cfg.RespectHeadings
	c.KeepBullets = cfg.KeepBullets
	c.MaxChars = cfg.MaxChars
	c.Overlap = cfg.Overlap
	c.EmbedMaxChars = cfg.EmbedMaxChars
	c.HardSplitOverlap = cfg.HardSplitOverlap
	c.LexMaxTokens = cfg.LexMaxTokens
	return c
}
