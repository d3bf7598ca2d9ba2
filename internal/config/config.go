// Package config loads service settings from a TOML file with defaults,
// plus the embedding API key from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config holds all runtime settings for the service.
type Config struct {
	// Paths
	DataDir  string
	InboxDir string
	IndexDir string

	// Server
	HTTPAddr  string
	AdminCode string
	LogLevel  string

	// Embedding provider
	EmbedAPIKey       string // from KBENGINE_API_KEY, never the settings file
	EmbedBaseURL      string
	EmbedModel        string
	EmbedDimensions   int
	EmbedBatchSize    int
	EmbedTokenBudget  int     // approximate tokens per batch (chars/4)
	EmbedRateLimit    float64 // requests per second to the provider
	EmbedMaxChars     int     // hard per-chunk character limit
	OverflowMaxTries  int     // batch token-overflow retry bound
	OverflowKeepRatio float64 // fraction of text kept per overflow retry

	// Chunking
	ChunkMode        string // "smart" or "simple"
	MinWords         int
	MaxWords         int
	BreakThreshold   float64
	RespectHeadings  bool
	KeepBullets      bool
	MaxChars         int // simple mode window
	Overlap          int // simple mode overlap
	HardSplitOverlap int
	LexMaxTokens     int

	// Search
	TopK           int
	SemanticWeight float64
	LexicalWeight  float64
	MinScore       float64
	MetadataBonus  bool

	// Ad-hoc analysis
	AdhocSessionTTLMin int
	AdhocMaxSessions   int

	// Indexing
	ExtractTimeoutSec int
	IndexWorkers      int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", "127.0.0.1:8090")
	v.SetDefault("admin_code", "1111")
	v.SetDefault("log_level", "info")

	v.SetDefault("embed_base_url", "https://api.openai.com/v1")
	v.SetDefault("embed_model", "text-embedding-3-large")
	v.SetDefault("embed_dimensions", 3072)
	v.SetDefault("embed_batch_size", 64)
	v.SetDefault("embed_token_budget", 60000)
	v.SetDefault("embed_rate_limit", 2.0)
	v.SetDefault("embed_max_chars", 6000)
	v.SetDefault("overflow_max_tries", 4)
	v.SetDefault("overflow_keep_ratio", 0.8)

	v.SetDefault("chunk_mode", "smart")
	v.SetDefault("min_words", 60)
	v.SetDefault("max_words", 180)
	v.SetDefault("break_threshold", 0.20)
	v.SetDefault("respect_headings", true)
	v.SetDefault("keep_bullets", true)
	v.SetDefault("max_chars", 400)
	v.SetDefault("overlap", 100)
	v.SetDefault("hard_split_overlap", 200)
	v.SetDefault("lex_max_tokens", 80)

	v.SetDefault("top_k", 10)
	v.SetDefault("semantic_weight", 0.70)
	v.SetDefault("lexical_weight", 0.30)
	v.SetDefault("min_score", 0.15)
	v.SetDefault("metadata_bonus", true)

	v.SetDefault("adhoc_session_ttl_min", 30)
	v.SetDefault("adhoc_max_sessions", 256)

	v.SetDefault("extract_timeout_sec", 60)
	v.SetDefault("index_workers", 4)
}

// Load reads settings from <dataDir>/settings.toml, applying defaults for
// anything missing. A missing settings file is not an error.
func Load(dataDir string) (*Config, error) {
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("user home: %w", err)
		}
		dataDir = filepath.Join(home, ".kbengine")
	}

	v := viper.New()
	v.SetConfigFile(filepath.Join(dataDir, "settings.toml"))
	v.SetConfigType("toml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read settings: %w", err)
		}
	}

	cfg := &Config{
		DataDir:  dataDir,
		InboxDir: filepath.Join(dataDir, "INBOX"),
		IndexDir: filepath.Join(dataDir, "INDEX"),

		HTTPAddr:  v.GetString("http_addr"),
		AdminCode: v.GetString("admin_code"),
		LogLevel:  v.GetString("log_level"),

		EmbedAPIKey:       os.Getenv("KBENGINE_API_KEY"),
		EmbedBaseURL:      v.GetString("embed_base_url"),
		EmbedModel:        v.GetString("embed_model"),
		EmbedDimensions:   v.GetInt("embed_dimensions"),
		EmbedBatchSize:    v.GetInt("embed_batch_size"),
		EmbedTokenBudget:  v.GetInt("embed_token_budget"),
		EmbedRateLimit:    v.GetFloat64("embed_rate_limit"),
		EmbedMaxChars:     v.GetInt("embed_max_chars"),
		OverflowMaxTries:  v.GetInt("overflow_max_tries"),
		OverflowKeepRatio: v.GetFloat64("overflow_keep_ratio"),

		ChunkMode:        v.GetString("chunk_mode"),
		MinWords:         v.GetInt("min_words"),
		MaxWords:         v.GetInt("max_words"),
		BreakThreshold:   v.GetFloat64("break_threshold"),
		RespectHeadings:  v.GetBool("respect_headings"),
		KeepBullets:      v.GetBool("keep_bullets"),
		MaxChars:         v.GetInt("max_chars"),
		Overlap:          v.GetInt("overlap"),
		HardSplitOverlap: v.GetInt("hard_split_overlap"),
		LexMaxTokens:     v.GetInt("lex_max_tokens"),

		TopK:           v.GetInt("top_k"),
		SemanticWeight: v.GetFloat64("semantic_weight"),
		LexicalWeight:  v.GetFloat64("lexical_weight"),
		MinScore:       v.GetFloat64("min_score"),
		MetadataBonus:  v.GetBool("metadata_bonus"),

		AdhocSessionTTLMin: v.GetInt("adhoc_session_ttl_min"),
		AdhocMaxSessions:   v.GetInt("adhoc_max_sessions"),

		ExtractTimeoutSec: v.GetInt("extract_timeout_sec"),
		IndexWorkers:      v.GetInt("index_workers"),
	}

	if override := v.GetString("inbox_dir"); override != "" {
		cfg.InboxDir = override
	}
	if override := v.GetString("index_dir"); override != "" {
		cfg.IndexDir = override
	}

	return cfg, nil
}
