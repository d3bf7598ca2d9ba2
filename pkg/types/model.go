package types

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// DocumentRecord describes one source file in the knowledge base inbox.
// One record exists per file; the record is removed when the file disappears.
type DocumentRecord struct {
	Path         string    `json:"path"` // relative to the inbox root, forward slashes
	SizeBytes    int64     `json:"size_bytes"`
	ModifiedTime time.Time `json:"modified_time"`
	Fingerprint  string    `json:"fingerprint"`
}

// Chunk is the atomic unit of indexing and retrieval: a bounded span of a
// document's extracted text. Chunks are immutable once written; a content
// change produces a new ChunkID, never an in-place mutation.
type Chunk struct {
	ChunkID    string   `json:"chunk_id"`
	DocID      string   `json:"doc_id"` // fingerprint of the owning document
	SourcePath string   `json:"source_path"`
	Ordinal    int      `json:"ordinal"` // position within the document
	Title      string   `json:"title"`   // first words, used for metadata boosting
	Text       string   `json:"text"`
	CharLength int      `json:"char_length"`
	LexTokens  []string `json:"lex_tokens,omitempty"`
}

// ContentHash returns the SHA-256 hex digest of a chunk text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// MakeChunkID derives the stable chunk identifier from the source path, the
// chunk's ordinal within the document, and the content hash. The same text
// at the same position of the same file always yields the same ID.
func MakeChunkID(sourcePath string, ordinal int, contentHash string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%d\x00%s", sourcePath, ordinal, contentHash)))
	return hex.EncodeToString(sum[:])[:24]
}

// Validate checks chunk invariants before it enters the store.
func (c *Chunk) Validate() error {
	if c.ChunkID == "" {
		return errors.New("chunk id cannot be empty")
	}
	if c.SourcePath == "" {
		return errors.New("chunk source path cannot be empty")
	}
	if c.Text == "" {
		return errors.New("chunk text cannot be empty")
	}
	if c.Ordinal < 0 {
		return errors.New("chunk ordinal must be >= 0")
	}
	if c.CharLength != len([]rune(c.Text)) {
		return fmt.Errorf("chunk char_length %d does not match text length %d", c.CharLength, len([]rune(c.Text)))
	}
	return nil
}

// SearchResult is one ranked retrieval hit. Produced per query, never persisted.
type SearchResult struct {
	ChunkID       string  `json:"chunk_id"`
	SourcePath    string  `json:"source_path"`
	Title         string  `json:"title,omitempty"`
	Text          string  `json:"text"`
	LexicalScore  float64 `json:"lexical_score"`
	SemanticScore float64 `json:"semantic_score"`
	FusedScore    float64 `json:"score"`
}

// Summary is the knowledge-base status pill payload.
type Summary struct {
	Files      int `json:"files"`
	Chunks     int `json:"chunks"`
	Embeddings int `json:"embeddings"`
}
