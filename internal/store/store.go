// Package store persists the durable index state: the document manifest,
// the chunk manifest, and the dense vector store. The chunk manifest is
// newline-delimited JSON (one chunk per line, document order then ordinal)
// and the vector store is a parallel binary file whose records follow the
// same chunk ordering. Reordering one without the other is a corruption,
// so all writes go through temp-file + rename and the loader validates
// alignment.
//
// Single-writer discipline: the index job is the only writer of document
// and chunk structure; the embed job only reads chunk text and rewrites
// vectors. Store methods do not lock across processes themselves; the
// index job holds a file lock for that.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/verdict-systems/kbengine/pkg/types"
)

// File names inside the index directory.
const (
	DocumentsFile   = "documents.jsonl"
	ChunksFile      = "chunks.jsonl"
	ChunksBackup    = "chunks.old.jsonl"
	VectorsFile     = "vectors.bin"
	IndexStatusFile = "status_index.json"
	EmbedStatusFile = "status_embed.json"
	LockFile        = "index.lock"
)

// Store reads and writes the persisted index layout rooted at Dir.
type Store struct {
	Dir string
}

// New returns a Store for the given index directory, creating it if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	return &Store{Dir: dir}, nil
}

func (s *Store) path(name string) string { return filepath.Join(s.Dir, name) }

// LoadDocuments reads the document manifest. A missing file yields an
// empty slice, not an error: the first index run starts from nothing.
func (s *Store) LoadDocuments() ([]types.DocumentRecord, error) {
	f, err := os.Open(s.path(DocumentsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open documents manifest: %w", err)
	}
	defer func() { _ = f.Close() }()

	var docs []types.DocumentRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var d types.DocumentRecord
		if err := json.Unmarshal(line, &d); err != nil {
			return nil, fmt.Errorf("parse document record: %w", err)
		}
		docs = append(docs, d)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read documents manifest: %w", err)
	}
	return docs, nil
}

// LoadChunks reads the chunk manifest in stored order. Missing file yields
// an empty slice.
func (s *Store) LoadChunks() ([]types.Chunk, error) {
	f, err := os.Open(s.path(ChunksFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open chunk manifest: %w", err)
	}
	defer func() { _ = f.Close() }()

	var chunks []types.Chunk
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var c types.Chunk
		if err := json.Unmarshal(line, &c); err != nil {
			return nil, fmt.Errorf("parse chunk record: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read chunk manifest: %w", err)
	}
	return chunks, nil
}

// WriteManifest atomically replaces both manifests. The previous chunk
// manifest, if any, is copied to chunks.old.jsonl first so a bad index run
// can be rolled back by hand.
func (s *Store) WriteManifest(docs []types.DocumentRecord, chunks []types.Chunk) error {
	if prev, err := os.ReadFile(s.path(ChunksFile)); err == nil {
		if err := os.WriteFile(s.path(ChunksBackup), prev, 0o644); err != nil {
			return fmt.Errorf("back up chunk manifest: %w", err)
		}
	}

	if err := writeJSONLines(s.path(DocumentsFile), len(docs), func(enc *json.Encoder, i int) error {
		return enc.Encode(docs[i])
	}); err != nil {
		return fmt.Errorf("write documents manifest: %w", err)
	}
	if err := writeJSONLines(s.path(ChunksFile), len(chunks), func(enc *json.Encoder, i int) error {
		return enc.Encode(chunks[i])
	}); err != nil {
		return fmt.Errorf("write chunk manifest: %w", err)
	}
	return nil
}

// writeJSONLines writes n records through encode to path via a temp file
// and rename, so readers never observe a partial manifest.
func writeJSONLines(path string, n int, encode func(*json.Encoder, int) error) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for i := 0; i < n; i++ {
		if err := encode(enc, i); err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// Summary counts the knowledge base contents for the status pill.
func (s *Store) Summary() (types.Summary, error) {
	docs, err := s.LoadDocuments()
	if err != nil {
		return types.Summary{}, err
	}
	chunks, err := s.LoadChunks()
	if err != nil {
		return types.Summary{}, err
	}
	vs, err := s.LoadVectors()
	if err != nil {
		return types.Summary{}, err
	}
	embeddings := 0
	if vs != nil {
		embeddings = len(vs.ChunkIDs)
	}
	return types.Summary{Files: len(docs), Chunks: len(chunks), Embeddings: embeddings}, nil
}

// ManifestMTimes returns the modification times of the chunk manifest and
// vector store, used by the search engine to decide on reloads.
func (s *Store) ManifestMTimes() (chunksMTime, vectorsMTime int64) {
	if fi, err := os.Stat(s.path(ChunksFile)); err == nil {
		chunksMTime = fi.ModTime().UnixNano()
	}
	if fi, err := os.Stat(s.path(VectorsFile)); err == nil {
		vectorsMTime = fi.ModTime().UnixNano()
	}
	return
}
