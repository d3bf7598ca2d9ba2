package store

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// vectors.bin layout (all integers little-endian):
//
//	magic    [4]byte  "KBV1"
//	modelLen uint16, model string
//	dim      uint32
//	count    uint32
//	records  count times:
//	    idLen uint16, chunk id string
//	    dim   float32 values
//
// Records are written in chunk-manifest order. The loader exposes ids and
// the dense matrix side by side; any divergence from the manifest ordering
// is detected by the consumer, not silently reindexed.

var vectorMagic = [4]byte{'K', 'B', 'V', '1'}

// ErrVectorStoreCorrupt indicates the vector store failed structural
// validation and must be rebuilt by an embed job.
var ErrVectorStoreCorrupt = errors.New("vector store corrupt")

// VectorSet is the loaded dense vector store.
type VectorSet struct {
	Model    string
	Dim      int
	ChunkIDs []string
	// Vectors[i] belongs to ChunkIDs[i].
	Vectors [][]float32
}

// Lookup returns the vector for a chunk id, if present.
func (v *VectorSet) Lookup(chunkID string) ([]float32, bool) {
	for i, id := range v.ChunkIDs {
		if id == chunkID {
			return v.Vectors[i], true
		}
	}
	return nil, false
}

// ByID builds a chunk-id keyed map over the set.
func (v *VectorSet) ByID() map[string][]float32 {
	m := make(map[string][]float32, len(v.ChunkIDs))
	for i, id := range v.ChunkIDs {
		m[id] = v.Vectors[i]
	}
	return m
}

// LoadVectors reads vectors.bin. A missing file yields nil, nil: a fresh
// index simply has no embeddings yet.
func (s *Store) LoadVectors() (*VectorSet, error) {
	f, err := os.Open(s.path(VectorsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open vector store: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReader(f)

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("%w: short header", ErrVectorStoreCorrupt)
	}
	if magic != vectorMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrVectorStoreCorrupt)
	}

	model, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("%w: model: %v", ErrVectorStoreCorrupt, err)
	}
	var dim, count uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return nil, fmt.Errorf("%w: dim: %v", ErrVectorStoreCorrupt, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("%w: count: %v", ErrVectorStoreCorrupt, err)
	}
	if dim == 0 || dim > 1<<16 {
		return nil, fmt.Errorf("%w: implausible dimension %d", ErrVectorStoreCorrupt, dim)
	}

	vs := &VectorSet{
		Model:    model,
		Dim:      int(dim),
		ChunkIDs: make([]string, 0, count),
		Vectors:  make([][]float32, 0, count),
	}
	buf := make([]byte, int(dim)*4)
	for i := uint32(0); i < count; i++ {
		id, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d id: %v", ErrVectorStoreCorrupt, i, err)
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("%w: record %d vector: %v", ErrVectorStoreCorrupt, i, err)
		}
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = math.Float32frombits(binary.LittleEndian.Uint32(buf[j*4:]))
		}
		vs.ChunkIDs = append(vs.ChunkIDs, id)
		vs.Vectors = append(vs.Vectors, vec)
	}
	return vs, nil
}

// WriteVectors atomically replaces vectors.bin. Callers must pass records
// already ordered to match the chunk manifest; the store enforces only
// structural consistency (equal lengths, uniform dimension).
func (s *Store) WriteVectors(model string, dim int, chunkIDs []string, vectors [][]float32) error {
	if len(chunkIDs) != len(vectors) {
		return fmt.Errorf("vector store write: %d ids vs %d vectors", len(chunkIDs), len(vectors))
	}
	for i, v := range vectors {
		if len(v) != dim {
			return fmt.Errorf("vector store write: record %d has dimension %d, want %d", i, len(v), dim)
		}
	}

	tmp := s.path(VectorsFile) + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create vector store: %w", err)
	}
	w := bufio.NewWriter(f)

	write := func() error {
		if _, err := w.Write(vectorMagic[:]); err != nil {
			return err
		}
		if err := writeString(w, model); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(dim)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(chunkIDs))); err != nil {
			return err
		}
		buf := make([]byte, dim*4)
		for i, id := range chunkIDs {
			if err := writeString(w, id); err != nil {
				return err
			}
			for j, val := range vectors[i] {
				binary.LittleEndian.PutUint32(buf[j*4:], math.Float32bits(val))
			}
			if _, err := w.Write(buf); err != nil {
				return err
			}
		}
		return w.Flush()
	}

	if err := write(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write vector store: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close vector store: %w", err)
	}
	return os.Rename(tmp, s.path(VectorsFile))
}

func readString(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func writeString(w io.Writer, s string) error {
	if len(s) > 1<<16-1 {
		return fmt.Errorf("string too long: %d", len(s))
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}
