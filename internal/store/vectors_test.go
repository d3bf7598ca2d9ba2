package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectors_MissingFile(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	vs, err := s.LoadVectors()
	require.NoError(t, err)
	assert.Nil(t, vs)
}

func TestVectors_RoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	ids := []string{"chunk-one", "chunk-two", "chunk-three"}
	vecs := [][]float32{
		{0.1, 0.2, 0.3},
		{-1.5, 0, 2.5},
		{4, 5, 6},
	}
	require.NoError(t, s.WriteVectors("text-embedding-3-large", 3, ids, vecs))

	vs, err := s.LoadVectors()
	require.NoError(t, err)
	require.NotNil(t, vs)
	assert.Equal(t, "text-embedding-3-large", vs.Model)
	assert.Equal(t, 3, vs.Dim)
	assert.Equal(t, ids, vs.ChunkIDs)
	assert.Equal(t, vecs, vs.Vectors)
}

func TestVectors_OrderPreserved(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	ids := []string{"z", "a", "m"}
	vecs := [][]float32{{1}, {2}, {3}}
	require.NoError(t, s.WriteVectors("m", 1, ids, vecs))

	vs, err := s.LoadVectors()
	require.NoError(t, err)
	assert.Equal(t, ids, vs.ChunkIDs)

	byID := vs.ByID()
	assert.Equal(t, []float32{2}, byID["a"])
}

func TestVectors_EmptySet(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.WriteVectors("m", 4, nil, nil))
	vs, err := s.LoadVectors()
	require.NoError(t, err)
	require.NotNil(t, vs)
	assert.Empty(t, vs.ChunkIDs)
	assert.Equal(t, 4, vs.Dim)
}

func TestWriteVectors_RejectsMismatch(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	err = s.WriteVectors("m", 2, []string{"a", "b"}, [][]float32{{1, 2}})
	assert.Error(t, err)

	err = s.WriteVectors("m", 2, []string{"a"}, [][]float32{{1, 2, 3}})
	assert.Error(t, err)
}

func TestLoadVectors_Corrupt(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, s.WriteVectors("m", 2, []string{"a"}, [][]float32{{1, 2}}))

	path := filepath.Join(dir, VectorsFile)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-3], 0o644))

	_, err = s.LoadVectors()
	assert.ErrorIs(t, err, ErrVectorStoreCorrupt)
}

func TestLoadVectors_BadMagic(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, VectorsFile), []byte("NOPE-not-a-vector-store"), 0o644))
	_, err = s.LoadVectors()
	assert.ErrorIs(t, err, ErrVectorStoreCorrupt)
}
