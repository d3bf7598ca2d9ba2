package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeChunkID_Deterministic(t *testing.T) {
	hash := ContentHash("some chunk text")
	a := MakeChunkID("docs/a.txt", 3, hash)
	b := MakeChunkID("docs/a.txt", 3, hash)

	assert.Equal(t, a, b)
	assert.Len(t, a, 24)
}

func TestMakeChunkID_VariesByInputs(t *testing.T) {
	hash := ContentHash("text")
	base := MakeChunkID("a.txt", 0, hash)

	assert.NotEqual(t, base, MakeChunkID("b.txt", 0, hash))
	assert.NotEqual(t, base, MakeChunkID("a.txt", 1, hash))
	assert.NotEqual(t, base, MakeChunkID("a.txt", 0, ContentHash("other")))
}

func TestChunkValidate(t *testing.T) {
	valid := Chunk{
		ChunkID:    MakeChunkID("a.txt", 0, ContentHash("hello world")),
		SourcePath: "a.txt",
		Ordinal:    0,
		Text:       "hello world",
		CharLength: 11,
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Chunk)
	}{
		{"empty id", func(c *Chunk) { c.ChunkID = "" }},
		{"empty source", func(c *Chunk) { c.SourcePath = "" }},
		{"empty text", func(c *Chunk) { c.Text = "" }},
		{"negative ordinal", func(c *Chunk) { c.Ordinal = -1 }},
		{"wrong length", func(c *Chunk) { c.CharLength = 5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestChunkValidate_RuneLength(t *testing.T) {
	text := "שלום עולם" // rune count differs from byte count
	c := Chunk{
		ChunkID:    "abc",
		SourcePath: "a.txt",
		Text:       text,
		CharLength: len([]rune(text)),
	}
	assert.NoError(t, c.Validate())
}
