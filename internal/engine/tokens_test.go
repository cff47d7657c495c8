package engine

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUIDv7Generator(t *testing.T) {
	g := UUIDv7Generator{}

	a, b := g.Generate(), g.Generate()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 36)

	parsed, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
}

func TestFixedGenerator(t *testing.T) {
	g := NewFixedGenerator("t1", "t2")

	assert.Equal(t, "t1", g.Generate())
	assert.Equal(t, "t2", g.Generate())
	assert.Panics(t, func() { g.Generate() }, "exhausted generator should panic")
}

func TestSequenceGenerator(t *testing.T) {
	g := NewSequenceGenerator("rec")

	assert.Equal(t, "rec-1", g.Generate())
	assert.Equal(t, "rec-2", g.Generate())
	assert.Equal(t, "rec-3", g.Generate())
}
