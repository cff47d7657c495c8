package cli

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/nestdoc/internal/document"
	"github.com/roach88/nestdoc/internal/engine"
	"github.com/roach88/nestdoc/internal/ir"
)

func TestParseSeed_Fixture(t *testing.T) {
	f, err := os.Open(librarySeed)
	require.NoError(t, err)
	defer f.Close()

	seed, err := ParseSeed(f)
	require.NoError(t, err)
	require.Len(t, seed.Records, 5)

	dune := seed.Records[2]
	assert.Equal(t, "dune", dune.Ref)
	assert.Equal(t, "Book", dune.Kind)
	assert.Equal(t, "Dune", dune.Attributes["title"])
	assert.Equal(t, 1965, dune.Attributes["year"])
	assert.Equal(t, map[string][]string{"author": {"herbert"}}, dune.Relationships)
}

func TestParseSeed_Empty(t *testing.T) {
	seed, err := ParseSeed(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, seed.Records)
}

func TestParseSeed_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{
			name:    "missing kind",
			input:   "records:\n  - ref: a\n",
			wantErr: "record 1: kind is required",
		},
		{
			name:    "duplicate ref",
			input:   "records:\n  - {ref: a, kind: Author}\n  - {ref: b, kind: Author}\n  - {ref: a, kind: Book}\n",
			wantErr: `record 3: ref "a" already used by record 1`,
		},
		{
			name:    "unknown key",
			input:   "records:\n  - kind: Author\n    attrs: {}\n",
			wantErr: "decode seed",
		},
		{
			name:    "not yaml",
			input:   "records: [",
			wantErr: "decode seed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSeed(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func applySeed(t *testing.T, input string) ([]Seeded, error) {
	t.Helper()
	ctx := context.Background()

	seed, err := ParseSeed(strings.NewReader(input))
	require.NoError(t, err)

	doc, err := document.Open(ctx, "", librarySchema)
	require.NoError(t, err)
	t.Cleanup(func() { doc.Close(ctx) })

	child, err := doc.NewScopedChildContext(engine.Policy{Name: "seed-test"})
	require.NoError(t, err)
	t.Cleanup(func() { child.Close() })

	return engine.Call(ctx, child, func(tx *engine.Tx) ([]Seeded, error) {
		return seed.apply(tx)
	})
}

func TestSeedApply(t *testing.T) {
	seeded, err := applySeed(t, `records:
  - {ref: a, kind: Author, attributes: {name: A}}
  - {kind: Book, attributes: {title: T, year: 2001}, relationships: {author: [a]}}
`)
	require.NoError(t, err)
	require.Len(t, seeded, 2)

	assert.Equal(t, "a", seeded[0].Ref)
	assert.Equal(t, "Author", seeded[0].Kind)
	assert.True(t, seeded[0].ID.IsTemporary(), "nothing is saved yet")
	assert.Empty(t, seeded[1].Ref)
	assert.NotEqual(t, seeded[0].ID, seeded[1].ID)
}

func TestSeedApply_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{
			name:    "unknown ref",
			input:   "records:\n  - {kind: Book, attributes: {title: T, year: 1}, relationships: {author: [ghost]}}\n",
			wantErr: `record 1: author: unknown ref "ghost"`,
		},
		{
			name:    "temporary identifier",
			input:   "records:\n  - {kind: Book, attributes: {title: T, year: 1}, relationships: {author: [\"tmp:x\"]}}\n",
			wantErr: `unknown ref "tmp:x"`,
		},
		{
			name:    "fractional number",
			input:   "records:\n  - {kind: Book, attributes: {title: T, year: 1.5}}\n",
			wantErr: "record 1: attribute year",
		},
		{
			name:    "unknown kind",
			input:   "records:\n  - {kind: Magazine}\n",
			wantErr: "record 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := applySeed(t, tt.input)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestResolveLabel(t *testing.T) {
	refs := map[string]ir.EntityIdentifier{"herbert": ir.NewTemporaryIdentifier("x1")}

	id, err := resolveLabel(refs, "herbert")
	require.NoError(t, err)
	assert.Equal(t, ir.NewTemporaryIdentifier("x1"), id)

	id, err = resolveLabel(refs, "Author/p7")
	require.NoError(t, err)
	assert.Equal(t, ir.NewPermanentIdentifier("Author", 7), id)

	_, err = resolveLabel(refs, "nobody")
	assert.Error(t, err)
}
