package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/nestdoc/internal/ir"
	"github.com/roach88/nestdoc/internal/schema"
)

const testModelSrc = `
entity: Person: {
	attribute: {
		firstName: string
		lastName:  string
		rating:    int | *0
	}
	relationship: friends: {destination: "Person", toMany: true, inverse: "friends"}
}
`

func testModel(t *testing.T) *schema.Model {
	t.Helper()
	m, err := schema.CompileString("test.cue", testModelSrc)
	require.NoError(t, err)
	return m
}

// createTestSQLite opens a fresh sqlite store in a temp dir.
func createTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	h, err := SQLiteOpener{}.Open(context.Background(), testModel(t), path, DefaultMigrationOptions)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h.(*SQLite)
}

func tempPerson(token, first, last string) ir.EntityRecord {
	return ir.EntityRecord{
		ID:         ir.NewTemporaryIdentifier(token),
		Kind:       "Person",
		Attributes: ir.IRObject{"firstName": ir.IRString(first), "lastName": ir.IRString(last), "rating": ir.IRInt(0)},
	}
}

func insert(recs ...ir.EntityRecord) ir.Changeset {
	var cs ir.Changeset
	for _, r := range recs {
		cs.Changes = append(cs.Changes, ir.Change{Op: ir.OpInsert, Record: r})
	}
	return cs
}

// update builds an update of stored with one attribute changed.
func update(stored ir.EntityRecord, attr string, v ir.IRValue) ir.Change {
	base := stored.Clone()
	next := stored.Clone()
	next.Attributes[attr] = v
	return ir.Change{Op: ir.OpUpdate, Record: next, Base: &base, Changed: []string{attr}}
}

// handles returns one of each backing for table-driven tests.
func handles(t *testing.T) map[string]Handle {
	return map[string]Handle{
		"memory": NewMemory(),
		"sqlite": createTestSQLite(t),
	}
}
