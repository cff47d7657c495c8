package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/nestdoc/internal/ir"
	"github.com/roach88/nestdoc/internal/merge"
	"github.com/roach88/nestdoc/internal/queryir"
)

func TestCommit_MintsPermanentIdentifiers(t *testing.T) {
	for name, h := range handles(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			dave := tempPerson("a", "Dave", "Reed")
			ann := tempPerson("b", "Ann", "Smith")
			ann.Relationships = map[string][]ir.EntityIdentifier{"friends": {dave.ID}}
			dave.Relationships = map[string][]ir.EntityIdentifier{"friends": {ann.ID}}

			cs := insert(dave, ann)
			res, err := h.Commit(ctx, cs, merge.StoreTrump)
			require.NoError(t, err)

			daveID := res.Remap["tmp:a"]
			annID := res.Remap["tmp:b"]
			assert.Equal(t, ir.NewPermanentIdentifier("Person", 1), daveID)
			assert.Equal(t, ir.NewPermanentIdentifier("Person", 2), annID)
			assert.True(t, cs.Changes[0].Record.ID.IsTemporary(), "caller's changeset is not modified")

			got, err := h.Resolve(ctx, annID)
			require.NoError(t, err)
			assert.Equal(t, []ir.EntityIdentifier{daveID}, got.Relationships["friends"])
			assert.Equal(t, int64(1), got.Version)

			require.Len(t, res.Stored, 2)
			assert.Equal(t, daveID, res.Stored[0].ID)
		})
	}
}

func TestCommit_SequencesAreNeverReused(t *testing.T) {
	for name, h := range handles(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			res, err := h.Commit(ctx, insert(tempPerson("a", "A", "A")), merge.StoreTrump)
			require.NoError(t, err)
			first := res.Remap["tmp:a"]

			stored, err := h.Resolve(ctx, first)
			require.NoError(t, err)
			_, err = h.Commit(ctx, ir.Changeset{Changes: []ir.Change{{Op: ir.OpDelete, Record: stored}}}, merge.StoreTrump)
			require.NoError(t, err)

			res, err = h.Commit(ctx, insert(tempPerson("b", "B", "B")), merge.StoreTrump)
			require.NoError(t, err)
			assert.Equal(t, ir.NewPermanentIdentifier("Person", 2), res.Remap["tmp:b"])

			_, err = h.Resolve(ctx, first)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestCommit_RejectsDanglingTemporary(t *testing.T) {
	for name, h := range handles(t) {
		t.Run(name, func(t *testing.T) {
			p := tempPerson("a", "Dave", "Reed")
			p.Relationships = map[string][]ir.EntityIdentifier{"friends": {ir.NewTemporaryIdentifier("ghost")}}

			_, err := h.Commit(context.Background(), insert(p), merge.StoreTrump)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "unsaved record")

			recs, err := h.Query(context.Background(), queryir.Request{Kind: "Person"})
			require.NoError(t, err)
			assert.Empty(t, recs, "failed commit stores nothing")
		})
	}
}

func TestCommit_VersionConflicts(t *testing.T) {
	tests := []struct {
		policy    merge.Policy
		wantFirst string
		wantLast  string
		dropped   bool
	}{
		{merge.StoreTrump, "Davy", "Reid", false},
		{merge.ObjectTrump, "David", "Reid", false},
		{merge.Overwrite, "David", "Reed", false},
		{merge.Rollback, "Davy", "Reid", true},
	}

	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			for name, h := range handles(t) {
				t.Run(name, func(t *testing.T) {
					ctx := context.Background()
					res, err := h.Commit(ctx, insert(tempPerson("a", "Dave", "Reed")), merge.StoreTrump)
					require.NoError(t, err)
					original := res.Stored[0]

					// Another writer changes both names first.
					theirs := original.Clone()
					theirs.Attributes["firstName"] = ir.IRString("Davy")
					theirs.Attributes["lastName"] = ir.IRString("Reid")
					_, err = h.Commit(ctx, ir.Changeset{Changes: []ir.Change{{
						Op: ir.OpUpdate, Record: theirs, Base: &original, Changed: []string{"firstName", "lastName"},
					}}}, merge.StoreTrump)
					require.NoError(t, err)

					// Our update was made against version 1.
					ours := update(original, "firstName", ir.IRString("David"))
					res, err = h.Commit(ctx, ir.Changeset{Changes: []ir.Change{ours}}, tt.policy)
					require.NoError(t, err)
					assert.Equal(t, tt.dropped, len(res.Dropped) == 1)

					got, err := h.Resolve(ctx, original.ID)
					require.NoError(t, err)
					assert.Equal(t, ir.IRString(tt.wantFirst), got.Attributes["firstName"])
					assert.Equal(t, ir.IRString(tt.wantLast), got.Attributes["lastName"])
					if !tt.dropped {
						assert.Equal(t, int64(3), got.Version)
					}
				})
			}
		})
	}
}

func TestCommit_UpdateOfDeletedRecord(t *testing.T) {
	for name, h := range handles(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			res, err := h.Commit(ctx, insert(tempPerson("a", "Dave", "Reed")), merge.StoreTrump)
			require.NoError(t, err)
			stored := res.Stored[0]

			_, err = h.Commit(ctx, ir.Changeset{Changes: []ir.Change{{Op: ir.OpDelete, Record: stored}}}, merge.StoreTrump)
			require.NoError(t, err)

			res, err = h.Commit(ctx, ir.Changeset{Changes: []ir.Change{update(stored, "rating", ir.IRInt(5))}}, merge.StoreTrump)
			require.NoError(t, err)
			assert.Equal(t, []ir.EntityIdentifier{stored.ID}, res.Dropped)
			_, err = h.Resolve(ctx, stored.ID)
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = h.Commit(ctx, ir.Changeset{Changes: []ir.Change{update(stored, "rating", ir.IRInt(5))}}, merge.ObjectTrump)
			require.NoError(t, err)
			got, err := h.Resolve(ctx, stored.ID)
			require.NoError(t, err, "object trump resurrects")
			assert.Equal(t, ir.IRInt(5), got.Attributes["rating"])
		})
	}
}

func TestQuery_PushdownSortAndLimit(t *testing.T) {
	for name, h := range handles(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := h.Commit(ctx, insert(
				tempPerson("a", "Dave", "Smith"),
				tempPerson("b", "Ann", "Reed"),
				tempPerson("c", "Dave", "Reed"),
			), merge.StoreTrump)
			require.NoError(t, err)

			all, err := h.Query(ctx, queryir.Request{Kind: "Person"})
			require.NoError(t, err)
			assert.Equal(t, []string{"Smith", "Reed", "Reed"}, lastNamesOf(all), "store order is insertion order")

			daves, err := h.Query(ctx, queryir.Request{
				Kind:      "Person",
				Predicate: queryir.Equals{Field: "firstName", Value: ir.IRString("Dave")},
			})
			require.NoError(t, err)
			assert.Len(t, daves, 2)

			// Expr is never pushed down, so the store returns a superset.
			superset, err := h.Query(ctx, queryir.Request{Kind: "Person", Predicate: queryir.Expr{Source: "false"}})
			require.NoError(t, err)
			assert.Len(t, superset, 3)

			sorted, err := h.Query(ctx, queryir.Request{Kind: "Person", Sort: []queryir.SortKey{queryir.Asc("lastName")}, Limit: 2})
			require.NoError(t, err)
			assert.Equal(t, []string{"Reed", "Reed"}, lastNamesOf(sorted))

			none, err := h.Query(ctx, queryir.Request{Kind: "Robot"})
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestResolve_TemporaryIsNotFound(t *testing.T) {
	for name, h := range handles(t) {
		t.Run(name, func(t *testing.T) {
			_, err := h.Resolve(context.Background(), ir.NewTemporaryIdentifier("x"))
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func lastNamesOf(recs []ir.EntityRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = string(r.Attributes["lastName"].(ir.IRString))
	}
	return out
}
