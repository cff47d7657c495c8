package store

import (
	"fmt"

	"github.com/roach88/nestdoc/internal/ir"
	"github.com/roach88/nestdoc/internal/merge"
)

// rowStore is the storage a commit runs against, scoped to one atomic
// transaction of the backing.
type rowStore interface {
	// reserve allocates n consecutive sequence numbers and returns the first.
	reserve(n int) (int64, error)
	load(token string) (ir.EntityRecord, bool, error)
	put(rec ir.EntityRecord, seq int64) error
	remove(token string) error
}

// applyChangeset runs the commit protocol shared by every backing.
//
// The changeset is cloned, so callers keep their temporary images. Records
// that still name a temporary identifier after remapping are rejected.
func applyChangeset(rs rowStore, cs ir.Changeset, policy merge.Policy) (*CommitResult, error) {
	result := &CommitResult{Remap: map[string]ir.EntityIdentifier{}}
	cs = cs.Clone()

	var inserts int
	for _, c := range cs.Changes {
		if c.Op == ir.OpInsert && c.Record.ID.IsTemporary() {
			inserts++
		}
	}
	seqs := map[string]int64{}
	if inserts > 0 {
		next, err := rs.reserve(inserts)
		if err != nil {
			return nil, fmt.Errorf("reserve sequence: %w", err)
		}
		for _, c := range cs.Changes {
			if c.Op != ir.OpInsert || !c.Record.ID.IsTemporary() {
				continue
			}
			id := ir.NewPermanentIdentifier(c.Record.Kind, next)
			result.Remap[c.Record.ID.Key()] = id
			seqs[id.Key()] = next
			next++
		}
	}

	for i := range cs.Changes {
		c := &cs.Changes[i]
		c.Record.RemapIdentifiers(result.Remap)
		if c.Base != nil {
			c.Base.RemapIdentifiers(result.Remap)
		}
		if err := checkPermanent(c.Record); err != nil {
			return nil, err
		}
	}

	for _, c := range cs.Changes {
		rec := c.Record
		switch c.Op {
		case ir.OpInsert:
			seq, ok := seqs[rec.ID.Key()]
			if !ok {
				return nil, fmt.Errorf("insert of %s: identifier is already permanent", rec.ID)
			}
			rec.Version = 1
			if err := rs.put(rec, seq); err != nil {
				return nil, fmt.Errorf("insert %s: %w", rec.ID, err)
			}
			result.Stored = append(result.Stored, rec)

		case ir.OpUpdate:
			stored, err := applyUpdate(rs, c, policy)
			if err != nil {
				return nil, err
			}
			if stored == nil {
				result.Dropped = append(result.Dropped, rec.ID)
				continue
			}
			result.Stored = append(result.Stored, *stored)

		case ir.OpDelete:
			if err := rs.remove(rec.ID.Token); err != nil {
				return nil, fmt.Errorf("delete %s: %w", rec.ID, err)
			}
			result.Deleted = append(result.Deleted, rec.ID)

		default:
			return nil, fmt.Errorf("unknown change op %d for %s", c.Op, rec.ID)
		}
	}
	return result, nil
}

// applyUpdate writes one update, merging when the stored version moved on.
// A nil record means the policy dropped the change.
func applyUpdate(rs rowStore, c ir.Change, policy merge.Policy) (*ir.EntityRecord, error) {
	rec := c.Record
	_, seq, err := ir.ParsePermanentIdentifier(rec.ID.Token)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", rec.ID, err)
	}

	cur, found, err := rs.load(rec.ID.Token)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", rec.ID, err)
	}

	out := rec
	switch {
	case !found:
		merged, keep := merge.Record(policy, c.Base, rec, nil, c.Changed)
		if !keep {
			return nil, nil
		}
		out = merged
		out.Version = 1
	case cur.Version == rec.Version:
		out.Version = cur.Version + 1
	default:
		merged, keep := merge.Record(policy, c.Base, rec, &cur, c.Changed)
		if !keep {
			return nil, nil
		}
		out = merged
		out.Version = cur.Version + 1
	}

	if err := rs.put(out, seq); err != nil {
		return nil, fmt.Errorf("update %s: %w", rec.ID, err)
	}
	return &out, nil
}

func checkPermanent(rec ir.EntityRecord) error {
	if rec.ID.IsTemporary() {
		return fmt.Errorf("record %s was never inserted", rec.ID)
	}
	for name, ids := range rec.Relationships {
		for _, id := range ids {
			if id.IsTemporary() {
				return fmt.Errorf("%s.%s names unsaved record %s", rec.ID, name, id)
			}
		}
	}
	return nil
}
