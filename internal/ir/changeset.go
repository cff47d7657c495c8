package ir

// ChangeOp is the kind of mutation a Change carries.
type ChangeOp int

const (
	// OpInsert creates a new record with a temporary identifier.
	OpInsert ChangeOp = iota + 1
	// OpUpdate modifies properties of an existing record.
	OpUpdate
	// OpDelete removes a record.
	OpDelete
)

// String returns the lowercase op name used in logs.
func (op ChangeOp) String() string {
	switch op {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Change is one pending mutation.
//
// Record is the post-image for inserts and updates, and the last known image
// for deletes. Base is the image the change was made against (nil for
// inserts); Changed lists the attribute and relationship names the change
// touched. Together they let a receiver merge per property.
type Change struct {
	Op      ChangeOp
	Record  EntityRecord
	Base    *EntityRecord
	Changed []string
}

// Clone deep-copies the change.
func (c Change) Clone() Change {
	out := Change{
		Op:      c.Op,
		Record:  c.Record.Clone(),
		Changed: append([]string(nil), c.Changed...),
	}
	if c.Base != nil {
		b := c.Base.Clone()
		out.Base = &b
	}
	return out
}

// Changeset is an ordered batch of changes saved together.
type Changeset struct {
	Changes []Change
}

// Len returns the number of changes.
func (cs Changeset) Len() int {
	return len(cs.Changes)
}

// Clone deep-copies the changeset.
func (cs Changeset) Clone() Changeset {
	out := Changeset{Changes: make([]Change, len(cs.Changes))}
	for i, c := range cs.Changes {
		out.Changes[i] = c.Clone()
	}
	return out
}
