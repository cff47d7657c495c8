// Package merge resolves conflicts between a context's change and the state
// it is being saved onto.
//
// A conflict exists when the receiving side (theirs) changed a property
// since the saving side (ours) read it (base). Properties the receiver did
// not touch always take our value; the policy only decides true conflicts.
//
// The same rules apply when a child context saves into its parent and when
// the root context commits to a store another writer has modified.
package merge

import (
	"fmt"
	"slices"

	"github.com/roach88/nestdoc/internal/ir"
)

// Policy selects how conflicting properties are resolved.
type Policy int

const (
	// StoreTrump keeps the receiver's value for conflicting properties and
	// applies ours elsewhere.
	StoreTrump Policy = iota
	// ObjectTrump applies our value for every changed property.
	ObjectTrump
	// Overwrite replaces the receiver's record with ours wholesale.
	Overwrite
	// Rollback discards our change for any record the receiver changed.
	Rollback
)

// Default is the policy used when none is configured.
const Default = StoreTrump

var policyNames = map[Policy]string{
	StoreTrump:  "storeTrump",
	ObjectTrump: "objectTrump",
	Overwrite:   "overwrite",
	Rollback:    "rollback",
}

// String returns the policy name.
func (p Policy) String() string {
	if s, ok := policyNames[p]; ok {
		return s
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// ParsePolicy is the inverse of String.
func ParsePolicy(s string) (Policy, error) {
	for p, name := range policyNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown merge policy %q", s)
}

// Record merges our update onto theirs.
//
// base is the image our change was made against and changed lists the
// properties (attribute or relationship names) our change touched. theirs is
// the receiver's current image, or nil if the receiver no longer has the
// record. The second result is false when our change must be dropped.
//
// The merged record carries theirs' Version so a store sees it as based on
// the row it now holds.
func Record(p Policy, base *ir.EntityRecord, ours ir.EntityRecord, theirs *ir.EntityRecord, changed []string) (ir.EntityRecord, bool) {
	if theirs == nil {
		switch p {
		case ObjectTrump, Overwrite:
			return ours.Clone(), true
		default:
			return ir.EntityRecord{}, false
		}
	}

	switch p {
	case Overwrite:
		out := ours.Clone()
		out.Version = theirs.Version
		return out, true
	case Rollback:
		if base != nil && !Conflicts(base, theirs, changed) {
			return overlay(ours, *theirs, changed, nil, false), true
		}
		return ir.EntityRecord{}, false
	}

	return overlay(ours, *theirs, changed, base, p == ObjectTrump), true
}

// Conflicts reports whether theirs changed any of the named properties since
// base.
func Conflicts(base, theirs *ir.EntityRecord, changed []string) bool {
	for _, name := range changed {
		if !sameProperty(*base, *theirs, name) {
			return true
		}
	}
	return false
}

// overlay starts from theirs and applies each changed property of ours. A
// property the receiver changed since base keeps theirs unless oursWins. A
// nil base treats every property as unchanged by the receiver.
func overlay(ours, theirs ir.EntityRecord, changed []string, base *ir.EntityRecord, oursWins bool) ir.EntityRecord {
	out := theirs.Clone()
	for _, name := range changed {
		if base != nil && !oursWins && !sameProperty(*base, theirs, name) {
			continue
		}
		copyProperty(&out, ours, name)
	}
	return out
}

func sameProperty(a, b ir.EntityRecord, name string) bool {
	av, aok := a.Attributes[name]
	bv, bok := b.Attributes[name]
	if aok != bok {
		return false
	}
	if aok && !ir.Equal(av, bv) {
		return false
	}
	return ir.SameIdentifiers(a.Relationships[name], b.Relationships[name])
}

func copyProperty(dst *ir.EntityRecord, src ir.EntityRecord, name string) {
	if v, ok := src.Attributes[name]; ok {
		dst.Attributes[name] = ir.CloneValue(v)
	} else {
		delete(dst.Attributes, name)
	}

	if ids, ok := src.Relationships[name]; ok {
		if dst.Relationships == nil {
			dst.Relationships = map[string][]ir.EntityIdentifier{}
		}
		dst.Relationships[name] = slices.Clone(ids)
	} else if dst.Relationships != nil {
		delete(dst.Relationships, name)
	}
}

// ChangedProperties lists the attribute and relationship names that differ
// between two images of a record, sorted.
func ChangedProperties(before, after ir.EntityRecord) []string {
	seen := map[string]bool{}
	for k := range before.Attributes {
		seen[k] = true
	}
	for k := range after.Attributes {
		seen[k] = true
	}
	for k := range before.Relationships {
		seen[k] = true
	}
	for k := range after.Relationships {
		seen[k] = true
	}

	var out []string
	for name := range seen {
		if !sameProperty(before, after, name) {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// Union merges two sorted property lists.
func Union(a, b []string) []string {
	out := slices.Concat(a, b)
	slices.Sort(out)
	return slices.Compact(out)
}
