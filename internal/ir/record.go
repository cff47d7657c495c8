package ir

import "slices"

// Entity is the capability every entity variant exposes to queries, sorting
// and resolution. Callers never depend on concrete generated accessors.
type Entity interface {
	EntityKind() string
	Identifier() EntityIdentifier
	Attribute(name string) (IRValue, bool)
	Related(name string) []EntityIdentifier
	AttributeNames() []string
	RelationshipNames() []string
}

// EntityRecord is a value copy of one object in a context's graph.
//
// Relationships hold identifiers, never pointers to other records. To-one
// relationships hold at most one identifier. Version is the store row
// version the record was read at (0 for records never persisted); stores use
// it to detect concurrent writers.
type EntityRecord struct {
	ID            EntityIdentifier              `json:"id"`
	Kind          string                        `json:"kind"`
	Attributes    IRObject                      `json:"attributes"`
	Relationships map[string][]EntityIdentifier `json:"relationships,omitempty"`
	Version       int64                         `json:"version,omitempty"`
}

var _ Entity = EntityRecord{}

// EntityKind implements Entity.
func (r EntityRecord) EntityKind() string { return r.Kind }

// Identifier implements Entity.
func (r EntityRecord) Identifier() EntityIdentifier { return r.ID }

// Attribute implements Entity.
func (r EntityRecord) Attribute(name string) (IRValue, bool) {
	v, ok := r.Attributes[name]
	return v, ok
}

// Related implements Entity.
func (r EntityRecord) Related(name string) []EntityIdentifier {
	return r.Relationships[name]
}

// AttributeNames implements Entity. Names are sorted.
func (r EntityRecord) AttributeNames() []string {
	return r.Attributes.SortedKeys()
}

// RelationshipNames implements Entity. Names are sorted.
func (r EntityRecord) RelationshipNames() []string {
	names := make([]string, 0, len(r.Relationships))
	for k := range r.Relationships {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

// Field looks a name up as an attribute first, then as a relationship
// (rendered as an array of identifier strings).
func (r EntityRecord) Field(name string) (IRValue, bool) {
	if v, ok := r.Attributes[name]; ok {
		return v, true
	}
	if ids, ok := r.Relationships[name]; ok {
		arr := make(IRArray, len(ids))
		for i, id := range ids {
			arr[i] = IRString(id.String())
		}
		return arr, true
	}
	return nil, false
}

// Clone returns a deep copy safe to hand to another context.
func (r EntityRecord) Clone() EntityRecord {
	out := EntityRecord{
		ID:         r.ID,
		Kind:       r.Kind,
		Attributes: r.Attributes.Clone(),
		Version:    r.Version,
	}
	if out.Attributes == nil {
		out.Attributes = IRObject{}
	}
	if r.Relationships != nil {
		out.Relationships = make(map[string][]EntityIdentifier, len(r.Relationships))
		for k, ids := range r.Relationships {
			out.Relationships[k] = slices.Clone(ids)
		}
	}
	return out
}

// RemapIdentifiers rewrites the record's own identifier and every
// relationship target found in mapping (keyed by EntityIdentifier.Key).
// It reports whether anything changed.
func (r *EntityRecord) RemapIdentifiers(mapping map[string]EntityIdentifier) bool {
	changed := false
	if to, ok := mapping[r.ID.Key()]; ok {
		r.ID = to
		changed = true
	}
	for name, ids := range r.Relationships {
		for i, id := range ids {
			if to, ok := mapping[id.Key()]; ok {
				ids[i] = to
				changed = true
			}
		}
		r.Relationships[name] = ids
	}
	return changed
}

// SameIdentifiers reports whether two identifier lists are equal as sets.
func SameIdentifiers(a, b []EntityIdentifier) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, id := range a {
		seen[id.Key()]++
	}
	for _, id := range b {
		if seen[id.Key()] == 0 {
			return false
		}
		seen[id.Key()]--
	}
	return true
}
