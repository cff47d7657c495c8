package queryir

import "github.com/roach88/nestdoc/internal/ir"

// Predicate is a filter condition over one entity.
//
// This is a sealed interface. Only types in this package implement it, so
// evaluators and compilers can switch exhaustively.
type Predicate interface {
	predicateNode()
}

// Equals matches when the named field equals Value.
//
// Field resolves to an attribute first, then to a relationship (as an array
// of identifier strings), then to the reserved names "id" and "kind". A
// missing field is never equal to anything.
type Equals struct {
	Field string
	Value ir.IRValue
}

func (Equals) predicateNode() {}

// And matches when every sub-predicate matches. An empty And matches
// everything.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Expr is a boolean expression evaluated by the configured Evaluator.
//
// The default evaluator exposes each attribute under its own name, each
// relationship as a list of identifier strings, plus id, kind and params.
//
//	Expr{Source: `firstName == params.name && rating > 3`,
//	     Params: ir.IRObject{"name": ir.IRString("Dave")}}
type Expr struct {
	Source string
	Params ir.IRObject
}

func (Expr) predicateNode() {}

// SortKey orders results by one field.
type SortKey struct {
	Field      string
	Descending bool
	// FoldCase compares string values case-insensitively.
	FoldCase bool
}

// Asc returns an ascending sort key.
func Asc(field string) SortKey {
	return SortKey{Field: field}
}

// Desc returns a descending sort key.
func Desc(field string) SortKey {
	return SortKey{Field: field, Descending: true}
}

// Request is one find against a single entity kind.
type Request struct {
	Kind      string
	Predicate Predicate // nil matches everything
	Sort      []SortKey
	Limit     int // 0 means unlimited
}

// Where returns a copy of r with p added as a conjunct.
func (r Request) Where(p Predicate) Request {
	switch {
	case p == nil:
	case r.Predicate == nil:
		r.Predicate = p
	default:
		r.Predicate = And{Predicates: []Predicate{r.Predicate, p}}
	}
	return r
}

// Reserved field names resolved from the record itself rather than its
// attributes.
const (
	FieldID   = "id"
	FieldKind = "kind"
)

// FieldValue resolves a field of e the way Equals and SortKey see it.
func FieldValue(e ir.Entity, field string) (ir.IRValue, bool) {
	if v, ok := e.Attribute(field); ok {
		return v, true
	}
	if ids := e.Related(field); ids != nil {
		arr := make(ir.IRArray, len(ids))
		for i, id := range ids {
			arr[i] = ir.IRString(id.String())
		}
		return arr, true
	}
	switch field {
	case FieldID:
		return ir.IRString(e.Identifier().String()), true
	case FieldKind:
		return ir.IRString(e.EntityKind()), true
	}
	return nil, false
}
