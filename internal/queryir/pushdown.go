package queryir

import (
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/nestdoc/internal/ir"
)

// Pushdown extracts the scalar Equals conjuncts of p that a store can apply
// before in-memory filtering. Equals on the reserved id and kind fields and
// on non-scalar values are left to the full predicate, as is anything under
// an Expr.
//
// The returned filter never excludes a record p would match. A nil result
// means no pushdown is possible.
func Pushdown(p Predicate) []Equals {
	var out []Equals
	var walk func(Predicate)
	walk = func(p Predicate) {
		switch pred := p.(type) {
		case Equals:
			if eq, ok := scalarEquals(pred); ok {
				out = append(out, eq)
			}
		case *Equals:
			if eq, ok := scalarEquals(*pred); ok {
				out = append(out, eq)
			}
		case And:
			for _, sub := range pred.Predicates {
				walk(sub)
			}
		case *And:
			for _, sub := range pred.Predicates {
				walk(sub)
			}
		}
	}
	walk(p)
	return out
}

func scalarEquals(eq Equals) (Equals, bool) {
	if eq.Field == FieldID || eq.Field == FieldKind || eq.Field == "" {
		return Equals{}, false
	}
	switch v := eq.Value.(type) {
	case ir.IRString:
		// Stored strings are NFC; a non-NFC literal matches nothing in either
		// place, so normalizing keeps the filter a superset.
		return Equals{Field: eq.Field, Value: ir.IRString(norm.NFC.String(string(v)))}, true
	case ir.IRInt, ir.IRBool:
		return eq, true
	}
	return Equals{}, false
}

// MatchPushdown applies a pushdown filter to one entity.
func MatchPushdown(e ir.Entity, filter []Equals) bool {
	for _, eq := range filter {
		v, ok := e.Attribute(eq.Field)
		if !ok || !ir.Equal(v, eq.Value) {
			return false
		}
	}
	return true
}
