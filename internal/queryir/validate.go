package queryir

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/nestdoc/internal/ir"
)

// Validate checks a request for structural problems before any evaluation.
//
// All problems are reported together in one MALFORMED_PREDICATE error.
// Validate is a pure function with no side effects.
func Validate(req Request) error {
	v := &validator{}
	if req.Kind == "" {
		v.addProblem("request has no entity kind")
	}
	if req.Limit < 0 {
		v.addProblem("negative limit %d", req.Limit)
	}
	for i, k := range req.Sort {
		if k.Field == "" {
			v.addProblem("sort key %d has no field", i)
		}
	}
	v.validatePredicate(req.Predicate)

	if len(v.problems) == 0 {
		return nil
	}
	return Malformed(errors.New(strings.Join(v.problems, "; ")), "invalid %s request", req.Kind)
}

// validator accumulates problems during traversal.
type validator struct {
	problems []string
}

func (v *validator) addProblem(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *validator) validatePredicate(p Predicate) {
	if p == nil {
		return
	}

	switch pred := p.(type) {
	case Equals:
		v.validateEquals(pred)
	case *Equals:
		v.validateEquals(*pred)
	case And:
		v.validateAnd(pred)
	case *And:
		v.validateAnd(*pred)
	case Expr:
		v.validateExpr(pred)
	case *Expr:
		v.validateExpr(*pred)
	default:
		v.addProblem("unknown predicate type %T", p)
	}
}

func (v *validator) validateEquals(eq Equals) {
	if eq.Field == "" {
		v.addProblem("equals predicate has no field")
	}
	switch eq.Value.(type) {
	case nil:
		v.addProblem("field %q compared to nothing", eq.Field)
	case ir.IRNull:
		// Cleared attributes are absent, and absent fields never match.
		v.addProblem("field %q compared to null", eq.Field)
	}
}

func (v *validator) validateAnd(and And) {
	for _, sub := range and.Predicates {
		if sub == nil {
			v.addProblem("nil predicate inside and")
			continue
		}
		v.validatePredicate(sub)
	}
}

func (v *validator) validateExpr(e Expr) {
	if strings.TrimSpace(e.Source) == "" {
		v.addProblem("expression must not be empty")
	}
}
