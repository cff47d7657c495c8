package queryir

import (
	"fmt"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/roach88/nestdoc/internal/ir"
)

// Matcher tests one entity against a compiled predicate.
type Matcher interface {
	Match(e ir.Entity) (bool, error)
}

// MatcherFunc adapts a function to Matcher.
type MatcherFunc func(e ir.Entity) (bool, error)

// Match implements Matcher.
func (f MatcherFunc) Match(e ir.Entity) (bool, error) {
	return f(e)
}

// Evaluator compiles predicates into matchers. It is the opaque predicate
// capability the query service delegates to.
type Evaluator interface {
	Compile(p Predicate) (Matcher, error)
}

// DefaultProgramCacheSize bounds the number of compiled expressions kept by
// an ExprEvaluator.
const DefaultProgramCacheSize = 256

// ExprOption configures an ExprEvaluator.
type ExprOption func(*ExprEvaluator)

// ExprWithCacheSize sets the program cache capacity. Sizes below one fall
// back to DefaultProgramCacheSize.
func ExprWithCacheSize(size int) ExprOption {
	return func(e *ExprEvaluator) {
		e.cacheSize = size
	}
}

// ExprEvaluator evaluates Equals and And natively and Expr sources with
// github.com/expr-lang/expr. It is safe for concurrent use.
type ExprEvaluator struct {
	cacheSize int
	cache     *lru.Cache[string, *exprvm.Program]
}

// NewExprEvaluator constructs the default evaluator.
func NewExprEvaluator(opts ...ExprOption) *ExprEvaluator {
	e := &ExprEvaluator{}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.cacheSize < 1 {
		e.cacheSize = DefaultProgramCacheSize
	}
	// lru.New only fails for non-positive sizes.
	e.cache, _ = lru.New[string, *exprvm.Program](e.cacheSize)
	return e
}

var _ Evaluator = (*ExprEvaluator)(nil)

// Compile implements Evaluator. A nil predicate matches everything.
func (e *ExprEvaluator) Compile(p Predicate) (Matcher, error) {
	if p == nil {
		return MatcherFunc(func(ir.Entity) (bool, error) { return true, nil }), nil
	}

	switch pred := p.(type) {
	case Equals:
		return equalsMatcher(pred), nil
	case *Equals:
		return equalsMatcher(*pred), nil
	case And:
		return e.compileAnd(pred)
	case *And:
		return e.compileAnd(*pred)
	case Expr:
		return e.compileExpr(pred)
	case *Expr:
		return e.compileExpr(*pred)
	default:
		return nil, Malformed(nil, "unsupported predicate type %T", p)
	}
}

func equalsMatcher(eq Equals) Matcher {
	return MatcherFunc(func(ent ir.Entity) (bool, error) {
		v, ok := FieldValue(ent, eq.Field)
		if !ok {
			return false, nil
		}
		return ir.Equal(v, eq.Value), nil
	})
}

func (e *ExprEvaluator) compileAnd(and And) (Matcher, error) {
	subs := make([]Matcher, 0, len(and.Predicates))
	for _, p := range and.Predicates {
		m, err := e.Compile(p)
		if err != nil {
			return nil, err
		}
		subs = append(subs, m)
	}
	return MatcherFunc(func(ent ir.Entity) (bool, error) {
		for _, m := range subs {
			ok, err := m.Match(ent)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}), nil
}

func (e *ExprEvaluator) compileExpr(x Expr) (Matcher, error) {
	program, err := e.loadOrCompile(x.Source)
	if err != nil {
		return nil, err
	}
	params := map[string]any{}
	if x.Params != nil {
		params, _ = ir.ToNative(x.Params).(map[string]any)
	}
	return MatcherFunc(func(ent ir.Entity) (bool, error) {
		out, err := exprlang.Run(program, Environment(ent, params))
		if err != nil {
			return false, Malformed(err, "evaluating %q on %s", x.Source, ent.Identifier())
		}
		b, ok := out.(bool)
		if !ok {
			return false, Malformed(nil, "expression %q returned %T, want bool", x.Source, out)
		}
		return b, nil
	}), nil
}

func (e *ExprEvaluator) loadOrCompile(source string) (*exprvm.Program, error) {
	if program, ok := e.cache.Get(source); ok {
		return program, nil
	}
	program, err := exprlang.Compile(source,
		exprlang.Env(map[string]any{}),
		exprlang.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, Malformed(err, "compiling %q", source)
	}
	e.cache.Add(source, program)
	return program, nil
}

// CachedPrograms returns the number of compiled expressions held.
func (e *ExprEvaluator) CachedPrograms() int {
	return e.cache.Len()
}

// Environment builds the expression environment for one entity.
//
// Relationships are exposed first so an attribute of the same name wins.
// The reserved names id, kind and params always refer to the record.
func Environment(ent ir.Entity, params map[string]any) map[string]any {
	env := map[string]any{}
	for _, name := range ent.RelationshipNames() {
		ids := ent.Related(name)
		tokens := make([]any, len(ids))
		for i, id := range ids {
			tokens[i] = id.String()
		}
		env[name] = tokens
	}
	for _, name := range ent.AttributeNames() {
		if v, ok := ent.Attribute(name); ok {
			env[name] = ir.ToNative(v)
		}
	}
	env[FieldID] = ent.Identifier().String()
	env[FieldKind] = ent.EntityKind()
	if params == nil {
		params = map[string]any{}
	}
	env["params"] = params
	return env
}

// MustCompile is Compile for tests and static predicates.
func MustCompile(ev Evaluator, p Predicate) Matcher {
	m, err := ev.Compile(p)
	if err != nil {
		panic(fmt.Sprintf("queryir: %v", err))
	}
	return m
}
