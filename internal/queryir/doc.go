// Package queryir provides the query intermediate representation used by
// the query service and the stores.
//
// A Request names one entity kind, an optional Predicate, an ordered list of
// SortKeys and an optional limit. Predicates are a sealed set:
//
//	Equals{Field, Value}  field equals a literal IR value
//	And{Predicates}       conjunction, empty means true
//	Expr{Source, Params}  opaque boolean expression (expr-lang)
//
// EVALUATION:
//
// Predicate semantics are delegated to an Evaluator. ExprEvaluator is the
// default; it evaluates Equals and And natively and compiles Expr sources
// with github.com/expr-lang/expr, caching programs in a bounded LRU.
//
// PUSHDOWN:
//
// Stores never see Expr. Pushdown extracts the scalar Equals conjuncts of a
// predicate; the result is a superset filter a store may apply before the
// full predicate runs in memory. Callers must always re-filter.
//
// ORDERING:
//
// SortRecords is stable. Records that tie on every key keep their input
// order, which for stores is insertion order.
package queryir
