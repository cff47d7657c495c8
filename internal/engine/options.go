package engine

import (
	"log/slog"

	"github.com/roach88/nestdoc/internal/merge"
	"github.com/roach88/nestdoc/internal/queryir"
)

// QueuePolicy selects which serial queue a child context runs on.
type QueuePolicy int

const (
	// PrivateQueue gives the child its own worker.
	PrivateQueue QueuePolicy = iota
	// ParentQueue runs the child's ops on its parent's worker, so parent and
	// child never run concurrently.
	ParentQueue
)

// String returns the policy name.
func (p QueuePolicy) String() string {
	if p == ParentQueue {
		return "parent"
	}
	return "private"
}

// Policy configures a context created by NewChild.
type Policy struct {
	Queue QueuePolicy
	// Merge decides conflicts when this context saves into its parent.
	Merge merge.Policy
	// Name labels the context in logs and errors. Empty gets "ctx-N".
	Name string
}

// DefaultPolicy is a private-queue child that merges with StoreTrump.
var DefaultPolicy = Policy{Queue: PrivateQueue, Merge: merge.Default}

// Option configures a root context.
type Option func(*rootConfig)

type rootConfig struct {
	name      string
	merge     merge.Policy
	logger    *slog.Logger
	tokens    TokenGenerator
	evaluator queryir.Evaluator
	clock     *Clock
}

// WithName names the root context. Default: "root".
func WithName(name string) Option {
	return func(c *rootConfig) {
		c.name = name
	}
}

// WithMergePolicy sets the policy the root passes to the store on commit.
//
// Default: merge.StoreTrump.
func WithMergePolicy(p merge.Policy) Option {
	return func(c *rootConfig) {
		c.merge = p
	}
}

// WithLogger sets the logger shared by the root and its descendants.
func WithLogger(l *slog.Logger) Option {
	return func(c *rootConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTokenGenerator sets the generator for temporary identifier tokens.
//
// Default: UUIDv7Generator. Tests pass a FixedGenerator or
// SequenceGenerator for deterministic identifiers.
func WithTokenGenerator(g TokenGenerator) Option {
	return func(c *rootConfig) {
		if g != nil {
			c.tokens = g
		}
	}
}

// WithEvaluator sets the predicate evaluator queries against this tree use.
//
// Default: a queryir.ExprEvaluator with the default program cache.
func WithEvaluator(ev queryir.Evaluator) Option {
	return func(c *rootConfig) {
		if ev != nil {
			c.evaluator = ev
		}
	}
}

// WithClock sets the clock context identifiers are stamped from.
func WithClock(clock *Clock) Option {
	return func(c *rootConfig) {
		if clock != nil {
			c.clock = clock
		}
	}
}
