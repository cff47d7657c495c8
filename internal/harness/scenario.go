package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/nestdoc/internal/engine"
	"github.com/roach88/nestdoc/internal/merge"
)

// Scenario defines a document scenario.
// Scenarios check the document's guarantees by driving its contexts
// through a script and asserting on the resulting trace and stored state.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Schema is the CUE model file or directory.
	// A relative path is resolved against the scenario's base path.
	Schema string `yaml:"schema"`

	// Durable selects a SQLite store in a temporary directory instead of
	// a memory store. Required by reopen steps.
	Durable bool `yaml:"durable,omitempty"`

	// Contexts declares child contexts, created in order when the document
	// opens. "main" is always available.
	Contexts []ContextSpec `yaml:"contexts,omitempty"`

	// Steps is the script.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// MainContext names the coordinator's main context in scenarios.
const MainContext = "main"

// ContextSpec declares a child context.
type ContextSpec struct {
	Name string `yaml:"name"`

	// Parent is "main" (the default) or an earlier declared context.
	Parent string `yaml:"parent,omitempty"`

	// Queue is "private" (the default) or "parent".
	Queue string `yaml:"queue,omitempty"`

	// Merge is a merge policy name; empty uses the default.
	Merge string `yaml:"merge,omitempty"`
}

// policy converts the declared queue and merge names to an engine policy.
func (c ContextSpec) policy() (engine.Policy, error) {
	p := engine.Policy{Name: c.Name, Merge: merge.Default}
	switch c.Queue {
	case "", "private":
		p.Queue = engine.PrivateQueue
	case "parent":
		p.Queue = engine.ParentQueue
	default:
		return engine.Policy{}, fmt.Errorf("unknown queue %q", c.Queue)
	}
	if c.Merge != "" {
		m, err := merge.ParsePolicy(c.Merge)
		if err != nil {
			return engine.Policy{}, err
		}
		p.Merge = m
	}
	return p, nil
}

// Step is one scripted operation.
type Step struct {
	// Op is the operation; see the package documentation.
	Op string `yaml:"op"`

	// Context is the context the op runs in. Defaults to "main".
	Context string `yaml:"context,omitempty"`

	// Ref names a record across steps. insert binds it; other ops use it.
	Ref string `yaml:"ref,omitempty"`

	// Kind is the entity kind (insert, fetch).
	Kind string `yaml:"kind,omitempty"`

	// Attributes are inserted or updated values.
	Attributes map[string]any `yaml:"attributes,omitempty"`

	// Relationship and Targets describe a relate step. Targets are refs or
	// permanent identifiers.
	Relationship string   `yaml:"relationship,omitempty"`
	Targets      []string `yaml:"targets,omitempty"`

	// Where, Sort and Limit describe a fetch.
	Where string `yaml:"where,omitempty"`
	Sort  string `yaml:"sort,omitempty"`
	Limit int    `yaml:"limit,omitempty"`

	// Into is the destination context of a resolve.
	Into string `yaml:"into,omitempty"`

	// Wait makes save_and_wait block until the store save finishes.
	Wait bool `yaml:"wait,omitempty"`

	// Expect checks the step's outcome. Nil expects success.
	Expect *StepExpect `yaml:"expect,omitempty"`
}

// StepExpect specifies the expected outcome of a step.
type StepExpect struct {
	// Error is the expected error code. Empty expects success.
	Error string `yaml:"error,omitempty"`

	// Count is the expected number of fetched records.
	Count *int `yaml:"count,omitempty"`

	// Permanent checks whether a resolve or get returned a permanent
	// identifier.
	Permanent *bool `yaml:"permanent,omitempty"`
}

// Operation names.
const (
	OpInsert      = "insert"
	OpUpdate      = "update"
	OpRelate      = "relate"
	OpDelete      = "delete"
	OpGet         = "get"
	OpFetch       = "fetch"
	OpSave        = "save"
	OpRollback    = "rollback"
	OpClose       = "close"
	OpSaveAndWait = "save_and_wait"
	OpResolve     = "resolve"
	OpReopen      = "reopen"
)

var knownOps = []string{
	OpInsert, OpUpdate, OpRelate, OpDelete, OpGet, OpFetch, OpSave,
	OpRollback, OpClose, OpSaveAndWait, OpResolve, OpReopen,
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": a step with op, context and outcome ran
	// - "trace_order": labelled steps ran in order
	// - "trace_count": op ran exactly Count times
	// - "final_state": one stored record matches Where and has Expect
	// - "state_count": the store holds exactly Count records of Kind
	Type string `yaml:"type"`

	// Op, Context, Ref and Outcome select steps (trace_contains,
	// trace_count). Empty fields match anything.
	Op      string `yaml:"op,omitempty"`
	Context string `yaml:"context,omitempty"`
	Ref     string `yaml:"ref,omitempty"`
	Outcome string `yaml:"outcome,omitempty"`

	// Steps is the expected order of step labels (trace_order).
	Steps []string `yaml:"steps,omitempty"`

	// Kind is the stored entity kind (final_state, state_count).
	Kind string `yaml:"kind,omitempty"`

	// Where specifies field filters (final_state).
	// All fields must match exactly.
	Where map[string]any `yaml:"where,omitempty"`

	// Expect contains expected field values (final_state).
	// Subset match - only specified fields are validated. "id" and "kind"
	// name the record itself.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected number of occurrences or records.
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertStateCount    = "state_count"
)

// LoadScenario reads and parses a scenario YAML file. The schema path is
// resolved against the scenario file's directory.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving the schema path relative to the provided base path.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Parse YAML with strict field validation (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Schema != "" && !filepath.IsAbs(scenario.Schema) && basePath != "" {
		scenario.Schema = filepath.Join(basePath, scenario.Schema)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if s.Schema == "" {
		return fmt.Errorf("schema is required")
	}
	if _, err := os.Stat(s.Schema); os.IsNotExist(err) {
		return fmt.Errorf("schema not found: %s", s.Schema)
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	contexts := map[string]bool{MainContext: true}
	for i, c := range s.Contexts {
		if c.Name == "" {
			return fmt.Errorf("contexts[%d]: name is required", i)
		}
		if contexts[c.Name] {
			return fmt.Errorf("contexts[%d]: duplicate context %q", i, c.Name)
		}
		if c.Parent != "" && !contexts[c.Parent] {
			return fmt.Errorf("contexts[%d]: parent %q is not declared before it", i, c.Parent)
		}
		if _, err := c.policy(); err != nil {
			return fmt.Errorf("contexts[%d]: %w", i, err)
		}
		contexts[c.Name] = true
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step, contexts, s.Durable); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

func validateStep(index int, step *Step, contexts map[string]bool, durable bool) error {
	if step.Op == "" {
		return fmt.Errorf("steps[%d]: op is required", index)
	}
	if !slices.Contains(knownOps, step.Op) {
		return fmt.Errorf("steps[%d]: unknown op %q", index, step.Op)
	}
	if step.Context != "" && !contexts[step.Context] {
		return fmt.Errorf("steps[%d]: unknown context %q", index, step.Context)
	}

	switch step.Op {
	case OpInsert:
		if step.Kind == "" {
			return fmt.Errorf("steps[%d]: kind is required for insert", index)
		}
	case OpUpdate, OpDelete, OpGet:
		if step.Ref == "" {
			return fmt.Errorf("steps[%d]: ref is required for %s", index, step.Op)
		}
	case OpRelate:
		if step.Ref == "" || step.Relationship == "" {
			return fmt.Errorf("steps[%d]: ref and relationship are required for relate", index)
		}
	case OpFetch:
		if step.Kind == "" {
			return fmt.Errorf("steps[%d]: kind is required for fetch", index)
		}
		if step.Limit < 0 {
			return fmt.Errorf("steps[%d]: limit must be non-negative", index)
		}
	case OpResolve:
		if step.Ref == "" || step.Into == "" {
			return fmt.Errorf("steps[%d]: ref and into are required for resolve", index)
		}
		if !contexts[step.Into] {
			return fmt.Errorf("steps[%d]: unknown context %q", index, step.Into)
		}
	case OpReopen:
		if !durable {
			return fmt.Errorf("steps[%d]: reopen requires a durable scenario", index)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Steps) == 0 {
			return fmt.Errorf("assertions[%d]: steps list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertStateCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for state_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for state_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
