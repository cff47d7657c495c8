package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/nestdoc/internal/ir"
	"github.com/roach88/nestdoc/internal/queryir"
	"github.com/roach88/nestdoc/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s", event.Step, event.Label())
			if event.Ref != "" {
				fmt.Fprintf(&buf, " %s", event.Ref)
			}
			fmt.Fprintf(&buf, " -> %s\n", event.Outcome)
		}
	}

	return buf.String()
}

// matchesEvent reports whether event satisfies the assertion's selectors.
// Empty selectors match anything.
func matchesEvent(event TraceEvent, a Assertion) bool {
	if a.Op != "" && event.Op != a.Op {
		return false
	}
	if a.Context != "" && event.Context != a.Context {
		return false
	}
	if a.Ref != "" && event.Ref != a.Ref {
		return false
	}
	if a.Outcome != "" && event.Outcome != a.Outcome {
		return false
	}
	return true
}

// describeSelector renders the assertion's selectors for messages.
func describeSelector(a Assertion) string {
	parts := []string{a.Op}
	if a.Context != "" {
		parts = append(parts, "in "+a.Context)
	}
	if a.Ref != "" {
		parts = append(parts, "on "+a.Ref)
	}
	if a.Outcome != "" {
		parts = append(parts, "-> "+a.Outcome)
	}
	return strings.Join(parts, " ")
}

// assertTraceContains checks that some step matches the assertion.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if matchesEvent(event, assertion) {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: describeSelector(assertion),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// labelMatches compares a trace_order entry with an event. An entry
// without "@" matches the op in any context.
func labelMatches(entry string, event TraceEvent) bool {
	if strings.Contains(entry, "@") {
		return event.Label() == entry
	}
	return event.Op == entry
}

// assertTraceOrder checks that the labelled steps appear in the specified
// order. Steps don't need to be consecutive.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	// First position of each expected label, 1-indexed for readability.
	positions := make(map[string]int)
	for i, event := range trace {
		for _, entry := range assertion.Steps {
			if positions[entry] == 0 && labelMatches(entry, event) {
				positions[entry] = i + 1
			}
		}
	}

	for _, entry := range assertion.Steps {
		if positions[entry] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all steps present: %v", assertion.Steps),
				Actual:   fmt.Sprintf("missing step: %s", entry),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Steps); i++ {
		prev := assertion.Steps[i-1]
		curr := assertion.Steps[i]

		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("steps in order: %v", assertion.Steps),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}

	return nil
}

// assertTraceCount checks that exactly Count steps match the assertion.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if matchesEvent(event, assertion) {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, describeSelector(assertion)),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}

	return nil
}

// assertFinalState checks that exactly one stored record of Kind matches
// Where and carries every Expect value.
func assertFinalState(ctx context.Context, st store.Handle, assertion Assertion) error {
	where, err := convertFields(assertion.Where)
	if err != nil {
		return fmt.Errorf("final_state where: %w", err)
	}
	expect, err := convertFields(assertion.Expect)
	if err != nil {
		return fmt.Errorf("final_state expect: %w", err)
	}

	recs, err := st.Query(ctx, queryir.Request{Kind: assertion.Kind})
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query %s records", assertion.Kind),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}

	var matched []ir.EntityRecord
	for _, rec := range recs {
		if recordHas(rec, where) == "" {
			matched = append(matched, rec)
		}
	}

	whereDesc := formatFields(assertion.Where)
	switch len(matched) {
	case 0:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s record where %s", assertion.Kind, whereDesc),
			Actual:   "record not found",
		}
	case 1:
	default:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one %s record where %s", assertion.Kind, whereDesc),
			Actual:   fmt.Sprintf("%d records matched (assertion is ambiguous)", len(matched)),
		}
	}

	if mismatch := recordHas(matched[0], expect); mismatch != "" {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s %s", matched[0].ID, formatFields(assertion.Expect)),
			Actual:   mismatch,
		}
	}
	return nil
}

// assertStateCount checks the number of stored records of Kind.
func assertStateCount(ctx context.Context, st store.Handle, assertion Assertion) error {
	recs, err := st.Query(ctx, queryir.Request{Kind: assertion.Kind})
	if err != nil {
		return &AssertionError{
			Type:     AssertStateCount,
			Expected: fmt.Sprintf("query %s records", assertion.Kind),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	if len(recs) != assertion.Count {
		return &AssertionError{
			Type:     AssertStateCount,
			Expected: fmt.Sprintf("%d stored %s record(s)", assertion.Count, assertion.Kind),
			Actual:   fmt.Sprintf("%d stored", len(recs)),
		}
	}
	return nil
}

// recordHas returns "" when rec carries every field value, otherwise a
// description of the first mismatch in field order.
func recordHas(rec ir.EntityRecord, fields ir.IRObject) string {
	for _, name := range fields.SortedKeys() {
		want := fields[name]
		got, ok := queryir.FieldValue(rec, name)
		if !ok {
			return fmt.Sprintf("field %q not present", name)
		}
		if !ir.Equal(got, want) {
			gotJSON, _ := ir.MarshalIRValue(got)
			wantJSON, _ := ir.MarshalIRValue(want)
			return fmt.Sprintf("field %q = %s, expected %s", name, gotJSON, wantJSON)
		}
	}
	return ""
}

// formatFields creates a human-readable description of field conditions.
func formatFields(fields map[string]any) string {
	if len(fields) == 0 {
		return "(no conditions)"
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return strings.Join(parts, " AND ")
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Store store.Handle
	Ctx   context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides store access for state assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertFinalState, AssertStateCount:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: %s requires store access", i, assertion.Type)
			} else if assertion.Type == AssertFinalState {
				err = assertFinalState(actx.Ctx, actx.Store, assertion)
			} else {
				err = assertStateCount(actx.Ctx, actx.Store, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
