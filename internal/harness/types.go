package harness

// Step outcomes recorded in the trace.
const (
	OutcomeOK = "ok"
)

// TraceEvent records one executed step.
type TraceEvent struct {
	Step    int    `json:"step"`
	Op      string `json:"op"`
	Context string `json:"context,omitempty"`
	Ref     string `json:"ref,omitempty"`
	Kind    string `json:"kind,omitempty"`
	// Outcome is OutcomeOK or the error code the step failed with.
	Outcome string `json:"outcome"`
	// IDs are the identifiers the step produced or returned: the inserted
	// record, fetched records in order, or "ref=id" pairs after a durable
	// save.
	IDs        []string `json:"ids,omitempty"`
	Count      *int     `json:"count,omitempty"`
	HadChanges *bool    `json:"had_changes,omitempty"`
}

// Label is the name trace_order matches against: "op@context", or just
// "op" for coordinator-level steps.
func (e TraceEvent) Label() string {
	if e.Context == "" {
		return e.Op
	}
	return e.Op + "@" + e.Context
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every step met its expect clause and every assertion held.
	Pass bool `json:"pass"`

	// Trace contains every executed step in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) record(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
