package harness

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/nestdoc/internal/engine"
	"github.com/roach88/nestdoc/internal/ir"
	"github.com/roach88/nestdoc/internal/queryir"
	"github.com/roach88/nestdoc/internal/schema"
	"github.com/roach88/nestdoc/internal/testutil"
)

func intPtr(n int) *int    { return &n }
func boolPtr(b bool) *bool { return &b }

func loadTestdata(t *testing.T, name string) *Scenario {
	t.Helper()
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	return scenario
}

func TestRun_ScopedEdit(t *testing.T) {
	result, err := Run(t.Context(), loadTestdata(t, "scoped_edit"))
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Trace, 10)

	insert := result.Trace[0]
	assert.Equal(t, "insert@editor", insert.Label())
	assert.Equal(t, []string{"tmp:h-1"}, insert.IDs)

	assert.Equal(t, OutcomeUnresolvable, result.Trace[2].Outcome)
	assert.Equal(t, []string{"dave=Person/p1"}, result.Trace[5].IDs)
	assert.Equal(t, []string{"Person/p1"}, result.Trace[6].IDs)
	assert.False(t, *result.Trace[7].HadChanges, "second save has nothing to write")
	assert.Equal(t, OutcomeClosed, result.Trace[9].Outcome)
}

func TestRun_ValidationFailureKeepsPendingChanges(t *testing.T) {
	result, err := Run(t.Context(), loadTestdata(t, "validation"))
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	rejected := result.Trace[1]
	assert.Equal(t, string(engine.ErrCodeValidationFailed), rejected.Outcome)
	assert.False(t, *rejected.HadChanges)
	assert.Empty(t, rejected.IDs)

	assert.Equal(t, []string{"ann=Person/p1"}, result.Trace[3].IDs)
	assert.Equal(t, []string{"Person/p1"}, result.Trace[4].IDs)
}

func TestRun_CascadeAcrossReopen(t *testing.T) {
	result, err := Run(t.Context(), loadTestdata(t, "cascade_reopen"))
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	saved := result.Trace[4]
	require.Len(t, saved.IDs, 3)
	assert.Regexp(t, `^copy=Task/`, saved.IDs[0])
	assert.Regexp(t, `^launch=Project/`, saved.IDs[1])
	assert.Regexp(t, `^site=Task/`, saved.IDs[2])

	reopen := result.Trace[5]
	assert.Equal(t, "reopen", reopen.Label())
	assert.Equal(t, OutcomeOK, reopen.Outcome)

	fetched := result.Trace[6]
	assert.Equal(t, 2, *fetched.Count)
	assert.Equal(t, OutcomeNotFound, result.Trace[9].Outcome)
}

func TestRun_NestedContexts(t *testing.T) {
	scenario := &Scenario{
		Name:        "nested",
		Description: "A parent-queue grandchild saves through its parent",
		Schema:      testutil.PersonSchemaFile(t),
		Contexts: []ContextSpec{
			{Name: "editor"},
			{Name: "sheet", Parent: "editor", Queue: "parent", Merge: "objectTrump"},
		},
		Steps: []Step{
			{Op: OpInsert, Context: "sheet", Ref: "ann", Kind: "Person",
				Attributes: map[string]any{"firstName": "Ann", "lastName": "Reed"}},
			{Op: OpSave, Context: "sheet"},
			{Op: OpFetch, Kind: "Person", Expect: &StepExpect{Count: intPtr(0)}},
			{Op: OpSave, Context: "editor"},
			{Op: OpFetch, Kind: "Person", Expect: &StepExpect{Count: intPtr(1)}},
			{Op: OpSaveAndWait, Wait: true},
			{Op: OpGet, Context: "sheet", Ref: "ann", Expect: &StepExpect{Permanent: boolPtr(true)}},
		},
		Assertions: []Assertion{
			{Type: AssertTraceOrder, Steps: []string{"save@sheet", "save@editor", "save_and_wait"}},
			{Type: AssertFinalState, Kind: "Person", Where: map[string]any{"firstName": "Ann"},
				Expect: map[string]any{"lastName": "Reed"}},
		},
	}

	result, err := Run(t.Context(), scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_RollbackDiscardsInsert(t *testing.T) {
	scenario := &Scenario{
		Name:        "rollback",
		Description: "A rolled back insert never reaches the store",
		Schema:      testutil.PersonSchemaFile(t),
		Steps: []Step{
			{Op: OpInsert, Ref: "ann", Kind: "Person",
				Attributes: map[string]any{"firstName": "Ann", "lastName": "Reed"}},
			{Op: OpRollback},
			{Op: OpSaveAndWait, Wait: true},
			{Op: OpGet, Ref: "ann", Expect: &StepExpect{Error: OutcomeNotFound}},
		},
		Assertions: []Assertion{
			{Type: AssertStateCount, Kind: "Person", Count: 0},
		},
	}

	result, err := Run(t.Context(), scenario)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)
	assert.False(t, *result.Trace[2].HadChanges)
}

func TestRun_FetchUnknownKindIsMalformed(t *testing.T) {
	scenario := &Scenario{
		Name:        "malformed",
		Description: "Fetching an undeclared kind fails",
		Schema:      testutil.PersonSchemaFile(t),
		Steps: []Step{
			{Op: OpFetch, Kind: "Dragon", Expect: &StepExpect{Error: string(queryir.ErrCodeMalformedPredicate)}},
			{Op: OpFetch, Kind: "Person", Where: "lastName ==", Expect: &StepExpect{Error: string(queryir.ErrCodeMalformedPredicate)}},
		},
		Assertions: []Assertion{
			{Type: AssertTraceCount, Op: OpFetch, Outcome: string(queryir.ErrCodeMalformedPredicate), Count: 2},
		},
	}

	result, err := Run(t.Context(), scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_UnmetExpectationFails(t *testing.T) {
	scenario := &Scenario{
		Name:        "wrong_expectations",
		Description: "Expect clauses that do not hold",
		Schema:      testutil.PersonSchemaFile(t),
		Steps: []Step{
			{Op: OpInsert, Ref: "ann", Kind: "Person",
				Attributes: map[string]any{"firstName": "Ann", "lastName": "Reed"},
				Expect:     &StepExpect{Error: string(engine.ErrCodeValidationFailed)}},
			{Op: OpFetch, Kind: "Person", Expect: &StepExpect{Count: intPtr(3)}},
			{Op: OpGet, Ref: "ann", Expect: &StepExpect{Permanent: boolPtr(true)}},
		},
		Assertions: []Assertion{
			{Type: AssertStateCount, Kind: "Person", Count: 0},
		},
	}

	result, err := Run(t.Context(), scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 3)
	assert.Equal(t, "step 1 (insert@main): expected outcome VALIDATION_FAILED, got ok", result.Errors[0])
	assert.Equal(t, "step 2 (fetch@main): expected 3 record(s), got 1", result.Errors[1])
	assert.Equal(t, "step 3 (get@main): identifier tmp:h-1 permanent=false, expected true", result.Errors[2])
}

func TestRun_MalformedStepAborts(t *testing.T) {
	schemaPath := testutil.PersonSchemaFile(t)
	tests := []struct {
		name    string
		step    Step
		wantErr string
	}{
		{
			name:    "unknown ref",
			step:    Step{Op: OpUpdate, Ref: "ghost", Attributes: map[string]any{"rating": 1}},
			wantErr: `step 1 (update): unknown ref "ghost"`,
		},
		{
			name:    "temporary identifier as ref",
			step:    Step{Op: OpDelete, Ref: "tmp:h-9"},
			wantErr: `unknown ref "tmp:h-9"`,
		},
		{
			name:    "null attribute",
			step:    Step{Op: OpInsert, Kind: "Person", Attributes: map[string]any{"nickname": nil}},
			wantErr: `field "nickname": null is not a value`,
		},
		{
			name:    "bad sort",
			step:    Step{Op: OpFetch, Kind: "Person", Sort: "rating,-"},
			wantErr: "step 1 (fetch)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scenario := &Scenario{
				Name:        "malformed_step",
				Description: tt.name,
				Schema:      schemaPath,
				Steps:       []Step{tt.step},
				Assertions:  []Assertion{{Type: AssertTraceCount, Op: tt.step.Op, Count: 1}},
			}
			_, err := Run(t.Context(), scenario)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRun_PermanentIdentifierRefs(t *testing.T) {
	scenario := &Scenario{
		Name:        "permanent_refs",
		Description: "Steps may name stored records by permanent identifier",
		Schema:      testutil.PersonSchemaFile(t),
		Steps: []Step{
			{Op: OpInsert, Kind: "Company", Attributes: map[string]any{"name": "Acme"}},
			{Op: OpInsert, Ref: "ann", Kind: "Person",
				Attributes: map[string]any{"firstName": "Ann", "lastName": "Reed"}},
			{Op: OpSaveAndWait, Wait: true},
			{Op: OpRelate, Ref: "ann", Relationship: "employer", Targets: []string{"Company/p1"}},
			{Op: OpSaveAndWait, Wait: true},
			{Op: OpDelete, Ref: "Company/p1"},
			{Op: OpSaveAndWait, Wait: true, Expect: &StepExpect{Error: string(engine.ErrCodeValidationFailed)}},
		},
		Assertions: []Assertion{
			{Type: AssertFinalState, Kind: "Company", Where: map[string]any{"name": "Acme"},
				Expect: map[string]any{"id": "Company/p1", "staff": []any{"Person/p2"}}},
		},
	}

	result, err := Run(t.Context(), scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_WithLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	scenario := &Scenario{
		Name:        "logged",
		Description: "Step completion is logged",
		Schema:      testutil.PersonSchemaFile(t),
		Steps:       []Step{{Op: OpSaveAndWait}},
		Assertions:  []Assertion{{Type: AssertTraceCount, Op: OpSaveAndWait, Count: 1}},
	}

	result, err := Run(t.Context(), scenario, WithLogger(logger))
	require.NoError(t, err)
	assert.True(t, result.Pass)
	assert.Contains(t, buf.String(), "scenario step completed")
	assert.Contains(t, buf.String(), "label=save_and_wait")
}

func TestOutcomeCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"validation", &engine.SaveError{Code: engine.ErrCodeValidationFailed, Violations: []schema.Violation{{}}}, "VALIDATION_FAILED"},
		{"commit", fmt.Errorf("save: %w", &engine.SaveError{Code: engine.ErrCodeCommitFailed, Err: errors.New("disk full")}), "COMMIT_FAILED"},
		{"malformed", queryir.Malformed(nil, "bad"), "MALFORMED_PREDICATE"},
		{"unresolvable", fmt.Errorf("resolve: %w", engine.ErrUnresolvableTemporaryIdentifier), OutcomeUnresolvable},
		{"not found", fmt.Errorf("Person/p9: %w", engine.ErrEntityNotFound), OutcomeNotFound},
		{"closed", engine.ErrContextClosed, OutcomeClosed},
		{"other", errors.New("boom"), OutcomeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, outcomeCode(tt.err))
		})
	}
}

func TestCheckExpect(t *testing.T) {
	ok := TraceEvent{Step: 1, Op: OpFetch, Context: MainContext, Outcome: OutcomeOK, Count: intPtr(2)}

	result := NewResult()
	checkExpect(result, Step{Op: OpFetch}, ok)
	checkExpect(result, Step{Op: OpFetch, Expect: &StepExpect{Count: intPtr(2)}}, ok)
	assert.True(t, result.Pass)

	result = NewResult()
	failed := TraceEvent{Step: 2, Op: OpSave, Context: "editor", Outcome: "VALIDATION_FAILED"}
	checkExpect(result, Step{Op: OpSave}, failed)
	assert.False(t, result.Pass)
	assert.Equal(t, []string{"step 2 (save@editor): expected outcome ok, got VALIDATION_FAILED"}, result.Errors)

	result = NewResult()
	checkExpect(result, Step{Op: OpGet, Expect: &StepExpect{Permanent: boolPtr(false)}},
		TraceEvent{Step: 3, Op: OpGet, Context: MainContext, Outcome: OutcomeOK})
	assert.Equal(t, []string{"step 3 (get@main): expected an identifier, got none"}, result.Errors)

	result = NewResult()
	checkExpect(result, Step{Op: OpGet, Expect: &StepExpect{Permanent: boolPtr(false)}},
		TraceEvent{Step: 4, Op: OpGet, Context: MainContext, Outcome: OutcomeOK, IDs: []string{"tmp:h-4"}})
	assert.True(t, result.Pass)
}

func TestConvertFields(t *testing.T) {
	got, err := convertFields(map[string]any{
		"firstName": "Ann",
		"rating":    4,
		"active":    false,
		"tags":      []any{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, ir.IRObject{
		"firstName": ir.IRString("Ann"),
		"rating":    ir.IRInt(4),
		"active":    ir.IRBool(false),
		"tags":      ir.IRArray{ir.IRString("a"), ir.IRString("b")},
	}, got)

	_, err = convertFields(map[string]any{"score": 1.5})
	assert.Error(t, err)

	_, err = convertFields(map[string]any{"nickname": nil})
	assert.EqualError(t, err, `field "nickname": null is not a value`)

	empty, err := convertFields(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestModelFixture_MatchesPersonModel(t *testing.T) {
	loaded, err := schema.CUELoader{}.Load(filepath.Join("testdata", "model.cue"))
	require.NoError(t, err)

	got, err := loaded.Hash()
	require.NoError(t, err)
	want, err := testutil.PersonModel(t).Hash()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRun_TestdataScenariosOpen(t *testing.T) {
	for _, name := range []string{"scoped_edit", "validation", "cascade_reopen"} {
		t.Run(name, func(t *testing.T) {
			result, err := Run(t.Context(), loadTestdata(t, name))
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.NotEmpty(t, result.Trace)
		})
	}
}
