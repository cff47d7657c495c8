package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/nestdoc/internal/schema"
)

func runValidateCmd(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: format}
	cmd := NewValidateCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestValidateModel(t *testing.T) {
	output, err := runValidateCmd(t, "text", librarySchema)
	require.NoError(t, err)

	assert.Contains(t, output, "\u2713 Model valid (2 entities, hash ")
	assert.Contains(t, output, "  Author: 2 attribute(s), 1 relationship(s)")
	assert.Contains(t, output, "  Book: 3 attribute(s), 1 relationship(s)")
}

func TestValidateModelJSON(t *testing.T) {
	output, err := runValidateCmd(t, "json", librarySchema)
	require.NoError(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(output), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Valid)
	assert.NotEmpty(t, resp.Data.Hash)
	require.Len(t, resp.Data.Entities, 2)
	assert.Equal(t, EntityShape{
		Name:          "Author",
		Attributes:    []string{"born", "name"},
		Relationships: []string{"books"},
	}, resp.Data.Entities[0])
	assert.Equal(t, []string{"genre", "title", "year"}, resp.Data.Entities[1].Attributes)
}

func TestValidateHashIsStable(t *testing.T) {
	first, err := runValidateCmd(t, "json", librarySchema)
	require.NoError(t, err)
	second, err := runValidateCmd(t, "json", librarySchema)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestValidateSchemaFlag(t *testing.T) {
	output, err := execute(t, "validate", "--schema", librarySchema)
	require.NoError(t, err)
	assert.Contains(t, output, "Model valid")
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(t *testing.T) string
		wantCode string
		wantExit int
	}{
		{
			name:     "missing file",
			setup:    func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope.cue") },
			wantCode: schema.ErrCodeNotFound,
			wantExit: ExitCommandError,
		},
		{
			name:     "empty directory",
			setup:    func(t *testing.T) string { return t.TempDir() },
			wantCode: schema.ErrCodeNoFiles,
			wantExit: ExitCommandError,
		},
		{
			name: "unsupported attribute type",
			setup: func(t *testing.T) string {
				path := filepath.Join(t.TempDir(), "bad.cue")
				require.NoError(t, os.WriteFile(path, []byte(`entity: Reading: attribute: value: float`), 0o644))
				return path
			},
			wantCode: schema.ErrCodeInvalidType,
			wantExit: ExitFailure,
		},
		{
			name: "syntax error",
			setup: func(t *testing.T) string {
				path := filepath.Join(t.TempDir(), "bad.cue")
				require.NoError(t, os.WriteFile(path, []byte("entity: {"), 0o644))
				return path
			},
			wantCode: schema.ErrCodeBuildFailed,
			wantExit: ExitFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output, err := runValidateCmd(t, "json", tt.setup(t))
			require.Error(t, err)
			assert.Equal(t, tt.wantExit, GetExitCode(err))

			var resp CLIResponse
			require.NoError(t, json.Unmarshal([]byte(output), &resp))
			assert.Equal(t, "error", resp.Status)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
		})
	}
}

func TestValidateWithoutSchema(t *testing.T) {
	output, err := runValidateCmd(t, "text")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, output, "Error [E005]")
}

func TestValidateTooManyArgs(t *testing.T) {
	_, err := runValidateCmd(t, "text", "a.cue", "b.cue")
	assert.Error(t, err)
}
