package schema

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCUELoader_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.cue")
	require.NoError(t, os.WriteFile(path, []byte(personModel), 0o644))

	m, err := CUELoader{}.Load(path)
	require.NoError(t, err)
	assert.Len(t, m.Entities, 2)
}

func TestCUELoader_Directory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "person.cue"), []byte(`package model

entity: Person: attribute: {
	firstName: string
	lastName:  string
}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "note.cue"), []byte(`package model

entity: Note: attribute: body: string
`), 0o644))

	m, err := CUELoader{}.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"Note", "Person"}, m.EntityNames())
}

func TestCUELoader_Errors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T) string
		code  string
	}{
		{
			name:  "missing",
			setup: func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope.cue") },
			code:  ErrCodeNotFound,
		},
		{
			name:  "empty dir",
			setup: func(t *testing.T) string { return t.TempDir() },
			code:  ErrCodeNoFiles,
		},
		{
			name: "float attribute",
			setup: func(t *testing.T) string {
				path := filepath.Join(t.TempDir(), "bad.cue")
				require.NoError(t, os.WriteFile(path, []byte(`entity: X: attribute: w: float`), 0o644))
				return path
			},
			code: ErrCodeInvalidType,
		},
		{
			name: "syntax",
			setup: func(t *testing.T) string {
				path := filepath.Join(t.TempDir(), "bad.cue")
				require.NoError(t, os.WriteFile(path, []byte("entity: {"), 0o644))
				return path
			},
			code: ErrCodeBuildFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CUELoader{}.Load(tt.setup(t))
			var le *LoadError
			require.True(t, errors.As(err, &le), "got %v", err)
			assert.Equal(t, tt.code, le.Code)
		})
	}
}

func TestModelJSONRoundTrip(t *testing.T) {
	m, err := CompileString("person.cue", personModel)
	require.NoError(t, err)

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var back Model
	require.NoError(t, json.Unmarshal(data, &back))

	h1, err := m.Hash()
	require.NoError(t, err)
	h2, err := back.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}
