package cli

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
)

const (
	librarySchema = "testdata/library.cue"
	librarySeed   = "testdata/seed.yaml"
)

// execute runs the root command with args and returns stdout and the error.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	opts := &RootOptions{Logger: newLogger(stderr, false)}
	cmd := NewRootCommandWithOptions(opts)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

// seededStore imports the library seed into a fresh durable store.
func seededStore(t *testing.T) string {
	t.Helper()
	store := filepath.Join(t.TempDir(), "library.db")
	_, err := execute(t, "import", "--store", store, "--schema", librarySchema, librarySeed)
	require.NoError(t, err)
	return store
}

func newGoldie(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}
