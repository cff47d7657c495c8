package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/nestdoc/internal/ir"
	"github.com/roach88/nestdoc/internal/schema"
)

// PersonModelSource is the reference model used across packages.
//
// Person.friends is symmetric, Person.employer is the to-one inverse of
// Company.staff, and Company.staff denies deletion while staffed.
// Deleting a Project cascades to its Task records.
const PersonModelSource = `
entity: Person: {
	attribute: {
		firstName:       string
		lastName:        string
		nickname?:       string
		rating:          int | *0
		active:          bool | *true
		syncIdentifier?: string
	}
	relationship: {
		friends:  {destination: "Person", toMany: true, inverse: "friends"}
		employer: {destination: "Company", inverse: "staff"}
	}
}

entity: Company: {
	attribute: name: string
	relationship: staff: {destination: "Person", toMany: true, inverse: "employer", deleteRule: "deny"}
}

entity: Project: {
	attribute: title: string
	relationship: tasks: {destination: "Task", toMany: true, inverse: "project", deleteRule: "cascade"}
}

entity: Task: {
	attribute: {
		summary: string
		done:    bool | *false
	}
	relationship: project: {destination: "Project", inverse: "tasks"}
}
`

// PersonModel compiles PersonModelSource.
func PersonModel(t testing.TB) *schema.Model {
	t.Helper()
	m, err := schema.CompileString("person.cue", PersonModelSource)
	require.NoError(t, err)
	return m
}

// WriteSchema writes src to dir/name and returns the path.
func WriteSchema(t testing.TB, dir, name, src string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

// PersonSchemaFile writes PersonModelSource into a fresh temp dir.
func PersonSchemaFile(t testing.TB) string {
	t.Helper()
	return WriteSchema(t, t.TempDir(), "model.cue", PersonModelSource)
}

// Person builds the attributes of a Person insert.
func Person(first, last string) ir.IRObject {
	return ir.IRObject{
		"firstName": ir.IRString(first),
		"lastName":  ir.IRString(last),
	}
}
