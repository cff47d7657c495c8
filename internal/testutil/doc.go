// Package testutil provides shared fixtures for nestdoc tests: a reference
// model, schema files on disk, and a store wrapper that counts and can fail
// commits.
package testutil
