// Package ir provides the value and identity types shared by every nestdoc
// package.
//
// ir imports nothing internal. Stores, contexts, queries and the CLI all speak
// in terms of these types, which keeps the layering acyclic.
//
// Key constraints:
//   - NO float types anywhere - use int64 for numbers
//   - Attribute maps never hold IRNull; an absent key means "unset"
//   - Records cross context boundaries only as clones (see EntityRecord.Clone)
package ir
