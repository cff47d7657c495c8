// Package document opens a persistent object document and coordinates
// saving it.
//
// A Coordinator owns two contexts: the store context, root of the context
// tree and sole user of the store handle, and the main context, its child,
// where callers read and edit. SaveAndWait moves main's edits into the store
// context with a blocking save and then saves the store context, waiting for
// the durable write or not. Scoped child contexts of main give isolated
// edits that can be saved into main or dropped.
//
// Open never returns a partially built coordinator: a model that cannot be
// loaded or a store that cannot be attached yields an *OpenError.
package document
