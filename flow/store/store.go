// Package store provides the durable implementations of flow.Store:
// an in-memory store for tests and development, a single-file SQLite store,
// and a MySQL store for multi-process production deployments.
//
// All three honor the same atomicity contracts: instance and registry entry
// are created in one transaction, and the suspended→running claim is a
// compare-and-swap that exactly one concurrent caller wins.
package store

import "github.com/inboxflow/inboxflow/flow"

// Sentinel errors, re-exported from the flow package for convenience at
// call sites that only import the store.
var (
	ErrNotFound      = flow.ErrNotFound
	ErrDuplicateItem = flow.ErrDuplicateItem
	ErrNotSuspended  = flow.ErrNotSuspended
)
