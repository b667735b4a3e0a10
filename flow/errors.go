package flow

import "errors"

// ErrDuplicateItem is returned when a second instance is created for an item
// that already has one. An item is processed by exactly one workflow run,
// ever; the store enforces this with a unique constraint on item_id.
var ErrDuplicateItem = errors.New("duplicate item: instance already exists")

// ErrNotSuspended is returned when a resume attempt targets an instance that
// is not currently suspended. Duplicate callbacks, double-clicks and losers
// of a resume race all land here; callers treat it as a benign no-op.
var ErrNotSuspended = errors.New("instance is not suspended")

// ErrMalformedToken is returned when a callback token cannot be parsed into
// an action and item id.
var ErrMalformedToken = errors.New("malformed callback token")

// ErrInvariant marks a structural invariant violation (missing registry
// entry for a suspended instance, unknown node in the dispatch table). These
// are bugs, not runtime conditions; the instance is forced to failed with
// this error for operator visibility.
var ErrInvariant = errors.New("invariant violation")

// ErrMaxStepsExceeded indicates a run executed more node transitions than
// the configured ceiling. The fixed topology is loop-free except for the
// edit cycle, so hitting this means a routing bug.
var ErrMaxStepsExceeded = errors.New("run exceeded maximum steps limit")
