package flow

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a requested instance, registry
// entry or dead-letter entry does not exist.
var ErrNotFound = errors.New("not found")

// Store is the durable persistence contract the engine owns.
//
// There is no framework-managed checkpointing and no hidden serialization:
// every instance mutation that matters to crash recovery goes through
// SaveInstance, and the operations whose atomicity the engine's invariants
// depend on (instance+registry creation, the suspended→running claim) are
// single calls so implementations can wrap them in one transaction.
//
// Implementations live in the flow/store package and must be safe for
// concurrent use by the worker pool.
type Store interface {
	// CreateInstance atomically persists a new instance together with its
	// registry entry. Returns ErrDuplicateItem if an instance already
	// exists for the item — the unique constraint that enforces the
	// one-run-per-item invariant.
	CreateInstance(ctx context.Context, inst Instance) error

	// SaveInstance writes a checkpoint: current node, status and payload,
	// replacing the previous snapshot.
	SaveInstance(ctx context.Context, inst Instance) error

	// LoadInstance retrieves an instance by id. Returns ErrNotFound when it
	// does not exist.
	LoadInstance(ctx context.Context, instanceID string) (Instance, error)

	// LookupItem resolves an item id to its registry entry in O(1).
	LookupItem(ctx context.Context, itemID string) (RegistryEntry, error)

	// UpdateExternalMessage records the most recent outbound approval
	// message for an item.
	UpdateExternalMessage(ctx context.Context, itemID, externalMessageID string) error

	// ClaimSuspended transitions the instance from suspended to running if
	// and only if it is currently suspended, returning the claimed
	// snapshot. This compare-and-swap is the per-instance serialization
	// point for racing resume attempts: the single winner proceeds, every
	// other racer gets ErrNotSuspended.
	ClaimSuspended(ctx context.Context, instanceID string) (Instance, error)

	// Markers reads the idempotency markers for an item. A missing row
	// reads as zero markers, not an error.
	Markers(ctx context.Context, itemID string) (Markers, error)

	// SetLabelApplied sets the label-applied marker, bumping the marker
	// version. Setting an already-set marker is a no-op.
	SetLabelApplied(ctx context.Context, itemID string, at time.Time) error

	// SetReplySent sets the reply-sent marker, bumping the marker version.
	// Idempotent like SetLabelApplied.
	SetReplySent(ctx context.Context, itemID string, at time.Time) error

	// SaveDeadLetter appends a dead-letter entry.
	SaveDeadLetter(ctx context.Context, entry DeadLetter) error

	// ListDeadLetters returns unresolved entries, oldest first.
	ListDeadLetters(ctx context.Context) ([]DeadLetter, error)

	// ResolveDeadLetter marks an entry resolved with operator notes.
	ResolveDeadLetter(ctx context.Context, id, notes string) error

	// ListByOwnerStatus returns instances for one owner in one status,
	// backing operational queries like "all suspended instances for user X".
	ListByOwnerStatus(ctx context.Context, ownerID string, status Status) ([]Instance, error)

	// ListSuspendedBefore returns instances suspended since before the
	// cutoff, for the optional expiry sweep.
	ListSuspendedBefore(ctx context.Context, cutoff time.Time) ([]Instance, error)
}
