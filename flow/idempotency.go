package flow

import (
	"context"
	"fmt"
	"time"
)

// Effect names a guarded side effect on an item.
type Effect string

const (
	// EffectLabel is the category label application.
	EffectLabel Effect = "label"

	// EffectReply is the email reply send.
	EffectReply Effect = "reply"
)

// Guard implements the check-then-act-then-mark pattern over the per-item
// idempotency markers.
//
// Side-effecting nodes must not rely on "this node only runs once":
// resume-after-crash and duplicate callbacks can re-execute a node. Guard
// makes re-execution safe: the marker is checked before acting, and set
// immediately after the effect succeeds, so a second execution observes the
// marker and reports "already done" without repeating the effect.
//
// The window between effect and marker write is the irreducible residue of
// talking to an external system that offers no transactions; a crash inside
// it re-executes the effect once. Both guarded effects (labeling, sending a
// threaded reply) are tolerable under that failure mode, and the marker
// write happens before the instance checkpoint so the common case is fully
// covered.
type Guard struct {
	store Store
	now   func() time.Time
}

// NewGuard creates a Guard over the given store.
func NewGuard(st Store) *Guard {
	return &Guard{store: st, now: time.Now}
}

// Done reports whether the effect has already been performed for the item.
func (g *Guard) Done(ctx context.Context, itemID string, effect Effect) (bool, error) {
	mk, err := g.store.Markers(ctx, itemID)
	if err != nil {
		return false, fmt.Errorf("read markers for %s: %w", itemID, err)
	}
	switch effect {
	case EffectLabel:
		return mk.LabelAppliedAt != nil, nil
	case EffectReply:
		return mk.ReplySentAt != nil, nil
	default:
		return false, fmt.Errorf("%w: unknown effect %q", ErrInvariant, effect)
	}
}

// Do performs the effect at most once. It returns performed=false without
// calling act when the marker is already set, otherwise it calls act and,
// on success, sets the marker.
func (g *Guard) Do(ctx context.Context, itemID string, effect Effect, act func(context.Context) error) (performed bool, err error) {
	done, err := g.Done(ctx, itemID, effect)
	if err != nil {
		return false, err
	}
	if done {
		return false, nil
	}

	if err := act(ctx); err != nil {
		return false, err
	}

	at := g.now()
	switch effect {
	case EffectLabel:
		err = g.store.SetLabelApplied(ctx, itemID, at)
	case EffectReply:
		err = g.store.SetReplySent(ctx, itemID, at)
	}
	if err != nil {
		return true, fmt.Errorf("set %s marker for %s: %w", effect, itemID, err)
	}
	return true, nil
}
