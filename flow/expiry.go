package flow

import (
	"context"
	"time"
)

// ExpirySweeper optionally resolves suspensions that have waited too long.
// It is off unless explicitly constructed and started: the default posture
// is that suspensions wait indefinitely, since an unanswered question is
// the owner's to answer, not the system's.
//
// When running, the sweeper periodically claims instances suspended longer
// than TTL and resumes them with the configured default decision, exactly
// as if the owner had pressed that button.
type ExpirySweeper struct {
	engine *Engine
	store  Store

	// TTL is how long a suspension may wait before the sweeper resolves it.
	TTL time.Duration

	// Interval is the sweep period. Default: TTL/10, floored at one minute.
	Interval time.Duration

	// Default is the decision applied to expired suspensions. It must be
	// valid at both suspension points; DecisionReject is the conservative
	// choice (keep the item untouched, discard the draft). DecisionApprove
	// accepts proposals but is not valid at the draft decision, where the
	// sweeper falls back to reject.
	Default Decision

	now func() time.Time
}

// NewExpirySweeper creates a sweeper. A zero ttl disables sweeping entirely:
// Run returns immediately.
func NewExpirySweeper(engine *Engine, ttl time.Duration, def Decision) *ExpirySweeper {
	if def == "" {
		def = DecisionReject
	}
	return &ExpirySweeper{
		engine:  engine,
		store:   engine.store,
		TTL:     ttl,
		Default: def,
		now:     time.Now,
	}
}

// Run sweeps until ctx is cancelled. Call in its own goroutine.
func (s *ExpirySweeper) Run(ctx context.Context) {
	if s.TTL <= 0 {
		return
	}
	interval := s.Interval
	if interval <= 0 {
		interval = s.TTL / 10
		if interval < time.Minute {
			interval = time.Minute
		}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass, resolving every expired suspension. Exported so
// operators and tests can trigger a pass directly.
func (s *ExpirySweeper) Sweep(ctx context.Context) {
	cutoff := s.now().Add(-s.TTL)
	expired, err := s.store.ListSuspendedBefore(ctx, cutoff)
	if err != nil {
		return
	}
	for _, inst := range expired {
		s.resolve(ctx, inst)
	}
}

func (s *ExpirySweeper) resolve(ctx context.Context, inst Instance) {
	claimed, err := s.engine.store.ClaimSuspended(ctx, inst.ID)
	if err != nil {
		// ErrNotSuspended means a real callback won the race, which is the
		// preferred outcome; anything else retries on the next pass.
		return
	}

	// Clamp the default to a decision valid at this suspension point so an
	// expired suspension can never bounce.
	decision := s.Default
	switch claimed.CurrentNode {
	case NodeAwaitApproval:
		if decision != DecisionApprove {
			decision = DecisionReject
		}
	case NodeAwaitDraftDecision:
		if decision != DecisionSend {
			decision = DecisionReject
		}
	}
	s.engine.emit(claimed, claimed.CurrentNode, "suspension_expired", map[string]interface{}{
		"decision": string(decision),
	})
	// Resume handles checkpointing and failure recording; an error here is
	// already on the instance.
	_, _ = s.engine.Resume(ctx, claimed, decision, "", "")
}
