package flow_test

import (
	"context"
	"testing"
	"time"

	"github.com/inboxflow/inboxflow/flow"
	"github.com/inboxflow/inboxflow/flow/emit"
)

func TestExpirySweeperResolvesExpiredApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inst, err := f.engine.Start(ctx, "item-1", "owner-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if inst.Status != flow.StatusSuspended {
		t.Fatalf("expected suspended, got %s", inst.Status)
	}

	sweeper := flow.NewExpirySweeper(f.engine, time.Millisecond, flow.DecisionReject)
	time.Sleep(10 * time.Millisecond)
	sweeper.Sweep(ctx)

	got := f.mustLoad(t, inst.ID)
	if got.Status != flow.StatusCompleted {
		t.Fatalf("expected completed after sweep, got %s", got.Status)
	}
	if f.mailer.LabelCount() != 0 {
		t.Errorf("reject default applied a label")
	}
	events := f.emitter.HistoryWithFilter(inst.ID, emit.HistoryFilter{Msg: "suspension_expired"})
	if len(events) != 1 {
		t.Errorf("expected 1 suspension_expired event, got %d", len(events))
	}
}

func TestExpirySweeperApproveDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inst, err := f.engine.Start(ctx, "item-1", "owner-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	sweeper := flow.NewExpirySweeper(f.engine, time.Millisecond, flow.DecisionApprove)
	time.Sleep(10 * time.Millisecond)
	sweeper.Sweep(ctx)

	got := f.mustLoad(t, inst.ID)
	if got.Status != flow.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if f.mailer.LabelCount() != 1 {
		t.Errorf("approve default should apply the proposed label, got %d", f.mailer.LabelCount())
	}
}

func TestExpirySweeperClampsAtDraftDecision(t *testing.T) {
	f := newFixture(t)
	f.classifier.Result.NeedsResponse = true
	ctx := context.Background()

	inst, err := f.engine.Start(ctx, "item-1", "owner-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if inst.CurrentNode != flow.NodeAwaitDraftDecision {
		t.Fatalf("expected suspension at await_draft_decision, got %s", inst.CurrentNode)
	}

	// Approve is not a valid draft decision; the sweeper must fall back to
	// reject rather than bounce the suspension.
	sweeper := flow.NewExpirySweeper(f.engine, time.Millisecond, flow.DecisionApprove)
	time.Sleep(10 * time.Millisecond)
	sweeper.Sweep(ctx)

	got := f.mustLoad(t, inst.ID)
	if got.Status != flow.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if f.mailer.SendCount() != 0 {
		t.Errorf("clamped reject sent a reply")
	}
	if f.mailer.LabelCount() != 1 {
		t.Errorf("rejecting a draft should still sort the item, got %d labels", f.mailer.LabelCount())
	}
}

func TestExpirySweeperLeavesFreshSuspensionsAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inst, err := f.engine.Start(ctx, "item-1", "owner-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	sweeper := flow.NewExpirySweeper(f.engine, time.Hour, flow.DecisionReject)
	sweeper.Sweep(ctx)

	got := f.mustLoad(t, inst.ID)
	if got.Status != flow.StatusSuspended {
		t.Errorf("fresh suspension resolved early: %s", got.Status)
	}
}

func TestExpirySweeperZeroTTLNeverRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.Start(ctx, "item-1", "owner-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sweeper := flow.NewExpirySweeper(f.engine, 0, flow.DecisionReject)
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run with zero TTL did not return immediately")
	}
}
