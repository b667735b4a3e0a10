package store_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/inboxflow/inboxflow/flow"
	"github.com/inboxflow/inboxflow/flow/store"
)

// storeFactory produces a fresh, empty store for one subtest.
type storeFactory func(t *testing.T) flow.Store

// runStoreContract exercises the Store interface contract against a backend.
// Every implementation must pass the identical suite: the engine's
// correctness arguments (one instance per item, claim CAS, marker
// latching) lean on these semantics regardless of which store is wired.
func runStoreContract(t *testing.T, newStore storeFactory) {
	ctx := context.Background()

	makeInstance := func(n int) flow.Instance {
		return flow.Instance{
			ID:          fmt.Sprintf("wf-%d", n),
			ItemID:      fmt.Sprintf("item-%d", n),
			OwnerID:     "owner-1",
			CurrentNode: flow.NodeExtractContext,
			Status:      flow.StatusRunning,
			Payload:     flow.Payload{Subject: "hello"},
		}
	}

	t.Run("create and load round trip", func(t *testing.T) {
		st := newStore(t)
		inst := makeInstance(1)
		if err := st.CreateInstance(ctx, inst); err != nil {
			t.Fatalf("CreateInstance: %v", err)
		}

		got, err := st.LoadInstance(ctx, inst.ID)
		if err != nil {
			t.Fatalf("LoadInstance: %v", err)
		}
		if got.ItemID != inst.ItemID || got.OwnerID != inst.OwnerID {
			t.Errorf("loaded instance mismatch: %+v", got)
		}
		if got.Payload.Subject != "hello" {
			t.Errorf("payload not persisted: %+v", got.Payload)
		}
		if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
			t.Error("timestamps not set on create")
		}
	})

	t.Run("item instance bijection", func(t *testing.T) {
		st := newStore(t)
		inst := makeInstance(1)
		if err := st.CreateInstance(ctx, inst); err != nil {
			t.Fatalf("CreateInstance: %v", err)
		}

		dup := makeInstance(1)
		dup.ID = "wf-other"
		err := st.CreateInstance(ctx, dup)
		if !errors.Is(err, store.ErrDuplicateItem) {
			t.Fatalf("expected ErrDuplicateItem, got %v", err)
		}

		entry, err := st.LookupItem(ctx, inst.ItemID)
		if err != nil {
			t.Fatalf("LookupItem: %v", err)
		}
		if entry.InstanceID != inst.ID {
			t.Errorf("registry points at %q, want %q", entry.InstanceID, inst.ID)
		}
	})

	t.Run("save requires existing instance", func(t *testing.T) {
		st := newStore(t)
		err := st.SaveInstance(ctx, makeInstance(7))
		if !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("save persists node status and payload", func(t *testing.T) {
		st := newStore(t)
		inst := makeInstance(1)
		if err := st.CreateInstance(ctx, inst); err != nil {
			t.Fatalf("CreateInstance: %v", err)
		}

		inst.CurrentNode = flow.NodeAwaitApproval
		inst.Status = flow.StatusSuspended
		inst.Payload.Category = "Work"
		inst.Payload.StaleMessageIDs = []string{"msg-1"}
		if err := st.SaveInstance(ctx, inst); err != nil {
			t.Fatalf("SaveInstance: %v", err)
		}

		got, err := st.LoadInstance(ctx, inst.ID)
		if err != nil {
			t.Fatalf("LoadInstance: %v", err)
		}
		if got.CurrentNode != flow.NodeAwaitApproval || got.Status != flow.StatusSuspended {
			t.Errorf("checkpoint not persisted: %+v", got)
		}
		if got.Payload.Category != "Work" || len(got.Payload.StaleMessageIDs) != 1 {
			t.Errorf("payload not persisted: %+v", got.Payload)
		}
	})

	t.Run("claim suspended is a compare and set", func(t *testing.T) {
		st := newStore(t)
		inst := makeInstance(1)
		if err := st.CreateInstance(ctx, inst); err != nil {
			t.Fatalf("CreateInstance: %v", err)
		}

		// Running instances cannot be claimed.
		if _, err := st.ClaimSuspended(ctx, inst.ID); !errors.Is(err, store.ErrNotSuspended) {
			t.Fatalf("claim on running: expected ErrNotSuspended, got %v", err)
		}

		inst.Status = flow.StatusSuspended
		inst.CurrentNode = flow.NodeAwaitApproval
		if err := st.SaveInstance(ctx, inst); err != nil {
			t.Fatalf("SaveInstance: %v", err)
		}

		claimed, err := st.ClaimSuspended(ctx, inst.ID)
		if err != nil {
			t.Fatalf("ClaimSuspended: %v", err)
		}
		if claimed.Status != flow.StatusRunning {
			t.Errorf("claimed status = %s, want running", claimed.Status)
		}

		// Second claim loses: exactly one winner per suspension.
		if _, err := st.ClaimSuspended(ctx, inst.ID); !errors.Is(err, store.ErrNotSuspended) {
			t.Fatalf("second claim: expected ErrNotSuspended, got %v", err)
		}

		// Unknown instance is distinguished from an unclaimable one.
		if _, err := st.ClaimSuspended(ctx, "wf-missing"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("claim on missing: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("external message id follows the latest notification", func(t *testing.T) {
		st := newStore(t)
		inst := makeInstance(1)
		if err := st.CreateInstance(ctx, inst); err != nil {
			t.Fatalf("CreateInstance: %v", err)
		}

		if err := st.UpdateExternalMessage(ctx, inst.ItemID, "msg-1"); err != nil {
			t.Fatalf("UpdateExternalMessage: %v", err)
		}
		if err := st.UpdateExternalMessage(ctx, inst.ItemID, "msg-2"); err != nil {
			t.Fatalf("UpdateExternalMessage: %v", err)
		}

		entry, err := st.LookupItem(ctx, inst.ItemID)
		if err != nil {
			t.Fatalf("LookupItem: %v", err)
		}
		if entry.ExternalMessageID != "msg-2" {
			t.Errorf("external message = %q, want msg-2", entry.ExternalMessageID)
		}

		if err := st.UpdateExternalMessage(ctx, "item-404", "msg-3"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for unknown item, got %v", err)
		}
	})

	t.Run("markers latch and version advances", func(t *testing.T) {
		st := newStore(t)
		first := time.Now().UTC().Truncate(time.Millisecond)

		if err := st.SetLabelApplied(ctx, "item-1", first); err != nil {
			t.Fatalf("SetLabelApplied: %v", err)
		}
		// A second write must not move the timestamp.
		if err := st.SetLabelApplied(ctx, "item-1", first.Add(time.Hour)); err != nil {
			t.Fatalf("second SetLabelApplied: %v", err)
		}
		if err := st.SetReplySent(ctx, "item-1", first.Add(time.Minute)); err != nil {
			t.Fatalf("SetReplySent: %v", err)
		}

		mk, err := st.Markers(ctx, "item-1")
		if err != nil {
			t.Fatalf("Markers: %v", err)
		}
		if mk.LabelAppliedAt == nil || !mk.LabelAppliedAt.Equal(first) {
			t.Errorf("label marker moved: %v, want %v", mk.LabelAppliedAt, first)
		}
		if mk.ReplySentAt == nil {
			t.Error("reply marker not set")
		}
		if mk.Version != 2 {
			t.Errorf("version = %d, want 2", mk.Version)
		}

		// Unknown items read as empty markers, not an error.
		empty, err := st.Markers(ctx, "item-never-seen")
		if err != nil {
			t.Fatalf("Markers for unknown item: %v", err)
		}
		if empty.LabelAppliedAt != nil || empty.ReplySentAt != nil || empty.Version != 0 {
			t.Errorf("expected zero markers, got %+v", empty)
		}
	})

	t.Run("dead letters list and resolve", func(t *testing.T) {
		st := newStore(t)
		entry := flow.DeadLetter{
			ID:            "dl-1",
			ItemID:        "item-1",
			OperationType: "apply_label",
			ErrorType:     "unavailable",
			ErrorMessage:  "mail service down",
			RetryCount:    4,
			LastRetryAt:   time.Now().UTC(),
			Context:       map[string]string{"category": "Work"},
		}
		if err := st.SaveDeadLetter(ctx, entry); err != nil {
			t.Fatalf("SaveDeadLetter: %v", err)
		}

		letters, err := st.ListDeadLetters(ctx)
		if err != nil {
			t.Fatalf("ListDeadLetters: %v", err)
		}
		if len(letters) != 1 {
			t.Fatalf("expected 1 entry, got %d", len(letters))
		}
		got := letters[0]
		if got.OperationType != "apply_label" || got.RetryCount != 4 {
			t.Errorf("entry mismatch: %+v", got)
		}
		if got.Context["category"] != "Work" {
			t.Errorf("context not persisted: %+v", got.Context)
		}

		if err := st.ResolveDeadLetter(ctx, "dl-1", "replayed by hand"); err != nil {
			t.Fatalf("ResolveDeadLetter: %v", err)
		}
		letters, err = st.ListDeadLetters(ctx)
		if err != nil {
			t.Fatalf("ListDeadLetters: %v", err)
		}
		if len(letters) != 0 {
			t.Errorf("resolved entry still listed: %d entries", len(letters))
		}

		if err := st.ResolveDeadLetter(ctx, "dl-404", ""); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("list by owner and status", func(t *testing.T) {
		st := newStore(t)
		for n := 1; n <= 3; n++ {
			inst := makeInstance(n)
			if err := st.CreateInstance(ctx, inst); err != nil {
				t.Fatalf("CreateInstance: %v", err)
			}
			if n == 2 {
				inst.Status = flow.StatusSuspended
				if err := st.SaveInstance(ctx, inst); err != nil {
					t.Fatalf("SaveInstance: %v", err)
				}
			}
		}

		running, err := st.ListByOwnerStatus(ctx, "owner-1", flow.StatusRunning)
		if err != nil {
			t.Fatalf("ListByOwnerStatus: %v", err)
		}
		if len(running) != 2 {
			t.Errorf("expected 2 running instances, got %d", len(running))
		}
		suspended, err := st.ListByOwnerStatus(ctx, "owner-1", flow.StatusSuspended)
		if err != nil {
			t.Fatalf("ListByOwnerStatus: %v", err)
		}
		if len(suspended) != 1 {
			t.Errorf("expected 1 suspended instance, got %d", len(suspended))
		}
		none, err := st.ListByOwnerStatus(ctx, "owner-2", flow.StatusRunning)
		if err != nil {
			t.Fatalf("ListByOwnerStatus: %v", err)
		}
		if len(none) != 0 {
			t.Errorf("expected no instances for other owner, got %d", len(none))
		}
	})

	t.Run("list suspended before cutoff", func(t *testing.T) {
		st := newStore(t)
		inst := makeInstance(1)
		if err := st.CreateInstance(ctx, inst); err != nil {
			t.Fatalf("CreateInstance: %v", err)
		}
		inst.Status = flow.StatusSuspended
		if err := st.SaveInstance(ctx, inst); err != nil {
			t.Fatalf("SaveInstance: %v", err)
		}

		past, err := st.ListSuspendedBefore(ctx, time.Now().Add(-time.Hour))
		if err != nil {
			t.Fatalf("ListSuspendedBefore: %v", err)
		}
		if len(past) != 0 {
			t.Errorf("fresh suspension listed as expired: %d entries", len(past))
		}

		future, err := st.ListSuspendedBefore(ctx, time.Now().Add(time.Hour))
		if err != nil {
			t.Fatalf("ListSuspendedBefore: %v", err)
		}
		if len(future) != 1 {
			t.Errorf("expected 1 expired suspension, got %d", len(future))
		}

		// Claiming removes the instance from the expiry view.
		if _, err := st.ClaimSuspended(ctx, inst.ID); err != nil {
			t.Fatalf("ClaimSuspended: %v", err)
		}
		after, err := st.ListSuspendedBefore(ctx, time.Now().Add(time.Hour))
		if err != nil {
			t.Fatalf("ListSuspendedBefore: %v", err)
		}
		if len(after) != 0 {
			t.Errorf("claimed instance still listed: %d entries", len(after))
		}
	})
}
