package flow_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/inboxflow/inboxflow/flow"
	"github.com/inboxflow/inboxflow/flow/collab"
	"github.com/inboxflow/inboxflow/flow/emit"
	"github.com/inboxflow/inboxflow/flow/store"
)

// fixture wires an engine over a shared in-memory store with mocked
// collaborators. Retry delays are shrunk to microseconds so exhaustion
// scenarios run fast.
type fixture struct {
	store      *store.MemStore
	mailer     *collab.MockMailer
	messenger  *collab.MockMessenger
	classifier *collab.MockClassifier
	drafter    *collab.MockDrafter
	emitter    *emit.BufferedEmitter
	engine     *flow.Engine
}

func fastRetry() *flow.RetryExecutor {
	return &flow.RetryExecutor{
		MaxRetries: 3,
		BaseDelay:  time.Microsecond,
		Multiplier: 2,
		MaxDelay:   8 * time.Microsecond,
	}
}

func testCategories() []string {
	return []string{"Work", "Finance", "Newsletter", "Travel", "Inbox"}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: store.NewMemStore(),
		mailer: &collab.MockMailer{
			Content: collab.Content{
				From:      "alice@example.com",
				To:        "owner@example.com",
				Subject:   "Project update",
				Body:      "Status report attached.",
				ThreadRef: "thread-1",
			},
		},
		messenger: &collab.MockMessenger{},
		classifier: &collab.MockClassifier{
			Result: collab.Classification{
				Category:      "Work",
				PriorityScore: 40,
				Reasoning:     "project correspondence",
			},
		},
		drafter: &collab.MockDrafter{Text: "Thanks, I will review this today."},
		emitter: emit.NewBufferedEmitter(),
	}
	engine, err := flow.NewEngine(f.store, flow.Collaborators{
		Mailer:     f.mailer,
		Messenger:  f.messenger,
		Classifier: f.classifier,
		Drafter:    f.drafter,
	}, f.emitter, flow.Options{
		Categories: testCategories(),
		Retry:      fastRetry(),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	f.engine = engine
	return f
}

func (f *fixture) callback(t *testing.T, token, issuer string) flow.Ack {
	t.Helper()
	ack, err := f.engine.HandleCallback(context.Background(), flow.Callback{
		Token:    token,
		IssuerID: issuer,
	})
	if err != nil {
		t.Fatalf("HandleCallback(%q): %v", token, err)
	}
	return ack
}

func (f *fixture) mustLoad(t *testing.T, instanceID string) flow.Instance {
	t.Helper()
	inst, err := f.store.LoadInstance(context.Background(), instanceID)
	if err != nil {
		t.Fatalf("LoadInstance: %v", err)
	}
	return inst
}

func TestEngineApprovalFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inst, err := f.engine.Start(ctx, "item-1", "owner-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if inst.Status != flow.StatusSuspended {
		t.Fatalf("expected suspended, got %s", inst.Status)
	}
	if inst.CurrentNode != flow.NodeAwaitApproval {
		t.Fatalf("expected suspension at await_approval, got %s", inst.CurrentNode)
	}
	if inst.Payload.Category != "Work" {
		t.Errorf("expected category Work, got %q", inst.Payload.Category)
	}
	if f.messenger.NotifyCount() != 1 {
		t.Fatalf("expected 1 notification, got %d", f.messenger.NotifyCount())
	}

	ack := f.callback(t, "approve_item-1", "owner-1")
	if !ack.OK || ack.Message != "done" {
		t.Fatalf("expected done ack, got %+v", ack)
	}

	final := f.mustLoad(t, inst.ID)
	if final.Status != flow.StatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	if got := f.mailer.LabelCount(); got != 1 {
		t.Fatalf("expected exactly 1 label application, got %d", got)
	}
	if f.mailer.Labels[0] != "item-1:Work" {
		t.Errorf("unexpected label %q", f.mailer.Labels[0])
	}
	if !strings.Contains(final.Payload.FinalAction, "sorted into Work") {
		t.Errorf("unexpected final action %q", final.Payload.FinalAction)
	}

	// Approval message plus confirmation summary.
	if f.messenger.NotifyCount() != 2 {
		t.Errorf("expected 2 notifications, got %d", f.messenger.NotifyCount())
	}
	// The approval message is stale once the decision landed.
	if len(f.messenger.Deletes) != 1 {
		t.Errorf("expected 1 stale message deletion, got %d", len(f.messenger.Deletes))
	}

	t.Run("duplicate callback is acknowledged without re-labeling", func(t *testing.T) {
		ack := f.callback(t, "approve_item-1", "owner-1")
		if ack.OK || ack.Message != "already handled" {
			t.Fatalf("expected already-handled ack, got %+v", ack)
		}
		if got := f.mailer.LabelCount(); got != 1 {
			t.Errorf("label applied again: %d applications", got)
		}
	})
}

func TestEngineDuplicateItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.Start(ctx, "item-1", "owner-1"); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	_, err := f.engine.Start(ctx, "item-1", "owner-1")
	if !errors.Is(err, flow.ErrDuplicateItem) {
		t.Fatalf("expected ErrDuplicateItem, got %v", err)
	}
	if f.messenger.NotifyCount() != 1 {
		t.Errorf("duplicate start produced a notification: %d total", f.messenger.NotifyCount())
	}
}

func TestEngineChangeCategory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inst, err := f.engine.Start(ctx, "item-1", "owner-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	ack := f.callback(t, "Finance_item-1", "owner-1")
	if !ack.OK {
		t.Fatalf("expected ok ack, got %+v", ack)
	}

	final := f.mustLoad(t, inst.ID)
	if final.Status != flow.StatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	if final.Payload.CategoryOverride != "Finance" {
		t.Errorf("expected override Finance, got %q", final.Payload.CategoryOverride)
	}
	if f.mailer.Labels[0] != "item-1:Finance" {
		t.Errorf("expected Finance label, got %q", f.mailer.Labels[0])
	}
}

func TestEngineRejectProposal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inst, err := f.engine.Start(ctx, "item-1", "owner-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	ack := f.callback(t, "reject_item-1", "owner-1")
	if !ack.OK {
		t.Fatalf("expected ok ack, got %+v", ack)
	}

	final := f.mustLoad(t, inst.ID)
	if final.Status != flow.StatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	if got := f.mailer.LabelCount(); got != 0 {
		t.Errorf("rejected proposal still applied %d labels", got)
	}
	if !strings.Contains(final.Payload.FinalAction, "kept unsorted") {
		t.Errorf("unexpected final action %q", final.Payload.FinalAction)
	}
}

func TestEngineDraftFlow(t *testing.T) {
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
	if inst.Payload.DraftText == "" {
		t.Fatal("expected a draft in the payload")
	}

	t.Run("edit replaces the draft and re-suspends", func(t *testing.T) {
		ack, err := f.engine.HandleCallback(ctx, flow.Callback{
			Token:    "edit_item-1",
			IssuerID: "owner-1",
			Text:     "Revised: see you Thursday.",
		})
		if err != nil {
			t.Fatalf("HandleCallback: %v", err)
		}
		if !ack.OK {
			t.Fatalf("expected ok ack, got %+v", ack)
		}

		after := f.mustLoad(t, inst.ID)
		if after.Status != flow.StatusSuspended || after.CurrentNode != flow.NodeAwaitDraftDecision {
			t.Fatalf("expected re-suspension at await_draft_decision, got %s/%s", after.Status, after.CurrentNode)
		}
		if after.Payload.DraftText != "Revised: see you Thursday." {
			t.Errorf("draft not replaced: %q", after.Payload.DraftText)
		}
		// The review message is edited in place, not re-posted.
		if len(f.messenger.Edits) != 1 {
			t.Errorf("expected 1 message edit, got %d", len(f.messenger.Edits))
		}
		if f.messenger.NotifyCount() != 1 {
			t.Errorf("edit loop posted a new message: %d notifications", f.messenger.NotifyCount())
		}
	})

	t.Run("send delivers the reply once and completes", func(t *testing.T) {
		ack := f.callback(t, "send_item-1", "owner-1")
		if !ack.OK {
			t.Fatalf("expected ok ack, got %+v", ack)
		}

		final := f.mustLoad(t, inst.ID)
		if final.Status != flow.StatusCompleted {
			t.Fatalf("expected completed, got %s", final.Status)
		}
		if got := f.mailer.SendCount(); got != 1 {
			t.Fatalf("expected exactly 1 reply, got %d", got)
		}
		if !strings.Contains(f.mailer.Sends[0], "Revised: see you Thursday.") {
			t.Errorf("reply did not use the edited draft: %q", f.mailer.Sends[0])
		}
		if got := f.mailer.LabelCount(); got != 1 {
			t.Errorf("expected 1 label application, got %d", got)
		}
		if !strings.Contains(final.Payload.FinalAction, "reply sent") {
			t.Errorf("unexpected final action %q", final.Payload.FinalAction)
		}
	})
}

func TestEngineRejectDraftStillSorts(t *testing.T) {
	f := newFixture(t)
	f.classifier.Result.NeedsResponse = true
	ctx := context.Background()

	inst, err := f.engine.Start(ctx, "item-1", "owner-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	ack := f.callback(t, "reject_item-1", "owner-1")
	if !ack.OK {
		t.Fatalf("expected ok ack, got %+v", ack)
	}

	final := f.mustLoad(t, inst.ID)
	if final.Status != flow.StatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	if got := f.mailer.SendCount(); got != 0 {
		t.Errorf("rejected draft was sent %d times", got)
	}
	// The category was part of the reviewed proposal; discarding the reply
	// does not discard the sort.
	if got := f.mailer.LabelCount(); got != 1 {
		t.Errorf("expected 1 label application, got %d", got)
	}
	if !strings.Contains(final.Payload.FinalAction, "reply discarded") {
		t.Errorf("unexpected final action %q", final.Payload.FinalAction)
	}
}

func TestEngineClassifierFallback(t *testing.T) {
	f := newFixture(t)
	timeout := collab.NewError(collab.KindTimeout, "classify", "upstream timeout", nil)
	f.classifier.Errs = []error{timeout, timeout, timeout, timeout}
	f.mailer.Content.Subject = "Invoice for project meeting"
	ctx := context.Background()

	inst, err := f.engine.Start(ctx, "item-1", "owner-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if f.classifier.Calls != 4 {
		t.Errorf("expected 4 classifier attempts, got %d", f.classifier.Calls)
	}
	if !inst.Payload.FallbackClassified {
		t.Error("expected fallback classification flag")
	}
	if inst.Payload.Category == "" {
		t.Error("fallback produced no category")
	}
	if inst.Status != flow.StatusSuspended {
		t.Fatalf("expected suspension despite classifier outage, got %s", inst.Status)
	}

	// The pipeline still completes from the fallback proposal.
	ack := f.callback(t, "approve_item-1", "owner-1")
	if !ack.OK {
		t.Fatalf("expected ok ack, got %+v", ack)
	}
	final := f.mustLoad(t, inst.ID)
	if final.Status != flow.StatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
}

func TestEngineResumeAfterRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inst, err := f.engine.Start(ctx, "item-1", "owner-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// A fresh engine over the same store stands in for a restarted process:
	// nothing survives but the checkpoints.
	engine2, err := flow.NewEngine(f.store, flow.Collaborators{
		Mailer:     f.mailer,
		Messenger:  f.messenger,
		Classifier: f.classifier,
		Drafter:    f.drafter,
	}, emit.NewNullEmitter(), flow.Options{
		Categories: testCategories(),
		Retry:      fastRetry(),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	ack, err := engine2.HandleCallback(ctx, flow.Callback{Token: "approve_item-1", IssuerID: "owner-1"})
	if err != nil {
		t.Fatalf("HandleCallback after restart: %v", err)
	}
	if !ack.OK {
		t.Fatalf("expected ok ack, got %+v", ack)
	}

	final := f.mustLoad(t, inst.ID)
	if final.Status != flow.StatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	if got := f.mailer.LabelCount(); got != 1 {
		t.Errorf("expected 1 label application, got %d", got)
	}
}

func TestEngineCallbackAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inst, err := f.engine.Start(ctx, "item-1", "owner-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	ack := f.callback(t, "approve_item-1", "intruder")
	if ack.OK || ack.Message != "not authorized" {
		t.Fatalf("expected not-authorized ack, got %+v", ack)
	}

	// The suspension must be untouched: the rightful owner can still decide.
	after := f.mustLoad(t, inst.ID)
	if after.Status != flow.StatusSuspended {
		t.Fatalf("unauthorized callback consumed the suspension: %s", after.Status)
	}
	if got := f.mailer.LabelCount(); got != 0 {
		t.Errorf("unauthorized callback applied %d labels", got)
	}

	ack = f.callback(t, "approve_item-1", "owner-1")
	if !ack.OK {
		t.Fatalf("owner callback rejected after intrusion attempt: %+v", ack)
	}
}

func TestEngineCallbackValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.Start(ctx, "item-1", "owner-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"no underscore", "approve"},
		{"unknown verb", "destroy_item-1"},
		{"decision invalid at suspension point", "send_item-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := f.callback(t, tt.token, "owner-1")
			if ack.OK || ack.Message != "invalid request" {
				t.Fatalf("expected invalid-request ack, got %+v", ack)
			}
		})
	}

	// None of the invalid callbacks may have consumed the suspension.
	entry, err := f.store.LookupItem(ctx, "item-1")
	if err != nil {
		t.Fatalf("LookupItem: %v", err)
	}
	after := f.mustLoad(t, entry.InstanceID)
	if after.Status != flow.StatusSuspended {
		t.Fatalf("invalid callbacks mutated the instance: %s", after.Status)
	}
}

func TestEngineCallbackUnknownItem(t *testing.T) {
	f := newFixture(t)

	// An item with no registry entry may have been swept away long ago. The
	// issuer gets the same no-op answer as for a consumed suspension.
	ack := f.callback(t, "approve_item-404", "owner-1")
	if ack.OK || ack.Message != "already handled" {
		t.Fatalf("expected already-handled ack, got %+v", ack)
	}
}

func TestEngineResumeFailureAck(t *testing.T) {
	f := newFixture(t)
	f.mailer.LabelErrs = []error{
		collab.NewError(collab.KindBlocked, "label", "label forbidden", nil),
	}
	ctx := context.Background()

	inst, err := f.engine.Start(ctx, "item-1", "owner-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	ack, err := f.engine.HandleCallback(ctx, flow.Callback{
		Token:    "approve_item-1",
		IssuerID: "owner-1",
	})
	if err == nil {
		t.Fatal("expected error from failed resume")
	}
	if ack.OK {
		t.Error("failed resume acked OK")
	}
	if ack.Message != "failed, operator notified" {
		t.Errorf("unexpected ack message %q", ack.Message)
	}

	final := f.mustLoad(t, inst.ID)
	if final.Status != flow.StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}

	// Sort proposal first, then the failure note.
	if got := f.messenger.NotifyCount(); got != 2 {
		t.Fatalf("expected 2 notifications, got %d", got)
	}
	if note := f.messenger.Notifications[1]; !strings.Contains(note, "Processing failed") {
		t.Errorf("failure note missing from %q", note)
	}
}

func TestEngineNotifyExhaustionDeadLetters(t *testing.T) {
	f := newFixture(t)
	unavailable := collab.NewError(collab.KindUnavailable, "notify", "channel down", nil)
	f.messenger.NotifyErrs = []error{unavailable, unavailable, unavailable, unavailable}
	ctx := context.Background()

	inst, err := f.engine.Start(ctx, "item-1", "owner-1")
	if err == nil {
		t.Fatal("expected error from exhausted notification")
	}

	final := f.mustLoad(t, inst.ID)
	if final.Status != flow.StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.Payload.ErrorDetail == "" {
		t.Error("expected error detail on failed instance")
	}

	letters, err := f.store.ListDeadLetters(ctx)
	if err != nil {
		t.Fatalf("ListDeadLetters: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(letters))
	}
	dl := letters[0]
	if dl.OperationType != "notify_sort_proposal" {
		t.Errorf("unexpected operation type %q", dl.OperationType)
	}
	if dl.ErrorType != string(collab.KindUnavailable) {
		t.Errorf("unexpected error type %q", dl.ErrorType)
	}
	if dl.RetryCount != 4 {
		t.Errorf("expected 4 recorded attempts, got %d", dl.RetryCount)
	}

	// The proposal burned every queued error, so the failure note went through.
	if got := f.messenger.NotifyCount(); got != 1 {
		t.Fatalf("expected 1 notification, got %d", got)
	}
	if note := f.messenger.Notifications[0]; !strings.Contains(note, "Processing failed") {
		t.Errorf("failure note missing from %q", note)
	}
}

func TestEnginePermanentFetchFailure(t *testing.T) {
	f := newFixture(t)
	f.mailer.FetchErrs = []error{
		collab.NewError(collab.KindInvalidInput, "fetch", "item gone", nil),
	}
	ctx := context.Background()

	inst, err := f.engine.Start(ctx, "item-1", "owner-1")
	if err == nil {
		t.Fatal("expected error from permanent fetch failure")
	}

	// Permanent errors must not burn the retry budget.
	if got := len(f.mailer.Fetches); got != 1 {
		t.Errorf("expected 1 fetch attempt, got %d", got)
	}
	final := f.mustLoad(t, inst.ID)
	if final.Status != flow.StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if got := f.messenger.NotifyCount(); got != 1 {
		t.Fatalf("expected 1 notification, got %d", got)
	}
	if note := f.messenger.Notifications[0]; !strings.Contains(note, "Processing failed") {
		t.Errorf("failure note missing from %q", note)
	}
}

func TestEngineLabelRetryThenSuccess(t *testing.T) {
	f := newFixture(t)
	rateLimit := collab.NewError(collab.KindRateLimit, "label", "throttled", nil)
	f.mailer.LabelErrs = []error{rateLimit, rateLimit}
	ctx := context.Background()

	inst, err := f.engine.Start(ctx, "item-1", "owner-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ack := f.callback(t, "approve_item-1", "owner-1")
	if !ack.OK {
		t.Fatalf("expected ok ack, got %+v", ack)
	}

	final := f.mustLoad(t, inst.ID)
	if final.Status != flow.StatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	if got := f.mailer.LabelCount(); got != 1 {
		t.Errorf("expected 1 successful label application, got %d", got)
	}
	marks, err := f.store.Markers(ctx, "item-1")
	if err != nil {
		t.Fatalf("Markers: %v", err)
	}
	if marks.LabelAppliedAt == nil {
		t.Error("label marker not set")
	}
}

func TestEngineEmitsLifecycleEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inst, err := f.engine.Start(ctx, "item-1", "owner-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.callback(t, "approve_item-1", "owner-1")

	history := f.emitter.History(inst.ID)
	var msgs []string
	for _, ev := range history {
		msgs = append(msgs, ev.Msg)
	}
	for _, want := range []string{"started", "suspended", "resumed", "completed"} {
		found := false
		for _, msg := range msgs {
			if msg == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("missing %q event in %v", want, msgs)
		}
	}
}

func TestEngineCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inst, err := f.engine.Start(ctx, "item-1", "owner-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	cancelled, err := f.engine.Cancel(ctx, inst.ID, "mailbox deprovisioned")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != flow.StatusFailed {
		t.Fatalf("expected failed, got %s", cancelled.Status)
	}
	if !strings.Contains(cancelled.Payload.ErrorDetail, "mailbox deprovisioned") {
		t.Errorf("reason not recorded: %q", cancelled.Payload.ErrorDetail)
	}
	if got := f.messenger.NotifyCount(); got != 2 {
		t.Fatalf("expected proposal plus failure note, got %d notifications", got)
	}
	if note := f.messenger.Notifications[1]; !strings.Contains(note, "cancelled") {
		t.Errorf("failure note missing the reason: %q", note)
	}

	t.Run("late callback sees already handled", func(t *testing.T) {
		ack := f.callback(t, "approve_item-1", "owner-1")
		if ack.OK || ack.Message != "already handled" {
			t.Fatalf("expected already-handled ack, got %+v", ack)
		}
		if f.mailer.LabelCount() != 0 {
			t.Errorf("cancelled instance applied a label")
		}
	})

	t.Run("cancel of a terminal instance fails", func(t *testing.T) {
		if _, err := f.engine.Cancel(ctx, inst.ID, "again"); !errors.Is(err, flow.ErrNotSuspended) {
			t.Errorf("expected ErrNotSuspended, got %v", err)
		}
	})
}
