package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/inboxflow/inboxflow/flow/collab"
)

// Node implementations. Each node is re-entrant: a crash after its
// checkpoint re-executes the next node, a crash before it re-executes the
// node itself, and the idempotency guards make the side-effecting nodes
// safe under that re-execution.

// doRetry runs fn under the retry executor and records retry metrics.
func (e *Engine) doRetry(ctx context.Context, op string, fn func(context.Context) error) (int, error) {
	attempts, err := e.retry.Do(ctx, op, fn)
	if e.metrics != nil && attempts > 1 {
		e.metrics.RetriesObserved(op, attempts-1)
	}
	return attempts, err
}

// extractContext loads the item content from the mail service. Content is
// persisted into the payload so later nodes never re-fetch.
func (e *Engine) extractContext(ctx context.Context, inst Instance) NodeResult {
	var content collab.Content
	_, err := e.doRetry(ctx, "fetch_content", func(ctx context.Context) error {
		var ferr error
		content, ferr = e.mailer.Fetch(ctx, inst.ItemID)
		return ferr
	})
	if err != nil {
		// Without content nothing downstream can proceed.
		return NodeResult{Err: fmt.Errorf("extract context for item %s: %w", inst.ItemID, err)}
	}
	return NodeResult{
		Delta: Payload{
			From:      content.From,
			To:        content.To,
			Subject:   content.Subject,
			Body:      content.Body,
			ThreadRef: content.ThreadRef,
		},
		Route: Goto(NodeClassify),
	}
}

// classify obtains the category, priority and needs-response verdict.
// Classifier exhaustion degrades to the rule-based fallback rather than
// failing the instance: a lower-quality proposal the human can correct
// beats a stuck item.
func (e *Engine) classify(ctx context.Context, inst Instance) NodeResult {
	content := inst.Payload.content()

	var cls collab.Classification
	_, err := e.doRetry(ctx, "classify", func(ctx context.Context) error {
		var cerr error
		cls, cerr = e.classifier.Classify(ctx, content, e.opts.Categories)
		return cerr
	})
	if err != nil {
		cls, _ = e.fallback.Classify(ctx, content, e.opts.Categories)
		e.emit(inst, NodeClassify, "fallback_classification", map[string]interface{}{
			"error": err.Error(),
		})
		if e.metrics != nil {
			e.metrics.FallbackClassified()
		}
	}

	delta := Payload{
		Category:           cls.Category,
		PriorityScore:      cls.PriorityScore,
		Reasoning:          cls.Reasoning,
		NeedsResponse:      cls.NeedsResponse,
		FallbackClassified: cls.Fallback,
	}
	if cls.NeedsResponse {
		return NodeResult{Delta: delta, Route: Goto(NodeGenerateResponse)}
	}
	return NodeResult{Delta: delta, Route: Goto(NodeSendSortProposal)}
}

// evaluatePolicy applies the priority policy exactly once per instance and
// returns the delta carrying the outcome. Re-executions after a crash reuse
// the recorded outcome so notification behavior stays deterministic.
func (e *Engine) evaluatePolicy(p Payload) Payload {
	if p.PolicyEvaluated {
		return Payload{}
	}
	score, immediate := e.priority.Evaluate(p)
	return Payload{
		PriorityScore:     score,
		NotifyImmediately: immediate,
		PolicyEvaluated:   true,
	}
}

// sendSortProposal sends the category approval request and suspends at
// await_approval.
func (e *Engine) sendSortProposal(ctx context.Context, inst Instance) NodeResult {
	delta := e.evaluatePolicy(inst.Payload)
	payload := mergePayload(inst.Payload, delta)

	text := fmt.Sprintf("New mail from %s: %q\nProposed category: %s (%s)",
		payload.From, payload.Subject, payload.Category, payload.Reasoning)
	actions := e.proposalActions(inst.ItemID, payload.Category)

	msgID, ndelta, err := e.notify(ctx, inst, "notify_sort_proposal", payload, text, actions)
	if err != nil {
		return NodeResult{Delta: delta, Err: err}
	}
	delta = mergePayload(delta, ndelta)

	if msgID != "" {
		if uerr := e.store.UpdateExternalMessage(ctx, inst.ItemID, msgID); uerr != nil {
			return NodeResult{Delta: delta, Err: fmt.Errorf("register message for item %s: %w", inst.ItemID, uerr)}
		}
	}
	return NodeResult{Delta: delta, Route: SuspendAt(NodeAwaitApproval)}
}

// proposalActions builds the action buttons for a sort proposal: approve,
// reject, plus one change-category action per alternative category.
func (e *Engine) proposalActions(itemID, proposed string) []collab.Action {
	actions := []collab.Action{
		{Label: "Approve", Token: Token("approve", itemID)},
		{Label: "Reject", Token: Token("reject", itemID)},
	}
	for _, cat := range e.opts.Categories {
		if strings.EqualFold(cat, proposed) {
			continue
		}
		actions = append(actions, collab.Action{
			Label: "Move to " + cat,
			Token: Token(cat, itemID),
		})
	}
	return actions
}

// notify delivers a message to the owner, honoring the batching policy and
// dead-lettering on exhaustion. Returns the new external message id and the
// payload delta tracking it for later cleanup.
func (e *Engine) notify(ctx context.Context, inst Instance, op string, payload Payload, text string, actions []collab.Action) (string, Payload, error) {
	if !payload.NotifyImmediately {
		text = "[digest] " + text
	}

	var msgID string
	attempts, err := e.doRetry(ctx, op, func(ctx context.Context) error {
		var nerr error
		msgID, nerr = e.messenger.Notify(ctx, inst.OwnerID, text, actions)
		return nerr
	})
	if err != nil {
		e.deadLetter(ctx, inst, op, attempts, err, map[string]string{
			"owner_id": inst.OwnerID,
			"text":     text,
		})
		return "", Payload{}, fmt.Errorf("%s for item %s: %w", op, inst.ItemID, err)
	}
	return msgID, Payload{StaleMessageIDs: []string{msgID}}, nil
}

// executeAction applies the chosen category label, or skips it for a
// rejected sort proposal. The label application is idempotency-guarded so a
// crash-and-replay never labels twice.
func (e *Engine) executeAction(ctx context.Context, inst Instance) NodeResult {
	p := inst.Payload

	// A reject at the sort proposal keeps the item untouched. A reject at
	// the draft decision discards only the reply; the category (already
	// shown alongside the draft) still gets applied.
	if p.Decision == DecisionReject && !p.NeedsResponse {
		return NodeResult{
			Delta: Payload{FinalAction: "kept unsorted at your request"},
			Route: Goto(NodeSendConfirmation),
		}
	}

	category := p.ChosenCategory()
	performed, err := e.guard.Do(ctx, inst.ItemID, EffectLabel, func(ctx context.Context) error {
		attempts, rerr := e.doRetry(ctx, "apply_label", func(ctx context.Context) error {
			return e.mailer.ApplyLabel(ctx, inst.ItemID, category)
		})
		if rerr != nil {
			e.deadLetter(ctx, inst, "apply_label", attempts, rerr, map[string]string{
				"item_id":  inst.ItemID,
				"category": category,
			})
		}
		return rerr
	})
	if err != nil {
		return NodeResult{Err: fmt.Errorf("apply label %q to item %s: %w", category, inst.ItemID, err)}
	}
	if !performed {
		e.emit(inst, NodeExecuteAction, "label_skipped_applied", nil)
	}

	final := "sorted into " + category
	switch {
	case p.Decision == DecisionReject:
		final += ", reply discarded"
	case p.Decision == DecisionSend:
		final += ", reply sent"
	}
	return NodeResult{
		Delta: Payload{FinalAction: final},
		Route: Goto(NodeSendConfirmation),
	}
}

// generateResponse drafts a reply. Retrieval context is best-effort: a
// failing or absent retriever yields an un-grounded draft, not a failure.
func (e *Engine) generateResponse(ctx context.Context, inst Instance) NodeResult {
	content := inst.Payload.content()

	var retrievalContext string
	if e.retriever != nil {
		var rerr error
		retrievalContext, rerr = e.retriever.Context(ctx, content)
		if rerr != nil {
			retrievalContext = ""
			e.emit(inst, NodeGenerateResponse, "retrieval_failed", map[string]interface{}{
				"error": rerr.Error(),
			})
		}
	}

	var draft string
	_, err := e.doRetry(ctx, "draft_reply", func(ctx context.Context) error {
		var derr error
		draft, derr = e.drafter.Draft(ctx, content, retrievalContext)
		return derr
	})
	if err != nil {
		return NodeResult{Err: fmt.Errorf("draft reply for item %s: %w", inst.ItemID, err)}
	}
	return NodeResult{
		Delta: Payload{DraftText: draft},
		Route: Goto(NodeSendDraftNotification),
	}
}

// sendDraftNotification presents the draft (and the category proposal) for
// review and suspends at await_draft_decision. On the edit loop the existing
// review message is edited in place instead of posting a new one.
func (e *Engine) sendDraftNotification(ctx context.Context, inst Instance) NodeResult {
	delta := e.evaluatePolicy(inst.Payload)
	payload := mergePayload(inst.Payload, delta)

	text := fmt.Sprintf("Reply drafted for mail from %s: %q\nProposed category: %s\n\n%s",
		payload.From, payload.Subject, payload.Category, payload.DraftText)

	if payload.Decision == DecisionEdit && len(payload.StaleMessageIDs) > 0 {
		msgID := payload.StaleMessageIDs[len(payload.StaleMessageIDs)-1]
		attempts, err := e.doRetry(ctx, "edit_draft_notification", func(ctx context.Context) error {
			return e.messenger.Edit(ctx, msgID, text)
		})
		if err != nil {
			e.deadLetter(ctx, inst, "edit_draft_notification", attempts, err, map[string]string{
				"external_message_id": msgID,
			})
			return NodeResult{Delta: delta, Err: fmt.Errorf("edit draft notification for item %s: %w", inst.ItemID, err)}
		}
		return NodeResult{Delta: delta, Route: SuspendAt(NodeAwaitDraftDecision)}
	}

	actions := []collab.Action{
		{Label: "Send", Token: Token("send", inst.ItemID)},
		{Label: "Edit", Token: Token("edit", inst.ItemID)},
		{Label: "Reject", Token: Token("reject", inst.ItemID)},
	}
	msgID, ndelta, err := e.notify(ctx, inst, "notify_draft", payload, text, actions)
	if err != nil {
		return NodeResult{Delta: delta, Err: err}
	}
	delta = mergePayload(delta, ndelta)

	if msgID != "" {
		if uerr := e.store.UpdateExternalMessage(ctx, inst.ItemID, msgID); uerr != nil {
			return NodeResult{Delta: delta, Err: fmt.Errorf("register message for item %s: %w", inst.ItemID, uerr)}
		}
	}
	return NodeResult{Delta: delta, Route: SuspendAt(NodeAwaitDraftDecision)}
}

// sendEmailResponse sends the approved reply, idempotency-guarded, then
// hands off to execute_action for the label.
func (e *Engine) sendEmailResponse(ctx context.Context, inst Instance) NodeResult {
	p := inst.Payload
	performed, err := e.guard.Do(ctx, inst.ItemID, EffectReply, func(ctx context.Context) error {
		attempts, rerr := e.doRetry(ctx, "send_reply", func(ctx context.Context) error {
			_, serr := e.mailer.Send(ctx, inst.ItemID, p.From, "Re: "+p.Subject, p.DraftText, p.ThreadRef)
			return serr
		})
		if rerr != nil {
			e.deadLetter(ctx, inst, "send_reply", attempts, rerr, map[string]string{
				"item_id": inst.ItemID,
				"to":      p.From,
			})
		}
		return rerr
	})
	if err != nil {
		return NodeResult{Err: fmt.Errorf("send reply for item %s: %w", inst.ItemID, err)}
	}
	if !performed {
		e.emit(inst, NodeSendEmailResponse, "reply_skipped_sent", nil)
	}

	if performed && e.retriever != nil {
		if ierr := e.retriever.IndexReply(ctx, inst.ItemID, p.DraftText); ierr != nil {
			e.emit(inst, NodeSendEmailResponse, "index_reply_failed", map[string]interface{}{
				"error": ierr.Error(),
			})
		}
	}
	return NodeResult{Route: Goto(NodeExecuteAction)}
}

// sendConfirmation deletes the now-stale approval messages and posts the
// final summary. Cleanup is best-effort and the summary dead-letters on
// exhaustion, but neither blocks completion: the work the instance exists
// for is already done.
func (e *Engine) sendConfirmation(ctx context.Context, inst Instance) NodeResult {
	for _, msgID := range inst.Payload.StaleMessageIDs {
		if derr := e.messenger.Delete(ctx, msgID); derr != nil {
			e.emit(inst, NodeSendConfirmation, "stale_delete_failed", map[string]interface{}{
				"external_message_id": msgID,
				"error":               derr.Error(),
			})
		}
	}

	final := inst.Payload.FinalAction
	if final == "" {
		final = "processed"
	}
	text := fmt.Sprintf("Done with mail from %s (%q): %s", inst.Payload.From, inst.Payload.Subject, final)
	attempts, err := e.doRetry(ctx, "notify_confirmation", func(ctx context.Context) error {
		_, nerr := e.messenger.Notify(ctx, inst.OwnerID, text, nil)
		return nerr
	})
	if err != nil {
		e.deadLetter(ctx, inst, "notify_confirmation", attempts, err, map[string]string{
			"owner_id": inst.OwnerID,
			"text":     text,
		})
	}
	return NodeResult{Route: Stop()}
}
