// Package flow implements a durable workflow engine for triaging inbound
// mail items with a human approval step in the loop.
//
// Each item is processed by exactly one Instance: a state machine run over a
// fixed node graph. The engine drives an instance node by node, persisting a
// checkpoint after every node, until it either reaches a terminal status or
// suspends at a human-approval boundary. A suspended instance holds no
// worker, no goroutine and no memory; it is fully represented by its
// checkpoint and is resumed later by an external callback that the registry
// reconnects to the instance.
package flow

import (
	"time"
)

// Node names the steps of the fixed workflow topology. The set is closed:
// the engine dispatches through an enum-keyed table, never by matching
// arbitrary strings.
type Node string

const (
	// NodeExtractContext loads item content from the mail collaborator.
	NodeExtractContext Node = "extract_context"

	// NodeClassify obtains category, priority and needs-response verdict.
	NodeClassify Node = "classify"

	// NodeSendSortProposal sends the category approval request and suspends.
	NodeSendSortProposal Node = "send_sort_proposal"

	// NodeAwaitApproval is the suspension state for the sort proposal.
	NodeAwaitApproval Node = "await_approval"

	// NodeExecuteAction applies the chosen category label.
	NodeExecuteAction Node = "execute_action"

	// NodeGenerateResponse drafts a reply for items that need one.
	NodeGenerateResponse Node = "generate_response"

	// NodeSendDraftNotification sends the draft for review and suspends.
	NodeSendDraftNotification Node = "send_draft_notification"

	// NodeAwaitDraftDecision is the suspension state for the draft review.
	NodeAwaitDraftDecision Node = "await_draft_decision"

	// NodeSendEmailResponse sends the approved reply (idempotency-guarded).
	NodeSendEmailResponse Node = "send_email_response"

	// NodeSendConfirmation cleans up stale messages and sends the summary.
	NodeSendConfirmation Node = "send_confirmation"
)

// Status is the lifecycle state of an Instance.
type Status string

const (
	// StatusRunning means a worker is actively executing nodes.
	StatusRunning Status = "running"

	// StatusSuspended means the instance is durably parked awaiting an
	// external callback. It consumes no compute.
	StatusSuspended Status = "suspended"

	// StatusCompleted is the successful terminal state.
	StatusCompleted Status = "completed"

	// StatusFailed is the unsuccessful terminal state. Irreversible.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Decision is a human verdict delivered through the callback channel.
type Decision string

const (
	// DecisionApprove accepts the proposed category.
	DecisionApprove Decision = "approve"

	// DecisionChangeCategory accepts sorting but with a different category.
	DecisionChangeCategory Decision = "change"

	// DecisionReject declines sorting; the item keeps its current labels.
	DecisionReject Decision = "reject"

	// DecisionSend approves sending the drafted reply.
	DecisionSend Decision = "send"

	// DecisionEdit replaces the draft text and asks for another review.
	DecisionEdit Decision = "edit"
)

// Payload accumulates the fields produced by nodes as an instance advances.
// It is part of every checkpoint, so each field must be JSON-serializable
// and meaningful after a process restart.
type Payload struct {
	// Content is the item content loaded by extract_context.
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Body      string `json:"body,omitempty"`
	ThreadRef string `json:"thread_ref,omitempty"`

	// Classification outcome.
	Category           string `json:"category,omitempty"`
	PriorityScore      int    `json:"priority_score,omitempty"`
	Reasoning          string `json:"reasoning,omitempty"`
	NeedsResponse      bool   `json:"needs_response,omitempty"`
	FallbackClassified bool   `json:"fallback_classified,omitempty"`

	// NotifyImmediately is the priority policy outcome, evaluated once per
	// instance so post-resume behavior is deterministic. PolicyEvaluated
	// distinguishes "evaluated as false" from "not yet evaluated".
	NotifyImmediately bool `json:"notify_immediately,omitempty"`
	PolicyEvaluated   bool `json:"policy_evaluated,omitempty"`

	// Draft reply produced by generate_response, possibly replaced by an
	// edit decision.
	DraftText string `json:"draft_text,omitempty"`

	// Human decision applied on resume.
	Decision         Decision `json:"decision,omitempty"`
	CategoryOverride string   `json:"category_override,omitempty"`

	// FinalAction describes the outcome for the confirmation summary.
	FinalAction string `json:"final_action,omitempty"`

	// ErrorDetail records the failure reason on the failed path.
	ErrorDetail string `json:"error_detail,omitempty"`

	// StaleMessageIDs are intermediate approval/draft messages to delete in
	// send_confirmation.
	StaleMessageIDs []string `json:"stale_message_ids,omitempty"`
}

// ChosenCategory resolves the category the human settled on: the override
// when the decision changed it, the proposal otherwise.
func (p Payload) ChosenCategory() string {
	if p.Decision == DecisionChangeCategory && p.CategoryOverride != "" {
		return p.CategoryOverride
	}
	return p.Category
}

// Instance is one workflow run for one item.
//
// Invariants:
//   - ID is immutable and globally unique.
//   - At most one Instance exists per ItemID (unique constraint in the store).
//   - Only the engine mutates an Instance, and only sequentially.
type Instance struct {
	// ID uniquely identifies this run.
	ID string `json:"instance_id"`

	// ItemID references the inbound item this run processes.
	ItemID string `json:"item_id"`

	// OwnerID scopes the run to the user the item belongs to. Every
	// callback is verified against it.
	OwnerID string `json:"owner_id"`

	// CurrentNode is the last-completed or currently-suspended node.
	CurrentNode Node `json:"current_node"`

	// Status is the lifecycle state.
	Status Status `json:"status"`

	// Payload holds the fields accumulated by nodes so far.
	Payload Payload `json:"payload"`

	// CreatedAt and UpdatedAt are maintained by the store.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RegistryEntry maps an item to its instance and to the most recent external
// message issued for it. item_id→instance_id is a bijection.
type RegistryEntry struct {
	ItemID            string `json:"item_id"`
	InstanceID        string `json:"instance_id"`
	ExternalMessageID string `json:"external_message_id,omitempty"`
}

// Markers are the per-item idempotency markers guarding side effects.
// A nil timestamp means the effect has not happened.
type Markers struct {
	// LabelAppliedAt is set when the category label has been applied.
	LabelAppliedAt *time.Time `json:"label_applied_at,omitempty"`

	// ReplySentAt is set when the reply has been sent.
	ReplySentAt *time.Time `json:"reply_sent_at,omitempty"`

	// Version increases monotonically with every marker mutation.
	Version int `json:"version"`
}

// DeadLetter records an operation that exhausted its retry budget, with
// enough context to replay it by hand. Entries are append-only from the
// engine's perspective; resolution is an operator action.
type DeadLetter struct {
	ID            string    `json:"id"`
	ItemID        string    `json:"item_id"`
	OperationType string    `json:"operation_type"`
	ErrorType     string    `json:"error_type"`
	ErrorMessage  string    `json:"error_message"`
	RetryCount    int       `json:"retry_count"`
	LastRetryAt   time.Time `json:"last_retry_at"`

	// Context holds the serialized inputs needed to replay the operation.
	Context map[string]string `json:"context,omitempty"`

	Resolved        bool   `json:"resolved"`
	ResolutionNotes string `json:"resolution_notes,omitempty"`
}

// mergePayload merges a partial update into prev. Zero values in delta leave
// the previous value in place, except for fields with explicit presence
// flags (PolicyEvaluated guards NotifyImmediately).
func mergePayload(prev, delta Payload) Payload {
	if delta.From != "" {
		prev.From = delta.From
	}
	if delta.To != "" {
		prev.To = delta.To
	}
	if delta.Subject != "" {
		prev.Subject = delta.Subject
	}
	if delta.Body != "" {
		prev.Body = delta.Body
	}
	if delta.ThreadRef != "" {
		prev.ThreadRef = delta.ThreadRef
	}
	if delta.Category != "" {
		prev.Category = delta.Category
	}
	if delta.PriorityScore != 0 {
		prev.PriorityScore = delta.PriorityScore
	}
	if delta.Reasoning != "" {
		prev.Reasoning = delta.Reasoning
	}
	if delta.NeedsResponse {
		prev.NeedsResponse = true
	}
	if delta.FallbackClassified {
		prev.FallbackClassified = true
	}
	if delta.PolicyEvaluated {
		prev.PolicyEvaluated = true
		prev.NotifyImmediately = delta.NotifyImmediately
	}
	if delta.DraftText != "" {
		prev.DraftText = delta.DraftText
	}
	if delta.Decision != "" {
		prev.Decision = delta.Decision
	}
	if delta.CategoryOverride != "" {
		prev.CategoryOverride = delta.CategoryOverride
	}
	if delta.FinalAction != "" {
		prev.FinalAction = delta.FinalAction
	}
	if delta.ErrorDetail != "" {
		prev.ErrorDetail = delta.ErrorDetail
	}
	if len(delta.StaleMessageIDs) > 0 {
		prev.StaleMessageIDs = append(prev.StaleMessageIDs, delta.StaleMessageIDs...)
	}
	return prev
}
