// Package collab defines the external collaborator contracts consumed by the
// workflow engine: the mail channel, the messaging channel, classification,
// and draft generation.
//
// The engine never talks to a concrete provider directly. It sees only these
// interfaces plus the shared error taxonomy, which is what the retry executor
// uses to decide whether a failure is worth retrying.
package collab

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a collaborator failure for retry decisions.
//
// Transient kinds (timeouts, rate limits, upstream unavailability) are
// retried with backoff. Permanent kinds (bad input, revoked credentials,
// blocked recipients) short-circuit immediately to the caller.
type ErrorKind string

const (
	// KindTimeout indicates a network or deadline timeout. Transient.
	KindTimeout ErrorKind = "timeout"

	// KindRateLimit indicates the provider throttled the call. Transient.
	KindRateLimit ErrorKind = "rate_limit"

	// KindUnavailable indicates a 5xx-equivalent upstream failure. Transient.
	KindUnavailable ErrorKind = "unavailable"

	// KindInvalidInput indicates the request itself is malformed. Permanent.
	KindInvalidInput ErrorKind = "invalid_input"

	// KindUnauthorized indicates credentials were rejected or revoked. Permanent.
	KindUnauthorized ErrorKind = "unauthorized"

	// KindBlocked indicates the recipient or resource refuses the operation.
	// Permanent.
	KindBlocked ErrorKind = "blocked"
)

// Transient reports whether the kind is worth retrying.
func (k ErrorKind) Transient() bool {
	switch k {
	case KindTimeout, KindRateLimit, KindUnavailable:
		return true
	default:
		return false
	}
}

// Error is the structured error returned by collaborator implementations.
//
// Adapters translate provider-specific failures (HTTP status codes, SDK error
// types) into an Error with the appropriate Kind so the engine can route the
// failure through retry, dead-letter, or fail-fast paths without knowing
// which provider produced it.
type Error struct {
	// Kind classifies the failure for retry decisions.
	Kind ErrorKind

	// Op names the collaborator operation that failed (e.g. "mail.fetch").
	Op string

	// Message is a human-readable description.
	Message string

	// Cause is the underlying provider error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a collaborator error.
func NewError(kind ErrorKind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

// KindOf extracts the ErrorKind from err. Errors that are not collaborator
// errors are treated as permanent: retrying an unknown failure mode is more
// dangerous than surfacing it.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInvalidInput
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind.Transient()
	}
	return false
}

// Content is the mail item content loaded by the mail collaborator.
type Content struct {
	// From is the sender address.
	From string

	// To is the primary recipient address.
	To string

	// Subject is the message subject line.
	Subject string

	// Body is the plain-text body.
	Body string

	// ThreadRef identifies the conversation thread for reply threading.
	ThreadRef string
}

// Classification is the result of the classification collaborator.
type Classification struct {
	// Category is the proposed sorting category.
	Category string

	// PriorityScore is a bounded [0,100] urgency score.
	PriorityScore int

	// Reasoning explains the categorization for the human approver.
	Reasoning string

	// NeedsResponse indicates the item expects a reply from the owner.
	NeedsResponse bool

	// Fallback is set when the result came from the rule-based fallback
	// rather than the classification collaborator.
	Fallback bool
}

// Action is a button-style affordance attached to an outbound notification.
type Action struct {
	// Label is the human-visible button text.
	Label string

	// Token is the callback token delivered back when the button is pressed,
	// e.g. "approve_item-42".
	Token string
}

// Mailer is the mail channel collaborator: fetch content, apply labels,
// send replies.
type Mailer interface {
	// Fetch loads the content of an inbound item.
	Fetch(ctx context.Context, itemID string) (Content, error)

	// ApplyLabel applies a category label to an item.
	ApplyLabel(ctx context.Context, itemID, category string) error

	// Send sends a reply on an item's thread and returns the sent message id.
	Send(ctx context.Context, itemID, to, subject, body, threadRef string) (string, error)
}

// Messenger is the messaging channel collaborator used to reach the human
// approver (e.g. a chat bot with inline buttons).
type Messenger interface {
	// Notify sends a message with action buttons to the owner and returns
	// the external message id.
	Notify(ctx context.Context, ownerID, text string, actions []Action) (string, error)

	// Edit replaces the text of a previously sent message.
	Edit(ctx context.Context, externalMessageID, text string) error

	// Delete removes a previously sent message.
	Delete(ctx context.Context, externalMessageID string) error
}

// Classifier produces a category, priority and needs-response verdict for an
// item. Implementations must respect the context deadline.
type Classifier interface {
	Classify(ctx context.Context, content Content, categories []string) (Classification, error)
}

// Drafter generates a reply draft for an item given retrieval context.
type Drafter interface {
	Draft(ctx context.Context, content Content, retrievalContext string) (string, error)
}

// Retriever supplies generation context (semantic search, conversation
// history) and indexes sent replies for future retrieval. Optional: the
// engine treats a nil Retriever as empty context and skips indexing.
type Retriever interface {
	// Context returns retrieval context for drafting a reply to content.
	Context(ctx context.Context, content Content) (string, error)

	// IndexReply records a sent reply for future retrieval. Best effort.
	IndexReply(ctx context.Context, itemID, text string) error
}
