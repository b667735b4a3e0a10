package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Callback is a human decision arriving from the messaging channel. Token
// is the opaque action token embedded in the notification; IssuerID is the
// authenticated identity of whoever pressed it; Text optionally carries a
// replacement draft for edit decisions.
type Callback struct {
	Token    string
	IssuerID string
	Text     string
}

// Ack is the immediate acknowledgement shown to the issuer. It is always
// produced, even for callbacks that mutate nothing: the issuer pressed a
// button and deserves an answer.
type Ack struct {
	OK      bool
	Message string
}

const (
	ackDone           = "done"
	ackAlreadyHandled = "already handled"
	ackNotAuthorized  = "not authorized"
	ackInvalid        = "invalid request"
	ackFailed         = "failed, operator notified"
)

// Token builds an action token. The verb is either a decision keyword
// (approve, reject, send, edit) or a category name for change-category
// actions.
func Token(verb, itemID string) string {
	return verb + "_" + itemID
}

// ParseToken splits a token at the first underscore into its verb and item
// id. Category names must therefore not contain underscores.
func ParseToken(token string) (verb, itemID string, err error) {
	i := strings.IndexByte(token, '_')
	if i <= 0 || i == len(token)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedToken, token)
	}
	return token[:i], token[i+1:], nil
}

// decisionFor maps a token verb to a decision. Verbs that are not decision
// keywords are treated as change-category requests and validated against
// the configured categories.
func (e *Engine) decisionFor(verb string) (Decision, string, error) {
	switch verb {
	case "approve":
		return DecisionApprove, "", nil
	case "reject":
		return DecisionReject, "", nil
	case "send":
		return DecisionSend, "", nil
	case "edit":
		return DecisionEdit, "", nil
	}
	for _, cat := range e.opts.Categories {
		if strings.EqualFold(cat, verb) {
			return DecisionChangeCategory, cat, nil
		}
	}
	return "", "", fmt.Errorf("%w: unknown verb %q", ErrMalformedToken, verb)
}

// HandleCallback reconnects a callback to its instance and applies the
// decision. The returned Ack is what the issuer sees; the returned error is
// for the operator (internal failures, or the instance's own failure after
// a valid decision was accepted).
//
// Late and duplicate callbacks are acknowledged without mutation:
// suspension claiming is a compare-and-set, so of two racing callbacks
// exactly one resumes the instance and the other gets "already handled".
func (e *Engine) HandleCallback(ctx context.Context, cb Callback) (Ack, error) {
	ack, err := e.handleCallback(ctx, cb)
	if e.metrics != nil {
		outcome := ack.Message
		if outcome == "" {
			outcome = "error"
		}
		e.metrics.CallbackHandled(outcome)
	}
	return ack, err
}

func (e *Engine) handleCallback(ctx context.Context, cb Callback) (Ack, error) {
	verb, itemID, err := ParseToken(cb.Token)
	if err != nil {
		return Ack{Message: ackInvalid}, nil
	}
	decision, categoryOverride, err := e.decisionFor(verb)
	if err != nil {
		return Ack{Message: ackInvalid}, nil
	}

	entry, err := e.store.LookupItem(ctx, itemID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// An item with no registry entry was either never ingested or
			// already swept away; either way there is nothing to decide.
			return Ack{Message: ackAlreadyHandled}, nil
		}
		return Ack{Message: ackInvalid}, fmt.Errorf("lookup item %s: %w", itemID, err)
	}

	// Authorization precedes claiming: an unauthorized issuer must not be
	// able to consume the suspension.
	current, err := e.store.LoadInstance(ctx, entry.InstanceID)
	if err != nil {
		return Ack{Message: ackInvalid}, fmt.Errorf("load instance %s: %w", entry.InstanceID, err)
	}
	if current.OwnerID != cb.IssuerID {
		return Ack{Message: ackNotAuthorized}, nil
	}
	if current.Status.Terminal() {
		return Ack{Message: ackAlreadyHandled}, nil
	}

	inst, err := e.store.ClaimSuspended(ctx, entry.InstanceID)
	if err != nil {
		if errors.Is(err, ErrNotSuspended) {
			return Ack{Message: ackAlreadyHandled}, nil
		}
		return Ack{Message: ackInvalid}, fmt.Errorf("claim instance %s: %w", entry.InstanceID, err)
	}

	_, err = e.Resume(ctx, inst, decision, categoryOverride, cb.Text)
	if err != nil {
		if errors.Is(err, ErrMalformedToken) {
			// Decision not valid at this suspension point; Resume already
			// restored the suspension.
			return Ack{Message: ackInvalid}, nil
		}
		// The decision was accepted but the resumed run did not reach a
		// successful state. A "done" here would lie to the issuer; the
		// error still goes to the operator.
		return Ack{Message: ackFailed}, err
	}
	return Ack{OK: true, Message: ackDone}, nil
}
