package flow

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/inboxflow/inboxflow/flow/collab"
	"github.com/inboxflow/inboxflow/flow/emit"
)

// Engine drives workflow instances through the fixed node graph.
//
// The Engine is the only mutator of instances. It:
//   - Creates one instance per inbound item (unique per item, ever)
//   - Executes nodes through an enum-keyed dispatch table
//   - Checkpoints the instance after every node via the store
//   - Suspends at the human-approval boundaries by writing
//     status=suspended and returning to the caller
//   - Resumes a claimed instance from the node its decision selects
//   - Emits observability events and records metrics
//
// Suspension is an explicit contract, not a parked goroutine: the engine
// simply stops calling the next node and returns. Resumption is a fresh
// call into the engine with the claimed checkpoint.
type Engine struct {
	store     Store
	mailer    collab.Mailer
	messenger collab.Messenger

	classifier collab.Classifier
	drafter    collab.Drafter
	retriever  collab.Retriever

	emitter emit.Emitter
	metrics *Metrics

	retry    *RetryExecutor
	guard    *Guard
	fallback *FallbackClassifier
	priority PriorityPolicy

	nodes map[Node]nodeFunc
	opts  Options

	newID func() string
	now   func() time.Time
}

// Collaborators bundles the external services an Engine talks to.
// Mailer, Messenger, Classifier and Drafter are required; Retriever is
// optional.
type Collaborators struct {
	Mailer     collab.Mailer
	Messenger  collab.Messenger
	Classifier collab.Classifier
	Drafter    collab.Drafter
	Retriever  collab.Retriever
}

// Options configures Engine execution behavior. Zero values select
// sensible defaults.
type Options struct {
	// MaxSteps bounds node transitions per run segment, guarding against
	// routing bugs. Default 25.
	MaxSteps int

	// Categories are the sorting categories offered to the classifier and
	// accepted in change-category callbacks. Default: the fallback
	// classifier's built-in categories.
	Categories []string

	// Priority configures the immediate-vs-batched notification policy.
	Priority PriorityPolicy

	// Retry overrides the default retry executor tuning when non-nil.
	Retry *RetryExecutor

	// Metrics receives execution metrics when non-nil.
	Metrics *Metrics
}

// defaultCategories are offered when Options.Categories is empty.
var defaultCategories = []string{"Work", "Finance", "Newsletter", "Travel", "Inbox"}

// NewEngine creates an Engine.
//
// Parameters:
//   - st: checkpoint store (required)
//   - c: collaborator bundle (Mailer, Messenger, Classifier, Drafter required)
//   - emitter: observability event receiver (nil disables emission)
//   - opts: execution configuration
func NewEngine(st Store, c Collaborators, emitter emit.Emitter, opts Options) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if c.Mailer == nil || c.Messenger == nil || c.Classifier == nil || c.Drafter == nil {
		return nil, fmt.Errorf("mailer, messenger, classifier and drafter collaborators are required")
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 25
	}
	if len(opts.Categories) == 0 {
		opts.Categories = defaultCategories
	}
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	retry := opts.Retry
	if retry == nil {
		retry = NewRetryExecutor()
	}

	e := &Engine{
		store:      st,
		mailer:     c.Mailer,
		messenger:  c.Messenger,
		classifier: c.Classifier,
		drafter:    c.Drafter,
		retriever:  c.Retriever,
		emitter:    emitter,
		metrics:    opts.Metrics,
		retry:      retry,
		guard:      NewGuard(st),
		fallback:   &FallbackClassifier{},
		priority:   opts.Priority,
		opts:       opts,
		newID:      newInstanceID,
		now:        time.Now,
	}
	e.nodes = map[Node]nodeFunc{
		NodeExtractContext:        e.extractContext,
		NodeClassify:              e.classify,
		NodeSendSortProposal:      e.sendSortProposal,
		NodeExecuteAction:         e.executeAction,
		NodeGenerateResponse:      e.generateResponse,
		NodeSendDraftNotification: e.sendDraftNotification,
		NodeSendEmailResponse:     e.sendEmailResponse,
		NodeSendConfirmation:      e.sendConfirmation,
	}
	return e, nil
}

// newInstanceID generates an opaque unique instance id.
func newInstanceID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing means the platform is broken; fall back to a
		// time-derived id rather than aborting item intake.
		return fmt.Sprintf("wf-%d", time.Now().UnixNano())
	}
	return "wf-" + hex.EncodeToString(b[:])
}

// nodeFunc executes one node against the current instance snapshot.
type nodeFunc func(ctx context.Context, inst Instance) NodeResult

// NodeResult is the output of one node execution.
type NodeResult struct {
	// Delta is the partial payload update to merge into the instance.
	Delta Payload

	// Route selects the next hop.
	Route Next

	// Err, when non-nil, fails the instance with this error.
	Err error
}

// Next specifies the next hop after a node completes.
type Next struct {
	// To is the next node to execute, or the suspension state to park in
	// when Suspend is set.
	To Node

	// Suspend parks the instance at To awaiting an external callback.
	Suspend bool

	// Terminal completes the instance.
	Terminal bool
}

// Goto routes to the given node.
func Goto(n Node) Next { return Next{To: n} }

// SuspendAt parks the instance in the given suspension state.
func SuspendAt(n Node) Next { return Next{To: n, Suspend: true} }

// Stop completes the instance.
func Stop() Next { return Next{Terminal: true} }

// Start creates the instance for an inbound item and runs it to its first
// suspension or terminal state.
//
// Returns ErrDuplicateItem if the item already has an instance.
func (e *Engine) Start(ctx context.Context, itemID, ownerID string) (Instance, error) {
	inst := Instance{
		ID:          e.newID(),
		ItemID:      itemID,
		OwnerID:     ownerID,
		CurrentNode: NodeExtractContext,
		Status:      StatusRunning,
	}
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		if errors.Is(err, ErrDuplicateItem) {
			return Instance{}, ErrDuplicateItem
		}
		return Instance{}, fmt.Errorf("create instance for item %s: %w", itemID, err)
	}

	e.emit(inst, "", "started", nil)
	if e.metrics != nil {
		e.metrics.InstanceStarted()
	}
	return e.run(ctx, inst, NodeExtractContext)
}

// Resume continues a previously claimed instance with a human decision.
//
// The caller must have won the suspended→running claim (see
// Store.ClaimSuspended); Resume validates the decision against the
// suspension node, applies it to the payload and executes from the node
// the decision selects. editText carries the replacement draft for
// DecisionEdit.
func (e *Engine) Resume(ctx context.Context, inst Instance, decision Decision, categoryOverride, editText string) (Instance, error) {
	next, delta, err := resumeTransition(inst.CurrentNode, decision, categoryOverride, editText)
	if err != nil {
		// Invalid decision for this suspension point: put the claim back.
		inst.Status = StatusSuspended
		if serr := e.store.SaveInstance(ctx, inst); serr != nil {
			return inst, fmt.Errorf("restore suspension after invalid decision: %w", serr)
		}
		return inst, err
	}

	inst.Payload = mergePayload(inst.Payload, delta)
	inst.Status = StatusRunning
	e.emit(inst, inst.CurrentNode, "resumed", map[string]interface{}{"decision": string(decision)})
	if e.metrics != nil {
		e.metrics.InstanceResumed()
	}
	return e.run(ctx, inst, next)
}

// resumeTransition maps (suspension node, decision) to the node execution
// continues from, plus the payload delta recording the decision.
func resumeTransition(at Node, decision Decision, categoryOverride, editText string) (Node, Payload, error) {
	delta := Payload{Decision: decision}
	switch at {
	case NodeAwaitApproval:
		switch decision {
		case DecisionApprove, DecisionReject:
			return NodeExecuteAction, delta, nil
		case DecisionChangeCategory:
			if categoryOverride == "" {
				return "", Payload{}, ErrMalformedToken
			}
			delta.CategoryOverride = categoryOverride
			return NodeExecuteAction, delta, nil
		}
	case NodeAwaitDraftDecision:
		switch decision {
		case DecisionSend:
			return NodeSendEmailResponse, delta, nil
		case DecisionEdit:
			if editText != "" {
				delta.DraftText = editText
			}
			return NodeSendDraftNotification, delta, nil
		case DecisionReject:
			return NodeExecuteAction, delta, nil
		}
	}
	return "", Payload{}, fmt.Errorf("%w: decision %q not valid at %s", ErrMalformedToken, decision, at)
}

// Cancel transitions a suspended instance directly to failed with the given
// reason. Cancellation goes through the same suspended→running claim as
// callbacks, so it can never race a resume: either the cancel wins and the
// late callback sees "already handled", or the callback wins and Cancel
// returns ErrNotSuspended.
func (e *Engine) Cancel(ctx context.Context, instanceID, reason string) (Instance, error) {
	inst, err := e.store.ClaimSuspended(ctx, instanceID)
	if err != nil {
		return Instance{}, err
	}
	if reason == "" {
		reason = "cancelled by operator"
	}
	inst.Status = StatusFailed
	inst.Payload.ErrorDetail = "cancelled: " + reason
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		return inst, fmt.Errorf("checkpoint cancellation: %w", err)
	}
	e.emit(inst, inst.CurrentNode, "cancelled", map[string]interface{}{"reason": reason})
	if e.metrics != nil {
		e.metrics.InstanceFailed()
	}
	e.notifyFailure(ctx, inst, inst.CurrentNode, inst.Payload.ErrorDetail)
	return inst, nil
}

// run executes nodes starting at from until the instance suspends, completes
// or fails, checkpointing after every node.
func (e *Engine) run(ctx context.Context, inst Instance, from Node) (Instance, error) {
	current := from
	for step := 1; ; step++ {
		if step > e.opts.MaxSteps {
			return e.fail(ctx, inst, current, ErrMaxStepsExceeded)
		}
		if err := ctx.Err(); err != nil {
			// The unit of work is abandoned mid-run; the last checkpoint
			// stands and a later retry re-executes from it.
			return inst, err
		}

		fn, ok := e.nodes[current]
		if !ok {
			return e.fail(ctx, inst, current, fmt.Errorf("%w: no node registered for %s", ErrInvariant, current))
		}

		started := e.now()
		result := fn(ctx, inst)
		if e.metrics != nil {
			status := "success"
			if result.Err != nil {
				status = "error"
			}
			e.metrics.ObserveNodeLatency(string(current), status, e.now().Sub(started))
		}

		if result.Err != nil {
			inst.Payload = mergePayload(inst.Payload, result.Delta)
			return e.fail(ctx, inst, current, result.Err)
		}

		inst.Payload = mergePayload(inst.Payload, result.Delta)

		switch {
		case result.Route.Suspend:
			inst.CurrentNode = result.Route.To
			inst.Status = StatusSuspended
			if err := e.store.SaveInstance(ctx, inst); err != nil {
				return inst, fmt.Errorf("checkpoint suspension at %s: %w", result.Route.To, err)
			}
			e.emit(inst, current, "suspended", map[string]interface{}{"at": string(result.Route.To)})
			if e.metrics != nil {
				e.metrics.InstanceSuspended()
			}
			return inst, nil

		case result.Route.Terminal:
			inst.CurrentNode = current
			inst.Status = StatusCompleted
			if err := e.store.SaveInstance(ctx, inst); err != nil {
				return inst, fmt.Errorf("checkpoint completion at %s: %w", current, err)
			}
			e.emit(inst, current, "completed", nil)
			if e.metrics != nil {
				e.metrics.InstanceCompleted()
			}
			return inst, nil

		default:
			inst.CurrentNode = current
			inst.Status = StatusRunning
			if err := e.store.SaveInstance(ctx, inst); err != nil {
				return inst, fmt.Errorf("checkpoint after %s: %w", current, err)
			}
			e.emit(inst, current, "node_completed", nil)
			current = result.Route.To
		}
	}
}

// fail transitions the instance to the failed terminal state, recording the
// error for operators and sending the owner an explicit failure note.
func (e *Engine) fail(ctx context.Context, inst Instance, at Node, cause error) (Instance, error) {
	inst.CurrentNode = at
	inst.Status = StatusFailed
	inst.Payload.ErrorDetail = cause.Error()
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		return inst, fmt.Errorf("checkpoint failure at %s: %w (original: %v)", at, err, cause)
	}
	e.emit(inst, at, "failed", map[string]interface{}{"error": cause.Error()})
	if e.metrics != nil {
		e.metrics.InstanceFailed()
	}
	e.notifyFailure(ctx, inst, at, cause.Error())
	return inst, cause
}

// notifyFailure tells the owner the item will not be processed. Best effort,
// single attempt: when the messaging channel itself is down the event trail
// is the remaining trace.
func (e *Engine) notifyFailure(ctx context.Context, inst Instance, at Node, detail string) {
	text := "Processing failed"
	if inst.Payload.Subject != "" {
		text = fmt.Sprintf("Processing failed for %q", inst.Payload.Subject)
	}
	text += ": " + detail
	if _, err := e.messenger.Notify(ctx, inst.OwnerID, text, nil); err != nil {
		e.emit(inst, at, "failure_notify_failed", map[string]interface{}{"error": err.Error()})
	}
}

// deadLetter records a retry-exhausted side-effecting operation for manual
// replay.
func (e *Engine) deadLetter(ctx context.Context, inst Instance, opType string, attempts int, cause error, opCtx map[string]string) {
	entry := DeadLetter{
		ID:            e.newID(),
		ItemID:        inst.ItemID,
		OperationType: opType,
		ErrorType:     string(collab.KindOf(cause)),
		ErrorMessage:  cause.Error(),
		RetryCount:    attempts,
		LastRetryAt:   e.now(),
		Context:       opCtx,
	}
	if err := e.store.SaveDeadLetter(ctx, entry); err != nil {
		// Nothing durable left to escalate to; the event is the last trace.
		e.emit(inst, inst.CurrentNode, "dead_letter_write_failed", map[string]interface{}{"error": err.Error()})
		return
	}
	e.emit(inst, inst.CurrentNode, "dead_lettered", map[string]interface{}{
		"operation": opType,
		"error":     cause.Error(),
	})
	if e.metrics != nil {
		e.metrics.DeadLettered(opType)
	}
}

func (e *Engine) emit(inst Instance, node Node, msg string, meta map[string]interface{}) {
	e.emitter.Emit(emit.Event{
		InstanceID: inst.ID,
		ItemID:     inst.ItemID,
		Node:       string(node),
		Msg:        msg,
		Meta:       meta,
	})
}

// content reconstructs the collaborator content view from the payload.
func (p Payload) content() collab.Content {
	return collab.Content{
		From:      p.From,
		To:        p.To,
		Subject:   p.Subject,
		Body:      p.Body,
		ThreadRef: p.ThreadRef,
	}
}
