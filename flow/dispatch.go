package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/inboxflow/inboxflow/flow/emit"
)

// ErrDispatcherClosed is returned by submissions after Shutdown has begun.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// job is one unit of dispatcher work: either a new item to start or a
// callback to apply.
type job struct {
	itemID  string
	ownerID string

	callback *Callback
	reply    chan callbackReply
}

type callbackReply struct {
	ack Ack
	err error
}

// Dispatcher runs a bounded worker pool over engine work. Items and
// callbacks share one queue: workers pick up whatever arrives, and because
// every mutation goes through the store's claim semantics, two workers
// touching the same item never both win.
//
// The queue is a bounded channel, so submission provides natural
// backpressure when work arrives faster than workers drain it.
//
// Thread-safety: all methods are safe for concurrent use.
type Dispatcher struct {
	engine  *Engine
	emitter emit.Emitter

	queue   chan job
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
	workers int
}

// NewDispatcher creates a Dispatcher with the given number of workers and
// queue capacity. Defaults: 4 workers, capacity 64.
func NewDispatcher(engine *Engine, emitter emit.Emitter, workers, capacity int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	if capacity <= 0 {
		capacity = 64
	}
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Dispatcher{
		engine:  engine,
		emitter: emitter,
		queue:   make(chan job, capacity),
		workers: workers,
	}
}

// Start launches the worker pool. Workers exit when the queue is closed by
// Shutdown or when ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-d.queue:
			if !ok {
				return
			}
			d.handle(ctx, j)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, j job) {
	if j.callback != nil {
		ack, err := d.engine.HandleCallback(ctx, *j.callback)
		if j.reply != nil {
			j.reply <- callbackReply{ack: ack, err: err}
		}
		return
	}

	_, err := d.engine.Start(ctx, j.itemID, j.ownerID)
	if err != nil && !errors.Is(err, ErrDuplicateItem) {
		// Terminal-failure errors are already recorded on the instance; this
		// event is for runs that failed before or during checkpointing.
		d.emitter.Emit(emit.Event{
			ItemID: j.itemID,
			Msg:    "dispatch_item_failed",
			Meta:   map[string]interface{}{"error": err.Error()},
		})
	}
}

// SubmitItem queues an inbound item for processing. Blocks when the queue is
// full until capacity frees up or ctx is cancelled. Duplicate submissions
// are absorbed by the engine's duplicate-item guard.
func (d *Dispatcher) SubmitItem(ctx context.Context, itemID, ownerID string) error {
	return d.submit(ctx, job{itemID: itemID, ownerID: ownerID})
}

// SubmitCallback queues a callback and waits for its acknowledgement, so
// the messaging channel can show the issuer an immediate answer.
func (d *Dispatcher) SubmitCallback(ctx context.Context, cb Callback) (Ack, error) {
	reply := make(chan callbackReply, 1)
	if err := d.submit(ctx, job{callback: &cb, reply: reply}); err != nil {
		return Ack{}, err
	}
	select {
	case <-ctx.Done():
		return Ack{}, ctx.Err()
	case r := <-reply:
		return r.ack, r.err
	}
}

func (d *Dispatcher) submit(ctx context.Context, j job) error {
	// The lock is held across the send so Shutdown cannot close the queue
	// from under an in-flight submission. Workers keep draining while the
	// sender waits, so the critical section stays short.
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case d.queue <- j:
		return nil
	}
}

// Shutdown stops accepting work and waits for in-flight jobs to finish or
// ctx to expire. In-flight instances that do not finish in time simply stay
// at their last checkpoint and resume on the next submission or callback.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}
