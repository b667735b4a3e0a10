// Package emit provides pluggable observability for workflow execution.
package emit

// Emitter receives and processes observability events from workflow
// execution.
//
// Implementations should be:
//   - Non-blocking: avoid slowing down workflow execution
//   - Thread-safe: workers emit concurrently
//   - Resilient: an emitter failure must never fail a workflow
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	// Emit must not panic; internal errors are swallowed or logged.
	Emit(event Event)
}

// MultiEmitter fans events out to several emitters in order.
type MultiEmitter []Emitter

// Emit delivers the event to every wrapped emitter.
func (m MultiEmitter) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}
