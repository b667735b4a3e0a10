package emit

// Event represents an observability event emitted during workflow execution.
//
// Events cover the engine's lifecycle moments: node completion, suspension,
// resume, retry, dead-lettering, and terminal transitions. They are
// delivered to an Emitter which may log them, convert them to spans, or
// buffer them for inspection.
type Event struct {
	// InstanceID identifies the workflow run that emitted this event.
	InstanceID string

	// ItemID identifies the inbound item being processed.
	ItemID string

	// Node is the node the event relates to. Empty for run-level events.
	Node string

	// Msg is a short event name, e.g. "node_completed", "suspended",
	// "resumed", "dead_lettered", "completed", "failed".
	Msg string

	// Meta carries additional structured data. Common keys:
	//   - "status": instance status after the event
	//   - "decision": the human decision applied on resume
	//   - "error": failure details
	//   - "attempts": retry attempts consumed by a collaborator call
	Meta map[string]interface{}
}
