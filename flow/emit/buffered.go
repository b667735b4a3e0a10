package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory, organized
// by instance id.
//
// Intended for tests, debugging and post-execution analysis. All events stay
// in memory; long-lived production deployments should prefer LogEmitter or
// OTelEmitter.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // instanceID -> events
}

// HistoryFilter selects events from an instance's history. Empty fields
// match everything; set fields combine with AND.
type HistoryFilter struct {
	Node string // filter by node name
	Msg  string // filter by event message
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit stores the event. Safe for concurrent use.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.InstanceID] = append(b.events[event.InstanceID], event)
}

// History returns all events for an instance in emission order.
func (b *BufferedEmitter) History(instanceID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[instanceID]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// HistoryWithFilter returns the instance's events matching the filter.
func (b *BufferedEmitter) HistoryWithFilter(instanceID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, ev := range b.events[instanceID] {
		if filter.Node != "" && ev.Node != filter.Node {
			continue
		}
		if filter.Msg != "" && ev.Msg != filter.Msg {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Clear drops all events for an instance.
func (b *BufferedEmitter) Clear(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.events, instanceID)
}

// ClearAll drops every stored event.
func (b *BufferedEmitter) ClearAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = make(map[string][]Event)
}
