package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/inboxflow/inboxflow/flow"
)

// MemStore is an in-memory implementation of Store.
//
// Designed for tests and development: it honors every atomicity contract of
// the interface (single mutex around each operation) but loses all data when
// the process exits. For durable deployments use SQLiteStore or MySQLStore.
type MemStore struct {
	mu          sync.Mutex
	instances   map[string]flow.Instance      // instanceID -> instance
	registry    map[string]flow.RegistryEntry // itemID -> entry
	markers     map[string]flow.Markers       // itemID -> markers
	deadLetters []flow.DeadLetter
	suspendedAt map[string]time.Time // instanceID -> when it suspended
	clock       func() time.Time
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		instances:   make(map[string]flow.Instance),
		registry:    make(map[string]flow.RegistryEntry),
		markers:     make(map[string]flow.Markers),
		suspendedAt: make(map[string]time.Time),
		clock:       time.Now,
	}
}

// CreateInstance atomically inserts the instance and its registry entry.
func (m *MemStore) CreateInstance(_ context.Context, inst flow.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.registry[inst.ItemID]; exists {
		return ErrDuplicateItem
	}
	now := m.clock()
	inst.CreatedAt = now
	inst.UpdatedAt = now
	m.instances[inst.ID] = inst
	m.registry[inst.ItemID] = flow.RegistryEntry{
		ItemID:     inst.ItemID,
		InstanceID: inst.ID,
	}
	return nil
}

// SaveInstance replaces the instance snapshot.
func (m *MemStore) SaveInstance(_ context.Context, inst flow.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, exists := m.instances[inst.ID]
	if !exists {
		return ErrNotFound
	}
	inst.CreatedAt = prev.CreatedAt
	inst.UpdatedAt = m.clock()
	m.instances[inst.ID] = inst
	if inst.Status == flow.StatusSuspended {
		m.suspendedAt[inst.ID] = inst.UpdatedAt
	} else {
		delete(m.suspendedAt, inst.ID)
	}
	return nil
}

// LoadInstance retrieves an instance by id.
func (m *MemStore) LoadInstance(_ context.Context, instanceID string) (flow.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, exists := m.instances[instanceID]
	if !exists {
		return flow.Instance{}, ErrNotFound
	}
	return inst, nil
}

// LookupItem resolves an item id to its registry entry.
func (m *MemStore) LookupItem(_ context.Context, itemID string) (flow.RegistryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.registry[itemID]
	if !exists {
		return flow.RegistryEntry{}, ErrNotFound
	}
	return entry, nil
}

// UpdateExternalMessage records the latest outbound message for an item.
func (m *MemStore) UpdateExternalMessage(_ context.Context, itemID, externalMessageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.registry[itemID]
	if !exists {
		return ErrNotFound
	}
	entry.ExternalMessageID = externalMessageID
	m.registry[itemID] = entry
	return nil
}

// ClaimSuspended performs the suspended→running compare-and-swap.
func (m *MemStore) ClaimSuspended(_ context.Context, instanceID string) (flow.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, exists := m.instances[instanceID]
	if !exists {
		return flow.Instance{}, ErrNotFound
	}
	if inst.Status != flow.StatusSuspended {
		return flow.Instance{}, ErrNotSuspended
	}
	inst.Status = flow.StatusRunning
	inst.UpdatedAt = m.clock()
	m.instances[instanceID] = inst
	delete(m.suspendedAt, instanceID)
	return inst, nil
}

// Markers reads the idempotency markers for an item.
func (m *MemStore) Markers(_ context.Context, itemID string) (flow.Markers, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markers[itemID], nil
}

// SetLabelApplied sets the label-applied marker once.
func (m *MemStore) SetLabelApplied(_ context.Context, itemID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mk := m.markers[itemID]
	if mk.LabelAppliedAt != nil {
		return nil
	}
	mk.LabelAppliedAt = &at
	mk.Version++
	m.markers[itemID] = mk
	return nil
}

// SetReplySent sets the reply-sent marker once.
func (m *MemStore) SetReplySent(_ context.Context, itemID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mk := m.markers[itemID]
	if mk.ReplySentAt != nil {
		return nil
	}
	mk.ReplySentAt = &at
	mk.Version++
	m.markers[itemID] = mk
	return nil
}

// SaveDeadLetter appends a dead-letter entry.
func (m *MemStore) SaveDeadLetter(_ context.Context, entry flow.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetters = append(m.deadLetters, entry)
	return nil
}

// ListDeadLetters returns unresolved entries in insertion order.
func (m *MemStore) ListDeadLetters(_ context.Context) ([]flow.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]flow.DeadLetter, 0, len(m.deadLetters))
	for _, dl := range m.deadLetters {
		if !dl.Resolved {
			out = append(out, dl)
		}
	}
	return out, nil
}

// ResolveDeadLetter marks an entry resolved.
func (m *MemStore) ResolveDeadLetter(_ context.Context, id, notes string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.deadLetters {
		if m.deadLetters[i].ID == id {
			m.deadLetters[i].Resolved = true
			m.deadLetters[i].ResolutionNotes = notes
			return nil
		}
	}
	return ErrNotFound
}

// ListByOwnerStatus returns matching instances ordered by creation time.
func (m *MemStore) ListByOwnerStatus(_ context.Context, ownerID string, status flow.Status) ([]flow.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []flow.Instance
	for _, inst := range m.instances {
		if inst.OwnerID == ownerID && inst.Status == status {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListSuspendedBefore returns instances suspended before the cutoff.
func (m *MemStore) ListSuspendedBefore(_ context.Context, cutoff time.Time) ([]flow.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []flow.Instance
	for id, at := range m.suspendedAt {
		if at.Before(cutoff) {
			out = append(out, m.instances[id])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}
