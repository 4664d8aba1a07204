// Package store provides in-memory Store and Notifier implementations for
// tests and development.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/meridian/cargo-engine/engine"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

type Memory struct {
	mu         sync.RWMutex
	deliveries map[string]engine.DeliveryRecord
	projects   map[string]engine.Project
	clientQ    map[quotaKey]engine.ClientQuota
	depotQ     map[quotaKey]engine.DepotQuota
}

type quotaKey struct {
	HolderID  string
	ProjectID string
}

func NewMemory() *Memory {
	return &Memory{
		deliveries: make(map[string]engine.DeliveryRecord),
		projects:   make(map[string]engine.Project),
		clientQ:    make(map[quotaKey]engine.ClientQuota),
		depotQ:     make(map[quotaKey]engine.DepotQuota),
	}
}

func (m *Memory) GetDelivery(_ context.Context, id string) (*engine.DeliveryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.deliveries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrRecordNotFound, id)
	}
	out := rec
	return &out, nil
}

func (m *Memory) FindByBusinessKey(_ context.Context, projectID string, key engine.BusinessKey, side engine.Side) (*engine.DeliveryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.deliveries {
		if rec.ProjectID == projectID && rec.Key == key && rec.Side == side {
			out := rec
			return &out, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListByScope(_ context.Context, scope engine.Scope, projectID string) ([]engine.DeliveryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []engine.DeliveryRecord
	for _, rec := range m.deliveries {
		if rec.ProjectID != projectID {
			continue
		}
		switch scope.Kind {
		case engine.ScopeProject:
			result = append(result, rec)
		case engine.ScopeClient:
			if rec.ClientID == scope.ID {
				result = append(result, rec)
			}
		case engine.ScopeDepot:
			if rec.DepotID == scope.ID {
				result = append(result, rec)
			}
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].OccurredAt.Before(result[j].OccurredAt)
	})
	return result, nil
}

func (m *Memory) CreateDelivery(_ context.Context, rec *engine.DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.deliveries {
		if existing.ProjectID == rec.ProjectID && existing.Key == rec.Key && existing.Side == rec.Side {
			return fmt.Errorf("%w: %s %s", engine.ErrDuplicateBusinessKey, rec.Side, rec.Key)
		}
	}
	m.deliveries[rec.ID] = *rec.Clone()
	return nil
}

func (m *Memory) UpdateDelivery(_ context.Context, rec *engine.DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deliveries[rec.ID]; !ok {
		return fmt.Errorf("%w: %s", engine.ErrRecordNotFound, rec.ID)
	}
	// Same unique (project, side, key) constraint the sqlite index enforces.
	for _, existing := range m.deliveries {
		if existing.ID != rec.ID && existing.ProjectID == rec.ProjectID &&
			existing.Key == rec.Key && existing.Side == rec.Side {
			return fmt.Errorf("%w: %s %s", engine.ErrDuplicateBusinessKey, rec.Side, rec.Key)
		}
	}
	m.deliveries[rec.ID] = *rec.Clone()
	return nil
}

func (m *Memory) DeleteDelivery(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deliveries[id]; !ok {
		return fmt.Errorf("%w: %s", engine.ErrRecordNotFound, id)
	}
	delete(m.deliveries, id)
	return nil
}

// =============================================================================
// MASTER DATA
// =============================================================================

func (m *Memory) GetProject(_ context.Context, id string) (*engine.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrProjectNotFound, id)
	}
	out := p
	return &out, nil
}

func (m *Memory) SaveProject(_ context.Context, p engine.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[p.ID] = p
	return nil
}

func (m *Memory) ListProjects(_ context.Context) ([]engine.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]engine.Project, 0, len(m.projects))
	for _, p := range m.projects {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) GetClientQuota(_ context.Context, clientID, projectID string) (*engine.ClientQuota, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.clientQ[quotaKey{clientID, projectID}]
	if !ok {
		return nil, nil
	}
	out := q
	return &out, nil
}

func (m *Memory) SaveClientQuota(_ context.Context, q engine.ClientQuota) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clientQ[quotaKey{q.ClientID, q.ProjectID}] = q
	return nil
}

func (m *Memory) GetDepotQuota(_ context.Context, depotID, projectID string) (*engine.DepotQuota, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.depotQ[quotaKey{depotID, projectID}]
	if !ok {
		return nil, nil
	}
	out := q
	return &out, nil
}

func (m *Memory) SaveDepotQuota(_ context.Context, q engine.DepotQuota) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.depotQ[quotaKey{q.DepotID, q.ProjectID}] = q
	return nil
}

// =============================================================================
// MEMORY NOTIFIER
// =============================================================================

// MemoryNotifier records notifications for assertions in tests.
type MemoryNotifier struct {
	mu            sync.Mutex
	notifications []engine.Notification

	// FailNext makes the next Notify call fail, for best-effort tests.
	FailNext bool
}

func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{}
}

func (n *MemoryNotifier) Notify(_ context.Context, notification engine.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.FailNext {
		n.FailNext = false
		return fmt.Errorf("notification sink unavailable")
	}
	n.notifications = append(n.notifications, notification)
	return nil
}

// Notifications returns a copy of everything recorded so far.
func (n *MemoryNotifier) Notifications() []engine.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]engine.Notification, len(n.notifications))
	copy(out, n.notifications)
	return out
}
