package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/driftlock/hookrelay/internal/delivery"
)

// Memory is an in-process Store. It backs tests and single-node development
// setups; production deployments use Postgres.
type Memory struct {
	mu         sync.RWMutex
	endpoints  map[string]*delivery.Endpoint
	deliveries map[string]*delivery.Delivery
	seenEvents map[string]struct{} // owner + "\x00" + idempotency key
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		endpoints:  make(map[string]*delivery.Endpoint),
		deliveries: make(map[string]*delivery.Delivery),
		seenEvents: make(map[string]struct{}),
	}
}

func copyEndpoint(ep *delivery.Endpoint) *delivery.Endpoint {
	cp := *ep
	cp.EventTypes = append([]string(nil), ep.EventTypes...)
	if ep.LastSuccessAt != nil {
		t := *ep.LastSuccessAt
		cp.LastSuccessAt = &t
	}
	if ep.LastFailureAt != nil {
		t := *ep.LastFailureAt
		cp.LastFailureAt = &t
	}
	return &cp
}

func copyDelivery(d *delivery.Delivery) *delivery.Delivery {
	cp := *d
	cp.Payload = append([]byte(nil), d.Payload...)
	if d.DeliveredAt != nil {
		t := *d.DeliveredAt
		cp.DeliveredAt = &t
	}
	return &cp
}

func (m *Memory) FindActiveSubscribers(_ context.Context, ownerID, eventType string) ([]*delivery.Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*delivery.Endpoint
	for _, ep := range m.endpoints {
		if ep.OwnerID == ownerID && ep.Active && ep.SubscribedTo(eventType) {
			out = append(out, copyEndpoint(ep))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetEndpoint(_ context.Context, id string) (*delivery.Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.endpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEndpoint(ep), nil
}

func (m *Memory) RecordOutcome(_ context.Context, id string, success bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[id]
	if !ok {
		return ErrNotFound
	}
	if success {
		ep.LastSuccessAt = &at
		ep.ConsecutiveFailures = 0
	} else {
		ep.LastFailureAt = &at
		ep.ConsecutiveFailures++
	}
	return nil
}

func (m *Memory) CreateEndpoint(_ context.Context, ep *delivery.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpoints[ep.ID] = copyEndpoint(ep)
	return nil
}

func (m *Memory) ListEndpoints(_ context.Context, ownerID string) ([]*delivery.Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*delivery.Endpoint
	for _, ep := range m.endpoints {
		if ownerID == "" || ep.OwnerID == ownerID {
			out = append(out, copyEndpoint(ep))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeactivateEndpoint(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[id]
	if !ok {
		return ErrNotFound
	}
	ep.Active = false
	return nil
}

func (m *Memory) InsertDeliveries(_ context.Context, ds []*delivery.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range ds {
		m.deliveries[d.ID] = copyDelivery(d)
	}
	return nil
}

func (m *Memory) GetDelivery(_ context.Context, id string) (*delivery.Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDelivery(d), nil
}

func (m *Memory) UpdateDelivery(_ context.Context, id string, patch delivery.Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	if d.Status.Terminal() {
		return ErrTerminal
	}
	if patch.Status != nil {
		d.Status = *patch.Status
	}
	if patch.AttemptCount != nil {
		d.AttemptCount = *patch.AttemptCount
	}
	if patch.LastHTTPStatus != nil {
		d.LastHTTPStatus = *patch.LastHTTPStatus
	}
	if patch.LastError != nil {
		d.LastError = *patch.LastError
	}
	if patch.NextAttemptAt != nil {
		d.NextAttemptAt = *patch.NextAttemptAt
	}
	if patch.DeliveredAt != nil {
		t := *patch.DeliveredAt
		d.DeliveredAt = &t
	}
	d.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) FindDue(_ context.Context, before time.Time, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	type due struct {
		id string
		at time.Time
	}
	var found []due
	for _, d := range m.deliveries {
		if d.Status.Awaiting() && !d.NextAttemptAt.After(before) {
			found = append(found, due{d.ID, d.NextAttemptAt})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].at.Before(found[j].at) })
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	ids := make([]string, len(found))
	for i, f := range found {
		ids[i] = f.id
	}
	return ids, nil
}

func (m *Memory) ListByEndpoint(_ context.Context, endpointID string, limit int) ([]*delivery.Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*delivery.Delivery
	for _, d := range m.deliveries {
		if d.EndpointID == endpointID {
			out = append(out, copyDelivery(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, d := range m.deliveries {
		if d.Status.Terminal() && d.CreatedAt.Before(cutoff) {
			delete(m.deliveries, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) ClaimDelivery(_ context.Context, id string, now, until time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return false, nil
	}
	if !d.Status.Awaiting() || d.NextAttemptAt.After(now) {
		return false, nil
	}
	d.NextAttemptAt = until
	d.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *Memory) SeenEvent(_ context.Context, ownerID, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.seenEvents[ownerID+"\x00"+key]
	return ok, nil
}

func (m *Memory) MarkEventSeen(_ context.Context, ownerID, key string) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seenEvents[ownerID+"\x00"+key] = struct{}{}
	return nil
}
