package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

type outboxRow struct {
	topic   string
	payload []byte
}

// memStore is an in-memory Store. It ignores the transaction argument, so
// writes are visible immediately; the service only writes after validation.
type memStore struct {
	mu        sync.Mutex
	contracts map[string]Contract
	events    map[string][]Event
	outbox    []outboxRow
}

func newMemStore() *memStore {
	return &memStore{
		contracts: map[string]Contract{},
		events:    map[string][]Event{},
	}
}

func memKey(tenant TenantID, id string) string {
	return string(tenant) + "/" + id
}

func (m *memStore) LockContract(_ context.Context, _ pgx.Tx, tenant TenantID, id string) (Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contracts[memKey(tenant, id)]
	if !ok {
		return Contract{}, fmt.Errorf("%w: contract %s", ErrNotFound, id)
	}
	return c, nil
}

func (m *memStore) InsertContract(_ context.Context, _ pgx.Tx, c Contract) (Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(c.TenantID, c.ID)
	if _, ok := m.contracts[k]; ok {
		return Contract{}, fmt.Errorf("%w: contract %s already exists", ErrConflict, c.ID)
	}
	m.contracts[k] = c
	return c, nil
}

func (m *memStore) UpdateContractState(_ context.Context, _ pgx.Tx, c Contract) (Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(c.TenantID, c.ID)
	if _, ok := m.contracts[k]; !ok {
		return Contract{}, ErrNotFound
	}
	m.contracts[k] = c
	return c, nil
}

func (m *memStore) FindEventByKey(_ context.Context, _ pgx.Tx, tenant TenantID, contractID, key string) (Event, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events[memKey(tenant, contractID)] {
		if ev.IdempotencyKey != nil && *ev.IdempotencyKey == key {
			return ev, true, nil
		}
	}
	return Event{}, false, nil
}

func (m *memStore) FindCreatedByKey(_ context.Context, _ pgx.Tx, tenant TenantID, key string) (Event, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, evs := range m.events {
		for _, ev := range evs {
			if ev.TenantID == tenant && ev.Type == EventCreated && ev.IdempotencyKey != nil && *ev.IdempotencyKey == key {
				return ev, true, nil
			}
		}
	}
	return Event{}, false, nil
}

func (m *memStore) LastEvent(_ context.Context, _ pgx.Tx, tenant TenantID, contractID string) (int, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	evs := m.events[memKey(tenant, contractID)]
	if len(evs) == 0 {
		return 0, time.Time{}, nil
	}
	last := evs[len(evs)-1]
	return last.Seq, last.CreatedAt, nil
}

func (m *memStore) InsertEvent(_ context.Context, _ pgx.Tx, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey(ev.TenantID, ev.ContractID)
	for _, existing := range m.events[k] {
		if existing.Seq == ev.Seq {
			return ErrDuplicateEvent
		}
	}
	m.events[k] = append(m.events[k], ev)
	return nil
}

func (m *memStore) EnqueueOutbox(_ context.Context, _ pgx.Tx, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outbox = append(m.outbox, outboxRow{topic: topic, payload: payload})
	return nil
}

func (m *memStore) ListEvents(_ context.Context, _ Querier, tenant TenantID, contractID string) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events[memKey(tenant, contractID)]...), nil
}

func (m *memStore) eventCount(tenant TenantID, id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events[memKey(tenant, id)])
}

// fixedClock returns a clock that can be moved by tests.
type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func sequentialIDs(prefix string) func() string {
	var (
		mu sync.Mutex
		n  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}
