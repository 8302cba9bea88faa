package lease

import (
	"context"
	"sync"
	"time"

	"contractflow/lifecycle"
)

// Memory is a process-local Locker for single-instance deployments and tests.
type Memory struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[lifecycle.TenantID]memoryLease
}

type memoryLease struct {
	holder  string
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{now: time.Now, leases: map[lifecycle.TenantID]memoryLease{}}
}

func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Acquire(_ context.Context, tenant lifecycle.TenantID, holder string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if cur, ok := m.leases[tenant]; ok && cur.holder != holder && now.Before(cur.expires) {
		return lifecycle.ErrLeaseHeld
	}
	m.leases[tenant] = memoryLease{holder: holder, expires: now.Add(ttl)}
	return nil
}

func (m *Memory) Release(_ context.Context, tenant lifecycle.TenantID, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.leases[tenant]; ok && cur.holder == holder {
		delete(m.leases, tenant)
	}
	return nil
}
