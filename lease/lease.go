// Package lease provides the per-tenant mutual exclusion used by the
// expiration sweeper. A lease is a holder id with a TTL; an expired lease can
// be taken over by anyone, so a crashed holder never blocks sweeps for longer
// than the TTL.
package lease

import (
	"context"
	"time"

	"contractflow/lifecycle"
)

// Locker acquires and releases sweep leases. Acquire returns
// lifecycle.ErrLeaseHeld when another holder owns an unexpired lease for the
// tenant. Acquiring a lease already owned by holder extends it.
type Locker interface {
	Acquire(ctx context.Context, tenant lifecycle.TenantID, holder string, ttl time.Duration) error
	Release(ctx context.Context, tenant lifecycle.TenantID, holder string) error
}
