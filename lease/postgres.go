package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"contractflow/lifecycle"
)

// Postgres keeps leases as TTL rows in sweep_leases. Expiry is judged by the
// database clock so holders on different hosts agree.
type Postgres struct {
	db lifecycle.Querier
}

func NewPostgres(db lifecycle.Querier) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Acquire(ctx context.Context, tenant lifecycle.TenantID, holder string, ttl time.Duration) error {
	if holder == "" {
		return fmt.Errorf("lease: empty holder")
	}
	if ttl <= 0 {
		return fmt.Errorf("lease: ttl must be positive")
	}

	const upsert = `
INSERT INTO sweep_leases (tenant_id, holder, acquired_at, expires_at)
VALUES ($1, $2, clock_timestamp(), clock_timestamp() + make_interval(secs => $3))
ON CONFLICT (tenant_id) DO UPDATE
SET holder = EXCLUDED.holder,
    acquired_at = EXCLUDED.acquired_at,
    expires_at = EXCLUDED.expires_at
WHERE sweep_leases.expires_at <= clock_timestamp() OR sweep_leases.holder = EXCLUDED.holder
RETURNING holder`

	var got string
	err := p.db.QueryRow(ctx, upsert, string(tenant), holder, ttl.Seconds()).Scan(&got)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return lifecycle.ErrLeaseHeld
		}
		return fmt.Errorf("lease: acquire: %w: %w", lifecycle.ErrStoreUnavailable, err)
	}
	return nil
}

// Release drops the lease if holder still owns it. Releasing a lease taken
// over by someone else is a no-op.
func (p *Postgres) Release(ctx context.Context, tenant lifecycle.TenantID, holder string) error {
	if _, err := p.db.Exec(ctx, `DELETE FROM sweep_leases WHERE tenant_id = $1 AND holder = $2`, string(tenant), holder); err != nil {
		return fmt.Errorf("lease: release: %w: %w", lifecycle.ErrStoreUnavailable, err)
	}
	return nil
}
