package lifecycle

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// setTenant binds the tenant to the current transaction. The insert guard
// trigger on lifecycle_events compares against this setting, so it must run
// before any event is appended.
func setTenant(ctx context.Context, tx pgx.Tx, tenant TenantID) error {
	if tenant == "" {
		return fmt.Errorf("lifecycle: tenant context missing")
	}
	if _, err := tx.Exec(ctx, `SELECT set_config('app.tenant_id', $1, true)`, string(tenant)); err != nil {
		return fmt.Errorf("lifecycle: set tenant context: %w", err)
	}
	return nil
}
