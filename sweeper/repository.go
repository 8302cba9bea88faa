package sweeper

import (
	"context"
	"fmt"
	"time"

	"contractflow/lifecycle"
)

// Store selects the contracts a sweep should expire.
type Store interface {
	Overdue(ctx context.Context, q lifecycle.Querier, tenant lifecycle.TenantID, now time.Time, limit int) ([]lifecycle.Contract, error)
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Overdue returns live contracts whose term ended at or before now, oldest
// expiry first.
func (r *Repository) Overdue(ctx context.Context, q lifecycle.Querier, tenant lifecycle.TenantID, now time.Time, limit int) ([]lifecycle.Contract, error) {
	p := lifecycle.NewPredicate(tenant)
	p.Overdue(now)
	sql := `SELECT ` + lifecycle.ContractColumns + ` FROM contracts` + p.Where() +
		` ORDER BY effective_expires_at ASC, id ASC LIMIT ` + p.Arg(limit)

	rows, err := q.Query(ctx, sql, p.Args()...)
	if err != nil {
		return nil, fmt.Errorf("sweeper: select overdue: %w", err)
	}
	defer rows.Close()

	var out []lifecycle.Contract
	for rows.Next() {
		c, err := lifecycle.ScanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("sweeper: scan overdue: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sweeper: select overdue: %w", err)
	}
	return out, nil
}
