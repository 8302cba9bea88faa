package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"contractflow/lifecycle"
)

// Store defines the data access required by the engine.
type Store interface {
	Candidates(ctx context.Context, q lifecycle.Querier, tenant lifecycle.TenantID, t Type, now time.Time, daysAhead int) ([]lifecycle.Contract, error)
	FindOpen(ctx context.Context, q lifecycle.Querier, tenant lifecycle.TenantID, contractID string, t Type) (Alert, bool, error)
	AcknowledgedFor(ctx context.Context, q lifecycle.Querier, tenant lifecycle.TenantID, contractID string, t Type, due time.Time) (bool, error)
	// Insert returns false when an open alert already exists.
	Insert(ctx context.Context, q lifecycle.Querier, a Alert) (Alert, bool, error)
	Acknowledge(ctx context.Context, q lifecycle.Querier, tenant lifecycle.TenantID, id string, at time.Time) (Alert, error)
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const alertColumns = `id::text, tenant_id, contract_id::text, alert_type, due_date, raised_at, acknowledged_at`

// Candidates returns the contracts whose alert predicate holds, using the
// same predicates as the contract listing filters.
func (r *Repository) Candidates(ctx context.Context, q lifecycle.Querier, tenant lifecycle.TenantID, t Type, now time.Time, daysAhead int) ([]lifecycle.Contract, error) {
	p := lifecycle.NewPredicate(tenant)
	switch t {
	case TypeRenewal:
		p.RenewalDueWithin(now, daysAhead)
	case TypeExpiration:
		p.ExpiringWithin(now, daysAhead)
	default:
		return nil, fmt.Errorf("%w: unknown alert type %q", lifecycle.ErrInvalidPayload, t)
	}

	rows, err := q.Query(ctx, `SELECT `+lifecycle.ContractColumns+` FROM contracts`+p.Where()+` ORDER BY effective_expires_at ASC, id ASC`, p.Args()...)
	if err != nil {
		return nil, fmt.Errorf("alert: list candidates: %w", err)
	}
	defer rows.Close()

	var out []lifecycle.Contract
	for rows.Next() {
		c, err := lifecycle.ScanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("alert: scan candidate: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("alert: list candidates: %w", err)
	}
	return out, nil
}

func (r *Repository) FindOpen(ctx context.Context, q lifecycle.Querier, tenant lifecycle.TenantID, contractID string, t Type) (Alert, bool, error) {
	row := q.QueryRow(ctx, `SELECT `+alertColumns+`
        FROM contract_alerts
        WHERE tenant_id = $1 AND contract_id = $2 AND alert_type = $3 AND acknowledged_at IS NULL`,
		string(tenant), contractID, string(t))
	a, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Alert{}, false, nil
		}
		return Alert{}, false, fmt.Errorf("alert: find open: %w", err)
	}
	return a, true, nil
}

func (r *Repository) AcknowledgedFor(ctx context.Context, q lifecycle.Querier, tenant lifecycle.TenantID, contractID string, t Type, due time.Time) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM contract_alerts
            WHERE tenant_id = $1 AND contract_id = $2 AND alert_type = $3
              AND due_date = $4 AND acknowledged_at IS NOT NULL
        )`, string(tenant), contractID, string(t), due).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("alert: check acknowledged: %w", err)
	}
	return exists, nil
}

func (r *Repository) Insert(ctx context.Context, q lifecycle.Querier, a Alert) (Alert, bool, error) {
	row := q.QueryRow(ctx, `
        INSERT INTO contract_alerts (id, tenant_id, contract_id, alert_type, due_date, raised_at)
        VALUES ($1::uuid, $2, $3::uuid, $4, $5, $6)
        ON CONFLICT (tenant_id, contract_id, alert_type) WHERE acknowledged_at IS NULL DO NOTHING
        RETURNING `+alertColumns,
		a.ID, string(a.TenantID), a.ContractID, string(a.Type), a.DueDate, a.RaisedAt)
	out, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Alert{}, false, nil
		}
		return Alert{}, false, fmt.Errorf("alert: insert: %w", err)
	}
	return out, true, nil
}

// Acknowledge stamps acknowledged_at once. Acknowledging twice keeps the
// first timestamp.
func (r *Repository) Acknowledge(ctx context.Context, q lifecycle.Querier, tenant lifecycle.TenantID, id string, at time.Time) (Alert, error) {
	if !lifecycle.ValidID(id) {
		return Alert{}, fmt.Errorf("%w: alert %s", lifecycle.ErrNotFound, id)
	}
	row := q.QueryRow(ctx, `
        UPDATE contract_alerts
        SET acknowledged_at = COALESCE(acknowledged_at, $3)
        WHERE tenant_id = $1 AND id = $2
        RETURNING `+alertColumns, string(tenant), id, at)
	a, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Alert{}, fmt.Errorf("%w: alert %s", lifecycle.ErrNotFound, id)
		}
		return Alert{}, fmt.Errorf("alert: acknowledge: %w", err)
	}
	return a, nil
}

func scanAlert(row pgx.Row) (Alert, error) {
	var (
		a      Alert
		tenant string
		typ    string
	)
	if err := row.Scan(&a.ID, &tenant, &a.ContractID, &typ, &a.DueDate, &a.RaisedAt, &a.AcknowledgedAt); err != nil {
		return Alert{}, err
	}
	a.TenantID = lifecycle.TenantID(tenant)
	a.Type = Type(typ)
	return a, nil
}
