package query

import (
	"context"
	"fmt"

	"contractflow/lifecycle"
)

// Store is the read side used by the service.
type Store interface {
	List(ctx context.Context, q lifecycle.Querier, p *lifecycle.Predicate, limit, offset int) ([]lifecycle.Contract, error)
	Count(ctx context.Context, q lifecycle.Querier, p *lifecycle.Predicate) (int, error)
	CountByStatus(ctx context.Context, q lifecycle.Querier, p *lifecycle.Predicate) (map[lifecycle.Status]int, error)
	StatusChanges(ctx context.Context, q lifecycle.Querier, p *lifecycle.Predicate) ([]StatusChange, error)
	Contract(ctx context.Context, q lifecycle.Querier, tenant lifecycle.TenantID, id string) (lifecycle.Contract, error)
	History(ctx context.Context, q lifecycle.Querier, tenant lifecycle.TenantID, id string) ([]lifecycle.Event, error)
}

type Repository struct {
	events *lifecycle.Repository
}

func NewRepository() *Repository {
	return &Repository{events: lifecycle.NewRepository()}
}

func (r *Repository) List(ctx context.Context, q lifecycle.Querier, p *lifecycle.Predicate, limit, offset int) ([]lifecycle.Contract, error) {
	sql := `SELECT ` + lifecycle.ContractColumns + ` FROM contracts` + p.Where() +
		` ORDER BY created_at DESC, id ASC LIMIT ` + p.Arg(limit) + ` OFFSET ` + p.Arg(offset)
	rows, err := q.Query(ctx, sql, p.Args()...)
	if err != nil {
		return nil, fmt.Errorf("query: list contracts: %w", err)
	}
	defer rows.Close()

	out := []lifecycle.Contract{}
	for rows.Next() {
		c, err := lifecycle.ScanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("query: scan contract: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query: list contracts: %w", err)
	}
	return out, nil
}

func (r *Repository) Count(ctx context.Context, q lifecycle.Querier, p *lifecycle.Predicate) (int, error) {
	var n int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM contracts`+p.Where(), p.Args()...).Scan(&n); err != nil {
		return 0, fmt.Errorf("query: count contracts: %w", err)
	}
	return n, nil
}

func (r *Repository) CountByStatus(ctx context.Context, q lifecycle.Querier, p *lifecycle.Predicate) (map[lifecycle.Status]int, error) {
	rows, err := q.Query(ctx, `SELECT status, COUNT(*) FROM contracts`+p.Where()+` GROUP BY status`, p.Args()...)
	if err != nil {
		return nil, fmt.Errorf("query: count by status: %w", err)
	}
	defer rows.Close()

	out := map[lifecycle.Status]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("query: scan status count: %w", err)
		}
		out[lifecycle.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query: count by status: %w", err)
	}
	return out, nil
}

// StatusChanges returns the log of every contract matching p, grouped by
// contract and ordered by seq. The predicate's unqualified columns resolve
// against contracts inside the subquery.
func (r *Repository) StatusChanges(ctx context.Context, q lifecycle.Querier, p *lifecycle.Predicate) ([]StatusChange, error) {
	sql := `SELECT e.contract_id::text, e.seq, e.new_status, e.created_at
        FROM lifecycle_events e
        WHERE e.contract_id IN (SELECT id FROM contracts` + p.Where() + `)
        ORDER BY e.contract_id, e.seq`
	rows, err := q.Query(ctx, sql, p.Args()...)
	if err != nil {
		return nil, fmt.Errorf("query: status changes: %w", err)
	}
	defer rows.Close()

	var out []StatusChange
	for rows.Next() {
		var (
			ch     StatusChange
			status string
		)
		if err := rows.Scan(&ch.ContractID, &ch.Seq, &status, &ch.At); err != nil {
			return nil, fmt.Errorf("query: scan status change: %w", err)
		}
		ch.Status = lifecycle.Status(status)
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query: status changes: %w", err)
	}
	return out, nil
}

func (r *Repository) Contract(ctx context.Context, q lifecycle.Querier, tenant lifecycle.TenantID, id string) (lifecycle.Contract, error) {
	return lifecycle.GetContract(ctx, q, tenant, id)
}

func (r *Repository) History(ctx context.Context, q lifecycle.Querier, tenant lifecycle.TenantID, id string) ([]lifecycle.Event, error) {
	return r.events.ListEvents(ctx, q, tenant, id)
}
