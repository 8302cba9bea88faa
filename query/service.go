// Package query is the read-only façade over contracts and their event
// logs. Listing filters reuse the predicates the alert engine uses.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"contractflow/lifecycle"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Page is one slice of a contract listing.
type Page struct {
	Items  []lifecycle.Contract
	Total  int
	Limit  int
	Offset int
}

type Service struct {
	pool   lifecycle.TxBeginner
	repo   Store
	now    func() time.Time
	logger *zap.Logger
}

func NewService(pool lifecycle.TxBeginner, repo Store) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{
		pool:   pool,
		repo:   repo,
		now:    time.Now,
		logger: zap.NewNop(),
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithLogger(l *zap.Logger) *Service {
	if l != nil {
		s.logger = l.With(zap.String("component", "query"))
	}
	return s
}

// snapshot opens a read-only transaction so related reads agree with each other.
func (s *Service) snapshot(ctx context.Context) (pgx.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, lifecycle.WrapStore("query", "begin tx", err)
	}
	if _, err := tx.Exec(ctx, `SET TRANSACTION ISOLATION LEVEL REPEATABLE READ, READ ONLY`); err != nil {
		tx.Rollback(ctx)
		return nil, lifecycle.WrapStore("query", "set isolation", err)
	}
	return tx, nil
}

// ListContracts returns the contracts matching f, newest first, with the
// total number of matches.
func (s *Service) ListContracts(ctx context.Context, tenant lifecycle.TenantID, f lifecycle.Filters) (Page, error) {
	if tenant == "" {
		return Page{}, fmt.Errorf("%w: missing tenant id", lifecycle.ErrInvalidPayload)
	}
	if err := f.Validate(); err != nil {
		return Page{}, err
	}
	limit := f.Limit
	switch {
	case limit == 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}

	tx, err := s.snapshot(ctx)
	if err != nil {
		return Page{}, err
	}
	defer tx.Rollback(ctx)

	now := s.now().UTC()
	total, err := s.repo.Count(ctx, tx, lifecycle.BuildPredicate(tenant, f, now))
	if err != nil {
		return Page{}, lifecycle.WrapStore("query", "count contracts", err)
	}
	items, err := s.repo.List(ctx, tx, lifecycle.BuildPredicate(tenant, f, now), limit, f.Offset)
	if err != nil {
		return Page{}, lifecycle.WrapStore("query", "list contracts", err)
	}
	return Page{Items: items, Total: total, Limit: limit, Offset: f.Offset}, nil
}

// GetLifecycleHistory returns the contract's events in seq order.
func (s *Service) GetLifecycleHistory(ctx context.Context, tenant lifecycle.TenantID, contractID string) ([]lifecycle.Event, error) {
	tx, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := s.repo.Contract(ctx, tx, tenant, contractID); err != nil {
		return nil, lifecycle.WrapStore("query", "get contract", err)
	}
	events, err := s.repo.History(ctx, tx, tenant, contractID)
	if err != nil {
		return nil, lifecycle.WrapStore("query", "history", err)
	}
	if events == nil {
		events = []lifecycle.Event{}
	}
	return events, nil
}

// GetLifecycleStats counts matching contracts per status and measures how
// long they spent in each status.
func (s *Service) GetLifecycleStats(ctx context.Context, tenant lifecycle.TenantID, f lifecycle.Filters) (Stats, error) {
	if tenant == "" {
		return Stats{}, fmt.Errorf("%w: missing tenant id", lifecycle.ErrInvalidPayload)
	}
	if err := f.Validate(); err != nil {
		return Stats{}, err
	}

	tx, err := s.snapshot(ctx)
	if err != nil {
		return Stats{}, err
	}
	defer tx.Rollback(ctx)

	now := s.now().UTC()
	counts, err := s.repo.CountByStatus(ctx, tx, lifecycle.BuildPredicate(tenant, f, now))
	if err != nil {
		return Stats{}, lifecycle.WrapStore("query", "count by status", err)
	}
	changes, err := s.repo.StatusChanges(ctx, tx, lifecycle.BuildPredicate(tenant, f, now))
	if err != nil {
		return Stats{}, lifecycle.WrapStore("query", "status changes", err)
	}

	out := Stats{Counts: map[lifecycle.Status]int{}, TimeInStage: TimeInStage(changes, now)}
	for _, st := range lifecycle.AllStatuses {
		out.Counts[st] = counts[st]
		out.Total += counts[st]
	}
	s.logger.Debug("lifecycle stats computed",
		zap.String("tenant_id", string(tenant)),
		zap.Int("contracts", out.Total),
		zap.Int("events", len(changes)),
	)
	return out, nil
}
