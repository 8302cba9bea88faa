// Package alert raises renewal and expiration alerts for contracts
// approaching their dates. It never changes contract status.
package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"contractflow/lifecycle"
	"contractflow/metrics"
)

type Engine struct {
	pool        lifecycle.TxBeginner
	repo        Store
	now         func() time.Time
	idGenerator func() string
	logger      *zap.Logger
	metrics     *metrics.Recorder
}

func NewEngine(pool lifecycle.TxBeginner, repo Store) *Engine {
	if repo == nil {
		repo = NewRepository()
	}
	return &Engine{
		pool:        pool,
		repo:        repo,
		now:         time.Now,
		idGenerator: func() string { return uuid.NewString() },
		logger:      zap.NewNop(),
	}
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) WithIDGenerator(gen func() string) *Engine {
	e.idGenerator = gen
	return e
}

func (e *Engine) WithLogger(l *zap.Logger) *Engine {
	if l != nil {
		e.logger = l.With(zap.String("component", "alert"))
	}
	return e
}

func (e *Engine) WithMetrics(m *metrics.Recorder) *Engine {
	e.metrics = m
	return e
}

// RenewalAlerts returns alerts for contracts whose renewal window opens
// within daysAhead days.
func (e *Engine) RenewalAlerts(ctx context.Context, tenant lifecycle.TenantID, daysAhead int) ([]Alert, error) {
	return e.Raise(ctx, tenant, TypeRenewal, daysAhead)
}

// ExpirationAlerts returns alerts for live contracts expiring within
// daysAhead days.
func (e *Engine) ExpirationAlerts(ctx context.Context, tenant lifecycle.TenantID, daysAhead int) ([]Alert, error) {
	return e.Raise(ctx, tenant, TypeExpiration, daysAhead)
}

// Raise returns one alert per qualifying contract. An open alert is returned
// as is. A contract whose alert for the same due date was acknowledged is
// skipped until that date passes. Anything else gets a new alert.
func (e *Engine) Raise(ctx context.Context, tenant lifecycle.TenantID, t Type, daysAhead int) ([]Alert, error) {
	if tenant == "" {
		return nil, fmt.Errorf("%w: missing tenant id", lifecycle.ErrInvalidPayload)
	}
	if !t.Valid() {
		return nil, fmt.Errorf("%w: unknown alert type %q", lifecycle.ErrInvalidPayload, t)
	}
	if daysAhead < 0 {
		return nil, fmt.Errorf("%w: negative days_ahead", lifecycle.ErrInvalidPayload)
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return nil, lifecycle.WrapStore("alert", "begin tx", err)
	}
	defer tx.Rollback(ctx)

	now := e.now().UTC()
	candidates, err := e.repo.Candidates(ctx, tx, tenant, t, now, daysAhead)
	if err != nil {
		return nil, lifecycle.WrapStore("alert", "candidates", err)
	}

	var (
		out    []Alert
		raised int
	)
	for _, c := range candidates {
		due, ok := DueDate(t, c)
		if !ok {
			continue
		}

		open, found, err := e.repo.FindOpen(ctx, tx, tenant, c.ID, t)
		if err != nil {
			return nil, lifecycle.WrapStore("alert", "find open", err)
		}
		if found {
			out = append(out, open)
			continue
		}

		// An acknowledgement holds until the due date; past it the alert is
		// raised again.
		if now.Before(due) {
			acked, err := e.repo.AcknowledgedFor(ctx, tx, tenant, c.ID, t, due)
			if err != nil {
				return nil, lifecycle.WrapStore("alert", "check acknowledged", err)
			}
			if acked {
				continue
			}
		}

		a, inserted, err := e.repo.Insert(ctx, tx, Alert{
			ID:         e.idGenerator(),
			TenantID:   tenant,
			ContractID: c.ID,
			Type:       t,
			DueDate:    due,
			RaisedAt:   now,
		})
		if err != nil {
			return nil, lifecycle.WrapStore("alert", "insert", err)
		}
		if !inserted {
			// A concurrent caller raised it first.
			a, found, err = e.repo.FindOpen(ctx, tx, tenant, c.ID, t)
			if err != nil {
				return nil, lifecycle.WrapStore("alert", "find open", err)
			}
			if !found {
				continue
			}
		} else {
			raised++
		}
		out = append(out, a)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, lifecycle.WrapStore("alert", "commit tx", err)
	}

	e.metrics.AlertsRaised(ctx, string(tenant), string(t), raised)
	if raised > 0 {
		e.logger.Info("alerts raised",
			zap.String("tenant_id", string(tenant)),
			zap.String("alert_type", string(t)),
			zap.Int("raised", raised),
			zap.Int("returned", len(out)),
		)
	}
	return out, nil
}

// AcknowledgeAlert marks the alert acknowledged. Acknowledging twice is a
// no-op; an unknown id yields lifecycle.ErrNotFound.
func (e *Engine) AcknowledgeAlert(ctx context.Context, tenant lifecycle.TenantID, alertID string) (Alert, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Alert{}, lifecycle.WrapStore("alert", "begin tx", err)
	}
	defer tx.Rollback(ctx)

	a, err := e.repo.Acknowledge(ctx, tx, tenant, alertID, e.now().UTC())
	if err != nil {
		return Alert{}, lifecycle.WrapStore("alert", "acknowledge", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Alert{}, lifecycle.WrapStore("alert", "commit tx", err)
	}
	return a, nil
}
