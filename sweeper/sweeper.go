// Package sweeper drives overdue contracts to expired. A sweep holds a
// per-tenant lease and records every transition through the lifecycle
// service, so it can run at any frequency without double-expiring a contract.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"contractflow/lease"
	"contractflow/lifecycle"
	"contractflow/metrics"
)

const (
	DefaultLeaseTTL  = 2 * time.Minute
	DefaultBatchSize = 500

	releaseTimeout = 5 * time.Second
)

// EventRecorder is the write path a sweep uses. *lifecycle.Service satisfies it.
type EventRecorder interface {
	RecordEvent(ctx context.Context, params lifecycle.RecordParams) (lifecycle.Result, error)
}

// Result summarizes one sweep.
type Result struct {
	Processed         int      `json:"processed"`
	Failed            int      `json:"failed"`
	FailedIDs         []string `json:"failed_ids"`
	SkippedDueToLease bool     `json:"skipped_due_to_lease"`
}

type Sweeper struct {
	reader    lifecycle.Querier
	repo      Store
	events    EventRecorder
	locker    lease.Locker
	holder    string
	ttl       time.Duration
	batchSize int
	limiter   *rate.Limiter
	now       func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Recorder
}

func New(reader lifecycle.Querier, events EventRecorder, locker lease.Locker) *Sweeper {
	return &Sweeper{
		reader:    reader,
		repo:      NewRepository(),
		events:    events,
		locker:    locker,
		holder:    "sweeper-" + uuid.NewString(),
		ttl:       DefaultLeaseTTL,
		batchSize: DefaultBatchSize,
		limiter:   rate.NewLimiter(rate.Inf, 1),
		now:       time.Now,
		logger:    zap.NewNop(),
	}
}

func (s *Sweeper) WithStore(repo Store) *Sweeper {
	s.repo = repo
	return s
}

// WithHolder sets the holder id recorded as the actor of expired events.
// Each sweep takes the lease under its own token derived from it, so two
// sweeps on one Sweeper still exclude each other.
func (s *Sweeper) WithHolder(holder string) *Sweeper {
	s.holder = holder
	return s
}

func (s *Sweeper) WithLeaseTTL(ttl time.Duration) *Sweeper {
	if ttl > 0 {
		s.ttl = ttl
	}
	return s
}

func (s *Sweeper) WithBatchSize(n int) *Sweeper {
	if n > 0 {
		s.batchSize = n
	}
	return s
}

// WithRateLimit paces per-contract writes. A non-positive rate disables pacing.
func (s *Sweeper) WithRateLimit(perSecond float64, burst int) *Sweeper {
	if perSecond <= 0 {
		s.limiter = rate.NewLimiter(rate.Inf, 1)
		return s
	}
	if burst < 1 {
		burst = 1
	}
	s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	return s
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

func (s *Sweeper) WithLogger(l *zap.Logger) *Sweeper {
	if l != nil {
		s.logger = l.With(zap.String("component", "sweeper"))
	}
	return s
}

func (s *Sweeper) WithMetrics(m *metrics.Recorder) *Sweeper {
	s.metrics = m
	return s
}

// ProcessExpiredContracts expires every overdue contract of the tenant, up to
// the batch size. A held lease is a normal skip, not an error. Per-contract
// failures are collected in the result; cancellation stops the batch and
// returns what was done so far together with the context error.
func (s *Sweeper) ProcessExpiredContracts(ctx context.Context, tenant lifecycle.TenantID) (Result, error) {
	if tenant == "" {
		return Result{}, fmt.Errorf("%w: missing tenant id", lifecycle.ErrInvalidPayload)
	}
	started := time.Now()
	log := s.logger.With(zap.String("tenant_id", string(tenant)))

	token := s.holder + ":" + uuid.NewString()
	if err := s.locker.Acquire(ctx, tenant, token, s.ttl); err != nil {
		if errors.Is(err, lifecycle.ErrLeaseHeld) {
			log.Debug("sweep skipped, lease held elsewhere")
			s.metrics.SweepFinished(ctx, string(tenant), 0, 0, true, time.Since(started).Seconds())
			return Result{SkippedDueToLease: true}, nil
		}
		return Result{}, lifecycle.WrapStore("sweeper", "acquire lease", err)
	}
	defer s.release(ctx, tenant, token, log)
	renewAt := time.Now().Add(s.ttl / 2)

	now := s.now().UTC()
	overdue, err := s.repo.Overdue(ctx, s.reader, tenant, now, s.batchSize)
	if err != nil {
		return Result{}, lifecycle.WrapStore("sweeper", "select overdue", err)
	}

	res := Result{FailedIDs: []string{}}
	for _, c := range overdue {
		if err := s.limiter.Wait(ctx); err != nil {
			return s.finish(ctx, tenant, res, started, log, err)
		}
		if err := ctx.Err(); err != nil {
			return s.finish(ctx, tenant, res, started, log, err)
		}
		if time.Now().After(renewAt) {
			if err := s.locker.Acquire(ctx, tenant, token, s.ttl); err != nil {
				return s.finish(ctx, tenant, res, started, log, fmt.Errorf("renew lease: %w", err))
			}
			renewAt = time.Now().Add(s.ttl / 2)
		}

		sweptAt := now
		out, err := s.events.RecordEvent(ctx, lifecycle.RecordParams{
			TenantID:       tenant,
			ContractID:     c.ID,
			EventType:      lifecycle.EventExpired,
			Data:           lifecycle.ExpiredData{SweptAt: &sweptAt},
			IdempotencyKey: idempotencyKey(c),
			ActorID:        s.holder,
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return s.finish(ctx, tenant, res, started, log, ctxErr)
			}
			res.Failed++
			res.FailedIDs = append(res.FailedIDs, c.ID)
			log.Warn("contract not expired",
				zap.String("contract_id", c.ID),
				zap.String("reason", lifecycle.Reason(err)),
				zap.Error(err),
			)
			continue
		}
		if !out.Replayed {
			res.Processed++
		}
	}
	return s.finish(ctx, tenant, res, started, log, nil)
}

func (s *Sweeper) finish(ctx context.Context, tenant lifecycle.TenantID, res Result, started time.Time, log *zap.Logger, err error) (Result, error) {
	s.metrics.SweepFinished(context.WithoutCancel(ctx), string(tenant), res.Processed, res.Failed, false, time.Since(started).Seconds())
	fields := []zap.Field{
		zap.Int("processed", res.Processed),
		zap.Int("failed", res.Failed),
		zap.Duration("elapsed", time.Since(started)),
	}
	if err != nil {
		log.Warn("sweep interrupted", append(fields, zap.Error(err))...)
		return res, fmt.Errorf("sweeper: sweep interrupted: %w", err)
	}
	if res.Processed > 0 || res.Failed > 0 {
		log.Info("sweep finished", fields...)
	}
	return res, nil
}

// release runs even when ctx is already cancelled so an interrupted sweep does
// not hold the lease until its TTL runs out.
func (s *Sweeper) release(ctx context.Context, tenant lifecycle.TenantID, token string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := s.locker.Release(ctx, tenant, token); err != nil {
		log.Warn("release sweep lease", zap.Error(err))
	}
}

// idempotencyKey ties the expired event to the contract version that was
// selected. Concurrent sweeps of the same version collapse into one event,
// while a contract renewed since then gets a fresh key.
func idempotencyKey(c lifecycle.Contract) string {
	return fmt.Sprintf("sweep-expired:%s:%d", c.ID, c.UpdatedAt.UnixMicro())
}
