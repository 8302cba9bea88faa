package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"contractflow/lifecycle"
)

// Scheduler triggers a sweep for every configured tenant on a fixed interval.
type Scheduler struct {
	sweeper  *Sweeper
	tenants  []lifecycle.TenantID
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

func NewScheduler(s *Sweeper, tenants []lifecycle.TenantID, interval time.Duration) *Scheduler {
	return &Scheduler{
		sweeper:  s,
		tenants:  tenants,
		interval: interval,
		timeout:  interval,
		logger:   zap.NewNop(),
	}
}

// WithTimeout bounds a single sweep. It defaults to the interval.
func (s *Scheduler) WithTimeout(d time.Duration) *Scheduler {
	if d > 0 {
		s.timeout = d
	}
	return s
}

func (s *Scheduler) WithLogger(l *zap.Logger) *Scheduler {
	if l != nil {
		s.logger = l.With(zap.String("component", "scheduler"))
	}
	return s
}

// Run sweeps each tenant once immediately and then every interval until ctx
// is done. Sweep errors are logged; Run only returns when ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, tenant := range s.tenants {
		tenant := tenant
		g.Go(func() error {
			s.loop(ctx, tenant)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, tenant lifecycle.TenantID) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.tick(ctx, tenant)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, tenant lifecycle.TenantID) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.sweeper.ProcessExpiredContracts(ctx, tenant)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("scheduled sweep failed",
				zap.String("tenant_id", string(tenant)),
				zap.Bool("retryable", lifecycle.IsRetryable(err)),
				zap.Error(err),
			)
		}
		return
	}
	if res.Failed > 0 {
		s.logger.Warn("scheduled sweep left contracts behind",
			zap.String("tenant_id", string(tenant)),
			zap.Strings("failed_ids", res.FailedIDs),
		)
	}
}
