// Package outbox relays lifecycle notifications written in the same
// transaction as their events to an external publisher.
package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"contractflow/lifecycle"
)

const (
	DefaultBatchSize   = 50
	DefaultMaxAttempts = 5
	DefaultInterval    = time.Second
)

// Publisher delivers one outbox payload.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// DrainResult summarizes one relay pass.
type DrainResult struct {
	Published int
	Retried   int
	Dead      int
}

type Relay struct {
	pool        lifecycle.TxBeginner
	repo        Store
	publisher   Publisher
	batchSize   int
	maxAttempts int
	interval    time.Duration
	logger      *zap.Logger
}

func NewRelay(pool lifecycle.TxBeginner, repo Store, publisher Publisher) *Relay {
	if repo == nil {
		repo = NewRepository()
	}
	return &Relay{
		pool:        pool,
		repo:        repo,
		publisher:   publisher,
		batchSize:   DefaultBatchSize,
		maxAttempts: DefaultMaxAttempts,
		interval:    DefaultInterval,
		logger:      zap.NewNop(),
	}
}

func (r *Relay) WithBatchSize(n int) *Relay {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

// WithMaxAttempts sets how many failed publishes move a row to dead.
func (r *Relay) WithMaxAttempts(n int) *Relay {
	if n > 0 {
		r.maxAttempts = n
	}
	return r
}

func (r *Relay) WithInterval(d time.Duration) *Relay {
	if d > 0 {
		r.interval = d
	}
	return r
}

func (r *Relay) WithLogger(l *zap.Logger) *Relay {
	if l != nil {
		r.logger = l.With(zap.String("component", "outbox"))
	}
	return r
}

// DrainOnce claims one batch, publishes it and settles every row in the same
// transaction. Rows claimed by another relay are skipped.
func (r *Relay) DrainOnce(ctx context.Context) (DrainResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return DrainResult{}, lifecycle.WrapStore("outbox", "begin tx", err)
	}
	defer tx.Rollback(ctx)

	msgs, err := r.repo.ClaimPending(ctx, tx, r.batchSize)
	if err != nil {
		return DrainResult{}, lifecycle.WrapStore("outbox", "claim", err)
	}

	var res DrainResult
	for _, m := range msgs {
		if err := r.publisher.Publish(ctx, m.Topic, m.Payload); err != nil {
			if ctx.Err() != nil {
				return DrainResult{}, lifecycle.WrapStore("outbox", "publish", ctx.Err())
			}
			dead := m.Attempts+1 >= r.maxAttempts
			if err := r.repo.MarkFailed(ctx, tx, m.ID, dead); err != nil {
				return DrainResult{}, lifecycle.WrapStore("outbox", "mark failed", err)
			}
			if dead {
				res.Dead++
				r.logger.Error("outbox message dead",
					zap.Int64("outbox_id", m.ID),
					zap.String("topic", m.Topic),
					zap.Int("attempts", m.Attempts+1),
					zap.Error(err),
				)
			} else {
				res.Retried++
				r.logger.Warn("outbox publish failed",
					zap.Int64("outbox_id", m.ID),
					zap.String("topic", m.Topic),
					zap.Error(err),
				)
			}
			continue
		}
		if err := r.repo.MarkProcessed(ctx, tx, m.ID); err != nil {
			return DrainResult{}, lifecycle.WrapStore("outbox", "mark processed", err)
		}
		res.Published++
	}

	if err := tx.Commit(ctx); err != nil {
		return DrainResult{}, lifecycle.WrapStore("outbox", "commit tx", err)
	}
	return res, nil
}

// Run drains until ctx is done. A batch that published in full is followed
// immediately by another pass; otherwise the relay waits for the interval.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		res, err := r.DrainOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error("outbox drain failed", zap.Error(err))
		}
		if err == nil && res.Published >= r.batchSize {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
