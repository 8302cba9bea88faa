package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"contractflow/alert"
	"contractflow/lifecycle"
	"contractflow/outbox"
	"contractflow/sweeper"
)

// tolerated reports whether err is an outcome the engine is allowed to
// return under contention or chaos. Anything else fails the run.
func tolerated(err error) bool {
	switch lifecycle.Reason(err) {
	case "invalid_transition", "conflict", "lease_held", "store_unavailable", "not_found":
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func sleep(base, jitter int) {
	time.Sleep(time.Duration(base+rand.Intn(jitter)) * time.Millisecond)
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

// Creator opens draft contracts whose term ends within a few seconds of now,
// so the sweeper has overdue work throughout the run.
func Creator(ctx context.Context, svc *lifecycle.Service, tenant lifecycle.TenantID, stop <-chan struct{}) error {
	for i := 0; !stopped(ctx, stop); i++ {
		expires := time.Now().Add(time.Duration(rand.Intn(6000)-1000) * time.Millisecond)
		window := rand.Intn(30)
		_, err := svc.CreateContract(ctx, lifecycle.CreateParams{
			TenantID:           tenant,
			CustomerID:         fmt.Sprintf("cust-%d", rand.Intn(20)),
			TemplateID:         "tpl-stress",
			EffectiveExpiresAt: &expires,
			RenewalWindowDays:  &window,
			IdempotencyKey:     fmt.Sprintf("create-%s-%d-%d", tenant, i, rand.Int63()),
		})
		if err != nil && !tolerated(err) {
			return fmt.Errorf("creator: %w", err)
		}
		sleep(20, 40)
	}
	return nil
}

// progression is the happy path a writer pushes contracts along.
var progression = map[lifecycle.Status]lifecycle.EventType{
	lifecycle.StatusDraft:           lifecycle.EventSubmittedForApproval,
	lifecycle.StatusPendingApproval: lifecycle.EventApproved,
	lifecycle.StatusApproved:        lifecycle.EventSentForSignature,
	lifecycle.StatusSent:            lifecycle.EventFullySigned,
	lifecycle.StatusExpired:         lifecycle.EventRenewed,
	lifecycle.StatusRenewed:         lifecycle.EventSubmittedForApproval,
}

// EventWriter picks random contracts of the tenant and advances them, with
// a stale expected status now and then to exercise the conflict path.
// Several writers race on the same contracts.
func EventWriter(ctx context.Context, pool *pgxpool.Pool, svc *lifecycle.Service, tenant lifecycle.TenantID, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		var id, current string
		err := pool.QueryRow(ctx, `
            SELECT id::text, status FROM contracts
            WHERE tenant_id = $1 AND status NOT IN ('archived', 'cancelled')
            ORDER BY random() LIMIT 1`, string(tenant)).Scan(&id, &current)
		if err != nil {
			sleep(20, 30)
			continue
		}
		status := lifecycle.Status(current)

		params := lifecycle.RecordParams{TenantID: tenant, ContractID: id, ActorID: "stress-writer"}
		switch roll := rand.Intn(20); {
		case roll == 0:
			params.EventType = lifecycle.EventCancelled
		case roll == 1:
			params.EventType = lifecycle.EventArchived
		case roll == 2 && status == lifecycle.StatusSent:
			params.EventType = lifecycle.EventPartiallySigned
			params.Data = lifecycle.PartiallySignedData{SignerEmail: "signer@example.com"}
		default:
			ev, ok := progression[status]
			if !ok {
				continue
			}
			params.EventType = ev
		}
		if ev := params.EventType; ev == lifecycle.EventRenewed {
			expires := time.Now().Add(time.Duration(1+rand.Intn(4)) * time.Second)
			params.Data = lifecycle.RenewedData{NewExpiresAt: &expires}
		}
		if rand.Intn(4) == 0 {
			params.ExpectedPreviousStatus = &status
		}

		if _, err := svc.RecordEvent(ctx, params); err != nil && !tolerated(err) {
			return fmt.Errorf("event writer %s on %s: %w", params.EventType, id, err)
		}
		sleep(15, 35)
	}
	return nil
}

// Sweeper runs expiration sweeps back to back. Several sweepers with
// distinct holders compete for the tenant lease.
func Sweeper(ctx context.Context, sw *sweeper.Sweeper, tenant lifecycle.TenantID, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		if _, err := sw.ProcessExpiredContracts(ctx, tenant); err != nil && !tolerated(err) {
			return fmt.Errorf("sweeper: %w", err)
		}
		sleep(50, 100)
	}
	return nil
}

// Alerter raises renewal and expiration alerts and acknowledges some.
func Alerter(ctx context.Context, engine *alert.Engine, tenant lifecycle.TenantID, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		t := alert.TypeRenewal
		if rand.Intn(2) == 0 {
			t = alert.TypeExpiration
		}
		alerts, err := engine.Raise(ctx, tenant, t, 30)
		if err != nil && !tolerated(err) {
			return fmt.Errorf("alerter: %w", err)
		}
		for _, a := range alerts {
			if rand.Intn(3) != 0 {
				continue
			}
			if _, err := engine.AcknowledgeAlert(ctx, tenant, a.ID); err != nil && !tolerated(err) {
				return fmt.Errorf("acknowledge %s: %w", a.ID, err)
			}
		}
		sleep(100, 100)
	}
	return nil
}

// FlakyPublisher drops roughly one publish in ten.
type FlakyPublisher struct{}

func (FlakyPublisher) Publish(context.Context, string, []byte) error {
	if rand.Intn(10) == 0 {
		return errors.New("simulated broker outage")
	}
	return nil
}

// OutboxWorker drains the outbox through relay until stopped.
func OutboxWorker(ctx context.Context, relay *outbox.Relay, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		if _, err := relay.DrainOnce(ctx); err != nil && !tolerated(err) {
			return fmt.Errorf("outbox worker: %w", err)
		}
		sleep(50, 50)
	}
	return nil
}
