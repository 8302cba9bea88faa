package sweeper_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"contractflow/db"
	"contractflow/lease"
	"contractflow/lifecycle"
	"contractflow/sweeper"
)

func integrationPool(t *testing.T) (context.Context, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	t.Cleanup(cancel)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	_, err = db.Migrate(ctx, pool)
	require.NoError(t, err)
	return ctx, pool
}

var toSigned = []lifecycle.EventType{
	lifecycle.EventSubmittedForApproval,
	lifecycle.EventApproved,
	lifecycle.EventSentForSignature,
	lifecycle.EventFullySigned,
}

func seedContract(t *testing.T, ctx context.Context, svc *lifecycle.Service, tenant lifecycle.TenantID, expires time.Time, events ...lifecycle.EventType) string {
	t.Helper()
	res, err := svc.CreateContract(ctx, lifecycle.CreateParams{TenantID: tenant, EffectiveExpiresAt: &expires})
	require.NoError(t, err)
	for _, ev := range events {
		_, err := svc.RecordEvent(ctx, lifecycle.RecordParams{TenantID: tenant, ContractID: res.Contract.ID, EventType: ev})
		require.NoError(t, err, ev)
	}
	return res.Contract.ID
}

func TestProcessExpiredContracts_Integration(t *testing.T) {
	ctx, pool := integrationPool(t)
	svc := lifecycle.NewService(pool, nil)
	tenant := lifecycle.TenantID(fmt.Sprintf("sweep-itest-%d", time.Now().UnixNano()))
	other := tenant + "-other"
	now := time.Now().UTC()

	sent := seedContract(t, ctx, svc, tenant, now.Add(-24*time.Hour), toSigned[:3]...)
	signed := seedContract(t, ctx, svc, tenant, now.Add(-48*time.Hour), toSigned...)
	draft := seedContract(t, ctx, svc, tenant, now.Add(-time.Hour))
	future := seedContract(t, ctx, svc, tenant, now.Add(72*time.Hour), toSigned...)
	foreign := seedContract(t, ctx, svc, other, now.Add(-24*time.Hour), toSigned...)

	sw := sweeper.New(pool, svc, lease.NewPostgres(pool)).WithHolder("itest-sweeper")
	res, err := sw.ProcessExpiredContracts(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []string{draft}, res.FailedIDs)
	assert.False(t, res.SkippedDueToLease)

	for id, want := range map[string]lifecycle.Status{
		sent:   lifecycle.StatusExpired,
		signed: lifecycle.StatusExpired,
		draft:  lifecycle.StatusDraft,
		future: lifecycle.StatusSigned,
	} {
		c, err := lifecycle.GetContract(ctx, pool, tenant, id)
		require.NoError(t, err)
		assert.Equal(t, want, c.Status, id)
	}
	c, err := lifecycle.GetContract(ctx, pool, other, foreign)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusSigned, c.Status)

	events, err := lifecycle.NewRepository().ListEvents(ctx, pool, tenant, signed)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, lifecycle.EventExpired, last.Type)
	require.NotNil(t, last.ActorID)
	assert.Equal(t, "itest-sweeper", *last.ActorID)

	again, err := sw.ProcessExpiredContracts(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Processed)
	assert.Equal(t, 1, again.Failed)
}

func TestConcurrentSweepers_Integration(t *testing.T) {
	ctx, pool := integrationPool(t)
	svc := lifecycle.NewService(pool, nil)
	tenant := lifecycle.TenantID(fmt.Sprintf("sweep-race-%d", time.Now().UnixNano()))
	now := time.Now().UTC()

	const contracts = 12
	for i := 0; i < contracts; i++ {
		seedContract(t, ctx, svc, tenant, now.Add(-time.Duration(i+1)*time.Hour), toSigned...)
	}

	locker := lease.NewPostgres(pool)
	results := make([]sweeper.Result, 6)
	g, gctx := errgroup.WithContext(ctx)
	for i := range results {
		i := i
		sw := sweeper.New(pool, svc, locker).WithHolder(fmt.Sprintf("race-%d", i))
		g.Go(func() error {
			res, err := sw.ProcessExpiredContracts(gctx, tenant)
			results[i] = res
			return err
		})
	}
	require.NoError(t, g.Wait())

	processed := 0
	for _, r := range results {
		processed += r.Processed
	}
	assert.Equal(t, contracts, processed)

	var expiredEvents, distinct int
	err := pool.QueryRow(ctx, `
        SELECT COUNT(*), COUNT(DISTINCT contract_id) FROM lifecycle_events
        WHERE tenant_id = $1 AND event_type = 'expired'`, string(tenant)).Scan(&expiredEvents, &distinct)
	require.NoError(t, err)
	assert.Equal(t, contracts, expiredEvents)
	assert.Equal(t, contracts, distinct)
}
