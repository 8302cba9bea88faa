package query_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contractflow/db"
	"contractflow/lifecycle"
	"contractflow/query"
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

func TestQueries_Integration(t *testing.T) {
	ctx, pool := integrationPool(t)
	svc := lifecycle.NewService(pool, nil)
	q := query.NewService(pool, nil)
	tenant := lifecycle.TenantID(fmt.Sprintf("query-itest-%d", time.Now().UnixNano()))

	var ids []string
	for i := 0; i < 3; i++ {
		res, err := svc.CreateContract(ctx, lifecycle.CreateParams{TenantID: tenant, CustomerID: fmt.Sprintf("cust-%d", i%2)})
		require.NoError(t, err)
		ids = append(ids, res.Contract.ID)
	}
	signed := ids[0]
	for _, ev := range []lifecycle.EventType{
		lifecycle.EventSubmittedForApproval,
		lifecycle.EventApproved,
		lifecycle.EventSentForSignature,
		lifecycle.EventFullySigned,
	} {
		_, err := svc.RecordEvent(ctx, lifecycle.RecordParams{TenantID: tenant, ContractID: signed, EventType: ev})
		require.NoError(t, err, ev)
	}

	page, err := q.ListContracts(ctx, tenant, lifecycle.Filters{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Items, 2)

	page, err = q.ListContracts(ctx, tenant, lifecycle.Filters{Statuses: []lifecycle.Status{lifecycle.StatusSigned}})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, signed, page.Items[0].ID)

	page, err = q.ListContracts(ctx, tenant, lifecycle.Filters{CustomerID: "cust-0"})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	history, err := q.GetLifecycleHistory(ctx, tenant, signed)
	require.NoError(t, err)
	require.Len(t, history, 5)
	for i, ev := range history {
		assert.Equal(t, i+1, ev.Seq)
	}
	assert.Equal(t, lifecycle.EventFullySigned, history[4].Type)

	_, err = q.GetLifecycleHistory(ctx, tenant+"-other", signed)
	assert.ErrorIs(t, err, lifecycle.ErrNotFound)

	stats, err := q.GetLifecycleStats(ctx, tenant, lifecycle.Filters{})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Counts[lifecycle.StatusDraft])
	assert.Equal(t, 1, stats.Counts[lifecycle.StatusSigned])
	assert.Equal(t, 0, stats.Counts[lifecycle.StatusExpired])
	assert.Equal(t, 3, stats.TimeInStage[lifecycle.StatusDraft].Count)
	assert.Equal(t, 1, stats.TimeInStage[lifecycle.StatusSigned].Count)
}
