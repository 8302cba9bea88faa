package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_seq_contiguous",
			SQL: `SELECT contract_id, MIN(seq), MAX(seq), COUNT(*) FROM lifecycle_events
                  GROUP BY contract_id
                  HAVING MIN(seq) <> 1 OR MAX(seq) <> COUNT(*)`,
		},
		{
			Name: "O2_log_starts_with_created",
			SQL: `SELECT id, contract_id, seq, event_type FROM lifecycle_events
                  WHERE (seq = 1) <> (event_type = 'created')`,
		},
		{
			Name: "O3_status_matches_last_event",
			SQL: `SELECT c.id, c.status, c.signature_status, e.new_status, e.new_signature_status
                  FROM contracts c
                  JOIN LATERAL (
                      SELECT new_status, new_signature_status FROM lifecycle_events
                      WHERE contract_id = c.id ORDER BY seq DESC LIMIT 1
                  ) e ON true
                  WHERE c.status <> e.new_status OR c.signature_status <> e.new_signature_status`,
		},
		{
			Name: "O4_status_chain",
			SQL: `WITH chain AS (
                      SELECT id, previous_status,
                             LAG(new_status) OVER (PARTITION BY contract_id ORDER BY seq) AS prev_new
                      FROM lifecycle_events)
                  SELECT id FROM chain WHERE prev_new IS NOT NULL AND previous_status IS DISTINCT FROM prev_new`,
		},
		{
			Name: "O5_single_expiry_per_term",
			SQL: `SELECT id, contract_id FROM lifecycle_events
                  WHERE event_type = 'expired' AND previous_status = 'expired'`,
		},
		{
			Name: "O6_event_tenant_matches_contract",
			SQL: `SELECT e.id FROM lifecycle_events e
                  JOIN contracts c ON c.id = e.contract_id
                  WHERE c.tenant_id <> e.tenant_id`,
		},
		{
			Name: "O7_single_open_alert",
			SQL: `SELECT tenant_id, contract_id, alert_type, COUNT(*) FROM contract_alerts
                  WHERE acknowledged_at IS NULL
                  GROUP BY tenant_id, contract_id, alert_type HAVING COUNT(*) > 1`,
		},
		{
			Name: "O8_outbox_drained",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O9_outbox_per_event",
			SQL: `SELECT e.id FROM lifecycle_events e
                  WHERE NOT EXISTS (
                      SELECT 1 FROM outbox o WHERE o.payload->>'event_id' = e.id::text)`,
		},
		{
			Name: "O10_append_only_guard",
			SQL: `SELECT 'missing_append_only_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'lifecycle_events_append_only')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
