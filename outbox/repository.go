package outbox

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Message is one pending outbox row.
type Message struct {
	ID       int64
	Topic    string
	Payload  []byte
	Attempts int
}

// Store claims and settles outbox rows inside the relay's transaction.
type Store interface {
	ClaimPending(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error)
	MarkProcessed(ctx context.Context, tx pgx.Tx, id int64) error
	MarkFailed(ctx context.Context, tx pgx.Tx, id int64, dead bool) error
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// ClaimPending locks up to limit pending rows, skipping rows another relay
// holds, oldest first.
func (r *Repository) ClaimPending(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error) {
	rows, err := tx.Query(ctx, `
        SELECT id, topic, payload, attempts
        FROM outbox
        WHERE status = 'pending'
        ORDER BY created_at, id
        FOR UPDATE SKIP LOCKED
        LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim pending: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Attempts); err != nil {
			return nil, fmt.Errorf("outbox: scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: claim pending: %w", err)
	}
	return out, nil
}

func (r *Repository) MarkProcessed(ctx context.Context, tx pgx.Tx, id int64) error {
	_, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', last_attempt = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("outbox: mark processed: %w", err)
	}
	return nil
}

func (r *Repository) MarkFailed(ctx context.Context, tx pgx.Tx, id int64, dead bool) error {
	status := "pending"
	if dead {
		status = "dead"
	}
	_, err := tx.Exec(ctx, `
        UPDATE outbox
        SET attempts = attempts + 1, last_attempt = now(), status = $2
        WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}
