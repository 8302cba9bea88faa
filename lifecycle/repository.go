package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the data access required by the service. Every write takes the
// caller's transaction so the event append and the projection update commit
// together.
type Store interface {
	LockContract(ctx context.Context, tx pgx.Tx, tenant TenantID, id string) (Contract, error)
	InsertContract(ctx context.Context, tx pgx.Tx, c Contract) (Contract, error)
	UpdateContractState(ctx context.Context, tx pgx.Tx, c Contract) (Contract, error)
	FindEventByKey(ctx context.Context, tx pgx.Tx, tenant TenantID, contractID, key string) (Event, bool, error)
	FindCreatedByKey(ctx context.Context, tx pgx.Tx, tenant TenantID, key string) (Event, bool, error)
	LastEvent(ctx context.Context, tx pgx.Tx, tenant TenantID, contractID string) (int, time.Time, error)
	InsertEvent(ctx context.Context, tx pgx.Tx, ev Event) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload []byte) error
	ListEvents(ctx context.Context, q Querier, tenant TenantID, contractID string) ([]Event, error)
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// ValidID reports whether id can name a row. Malformed ids are treated as
// unknown rather than sent to the database.
func ValidID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// ContractColumns is the select list understood by ScanContract.
const ContractColumns = `id::text, tenant_id, status, signature_status, customer_id, template_id,
    effective_expires_at, renewal_window_days, created_at, updated_at`

const eventColumns = `id::text, tenant_id, contract_id::text, seq, event_type, previous_status, new_status,
    previous_signature_status, new_signature_status, event_data, idempotency_key, actor_id, forced, created_at`

func (r *Repository) LockContract(ctx context.Context, tx pgx.Tx, tenant TenantID, id string) (Contract, error) {
	if !ValidID(id) {
		return Contract{}, fmt.Errorf("%w: contract %s", ErrNotFound, id)
	}
	row := tx.QueryRow(ctx, `SELECT `+ContractColumns+`
        FROM contracts
        WHERE tenant_id = $1 AND id = $2
        FOR UPDATE`, string(tenant), id)
	c, err := ScanContract(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, fmt.Errorf("%w: contract %s", ErrNotFound, id)
		}
		return Contract{}, fmt.Errorf("lifecycle: lock contract: %w", err)
	}
	return c, nil
}

// GetContract reads a contract without locking it.
func GetContract(ctx context.Context, q Querier, tenant TenantID, id string) (Contract, error) {
	if !ValidID(id) {
		return Contract{}, fmt.Errorf("%w: contract %s", ErrNotFound, id)
	}
	row := q.QueryRow(ctx, `SELECT `+ContractColumns+` FROM contracts WHERE tenant_id = $1 AND id = $2`, string(tenant), id)
	c, err := ScanContract(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, fmt.Errorf("%w: contract %s", ErrNotFound, id)
		}
		return Contract{}, fmt.Errorf("lifecycle: get contract: %w", err)
	}
	return c, nil
}

func (r *Repository) InsertContract(ctx context.Context, tx pgx.Tx, c Contract) (Contract, error) {
	const query = `
INSERT INTO contracts (id, tenant_id, status, signature_status, customer_id, template_id,
    effective_expires_at, renewal_window_days, created_at, updated_at)
VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $9)
RETURNING ` + ContractColumns

	row := tx.QueryRow(ctx, query,
		c.ID,
		string(c.TenantID),
		string(c.Status),
		string(c.SignatureStatus),
		c.CustomerID,
		c.TemplateID,
		c.EffectiveExpiresAt,
		c.RenewalWindowDays,
		c.CreatedAt,
	)
	out, err := ScanContract(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Contract{}, fmt.Errorf("%w: contract %s already exists", ErrConflict, c.ID)
		}
		return Contract{}, fmt.Errorf("lifecycle: insert contract: %w", err)
	}
	return out, nil
}

// UpdateContractState writes the projected columns. Term dates are written as
// given so a renewal can move them.
func (r *Repository) UpdateContractState(ctx context.Context, tx pgx.Tx, c Contract) (Contract, error) {
	const query = `
UPDATE contracts
SET status = $3,
    signature_status = $4,
    effective_expires_at = $5,
    renewal_window_days = $6,
    updated_at = $7
WHERE tenant_id = $1 AND id = $2
RETURNING ` + ContractColumns

	row := tx.QueryRow(ctx, query,
		string(c.TenantID),
		c.ID,
		string(c.Status),
		string(c.SignatureStatus),
		c.EffectiveExpiresAt,
		c.RenewalWindowDays,
		c.UpdatedAt,
	)
	out, err := ScanContract(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, fmt.Errorf("%w: contract %s", ErrNotFound, c.ID)
		}
		return Contract{}, fmt.Errorf("lifecycle: update contract: %w", err)
	}
	return out, nil
}

func (r *Repository) FindEventByKey(ctx context.Context, tx pgx.Tx, tenant TenantID, contractID, key string) (Event, bool, error) {
	row := tx.QueryRow(ctx, `SELECT `+eventColumns+`
        FROM lifecycle_events
        WHERE tenant_id = $1 AND contract_id = $2 AND idempotency_key = $3`, string(tenant), contractID, key)
	return findEvent(row)
}

// FindCreatedByKey looks up a created event by idempotency key across all
// contracts of the tenant. CreateContract uses it before a contract id exists.
func (r *Repository) FindCreatedByKey(ctx context.Context, tx pgx.Tx, tenant TenantID, key string) (Event, bool, error) {
	row := tx.QueryRow(ctx, `SELECT `+eventColumns+`
        FROM lifecycle_events
        WHERE tenant_id = $1 AND event_type = 'created' AND idempotency_key = $2`, string(tenant), key)
	return findEvent(row)
}

func findEvent(row pgx.Row) (Event, bool, error) {
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Event{}, false, nil
		}
		return Event{}, false, fmt.Errorf("lifecycle: find event by key: %w", err)
	}
	return ev, true, nil
}

// LastEvent returns the sequence number and timestamp of the newest event, or
// zero values for a contract with no events.
func (r *Repository) LastEvent(ctx context.Context, tx pgx.Tx, tenant TenantID, contractID string) (int, time.Time, error) {
	var (
		seq int
		at  time.Time
	)
	err := tx.QueryRow(ctx, `
        SELECT seq, created_at FROM lifecycle_events
        WHERE tenant_id = $1 AND contract_id = $2
        ORDER BY seq DESC
        LIMIT 1`, string(tenant), contractID).Scan(&seq, &at)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, time.Time{}, nil
		}
		return 0, time.Time{}, fmt.Errorf("lifecycle: last event: %w", err)
	}
	return seq, at, nil
}

func (r *Repository) InsertEvent(ctx context.Context, tx pgx.Tx, ev Event) error {
	data, err := MarshalEventData(ev.Data)
	if err != nil {
		return err
	}

	var prev *string
	if ev.PreviousStatus != nil {
		s := string(*ev.PreviousStatus)
		prev = &s
	}

	const insertSQL = `
INSERT INTO lifecycle_events (id, tenant_id, contract_id, seq, event_type, previous_status, new_status,
    previous_signature_status, new_signature_status, event_data, idempotency_key, actor_id, forced, created_at)
VALUES ($1::uuid, $2, $3::uuid, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14);
`
	_, err = tx.Exec(ctx, insertSQL,
		ev.ID,
		string(ev.TenantID),
		ev.ContractID,
		ev.Seq,
		string(ev.Type),
		prev,
		string(ev.NewStatus),
		string(ev.PreviousSignatureStatus),
		string(ev.NewSignatureStatus),
		data,
		ev.IdempotencyKey,
		ev.ActorID,
		ev.Forced,
		ev.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("lifecycle: insert event: %w", err)
	}
	return nil
}

func (r *Repository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload []byte) error {
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2)`, topic, payload); err != nil {
		return fmt.Errorf("lifecycle: insert outbox message: %w", err)
	}
	return nil
}

func (r *Repository) ListEvents(ctx context.Context, q Querier, tenant TenantID, contractID string) ([]Event, error) {
	rows, err := q.Query(ctx, `SELECT `+eventColumns+`
        FROM lifecycle_events
        WHERE tenant_id = $1 AND contract_id = $2
        ORDER BY seq ASC`, string(tenant), contractID)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("lifecycle: scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lifecycle: list events: %w", err)
	}
	return out, nil
}

// ScanContract scans a row selected with ContractColumns.
func ScanContract(row pgx.Row) (Contract, error) {
	var (
		c         Contract
		tenant    string
		status    string
		signature string
	)
	if err := row.Scan(
		&c.ID,
		&tenant,
		&status,
		&signature,
		&c.CustomerID,
		&c.TemplateID,
		&c.EffectiveExpiresAt,
		&c.RenewalWindowDays,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return Contract{}, err
	}
	c.TenantID = TenantID(tenant)
	c.Status = Status(status)
	c.SignatureStatus = SignatureStatus(signature)
	return c, nil
}

func scanEvent(row pgx.Row) (Event, error) {
	var (
		ev        Event
		tenant    string
		eventType string
		prev      *string
		next      string
		prevSig   string
		nextSig   string
		raw       []byte
	)
	if err := row.Scan(
		&ev.ID,
		&tenant,
		&ev.ContractID,
		&ev.Seq,
		&eventType,
		&prev,
		&next,
		&prevSig,
		&nextSig,
		&raw,
		&ev.IdempotencyKey,
		&ev.ActorID,
		&ev.Forced,
		&ev.CreatedAt,
	); err != nil {
		return Event{}, err
	}
	ev.TenantID = TenantID(tenant)
	ev.Type = EventType(eventType)
	if prev != nil {
		s := Status(*prev)
		ev.PreviousStatus = &s
	}
	ev.NewStatus = Status(next)
	ev.PreviousSignatureStatus = SignatureStatus(prevSig)
	ev.NewSignatureStatus = SignatureStatus(nextSig)

	data, err := DecodeEventData(ev.Type, raw)
	if err != nil {
		return Event{}, err
	}
	ev.Data = data
	return ev, nil
}
