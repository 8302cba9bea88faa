package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"contractflow/metrics"
)

// Service is the only writer of lifecycle state. Every operation appends to
// the event log and updates the projected contract columns in one
// transaction, serialized per contract by the contract row lock.
type Service struct {
	pool        TxBeginner
	repo        Store
	idGenerator func() string
	now         func() time.Time
	logger      *zap.Logger
	metrics     *metrics.Recorder
}

func NewService(pool TxBeginner, repo Store) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
		logger:      zap.NewNop(),
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithLogger(l *zap.Logger) *Service {
	if l != nil {
		s.logger = l.With(zap.String("component", "lifecycle"))
	}
	return s
}

func (s *Service) WithMetrics(m *metrics.Recorder) *Service {
	s.metrics = m
	return s
}

// Now exposes the service clock so collaborators share one notion of time.
func (s *Service) Now() time.Time {
	return s.now().UTC()
}

// RecordParams describes one lifecycle event to append.
type RecordParams struct {
	TenantID   TenantID
	ContractID string
	EventType  EventType
	Data       EventData
	// ExpectedPreviousStatus guards against acting on a stale read.
	ExpectedPreviousStatus *Status
	// ExpectedNewStatus asserts the status the event should produce.
	ExpectedNewStatus *Status
	IdempotencyKey    string
	ActorID           string

	forced bool
}

// ForceParams describes a direct status change.
type ForceParams struct {
	TenantID       TenantID
	ContractID     string
	NewStatus      Status
	Data           EventData
	IdempotencyKey string
	ActorID        string
}

// CreateParams describes a new draft contract.
type CreateParams struct {
	TenantID TenantID
	// ContractID is generated when empty.
	ContractID         string
	CustomerID         string
	TemplateID         string
	EffectiveExpiresAt *time.Time
	RenewalWindowDays  *int
	Data               *CreatedData
	IdempotencyKey     string
	ActorID            string
}

// OutboxMessage is the payload enqueued for every appended event.
type OutboxMessage struct {
	EventID         string          `json:"event_id"`
	TenantID        TenantID        `json:"tenant_id"`
	ContractID      string          `json:"contract_id"`
	Seq             int             `json:"seq"`
	EventType       EventType       `json:"event_type"`
	PreviousStatus  *Status         `json:"previous_status"`
	NewStatus       Status          `json:"new_status"`
	SignatureStatus SignatureStatus `json:"signature_status"`
	Forced          bool            `json:"forced,omitempty"`
	OccurredAt      time.Time       `json:"occurred_at"`
}

// RecordEvent validates the event against the transition table and, when
// legal, appends it and updates the contract projection atomically.
func (s *Service) RecordEvent(ctx context.Context, params RecordParams) (Result, error) {
	res, err := s.record(ctx, params)
	if err != nil {
		s.metrics.TransitionRejected(ctx, string(params.TenantID), string(params.EventType), Reason(err))
		s.logger.Debug("lifecycle event rejected",
			zap.String("tenant_id", string(params.TenantID)),
			zap.String("contract_id", params.ContractID),
			zap.String("event_type", string(params.EventType)),
			zap.String("reason", Reason(err)),
			zap.Error(err),
		)
		return Result{}, err
	}
	return res, nil
}

// ForceStatusUpdate synthesizes the event that produces NewStatus and records
// it through the same validation path as RecordEvent.
func (s *Service) ForceStatusUpdate(ctx context.Context, params ForceParams) (Result, error) {
	if !params.NewStatus.Valid() {
		return Result{}, fmt.Errorf("%w: unknown status %q", ErrInvalidPayload, params.NewStatus)
	}
	ev, ok := EventForStatus(params.NewStatus)
	if !ok {
		return Result{}, fmt.Errorf("%w: no event leads to %s", ErrInvalidTransition, params.NewStatus)
	}
	target := params.NewStatus
	return s.RecordEvent(ctx, RecordParams{
		TenantID:          params.TenantID,
		ContractID:        params.ContractID,
		EventType:         ev,
		Data:              params.Data,
		ExpectedNewStatus: &target,
		IdempotencyKey:    params.IdempotencyKey,
		ActorID:           params.ActorID,
		forced:            true,
	})
}

func (s *Service) record(ctx context.Context, params RecordParams) (Result, error) {
	if params.TenantID == "" {
		return Result{}, fmt.Errorf("%w: missing tenant id", ErrInvalidPayload)
	}
	if strings.TrimSpace(params.ContractID) == "" {
		return Result{}, fmt.Errorf("%w: missing contract id", ErrInvalidPayload)
	}
	if params.EventType == EventCreated {
		return Result{}, fmt.Errorf("%w: created is only recorded by CreateContract", ErrInvalidTransition)
	}
	data, err := normalizeEventData(params.EventType, params.Data)
	if err != nil {
		return Result{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Result{}, unavailable("begin tx", err)
	}
	defer tx.Rollback(ctx)

	if err := setTenant(ctx, tx, params.TenantID); err != nil {
		return Result{}, unavailable("set tenant", err)
	}

	current, err := s.repo.LockContract(ctx, tx, params.TenantID, params.ContractID)
	if err != nil {
		return Result{}, unavailable("lock contract", err)
	}

	if params.IdempotencyKey != "" {
		prior, found, err := s.repo.FindEventByKey(ctx, tx, params.TenantID, params.ContractID, params.IdempotencyKey)
		if err != nil {
			return Result{}, unavailable("find event by key", err)
		}
		if found {
			if prior.Type != params.EventType {
				return Result{}, fmt.Errorf("%w: idempotency key %q already used for %s", ErrConflict, params.IdempotencyKey, prior.Type)
			}
			return Result{Contract: current, Event: prior, Replayed: true}, nil
		}
	}

	if params.ExpectedPreviousStatus != nil && *params.ExpectedPreviousStatus != current.Status {
		return Result{}, fmt.Errorf("%w: expected status %s, contract is %s", ErrConflict, *params.ExpectedPreviousStatus, current.Status)
	}

	nextStatus, nextSig, err := Apply(params.EventType, current.Status, current.SignatureStatus)
	if err != nil {
		return Result{}, err
	}
	if params.ExpectedNewStatus != nil && *params.ExpectedNewStatus != nextStatus {
		return Result{}, fmt.Errorf("%w: %s leads to %s, not %s", ErrInvalidTransition, params.EventType, nextStatus, *params.ExpectedNewStatus)
	}

	lastSeq, lastAt, err := s.repo.LastEvent(ctx, tx, params.TenantID, params.ContractID)
	if err != nil {
		return Result{}, unavailable("last event", err)
	}
	at := s.Now()
	if at.Before(lastAt) {
		at = lastAt
	}

	prev := current.Status
	ev := Event{
		ID:                      s.idGenerator(),
		TenantID:                params.TenantID,
		ContractID:              params.ContractID,
		Seq:                     lastSeq + 1,
		Type:                    params.EventType,
		PreviousStatus:          &prev,
		NewStatus:               nextStatus,
		PreviousSignatureStatus: current.SignatureStatus,
		NewSignatureStatus:      nextSig,
		Data:                    data,
		IdempotencyKey:          optional(params.IdempotencyKey),
		ActorID:                 optional(params.ActorID),
		Forced:                  params.forced,
		CreatedAt:               at,
	}
	if err := s.repo.InsertEvent(ctx, tx, ev); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			return Result{}, fmt.Errorf("%w: concurrent append for contract %s", ErrConflict, params.ContractID)
		}
		return Result{}, unavailable("insert event", err)
	}

	next := current
	next.Status = nextStatus
	next.SignatureStatus = nextSig
	next.UpdatedAt = at
	if renewal, ok := data.(RenewedData); ok {
		if renewal.NewExpiresAt != nil {
			expires := renewal.NewExpiresAt.UTC()
			next.EffectiveExpiresAt = &expires
		}
		if renewal.RenewalWindowDays != nil {
			window := *renewal.RenewalWindowDays
			next.RenewalWindowDays = &window
		}
	}
	updated, err := s.repo.UpdateContractState(ctx, tx, next)
	if err != nil {
		return Result{}, unavailable("update contract", err)
	}

	if err := s.enqueue(ctx, tx, ev); err != nil {
		return Result{}, unavailable("enqueue outbox", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, unavailable("commit tx", err)
	}

	s.metrics.EventRecorded(ctx, string(ev.TenantID), string(ev.Type), ev.Forced)
	s.logger.Info("lifecycle event recorded",
		zap.String("tenant_id", string(ev.TenantID)),
		zap.String("contract_id", ev.ContractID),
		zap.String("event_type", string(ev.Type)),
		zap.String("previous_status", string(prev)),
		zap.String("new_status", string(ev.NewStatus)),
		zap.Int("seq", ev.Seq),
		zap.Bool("forced", ev.Forced),
	)
	return Result{Contract: updated, Event: ev}, nil
}

// CreateContract inserts a draft contract together with its created event.
func (s *Service) CreateContract(ctx context.Context, params CreateParams) (Result, error) {
	if params.TenantID == "" {
		return Result{}, fmt.Errorf("%w: missing tenant id", ErrInvalidPayload)
	}
	if params.RenewalWindowDays != nil && *params.RenewalWindowDays < 0 {
		return Result{}, fmt.Errorf("%w: negative renewal_window_days", ErrInvalidPayload)
	}
	if params.ContractID != "" && !ValidID(params.ContractID) {
		return Result{}, fmt.Errorf("%w: contract id %q is not a uuid", ErrInvalidPayload, params.ContractID)
	}
	var data EventData = CreatedData{}
	if params.Data != nil {
		data = *params.Data
	}
	data, err := normalizeEventData(EventCreated, data)
	if err != nil {
		return Result{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Result{}, unavailable("begin tx", err)
	}
	defer tx.Rollback(ctx)

	if err := setTenant(ctx, tx, params.TenantID); err != nil {
		return Result{}, unavailable("set tenant", err)
	}

	if params.IdempotencyKey != "" {
		prior, found, err := s.repo.FindCreatedByKey(ctx, tx, params.TenantID, params.IdempotencyKey)
		if err != nil {
			return Result{}, unavailable("find created by key", err)
		}
		if found {
			existing, err := s.repo.LockContract(ctx, tx, params.TenantID, prior.ContractID)
			if err != nil {
				return Result{}, unavailable("lock contract", err)
			}
			return Result{Contract: existing, Event: prior, Replayed: true}, nil
		}
	}

	id := params.ContractID
	if id == "" {
		id = s.idGenerator()
	}
	at := s.Now()
	contract := Contract{
		ID:                 id,
		TenantID:           params.TenantID,
		Status:             StatusDraft,
		SignatureStatus:    SignatureNone,
		CustomerID:         params.CustomerID,
		TemplateID:         params.TemplateID,
		EffectiveExpiresAt: params.EffectiveExpiresAt,
		RenewalWindowDays:  params.RenewalWindowDays,
		CreatedAt:          at,
		UpdatedAt:          at,
	}
	created, err := s.repo.InsertContract(ctx, tx, contract)
	if err != nil {
		return Result{}, unavailable("insert contract", err)
	}

	ev := Event{
		ID:                      s.idGenerator(),
		TenantID:                params.TenantID,
		ContractID:              created.ID,
		Seq:                     1,
		Type:                    EventCreated,
		NewStatus:               StatusDraft,
		PreviousSignatureStatus: SignatureNone,
		NewSignatureStatus:      SignatureNone,
		Data:                    data,
		IdempotencyKey:          optional(params.IdempotencyKey),
		ActorID:                 optional(params.ActorID),
		CreatedAt:               at,
	}
	if err := s.repo.InsertEvent(ctx, tx, ev); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			return Result{}, fmt.Errorf("%w: idempotency key %q raced", ErrConflict, params.IdempotencyKey)
		}
		return Result{}, unavailable("insert event", err)
	}
	if err := s.enqueue(ctx, tx, ev); err != nil {
		return Result{}, unavailable("enqueue outbox", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Result{}, unavailable("commit tx", err)
	}

	s.metrics.EventRecorded(ctx, string(ev.TenantID), string(ev.Type), false)
	s.logger.Info("contract created",
		zap.String("tenant_id", string(ev.TenantID)),
		zap.String("contract_id", created.ID),
	)
	return Result{Contract: created, Event: ev}, nil
}

// VerifyProjection folds the event log of a contract and compares it with
// the materialized columns.
func (s *Service) VerifyProjection(ctx context.Context, tenant TenantID, contractID string) (Snapshot, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Snapshot{}, unavailable("begin tx", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.LockContract(ctx, tx, tenant, contractID)
	if err != nil {
		return Snapshot{}, unavailable("lock contract", err)
	}
	events, err := s.repo.ListEvents(ctx, tx, tenant, contractID)
	if err != nil {
		return Snapshot{}, unavailable("list events", err)
	}

	snap, err := Project(events)
	if err != nil {
		s.logger.Warn("projection drift", zap.String("tenant_id", string(tenant)), zap.String("contract_id", contractID), zap.Error(err))
		return Snapshot{}, err
	}
	if snap.Status != current.Status || snap.SignatureStatus != current.SignatureStatus {
		s.logger.Warn("projection drift",
			zap.String("tenant_id", string(tenant)),
			zap.String("contract_id", contractID),
			zap.String("projected_status", string(snap.Status)),
			zap.String("column_status", string(current.Status)),
		)
		return snap, fmt.Errorf("%w: log gives %s/%s, contract row has %s/%s",
			ErrProjectionDrift, snap.Status, snap.SignatureStatus, current.Status, current.SignatureStatus)
	}
	return snap, nil
}

func (s *Service) enqueue(ctx context.Context, tx pgx.Tx, ev Event) error {
	payload, err := json.Marshal(OutboxMessage{
		EventID:         ev.ID,
		TenantID:        ev.TenantID,
		ContractID:      ev.ContractID,
		Seq:             ev.Seq,
		EventType:       ev.Type,
		PreviousStatus:  ev.PreviousStatus,
		NewStatus:       ev.NewStatus,
		SignatureStatus: ev.NewSignatureStatus,
		Forced:          ev.Forced,
		OccurredAt:      ev.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("lifecycle: marshal outbox payload: %w", err)
	}
	return s.repo.EnqueueOutbox(ctx, tx, OutboxTopicPrefix+string(ev.Type), payload)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
