package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"contractflow/internal/txfake"
)

const testTenant TenantID = "tenant-a"

func newTestService(t *testing.T) (*Service, *txfake.Pool, *memStore, *fixedClock) {
	t.Helper()
	pool := &txfake.Pool{}
	store := newMemStore()
	clock := &fixedClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	svc := NewService(pool, store).
		WithClock(clock.Now).
		WithIDGenerator(sequentialIDs("id"))
	return svc, pool, store, clock
}

func createDraft(t *testing.T, svc *Service) Contract {
	t.Helper()
	res, err := svc.CreateContract(context.Background(), CreateParams{
		TenantID:   testTenant,
		CustomerID: "cust-1",
		TemplateID: "tpl-1",
	})
	if err != nil {
		t.Fatalf("create contract: %v", err)
	}
	return res.Contract
}

func record(t *testing.T, svc *Service, contractID string, ev EventType, data EventData) Result {
	t.Helper()
	res, err := svc.RecordEvent(context.Background(), RecordParams{
		TenantID:   testTenant,
		ContractID: contractID,
		EventType:  ev,
		Data:       data,
	})
	if err != nil {
		t.Fatalf("record %s: %v", ev, err)
	}
	return res
}

func TestCreateContract_AppendsCreatedEvent(t *testing.T) {
	svc, pool, store, _ := newTestService(t)

	c := createDraft(t, svc)

	if c.Status != StatusDraft || c.SignatureStatus != SignatureNone {
		t.Fatalf("expected draft/none, got %s/%s", c.Status, c.SignatureStatus)
	}
	evs := store.events[memKey(testTenant, c.ID)]
	if len(evs) != 1 {
		t.Fatalf("expected one event, got %d", len(evs))
	}
	if evs[0].Type != EventCreated || evs[0].PreviousStatus != nil || evs[0].Seq != 1 {
		t.Errorf("unexpected created event %+v", evs[0])
	}
	if !pool.Last().Committed {
		t.Errorf("expected commit")
	}
	if len(store.outbox) != 1 || store.outbox[0].topic != "contract.created" {
		t.Errorf("expected contract.created outbox row, got %+v", store.outbox)
	}
}

func TestRecordEvent_HappyPathToSigned(t *testing.T) {
	svc, _, store, _ := newTestService(t)
	c := createDraft(t, svc)

	record(t, svc, c.ID, EventSubmittedForApproval, nil)
	record(t, svc, c.ID, EventApproved, ApprovedData{ApprovedBy: "legal"})
	record(t, svc, c.ID, EventSentForSignature, SentData{Provider: "docusign"})
	res := record(t, svc, c.ID, EventPartiallySigned, PartiallySignedData{SignerEmail: "a@example.com"})
	if res.Contract.Status != StatusSent || res.Contract.SignatureStatus != SignaturePartiallySigned {
		t.Fatalf("expected sent/partially_signed, got %s/%s", res.Contract.Status, res.Contract.SignatureStatus)
	}
	res = record(t, svc, c.ID, EventFullySigned, nil)
	if res.Contract.Status != StatusSigned || res.Contract.SignatureStatus != SignatureFullySigned {
		t.Fatalf("expected signed/fully_signed, got %s/%s", res.Contract.Status, res.Contract.SignatureStatus)
	}
	if res.Event.Seq != 6 {
		t.Errorf("expected seq 6, got %d", res.Event.Seq)
	}

	snap, err := Project(store.events[memKey(testTenant, c.ID)])
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if snap.Status != StatusSigned || snap.SignatureStatus != SignatureFullySigned {
		t.Errorf("projection disagrees: %+v", snap)
	}

	var msg OutboxMessage
	last := store.outbox[len(store.outbox)-1]
	if last.topic != "contract.fully_signed" {
		t.Errorf("unexpected topic %s", last.topic)
	}
	if err := json.Unmarshal(last.payload, &msg); err != nil {
		t.Fatalf("decode outbox payload: %v", err)
	}
	if msg.ContractID != c.ID || msg.NewStatus != StatusSigned || msg.Seq != 6 {
		t.Errorf("unexpected outbox message %+v", msg)
	}
}

func TestRecordEvent_InvalidTransitionWritesNothing(t *testing.T) {
	svc, pool, store, _ := newTestService(t)
	c := createDraft(t, svc)

	_, err := svc.RecordEvent(context.Background(), RecordParams{
		TenantID:   testTenant,
		ContractID: c.ID,
		EventType:  EventArchived,
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if got := store.eventCount(testTenant, c.ID); got != 1 {
		t.Errorf("expected no new events, got %d", got)
	}
	if pool.Last().Committed || !pool.Last().Rolled {
		t.Errorf("expected rollback without commit")
	}
	if store.contracts[memKey(testTenant, c.ID)].Status != StatusDraft {
		t.Errorf("status must be unchanged")
	}
}

func TestRecordEvent_IdempotentReplay(t *testing.T) {
	svc, pool, store, _ := newTestService(t)
	c := createDraft(t, svc)

	params := RecordParams{
		TenantID:       testTenant,
		ContractID:     c.ID,
		EventType:      EventSubmittedForApproval,
		IdempotencyKey: "submit-1",
	}
	first, err := svc.RecordEvent(context.Background(), params)
	if err != nil {
		t.Fatalf("first record: %v", err)
	}
	second, err := svc.RecordEvent(context.Background(), params)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !second.Replayed {
		t.Errorf("expected replayed result")
	}
	if second.Event.ID != first.Event.ID {
		t.Errorf("expected prior event %s, got %s", first.Event.ID, second.Event.ID)
	}
	if got := store.eventCount(testTenant, c.ID); got != 2 {
		t.Errorf("expected exactly two events, got %d", got)
	}
	if pool.Last().Committed {
		t.Errorf("replay must not commit writes")
	}

	params.EventType = EventCancelled
	if _, err := svc.RecordEvent(context.Background(), params); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict for reused key, got %v", err)
	}
}

func TestRecordEvent_ExpectedStatuses(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	c := createDraft(t, svc)

	stale := StatusApproved
	_, err := svc.RecordEvent(context.Background(), RecordParams{
		TenantID:               testTenant,
		ContractID:             c.ID,
		EventType:              EventSubmittedForApproval,
		ExpectedPreviousStatus: &stale,
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	wrong := StatusApproved
	_, err = svc.RecordEvent(context.Background(), RecordParams{
		TenantID:          testTenant,
		ContractID:        c.ID,
		EventType:         EventSubmittedForApproval,
		ExpectedNewStatus: &wrong,
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestRecordEvent_UnknownContract(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	_, err := svc.RecordEvent(context.Background(), RecordParams{
		TenantID:   testTenant,
		ContractID: "missing",
		EventType:  EventApproved,
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordEvent_TenantIsolation(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	c := createDraft(t, svc)

	_, err := svc.RecordEvent(context.Background(), RecordParams{
		TenantID:   "tenant-b",
		ContractID: c.ID,
		EventType:  EventSubmittedForApproval,
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound across tenants, got %v", err)
	}
}

func TestRecordEvent_PayloadMismatch(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	c := createDraft(t, svc)

	_, err := svc.RecordEvent(context.Background(), RecordParams{
		TenantID:   testTenant,
		ContractID: c.ID,
		EventType:  EventSubmittedForApproval,
		Data:       ApprovedData{},
	})
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestRecordEvent_RejectsPayloadsThatCannotBeReadBack(t *testing.T) {
	svc, _, store, _ := newTestService(t)
	c := createDraft(t, svc)
	record(t, svc, c.ID, EventSubmittedForApproval, nil)
	record(t, svc, c.ID, EventApproved, nil)

	_, err := svc.RecordEvent(context.Background(), RecordParams{
		TenantID:   testTenant,
		ContractID: c.ID,
		EventType:  EventSentForSignature,
		Data:       SentData{Recipients: []string{"not-an-email"}},
	})
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for bad recipient, got %v", err)
	}
	record(t, svc, c.ID, EventSentForSignature, SentData{Recipients: []string{"bob@example.com"}})

	before := store.eventCount(testTenant, c.ID)
	for _, data := range []EventData{
		PartiallySignedData{SignerEmail: "bob"},
		PartiallySignedData{SignerEmail: "   "},
		nil,
	} {
		_, err := svc.RecordEvent(context.Background(), RecordParams{
			TenantID:       testTenant,
			ContractID:     c.ID,
			EventType:      EventPartiallySigned,
			Data:           data,
			IdempotencyKey: "sign-bob",
		})
		if !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("payload %+v: expected ErrInvalidPayload, got %v", data, err)
		}
	}
	if got := store.eventCount(testTenant, c.ID); got != before {
		t.Fatalf("rejected payloads were written: %d events, want %d", got, before)
	}

	// An accepted payload decodes from its stored form, so a retry with the
	// same key replays instead of failing on read.
	res := record(t, svc, c.ID, EventPartiallySigned, PartiallySignedData{SignerEmail: "bob@example.com"})
	raw, err := MarshalEventData(res.Event.Data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := DecodeEventData(EventPartiallySigned, raw); err != nil {
		t.Fatalf("stored payload does not decode: %v", err)
	}
}

func TestRecordEvent_StoreUnavailable(t *testing.T) {
	svc, pool, _, _ := newTestService(t)
	pool.BeginErr = errors.New("dial tcp: connection refused")

	_, err := svc.RecordEvent(context.Background(), RecordParams{
		TenantID:   testTenant,
		ContractID: "c-1",
		EventType:  EventApproved,
	})
	if !errors.Is(err, ErrStoreUnavailable) || !IsRetryable(err) {
		t.Fatalf("expected retryable ErrStoreUnavailable, got %v", err)
	}
	if Reason(err) != "store_unavailable" {
		t.Errorf("unexpected reason %q", Reason(err))
	}
}

func TestRecordEvent_ClockNeverGoesBackwards(t *testing.T) {
	svc, _, _, clock := newTestService(t)
	c := createDraft(t, svc)
	created := clock.Now()

	clock.Set(created.Add(-time.Hour))
	res := record(t, svc, c.ID, EventSubmittedForApproval, nil)
	if !res.Event.CreatedAt.Equal(created) {
		t.Errorf("expected created_at clamped to %s, got %s", created, res.Event.CreatedAt)
	}
}

func TestRecordEvent_RenewalResetsSignatureAndTerm(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	c := createDraft(t, svc)
	for _, ev := range []EventType{EventSubmittedForApproval, EventApproved, EventSentForSignature, EventFullySigned, EventExpired} {
		record(t, svc, c.ID, ev, nil)
	}

	newExpiry := time.Date(2028, 3, 1, 0, 0, 0, 0, time.UTC)
	window := 45
	res := record(t, svc, c.ID, EventRenewed, RenewedData{NewExpiresAt: &newExpiry, RenewalWindowDays: &window})

	if res.Contract.Status != StatusRenewed || res.Contract.SignatureStatus != SignatureNone {
		t.Fatalf("expected renewed/none, got %s/%s", res.Contract.Status, res.Contract.SignatureStatus)
	}
	if res.Contract.EffectiveExpiresAt == nil || !res.Contract.EffectiveExpiresAt.Equal(newExpiry) {
		t.Errorf("expected new expiry %s, got %v", newExpiry, res.Contract.EffectiveExpiresAt)
	}
	if res.Contract.RenewalWindowDays == nil || *res.Contract.RenewalWindowDays != 45 {
		t.Errorf("expected renewal window 45, got %v", res.Contract.RenewalWindowDays)
	}

	// A new term signs again from scratch.
	record(t, svc, c.ID, EventSubmittedForApproval, nil)
	record(t, svc, c.ID, EventApproved, nil)
	record(t, svc, c.ID, EventSentForSignature, nil)
	res = record(t, svc, c.ID, EventPartiallySigned, PartiallySignedData{SignerEmail: "b@example.com"})
	if res.Contract.SignatureStatus != SignaturePartiallySigned {
		t.Errorf("expected partially_signed in new term, got %s", res.Contract.SignatureStatus)
	}
}

func TestForceStatusUpdate(t *testing.T) {
	svc, _, store, _ := newTestService(t)
	c := createDraft(t, svc)

	res, err := svc.ForceStatusUpdate(context.Background(), ForceParams{
		TenantID:   testTenant,
		ContractID: c.ID,
		NewStatus:  StatusCancelled,
		ActorID:    "admin-1",
	})
	if err != nil {
		t.Fatalf("force: %v", err)
	}
	if !res.Event.Forced || res.Event.Type != EventCancelled {
		t.Errorf("expected forced cancelled event, got %+v", res.Event)
	}
	if res.Event.ActorID == nil || *res.Event.ActorID != "admin-1" {
		t.Errorf("expected actor id recorded")
	}

	_, err = svc.ForceStatusUpdate(context.Background(), ForceParams{
		TenantID:   testTenant,
		ContractID: c.ID,
		NewStatus:  StatusSigned,
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition from cancelled, got %v", err)
	}

	_, err = svc.ForceStatusUpdate(context.Background(), ForceParams{
		TenantID:   testTenant,
		ContractID: c.ID,
		NewStatus:  StatusDraft,
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for draft, got %v", err)
	}
	if got := store.eventCount(testTenant, c.ID); got != 2 {
		t.Errorf("expected two events, got %d", got)
	}
}

func TestCreateContract_Idempotent(t *testing.T) {
	svc, _, store, _ := newTestService(t)

	params := CreateParams{TenantID: testTenant, CustomerID: "cust-1", IdempotencyKey: "import-42"}
	first, err := svc.CreateContract(context.Background(), params)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := svc.CreateContract(context.Background(), params)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !second.Replayed || second.Contract.ID != first.Contract.ID {
		t.Errorf("expected replay of %s, got %+v", first.Contract.ID, second)
	}
	if len(store.contracts) != 1 {
		t.Errorf("expected one contract, got %d", len(store.contracts))
	}
}

func TestVerifyProjection_DetectsDrift(t *testing.T) {
	svc, _, store, _ := newTestService(t)
	c := createDraft(t, svc)
	record(t, svc, c.ID, EventSubmittedForApproval, nil)

	if _, err := svc.VerifyProjection(context.Background(), testTenant, c.ID); err != nil {
		t.Fatalf("expected consistent projection, got %v", err)
	}

	k := memKey(testTenant, c.ID)
	drifted := store.contracts[k]
	drifted.Status = StatusApproved
	store.contracts[k] = drifted

	if _, err := svc.VerifyProjection(context.Background(), testTenant, c.ID); !errors.Is(err, ErrProjectionDrift) {
		t.Fatalf("expected ErrProjectionDrift, got %v", err)
	}
}
