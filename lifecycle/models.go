package lifecycle

import "time"

// TenantID scopes every read and write. It is resolved by the caller and
// never looked up from ambient state.
type TenantID string

// Status is the coarse lifecycle state of a contract.
type Status string

const (
	StatusDraft           Status = "draft"
	StatusPendingApproval Status = "pending_approval"
	StatusApproved        Status = "approved"
	StatusSent            Status = "sent"
	StatusSigned          Status = "signed"
	StatusCancelled       Status = "cancelled"
	StatusExpired         Status = "expired"
	StatusRenewed         Status = "renewed"
	StatusArchived        Status = "archived"
)

// AllStatuses lists every status in table order.
var AllStatuses = []Status{
	StatusDraft,
	StatusPendingApproval,
	StatusApproved,
	StatusSent,
	StatusSigned,
	StatusCancelled,
	StatusExpired,
	StatusRenewed,
	StatusArchived,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// SignatureStatus tracks signer completion independently of Status.
type SignatureStatus string

const (
	SignatureNone            SignatureStatus = "none"
	SignaturePartiallySigned SignatureStatus = "partially_signed"
	SignatureFullySigned     SignatureStatus = "fully_signed"
)

// Valid reports whether s is a known signature status.
func (s SignatureStatus) Valid() bool {
	switch s {
	case SignatureNone, SignaturePartiallySigned, SignatureFullySigned:
		return true
	default:
		return false
	}
}

// EventType enumerates the closed set of lifecycle events.
type EventType string

const (
	EventCreated              EventType = "created"
	EventSubmittedForApproval EventType = "submitted_for_approval"
	EventApproved             EventType = "approved"
	EventSentForSignature     EventType = "sent_for_signature"
	EventPartiallySigned      EventType = "partially_signed"
	EventFullySigned          EventType = "fully_signed"
	EventExpired              EventType = "expired"
	EventRenewed              EventType = "renewed"
	EventCancelled            EventType = "cancelled"
	EventArchived             EventType = "archived"
)

// AllEventTypes lists every event type.
var AllEventTypes = []EventType{
	EventCreated,
	EventSubmittedForApproval,
	EventApproved,
	EventSentForSignature,
	EventPartiallySigned,
	EventFullySigned,
	EventExpired,
	EventRenewed,
	EventCancelled,
	EventArchived,
}

// Contract mirrors the lifecycle-relevant columns of the contracts table.
type Contract struct {
	ID                 string
	TenantID           TenantID
	Status             Status
	SignatureStatus    SignatureStatus
	CustomerID         string
	TemplateID         string
	EffectiveExpiresAt *time.Time
	RenewalWindowDays  *int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// RenewalDueAt returns the start of the renewal window, if the contract has one.
func (c Contract) RenewalDueAt() (time.Time, bool) {
	if c.EffectiveExpiresAt == nil || c.RenewalWindowDays == nil {
		return time.Time{}, false
	}
	return c.EffectiveExpiresAt.AddDate(0, 0, -*c.RenewalWindowDays), true
}

// Event is an immutable lifecycle_events row.
type Event struct {
	ID                      string
	TenantID                TenantID
	ContractID              string
	Seq                     int
	Type                    EventType
	PreviousStatus          *Status
	NewStatus               Status
	PreviousSignatureStatus SignatureStatus
	NewSignatureStatus      SignatureStatus
	Data                    EventData
	IdempotencyKey          *string
	ActorID                 *string
	Forced                  bool
	CreatedAt               time.Time
}

// Result is returned by the write operations of the event log.
type Result struct {
	Contract Contract
	Event    Event
	// Replayed is true when an idempotency key matched a prior event and
	// nothing was written.
	Replayed bool
}

const (
	// OutboxTopicPrefix prefixes the topic of every lifecycle outbox message.
	OutboxTopicPrefix = "contract."
)
