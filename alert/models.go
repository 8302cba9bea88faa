package alert

import (
	"time"

	"contractflow/lifecycle"
)

// Type distinguishes the two alert families.
type Type string

const (
	TypeRenewal    Type = "renewal"
	TypeExpiration Type = "expiration"
)

func (t Type) Valid() bool {
	return t == TypeRenewal || t == TypeExpiration
}

// Alert is a contract_alerts row. At most one unacknowledged alert exists per
// contract and type.
type Alert struct {
	ID             string
	TenantID       lifecycle.TenantID
	ContractID     string
	Type           Type
	DueDate        time.Time
	RaisedAt       time.Time
	AcknowledgedAt *time.Time
}

// Acknowledged reports whether the alert has been acknowledged.
func (a Alert) Acknowledged() bool {
	return a.AcknowledgedAt != nil
}

// DueDate returns the date an alert of type t for c falls due.
func DueDate(t Type, c lifecycle.Contract) (time.Time, bool) {
	switch t {
	case TypeRenewal:
		return c.RenewalDueAt()
	case TypeExpiration:
		if c.EffectiveExpiresAt == nil {
			return time.Time{}, false
		}
		return *c.EffectiveExpiresAt, true
	default:
		return time.Time{}, false
	}
}
