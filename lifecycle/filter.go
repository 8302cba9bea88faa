package lifecycle

import (
	"fmt"
	"strings"
	"time"
)

// DateField selects the column a date range applies to.
type DateField string

const (
	DateCreatedAt DateField = "created_at"
	DateExpiresAt DateField = "effective_expires_at"
)

// ExpirationExcluded lists the statuses that never expire or raise expiration alerts.
var ExpirationExcluded = []Status{StatusExpired, StatusCancelled, StatusArchived}

// RenewalCandidates lists the statuses eligible for renewal alerts: signed
// contracts plus every status the table allows to renew from.
func RenewalCandidates() []Status {
	out := []Status{StatusSigned}
	for _, s := range StatusesAllowing(StatusRenewed) {
		if s != StatusSigned {
			out = append(out, s)
		}
	}
	return out
}

// Filters narrows contract listings. Zero values mean "no constraint".
type Filters struct {
	Statuses          []Status
	SignatureStatuses []SignatureStatus
	DateField         DateField
	From              *time.Time
	To                *time.Time
	CustomerID        string
	TemplateID        string
	ExpiresWithinDays *int
	RenewalWithinDays *int
	Limit             int
	Offset            int
}

// Validate rejects filters that cannot be turned into a predicate.
func (f Filters) Validate() error {
	for _, s := range f.Statuses {
		if !s.Valid() {
			return fmt.Errorf("%w: unknown status %q", ErrInvalidPayload, s)
		}
	}
	for _, s := range f.SignatureStatuses {
		if !s.Valid() {
			return fmt.Errorf("%w: unknown signature status %q", ErrInvalidPayload, s)
		}
	}
	switch f.DateField {
	case "", DateCreatedAt, DateExpiresAt:
	default:
		return fmt.Errorf("%w: unknown date field %q", ErrInvalidPayload, f.DateField)
	}
	if f.ExpiresWithinDays != nil && *f.ExpiresWithinDays < 0 {
		return fmt.Errorf("%w: negative expires_within_days", ErrInvalidPayload)
	}
	if f.RenewalWithinDays != nil && *f.RenewalWithinDays < 0 {
		return fmt.Errorf("%w: negative renewal_within_days", ErrInvalidPayload)
	}
	if f.Limit < 0 || f.Offset < 0 {
		return fmt.Errorf("%w: negative limit or offset", ErrInvalidPayload)
	}
	return nil
}

// Predicate accumulates AND-ed SQL conditions over the contracts table with
// numbered placeholders. It always starts scoped to one tenant.
type Predicate struct {
	where []string
	args  []any
}

func NewPredicate(tenant TenantID) *Predicate {
	p := &Predicate{}
	p.Add("tenant_id = " + p.Arg(string(tenant)))
	return p
}

// Arg appends v and returns its placeholder.
func (p *Predicate) Arg(v any) string {
	p.args = append(p.args, v)
	return fmt.Sprintf("$%d", len(p.args))
}

func (p *Predicate) Add(clause string) {
	p.where = append(p.where, clause)
}

func (p *Predicate) Where() string {
	return " WHERE " + strings.Join(p.where, " AND ")
}

func (p *Predicate) Args() []any {
	return p.args
}

func (p *Predicate) statusIn(statuses []Status) {
	p.Add("status = ANY(" + p.Arg(statusStrings(statuses)) + ")")
}

func (p *Predicate) statusNotIn(statuses []Status) {
	p.Add("NOT (status = ANY(" + p.Arg(statusStrings(statuses)) + "))")
}

// ExpiringWithin restricts to contracts whose term ends in [now, now+days].
func (p *Predicate) ExpiringWithin(now time.Time, days int) {
	p.statusNotIn(ExpirationExcluded)
	p.Add("effective_expires_at BETWEEN " + p.Arg(now) + " AND " + p.Arg(now.AddDate(0, 0, days)))
}

// RenewalDueWithin restricts to renewal candidates whose renewal window opens
// by now+days. A window that already opened still qualifies while the term is
// running, and expired contracts stay candidates until renewed or archived.
func (p *Predicate) RenewalDueWithin(now time.Time, days int) {
	p.statusIn(RenewalCandidates())
	p.Add("renewal_window_days IS NOT NULL")
	p.Add("effective_expires_at IS NOT NULL")
	p.Add("(effective_expires_at - make_interval(days => renewal_window_days)) <= " + p.Arg(now.AddDate(0, 0, days)))
	p.Add("(effective_expires_at >= " + p.Arg(now) + " OR status = " + p.Arg(string(StatusExpired)) + ")")
}

// Overdue restricts to contracts the sweeper should expire.
func (p *Predicate) Overdue(now time.Time) {
	p.statusNotIn(ExpirationExcluded)
	p.Add("effective_expires_at <= " + p.Arg(now))
}

// BuildPredicate translates f into a predicate. Callers validate f first.
func BuildPredicate(tenant TenantID, f Filters, now time.Time) *Predicate {
	p := NewPredicate(tenant)
	if len(f.Statuses) > 0 {
		p.statusIn(f.Statuses)
	}
	if len(f.SignatureStatuses) > 0 {
		sigs := make([]string, len(f.SignatureStatuses))
		for i, s := range f.SignatureStatuses {
			sigs[i] = string(s)
		}
		p.Add("signature_status = ANY(" + p.Arg(sigs) + ")")
	}
	column := string(DateCreatedAt)
	if f.DateField == DateExpiresAt {
		column = string(DateExpiresAt)
	}
	if f.From != nil {
		p.Add(column + " >= " + p.Arg(*f.From))
	}
	if f.To != nil {
		p.Add(column + " <= " + p.Arg(*f.To))
	}
	if f.CustomerID != "" {
		p.Add("customer_id = " + p.Arg(f.CustomerID))
	}
	if f.TemplateID != "" {
		p.Add("template_id = " + p.Arg(f.TemplateID))
	}
	if f.ExpiresWithinDays != nil {
		p.ExpiringWithin(now, *f.ExpiresWithinDays)
	}
	if f.RenewalWithinDays != nil {
		p.RenewalDueWithin(now, *f.RenewalWithinDays)
	}
	return p
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
