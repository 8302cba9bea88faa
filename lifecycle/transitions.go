package lifecycle

import "fmt"

// Edge is one allowed status change.
type Edge struct {
	From Status
	To   Status
}

// transitionTable is closed-world: any pair not listed is rejected.
var transitionTable = []Edge{
	{From: StatusDraft, To: StatusPendingApproval},
	{From: StatusDraft, To: StatusCancelled},

	{From: StatusPendingApproval, To: StatusApproved},
	{From: StatusPendingApproval, To: StatusCancelled},

	{From: StatusApproved, To: StatusSent},
	{From: StatusApproved, To: StatusCancelled},

	{From: StatusSent, To: StatusSigned},
	{From: StatusSent, To: StatusCancelled},
	{From: StatusSent, To: StatusExpired},

	{From: StatusSigned, To: StatusExpired},
	{From: StatusSigned, To: StatusArchived},

	{From: StatusExpired, To: StatusRenewed},
	{From: StatusExpired, To: StatusArchived},

	{From: StatusCancelled, To: StatusArchived},

	// A renewal restarts the cycle as a new term of the same contract.
	{From: StatusRenewed, To: StatusPendingApproval},
}

var allowed = func() map[Status]map[Status]bool {
	m := make(map[Status]map[Status]bool, len(AllStatuses))
	for _, e := range transitionTable {
		if m[e.From] == nil {
			m[e.From] = make(map[Status]bool)
		}
		m[e.From][e.To] = true
	}
	return m
}()

// IsAllowed reports whether from -> to is a legal status transition.
func IsAllowed(from, to Status) bool {
	return allowed[from][to]
}

// AllowedFrom returns the statuses reachable from s in table order.
func AllowedFrom(s Status) []Status {
	var out []Status
	for _, e := range transitionTable {
		if e.From == s {
			out = append(out, e.To)
		}
	}
	return out
}

// StatusesAllowing returns every status from which to is reachable.
func StatusesAllowing(to Status) []Status {
	var out []Status
	for _, e := range transitionTable {
		if e.To == to {
			out = append(out, e.From)
		}
	}
	return out
}

// IsTerminal reports whether s has no outgoing transitions.
func IsTerminal(s Status) bool {
	return len(allowed[s]) == 0
}

// SignatureAllowed reports whether the signature axis may move from -> to.
// The axis is monotonic: partially_signed may repeat (one event per
// completing signer) but nothing follows fully_signed.
func SignatureAllowed(from, to SignatureStatus) bool {
	switch from {
	case SignatureNone:
		return to == SignaturePartiallySigned || to == SignatureFullySigned
	case SignaturePartiallySigned:
		return to == SignaturePartiallySigned || to == SignatureFullySigned
	default:
		return false
	}
}

// effect describes what an event does to a contract. Empty fields mean
// "unchanged".
type effect struct {
	status         Status
	signature      SignatureStatus
	requireStatus  Status
	resetSignature bool
}

var eventEffects = map[EventType]effect{
	EventSubmittedForApproval: {status: StatusPendingApproval},
	EventApproved:             {status: StatusApproved},
	EventSentForSignature:     {status: StatusSent},
	EventPartiallySigned:      {signature: SignaturePartiallySigned, requireStatus: StatusSent},
	EventFullySigned:          {status: StatusSigned, signature: SignatureFullySigned},
	EventExpired:              {status: StatusExpired},
	EventRenewed:              {status: StatusRenewed, resetSignature: true},
	EventCancelled:            {status: StatusCancelled},
	EventArchived:             {status: StatusArchived},
}

// Apply computes the state reached by applying ev to a contract in
// (status, sig). It is the only place event semantics are interpreted.
func Apply(ev EventType, status Status, sig SignatureStatus) (Status, SignatureStatus, error) {
	if ev == EventCreated {
		return "", "", fmt.Errorf("%w: %s only starts a contract", ErrInvalidTransition, ev)
	}
	eff, ok := eventEffects[ev]
	if !ok {
		return "", "", fmt.Errorf("%w: unknown event type %q", ErrInvalidPayload, ev)
	}

	if eff.requireStatus != "" && status != eff.requireStatus {
		return "", "", fmt.Errorf("%w: %s requires status %s, contract is %s", ErrInvalidTransition, ev, eff.requireStatus, status)
	}

	nextStatus := status
	if eff.status != "" {
		if !IsAllowed(status, eff.status) {
			return "", "", fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, status, eff.status)
		}
		nextStatus = eff.status
	}

	nextSig := sig
	switch {
	case eff.resetSignature:
		nextSig = SignatureNone
	case eff.signature != "":
		if !SignatureAllowed(sig, eff.signature) {
			return "", "", fmt.Errorf("%w: signature %s -> %s", ErrInvalidTransition, sig, eff.signature)
		}
		nextSig = eff.signature
	}

	return nextStatus, nextSig, nil
}

// EventForStatus returns the event synthesized for a direct jump to s.
// Draft has no synthesizing event: contracts only start there.
func EventForStatus(s Status) (EventType, bool) {
	for _, ev := range AllEventTypes {
		if eff, ok := eventEffects[ev]; ok && eff.status == s {
			return ev, true
		}
	}
	return "", false
}
