package lifecycle

import (
	"fmt"
	"time"
)

// Snapshot is the state reached by folding an event log.
type Snapshot struct {
	Status          Status
	SignatureStatus SignatureStatus
	Seq             int
	LastEventAt     time.Time
}

// Project folds events, ordered by seq, into the current state. It rejects
// logs that do not start with created, skip a sequence number, break the
// status chain or record a state the table would not produce.
func Project(events []Event) (Snapshot, error) {
	if len(events) == 0 {
		return Snapshot{}, fmt.Errorf("%w: empty event log", ErrProjectionDrift)
	}

	first := events[0]
	if first.Type != EventCreated || first.PreviousStatus != nil || first.NewStatus != StatusDraft {
		return Snapshot{}, fmt.Errorf("%w: log must start with created -> draft", ErrProjectionDrift)
	}
	snap := Snapshot{
		Status:          StatusDraft,
		SignatureStatus: SignatureNone,
		Seq:             first.Seq,
		LastEventAt:     first.CreatedAt,
	}
	if snap.Seq != 1 {
		return Snapshot{}, fmt.Errorf("%w: first event has seq %d", ErrProjectionDrift, snap.Seq)
	}

	for _, ev := range events[1:] {
		if ev.Seq != snap.Seq+1 {
			return Snapshot{}, fmt.Errorf("%w: seq %d follows %d", ErrProjectionDrift, ev.Seq, snap.Seq)
		}
		if ev.PreviousStatus == nil || *ev.PreviousStatus != snap.Status {
			return Snapshot{}, fmt.Errorf("%w: event %d does not chain from %s", ErrProjectionDrift, ev.Seq, snap.Status)
		}
		if ev.CreatedAt.Before(snap.LastEventAt) {
			return Snapshot{}, fmt.Errorf("%w: event %d is older than its predecessor", ErrProjectionDrift, ev.Seq)
		}
		status, sig, err := Apply(ev.Type, snap.Status, snap.SignatureStatus)
		if err != nil {
			return Snapshot{}, fmt.Errorf("%w: event %d: %v", ErrProjectionDrift, ev.Seq, err)
		}
		if status != ev.NewStatus || sig != ev.NewSignatureStatus {
			return Snapshot{}, fmt.Errorf("%w: event %d records %s/%s, table gives %s/%s",
				ErrProjectionDrift, ev.Seq, ev.NewStatus, ev.NewSignatureStatus, status, sig)
		}
		snap.Status = status
		snap.SignatureStatus = sig
		snap.Seq = ev.Seq
		snap.LastEventAt = ev.CreatedAt
	}
	return snap, nil
}
