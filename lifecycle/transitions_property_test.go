//go:build property
// +build property

package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"contractflow/internal/txfake"
)

func payloadFor(ev EventType) EventData {
	if ev == EventPartiallySigned {
		return PartiallySignedData{SignerEmail: "signer@example.com"}
	}
	return nil
}

// TestRandomEventSequences drives the service with arbitrary event sequences.
// Property: rejected events leave no trace, accepted events follow the table,
// the signature axis only moves forward within a term and the fold of the log
// equals the materialized columns.
func TestRandomEventSequences(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("event log and projection stay consistent", prop.ForAll(
		func(picks []int) bool {
			svc, _, store, _ := newPropertyService()
			ctx := context.Background()
			created, err := svc.CreateContract(ctx, CreateParams{TenantID: testTenant})
			if err != nil {
				return false
			}
			id := created.Contract.ID

			for _, pick := range picks {
				ev := AllEventTypes[pick]
				before := store.contracts[memKey(testTenant, id)]
				count := store.eventCount(testTenant, id)

				res, err := svc.RecordEvent(ctx, RecordParams{
					TenantID:   testTenant,
					ContractID: id,
					EventType:  ev,
					Data:       payloadFor(ev),
				})
				if err != nil {
					if !errors.Is(err, ErrInvalidTransition) {
						return false
					}
					if store.eventCount(testTenant, id) != count || store.contracts[memKey(testTenant, id)] != before {
						return false
					}
					continue
				}
				if res.Contract.Status != before.Status && !IsAllowed(before.Status, res.Contract.Status) {
					return false
				}
				if ev != EventRenewed && res.Contract.SignatureStatus != before.SignatureStatus &&
					!SignatureAllowed(before.SignatureStatus, res.Contract.SignatureStatus) {
					return false
				}
			}

			snap, err := Project(store.events[memKey(testTenant, id)])
			if err != nil {
				return false
			}
			current := store.contracts[memKey(testTenant, id)]
			return snap.Status == current.Status && snap.SignatureStatus == current.SignatureStatus
		},
		gen.SliceOf(gen.IntRange(0, len(AllEventTypes)-1)),
	))

	properties.TestingRun(t)
}

func newPropertyService() (*Service, *txfake.Pool, *memStore, *fixedClock) {
	pool := &txfake.Pool{}
	store := newMemStore()
	clock := &fixedClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	svc := NewService(pool, store).
		WithClock(clock.Now).
		WithIDGenerator(sequentialIDs("p"))
	return svc, pool, store, clock
}
