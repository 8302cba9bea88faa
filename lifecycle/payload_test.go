package lifecycle

import (
	"errors"
	"testing"
	"time"
)

func TestDecodeEventData(t *testing.T) {
	cases := []struct {
		name    string
		ev      EventType
		raw     string
		wantErr bool
	}{
		{"empty payload", EventApproved, ``, false},
		{"null payload", EventCancelled, `null`, false},
		{"partial with signer", EventPartiallySigned, `{"signer_email":"a@example.com"}`, false},
		{"partial without signer", EventPartiallySigned, `{}`, true},
		{"partial bad email", EventPartiallySigned, `{"signer_email":"not-an-email"}`, true},
		{"unknown field", EventApproved, `{"approver":"x"}`, true},
		{"renewal negative window", EventRenewed, `{"renewal_window_days":-1}`, true},
		{"renewal bad date", EventRenewed, `{"new_expires_at":"tomorrow"}`, true},
		{"sent recipients", EventSentForSignature, `{"recipients":["a@example.com","b@example.com"]}`, false},
		{"malformed json", EventExpired, `{`, true},
		{"unknown event", EventType("voided"), `{}`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeEventData(tc.ev, []byte(tc.raw))
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidPayload) {
					t.Fatalf("expected ErrInvalidPayload, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestDecodeEventData_TypedVariant(t *testing.T) {
	d, err := DecodeEventData(EventRenewed, []byte(`{"new_expires_at":"2027-01-31T00:00:00Z","renewal_window_days":30}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	renewal, ok := d.(RenewedData)
	if !ok {
		t.Fatalf("expected RenewedData value, got %T", d)
	}
	if renewal.NewExpiresAt == nil || !renewal.NewExpiresAt.Equal(time.Date(2027, 1, 31, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected expiry %v", renewal.NewExpiresAt)
	}
	if renewal.RenewalWindowDays == nil || *renewal.RenewalWindowDays != 30 {
		t.Errorf("unexpected window %v", renewal.RenewalWindowDays)
	}
}

func TestMarshalRoundTripsThroughSchema(t *testing.T) {
	signed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	raw, err := MarshalEventData(PartiallySignedData{SignerEmail: "a@example.com", SignedAt: &signed})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	d, err := DecodeEventData(EventPartiallySigned, raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := d.(PartiallySignedData); got.SignerEmail != "a@example.com" || !got.SignedAt.Equal(signed) {
		t.Errorf("unexpected payload %+v", got)
	}
}

func TestNormalizeEventData(t *testing.T) {
	d, err := normalizeEventData(EventExpired, nil)
	if err != nil {
		t.Fatalf("nil payload: %v", err)
	}
	if _, ok := d.(ExpiredData); !ok {
		t.Errorf("expected zero ExpiredData, got %T", d)
	}

	if _, err := normalizeEventData(EventExpired, &ExpiredData{Reason: "term ended"}); err != nil {
		t.Errorf("pointer payload: %v", err)
	}
	if _, err := normalizeEventData(EventExpired, CancelledData{}); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload for mismatched variant, got %v", err)
	}
	if _, err := normalizeEventData(EventPartiallySigned, PartiallySignedData{}); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload for missing signer, got %v", err)
	}
	if _, err := normalizeEventData(EventPartiallySigned, nil); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload for nil partially_signed payload, got %v", err)
	}
}

func TestNormalizeEventData_MatchesDecodeRules(t *testing.T) {
	days := -1
	rejected := []struct {
		ev   EventType
		data EventData
	}{
		{EventPartiallySigned, PartiallySignedData{SignerEmail: "bob"}},
		{EventFullySigned, FullySignedData{SignerEmail: "bob"}},
		{EventSentForSignature, SentData{Recipients: []string{"a@example.com", "nope"}}},
		{EventRenewed, RenewedData{RenewalWindowDays: &days}},
	}
	for _, tc := range rejected {
		if _, err := normalizeEventData(tc.ev, tc.data); !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("%s %+v: expected ErrInvalidPayload, got %v", tc.ev, tc.data, err)
		}
	}

	expires := time.Date(2027, 3, 1, 0, 0, 0, 0, time.UTC)
	window := 30
	accepted := []EventData{
		CreatedData{Source: "api"},
		SentData{Provider: "docusign", Recipients: []string{"a@example.com"}},
		PartiallySignedData{SignerEmail: "a@example.com"},
		FullySignedData{},
		ExpiredData{Reason: "term ended"},
		RenewedData{NewExpiresAt: &expires, RenewalWindowDays: &window},
		CancelledData{},
	}
	for _, d := range accepted {
		got, err := normalizeEventData(d.EventType(), d)
		if err != nil {
			t.Errorf("%T: %v", d, err)
			continue
		}
		raw, err := MarshalEventData(got)
		if err != nil {
			t.Fatalf("%T: marshal: %v", d, err)
		}
		if _, err := DecodeEventData(d.EventType(), raw); err != nil {
			t.Errorf("%T: accepted on write but rejected on read: %v", d, err)
		}
	}
}
