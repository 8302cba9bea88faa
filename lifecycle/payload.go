package lifecycle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// EventData is the payload of a lifecycle event. Each event type has exactly
// one concrete variant.
type EventData interface {
	EventType() EventType
}

type CreatedData struct {
	Source    string `json:"source,omitempty"`
	CreatedBy string `json:"created_by,omitempty"`
}

type SubmittedData struct {
	SubmittedBy string `json:"submitted_by,omitempty"`
	Note        string `json:"note,omitempty"`
}

type ApprovedData struct {
	ApprovedBy string `json:"approved_by,omitempty"`
	Comment    string `json:"comment,omitempty"`
}

type SentData struct {
	Provider           string   `json:"provider,omitempty"`
	SignatureRequestID string   `json:"signature_request_id,omitempty"`
	Recipients         []string `json:"recipients,omitempty"`
}

// PartiallySignedData records one completing signer.
type PartiallySignedData struct {
	SignerEmail string     `json:"signer_email"`
	SignedAt    *time.Time `json:"signed_at,omitempty"`
}

type FullySignedData struct {
	SignerEmail string     `json:"signer_email,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type ExpiredData struct {
	SweptAt *time.Time `json:"swept_at,omitempty"`
	Reason  string     `json:"reason,omitempty"`
}

// RenewedData optionally carries the dates of the new term.
type RenewedData struct {
	NewExpiresAt      *time.Time `json:"new_expires_at,omitempty"`
	RenewalWindowDays *int       `json:"renewal_window_days,omitempty"`
	RenewedBy         string     `json:"renewed_by,omitempty"`
}

type CancelledData struct {
	Reason      string `json:"reason,omitempty"`
	CancelledBy string `json:"cancelled_by,omitempty"`
}

type ArchivedData struct {
	Reason     string `json:"reason,omitempty"`
	ArchivedBy string `json:"archived_by,omitempty"`
}

func (CreatedData) EventType() EventType         { return EventCreated }
func (SubmittedData) EventType() EventType       { return EventSubmittedForApproval }
func (ApprovedData) EventType() EventType        { return EventApproved }
func (SentData) EventType() EventType            { return EventSentForSignature }
func (PartiallySignedData) EventType() EventType { return EventPartiallySigned }
func (FullySignedData) EventType() EventType     { return EventFullySigned }
func (ExpiredData) EventType() EventType         { return EventExpired }
func (RenewedData) EventType() EventType         { return EventRenewed }
func (CancelledData) EventType() EventType       { return EventCancelled }
func (ArchivedData) EventType() EventType        { return EventArchived }

// newEventData returns a pointer to the zero variant for ev.
func newEventData(ev EventType) (EventData, error) {
	switch ev {
	case EventCreated:
		return &CreatedData{}, nil
	case EventSubmittedForApproval:
		return &SubmittedData{}, nil
	case EventApproved:
		return &ApprovedData{}, nil
	case EventSentForSignature:
		return &SentData{}, nil
	case EventPartiallySigned:
		return &PartiallySignedData{}, nil
	case EventFullySigned:
		return &FullySignedData{}, nil
	case EventExpired:
		return &ExpiredData{}, nil
	case EventRenewed:
		return &RenewedData{}, nil
	case EventCancelled:
		return &CancelledData{}, nil
	case EventArchived:
		return &ArchivedData{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidPayload, ev)
	}
}

// deref turns the pointer variants produced by decoding into values so that
// type switches only need to handle one shape.
func deref(d EventData) EventData {
	switch v := d.(type) {
	case *CreatedData:
		return *v
	case *SubmittedData:
		return *v
	case *ApprovedData:
		return *v
	case *SentData:
		return *v
	case *PartiallySignedData:
		return *v
	case *FullySignedData:
		return *v
	case *ExpiredData:
		return *v
	case *RenewedData:
		return *v
	case *CancelledData:
		return *v
	case *ArchivedData:
		return *v
	default:
		return d
	}
}

// normalizeEventData checks d against ev and against the same schema
// DecodeEventData applies, so every payload that is written can be read back.
// A nil payload becomes the zero variant.
func normalizeEventData(ev EventType, d EventData) (EventData, error) {
	if d == nil {
		zero, err := newEventData(ev)
		if err != nil {
			return nil, err
		}
		d = zero
	}
	d = deref(d)
	if d.EventType() != ev {
		return nil, fmt.Errorf("%w: %s payload supplied for %s event", ErrInvalidPayload, d.EventType(), ev)
	}
	if err := checkVariant(d); err != nil {
		return nil, err
	}
	return d, nil
}

func checkVariant(d EventData) error {
	switch v := d.(type) {
	case PartiallySignedData:
		if strings.TrimSpace(v.SignerEmail) == "" {
			return fmt.Errorf("%w: partially_signed requires signer_email", ErrInvalidPayload)
		}
	case RenewedData:
		if v.RenewalWindowDays != nil && *v.RenewalWindowDays < 0 {
			return fmt.Errorf("%w: negative renewal_window_days", ErrInvalidPayload)
		}
	}

	schema, err := schemaFor(d.EventType())
	if err != nil {
		return err
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("%w: marshal %s: %v", ErrInvalidPayload, d.EventType(), err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, d.EventType(), err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, d.EventType(), err)
	}
	return nil
}

// MarshalEventData encodes d for the event_data column.
func MarshalEventData(d EventData) ([]byte, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(deref(d))
	if err != nil {
		return nil, fmt.Errorf("%w: marshal %s: %v", ErrInvalidPayload, d.EventType(), err)
	}
	return b, nil
}

// DecodeEventData validates raw against the schema for ev and decodes it into
// the matching variant. Empty input decodes to the zero variant.
func DecodeEventData(ev EventType, raw []byte) (EventData, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}
	schema, err := schemaFor(ev)
	if err != nil {
		return nil, err
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, ev, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, ev, err)
	}

	out, err := newEventData(ev)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, ev, err)
	}
	return normalizeEventData(ev, out)
}

const (
	stringProp   = `{"type":"string"}`
	dateTimeProp = `{"type":"string","format":"date-time"}`
)

var eventSchemas = map[EventType]string{
	EventCreated:              object(nil, "source", stringProp, "created_by", stringProp),
	EventSubmittedForApproval: object(nil, "submitted_by", stringProp, "note", stringProp),
	EventApproved:             object(nil, "approved_by", stringProp, "comment", stringProp),
	EventSentForSignature: object(nil,
		"provider", stringProp,
		"signature_request_id", stringProp,
		"recipients", `{"type":"array","items":{"type":"string","format":"email"}}`),
	EventPartiallySigned: object([]string{"signer_email"},
		"signer_email", `{"type":"string","format":"email"}`,
		"signed_at", dateTimeProp),
	EventFullySigned: object(nil,
		"signer_email", `{"type":"string","format":"email"}`,
		"completed_at", dateTimeProp),
	EventExpired: object(nil, "swept_at", dateTimeProp, "reason", stringProp),
	EventRenewed: object(nil,
		"new_expires_at", dateTimeProp,
		"renewal_window_days", `{"type":"integer","minimum":0}`,
		"renewed_by", stringProp),
	EventCancelled: object(nil, "reason", stringProp, "cancelled_by", stringProp),
	EventArchived:  object(nil, "reason", stringProp, "archived_by", stringProp),
}

func object(required []string, kv ...string) string {
	var b strings.Builder
	b.WriteString(`{"type":"object","additionalProperties":false,"properties":{`)
	for i := 0; i+1 < len(kv); i += 2 {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%q:%s", kv[i], kv[i+1])
	}
	b.WriteString("}")
	if len(required) > 0 {
		req, _ := json.Marshal(required)
		fmt.Fprintf(&b, `,"required":%s`, req)
	}
	b.WriteString("}")
	return b.String()
}

var (
	schemaOnce sync.Once
	compiled   map[EventType]*jsonschema.Schema
	schemaErr  error
)

func schemaFor(ev EventType) (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiled = make(map[EventType]*jsonschema.Schema, len(eventSchemas))
		c := jsonschema.NewCompiler()
		c.AssertFormat = true
		for ev, src := range eventSchemas {
			url := "https://schemas.contractflow.dev/event_data/" + string(ev) + ".json"
			if err := c.AddResource(url, strings.NewReader(src)); err != nil {
				schemaErr = fmt.Errorf("lifecycle: add schema %s: %w", ev, err)
				return
			}
			s, err := c.Compile(url)
			if err != nil {
				schemaErr = fmt.Errorf("lifecycle: compile schema %s: %w", ev, err)
				return
			}
			compiled[ev] = s
		}
	})
	if schemaErr != nil {
		return nil, schemaErr
	}
	s, ok := compiled[ev]
	if !ok {
		return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidPayload, ev)
	}
	return s, nil
}
