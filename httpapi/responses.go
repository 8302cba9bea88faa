package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"contractflow/alert"
	"contractflow/lifecycle"
)

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type contractResponse struct {
	ID                 string  `json:"id"`
	TenantID           string  `json:"tenantId"`
	Status             string  `json:"status"`
	SignatureStatus    string  `json:"signatureStatus"`
	CustomerID         string  `json:"customerId,omitempty"`
	TemplateID         string  `json:"templateId,omitempty"`
	EffectiveExpiresAt *string `json:"effectiveExpiresAt,omitempty"`
	RenewalWindowDays  *int    `json:"renewalWindowDays,omitempty"`
	CreatedAt          string  `json:"createdAt"`
	UpdatedAt          string  `json:"updatedAt"`
}

type eventResponse struct {
	ID                      string          `json:"id"`
	ContractID              string          `json:"contractId"`
	Seq                     int             `json:"seq"`
	EventType               string          `json:"eventType"`
	PreviousStatus          *string         `json:"previousStatus"`
	NewStatus               string          `json:"newStatus"`
	PreviousSignatureStatus string          `json:"previousSignatureStatus"`
	NewSignatureStatus      string          `json:"newSignatureStatus"`
	EventData               json.RawMessage `json:"eventData"`
	IdempotencyKey          *string         `json:"idempotencyKey,omitempty"`
	ActorID                 *string         `json:"actorId,omitempty"`
	Forced                  bool            `json:"forced,omitempty"`
	CreatedAt               string          `json:"createdAt"`
}

type resultResponse struct {
	Contract contractResponse `json:"contract"`
	Event    eventResponse    `json:"event"`
	Replayed bool             `json:"replayed"`
}

type alertResponse struct {
	ID             string  `json:"id"`
	ContractID     string  `json:"contractId"`
	Type           string  `json:"type"`
	DueDate        string  `json:"dueDate"`
	RaisedAt       string  `json:"raisedAt"`
	AcknowledgedAt *string `json:"acknowledgedAt,omitempty"`
}

type listResponse struct {
	Items  []contractResponse `json:"items"`
	Total  int                `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

type snapshotResponse struct {
	Status          string `json:"status"`
	SignatureStatus string `json:"signatureStatus"`
	Seq             int    `json:"seq"`
	LastEventAt     string `json:"lastEventAt"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatOptionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toContractResponse(c lifecycle.Contract) contractResponse {
	return contractResponse{
		ID:                 c.ID,
		TenantID:           string(c.TenantID),
		Status:             string(c.Status),
		SignatureStatus:    string(c.SignatureStatus),
		CustomerID:         c.CustomerID,
		TemplateID:         c.TemplateID,
		EffectiveExpiresAt: formatOptionalTime(c.EffectiveExpiresAt),
		RenewalWindowDays:  c.RenewalWindowDays,
		CreatedAt:          formatTime(c.CreatedAt),
		UpdatedAt:          formatTime(c.UpdatedAt),
	}
}

func toEventResponse(ev lifecycle.Event) eventResponse {
	data, err := lifecycle.MarshalEventData(ev.Data)
	if err != nil {
		data = []byte("{}")
	}
	var prev *string
	if ev.PreviousStatus != nil {
		s := string(*ev.PreviousStatus)
		prev = &s
	}
	return eventResponse{
		ID:                      ev.ID,
		ContractID:              ev.ContractID,
		Seq:                     ev.Seq,
		EventType:               string(ev.Type),
		PreviousStatus:          prev,
		NewStatus:               string(ev.NewStatus),
		PreviousSignatureStatus: string(ev.PreviousSignatureStatus),
		NewSignatureStatus:      string(ev.NewSignatureStatus),
		EventData:               data,
		IdempotencyKey:          ev.IdempotencyKey,
		ActorID:                 ev.ActorID,
		Forced:                  ev.Forced,
		CreatedAt:               formatTime(ev.CreatedAt),
	}
}

func toResultResponse(res lifecycle.Result) resultResponse {
	return resultResponse{
		Contract: toContractResponse(res.Contract),
		Event:    toEventResponse(res.Event),
		Replayed: res.Replayed,
	}
}

func toAlertResponses(alerts []alert.Alert) []alertResponse {
	out := make([]alertResponse, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, toAlertResponse(a))
	}
	return out
}

func toAlertResponse(a alert.Alert) alertResponse {
	return alertResponse{
		ID:             a.ID,
		ContractID:     a.ContractID,
		Type:           string(a.Type),
		DueDate:        formatTime(a.DueDate),
		RaisedAt:       formatTime(a.RaisedAt),
		AcknowledgedAt: formatOptionalTime(a.AcknowledgedAt),
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError renders err at the boundary as its taxonomy reason only.
func writeError(w http.ResponseWriter, err error) {
	reason := lifecycle.Reason(err)
	status := http.StatusInternalServerError
	switch reason {
	case "not_found":
		status = http.StatusNotFound
	case "invalid_transition":
		status = http.StatusUnprocessableEntity
	case "conflict", "duplicate_event", "lease_held":
		status = http.StatusConflict
	case "invalid_payload":
		status = http.StatusBadRequest
	case "store_unavailable":
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, errorResponse{
		Error:  "contract lifecycle action failed: " + reason,
		Reason: reason,
	})
}
