// Package httpapi exposes the lifecycle engine over HTTP. Every route under
// /v1 requires a bearer token whose tenant_id claim scopes the call.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"contractflow/alert"
	"contractflow/lifecycle"
	"contractflow/query"
	"contractflow/sweeper"
)

type LifecycleService interface {
	CreateContract(ctx context.Context, params lifecycle.CreateParams) (lifecycle.Result, error)
	RecordEvent(ctx context.Context, params lifecycle.RecordParams) (lifecycle.Result, error)
	ForceStatusUpdate(ctx context.Context, params lifecycle.ForceParams) (lifecycle.Result, error)
	VerifyProjection(ctx context.Context, tenant lifecycle.TenantID, contractID string) (lifecycle.Snapshot, error)
}

type AlertService interface {
	RenewalAlerts(ctx context.Context, tenant lifecycle.TenantID, daysAhead int) ([]alert.Alert, error)
	ExpirationAlerts(ctx context.Context, tenant lifecycle.TenantID, daysAhead int) ([]alert.Alert, error)
	AcknowledgeAlert(ctx context.Context, tenant lifecycle.TenantID, alertID string) (alert.Alert, error)
}

type SweepService interface {
	ProcessExpiredContracts(ctx context.Context, tenant lifecycle.TenantID) (sweeper.Result, error)
}

type QueryService interface {
	ListContracts(ctx context.Context, tenant lifecycle.TenantID, f lifecycle.Filters) (query.Page, error)
	GetLifecycleHistory(ctx context.Context, tenant lifecycle.TenantID, contractID string) ([]lifecycle.Event, error)
	GetLifecycleStats(ctx context.Context, tenant lifecycle.TenantID, f lifecycle.Filters) (query.Stats, error)
}

// Deps wires the engine components into the server.
type Deps struct {
	Lifecycle      LifecycleService
	Alerts         AlertService
	Sweeper        SweepService
	Query          QueryService
	Verifier       *TokenVerifier
	Logger         *zap.Logger
	RequestTimeout time.Duration
}

type Server struct {
	lifecycle LifecycleService
	alerts    AlertService
	sweeper   SweepService
	query     QueryService
	verifier  *TokenVerifier
	logger    *zap.Logger
	timeout   time.Duration
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := d.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Server{
		lifecycle: d.Lifecycle,
		alerts:    d.Alerts,
		sweeper:   d.Sweeper,
		query:     d.Query,
		verifier:  d.Verifier,
		logger:    logger.With(zap.String("component", "http")),
		timeout:   timeout,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	r.Route("/v1", func(api chi.Router) {
		api.Use(Authenticate(s.verifier))
		api.Use(middleware.Timeout(s.timeout))

		api.Post("/contracts", s.handleCreateContract)
		api.Get("/contracts", s.handleListContracts)
		api.Get("/contracts/stats", s.handleStats)
		api.Get("/contracts/{contract_id}/history", s.handleHistory)
		api.Get("/contracts/{contract_id}/verify", s.handleVerify)
		api.Post("/contracts/{contract_id}/events", s.handleTrackEvent)
		api.Post("/contracts/{contract_id}/status", s.handleUpdateStatus)

		api.Post("/sweeps", s.handleProcessExpired)

		api.Get("/alerts/renewal", s.handleAlerts(alert.TypeRenewal))
		api.Get("/alerts/expiration", s.handleAlerts(alert.TypeExpiration))
		api.Post("/alerts/{alert_id}/acknowledge", s.handleAcknowledge)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func principal(r *http.Request) Principal {
	p, _ := PrincipalFrom(r.Context())
	return p
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: decode request: %v", lifecycle.ErrInvalidPayload, err)
	}
	return nil
}

func idempotencyKey(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}

type createContractRequest struct {
	ContractID         string     `json:"contractId"`
	CustomerID         string     `json:"customerId"`
	TemplateID         string     `json:"templateId"`
	EffectiveExpiresAt *time.Time `json:"effectiveExpiresAt"`
	RenewalWindowDays  *int       `json:"renewalWindowDays"`
	Source             string     `json:"source"`
	IdempotencyKey     string     `json:"idempotencyKey"`
}

func (s *Server) handleCreateContract(w http.ResponseWriter, r *http.Request) {
	var req createContractRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	p := principal(r)
	res, err := s.lifecycle.CreateContract(r.Context(), lifecycle.CreateParams{
		TenantID:           p.TenantID,
		ContractID:         req.ContractID,
		CustomerID:         req.CustomerID,
		TemplateID:         req.TemplateID,
		EffectiveExpiresAt: req.EffectiveExpiresAt,
		RenewalWindowDays:  req.RenewalWindowDays,
		Data:               &lifecycle.CreatedData{Source: req.Source, CreatedBy: p.ActorID},
		IdempotencyKey:     idempotencyKey(r, req.IdempotencyKey),
		ActorID:            p.ActorID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, toResultResponse(res))
}

type trackEventRequest struct {
	EventType              lifecycle.EventType `json:"eventType"`
	EventData              json.RawMessage     `json:"eventData"`
	ExpectedPreviousStatus *lifecycle.Status   `json:"expectedPreviousStatus"`
	ExpectedNewStatus      *lifecycle.Status   `json:"expectedNewStatus"`
	IdempotencyKey         string              `json:"idempotencyKey"`
}

func (s *Server) handleTrackEvent(w http.ResponseWriter, r *http.Request) {
	var req trackEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	data, err := lifecycle.DecodeEventData(req.EventType, req.EventData)
	if err != nil {
		writeError(w, err)
		return
	}
	p := principal(r)
	res, err := s.lifecycle.RecordEvent(r.Context(), lifecycle.RecordParams{
		TenantID:               p.TenantID,
		ContractID:             chi.URLParam(r, "contract_id"),
		EventType:              req.EventType,
		Data:                   data,
		ExpectedPreviousStatus: req.ExpectedPreviousStatus,
		ExpectedNewStatus:      req.ExpectedNewStatus,
		IdempotencyKey:         idempotencyKey(r, req.IdempotencyKey),
		ActorID:                p.ActorID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResultResponse(res))
}

type updateStatusRequest struct {
	NewStatus      lifecycle.Status `json:"newStatus"`
	EventData      json.RawMessage  `json:"eventData"`
	IdempotencyKey string           `json:"idempotencyKey"`
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	var data lifecycle.EventData
	if ev, ok := lifecycle.EventForStatus(req.NewStatus); ok {
		decoded, err := lifecycle.DecodeEventData(ev, req.EventData)
		if err != nil {
			writeError(w, err)
			return
		}
		data = decoded
	}
	p := principal(r)
	res, err := s.lifecycle.ForceStatusUpdate(r.Context(), lifecycle.ForceParams{
		TenantID:       p.TenantID,
		ContractID:     chi.URLParam(r, "contract_id"),
		NewStatus:      req.NewStatus,
		Data:           data,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
		ActorID:        p.ActorID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResultResponse(res))
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	snap, err := s.lifecycle.VerifyProjection(r.Context(), principal(r).TenantID, chi.URLParam(r, "contract_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotResponse{
		Status:          string(snap.Status),
		SignatureStatus: string(snap.SignatureStatus),
		Seq:             snap.Seq,
		LastEventAt:     formatTime(snap.LastEventAt),
	})
}

func (s *Server) handleProcessExpired(w http.ResponseWriter, r *http.Request) {
	res, err := s.sweeper.ProcessExpiredContracts(r.Context(), principal(r).TenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAlerts(t alert.Type) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days, err := intParam(r, "days", 30)
		if err != nil {
			writeError(w, err)
			return
		}
		tenant := principal(r).TenantID
		var alerts []alert.Alert
		if t == alert.TypeRenewal {
			alerts, err = s.alerts.RenewalAlerts(r.Context(), tenant, days)
		} else {
			alerts, err = s.alerts.ExpirationAlerts(r.Context(), tenant, days)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"alerts": toAlertResponses(alerts)})
	}
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	a, err := s.alerts.AcknowledgeAlert(r.Context(), principal(r).TenantID, chi.URLParam(r, "alert_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAlertResponse(a))
}

func (s *Server) handleListContracts(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilters(r)
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := s.query.ListContracts(r.Context(), principal(r).TenantID, f)
	if err != nil {
		writeError(w, err)
		return
	}
	items := make([]contractResponse, 0, len(page.Items))
	for _, c := range page.Items {
		items = append(items, toContractResponse(c))
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Total: page.Total, Limit: page.Limit, Offset: page.Offset})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilters(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.query.GetLifecycleStats(r.Context(), principal(r).TenantID, f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.query.GetLifecycleHistory(r.Context(), principal(r).TenantID, chi.URLParam(r, "contract_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, toEventResponse(ev))
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

// parseFilters reads listing filters from the query string. Multi-valued
// filters accept repeated parameters or comma separated values.
func parseFilters(r *http.Request) (lifecycle.Filters, error) {
	q := r.URL.Query()
	var f lifecycle.Filters
	for _, s := range multi(q["status"]) {
		f.Statuses = append(f.Statuses, lifecycle.Status(s))
	}
	for _, s := range multi(q["signature_status"]) {
		f.SignatureStatuses = append(f.SignatureStatuses, lifecycle.SignatureStatus(s))
	}
	f.DateField = lifecycle.DateField(q.Get("date_field"))
	f.CustomerID = q.Get("customer_id")
	f.TemplateID = q.Get("template_id")

	var err error
	if f.From, err = timeParam(r, "from"); err != nil {
		return f, err
	}
	if f.To, err = timeParam(r, "to"); err != nil {
		return f, err
	}
	if f.ExpiresWithinDays, err = optionalIntParam(r, "expires_within_days"); err != nil {
		return f, err
	}
	if f.RenewalWithinDays, err = optionalIntParam(r, "renewal_within_days"); err != nil {
		return f, err
	}
	if f.Limit, err = intParam(r, "limit", 0); err != nil {
		return f, err
	}
	if f.Offset, err = intParam(r, "offset", 0); err != nil {
		return f, err
	}
	return f, f.Validate()
}

func multi(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func intParam(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", lifecycle.ErrInvalidPayload, name)
	}
	return v, nil
}

func optionalIntParam(r *http.Request, name string) (*int, error) {
	if r.URL.Query().Get(name) == "" {
		return nil, nil
	}
	v, err := intParam(r, name, 0)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func timeParam(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", lifecycle.ErrInvalidPayload, name)
	}
	return &t, nil
}
