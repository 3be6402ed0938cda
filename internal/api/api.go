// Package api exposes the HTTP surface: job lifecycle, payments, the
// websocket upgrade, health and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/boardwalkclay1/laundry-bubbles/internal/admission"
	"github.com/boardwalkclay1/laundry-bubbles/internal/ledger"
	"github.com/boardwalkclay1/laundry-bubbles/internal/metrics"
	"github.com/boardwalkclay1/laundry-bubbles/internal/payments"
	"github.com/boardwalkclay1/laundry-bubbles/internal/pricing"
	"github.com/boardwalkclay1/laundry-bubbles/internal/queue"
)

// Handler wires the ledger service, the payment adapter, and the realtime
// upgrade behind one router.
type Handler struct {
	jobs          *ledger.Service
	payments      *payments.Adapter
	settlements   queue.Queue
	ws            http.Handler
	webhookSecret []byte
	metrics       *metrics.Metrics
	logger        *zap.Logger
}

// New creates the API handler. settlements and ws may be nil; completion
// then skips auto-capture and /ws responds 404.
func New(jobs *ledger.Service, pay *payments.Adapter, settlements queue.Queue, ws http.Handler, webhookSecret []byte, m *metrics.Metrics, logger *zap.Logger) *Handler {
	return &Handler{
		jobs:          jobs,
		payments:      pay,
		settlements:   settlements,
		ws:            ws,
		webhookSecret: webhookSecret,
		metrics:       m,
		logger:        logger,
	}
}

// Router builds the route table.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.health).Methods("GET")
	r.HandleFunc("/api/v1/jobs", h.createJob).Methods("POST")
	r.HandleFunc("/api/v1/jobs", h.listJobs).Methods("GET")
	r.HandleFunc("/api/v1/jobs/{id}", h.getJob).Methods("GET")
	r.HandleFunc("/api/v1/jobs/{id}", h.updateJob).Methods("PUT")
	r.HandleFunc("/api/v1/providers/{id}/capacity", h.providerCapacity).Methods("GET")
	r.HandleFunc("/api/v1/payments/charge", h.charge).Methods("POST")
	r.HandleFunc("/api/v1/payments/refund", h.refund).Methods("POST")
	r.HandleFunc("/api/v1/payments/capture", h.capture).Methods("POST")
	r.HandleFunc("/api/v1/payments/webhook", h.webhook).Methods("POST")
	if h.ws != nil {
		r.Handle("/ws", h.ws)
	}
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createJobRequest struct {
	Client        ledger.Client           `json:"client"`
	Provider      ledger.ProviderSnapshot `json:"provider"`
	ServiceType   pricing.ServiceType     `json:"service_type"`
	Weight        float64                 `json:"weight"`
	IncludePickup bool                    `json:"include_pickup"`
	Tip           float64                 `json:"tip"`
}

func (h *Handler) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "malformed request body")
		return
	}

	j, err := h.jobs.Create(r.Context(), ledger.CreateInput{
		Client:        req.Client,
		Provider:      req.Provider,
		ServiceType:   req.ServiceType,
		Weight:        req.Weight,
		IncludePickup: req.IncludePickup,
		Tip:           req.Tip,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.metrics.JobsCreatedTotal.WithLabelValues(string(j.ServiceType)).Inc()
	writeJSON(w, http.StatusCreated, j)
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}
	j, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.jobs.List(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// providerCapacity is the advisory pre-flight for provider apps: it reports
// headroom without reserving it, so a true can_accept may still lose the race
// to a concurrent accept.
func (h *Handler) providerCapacity(w http.ResponseWriter, r *http.Request) {
	providerID := mux.Vars(r)["id"]
	if providerID == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "provider id is required")
		return
	}
	st, err := h.jobs.Capacity(r.Context(), providerID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type updateJobRequest struct {
	Status     ledger.Status `json:"status"`
	ProviderID string        `json:"provider_id,omitempty"`
	Reason     string        `json:"reason,omitempty"`
}

// updateJob drives the lifecycle. Cancelling a charged job routes through
// the payment adapter so the refund and the transition land together.
func (h *Handler) updateJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}

	var req updateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "malformed request body")
		return
	}

	var (
		j   *ledger.Job
		err error
	)
	switch req.Status {
	case ledger.StatusAccepted:
		if req.ProviderID == "" {
			writeError(w, http.StatusBadRequest, "validation_error", "provider_id is required to accept")
			return
		}
		j, err = h.jobs.Accept(r.Context(), id, req.ProviderID)

	case ledger.StatusInProgress:
		j, err = h.jobs.Start(r.Context(), id)

	case ledger.StatusCompleted:
		j, err = h.jobs.Complete(r.Context(), id)
		if err == nil {
			h.enqueueSettlement(r.Context(), j)
		}

	case ledger.StatusCancelled:
		j, err = h.cancel(r, id, req.Reason)

	default:
		writeError(w, http.StatusBadRequest, "validation_error", "unknown target status")
		return
	}
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.metrics.TransitionsTotal.WithLabelValues(string(req.Status)).Inc()
	writeJSON(w, http.StatusOK, j)
}

// cancel picks the right cancellation path: charged jobs refund through the
// gateway, unpaid jobs just transition.
func (h *Handler) cancel(r *http.Request, id uuid.UUID, reason string) (*ledger.Job, error) {
	j, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if j.Transaction != nil {
		if reason == "" {
			reason = payments.ReasonClientCancel
		}
		return h.payments.Refund(r.Context(), id, reason)
	}
	return h.jobs.Cancel(r.Context(), id, reason)
}

// enqueueSettlement schedules the auto-capture of a completed job's charge.
func (h *Handler) enqueueSettlement(ctx context.Context, j *ledger.Job) {
	if h.settlements == nil || j.Transaction == nil {
		return
	}
	t := &queue.Task{JobID: j.ID, EnqueuedAt: time.Now().UTC()}
	if err := h.settlements.Enqueue(ctx, t); err != nil {
		// The settler's dead letter review catches anything missed here.
		h.logger.Error("enqueue settlement failed",
			zap.String("job_id", j.ID.String()),
			zap.Error(err),
		)
	}
}

type chargeRequest struct {
	JobID          uuid.UUID `json:"job_id"`
	PaymentToken   string    `json:"payment_token"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

func (h *Handler) charge(w http.ResponseWriter, r *http.Request) {
	var req chargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JobID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "validation_error", "job_id is required")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = payments.ChargeKey(req.JobID)
	}

	j, err := h.payments.Charge(r.Context(), req.JobID, req.PaymentToken, req.IdempotencyKey)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentResponse{OK: true, Job: j, Transaction: j.Transaction})
}

type refundRequest struct {
	JobID  uuid.UUID `json:"job_id"`
	Reason string    `json:"reason"`
}

func (h *Handler) refund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JobID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "validation_error", "job_id is required")
		return
	}

	j, err := h.payments.Refund(r.Context(), req.JobID, req.Reason)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentResponse{OK: true, Job: j, Refund: j.Refund})
}

type captureRequest struct {
	JobID uuid.UUID `json:"job_id"`
}

func (h *Handler) capture(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JobID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "validation_error", "job_id is required")
		return
	}

	j, err := h.payments.Capture(r.Context(), req.JobID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentResponse{OK: true, Job: j, Transaction: j.Transaction})
}

// paymentResponse is the envelope for the payment endpoints.
type paymentResponse struct {
	OK          bool                `json:"ok"`
	Job         *ledger.Job         `json:"job"`
	Transaction *ledger.Transaction `json:"transaction,omitempty"`
	Refund      *ledger.Refund      `json:"refund,omitempty"`
}

// webhook acknowledges every notification with 200 so the gateway never
// retries; reconciliation problems are logged inside the adapter.
func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.logger.Warn("webhook body read failed", zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	h.payments.HandleWebhook(r.Context(), h.webhookSecret, body, r.Header.Get(payments.SignatureHeader))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid job id")
		return uuid.Nil, false
	}
	return id, true
}

// writeDomainError maps domain sentinels onto status codes and stable error
// codes clients can branch on.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ledger.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, admission.ErrCapacityExceeded):
		h.metrics.AcceptRejectedTotal.Inc()
		writeError(w, http.StatusConflict, "capacity_exceeded", err.Error())
	case errors.Is(err, payments.ErrPaymentDeclined):
		writeError(w, http.StatusPaymentRequired, "payment_declined", err.Error())
	case errors.Is(err, payments.ErrGatewayUnavailable):
		writeError(w, http.StatusBadGateway, "gateway_unavailable", err.Error())
	case errors.Is(err, payments.ErrNoTransaction):
		writeError(w, http.StatusConflict, "no_transaction", err.Error())
	case errors.Is(err, payments.ErrMissingToken),
		errors.Is(err, ledger.ErrValidation),
		errors.Is(err, pricing.ErrInvalidServiceType),
		errors.Is(err, pricing.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}
