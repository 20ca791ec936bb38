/**
 * @description
 * HTTP handlers for the billing-service. Each handler decodes its request,
 * calls the billing service with the authenticated actor, and maps domain
 * errors onto status codes.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/escolar/billing-service/internal/app"
	"github.com/escolar/billing-service/internal/domain"
	"github.com/escolar/billing-service/internal/lock"
	"github.com/escolar/billing-service/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const dateLayout = "2006-01-02"

// Service is the billing behaviour the HTTP layer exposes.
type Service interface {
	Today() time.Time
	GenerateInvoices(ctx context.Context, actor domain.Actor, params app.GenerateParams) (*app.GenerationResult, error)
	SweepOverdue(ctx context.Context, actor domain.Actor, today time.Time) (*app.SweepResult, error)
	ApplyInterest(ctx context.Context, actor domain.Actor, today time.Time) (*app.InterestResult, error)
	ReconcilePaymentLocked(ctx context.Context, actor domain.Actor, paymentID uuid.UUID) (*app.ReconcileResult, error)
	ReconcileStudent(ctx context.Context, actor domain.Actor, studentID uuid.UUID, month, year *int) (*app.StudentReconcileResult, error)
	UpdatePayment(ctx context.Context, actor domain.Actor, id uuid.UUID, update domain.PaymentUpdate) (*domain.Payment, error)
	CancelPayment(ctx context.Context, actor domain.Actor, id uuid.UUID, reason string) (*domain.Payment, error)
	CreateAgreement(ctx context.Context, actor domain.Actor, req domain.AgreementRequest) (*app.AgreementResult, error)
	ReplayWebhookEvent(ctx context.Context, actor domain.Actor, eventID uuid.UUID) (*domain.WebhookEvent, error)
	AuthorizeWebhook(ctx context.Context, schoolID uuid.UUID, token string) error
	IngestWebhook(ctx context.Context, schoolID uuid.UUID, body []byte) (*app.IngestResult, error)
}

var _ Service = (*app.Service)(nil)

// Handler holds the application service that handlers will interact with.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// NewHandler creates a new Handler with the given service.
func NewHandler(service Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

type runRequest struct {
	Date string `json:"date,omitempty"`
}

// runDate returns the optional `date` of a batch request, defaulting to today.
func (h *Handler) runDate(r *http.Request) (time.Time, error) {
	var req runRequest
	if err := decodeOptional(r, &req); err != nil {
		return time.Time{}, err
	}
	if req.Date == "" {
		return h.service.Today(), nil
	}
	return time.Parse(dateLayout, req.Date)
}

func (h *Handler) handleGenerateInvoices(w http.ResponseWriter, r *http.Request) {
	var params app.GenerateParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.service.GenerateInvoices(r.Context(), ActorFromContext(r.Context()), params)
	if err != nil {
		h.fail(w, r, "generate invoices", err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleRunOverdue(w http.ResponseWriter, r *http.Request) {
	today, err := h.runDate(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	result, err := h.service.SweepOverdue(r.Context(), ActorFromContext(r.Context()), today)
	if err != nil {
		h.fail(w, r, "sweep overdue invoices", err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleRunInterest(w http.ResponseWriter, r *http.Request) {
	today, err := h.runDate(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	result, err := h.service.ApplyInterest(r.Context(), ActorFromContext(r.Context()), today)
	if err != nil {
		h.fail(w, r, "apply interest", err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleReconcilePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	result, err := h.service.ReconcilePaymentLocked(r.Context(), ActorFromContext(r.Context()), id)
	if err != nil {
		h.fail(w, r, "reconcile payment", err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

type updatePaymentRequest struct {
	Amount             *int64   `json:"amount,omitempty"`
	DiscountPercentage *float64 `json:"discount_percentage,omitempty"`
	DueDate            *string  `json:"due_date,omitempty"`
}

func (h *Handler) handleUpdatePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req updatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	update := domain.PaymentUpdate{Amount: req.Amount, DiscountPercentage: req.DiscountPercentage}
	if req.DueDate != nil {
		due, err := time.Parse(dateLayout, *req.DueDate)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "due_date must be YYYY-MM-DD")
			return
		}
		update.DueDate = &due
	}

	payment, err := h.service.UpdatePayment(r.Context(), ActorFromContext(r.Context()), id, update)
	if err != nil {
		h.fail(w, r, "update payment", err)
		return
	}
	respondWithJSON(w, http.StatusOK, payment)
}

func (h *Handler) handleCancelPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeOptional(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	payment, err := h.service.CancelPayment(r.Context(), ActorFromContext(r.Context()), id, req.Reason)
	if err != nil {
		h.fail(w, r, "cancel payment", err)
		return
	}
	respondWithJSON(w, http.StatusOK, payment)
}

func (h *Handler) handleReconcileStudent(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	month, err := optionalInt(r, "month")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "month must be a number")
		return
	}
	year, err := optionalInt(r, "year")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "year must be a number")
		return
	}

	result, err := h.service.ReconcileStudent(r.Context(), ActorFromContext(r.Context()), id, month, year)
	if err != nil {
		h.fail(w, r, "reconcile student", err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

type createAgreementRequest struct {
	StudentID     uuid.UUID             `json:"student_id"`
	PaymentIDs    []uuid.UUID           `json:"payment_ids"`
	Installments  int                   `json:"installments"`
	StartDate     string                `json:"start_date"`
	PaymentDay    int                   `json:"payment_day"`
	DiscountRules []domain.DiscountRule `json:"discount_rules"`
}

func (h *Handler) handleCreateAgreement(w http.ResponseWriter, r *http.Request) {
	var req createAgreementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	start, err := time.Parse(dateLayout, req.StartDate)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "start_date must be YYYY-MM-DD")
		return
	}

	result, err := h.service.CreateAgreement(r.Context(), ActorFromContext(r.Context()), domain.AgreementRequest{
		StudentID:     req.StudentID,
		PaymentIDs:    req.PaymentIDs,
		Installments:  req.Installments,
		StartDate:     start,
		PaymentDay:    req.PaymentDay,
		DiscountRules: req.DiscountRules,
	})
	if err != nil {
		h.fail(w, r, "create agreement", err)
		return
	}
	respondWithJSON(w, http.StatusCreated, result)
}

func (h *Handler) handleReplayWebhookEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	event, err := h.service.ReplayWebhookEvent(r.Context(), ActorFromContext(r.Context()), id)
	if err != nil {
		h.fail(w, r, "replay webhook event", err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, map[string]interface{}{
		"webhook_event_id": event.ID,
		"status":           event.Status,
		"replayed":         !event.IsCompleted(),
	})
}

// fail logs err and writes the status its class maps to.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "op", op, "path", r.URL.Path, "error", err)
		respondWithError(w, status, "Internal Server Error")
		return
	}
	h.logger.Warn("request rejected", "op", op, "path", r.URL.Path, "status", status, "error", err)
	respondWithError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrPaymentNotFound),
		errors.Is(err, store.ErrInvoiceNotFound),
		errors.Is(err, store.ErrWebhookEventNotFound):
		return http.StatusNotFound
	case errors.Is(err, app.ErrInvalidPeriod),
		errors.Is(err, app.ErrInvalidUpdate),
		errors.Is(err, app.ErrInvalidAgreement),
		errors.Is(err, domain.ErrInvalidWebhookPayload):
		return http.StatusBadRequest
	case errors.Is(err, app.ErrInvoiceCancelled),
		errors.Is(err, app.ErrPaymentNotEditable),
		errors.Is(err, app.ErrPaymentNotEligible),
		errors.Is(err, store.ErrDuplicateGatewayID),
		errors.Is(err, lock.ErrNotAcquired):
		return http.StatusConflict
	case errors.Is(err, app.ErrWebhookUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// decodeOptional decodes a JSON body into v, accepting an empty body.
func decodeOptional(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, name+" must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func optionalInt(r *http.Request, name string) (*int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// respondWithJSON writes JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
