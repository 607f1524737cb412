package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/mpesa-checkout/internal/apperrors"
	"github.com/mpesa-checkout/internal/payment"
	"github.com/mpesa-checkout/internal/worker"
)

// PaymentService is what the payment endpoints call into
type PaymentService interface {
	Initiate(ctx context.Context, in payment.InitiateInput) (*payment.InitiateResult, error)
	Status(ctx context.Context, checkoutRequestID string) (*payment.StatusResult, error)
}

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	payments   PaymentService
	dispatcher worker.Dispatcher
	store      Pinger
	validator  *validator.Validate
}

// NewHandler creates a new handler instance
func NewHandler(payments PaymentService, dispatcher worker.Dispatcher, store Pinger) *Handler {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})

	return &Handler{
		payments:   payments,
		dispatcher: dispatcher,
		store:      store,
		validator:  v,
	}
}

// PhoneNumber accepts the phone as either a JSON string or a JSON number
type PhoneNumber string

func (p *PhoneNumber) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = PhoneNumber(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.New("phone must be a string or a number")
	}
	*p = PhoneNumber(n.String())
	return nil
}

// InitiatePaymentRequest represents the /payment request
type InitiatePaymentRequest struct {
	Phone  PhoneNumber     `json:"phone" validate:"required"`
	Amount decimal.Decimal `json:"amount" validate:"required,gt=0"`
}

// InitiatePayment handles POST /api/mpesa/payment
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	var req InitiatePaymentRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request", "Request body must be JSON with phone and amount: "+err.Error())
		return
	}

	if err := h.validator.Struct(req); err != nil {
		respondValidationError(w, err)
		return
	}

	resp, err := h.payments.Initiate(r.Context(), payment.InitiateInput{
		Phone:  string(req.Phone),
		Amount: req.Amount,
	})
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("M-Pesa payment error")
		respondAppError(w, err, "Failed to initiate payment")
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

// MPesaCallback handles POST /api/mpesa/callback. The gateway only ever
// sees an empty 200, or a 500 when the result could not be recorded.
func (h *Handler) MPesaCallback(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())

	body, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to read callback body")
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.dispatcher.Dispatch(r.Context(), body); err != nil {
		logger.Error().Err(err).Msg("Callback error")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// PaymentStatus handles GET /api/mpesa/payment-status/{checkoutRequestId}
func (h *Handler) PaymentStatus(w http.ResponseWriter, r *http.Request) {
	checkoutRequestID := strings.TrimSpace(chi.URLParam(r, "checkoutRequestId"))
	if checkoutRequestID == "" {
		respondError(w, http.StatusBadRequest, "Invalid request", "Missing checkout request ID")
		return
	}

	result, err := h.payments.Status(r.Context(), checkoutRequestID)
	if err != nil {
		respondAppError(w, err, "Failed to fetch payment status")
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// Root handles GET /
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("M-Pesa checkout service running"))
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	health := map[string]string{
		"status": "ok",
	}

	if err := h.store.Ping(ctx); err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("Store health check failed")
		health["store"] = "down"
		health["status"] = "degraded"
	} else {
		health["store"] = "up"
	}

	status := http.StatusOK
	if health["status"] != "ok" {
		status = http.StatusServiceUnavailable
	}

	respondJSON(w, status, health)
}

// ErrorResponse is the body of every non-2xx JSON response
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError writes an error response
func respondError(w http.ResponseWriter, status int, message, details string) {
	respondJSON(w, status, ErrorResponse{Error: message, Details: details})
}

// respondAppError maps an error kind to its status and body. Gateway and
// token failures share the operation's summary with the cause as details.
func respondAppError(w http.ResponseWriter, err error, upstreamSummary string) {
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		respondError(w, http.StatusInternalServerError, upstreamSummary, "Internal server error")
		return
	}

	switch appErr.Kind {
	case apperrors.KindAuth, apperrors.KindUpstream:
		details := appErr.Message
		if appErr.Details != "" {
			details = appErr.Details
		}
		respondError(w, http.StatusInternalServerError, upstreamSummary, details)
	default:
		respondError(w, appErr.HTTPStatus(), appErr.Message, appErr.Details)
	}
}

func respondValidationError(w http.ResponseWriter, err error) {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		respondError(w, http.StatusBadRequest, "Invalid request", err.Error())
		return
	}

	fe := fieldErrs[0]
	switch fe.Field() {
	case "Amount":
		respondError(w, http.StatusBadRequest, "Invalid amount", "Amount must be greater than zero")
	case "Phone":
		respondError(w, http.StatusBadRequest, "Invalid phone number", "Please provide a valid Kenyan phone number")
	default:
		respondError(w, http.StatusBadRequest, "Invalid request", fe.Error())
	}
}
