package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/mpesa-checkout/internal/apperrors"
	"github.com/mpesa-checkout/internal/metrics"
	"github.com/mpesa-checkout/internal/models"
	"github.com/mpesa-checkout/internal/mpesa"
	"github.com/mpesa-checkout/internal/store"
)

// Gateway is the part of the M-Pesa client the service calls
type Gateway interface {
	STKPush(ctx context.Context, params mpesa.STKPushParams) (*mpesa.STKPushResponse, error)
	QuerySTKStatus(ctx context.Context, checkoutRequestID string) (*mpesa.STKQueryResponse, error)
}

// Options tune how the service resolves status
type Options struct {
	// ActiveStatusQuery re-queries the gateway while a record is still pending
	ActiveStatusQuery bool
	// StoreTimeout bounds each store call made by the service
	StoreTimeout time.Duration
}

// Service handles payment operations
type Service struct {
	store   store.Store
	gateway Gateway
	opts    Options
}

// NewService creates a new payment service
func NewService(st store.Store, gateway Gateway, opts Options) *Service {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 10 * time.Second
	}
	return &Service{
		store:   st,
		gateway: gateway,
		opts:    opts,
	}
}

// InitiateInput is the buyer's request as received from the checkout
type InitiateInput struct {
	Phone  string
	Amount decimal.Decimal
}

// InitiateResult is the normalized subset of the gateway acknowledgement
type InitiateResult struct {
	ResponseCode        string `json:"ResponseCode"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseDescription string `json:"ResponseDescription"`
}

// Initiate prompts the buyer's phone and records a pending payment
func (s *Service) Initiate(ctx context.Context, in InitiateInput) (*InitiateResult, error) {
	if err := validateAmount(in.Amount); err != nil {
		metrics.PaymentsInitiated.WithLabelValues("invalid").Inc()
		return nil, err
	}

	phone, err := mpesa.NormalizePhone(in.Phone)
	if err != nil {
		metrics.PaymentsInitiated.WithLabelValues("invalid").Inc()
		return nil, err
	}

	stkResp, err := s.gateway.STKPush(ctx, mpesa.STKPushParams{Phone: phone, Amount: in.Amount})
	if err != nil {
		metrics.PaymentsInitiated.WithLabelValues("gateway_error").Inc()
		return nil, err
	}

	record := &models.PaymentRequest{
		CheckoutRequestID: stkResp.CheckoutRequestID,
		MerchantRequestID: stkResp.MerchantRequestID,
		Phone:             phone,
		Amount:            in.Amount,
		Status:            models.StatusPending,
	}

	// The gateway has accepted the push, so the record must be written even if
	// the caller has gone away
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.StoreTimeout)
	defer cancel()

	if err := s.store.Create(storeCtx, record); err != nil {
		// The prompt already reached the buyer but we have no record of it
		log.Error().Err(err).
			Str("checkout_request_id", stkResp.CheckoutRequestID).
			Str("merchant_request_id", stkResp.MerchantRequestID).
			Str("phone", phone).
			Str("amount", in.Amount.String()).
			Msg("Gateway accepted STK push but the pending payment could not be saved")
		metrics.PaymentsInitiated.WithLabelValues("persistence_error").Inc()

		if apperrors.Is(err, apperrors.KindPersistence) {
			return nil, err
		}
		return nil, apperrors.Persistence("Database error", apperrors.WithDetails(err.Error()), apperrors.WithCause(err))
	}

	log.Info().
		Str("checkout_request_id", record.CheckoutRequestID).
		Str("amount", in.Amount.String()).
		Msg("STK push initiated")
	metrics.PaymentsInitiated.WithLabelValues("accepted").Inc()

	return &InitiateResult{
		ResponseCode:        stkResp.ResponseCode,
		CheckoutRequestID:   stkResp.CheckoutRequestID,
		ResponseDescription: stkResp.ResponseDescription,
	}, nil
}

func validateAmount(amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return apperrors.Validation("Invalid amount", apperrors.WithDetails("Amount must be greater than zero"))
	}
	if !amount.Equal(amount.Truncate(0)) {
		return apperrors.Validation("Invalid amount", apperrors.WithDetails("Amount must be a whole number"))
	}
	return nil
}

// CallbackOutcome reports what a callback did to the stored record
type CallbackOutcome struct {
	Payment *models.PaymentRequest
	Applied bool
}

// ApplyCallback records the gateway's final result for a payment. Only the
// first terminal result is kept; repeats are reported with Applied=false.
func (s *Service) ApplyCallback(ctx context.Context, cb *mpesa.STKCallback) (*CallbackOutcome, error) {
	update := models.PaymentUpdate{
		Status:     models.StatusFailed,
		ResultCode: cb.Code(),
		ResultDesc: cb.ResultDesc,
	}
	if cb.Succeeded() {
		update.Status = models.StatusSuccess
		update.ReceiptNumber = cb.ReceiptNumber()
		update.TransactionDate = cb.TransactionDate()
	}

	logger := log.With().
		Str("checkout_request_id", cb.CheckoutRequestID).
		Int("result_code", cb.Code()).
		Str("status", string(update.Status)).
		Logger()

	storeCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()

	p, applied, err := s.store.UpdateByCheckoutID(storeCtx, cb.CheckoutRequestID, update)
	if err != nil {
		if apperrors.Is(err, apperrors.KindNotFound) {
			logger.Warn().Msg("Callback for unknown payment request")
			metrics.CallbacksProcessed.WithLabelValues("unknown").Inc()
		} else {
			logger.Error().Err(err).Msg("Failed to apply callback")
			metrics.CallbacksProcessed.WithLabelValues("error").Inc()
		}
		return nil, fmt.Errorf("apply callback %s: %w", cb.CheckoutRequestID, err)
	}

	if !applied {
		logger.Info().Str("stored_status", string(p.Status)).Msg("Callback ignored, payment already in terminal state")
		metrics.CallbacksProcessed.WithLabelValues("duplicate").Inc()
		return &CallbackOutcome{Payment: p, Applied: false}, nil
	}

	event := logger.Info().Str("result_desc", cb.ResultDesc)
	if cb.Succeeded() {
		meta := cb.Metadata()
		event = event.
			Str("receipt_number", update.ReceiptNumber).
			Str("paid_amount", meta[mpesa.ItemAmount]).
			Str("paid_by", meta[mpesa.ItemPhoneNumber])
	}
	event.Msg("Payment updated")
	metrics.CallbacksProcessed.WithLabelValues(string(update.Status)).Inc()

	return &CallbackOutcome{Payment: p, Applied: true}, nil
}

// StatusResult is what polling clients see
type StatusResult struct {
	CheckoutRequestID string               `json:"checkoutRequestId"`
	Status            models.PaymentStatus `json:"status"`
	ReceiptNumber     string               `json:"receiptNumber,omitempty"`
	TransactionDate   string               `json:"transactionDate,omitempty"`
	ResultDesc        string               `json:"resultDesc,omitempty"`
}

func statusFromRecord(p *models.PaymentRequest) *StatusResult {
	return &StatusResult{
		CheckoutRequestID: p.CheckoutRequestID,
		Status:            p.Status,
		ReceiptNumber:     p.ReceiptNumber,
		TransactionDate:   p.TransactionDate,
		ResultDesc:        p.ResultDesc,
	}
}

// Status resolves the current state of a payment. Unknown ids are NotFound;
// any other store or gateway failure degrades to pending.
func (s *Service) Status(ctx context.Context, checkoutRequestID string) (*StatusResult, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()

	p, err := s.store.GetByCheckoutID(storeCtx, checkoutRequestID)
	if err != nil {
		if apperrors.Is(err, apperrors.KindNotFound) {
			metrics.StatusLookups.WithLabelValues("not_found").Inc()
			return nil, err
		}
		log.Error().Err(err).Str("checkout_request_id", checkoutRequestID).Msg("Payment status lookup failed, reporting pending")
		metrics.StatusLookups.WithLabelValues("fallback").Inc()
		return &StatusResult{CheckoutRequestID: checkoutRequestID, Status: models.StatusPending}, nil
	}

	if p.Status.IsTerminal() || !s.opts.ActiveStatusQuery {
		metrics.StatusLookups.WithLabelValues("store").Inc()
		return statusFromRecord(p), nil
	}

	return s.queryGateway(ctx, p), nil
}

// queryGateway asks the gateway for a pending record's live result. A failed
// result is persisted. A successful one is reported but left for the callback
// to record, since only the callback carries the receipt details.
func (s *Service) queryGateway(ctx context.Context, p *models.PaymentRequest) *StatusResult {
	resp, err := s.gateway.QuerySTKStatus(ctx, p.CheckoutRequestID)
	if err != nil {
		log.Warn().Err(err).Str("checkout_request_id", p.CheckoutRequestID).Msg("STK status query failed, reporting stored status")
		metrics.StatusLookups.WithLabelValues("fallback").Inc()
		return statusFromRecord(p)
	}

	metrics.StatusLookups.WithLabelValues("gateway").Inc()

	result := statusFromRecord(p)
	result.Status = resp.Status()
	if result.Status == models.StatusPending {
		return result
	}
	result.ResultDesc = resp.ResultDesc

	if result.Status == models.StatusFailed {
		storeCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
		defer cancel()

		updated, _, err := s.store.UpdateByCheckoutID(storeCtx, p.CheckoutRequestID, models.PaymentUpdate{
			Status:     models.StatusFailed,
			ResultCode: int(*resp.ResultCode),
			ResultDesc: resp.ResultDesc,
		})
		if err != nil {
			log.Warn().Err(err).Str("checkout_request_id", p.CheckoutRequestID).Msg("Failed to persist queried status")
			return result
		}
		// A callback may have landed first; the stored terminal state wins
		return statusFromRecord(updated)
	}

	return result
}
