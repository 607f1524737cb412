package worker

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/mpesa-checkout/internal/apperrors"
	"github.com/mpesa-checkout/internal/metrics"
	"github.com/mpesa-checkout/internal/mpesa"
	"github.com/mpesa-checkout/internal/payment"
	"github.com/mpesa-checkout/internal/queue"
)

const (
	TypeProcessCallback = "callback:process"

	callbackMaxRetry = 5
)

// CallbackApplier records a gateway result against the stored payment
type CallbackApplier interface {
	ApplyCallback(ctx context.Context, cb *mpesa.STKCallback) (*payment.CallbackOutcome, error)
}

// Processor handles background job processing
type Processor struct {
	payments CallbackApplier
}

// NewProcessor creates a new worker processor
func NewProcessor(payments CallbackApplier) *Processor {
	return &Processor{payments: payments}
}

// Register attaches the processor's handlers to a mux
func (p *Processor) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeProcessCallback, p.ProcessCallback)
}

// NewProcessCallbackTask creates a new callback processing task carrying the
// raw callback body
func NewProcessCallbackTask(payload []byte, checkoutRequestID string) *asynq.Task {
	return asynq.NewTask(TypeProcessCallback, payload,
		asynq.Queue(queue.QueueCritical),
		asynq.MaxRetry(callbackMaxRetry),
		asynq.TaskID(TypeProcessCallback+":"+checkoutRequestID),
	)
}

// ProcessCallback applies a queued M-Pesa callback. Payloads that can never
// succeed are dropped with SkipRetry; storage failures are retried.
func (p *Processor) ProcessCallback(ctx context.Context, t *asynq.Task) error {
	cb, err := mpesa.ParseCallback(t.Payload())
	if err != nil {
		log.Warn().Err(err).Msg("Dropping malformed queued callback")
		metrics.CallbacksProcessed.WithLabelValues("invalid").Inc()
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	log.Debug().Str("checkout_request_id", cb.CheckoutRequestID).Msg("Processing callback")

	if _, err := p.payments.ApplyCallback(ctx, cb); err != nil {
		if apperrors.Is(err, apperrors.KindNotFound) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}

	return nil
}
