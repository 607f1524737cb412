package worker

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/mpesa-checkout/internal/apperrors"
	"github.com/mpesa-checkout/internal/metrics"
	"github.com/mpesa-checkout/internal/mpesa"
)

// Dispatcher hands an acknowledged callback body to whatever applies it.
// A nil error means the callback is safe to acknowledge; an error means it
// was not durably recorded and the gateway should retry.
type Dispatcher interface {
	Dispatch(ctx context.Context, body []byte) error
}

// InlineDispatcher applies callbacks within the HTTP request
type InlineDispatcher struct {
	payments CallbackApplier
}

func NewInlineDispatcher(payments CallbackApplier) *InlineDispatcher {
	return &InlineDispatcher{payments: payments}
}

func (d *InlineDispatcher) Dispatch(ctx context.Context, body []byte) error {
	cb, ok := parseForDispatch(body)
	if !ok {
		return nil
	}

	if _, err := d.payments.ApplyCallback(ctx, cb); err != nil {
		if apperrors.Is(err, apperrors.KindNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// Enqueuer is the part of *asynq.Client the queue dispatcher needs
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueDispatcher enqueues callbacks for the worker
type QueueDispatcher struct {
	client Enqueuer
}

func NewQueueDispatcher(client Enqueuer) *QueueDispatcher {
	return &QueueDispatcher{client: client}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, body []byte) error {
	cb, ok := parseForDispatch(body)
	if !ok {
		return nil
	}

	info, err := d.client.EnqueueContext(ctx, NewProcessCallbackTask(body, cb.CheckoutRequestID))
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			log.Info().Str("checkout_request_id", cb.CheckoutRequestID).Msg("Callback already queued")
			metrics.CallbacksProcessed.WithLabelValues("duplicate").Inc()
			return nil
		}
		log.Error().Err(err).Str("checkout_request_id", cb.CheckoutRequestID).Msg("Failed to enqueue callback")
		metrics.CallbacksProcessed.WithLabelValues("error").Inc()
		return apperrors.Persistence("Failed to queue callback", apperrors.WithCause(err))
	}

	log.Info().
		Str("checkout_request_id", cb.CheckoutRequestID).
		Str("task_id", info.ID).
		Str("queue", info.Queue).
		Msg("Callback queued")
	return nil
}

// parseForDispatch reports false for bodies that are acknowledged but dropped
func parseForDispatch(body []byte) (*mpesa.STKCallback, bool) {
	cb, err := mpesa.ParseCallback(body)
	if err != nil {
		log.Warn().Err(err).Int("body_bytes", len(body)).Msg("Ignoring malformed callback")
		metrics.CallbacksProcessed.WithLabelValues("invalid").Inc()
		return nil, false
	}
	return cb, true
}
