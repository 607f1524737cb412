package store

import (
	"context"
	"fmt"

	"github.com/mpesa-checkout/internal/apperrors"
	"github.com/mpesa-checkout/internal/models"
)

// Store persists payment requests keyed by the gateway's CheckoutRequestID.
//
// UpdateByCheckoutID is the only mutation after creation. It applies a
// terminal transition atomically and only while the stored status is still
// pending, so a repeated callback or a racing status poll can never move a
// record twice. It returns the record as stored after the call and whether
// this call performed the transition.
type Store interface {
	Create(ctx context.Context, p *models.PaymentRequest) error
	UpdateByCheckoutID(ctx context.Context, checkoutRequestID string, u models.PaymentUpdate) (*models.PaymentRequest, bool, error)
	GetByCheckoutID(ctx context.Context, checkoutRequestID string) (*models.PaymentRequest, error)
	Ping(ctx context.Context) error
}

func notFound(checkoutRequestID string) error {
	return apperrors.NotFound("Payment not found",
		apperrors.WithDetails(fmt.Sprintf("no payment request with CheckoutRequestID %s", checkoutRequestID)))
}

func validateUpdate(u models.PaymentUpdate) error {
	if !models.IsValidTransition(models.StatusPending, u.Status) {
		return apperrors.Validation("Invalid status update", apperrors.WithDetails(fmt.Sprintf("%q is not a terminal status", u.Status)))
	}
	return nil
}
