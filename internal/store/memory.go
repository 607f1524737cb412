package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mpesa-checkout/internal/apperrors"
	"github.com/mpesa-checkout/internal/models"
)

// MemoryStore keeps payment requests in process memory
type MemoryStore struct {
	mu       sync.RWMutex
	payments map[string]models.PaymentRequest
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[string]models.PaymentRequest),
		now:      time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, p *models.PaymentRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.payments[p.CheckoutRequestID]; exists {
		return apperrors.Persistence("Database error",
			apperrors.WithDetails(fmt.Sprintf("duplicate CheckoutRequestID %s", p.CheckoutRequestID)))
	}

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := s.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	s.payments[p.CheckoutRequestID] = *p
	return nil
}

func (s *MemoryStore) UpdateByCheckoutID(_ context.Context, checkoutRequestID string, u models.PaymentUpdate) (*models.PaymentRequest, bool, error) {
	if err := validateUpdate(u); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[checkoutRequestID]
	if !ok {
		return nil, false, notFound(checkoutRequestID)
	}

	if p.Status != models.StatusPending {
		return &p, false, nil
	}

	p.Apply(u, s.now())
	s.payments[checkoutRequestID] = p

	return &p, true, nil
}

func (s *MemoryStore) GetByCheckoutID(_ context.Context, checkoutRequestID string) (*models.PaymentRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[checkoutRequestID]
	if !ok {
		return nil, notFound(checkoutRequestID)
	}
	return &p, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
