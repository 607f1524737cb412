package store_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mpesa-checkout/internal/apperrors"
	"github.com/mpesa-checkout/internal/models"
	"github.com/mpesa-checkout/internal/store"
)

func pendingPayment(id string) *models.PaymentRequest {
	return &models.PaymentRequest{
		CheckoutRequestID: id,
		Phone:             "254712345678",
		Amount:            decimal.NewFromInt(150),
		Status:            models.StatusPending,
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	p := pendingPayment("ws_CO_1")
	if err := s.Create(ctx, p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID == uuid.Nil {
		t.Fatal("expected an ID to be assigned")
	}
	if p.CreatedAt.IsZero() || p.UpdatedAt.IsZero() {
		t.Fatal("expected timestamps to be set")
	}

	got, err := s.GetByCheckoutID(ctx, "ws_CO_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != models.StatusPending || got.Phone != "254712345678" || !got.Amount.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("unexpected record %+v", got)
	}
}

func TestMemoryStore_CreateDuplicate(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	if err := s.Create(ctx, pendingPayment("ws_CO_1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := s.Create(ctx, pendingPayment("ws_CO_1"))
	if !apperrors.Is(err, apperrors.KindPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
}

func TestMemoryStore_GetUnknown(t *testing.T) {
	s := store.NewMemoryStore()

	_, err := s.GetByCheckoutID(context.Background(), "missing")
	if !apperrors.Is(err, apperrors.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStore_UpdateIsIdempotent(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	if err := s.Create(ctx, pendingPayment("ws_CO_1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	success := models.PaymentUpdate{Status: models.StatusSuccess, ReceiptNumber: "NLJ7RT61SV", TransactionDate: "20191219102115"}

	p, applied, err := s.UpdateByCheckoutID(ctx, "ws_CO_1", success)
	if err != nil || !applied {
		t.Fatalf("expected first update to apply, applied=%v err=%v", applied, err)
	}
	if p.Status != models.StatusSuccess || p.ReceiptNumber != "NLJ7RT61SV" {
		t.Fatalf("unexpected record %+v", p)
	}

	p, applied, err = s.UpdateByCheckoutID(ctx, "ws_CO_1", success)
	if err != nil || applied {
		t.Fatalf("expected repeated update to be a no-op, applied=%v err=%v", applied, err)
	}
	if p.Status != models.StatusSuccess || p.ReceiptNumber != "NLJ7RT61SV" {
		t.Fatalf("record changed by repeated update: %+v", p)
	}

	_, applied, err = s.UpdateByCheckoutID(ctx, "ws_CO_1", models.PaymentUpdate{Status: models.StatusFailed, ResultCode: 1032})
	if err != nil || applied {
		t.Fatalf("expected conflicting update to be ignored, applied=%v err=%v", applied, err)
	}

	got, _ := s.GetByCheckoutID(ctx, "ws_CO_1")
	if got.Status != models.StatusSuccess {
		t.Fatalf("terminal status was overwritten: %s", got.Status)
	}
}

func TestMemoryStore_UpdateUnknown(t *testing.T) {
	s := store.NewMemoryStore()

	_, _, err := s.UpdateByCheckoutID(context.Background(), "missing", models.PaymentUpdate{Status: models.StatusFailed})
	if !apperrors.Is(err, apperrors.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStore_UpdateRejectsNonTerminalStatus(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	_ = s.Create(ctx, pendingPayment("ws_CO_1"))

	_, _, err := s.UpdateByCheckoutID(ctx, "ws_CO_1", models.PaymentUpdate{Status: models.StatusPending})
	if !apperrors.Is(err, apperrors.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMemoryStore_ConcurrentUpdatesApplyOnce(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	_ = s.Create(ctx, pendingPayment("ws_CO_1"))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := models.StatusSuccess
			if i%2 == 0 {
				status = models.StatusFailed
			}
			_, ok, err := s.UpdateByCheckoutID(ctx, "ws_CO_1", models.PaymentUpdate{Status: status})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if ok {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if applied != 1 {
		t.Fatalf("expected exactly one applied transition, got %d", applied)
	}
}
