package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/mpesa-checkout/internal/apperrors"
	"github.com/mpesa-checkout/internal/models"
	"github.com/mpesa-checkout/internal/payment"
)

type stubPayments struct {
	initiateFn func(ctx context.Context, in payment.InitiateInput) (*payment.InitiateResult, error)
	statusFn   func(ctx context.Context, id string) (*payment.StatusResult, error)
}

func (s *stubPayments) Initiate(ctx context.Context, in payment.InitiateInput) (*payment.InitiateResult, error) {
	return s.initiateFn(ctx, in)
}

func (s *stubPayments) Status(ctx context.Context, id string) (*payment.StatusResult, error) {
	return s.statusFn(ctx, id)
}

type stubDispatcher struct {
	err  error
	body []byte
}

func (s *stubDispatcher) Dispatch(_ context.Context, body []byte) error {
	s.body = body
	return s.err
}

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

func newRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Get("/", h.Root)
	r.Get("/health", h.HealthCheck)
	r.Route("/api/mpesa", func(r chi.Router) {
		r.Post("/payment", h.InitiatePayment)
		r.Post("/callback", h.MPesaCallback)
		r.Get("/payment-status/{checkoutRequestId}", h.PaymentStatus)
	})
	return r
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func TestInitiatePayment_Success(t *testing.T) {
	var got payment.InitiateInput
	payments := &stubPayments{initiateFn: func(_ context.Context, in payment.InitiateInput) (*payment.InitiateResult, error) {
		got = in
		return &payment.InitiateResult{ResponseCode: "0", CheckoutRequestID: "ws_CO_1", ResponseDescription: "Success. Request accepted for processing"}, nil
	}}
	router := newRouter(NewHandler(payments, &stubDispatcher{}, stubPinger{}))

	for _, body := range []string{
		`{"phone":"0712345678","amount":100}`,
		`{"phone":712345678,"amount":"100"}`,
	} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/mpesa/payment", strings.NewReader(body)))

		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", body, rec.Code, rec.Body.String())
		}
		var resp payment.InitiateResult
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatal(err)
		}
		if resp.CheckoutRequestID != "ws_CO_1" || resp.ResponseCode != "0" {
			t.Fatalf("unexpected response %+v", resp)
		}
		if !got.Amount.Equal(decimal.NewFromInt(100)) {
			t.Fatalf("amount not passed through: %s", got.Amount)
		}
	}

	if got.Phone != "712345678" {
		t.Fatalf("numeric phone not passed as digits: %q", got.Phone)
	}
}

func TestInitiatePayment_RequestErrors(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantError string
	}{
		{"not json", `phone=0712345678`, "Invalid request"},
		{"missing phone", `{"amount":10}`, "Invalid phone number"},
		{"missing amount", `{"phone":"0712345678"}`, "Invalid amount"},
		{"negative amount", `{"phone":"0712345678","amount":-1}`, "Invalid amount"},
		{"phone object", `{"phone":{"n":1},"amount":10}`, "Invalid request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payments := &stubPayments{initiateFn: func(context.Context, payment.InitiateInput) (*payment.InitiateResult, error) {
				t.Error("service must not be called")
				return nil, nil
			}}
			router := newRouter(NewHandler(payments, &stubDispatcher{}, stubPinger{}))

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/mpesa/payment", strings.NewReader(tt.body)))

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if body := decodeError(t, rec); body.Error != tt.wantError || body.Details == "" {
				t.Fatalf("unexpected error body %+v", body)
			}
		})
	}
}

func TestInitiatePayment_ServiceErrors(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantError   string
		wantDetails string
	}{
		{"validation", apperrors.Validation("Invalid phone number", apperrors.WithDetails("Please provide a valid Kenyan phone number")),
			http.StatusBadRequest, "Invalid phone number", "Please provide a valid Kenyan phone number"},
		{"token", apperrors.Auth("Failed to generate M-Pesa token"),
			http.StatusInternalServerError, "Failed to initiate payment", "Failed to generate M-Pesa token"},
		{"upstream", apperrors.Upstream("STK push failed", apperrors.WithDetails("Invalid Access Token")),
			http.StatusInternalServerError, "Failed to initiate payment", "Invalid Access Token"},
		{"persistence", apperrors.Persistence("Database error", apperrors.WithDetails("connection refused")),
			http.StatusInternalServerError, "Database error", "connection refused"},
		{"unknown", errors.New("boom"),
			http.StatusInternalServerError, "Failed to initiate payment", "Internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payments := &stubPayments{initiateFn: func(context.Context, payment.InitiateInput) (*payment.InitiateResult, error) {
				return nil, tt.err
			}}
			router := newRouter(NewHandler(payments, &stubDispatcher{}, stubPinger{}))

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/mpesa/payment",
				strings.NewReader(`{"phone":"0712345678","amount":10}`)))

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			body := decodeError(t, rec)
			if body.Error != tt.wantError || body.Details != tt.wantDetails {
				t.Fatalf("unexpected error body %+v", body)
			}
		})
	}
}

func TestMPesaCallback(t *testing.T) {
	tests := []struct {
		name       string
		dispatch   error
		wantStatus int
	}{
		{"acknowledged", nil, http.StatusOK},
		{"not recorded", apperrors.Persistence("Database error"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &stubDispatcher{err: tt.dispatch}
			router := newRouter(NewHandler(&stubPayments{}, d, stubPinger{}))

			payload := `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_1","ResultCode":0}}}`
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/mpesa/callback", strings.NewReader(payload)))

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			if rec.Body.Len() != 0 {
				t.Fatalf("expected empty body, got %q", rec.Body.String())
			}
			if string(d.body) != payload {
				t.Fatalf("raw body not forwarded: %q", d.body)
			}
		})
	}
}

func TestPaymentStatus(t *testing.T) {
	payments := &stubPayments{statusFn: func(_ context.Context, id string) (*payment.StatusResult, error) {
		switch id {
		case "ws_CO_done":
			return &payment.StatusResult{CheckoutRequestID: id, Status: models.StatusSuccess, ReceiptNumber: "NLJ7RT61SV"}, nil
		default:
			return nil, apperrors.NotFound("Payment not found", apperrors.WithDetails("no payment request with CheckoutRequestID "+id))
		}
	}}
	router := newRouter(NewHandler(payments, &stubDispatcher{}, stubPinger{}))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/mpesa/payment-status/ws_CO_done", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var res map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res["status"] != "success" || res["receiptNumber"] != "NLJ7RT61SV" {
		t.Fatalf("unexpected body %v", res)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/mpesa/payment-status/ws_CO_missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Error != "Payment not found" {
		t.Fatalf("unexpected error body %+v", body)
	}
}

func TestPaymentStatus_BlankID(t *testing.T) {
	h := NewHandler(&stubPayments{}, &stubDispatcher{}, stubPinger{})

	req := httptest.NewRequest(http.MethodGet, "/api/mpesa/payment-status/%20", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("checkoutRequestId", " ")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	rec := httptest.NewRecorder()
	h.PaymentStatus(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHealthAndRoot(t *testing.T) {
	rec := httptest.NewRecorder()
	newRouter(NewHandler(&stubPayments{}, &stubDispatcher{}, stubPinger{})).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	newRouter(NewHandler(&stubPayments{}, &stubDispatcher{}, stubPinger{err: errors.New("down")})).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	newRouter(NewHandler(&stubPayments{}, &stubDispatcher{}, stubPinger{})).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "running") {
		t.Fatalf("unexpected banner %d %q", rec.Code, rec.Body.String())
	}
}
