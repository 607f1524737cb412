package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentRequest represents an STK push initiated on behalf of a buyer
type PaymentRequest struct {
	ID                uuid.UUID       `db:"id" json:"-"`
	CheckoutRequestID string          `db:"checkout_request_id" json:"checkoutRequestId"`
	MerchantRequestID string          `db:"merchant_request_id" json:"merchantRequestId,omitempty"`
	Phone             string          `db:"phone" json:"phone"`
	Amount            decimal.Decimal `db:"amount" json:"amount"`
	Status            PaymentStatus   `db:"status" json:"status"`
	ReceiptNumber     string          `db:"receipt_number" json:"receiptNumber,omitempty"`
	TransactionDate   string          `db:"transaction_date" json:"transactionDate,omitempty"`
	ResultCode        *int            `db:"result_code" json:"resultCode,omitempty"`
	ResultDesc        string          `db:"result_desc" json:"resultDesc,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updatedAt"`
}

// PaymentUpdate carries the fields written by a terminal transition
type PaymentUpdate struct {
	Status          PaymentStatus
	ReceiptNumber   string
	TransactionDate string
	ResultCode      int
	ResultDesc      string
}

// PaymentStatus represents valid payment states
type PaymentStatus string

const (
	StatusPending PaymentStatus = "pending"
	StatusSuccess PaymentStatus = "success"
	StatusFailed  PaymentStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed
func (s PaymentStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// IsValidTransition checks if a status transition is allowed
func IsValidTransition(from, to PaymentStatus) bool {
	validTransitions := map[PaymentStatus][]PaymentStatus{
		StatusPending: {StatusSuccess, StatusFailed},
		// No transitions allowed from terminal states
		StatusSuccess: {},
		StatusFailed:  {},
	}

	allowed, exists := validTransitions[from]
	if !exists {
		return false
	}

	for _, validTo := range allowed {
		if validTo == to {
			return true
		}
	}

	return false
}

// Apply copies a terminal update onto the record
func (p *PaymentRequest) Apply(u PaymentUpdate, now time.Time) {
	code := u.ResultCode
	p.Status = u.Status
	p.ReceiptNumber = u.ReceiptNumber
	p.TransactionDate = u.TransactionDate
	p.ResultCode = &code
	p.ResultDesc = u.ResultDesc
	p.UpdatedAt = now
}
