package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mpesa-checkout/internal/apperrors"
	"github.com/mpesa-checkout/internal/models"
)

const uniqueViolation = "23505"

// DBTX is the subset of *pgxpool.Pool the store needs
type DBTX interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// PostgresStore persists payment requests in the payment_requests table
type PostgresStore struct {
	db DBTX
}

func NewPostgresStore(db DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `
	id, checkout_request_id, merchant_request_id, phone, amount, status,
	receipt_number, transaction_date, result_code, result_desc, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, p *models.PaymentRequest) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}

	insertSQL := `
		INSERT INTO payment_requests (
			id,
			checkout_request_id,
			merchant_request_id,
			phone,
			amount,
			status
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`

	err := s.db.QueryRow(ctx, insertSQL,
		p.ID,
		p.CheckoutRequestID,
		p.MerchantRequestID,
		p.Phone,
		p.Amount,
		string(p.Status),
	).Scan(&p.CreatedAt, &p.UpdatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return apperrors.Persistence("Database error",
				apperrors.WithDetails(fmt.Sprintf("duplicate CheckoutRequestID %s", p.CheckoutRequestID)),
				apperrors.WithCause(err))
		}
		return apperrors.Persistence("Database error", apperrors.WithDetails(err.Error()), apperrors.WithCause(err))
	}

	return nil
}

func (s *PostgresStore) UpdateByCheckoutID(ctx context.Context, checkoutRequestID string, u models.PaymentUpdate) (*models.PaymentRequest, bool, error) {
	if err := validateUpdate(u); err != nil {
		return nil, false, err
	}

	// The status guard makes the transition a single atomic row update
	updateSQL := `
		UPDATE payment_requests
		SET status = $2,
		    receipt_number = $3,
		    transaction_date = $4,
		    result_code = $5,
		    result_desc = $6,
		    updated_at = NOW()
		WHERE checkout_request_id = $1 AND status = 'pending'
		RETURNING ` + paymentColumns

	p, err := scanPayment(s.db.QueryRow(ctx, updateSQL,
		checkoutRequestID,
		string(u.Status),
		u.ReceiptNumber,
		u.TransactionDate,
		u.ResultCode,
		u.ResultDesc,
	))
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, apperrors.Persistence("Database error", apperrors.WithDetails(err.Error()), apperrors.WithCause(err))
	}

	// Nothing updated: either unknown or already terminal
	current, err := s.GetByCheckoutID(ctx, checkoutRequestID)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (s *PostgresStore) GetByCheckoutID(ctx context.Context, checkoutRequestID string) (*models.PaymentRequest, error) {
	query := `SELECT ` + paymentColumns + `
		FROM payment_requests
		WHERE checkout_request_id = $1
	`

	p, err := scanPayment(s.db.QueryRow(ctx, query, checkoutRequestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound(checkoutRequestID)
		}
		return nil, apperrors.Persistence("Database error", apperrors.WithDetails(err.Error()), apperrors.WithCause(err))
	}

	return p, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func scanPayment(row pgx.Row) (*models.PaymentRequest, error) {
	var (
		p      models.PaymentRequest
		status string
	)

	err := row.Scan(
		&p.ID,
		&p.CheckoutRequestID,
		&p.MerchantRequestID,
		&p.Phone,
		&p.Amount,
		&status,
		&p.ReceiptNumber,
		&p.TransactionDate,
		&p.ResultCode,
		&p.ResultDesc,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Status = models.PaymentStatus(status)
	return &p, nil
}
