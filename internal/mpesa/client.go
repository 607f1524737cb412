package mpesa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mpesa-checkout/internal/apperrors"
	"github.com/mpesa-checkout/internal/models"
)

// Daraja endpoint paths, relative to the environment base URL
const (
	AuthPath     = "/oauth/v1/generate?grant_type=client_credentials"
	STKPushPath  = "/mpesa/stkpush/v1/processrequest"
	STKQueryPath = "/mpesa/stkpushquery/v1/query"

	transactionTypePayBill = "CustomerPayBillOnline"
)

// AuthURL builds the OAuth endpoint for a base URL
func AuthURL(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + AuthPath
}

// ClientConfig holds Safaricom API configuration
type ClientConfig struct {
	BaseURL          string
	ShortCode        string
	Passkey          string
	CallbackURL      string
	AccountReference string
	TransactionDesc  string
	Timeout          time.Duration
}

// Client talks to the STK push and STK query endpoints
type Client struct {
	cfg    ClientConfig
	tokens TokenSource
	client *http.Client
	now    func() time.Time
}

type ClientOption func(*Client)

// WithClock overrides the time source used for request timestamps
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = now
	}
}

func NewClient(cfg ClientConfig, tokens TokenSource, opts ...ClientOption) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	c := &Client{
		cfg:    cfg,
		tokens: tokens,
		client: newHTTPClient(cfg.Timeout),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// STKPushParams is what the initiator needs to prompt a buyer
type STKPushParams struct {
	Phone  string
	Amount decimal.Decimal
}

// STKPushRequest represents Safaricom STK Push API request
type STKPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            string `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// STKPushResponse represents Safaricom STK Push API response
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// STKQueryRequest represents Safaricom STK Push Query API request
type STKQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

// STKQueryResponse represents Safaricom STK Push Query API response
type STKQueryResponse struct {
	ResponseCode        string      `json:"ResponseCode"`
	ResponseDescription string      `json:"ResponseDescription"`
	MerchantRequestID   string      `json:"MerchantRequestID"`
	CheckoutRequestID   string      `json:"CheckoutRequestID"`
	ResultCode          *ResultCode `json:"ResultCode"`
	ResultDesc          string      `json:"ResultDesc"`
}

// Status maps the query result to a payment status; no result yet means pending
func (r *STKQueryResponse) Status() models.PaymentStatus {
	if r.ResultCode == nil {
		return models.StatusPending
	}
	return MapQueryResult(int(*r.ResultCode))
}

// errorEnvelope is the body Daraja returns on 4xx/5xx
type errorEnvelope struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// STKPush calls Safaricom's STK Push API
func (c *Client) STKPush(ctx context.Context, params STKPushParams) (*STKPushResponse, error) {
	timestamp := Timestamp(c.now())

	stkReq := STKPushRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          Password(c.cfg.ShortCode, c.cfg.Passkey, timestamp),
		Timestamp:         timestamp,
		TransactionType:   transactionTypePayBill,
		Amount:            params.Amount.StringFixed(0), // No decimals for Safaricom
		PartyA:            params.Phone,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       params.Phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  c.cfg.AccountReference,
		TransactionDesc:   c.cfg.TransactionDesc,
	}

	var stkResp STKPushResponse
	if err := c.post(ctx, STKPushPath, stkReq, &stkResp); err != nil {
		return nil, err
	}

	if stkResp.ResponseCode != "0" {
		return nil, apperrors.Upstream("Failed to initiate payment", apperrors.WithDetails(stkResp.ResponseDescription))
	}
	if stkResp.CheckoutRequestID == "" {
		return nil, apperrors.Upstream("Failed to initiate payment", apperrors.WithDetails("gateway returned no CheckoutRequestID"))
	}

	return &stkResp, nil
}

// QuerySTKStatus asks the gateway for the live result of a prompt
func (c *Client) QuerySTKStatus(ctx context.Context, checkoutRequestID string) (*STKQueryResponse, error) {
	timestamp := Timestamp(c.now())

	queryReq := STKQueryRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          Password(c.cfg.ShortCode, c.cfg.Passkey, timestamp),
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}

	var queryResp STKQueryResponse
	if err := c.post(ctx, STKQueryPath, queryReq, &queryResp); err != nil {
		return nil, err
	}

	return &queryResp, nil
}

// post sends an authenticated JSON request and decodes a 2xx response into out
func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	token, err := c.tokens.GetToken(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal gateway request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create gateway request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return apperrors.Upstream("Gateway request failed", apperrors.WithDetails("Internal server error"), apperrors.WithCause(err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.Upstream("Gateway request failed", apperrors.WithCause(fmt.Errorf("read response: %w", err)))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperrors.Upstream("Gateway request failed", apperrors.WithDetails(upstreamDetails(resp.StatusCode, respBody)))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return apperrors.Upstream("Gateway request failed", apperrors.WithCause(fmt.Errorf("unmarshal response: %w", err)))
	}

	return nil
}

// upstreamDetails extracts the most useful explanation from an error response
func upstreamDetails(status int, body []byte) string {
	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.ErrorMessage != "" {
		return envelope.ErrorMessage
	}

	if trimmed := strings.TrimSpace(string(body)); trimmed != "" {
		if len(trimmed) > 512 {
			trimmed = trimmed[:512]
		}
		return trimmed
	}

	return fmt.Sprintf("HTTP %d", status)
}

// Query result codes that mean the prompt will never be paid
var failedQueryCodes = map[int]struct{}{
	1:    {}, // insufficient balance
	1001: {}, // another transaction already in process for the subscriber
	1019: {}, // transaction expired
	1025: {}, // unable to push prompt
	1032: {}, // cancelled by user
	1037: {}, // timeout, user unreachable
	2001: {}, // wrong PIN
}

// MapQueryResult maps an STK query ResultCode to a payment status
func MapQueryResult(code int) models.PaymentStatus {
	if code == 0 {
		return models.StatusSuccess
	}
	if _, ok := failedQueryCodes[code]; ok {
		return models.StatusFailed
	}
	return models.StatusPending
}
