package mpesa

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mpesa-checkout/internal/apperrors"
)

// Metadata item names used by STK callbacks
const (
	ItemReceiptNumber   = "MpesaReceiptNumber"
	ItemTransactionDate = "TransactionDate"
	ItemAmount          = "Amount"
	ItemPhoneNumber     = "PhoneNumber"
)

// MissingResultCode is reported when a callback carries no ResultCode
const MissingResultCode = -1

// Item represents a key-value pair from M-Pesa callback metadata
type Item struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

// String renders the value as text. Numbers keep their literal form so
// TransactionDate (20191219102115) never turns into an exponent.
func (i Item) String() string {
	raw := bytes.TrimSpace(i.Value)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

// MetadataItems accepts either a JSON list of items or a single item object
type MetadataItems []Item

func (m *MetadataItems) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*m = nil
		return nil
	}

	if trimmed[0] == '{' {
		var item Item
		if err := json.Unmarshal(trimmed, &item); err != nil {
			return err
		}
		*m = MetadataItems{item}
		return nil
	}

	var items []Item
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return err
	}
	*m = items
	return nil
}

// ResultCode accepts both 0 and "0"
type ResultCode int

func (c *ResultCode) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = strings.TrimSpace(unquoted)
	}

	code, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid ResultCode %s: %w", string(data), err)
	}
	*c = ResultCode(code)
	return nil
}

// STKCallback is the body.stkCallback object posted by the gateway
type STKCallback struct {
	MerchantRequestID string      `json:"MerchantRequestID"`
	CheckoutRequestID string      `json:"CheckoutRequestID"`
	ResultCode        *ResultCode `json:"ResultCode"`
	ResultDesc        string      `json:"ResultDesc"`
	CallbackMetadata  struct {
		Item MetadataItems `json:"Item"`
	} `json:"CallbackMetadata"`
}

// CallbackPayload represents the M-Pesa callback structure
type CallbackPayload struct {
	Body struct {
		StkCallback *STKCallback `json:"stkCallback"`
	} `json:"Body"`
}

// ParseCallback decodes the nested callback envelope
func ParseCallback(body []byte) (*STKCallback, error) {
	var payload CallbackPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, apperrors.Validation("Invalid callback payload", apperrors.WithCause(err))
	}

	cb := payload.Body.StkCallback
	if cb == nil {
		return nil, apperrors.Validation("Invalid callback payload", apperrors.WithDetails("missing Body.stkCallback"))
	}
	if cb.CheckoutRequestID == "" {
		return nil, apperrors.Validation("Invalid callback payload", apperrors.WithDetails("missing CheckoutRequestID"))
	}

	return cb, nil
}

// Code returns the result code, or MissingResultCode when absent
func (c *STKCallback) Code() int {
	if c.ResultCode == nil {
		return MissingResultCode
	}
	return int(*c.ResultCode)
}

// Succeeded reports whether the buyer completed the payment
func (c *STKCallback) Succeeded() bool {
	return c.Code() == 0
}

// Metadata converts M-Pesa's metadata array to a clean map
func (c *STKCallback) Metadata() map[string]string {
	items := c.CallbackMetadata.Item
	result := make(map[string]string, len(items))
	for _, item := range items {
		if item.Name != "" {
			result[item.Name] = item.String()
		}
	}
	return result
}

func (c *STKCallback) ReceiptNumber() string {
	return c.Metadata()[ItemReceiptNumber]
}

func (c *STKCallback) TransactionDate() string {
	return c.Metadata()[ItemTransactionDate]
}
