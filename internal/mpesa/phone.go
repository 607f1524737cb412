package mpesa

import (
	"regexp"
	"strings"

	"github.com/mpesa-checkout/internal/apperrors"
)

const countryCode = "254"

var (
	nonDigits      = regexp.MustCompile(`\D`)
	canonicalPhone = regexp.MustCompile(`^254[17]\d{8}$`)
)

// NormalizePhone converts local Kenyan formats (07XXXXXXXX, 7XXXXXXXX,
// +254 7XX XXX XXX) to 2547XXXXXXXX / 2541XXXXXXXX
func NormalizePhone(raw string) (string, error) {
	phone := nonDigits.ReplaceAllString(raw, "")

	switch {
	case strings.HasPrefix(phone, "0") && len(phone) == 10:
		phone = countryCode + phone[1:]
	case len(phone) == 9 && (phone[0] == '7' || phone[0] == '1'):
		phone = countryCode + phone
	}

	if !canonicalPhone.MatchString(phone) {
		return "", apperrors.Validation("Invalid phone number",
			apperrors.WithDetails("Please provide a valid Kenyan phone number"))
	}

	return phone, nil
}
