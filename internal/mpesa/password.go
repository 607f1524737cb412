package mpesa

import (
	"encoding/base64"
	"time"
)

const timestampLayout = "20060102150405"

// Timestamp formats t as YYYYMMDDHHmmss in the server's local zone
func Timestamp(t time.Time) string {
	return t.Local().Format(timestampLayout)
}

// Password derives the Lipa Na M-Pesa Online password. The timestamp must be
// the exact value sent in the request's Timestamp field.
func Password(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}
