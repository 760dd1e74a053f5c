package domain

import (
	"strings"
	"time"
)

// Daraja result codes seen on the per-request callback. Zero is success;
// everything else is a terminal failure of some flavour.
const (
	ResultCodeSuccess           = 0
	ResultCodeInsufficientFunds = 1
	ResultCodeTransactionExpire = 1019
	ResultCodeCancelledSystem   = 1031
	ResultCodeCancelledByUser   = 1032
	ResultCodeTimeout           = 1037
	ResultCodeWrongPIN          = 2001
)

// ClassifyResult maps a provider result code to the terminal status of the
// originating request. The numeric code is authoritative; the free-text
// description is consulted only for codes we have never seen, as a
// last-resort fallback.
func ClassifyResult(code int, description string) RequestStatus {
	switch code {
	case ResultCodeSuccess:
		return RequestCompleted
	case ResultCodeCancelledByUser, ResultCodeCancelledSystem:
		return RequestCancelled
	case ResultCodeInsufficientFunds, ResultCodeTransactionExpire,
		ResultCodeTimeout, ResultCodeWrongPIN:
		return RequestFailed
	}
	// Fallback for unknown codes only.
	if strings.Contains(strings.ToLower(description), "cancel") {
		return RequestCancelled
	}
	return RequestFailed
}

// eatZone is the provider's local time zone. Notification timestamps come
// in as bare YYYYMMDDHHmmss strings in East Africa Time.
var eatZone = time.FixedZone("EAT", 3*60*60)

const providerTimeLayout = "20060102150405"

// ParseProviderTime parses the provider's compact timestamp format and
// returns it in UTC.
func ParseProviderTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(providerTimeLayout, strings.TrimSpace(s), eatZone)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// FormatProviderTime renders t in the provider's compact local-time format,
// as required for the STK password material.
func FormatProviderTime(t time.Time) string {
	return t.In(eatZone).Format(providerTimeLayout)
}
