package domain

import (
	"fmt"
	"regexp"
	"strings"
)

var nonDigitRegex = regexp.MustCompile(`\D+`)

// NormalizeMSISDN canonicalizes a Kenyan subscriber number to the
// 2547XXXXXXXX / 2541XXXXXXXX form the provider reports in notifications.
// Accepted inputs: 07XXXXXXXX, 01XXXXXXXX, +2547XXXXXXXX, 2547XXXXXXXX and
// the bare 9-digit 7XXXXXXXX variant.
func NormalizeMSISDN(raw string) (string, error) {
	digits := nonDigitRegex.ReplaceAllString(strings.TrimSpace(raw), "")
	switch {
	case len(digits) == 12 && strings.HasPrefix(digits, "254"):
		// already canonical
	case len(digits) == 10 && strings.HasPrefix(digits, "0"):
		digits = "254" + digits[1:]
	case len(digits) == 9 && (strings.HasPrefix(digits, "7") || strings.HasPrefix(digits, "1")):
		digits = "254" + digits
	default:
		return "", fmt.Errorf("unrecognized msisdn format %q", raw)
	}
	sub := digits[3]
	if sub != '7' && sub != '1' {
		return "", fmt.Errorf("unrecognized msisdn format %q", raw)
	}
	return digits, nil
}
