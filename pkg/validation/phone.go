// Package validation checks phone numbers coming off carrier webhook
// params and CLI arguments before they reach the dialer or a CRM lookup.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// E.164: leading +, non-zero country code, at most 15 digits total.
var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// ValidateE164 rejects anything the carrier would refuse to dial.
func ValidateE164(phone string) error {
	if phone == "" {
		return fmt.Errorf("phone number is required")
	}
	if !e164Pattern.MatchString(strings.TrimSpace(phone)) {
		return fmt.Errorf("phone number must be in E.164 format (e.g., +919876543210)")
	}
	return nil
}

// NormalizeE164 converts the loose formats operators type into E.164.
// Bare 10-digit numbers and 91-prefixed 12-digit numbers are treated
// as Indian; anything else must already carry its +country prefix.
func NormalizeE164(phone string) (string, error) {
	phone = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')':
			return -1
		}
		return r
	}, strings.TrimSpace(phone))

	if !strings.HasPrefix(phone, "+") {
		switch {
		case len(phone) == 12 && strings.HasPrefix(phone, "91"):
			phone = "+" + phone
		case len(phone) == 10:
			phone = "+91" + phone
		default:
			return "", fmt.Errorf("cannot normalize phone number: %s", phone)
		}
	}

	if err := ValidateE164(phone); err != nil {
		return "", err
	}
	return phone, nil
}
