package utils

import (
	"errors"
	"strings"
)

var ErrInvalidPhone = errors.New("invalid phone number")

// NormalizePhone reduces a recipient address to digits only, in international form.
// Numbers of national length (10 or 11 digits) always get defaultCountryCode
// prepended, even when the area code equals the country code. Only a leading "+"
// or "00", or a length beyond national, marks the number as already international.
func NormalizePhone(raw, defaultCountryCode string) (string, error) {
	raw = strings.TrimSpace(raw)
	international := strings.HasPrefix(raw, "+") || strings.HasPrefix(raw, "00")

	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if strings.HasPrefix(raw, "00") {
		digits = strings.TrimPrefix(digits, "00")
	}

	if len(digits) < 8 || len(digits) > 15 {
		return "", ErrInvalidPhone
	}
	if international || defaultCountryCode == "" {
		return digits, nil
	}

	cc := strings.TrimPrefix(strings.TrimSpace(defaultCountryCode), "+")
	if len(digits) == 10 || len(digits) == 11 {
		digits = cc + strings.TrimPrefix(digits, "0")
	}
	return digits, nil
}
