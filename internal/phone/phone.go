// Package phone canonicalizes volunteer phone numbers into the digit-only
// form expected by the WhatsApp and voice providers.
package phone

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultCountryCode is prefixed to bare 10 digit numbers.
const DefaultCountryCode = "91"

// ErrInvalidPhoneNumber is returned for empty input or a digit count outside 10-15.
var ErrInvalidPhoneNumber = errors.New("invalid phone number")

// Normalize strips formatting, trims leading zeros and applies the default
// country code to bare national numbers.
func Normalize(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPhoneNumber)
	}

	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := strings.TrimLeft(b.String(), "0")

	switch {
	case len(digits) == 10:
		return DefaultCountryCode + digits, nil
	case len(digits) == 12 && strings.HasPrefix(digits, DefaultCountryCode):
		return digits, nil
	case len(digits) < 10 || len(digits) > 15:
		return "", fmt.Errorf("%w: %d digits", ErrInvalidPhoneNumber, len(digits))
	}

	return digits, nil
}

// E164 returns the normalized number with a leading plus sign.
func E164(raw string) (string, error) {
	digits, err := Normalize(raw)
	if err != nil {
		return "", err
	}
	return "+" + digits, nil
}
