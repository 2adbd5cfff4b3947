// Package phone converts user-entered Thai phone numbers to the canonical
// digits-only form used as the key everywhere else: country code 66, no
// leading zero, no plus sign.
package phone

import (
	"errors"
	"strings"
)

const CountryCode = "66"

var ErrInvalidPhone = errors.New("invalid phone number")

// Normalize never fails; malformed input yields a string that Validate rejects.
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case len(digits) == 9 && !strings.HasPrefix(digits, CountryCode):
		return CountryCode + digits
	case len(digits) == 10 && digits[0] == '0':
		return CountryCode + digits[1:]
	default:
		return digits
	}
}

// Validate accepts canonical Thai mobile numbers: 66 followed by nine digits
// starting with 6, 8 or 9.
func Validate(canonical string) error {
	if len(canonical) != 11 || !strings.HasPrefix(canonical, CountryCode) {
		return ErrInvalidPhone
	}
	for _, r := range canonical {
		if r < '0' || r > '9' {
			return ErrInvalidPhone
		}
	}
	switch canonical[2] {
	case '6', '8', '9':
		return nil
	default:
		return ErrInvalidPhone
	}
}

// Parse normalizes and validates in one step.
func Parse(raw string) (string, error) {
	canonical := Normalize(raw)
	if err := Validate(canonical); err != nil {
		return "", err
	}
	return canonical, nil
}

// Display renders the canonical form with a leading plus for messages.
func Display(canonical string) string {
	return "+" + canonical
}

// Mask hides the middle digits for logging.
func Mask(canonical string) string {
	if len(canonical) <= 6 {
		return strings.Repeat("*", len(canonical))
	}
	return canonical[:2] + strings.Repeat("*", len(canonical)-6) + canonical[len(canonical)-4:]
}
