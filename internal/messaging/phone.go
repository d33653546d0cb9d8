package messaging

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidPhone = errors.New("invalid phone number")

// NormalizePhone converts a Brazilian phone number into the 13-digit
// international form 55 + area code + 9 + subscriber.
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case len(digits) == 13 && strings.HasPrefix(digits, "55"):
		return digits, nil
	case len(digits) == 12 && strings.HasPrefix(digits, "55"):
		// Mobile number missing the ninth digit.
		return digits[:4] + "9" + digits[4:], nil
	case len(digits) == 11:
		return "55" + digits, nil
	case len(digits) == 10:
		return "55" + digits[:2] + "9" + digits[2:], nil
	}
	return "", fmt.Errorf("%q: %w", raw, ErrInvalidPhone)
}
