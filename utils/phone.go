package utils

import (
	"errors"
	"strings"
)

var ErrInvalidPhone = errors.New("invalid phone number")

// NormalizePhone converts local and international Kenyan mobile formats
// (07XXXXXXXX, 7XXXXXXXX, +2547XXXXXXXX, 01XXXXXXXX...) into 2547XXXXXXXX / 2541XXXXXXXX.
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	for i, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return "", ErrInvalidPhone
		}
	}
	digits := b.String()

	switch {
	case len(digits) == 12 && strings.HasPrefix(digits, "254"):
		digits = digits[3:]
	case len(digits) == 10 && strings.HasPrefix(digits, "0"):
		digits = digits[1:]
	case len(digits) == 9:
	default:
		return "", ErrInvalidPhone
	}

	if digits[0] != '7' && digits[0] != '1' {
		return "", ErrInvalidPhone
	}
	return "254" + digits, nil
}

// MaskPhone hides the middle digits for logs.
func MaskPhone(phone string) string {
	if len(phone) < 7 {
		return "***"
	}
	return phone[:5] + strings.Repeat("*", len(phone)-8) + phone[len(phone)-3:]
}
