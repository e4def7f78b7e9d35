package sms

import (
	"regexp"

	"duedigest/internal/domain"
)

var reE164 = regexp.MustCompile(`^\+[1-9][0-9]{1,14}$`)

// ValidateAddress enforces strict E.164: leading '+', non-zero first digit,
// 2 to 15 digits in total.
func ValidateAddress(addr string) error {
	if !reE164.MatchString(addr) {
		return &domain.InvalidAddressError{Address: addr}
	}
	return nil
}
