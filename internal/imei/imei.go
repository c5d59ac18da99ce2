package imei

import (
	"errors"
	"strconv"
)

var ErrInvalid = errors.New("invalid imei")

// Valid reports whether s is a well-formed 15-digit hardware identifier.
// The Luhn sum is taken over all 15 digits, so a correctly assigned check
// digit makes the total divisible by 10.
func Valid(s string) bool {
	if len(s) != 15 {
		return false
	}
	sum := 0
	for i := 0; i < 15; i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		//even position counted from the right: double, fold back into one digit
		if (15-i)%2 == 0 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}
	return sum%10 == 0
}

func Parse(s string) (uint64, error) {
	if !Valid(s) {
		return 0, ErrInvalid
	}
	return strconv.ParseUint(s, 10, 64)
}

// CheckDigit returns the Luhn digit completing a 14-digit identifier body.
// Used by tests and by provisioning tooling, never on the wire path.
func CheckDigit(body string) (byte, error) {
	if len(body) != 14 {
		return 0, ErrInvalid
	}
	sum := 0
	for i := 0; i < 14; i++ {
		c := body[i]
		if c < '0' || c > '9' {
			return 0, ErrInvalid
		}
		d := int(c - '0')
		//with the check digit appended these become even positions from the right
		if (14-i)%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}
	return byte('0' + (10-sum%10)%10), nil
}
