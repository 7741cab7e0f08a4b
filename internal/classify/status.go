// Package classify maps enhanced status codes (RFC 3463) to delivery
// classifications. It performs no I/O and holds no state.
package classify

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrEmptyCode is returned by ParseStatusCode for blank input
var ErrEmptyCode = errors.New("empty status code")

// MalformedCodeError describes a status code that is not class.subject.detail
type MalformedCodeError struct {
	Code   string
	Reason string
}

func (e *MalformedCodeError) Error() string {
	return fmt.Sprintf("malformed status code %q: %s", e.Code, e.Reason)
}

// StatusCode is a decomposed enhanced status code
type StatusCode struct {
	Class   int
	Subject int
	Detail  int
}

func (c StatusCode) String() string {
	return fmt.Sprintf("%d.%d.%d", c.Class, c.Subject, c.Detail)
}

// ParseStatusCode parses the first whitespace-delimited token of s as
// class.subject.detail. Class must be 2, 4 or 5.
func ParseStatusCode(s string) (StatusCode, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return StatusCode{}, ErrEmptyCode
	}
	token := fields[0]

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return StatusCode{}, &MalformedCodeError{Code: token, Reason: fmt.Sprintf("want 3 segments, got %d", len(parts))}
	}

	var nums [3]int
	for i, p := range parts {
		if p == "" || len(p) > 3 {
			return StatusCode{}, &MalformedCodeError{Code: token, Reason: fmt.Sprintf("segment %d has bad length", i+1)}
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || strings.HasPrefix(p, "+") || strings.HasPrefix(p, "-") {
			return StatusCode{}, &MalformedCodeError{Code: token, Reason: fmt.Sprintf("segment %d is not numeric", i+1)}
		}
		nums[i] = n
	}

	switch nums[0] {
	case 2, 4, 5:
	default:
		return StatusCode{}, &MalformedCodeError{Code: token, Reason: fmt.Sprintf("unknown class %d", nums[0])}
	}
	return StatusCode{Class: nums[0], Subject: nums[1], Detail: nums[2]}, nil
}
