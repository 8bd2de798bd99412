package captcha

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	KindNone ErrorKind = iota
	// KindServiceHTTP means the recognizer answered with a non-200 status.
	KindServiceHTTP
	// KindTransport means the recognizer could not be reached.
	KindTransport
	// KindNoViableAnswer means the recognizer returned no candidates.
	KindNoViableAnswer
	// KindInvalidResponse means the body was not a list of candidates.
	KindInvalidResponse
	// KindParse means an arithmetic candidate held an operand that is not a number.
	KindParse
)

func (k ErrorKind) String() string {
	switch k {
	case KindServiceHTTP:
		return "service-http"
	case KindTransport:
		return "transport"
	case KindNoViableAnswer:
		return "no-viable-answer"
	case KindInvalidResponse:
		return "invalid-response"
	case KindParse:
		return "parse"
	default:
		return "none"
	}
}

// Error is the only error type returned by Solver.
type Error struct {
	Kind ErrorKind
	// Status is set for KindServiceHTTP.
	Status int
	// Substring is the offending text for KindParse.
	Substring string
	Err       error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindServiceHTTP:
		return fmt.Sprintf("captcha: service responded with status %d", e.Status)
	case KindTransport:
		return fmt.Sprintf("captcha: request failed: %v", e.Err)
	case KindNoViableAnswer:
		return "captcha: no viable answer"
	case KindInvalidResponse:
		if e.Err != nil {
			return fmt.Sprintf("captcha: invalid service response: %v", e.Err)
		}
		return "captcha: invalid service response"
	case KindParse:
		return fmt.Sprintf("captcha: parse %q: %v", e.Substring, e.Err)
	}
	return "captcha: unknown error"
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether a fresh challenge is worth trying. ServiceHTTP and
// Transport mean the recognizer itself is broken.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNoViableAnswer, KindInvalidResponse, KindParse:
		return true
	}
	return false
}

// KindOf returns the kind of a captcha error anywhere in err's chain, or
// KindNone.
func KindOf(err error) ErrorKind {
	var captchaErr *Error
	if errors.As(err, &captchaErr) {
		return captchaErr.Kind
	}
	return KindNone
}
