package crawler

import (
	"errors"
	"fmt"
	"strings"
)

// CorruptionMarker is the portal's "illegal use of the enrollment system" notice. Its
// presence in any response body means the server has invalidated the session.
//
// This is coupled to the portal's current wording, if the portal changes the message,
// session recovery silently stops working and every query fails with an extraction error.
const CorruptionMarker = "不合法執行選課系統"

type ErrorKind int

const (
	KindNone ErrorKind = iota
	// KindSessionCorrupted means the portal served the corruption marker.
	KindSessionCorrupted
	// KindExtractionFailed means a markup pattern did not match, the portal's
	// markup probably changed.
	KindExtractionFailed
	// KindLoginExhausted means every login attempt failed.
	KindLoginExhausted
	// KindQueryExhausted means every query attempt failed at the transport level.
	KindQueryExhausted
	// KindTransport means a request failed or the portal answered with an error status.
	KindTransport
)

func (k ErrorKind) String() string {
	switch k {
	case KindSessionCorrupted:
		return "session-corrupted"
	case KindExtractionFailed:
		return "extraction-failed"
	case KindLoginExhausted:
		return "login-exhausted"
	case KindQueryExhausted:
		return "query-exhausted"
	case KindTransport:
		return "transport"
	default:
		return "none"
	}
}

// Error is returned by every step of Client.
type Error struct {
	Kind ErrorKind
	// Step names the portal step that failed (ex. "login-token", "query").
	Step string
	// Status is the HTTP status for KindTransport errors caused by a response.
	Status int
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("crawler: ")
	b.WriteString(e.Step)
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a crawler error anywhere in err's chain, or KindNone.
func KindOf(err error) ErrorKind {
	var crawlerErr *Error
	if errors.As(err, &crawlerErr) {
		return crawlerErr.Kind
	}
	return KindNone
}

func checkResponse(step, body string) error {
	if strings.Contains(body, CorruptionMarker) {
		return &Error{Kind: KindSessionCorrupted, Step: step}
	}
	return nil
}
