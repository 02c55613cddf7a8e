package feed

import (
	"fmt"
	"net/http"
	"strings"
)

// Error is the typed failure returned by the feed client. Retryable and
// SchemaMismatch are decided once, at the HTTP boundary.
type Error struct {
	Endpoint       string
	HTTPStatus     int
	Message        string
	Retry          bool
	SchemaMismatch bool
	Err            error
}

func (e *Error) Error() string {
	switch {
	case e.HTTPStatus != 0:
		return fmt.Sprintf("feed %s: http %d: %s", e.Endpoint, e.HTTPStatus, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("feed %s: %v", e.Endpoint, e.Err)
	default:
		return fmt.Sprintf("feed %s: %s", e.Endpoint, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable implements retry.Retryable.
func (e *Error) Retryable() bool { return e.Retry }

func statusError(endpoint string, status int, body []byte) *Error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &Error{
		Endpoint:   endpoint,
		HTTPStatus: status,
		Message:    msg,
		Retry:      status == http.StatusTooManyRequests || status >= 500,
	}
}

var schemaMismatchMarkers = []string{
	"cannot query field",
	"has no field",
	"unknown argument",
	"unknown type",
	"no such field",
}

func queryError(endpoint string, messages []string) *Error {
	joined := strings.Join(messages, "; ")
	lower := strings.ToLower(joined)
	mismatch := false
	for _, marker := range schemaMismatchMarkers {
		if strings.Contains(lower, marker) {
			mismatch = true
			break
		}
	}
	return &Error{Endpoint: endpoint, Message: joined, SchemaMismatch: mismatch}
}
