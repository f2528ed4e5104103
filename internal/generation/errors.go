package generation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrMalformedResponse indicates a 2xx body that is not a completion.
var ErrMalformedResponse = errors.New("malformed completion response")

// Error reports a failed gateway call. StatusCode is zero when no HTTP
// response was received.
type Error struct {
	StatusCode int
	Detail     string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Detail != "":
		return fmt.Sprintf("generation gateway returned %d: %s", e.StatusCode, e.Detail)
	case e.StatusCode != 0:
		return fmt.Sprintf("generation gateway returned %d", e.StatusCode)
	default:
		return fmt.Sprintf("generation gateway: %v", e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the call may succeed: rate limiting,
// server errors and transport failures other than cancellation.
func (e *Error) Retryable() bool {
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == 0:
		return !errors.Is(e.Err, ErrMalformedResponse) && !errors.Is(e.Err, context.Canceled)
	default:
		return false
	}
}
