package avs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"

	"golang.org/x/net/http2"
)

// ErrConnectionReset wraps every request failure caused by the underlying
// connection going away. The transport has already replaced the connection
// when a caller sees it.
var ErrConnectionReset = errors.New("avs: connection reset")

// StatusError is returned when the service answers a request that requires
// success with another status.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("avs: %s %s: unexpected status %s", e.Method, e.Path, e.Status)
}

func newStatusError(method, path string, resp *http.Response) *StatusError {
	return &StatusError{
		Method:     method,
		Path:       path,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
	}
}

// IsConnectionReset reports whether err means the connection the request ran
// on is no longer usable. Cancellation by the caller is never a reset.
func IsConnectionReset(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnectionReset) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	var goAway http2.GoAwayError
	if errors.As(err, &goAway) {
		return true
	}
	var connErr http2.ConnectionError
	if errors.As(err, &connErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// x/net/http2 reports a dead connection with unexported sentinel errors.
	msg := err.Error()
	return strings.Contains(msg, "client connection lost") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "use of closed network connection")
}
