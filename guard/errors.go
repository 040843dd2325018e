package guard

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

// connectionInvalidated is implemented by errors that carry their own
// verdict on whether the underlying transport is dead.
type connectionInvalidated interface {
	ConnectionInvalidated() bool
}

// IsInvalidated is the default probe-error classifier. It reports whether
// err means the connection's transport is confirmed dead, as opposed to a
// live server answering with a database-level error.
func IsInvalidated(err error) bool {
	if err == nil {
		return false
	}
	var ci connectionInvalidated
	if errors.As(err, &ci) {
		return ci.ConnectionInvalidated()
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// TimeoutError reports that retries of an invalidated connection exhausted
// the reconnect timeout. Elapsed is measured from the first probe attempt.
type TimeoutError struct {
	Timeout time.Duration
	Elapsed time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("failed to re-establish connection within %s (elapsed %s): %v",
		e.Timeout, e.Elapsed, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// DisconnectionError reports a checkout attempted by a process other than
// the one that established the connection.
type DisconnectionError struct {
	Owner   ProcessToken
	Current ProcessToken
}

func (e *DisconnectionError) Error() string {
	return fmt.Sprintf("connection record belongs to process %s, attempting to check out in process %s",
		e.Owner, e.Current)
}
