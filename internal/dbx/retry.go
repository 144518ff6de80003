package dbx

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"
)

// IsConnErr reports whether err looks like a dropped or unreachable database
// connection rather than a query-level failure.
func IsConnErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// WithRetry runs fn, retrying connection-level failures with constant
// backoff. database/sql re-dials dropped connections on the next attempt, so
// a retry here is effectively a reconnect. Query-level errors are returned
// immediately; a reconnect that keeps failing surfaces the last error to the
// caller after maxRetries attempts.
func WithRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewConstant(500*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if IsConnErr(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}
