package dbx

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithRetry_SucceedsAfterReconnect(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("exec: %w", driver.ErrBadConn)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestWithRetry_QueryErrorNotRetried(t *testing.T) {
	attempts := 0
	boom := errors.New("syntax error")
	err := WithRetry(context.Background(), func(ctx context.Context) error {
		attempts++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, attempts)
}

func TestWithRetry_GivesUpAfterMaxRetries(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), func(ctx context.Context) error {
		attempts++
		return driver.ErrBadConn
	})
	require.ErrorIs(t, err, driver.ErrBadConn)
	require.Equal(t, 4, attempts)
}

func TestIsConnErr(t *testing.T) {
	require.True(t, IsConnErr(driver.ErrBadConn))
	require.False(t, IsConnErr(nil))
	require.False(t, IsConnErr(errors.New("duplicate key")))
}
