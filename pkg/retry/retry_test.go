package retry

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
)

func TestTransientClassification(t *testing.T) {
	assert.False(t, Transient(nil))
	assert.False(t, Transient(errors.New("constraint violation")))
	assert.False(t, Transient(context.Canceled))
	assert.True(t, Transient(syscall.ECONNREFUSED))
	assert.True(t, Transient(fmt.Errorf("dial: %w", syscall.ECONNRESET)))
	assert.True(t, Transient(errors.New("redis: pool is closed")))
}

func TestDoStopsOnPermanent(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return errors.New("duplicate key")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransient(t *testing.T) {
	calls := 0
	err := doN(context.Background(), 5, &backoff.ZeroBackOff{}, func() error {
		calls++
		if calls < 3 {
			return syscall.ECONNRESET
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}
