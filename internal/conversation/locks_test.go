package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSceneLocksBlockSameKey(t *testing.T) {
	locks := newSceneLocks()

	release, err := locks.acquire(context.Background(), "s1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.acquire(ctx, "s1")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	other, err := locks.acquire(context.Background(), "s2")
	require.NoError(t, err, "different scenes do not contend")
	other()

	release()
	release()
	assert.Zero(t, locks.size())

	again, err := locks.acquire(context.Background(), "s1")
	require.NoError(t, err)
	again()
}

func TestSceneLocksHandOff(t *testing.T) {
	locks := newSceneLocks()
	release, err := locks.acquire(context.Background(), "s1")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		r, err := locks.acquire(context.Background(), "s1")
		if err == nil {
			close(acquired)
			r()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("waiter acquired a held lock")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the released lock")
	}
}
