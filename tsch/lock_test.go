package tsch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockAcquireWaitsForSlotOperationToEnd(t *testing.T) {
	var l = &Lock{}
	l.EnterSlotOperation()

	var acquired = make(chan struct{})

	go func() {
		require.NoError(t, l.Acquire(context.Background()))
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("Acquire must not succeed while in a slot operation")
	case <-time.After(20 * time.Millisecond):
	}

	l.LeaveSlotOperation()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("Acquire should succeed once the slot operation ends")
	}

	l.Release()
}

func TestLockAcquireFailsFastWhenAlreadyHeld(t *testing.T) {
	var l = &Lock{}
	require.NoError(t, l.Acquire(context.Background()))
	defer l.Release()

	var err = l.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrLockHeld)
}

func TestLockRequestedVisibleDuringAcquire(t *testing.T) {
	var l = &Lock{}
	l.EnterSlotOperation()

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		_ = l.Acquire(context.Background())
	}()

	assert.Eventually(t, func() bool { return l.Requested() }, time.Second, time.Millisecond)

	l.LeaveSlotOperation()
	wg.Wait()
	l.Release()
}

func TestLockAcquireRespectsContextCancellation(t *testing.T) {
	var l = &Lock{}
	l.EnterSlotOperation()
	defer l.LeaveSlotOperation()

	var ctx, cancel = context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	var err = l.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
