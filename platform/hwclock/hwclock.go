// Package hwclock is the per-platform high-resolution timer source
// spec.md §6 hands the slot engine as an external collaborator: a
// tsch.Clock backed by CLOCK_MONOTONIC, read through golang.org/x/sys
// the way the teacher reads HID device info through unix.IoctlHIDGetRawInfo
// in cm108.go rather than going through cgo for a kernel-adjacent call.
package hwclock

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Clock implements tsch.Clock over CLOCK_MONOTONIC, scaled down to a
// 32-bit tick counter so it satisfies the same wrapping-counter
// contract as any embedded free-running timer (spec.md §4.1 "Now wraps
// like any free-running counter").
type Clock struct {
	// TickDuration is the real time one tick represents. The default
	// slot timing in tsch.DefaultConfig assumes one tick per microsecond.
	TickDuration time.Duration

	epoch int64 // nanoseconds, set by New
}

// New builds a Clock ticking once per tickDuration, anchored to the
// monotonic clock's value at construction time.
func New(tickDuration time.Duration) (*Clock, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return nil, fmt.Errorf("hwclock: reading CLOCK_MONOTONIC: %w", err)
	}

	return &Clock{
		TickDuration: tickDuration,
		epoch:        ts.Nano(),
	}, nil
}

// Now returns the number of TickDuration intervals elapsed since New
// was called, truncated to 32 bits.
func (c *Clock) Now() uint32 {
	var ts unix.Timespec

	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}

	var elapsed = time.Duration(ts.Nano() - c.epoch)

	return uint32(elapsed / c.TickDuration)
}

// SleepUntil blocks until tick has elapsed on the monotonic clock, or
// ctx is cancelled first. tick is interpreted relative to the 32-bit
// wrap closest to the current time, so a tick that is "behind" Now by
// less than half the counter range is treated as already elapsed.
func (c *Clock) SleepUntil(ctx context.Context, tick uint32) error {
	var now = c.Now()
	var delta = int32(tick - now)

	if delta <= 0 {
		return nil
	}

	var d = time.Duration(delta) * c.TickDuration

	var timer = time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
