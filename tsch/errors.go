package tsch

import "errors"

// Sentinel errors for the synchronously-surfaced failure kinds in
// spec.md's error handling table (ENQUEUE_FAIL and its schedule-manager
// cousins). Errors that only ever reach a packet's sent-callback are
// represented by TxResult instead, not by these.
var (
	// ErrQueueFull is returned when a neighbour's TX ring has no free slot.
	ErrQueueFull = errors.New("tsch: neighbor queue full")

	// ErrLockHeld is returned by a mutating call attempted while the
	// cooperative lock is held or requested by another caller.
	ErrLockHeld = errors.New("tsch: global lock held")

	// ErrNoFreeNeighbor is returned when the fixed neighbour pool has no
	// room to allocate a new entry.
	ErrNoFreeNeighbor = errors.New("tsch: neighbor pool exhausted")

	// ErrSlotframeExists is returned by AddSlotframe when the handle is
	// already in use.
	ErrSlotframeExists = errors.New("tsch: slotframe handle already exists")

	// ErrNoSuchSlotframe is returned by AddLink when the timeslot lies
	// outside the slotframe's size.
	ErrNoSuchSlotframe = errors.New("tsch: no such slotframe")

	// ErrTooManySlotframes is returned when the fixed slotframe pool is
	// full.
	ErrTooManySlotframes = errors.New("tsch: too many slotframes")

	// ErrTooManyLinks is returned when the fixed link pool is full.
	ErrTooManyLinks = errors.New("tsch: too many links")
)
