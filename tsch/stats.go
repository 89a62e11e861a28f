package tsch

/*------------------------------------------------------------------
 *
 * Purpose:	Per-error-kind counters (spec.md §7's table), for the
 *		tschsim CLI and for tests that assert boundary behaviour.
 *
 *------------------------------------------------------------------*/

import "sync/atomic"

// Stats accumulates the error kinds from spec.md §7 plus the basic
// TX/RX tallies. All fields are updated with atomics so the slot
// engine can bump them without taking the Lock.
type Stats struct {
	TxOK         atomic.Uint64
	TxNoAck      atomic.Uint64
	TxCollision  atomic.Uint64
	TxErr        atomic.Uint64
	TxErrFatal   atomic.Uint64
	EnqueueFail  atomic.Uint64
	DeadlineMiss atomic.Uint64
	Desync       atomic.Uint64
	InputDropped atomic.Uint64
	EBJoinTooHigh atomic.Uint64

	SlotsIdle atomic.Uint64
	SlotsTx   atomic.Uint64
	SlotsRx   atomic.Uint64
}

// RecordTxResult bumps the counter matching result.
func (s *Stats) RecordTxResult(result TxResult) {
	switch result {
	case TxOK:
		s.TxOK.Add(1)
	case TxNoAck:
		s.TxNoAck.Add(1)
	case TxCollision:
		s.TxCollision.Add(1)
	case TxErr:
		s.TxErr.Add(1)
	case TxErrFatal:
		s.TxErrFatal.Add(1)
	}
}

// Snapshot is a point-in-time copy of every counter, safe to print or
// compare in tests without racing further updates.
type Snapshot struct {
	TxOK, TxNoAck, TxCollision, TxErr, TxErrFatal uint64
	EnqueueFail, DeadlineMiss, Desync             uint64
	InputDropped, EBJoinTooHigh                   uint64
	SlotsIdle, SlotsTx, SlotsRx                   uint64
}

// Snapshot reads every counter into a Snapshot.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		TxOK:          s.TxOK.Load(),
		TxNoAck:       s.TxNoAck.Load(),
		TxCollision:   s.TxCollision.Load(),
		TxErr:         s.TxErr.Load(),
		TxErrFatal:    s.TxErrFatal.Load(),
		EnqueueFail:   s.EnqueueFail.Load(),
		DeadlineMiss:  s.DeadlineMiss.Load(),
		Desync:        s.Desync.Load(),
		InputDropped:  s.InputDropped.Load(),
		EBJoinTooHigh: s.EBJoinTooHigh.Load(),
		SlotsIdle:     s.SlotsIdle.Load(),
		SlotsTx:       s.SlotsTx.Load(),
		SlotsRx:       s.SlotsRx.Load(),
	}
}
