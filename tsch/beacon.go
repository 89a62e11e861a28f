package tsch

/*------------------------------------------------------------------
 *
 * Purpose:	Periodic Enhanced Beacon emission and keepalive-to-
 *		time-source (spec.md §4.6).
 *
 *------------------------------------------------------------------*/

import (
	"context"
	"math/rand"
	"time"
)

// EB period bounds from spec.md §6's configuration knobs.
const (
	DefaultMinEBPeriod = 4 * time.Second
	DefaultMaxEBPeriod = 50 * time.Second
	// clampWindow is the "first minute after association" during which
	// the EB period is clamped to the minimum, per spec.md §4.6.
	clampWindow = time.Minute
)

// BeaconScheduler owns the jittered EB emission and keepalive timers.
// It enqueues onto the same NeighborTable the Engine reads from, so a
// beacon or keepalive it builds flows through the ordinary ADVERTISING
// or unicast link the next time one fires.
type BeaconScheduler struct {
	Neighbors *NeighborTable
	Engine    *Engine

	MinEBPeriod time.Duration
	MaxEBPeriod time.Duration

	KeepaliveBaseInterval time.Duration

	associatedSince time.Time
	rng             *rand.Rand

	// BuildEB constructs the next EB's payload (the Sync-IE's ASN and
	// join priority are stamped at transmit time via Framer.StampEB, so
	// this only needs to produce the rest).
	BuildEB func() []byte
}

// NewBeaconScheduler builds a scheduler with the §4.6 default bounds.
func NewBeaconScheduler(engine *Engine, neighbors *NeighborTable) *BeaconScheduler {
	return &BeaconScheduler{
		Neighbors:             neighbors,
		Engine:                engine,
		MinEBPeriod:           DefaultMinEBPeriod,
		MaxEBPeriod:           DefaultMaxEBPeriod,
		KeepaliveBaseInterval: 30 * time.Second,
		rng:                   rand.New(rand.NewSource(3)),
	}
}

// MarkAssociated records the association time used to clamp the EB
// period to the minimum for the first minute, per spec.md §4.6.
func (b *BeaconScheduler) MarkAssociated(now time.Time) {
	b.associatedSince = now
}

// NextEBDelay returns a randomised delay in [0.9*period, period) where
// period is clamped to MinEBPeriod during the first minute after
// association, per spec.md §4.6.
func (b *BeaconScheduler) NextEBDelay(now time.Time) time.Duration {
	var period = b.MaxEBPeriod
	if !b.associatedSince.IsZero() && now.Sub(b.associatedSince) < clampWindow {
		period = b.MinEBPeriod
	}

	if period < b.MinEBPeriod {
		period = b.MinEBPeriod
	}

	var lo = time.Duration(float64(period) * 0.9)
	var span = period - lo
	if span <= 0 {
		return lo
	}

	return lo + time.Duration(b.rng.Int63n(int64(span)))
}

// MaybeEnqueueEB enqueues a new EB onto the EB neighbour's queue,
// unless one is already pending, per spec.md §4.6 "only if no EB is
// already pending".
func (b *BeaconScheduler) MaybeEnqueueEB(cb SentCallback) error {
	var eb = b.Neighbors.EB()
	if !eb.queue.Empty() {
		return nil
	}

	var payload []byte
	if b.BuildEB != nil {
		payload = b.BuildEB()
	}

	return b.Neighbors.AddPacket(eb.Addr, payload, cb, nil)
}

// NextKeepaliveDelay returns a randomised delay in [0.9*T, T), per
// spec.md §4.6.
func (b *BeaconScheduler) NextKeepaliveDelay() time.Duration {
	var lo = time.Duration(float64(b.KeepaliveBaseInterval) * 0.9)
	var span = b.KeepaliveBaseInterval - lo
	if span <= 0 {
		return lo
	}

	return lo + time.Duration(b.rng.Int63n(int64(span)))
}

// SendKeepalive enqueues an empty unicast to the current time source,
// per spec.md §4.6. It is a no-op if there is no time source yet.
func (b *BeaconScheduler) SendKeepalive(ctx context.Context, cb SentCallback) error {
	var source = b.Neighbors.GetTimeSource()
	if source == nil {
		return nil
	}

	return b.Neighbors.AddPacket(source.Addr, nil, cb, nil)
}

// RunKeepaliveLoop reschedules SendKeepalive at every successful sync
// event (lastSyncASN advancing), per spec.md §4.6 "rescheduled at
// every successful sync event", until ctx is done.
func (b *BeaconScheduler) RunKeepaliveLoop(ctx context.Context, cb SentCallback) {
	var lastSeen = b.Engine.LastSyncASN()

	for {
		var delay = b.NextKeepaliveDelay()

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if b.Engine.LastSyncASN() != lastSeen {
			lastSeen = b.Engine.LastSyncASN()
			continue
		}

		_ = b.SendKeepalive(ctx, cb)
		lastSeen = b.Engine.LastSyncASN()
	}
}

// RunBeaconLoop runs the beacon process from spec.md §4.6 until ctx is
// done: once associated, wait a jittered delay, then enqueue an EB.
func (b *BeaconScheduler) RunBeaconLoop(ctx context.Context, cb SentCallback, now func() time.Time) {
	for {
		if !b.Engine.Associated {
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
				continue
			}
		}

		var delay = b.NextEBDelay(now())

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		_ = b.MaybeEnqueueEB(cb)
	}
}
