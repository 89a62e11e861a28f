package tsch

/*------------------------------------------------------------------
 *
 * Purpose:	Per-neighbour transmit queues and CSMA backoff state
 *		(spec.md §4.2).
 *
 * Description: The neighbour list itself is mutated only by
 *		cooperative code holding the global Lock. Each
 *		neighbour's TX ring is a lock-free SPSC ring.Add/Get on
 *		the list is the slow, rare path; per-slot packet
 *		fetch/backoff bookkeeping is the hot path and never
 *		touches the Lock.
 *
 *------------------------------------------------------------------*/

import (
	"context"
	"math/rand"
)

// Address is an IEEE 802.15.4 link-layer address. Real deployments use
// either 2-byte short or 8-byte extended addressing; this MAC always
// carries the 8-byte extended form internally and leaves compression
// for the framer.
type Address [8]byte

// BroadcastAddress is the reserved all-ones address used for broadcast
// links and frames.
var BroadcastAddress = Address{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ebAddress is the all-zero address reserved for the virtual EB
// neighbour's queue. Get and AddPacket resolve it to the EB neighbour,
// so a real peer with the all-zero address would share that queue.
var ebAddress = Address{}

// TxResult is the outcome of one transmission attempt, from spec.md §7.
type TxResult int

const (
	TxOK TxResult = iota
	TxNoAck
	TxCollision
	TxErr
	TxErrFatal
)

func (r TxResult) String() string {
	switch r {
	case TxOK:
		return "OK"
	case TxNoAck:
		return "NOACK"
	case TxCollision:
		return "COLLISION"
	case TxErr:
		return "ERR"
	case TxErrFatal:
		return "ERR_FATAL"
	default:
		return "UNKNOWN"
	}
}

// SentCallback is invoked once a queued packet's fate is known: either
// it was transmitted successfully, or it exhausted its retries. arg is
// the opaque value passed to AddPacket, round-tripped unexamined.
type SentCallback func(result TxResult, transmissions int, arg any)

// Packet is a reference to an external packet buffer plus the
// bookkeeping the MAC needs to retry and report on it. The buffer
// itself is owned by the caller's packet-buffer pool (spec.md §6, an
// external collaborator); Packet only ever holds a reference.
type Packet struct {
	Buf           []byte
	Callback      SentCallback
	Arg           any
	Transmissions int
	LastResult    TxResult
}

// backoffMinExponent and backoffMaxExponent bound the CSMA backoff
// exponent per spec.md §4.2 and §8 (MAC_MIN_BE / MAC_MAX_BE).
const (
	backoffMinExponent = 1
	backoffMaxExponent = 4
)

// Neighbor holds one address's queue state. A Neighbor is only ever
// mutated structurally (allocated, freed) under the Lock; its queue
// ring and backoff counters are touched every slot without locking.
type Neighbor struct {
	Addr         Address
	IsBroadcast  bool
	IsTimeSource bool

	backoffExponent uint8
	backoffWindow   uint16

	txLinksCount          int
	dedicatedTxLinksCount int

	queue *ring[Packet]

	inUse bool
}

// TxLinksCount returns the number of links across the schedule whose
// destination is this neighbour and which carry the TX option.
func (n *Neighbor) TxLinksCount() int { return n.txLinksCount }

// DedicatedTxLinksCount returns the subset of TxLinksCount that are not
// SHARED links.
func (n *Neighbor) DedicatedTxLinksCount() int { return n.dedicatedTxLinksCount }

// QueueLen returns the number of packets currently queued for this
// neighbour.
func (n *Neighbor) QueueLen() int { return n.queue.Len() }

// resetBackoff restores the minimum exponent and a zero window, the
// state a neighbour starts in and returns to after a successful
// unicast send per spec.md §4.2.
func (n *Neighbor) resetBackoff() {
	n.backoffExponent = backoffMinExponent
	n.backoffWindow = 0
}

// onSharedTxFailure applies the exponential-backoff step from
// spec.md §4.2: bump the exponent (capped), then draw a new window
// uniformly from [0, 2^exponent-1] and add one to compensate for the
// decrement that happens once per matching slot, including the one
// that just elapsed.
func (n *Neighbor) onSharedTxFailure(rng *rand.Rand) {
	if n.backoffExponent < backoffMaxExponent {
		n.backoffExponent++
	}

	var span = uint16(1) << n.backoffExponent
	n.backoffWindow = uint16(rng.Intn(int(span))) + 1
}

// NeighborTable is the fixed-size pool of neighbours described in
// spec.md §3: at most one neighbour per address, with the broadcast
// and EB virtual neighbours always present.
type NeighborTable struct {
	lock *Lock

	// Stats, if set, receives EnqueueFail for every AddPacket failure
	// (spec.md §7). Optional: nil leaves the counter untouched.
	Stats *Stats

	pool       []Neighbor
	queueDepth int

	broadcast *Neighbor
	eb        *Neighbor
}

// NewNeighborTable builds a pool sized for capacity real neighbours
// (plus the two virtual ones), each with a TX ring sized queueDepth
// (rounded up to a power of two).
func NewNeighborTable(lock *Lock, capacity, queueDepth int) *NeighborTable {
	var t = &NeighborTable{
		lock:       lock,
		pool:       make([]Neighbor, capacity+2),
		queueDepth: queueDepth,
	}

	t.broadcast = &t.pool[0]
	*t.broadcast = Neighbor{Addr: BroadcastAddress, IsBroadcast: true, inUse: true, queue: newRing[Packet](queueDepth)}
	t.broadcast.resetBackoff()

	t.eb = &t.pool[1]
	*t.eb = Neighbor{Addr: ebAddress, inUse: true, queue: newRing[Packet](queueDepth)}
	t.eb.resetBackoff()

	return t
}

// Broadcast returns the always-present broadcast neighbour.
func (t *NeighborTable) Broadcast() *Neighbor { return t.broadcast }

// EB returns the always-present virtual neighbour whose queue carries
// Enhanced Beacons.
func (t *NeighborTable) EB() *Neighbor { return t.eb }

// Get returns the neighbour for addr, or nil if none exists. Safe to
// call from interrupt context without the Lock: it only reads the
// fixed pool's inUse/Addr fields, never mutates them.
func (t *NeighborTable) Get(addr Address) *Neighbor {
	for i := range t.pool {
		var n = &t.pool[i]
		if n.inUse && n.Addr == addr {
			return n
		}
	}

	return nil
}

// GetTimeSource returns the neighbour flagged as the current time
// source, or nil if none is set.
func (t *NeighborTable) GetTimeSource() *Neighbor {
	for i := range t.pool {
		var n = &t.pool[i]
		if n.inUse && n.IsTimeSource {
			return n
		}
	}

	return nil
}

// UpdateTimeSource clears the old time-source flag (if any) and sets
// it on addr's neighbour, allocating the neighbour if needed. It
// returns true iff the time source actually changed, and requires the
// Lock since it mutates neighbour flags and possibly the pool.
func (t *NeighborTable) UpdateTimeSource(ctx context.Context, addr Address) (changed bool, err error) {
	if err := t.lock.Acquire(ctx); err != nil {
		return false, err
	}
	defer t.lock.Release()

	var n, allocErr = t.addLocked(addr)
	if allocErr != nil {
		return false, allocErr
	}

	if n.IsTimeSource {
		return false, nil
	}

	if old := t.GetTimeSource(); old != nil {
		old.IsTimeSource = false
	}

	n.IsTimeSource = true

	return true, nil
}

// Add returns the existing neighbour for addr, or allocates and
// returns a new one. Idempotent. Requires the Lock.
func (t *NeighborTable) Add(ctx context.Context, addr Address) (*Neighbor, error) {
	if err := t.lock.Acquire(ctx); err != nil {
		return nil, err
	}
	defer t.lock.Release()

	return t.addLocked(addr)
}

func (t *NeighborTable) addLocked(addr Address) (*Neighbor, error) {
	if n := t.Get(addr); n != nil {
		return n, nil
	}

	for i := range t.pool {
		var n = &t.pool[i]
		if n.inUse {
			continue
		}

		*n = Neighbor{Addr: addr, inUse: true, queue: newRing[Packet](t.queueDepth)}
		n.resetBackoff()

		return n, nil
	}

	return nil, ErrNoFreeNeighbor
}

// GC frees any non-virtual, non-time-source neighbour whose queue is
// empty and which has zero TX links, per spec.md §3's garbage
// collection invariant. Requires the Lock.
func (t *NeighborTable) GC(ctx context.Context) error {
	return t.lock.WithLock(ctx, func() error {
		for i := range t.pool {
			var n = &t.pool[i]
			if n == t.broadcast || n == t.eb || !n.inUse {
				continue
			}

			if n.IsTimeSource || n.txLinksCount > 0 {
				continue
			}

			if !n.queue.Empty() {
				continue
			}

			n.inUse = false
		}

		return nil
	})
}

// AddPacket enqueues a packet for addr. Matches spec.md §4.2: reserve a
// slot, fill it, then publish with a single atomic commit, so a
// concurrent interrupt-context read of the ring never observes a
// half-filled entry. Fails (without blocking) if the queue is full, if
// the lock is currently held by a cooperative mutator (so the
// neighbour pool may be in flux), or if the neighbour cannot be
// allocated.
func (t *NeighborTable) AddPacket(addr Address, buf []byte, cb SentCallback, arg any) error {
	if t.lock.IsHeld() {
		if t.Stats != nil {
			t.Stats.EnqueueFail.Add(1)
		}

		return ErrLockHeld
	}

	var n = t.Get(addr)
	if n == nil {
		var err error
		if n, err = t.Add(context.Background(), addr); err != nil {
			if t.Stats != nil {
				t.Stats.EnqueueFail.Add(1)
			}

			return err
		}
	}

	var idx, ok = n.queue.Reserve()
	if !ok {
		if t.Stats != nil {
			t.Stats.EnqueueFail.Add(1)
		}

		return ErrQueueFull
	}

	n.queue.buf[idx] = Packet{Buf: buf, Callback: cb, Arg: arg}
	n.queue.Commit()

	return nil
}

// GetPacketForNeighbor returns the head packet queued for n, or false
// if the queue is empty. If isSharedLink is true, it also returns
// false when CSMA backoff has not yet expired (n.backoffWindow > 0).
func (t *NeighborTable) GetPacketForNeighbor(n *Neighbor, isSharedLink bool) (*Packet, bool) {
	if isSharedLink && n.backoffWindow > 0 {
		return nil, false
	}

	return n.queue.Slot()
}

// GetUnicastPacketForAny implements spec.md §4.2's fallback for an
// otherwise-idle broadcast link: the first non-broadcast neighbour
// with zero TX links (spec.md §4.2 "zero tx_links_count") that has a
// packet ready.
func (t *NeighborTable) GetUnicastPacketForAny(isSharedLink bool) (*Neighbor, *Packet, bool) {
	for i := range t.pool {
		var n = &t.pool[i]
		if !n.inUse || n.IsBroadcast || n == t.eb {
			continue
		}

		if n.txLinksCount != 0 {
			continue
		}

		if p, ok := t.GetPacketForNeighbor(n, isSharedLink); ok {
			return n, p, true
		}
	}

	return nil, nil, false
}

// RemovePacketFromQueue consumes the head packet queued for n.
func (t *NeighborTable) RemovePacketFromQueue(n *Neighbor) {
	n.queue.Remove()
}

// onTxOutcome applies the post-TX CSMA policy from spec.md §4.2: reset
// backoff on a successful send; on a failed SHARED-link send, step the
// backoff forward regardless of whether the send emptied the queue.
// A failed dedicated-link send changes nothing unless it emptied the
// queue, in which case backoff is reset since there is nothing left
// to wait to retransmit.
func (t *NeighborTable) onTxOutcome(n *Neighbor, isSharedLink bool, result TxResult, rng *rand.Rand) {
	if result == TxOK {
		n.resetBackoff()
		return
	}

	if isSharedLink {
		n.onSharedTxFailure(rng)
		return
	}

	if n.queue.Empty() {
		n.resetBackoff()
	}
}

// DecrementSharedBackoff implements the once-per-matching-shared-slot
// window decrement from spec.md §4.2 and §4.4 step 5: for every
// neighbour whose address matches target (broadcast, for zero-tx-link
// neighbours, or their own dedicated destination) the window is
// decremented by one if nonzero.
func (t *NeighborTable) DecrementSharedBackoff(target Address) {
	for i := range t.pool {
		var n = &t.pool[i]
		if !n.inUse {
			continue
		}

		var matches = n.Addr == target || (target == BroadcastAddress && n.txLinksCount == 0)
		if !matches {
			continue
		}

		if n.backoffWindow > 0 {
			n.backoffWindow--
		}
	}
}

// BackoffState returns the current exponent and window, for tests and
// statistics.
func (n *Neighbor) BackoffState() (exponent uint8, window uint16) {
	return n.backoffExponent, n.backoffWindow
}

// incrementTxLinks and decrementTxLinks keep the per-neighbour link
// counters in sync with link add/remove, per spec.md §3's invariant.
// Called only by the schedule manager, under the Lock.
func (n *Neighbor) incrementTxLinks(shared bool) {
	n.txLinksCount++
	if !shared {
		n.dedicatedTxLinksCount++
	}
}

func (n *Neighbor) decrementTxLinks(shared bool) {
	n.txLinksCount--
	if !shared {
		n.dedicatedTxLinksCount--
	}
}
