package tsch

/*------------------------------------------------------------------
 *
 * Purpose:	Input-packet ring and dequeued-packet ring, and the
 *		deferred-events drain that runs them down outside
 *		interrupt context (spec.md §3, §4.7).
 *
 * Description:	Both rings are filled by the slot engine (the producer,
 *		standing in for interrupt context) and drained by
 *		cooperative code (the consumer). Decoupling completion
 *		from callback/delivery lets the slot engine stay on its
 *		microsecond budget: it never calls a sent-callback or the
 *		upper-layer input function directly.
 *
 *------------------------------------------------------------------*/

import "context"

// InputPacketCapacity bounds the payload buffer embedded in every
// InputPacket slot; the pool is fixed-size per spec.md §5.
const InputPacketCapacity = 127

// InputPacket is one entry in the input ring, per spec.md §3.
type InputPacket struct {
	Payload [InputPacketCapacity]byte
	Length  int
	ASN     ASN
	RSSI    int8
}

// dequeuedKind distinguishes a successful/failed transmission
// completion from an input drop. Only transmission completions are
// published to the dequeued ring; input drops are counted by
// ReserveInputSlot and Stats.InputDropped instead.
type dequeuedKind int

const (
	dequeuedTx dequeuedKind = iota
	dequeuedInputDropped
)

// DequeuedEntry is one entry in the dequeued ring: a packet that has
// left the TX queue (successfully sent or permanently failed) and is
// awaiting its sent-callback, per spec.md §3.
type DequeuedEntry struct {
	kind   dequeuedKind
	packet Packet
}

// IOPaths owns the input ring, the dequeued ring, and the upward data
// and EB delivery that the deferred-events process performs, per
// spec.md §4.7. It does not correct the ASN itself; EBs go to OnEB.
type IOPaths struct {
	lock *Lock

	input    *ring[InputPacket]
	dequeued *ring[DequeuedEntry]

	dedupe *DedupeCache

	inputDrops int

	// DeliverData is called for a non-duplicate, non-EB input frame,
	// handing it to the upper layer. Set by the Context owner.
	DeliverData func(payload []byte, p InputPacket)

	// OnEB is called for a non-duplicate EB input frame, letting the
	// owner observe EBs flowing through the input ring without a
	// separate ring of its own. Nil drops EBs.
	OnEB func(p InputPacket, payload []byte)
}

// NewIOPaths builds input/dequeued rings of the given capacities.
func NewIOPaths(lock *Lock, inputCapacity, dequeuedCapacity, dedupeCapacity int) *IOPaths {
	return &IOPaths{
		lock:     lock,
		input:    newRing[InputPacket](inputCapacity),
		dequeued: newRing[DequeuedEntry](dequeuedCapacity),
		dedupe:   NewDedupeCache(dedupeCapacity),
	}
}

// ReserveInputSlot reserves a slot in the input ring for the RX
// sub-machine to fill, or reports ok=false when full (spec.md §4.4 RX step a,
// §7 INPUT_QUEUE_FULL). On full, the caller increments its own drop
// counter and skips the slot; IOPaths additionally tracks it here so
// DroppedInputs is meaningful without plumbing it through the slot
// engine too.
func (io *IOPaths) ReserveInputSlot() (slot *InputPacket, ok bool) {
	slot, ok = io.input.ReserveSlot()
	if !ok {
		io.inputDrops++
	}

	return slot, ok
}

// CommitInputSlot publishes the slot most recently returned by
// ReserveInputSlot.
func (io *IOPaths) CommitInputSlot() { io.input.Commit() }

// DroppedInputs returns the running INPUT_QUEUE_FULL drop count.
func (io *IOPaths) DroppedInputs() int { return io.inputDrops }

// PublishTxOutcome reserves a dequeued-ring slot and publishes p's
// final outcome for later callback dispatch, per spec.md §4.4 TX
// step h. ok is false if the dequeued ring is full, in which case the
// slot engine aborts the TX sub-machine for this slot per §4.4 TX
// step a.
func (io *IOPaths) PublishTxOutcome(p Packet) (ok bool) {
	var slot, reserved = io.dequeued.ReserveSlot()
	if !reserved {
		return false
	}

	*slot = DequeuedEntry{kind: dequeuedTx, packet: p}
	io.dequeued.Commit()

	return true
}

// ReserveDequeuedSlot reserves a dequeued-ring slot ahead of running a
// TX sub-machine, per spec.md §4.4 TX step a: the slot engine must
// know a slot is available before it starts the transaction, not only
// after, or it could transmit a packet it then has nowhere to report
// the outcome of.
func (io *IOPaths) ReserveDequeuedSlot() (ok bool) {
	var _, reserved = io.dequeued.ReserveSlot()
	return reserved
}

// Deferred runs one pass of the deferred-events process described in
// spec.md §4.7: drain the dequeued ring (invoking sent-callbacks and
// garbage-collecting neighbours), then drain the input ring (parsing
// each entry, dropping duplicates, and delivering data to DeliverData
// or an EB to OnEB). It does not check whether an EB came from the
// time source and does not correct the ASN. It is cooperative code, not interrupt
// context, and therefore may take the Lock when GC needs it.
func (io *IOPaths) Deferred(ctx context.Context, neighbors *NeighborTable, parse func(InputPacket) (payload []byte, isEB bool, sender Address, seqno uint8)) {
	for !io.dequeued.Empty() {
		var slot, _ = io.dequeued.Slot()
		var entry = *slot
		io.dequeued.Remove()

		if entry.kind == dequeuedTx && entry.packet.Callback != nil {
			entry.packet.Callback(entry.packet.LastResult, entry.packet.Transmissions, entry.packet.Arg)
		}
	}

	_ = neighbors.GC(ctx)

	for !io.input.Empty() {
		var slot, _ = io.input.Slot()
		var p = *slot
		io.input.Remove()

		var payload, isEB, sender, seqno = parse(p)
		if payload == nil {
			continue
		}

		if io.dedupe.CheckAndInsert(sender, seqno) {
			continue
		}

		if isEB {
			if io.OnEB != nil {
				io.OnEB(p, payload)
			}

			continue
		}

		if io.DeliverData != nil {
			io.DeliverData(payload, p)
		}
	}
}
