package tsch

/*------------------------------------------------------------------
 *
 * Purpose:	The per-slot TX/RX state machine driven by the timer
 *		interrupt (spec.md §4.4): one atomic slot per firing,
 *		hopping to the scheduled channel, running a transmit or
 *		receive transaction, extracting drift from an enhanced
 *		ACK, and re-arming for the next active slot.
 *
 * Description:	spec.md's design notes describe the original firmware's
 *		sub-machines as resumable protothreads whose yield point
 *		is "program the next timer, return". Real hardware drives
 *		that gap with an actual interrupt; here the gap is
 *		Clock.SleepUntil, so each sub-machine is written as the
 *		short linear function the design notes call for, with an
 *		explicit state field (txState / rxState) kept only for
 *		observability -- tests and telemetry can see which phase
 *		a slot reached without needing a real suspended
 *		continuation to inspect.
 *
 *------------------------------------------------------------------*/

import (
	"context"
	"math/rand"

	"github.com/tsch-go/tsch/internal/telemetry"
)

// Clock is the per-platform high-resolution timer contract from
// spec.md §6, an external collaborator. Ticks are an implementation-
// defined hardware unit; Now wraps like any free-running counter, so
// callers compare with DeadlineMissed rather than plain "<=".
type Clock interface {
	Now() uint32
	SleepUntil(ctx context.Context, tick uint32) error
}

// Timing holds the per-platform slot timing constants from spec.md
// §4.1, all in Clock ticks.
type Timing struct {
	TsTxOffset     uint32
	TsLongGT       uint32
	TsShortGT      uint32
	TsTxAckDelay   uint32
	TsSlotDuration uint32
	TsCCAOffset    uint32
	TsCCA          uint32
	DelayTx        int32
	DelayRx        int32
	MinDelay       int32

	// TxDurationPerByte is the on-air time, in Clock ticks, to transmit
	// one frame byte -- spec.md §4.4 TX step f's tx_duration term.
	TxDurationPerByte uint32
}

// TxSubState names the phases of the TX sub-machine from spec.md's
// design notes.
type TxSubState int

const (
	TxPrepare TxSubState = iota
	TxWaitTx
	TxWaitAck
	TxDone
)

// RxSubState names the phases of the RX sub-machine from spec.md's
// design notes.
type RxSubState int

const (
	RxWaitStart RxSubState = iota
	RxReading
	RxAckWait
	RxDone
)

// NackPolicy lets an external policy hook decide whether an outgoing
// ACK should set the NACK bit, per spec.md §4.4 RX step e.
type NackPolicy func(attrs FrameAttributes) bool

// Engine is the slot state machine. One Engine drives one radio
// channel. It owns the fields spec.md §5 says only the slot engine
// may write: the current ASN, last_sync_asn, and current_link_start.
type Engine struct {
	Lock      *Lock
	Schedule  *Schedule
	Neighbors *NeighborTable
	IO        *IOPaths
	Radio     Radio
	Framer    Framer
	Clock     Clock
	Hopping   HoppingSequence
	Stats     *Stats

	// Self is the local device's own address, used to recognize a
	// unicast frame addressed to us (spec.md §4.4 RX step e,
	// "destination matches us"), as distinct from link.Dest, which
	// names the peer a link is configured to talk to.
	Self Address

	// Logger receives the §7 logged-and-continued error kinds
	// (DEADLINE_MISS at Warn, DESYNC at Error). Defaults to a
	// discarding logger; Context assembly
	// overrides it with the shared one.
	Logger telemetry.Logger

	Timing               Timing
	CCAEnabled           bool
	MaxFrameRetries      int
	DesyncThresholdSlots uint32
	Nack                 NackPolicy

	// JoinPriority is stamped into every transmitted EB's Sync-IE
	// (spec.md §4.4 TX step b). The Associator keeps it in sync with
	// its own join priority as it changes.
	JoinPriority uint8

	// OnDesync is called when ASN - lastSyncASN exceeds the
	// desynchronisation threshold (spec.md §4.4 step 7, §7 DESYNC);
	// it is expected to flip Associated false and kick off
	// re-association.
	OnDesync func()

	rng *rand.Rand

	asn              ASN
	lastSyncASN      ASN
	currentLinkStart uint32
	driftCorrection  int32

	seq uint8

	Associated  bool
	Coordinator bool

	lastTxState TxSubState
	lastRxState RxSubState
}

// NewEngine builds an Engine; call SeedASN before starting it for a
// joiner, or leave at zero for a coordinator.
func NewEngine(lock *Lock, sched *Schedule, neighbors *NeighborTable, io *IOPaths, radio Radio, framer Framer, clock Clock, hopping HoppingSequence, stats *Stats, timing Timing) *Engine {
	return &Engine{
		Lock:            lock,
		Schedule:        sched,
		Neighbors:       neighbors,
		IO:              io,
		Radio:           radio,
		Framer:          framer,
		Clock:           clock,
		Hopping:         hopping,
		Stats:           stats,
		Timing:          timing,
		MaxFrameRetries: 3,
		Logger:          telemetry.Discard(),
		rng:             rand.New(rand.NewSource(1)),
	}
}

// ASN returns the current Absolute Slot Number.
func (e *Engine) ASN() ASN { return e.asn }

// LastSyncASN returns the ASN at which drift was last successfully
// extracted from the time source.
func (e *Engine) LastSyncASN() ASN { return e.lastSyncASN }

// SeedASN sets the current ASN, used by association on join and by
// tests.
func (e *Engine) SeedASN(asn ASN) {
	e.asn = asn
	e.lastSyncASN = asn
}

// RunSlot performs exactly one atomic slot per spec.md §4.4. It
// returns the tick at which the next slot should fire; the caller
// (RunSlotEngine, or a test) is responsible for waiting until then and
// calling RunSlot again. now is the Clock tick at which this slot's
// timer fired.
func (e *Engine) RunSlot(ctx context.Context, now uint32) (nextFire uint32) {
	var link = e.Schedule.GetLinkFromASN(e.asn)

	if link == nil || e.Lock.Requested() {
		if e.Stats != nil {
			e.Stats.SlotsIdle.Add(1)
		}

		return e.rearm(ctx, now, 1)
	}

	e.Lock.EnterSlotOperation()
	defer e.Lock.LeaveSlotOperation()

	var channel = e.Hopping.Channel(e.asn, link.ChannelOffset)
	_ = e.Radio.SetChannel(ctx, channel)

	e.driftCorrection = 0

	var isSharedLink = link.Options.Has(OptionShared)
	var neighbor, packet, haveTx = e.packetForLink(link, isSharedLink)

	var advance uint16 = 1

	switch {
	case haveTx:
		if e.Stats != nil {
			e.Stats.SlotsTx.Add(1)
		}

		e.runTx(ctx, link, neighbor, packet, isSharedLink)
	case link.Options.Has(OptionRX):
		if e.Stats != nil {
			e.Stats.SlotsRx.Add(1)
		}

		e.runRx(ctx, link)
	default:
		if e.Stats != nil {
			e.Stats.SlotsIdle.Add(1)
		}
	}

	if isSharedLink {
		var target = link.Dest
		if neighbor != nil && neighbor.txLinksCount == 0 {
			target = BroadcastAddress
		}

		e.Neighbors.DecrementSharedBackoff(target)
	}

	return e.rearm(ctx, now, advance)
}

// packetForLink implements get_packet_and_neighbor_for_link from
// spec.md §4.4 step 2: the EB queue for an advertising link, else the
// link's own destination queue, else -- for an idle broadcast link --
// any non-broadcast neighbour with a ready packet.
func (e *Engine) packetForLink(link *Link, isSharedLink bool) (*Neighbor, *Packet, bool) {
	if link.Type == LinkAdvertising || link.Type == LinkAdvertisingOnly {
		var eb = e.Neighbors.EB()
		if p, ok := e.Neighbors.GetPacketForNeighbor(eb, isSharedLink); ok {
			return eb, p, true
		}

		return nil, nil, false
	}

	if !link.Options.Has(OptionTX) {
		return nil, nil, false
	}

	var n = link.Neighbor()
	if n == nil {
		n = e.Neighbors.Get(link.Dest)
	}

	if n != nil {
		if p, ok := e.Neighbors.GetPacketForNeighbor(n, isSharedLink); ok {
			return n, p, true
		}
	}

	if n != nil && n.IsBroadcast {
		if an, p, ok := e.Neighbors.GetUnicastPacketForAny(isSharedLink); ok {
			return an, p, true
		}
	}

	return nil, nil, false
}

// rearm implements spec.md §4.4 step 6: find the next active link,
// default to one slot if none exists, advance the ASN by the number of
// slots skipped, apply any drift correction accumulated this slot, and
// loop (by returning a tick already in the past, which the caller's
// loop detects via DeadlineMissed and retries immediately) if the
// computed deadline has already been missed.
func (e *Engine) rearm(ctx context.Context, now uint32, minAdvance uint16) uint32 {
	var advance = minAdvance

	if link, distance, ok := e.Schedule.GetNextActiveLink(e.asn); ok {
		e.Schedule.SetScheduledNext(link)
		advance = distance
	} else {
		e.Schedule.SetScheduledNext(nil)
	}

	e.asn = e.asn.Add(uint64(advance))

	var fire = e.currentLinkStart + uint32(advance)*e.Timing.TsSlotDuration
	fire = uint32(int64(fire) + int64(e.driftCorrection))
	e.driftCorrection = 0
	e.currentLinkStart = fire

	if DeadlineMissed(now, fire, 0, e.Timing.MinDelay) {
		if e.Stats != nil {
			e.Stats.DeadlineMiss.Add(1)
		}

		e.Logger.Warn("deadline miss", "asn", e.asn, "now", now, "fire", fire)
	}

	if e.Coordinator == false && e.DesyncThresholdSlots > 0 {
		var since = uint64(e.asn) - uint64(e.lastSyncASN)
		if since > uint64(e.DesyncThresholdSlots) {
			if e.Stats != nil {
				e.Stats.Desync.Add(1)
			}

			e.Logger.Error("desync", "asn", e.asn, "lastSyncASN", e.lastSyncASN, "thresholdSlots", e.DesyncThresholdSlots)

			e.Associated = false

			if e.OnDesync != nil {
				e.OnDesync()
			}
		}
	}

	return fire
}

// RunSlotEngine drives RunSlot forever (until ctx is done), sleeping
// until each computed deadline and immediately retrying without
// sleeping when a deadline has already passed -- the "loop to skip
// another slot" behaviour from spec.md §4.4 step 6.
func (e *Engine) RunSlotEngine(ctx context.Context) error {
	var fire = e.currentLinkStart

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var now = e.Clock.Now()

		if !DeadlineMissed(now, fire, 0, e.Timing.MinDelay) {
			if err := e.Clock.SleepUntil(ctx, fire); err != nil {
				return err
			}

			now = e.Clock.Now()
		}

		fire = e.RunSlot(ctx, now)
	}
}

// runTx implements the TX sub-machine from spec.md §4.4.
func (e *Engine) runTx(ctx context.Context, link *Link, neighbor *Neighbor, packet *Packet, isSharedLink bool) {
	e.lastTxState = TxPrepare

	if !e.IO.ReserveDequeuedSlot() {
		return
	}

	var attrs = FrameAttributes{
		Sender:      Address{}, // filled in by the Framer from device config
		Receiver:    link.Dest,
		Sequence:    e.nextSeq(),
		IsBroadcast: link.Dest == BroadcastAddress,
		ExpectAck:   link.Dest != BroadcastAddress,
	}

	if neighbor == e.Neighbors.EB() {
		// Stamp the Sync-IE with the current ASN at transmit time
		// (spec.md §4.4 TX step b, §6 "Enhanced Beacon wire format").
		_ = e.Framer.StampEB(packet.Buf, SyncIE{ASN: e.asn, JoinPrio: e.JoinPriority})
	}

	_ = e.Radio.Prepare(ctx, packet.Buf)

	if e.CCAEnabled {
		_ = e.Clock.SleepUntil(ctx, e.currentLinkStart+e.Timing.TsCCAOffset)

		if clear, err := e.Radio.ChannelClear(ctx); err != nil || !clear {
			e.finishTx(link, neighbor, packet, isSharedLink, TxCollision)
			return
		}
	}

	_ = e.Clock.SleepUntil(ctx, e.currentLinkStart+e.Timing.TsTxOffset-uint32(e.Timing.DelayTx))
	e.lastTxState = TxWaitTx

	var txStart = e.Clock.Now()

	if err := e.Radio.Transmit(ctx, len(packet.Buf)); err != nil {
		e.finishTx(link, neighbor, packet, isSharedLink, TxErr)
		return
	}

	if attrs.IsBroadcast {
		e.finishTx(link, neighbor, packet, isSharedLink, TxOK)
		return
	}

	e.lastTxState = TxWaitAck
	var txDuration = e.Timing.TxDurationPerByte * uint32(len(packet.Buf))
	var ackWindowStart = txStart + txDuration + e.Timing.TsTxAckDelay - e.Timing.TsShortGT - uint32(e.Timing.DelayRx)
	_ = e.Clock.SleepUntil(ctx, ackWindowStart)
	_ = e.Radio.On(ctx)

	var deadline = ackWindowStart + e.Timing.TsLongGT
	var ackBuf [64]byte
	var result = TxNoAck

	for e.Clock.Now() < deadline {
		if e.Radio.PendingPacket(ctx) {
			var n, _, err = e.Radio.Read(ctx, ackBuf[:])
			if err == nil {
				if sync, hasSync, ok := e.Framer.ParseAck(ackBuf[:n], attrs.Sequence); ok {
					result = TxOK

					if hasSync && neighbor != nil && neighbor == e.Neighbors.GetTimeSource() {
						e.applyDrift(sync.DriftTicks)
						e.lastSyncASN = e.asn
					}
				}
			}

			break
		}
	}

	_ = e.Radio.Off(ctx)
	e.lastTxState = TxDone

	e.finishTx(link, neighbor, packet, isSharedLink, result)
}

// applyDrift clamps a received drift value to ±TsLongGT/2 (spec.md §8
// "Drift clamping") and records it for the next rearm to apply.
func (e *Engine) applyDrift(ticks int32) {
	var bound = int32(e.Timing.TsLongGT / 2)
	if ticks > bound {
		ticks = bound
	} else if ticks < -bound {
		ticks = -bound
	}

	e.driftCorrection = ticks
}

// finishTx applies the post-TX CSMA policy, increments the retry
// counter, and -- on success or retry exhaustion -- removes the packet
// from its queue and publishes it to the dequeued ring for later
// callback, per spec.md §4.4 TX step h.
func (e *Engine) finishTx(link *Link, neighbor *Neighbor, packet *Packet, isSharedLink bool, result TxResult) {
	if e.Stats != nil {
		e.Stats.RecordTxResult(result)
	}

	if neighbor != nil {
		e.Neighbors.onTxOutcome(neighbor, isSharedLink, result, e.rng)
	}

	packet.Transmissions++
	packet.LastResult = result

	if result == TxOK || packet.Transmissions >= e.MaxFrameRetries+1 {
		var done = *packet

		if neighbor != nil {
			e.Neighbors.RemovePacketFromQueue(neighbor)
		}

		e.IO.PublishTxOutcome(done)
	}

	_ = link
}

// runRx implements the RX sub-machine from spec.md §4.4.
func (e *Engine) runRx(ctx context.Context, link *Link) {
	e.lastRxState = RxWaitStart

	var slot, haveSlot = e.IO.ReserveInputSlot()
	if !haveSlot {
		if e.Stats != nil {
			e.Stats.InputDropped.Add(1)
		}

		return
	}

	var onTime = e.currentLinkStart + e.Timing.TsTxOffset - e.Timing.TsLongGT - uint32(e.Timing.DelayRx)
	_ = e.Clock.SleepUntil(ctx, onTime)
	_ = e.Radio.On(ctx)

	var startDeadline = e.currentLinkStart + e.Timing.TsTxOffset + e.Timing.TsLongGT
	var started = false

	for e.Clock.Now() < startDeadline {
		if e.Radio.ReceivingPacket(ctx) {
			started = true
			break
		}
	}

	if !started {
		_ = e.Radio.Off(ctx)
		return
	}

	var rxStart = e.Clock.Now()
	e.lastRxState = RxReading

	var n, rssi, err = e.Radio.Read(ctx, slot.Payload[:])
	if err != nil {
		_ = e.Radio.Off(ctx)
		return
	}

	slot.Length = n
	slot.ASN = e.asn
	slot.RSSI = rssi
	e.IO.CommitInputSlot()

	var attrs FrameAttributes
	var payload, ok = e.Framer.Parse(slot.Payload[:n], &attrs)
	if !ok {
		_ = e.Radio.Off(ctx)
		return
	}

	var forUs = attrs.Receiver == BroadcastAddress || attrs.Receiver == e.Self
	if forUs && attrs.ExpectAck {
		e.lastRxState = RxAckWait

		var expectedRx = onTime + e.Timing.TsLongGT
		var sync = SyncIE{DriftTicks: int32(expectedRx) - int32(rxStart)}
		if e.Nack != nil {
			sync.Nack = e.Nack(attrs)
		}

		var ackBuf [64]byte
		var ackLen, ackErr = e.Framer.CreateAck(ackBuf[:], attrs, sync)
		if ackErr == nil {
			var rxEnd = e.Clock.Now()
			_ = e.Clock.SleepUntil(ctx, rxEnd+e.Timing.TsTxAckDelay-uint32(e.Timing.DelayTx))
			_ = e.Radio.Prepare(ctx, ackBuf[:ackLen])
			_ = e.Radio.Transmit(ctx, ackLen)
		}
	}

	if source := e.Neighbors.GetTimeSource(); source != nil && source.Addr == attrs.Sender {
		e.applyDrift(-(int32(e.currentLinkStart+e.Timing.TsTxOffset) - int32(rxStart)))
		e.lastSyncASN = e.asn
	}

	_ = e.Radio.Off(ctx)
	e.lastRxState = RxDone

	_ = payload
}

func (e *Engine) nextSeq() uint8 {
	e.seq++
	return e.seq
}
