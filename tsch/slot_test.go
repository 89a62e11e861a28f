package tsch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a deterministic stand-in for the per-platform
// high-resolution timer: SleepUntil jumps straight to the requested
// tick, and Now auto-advances by one tick per call so that the
// engine's busy-wait loops (which poll Clock.Now() against a fixed
// deadline) terminate without a real clock or goroutine scheduling.
type fakeClock struct {
	now uint32
}

func (c *fakeClock) Now() uint32 {
	var v = c.now
	c.now++
	return v
}

func (c *fakeClock) SleepUntil(_ context.Context, tick uint32) error {
	if tick > c.now {
		c.now = tick
	}

	return nil
}

type fakeRadio struct {
	ccaClear   bool
	pending    bool
	receiving  bool
	ackBuf     []byte
	transmits  int
	lastPrep   []byte
	lastLength int
}

func (r *fakeRadio) SetChannel(context.Context, uint8) error { return nil }
func (r *fakeRadio) On(context.Context) error                { return nil }
func (r *fakeRadio) Off(context.Context) error               { return nil }

func (r *fakeRadio) Prepare(_ context.Context, buf []byte) error {
	r.lastPrep = buf
	return nil
}

func (r *fakeRadio) Transmit(_ context.Context, length int) error {
	r.transmits++
	r.lastLength = length
	return nil
}

func (r *fakeRadio) ReceivingPacket(context.Context) bool { return r.receiving }
func (r *fakeRadio) PendingPacket(context.Context) bool   { return r.pending }

func (r *fakeRadio) Read(_ context.Context, dest []byte) (int, int8, error) {
	return copy(dest, r.ackBuf), 0, nil
}

func (r *fakeRadio) ChannelClear(context.Context) (bool, error) { return r.ccaClear, nil }

type fakeFramer struct {
	ackOK   bool
	sync    SyncIE
	hasSync bool

	parseReceiver  Address
	parseExpectAck bool

	acksCreated int
}

func (f *fakeFramer) Parse(raw []byte, attrs *FrameAttributes) ([]byte, bool) {
	attrs.Receiver = f.parseReceiver
	attrs.ExpectAck = f.parseExpectAck

	return raw, true
}

func (f *fakeFramer) Create(dst []byte, attrs FrameAttributes, payload []byte) (int, error) {
	return copy(dst, payload), nil
}

func (f *fakeFramer) CreateAck(dst []byte, attrs FrameAttributes, sync SyncIE) (int, error) {
	f.acksCreated++
	return 0, nil
}

func (f *fakeFramer) ParseAck(raw []byte, expectedSeq uint8) (SyncIE, bool, bool) {
	return f.sync, f.hasSync, f.ackOK
}

func (f *fakeFramer) StampEB(buf []byte, sync SyncIE) bool {
	return true
}

func newTestEngine(t *testing.T, radio *fakeRadio, framer *fakeFramer) (*Engine, *Schedule, *NeighborTable, *IOPaths) {
	t.Helper()

	var lock = &Lock{}
	var neighbors = NewNeighborTable(lock, 8, 8)
	var sched = NewSchedule(lock, neighbors, 4, 32, true)
	var io = NewIOPaths(lock, 8, 8, 8)
	var stats = &Stats{}
	var clock = &fakeClock{}
	var timing = DefaultConfig().Timing

	var engine = NewEngine(lock, sched, neighbors, io, radio, framer, clock, DefaultHoppingSequence, stats, timing)
	engine.CCAEnabled = false
	engine.MaxFrameRetries = 3

	return engine, sched, neighbors, io
}

// TestDedicatedUnicastRetriesThenDrops is spec.md §8 scenario 2: a
// dedicated TX link that never gets an ACK retries up to
// MAC_MAX_FRAME_RETRIES+1 times and then drops with TX_NOACK.
func TestDedicatedUnicastRetriesThenDrops(t *testing.T) {
	var radio = &fakeRadio{ccaClear: true, pending: false}
	var framer = &fakeFramer{ackOK: false}
	var engine, sched, neighbors, io = newTestEngine(t, radio, framer)
	var ctx = context.Background()

	var sf, err = sched.AddSlotframe(ctx, 20, 5)
	require.NoError(t, err)

	_, err = sched.AddLink(ctx, sf, OptionTX, LinkNormal, addr(5), 1, 0)
	require.NoError(t, err)

	var results []TxResult
	var transmissions int

	require.NoError(t, neighbors.AddPacket(addr(5), []byte("hi"), func(result TxResult, n int, arg any) {
		results = append(results, result)
		transmissions = n
	}, nil))

	var fire = uint32(0)
	for i := 0; i < 30 && len(results) == 0; i++ {
		fire = engine.RunSlot(ctx, fire)
		io.Deferred(ctx, neighbors, func(InputPacket) ([]byte, bool, Address, uint8) { return nil, false, Address{}, 0 })
	}

	require.Len(t, results, 1)
	assert.Equal(t, TxNoAck, results[0])
	assert.Equal(t, engine.MaxFrameRetries+1, transmissions)
	assert.Equal(t, 0, neighbors.Get(addr(5)).QueueLen())
}

// TestDedicatedUnicastSucceedsOnAck covers the companion success path:
// a valid enhanced ACK ends the retry loop immediately with TX_OK and
// a single transmission.
func TestDedicatedUnicastSucceedsOnAck(t *testing.T) {
	var radio = &fakeRadio{ccaClear: true, pending: true, ackBuf: []byte{0xAA}}
	var framer = &fakeFramer{ackOK: true}
	var engine, sched, neighbors, io = newTestEngine(t, radio, framer)
	var ctx = context.Background()

	var sf, err = sched.AddSlotframe(ctx, 20, 5)
	require.NoError(t, err)

	_, err = sched.AddLink(ctx, sf, OptionTX, LinkNormal, addr(5), 1, 0)
	require.NoError(t, err)

	var results []TxResult
	var transmissions int

	require.NoError(t, neighbors.AddPacket(addr(5), []byte("hi"), func(result TxResult, n int, arg any) {
		results = append(results, result)
		transmissions = n
	}, nil))

	var fire = uint32(0)
	for i := 0; i < 10 && len(results) == 0; i++ {
		fire = engine.RunSlot(ctx, fire)
		io.Deferred(ctx, neighbors, func(InputPacket) ([]byte, bool, Address, uint8) { return nil, false, Address{}, 0 })
	}

	require.Len(t, results, 1)
	assert.Equal(t, TxOK, results[0])
	assert.Equal(t, 1, transmissions)
}

// TestAppliedDriftIsClamped is spec.md §8's drift clamping boundary
// behaviour: a received drift beyond ±TsLongGT/2 is clamped to exactly
// that bound.
func TestAppliedDriftIsClamped(t *testing.T) {
	var radio = &fakeRadio{}
	var framer = &fakeFramer{}
	var engine, _, _, _ = newTestEngine(t, radio, framer)

	var bound = int32(engine.Timing.TsLongGT / 2)

	engine.applyDrift(bound + 1000)
	assert.Equal(t, bound, engine.driftCorrection)

	engine.applyDrift(-(bound + 1000))
	assert.Equal(t, -bound, engine.driftCorrection)

	engine.applyDrift(bound - 1)
	assert.Equal(t, bound-1, engine.driftCorrection)
}

// TestSlotEngineIdlesWhenLockRequested covers spec.md §4.4 step 1: a
// slot with a requested lock is skipped even if a link exists there.
func TestSlotEngineIdlesWhenLockRequested(t *testing.T) {
	var radio = &fakeRadio{ccaClear: true}
	var framer = &fakeFramer{ackOK: true}
	var engine, sched, _, _ = newTestEngine(t, radio, framer)
	var ctx = context.Background()

	var sf, err = sched.AddSlotframe(ctx, 1, 1)
	require.NoError(t, err)
	_, err = sched.AddLink(ctx, sf, OptionRX, LinkNormal, BroadcastAddress, 0, 0)
	require.NoError(t, err)

	engine.Lock.requested.Store(true)
	engine.RunSlot(ctx, 0)

	assert.Equal(t, uint64(1), engine.Stats.Snapshot().SlotsIdle)
}

// TestRxAcksUnicastAddressedToSelfNotLinkPeer covers spec.md §4.4 RX
// step e's "destination matches us": a dedicated RX link's Dest names
// the peer the link listens to, not this device's own address, so a
// unicast frame must be ACKed when it is addressed to Engine.Self, even
// though that never equals link.Dest.
func TestRxAcksUnicastAddressedToSelfNotLinkPeer(t *testing.T) {
	var self = addr(9)
	var peer = addr(5)

	var radio = &fakeRadio{receiving: true, ackBuf: []byte("frame")}
	var framer = &fakeFramer{parseReceiver: self, parseExpectAck: true}
	var engine, sched, _, _ = newTestEngine(t, radio, framer)
	engine.Self = self

	var ctx = context.Background()

	var sf, err = sched.AddSlotframe(ctx, 1, 1)
	require.NoError(t, err)
	_, err = sched.AddLink(ctx, sf, OptionRX, LinkNormal, peer, 0, 0)
	require.NoError(t, err)

	engine.RunSlot(ctx, 0)

	assert.Equal(t, 1, framer.acksCreated)
}
