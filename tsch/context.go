package tsch

/*------------------------------------------------------------------
 *
 * Purpose:	The single MAC context object spec.md's design notes
 *		call for: ASN, associated flag, current link, drift
 *		state, lock, rings, and static pools live here, owned by
 *		one initialisation routine and shared by reference
 *		between the slot engine and cooperative code.
 *
 *------------------------------------------------------------------*/

import (
	"context"

	"github.com/tsch-go/tsch/internal/telemetry"
)

// Config bundles the configuration knobs from spec.md §6. Zero values
// are not valid for the numeric fields; use DefaultConfig as a base.
type Config struct {
	// Self is this device's own address, used by the RX path to
	// recognize unicast frames addressed to us (spec.md §4.4 RX step e).
	Self Address

	QueueCapacityPerNeighbor int
	MaxNeighbors             int
	MaxSlotframes            int
	MaxLinks                 int
	Hopping                  HoppingSequence
	DedupeCacheSize          int
	InputRingCapacity        int
	DequeuedRingCapacity     int

	Timing Timing

	CCAEnabled           bool
	MaxFrameRetries      int
	TxPrioritized        bool
	DesyncThresholdSlots uint32
}

// DefaultConfig returns the configuration knob defaults from spec.md
// §6: queue depth 8, 8 neighbour queues, 4 slotframes, the bundled
// placeholder hopping sequence, dedupe cache size 8.
func DefaultConfig() Config {
	return Config{
		QueueCapacityPerNeighbor: 8,
		MaxNeighbors:             8,
		MaxSlotframes:            4,
		MaxLinks:                 32,
		Hopping:                  DefaultHoppingSequence,
		DedupeCacheSize:          DefaultDedupeCacheSize,
		InputRingCapacity:        8,
		DequeuedRingCapacity:     8,
		Timing: Timing{
			TsTxOffset:     2120,
			TsLongGT:       600,
			TsShortGT:      220,
			TsTxAckDelay:   1000,
			TsSlotDuration: 10000,
			TsCCAOffset:    1800,
			TsCCA:          128,
			DelayTx:        0,
			DelayRx:        0,
			MinDelay:       50,
			// 32 ticks/byte: 8 bits at the 802.15.4 250kbps O-QPSK
			// PHY rate, ticks approximating microseconds.
			TxDurationPerByte: 32,
		},
		CCAEnabled:           true,
		MaxFrameRetries:      3,
		TxPrioritized:        true,
		DesyncThresholdSlots: 200,
	}
}

// Context is the MAC-wide object: everything the slot engine and
// cooperative code share by reference. It is assembled once at
// InitContext time; teardown is not supported, matching the original
// firmware (spec.md's design notes).
type Context struct {
	Config Config

	Logger telemetry.Logger

	Lock      *Lock
	Neighbors *NeighborTable
	Schedule  *Schedule
	IO        *IOPaths
	Engine    *Engine
	Assoc     *Associator
	Beacon    *BeaconScheduler
	Stats     *Stats
}

// InitContext assembles a Context from cfg and the external
// collaborators (radio, framer, clock). It is the one-shot
// initialisation routine spec.md's design notes describe: call it
// once at boot, not per association cycle. logger is shared by the
// engine, the associator, and the Context itself; pass nil to get a
// discarding logger.
func InitContext(cfg Config, radio Radio, framer Framer, clock Clock, logger telemetry.Logger) *Context {
	if logger == nil {
		logger = telemetry.Discard()
	}

	var lock = &Lock{}
	var neighbors = NewNeighborTable(lock, cfg.MaxNeighbors, cfg.QueueCapacityPerNeighbor)
	var sched = NewSchedule(lock, neighbors, cfg.MaxSlotframes, cfg.MaxLinks, cfg.TxPrioritized)
	var io = NewIOPaths(lock, cfg.InputRingCapacity, cfg.DequeuedRingCapacity, cfg.DedupeCacheSize)
	var stats = &Stats{}
	neighbors.Stats = stats

	var engine = NewEngine(lock, sched, neighbors, io, radio, framer, clock, cfg.Hopping, stats, cfg.Timing)
	engine.CCAEnabled = cfg.CCAEnabled
	engine.MaxFrameRetries = cfg.MaxFrameRetries
	engine.DesyncThresholdSlots = cfg.DesyncThresholdSlots
	engine.Self = cfg.Self
	engine.Logger = logger

	var assoc = NewAssociator(engine, neighbors, clock, cfg.Hopping)
	assoc.Logger = logger
	var beacon = NewBeaconScheduler(engine, neighbors)

	engine.OnDesync = func() {
		assoc.Engine.Associated = false
	}

	return &Context{
		Config:    cfg,
		Logger:    logger,
		Lock:      lock,
		Neighbors: neighbors,
		Schedule:  sched,
		IO:        io,
		Engine:    engine,
		Assoc:     assoc,
		Beacon:    beacon,
		Stats:     stats,
	}
}

// InstallDefaultSchedule installs "a minimal default schedule...
// provided as a convenience" (spec.md §1): one slotframe of size 1
// holding a single shared link at timeslot 0, channel offset 0, with
// the TX, RX and SHARED options and link type ADVERTISING so it can carry both
// beacons and ordinary broadcast/unicast traffic on a single-channel
// network.
func (c *Context) InstallDefaultSchedule(ctx context.Context) error {
	var sf, err = c.Schedule.AddSlotframe(ctx, 0, 1)
	if err != nil {
		return err
	}

	_, err = c.Schedule.AddLink(ctx, sf, OptionTX|OptionRX|OptionShared, LinkAdvertising, BroadcastAddress, 0, 0)

	return err
}
