package tsch

/*------------------------------------------------------------------
 *
 * Purpose:	Network association: listen for Enhanced Beacons, adopt
 *		a time source, align the local ASN clock (spec.md §4.5).
 *
 *------------------------------------------------------------------*/

import (
	"context"
	"math/rand"
	"time"

	"github.com/tsch-go/tsch/internal/telemetry"
)

// MaxJoinPriority bounds the join priority a joiner will accept from
// an EB, per spec.md §4.5 and §6.
const MaxJoinPriority = 0xfe

// Associator drives the pre-association listen loop. It shares the
// Engine's Schedule/Neighbors/Radio so that adopting a time source and
// seeding the ASN take effect directly on the Engine that will run the
// slot schedule once associated.
type Associator struct {
	Engine    *Engine
	Neighbors *NeighborTable
	Clock     Clock
	Hopping   HoppingSequence

	BaseChannelOffset uint16
	ListenPeriod      time.Duration
	ListenWindow      time.Duration

	// ASNSkewThreshold, if nonzero, rejects an EB whose encoded ASN
	// diverges from a wall-clock estimate of elapsed slots by more
	// than this many minutes' worth of slots, per spec.md §4.5 step 3.
	ASNSkewThreshold time.Duration
	SlotDuration     time.Duration

	JoinPriority uint8

	// Logger receives association/link lifecycle events at Info and
	// EB_JP_TOO_HIGH rejections at Error. Defaults to a discarding
	// logger; Context assembly overrides it with the shared one.
	Logger telemetry.Logger

	rng *rand.Rand
}

// NewAssociator builds an Associator with the §4.5 default ~10ms
// listen period.
func NewAssociator(engine *Engine, neighbors *NeighborTable, clock Clock, hopping HoppingSequence) *Associator {
	return &Associator{
		Engine:       engine,
		Neighbors:    neighbors,
		Clock:        clock,
		Hopping:      hopping,
		ListenPeriod: 10 * time.Millisecond,
		ListenWindow: time.Second,
		Logger:       telemetry.Discard(),
		rng:          rand.New(rand.NewSource(2)),
	}
}

// BecomeCoordinator implements spec.md §4.5's coordinator branch:
// associated immediately, join priority 0, ASN 0.
func (a *Associator) BecomeCoordinator() {
	a.Engine.Coordinator = true
	a.Engine.Associated = true
	a.JoinPriority = 0
	a.Engine.JoinPriority = 0
	a.Engine.SeedASN(0)

	a.Logger.Info("became coordinator", "joinPriority", a.JoinPriority)
}

// ReceivedEB is what the RX path (or a test) hands to ProcessEB: the
// decoded fields of an Enhanced Beacon, per spec.md §6.
type ReceivedEB struct {
	Sender          Address
	ASN             ASN
	JoinPriority    uint8
	ReceiveTimeTick uint32
}

// ProcessEB implements spec.md §4.5 steps 3-4: optionally reject an EB
// whose ASN diverges too far from our wall-clock estimate, then, if
// its join priority is acceptable, adopt the sender as time source,
// align our ASN, and associate. It returns false (EB_JP_TOO_HIGH, per
// spec.md §7) without associating if the join priority is unacceptable.
func (a *Associator) ProcessEB(ctx context.Context, eb ReceivedEB, wallClockEstimate ASN) (joined bool, err error) {
	if a.ASNSkewThreshold > 0 && a.SlotDuration > 0 {
		var allowedSlots = ASN(a.ASNSkewThreshold / a.SlotDuration)
		var diff = diffASN(eb.ASN, wallClockEstimate)
		if diff > allowedSlots {
			return false, nil
		}
	}

	if eb.JoinPriority >= MaxJoinPriority {
		if a.Engine.Stats != nil {
			a.Engine.Stats.EBJoinTooHigh.Add(1)
		}

		a.Logger.Error("EB join priority too high", "sender", eb.Sender, "joinPriority", eb.JoinPriority)
		return false, nil
	}

	if _, err := a.Neighbors.UpdateTimeSource(ctx, eb.Sender); err != nil {
		return false, err
	}

	a.Engine.SeedASN(eb.ASN)
	a.JoinPriority = eb.JoinPriority + 1
	a.Engine.JoinPriority = a.JoinPriority
	a.Engine.currentLinkStart = eb.ReceiveTimeTick - a.Engine.Timing.TsTxOffset
	a.Engine.Associated = true

	a.Logger.Info("associated", "timeSource", eb.Sender, "asn", eb.ASN, "joinPriority", a.JoinPriority)

	return true, nil
}

func diffASN(a, b ASN) ASN {
	if a > b {
		return a - b
	}

	return b - a
}

// ListenChannel computes the pseudo-random channel to listen on for
// one iteration of the association loop, per spec.md §4.5 step 1: a
// channel derived from ASN, a base offset, and wall-clock seconds.
func (a *Associator) ListenChannel(now time.Time) uint8 {
	var offset = uint16(a.BaseChannelOffset) + uint16(now.Unix())
	return a.Hopping.Channel(a.Engine.asn, offset)
}
