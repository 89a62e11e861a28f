package tsch

/*------------------------------------------------------------------
 *
 * Purpose:	Slotframes and links: the ordered collection that
 *		answers "what must happen at ASN X?" (spec.md §4.3).
 *
 * Description: All mutation (add/remove slotframe, add/remove link)
 *		takes the global Lock; lookups (GetLinkFromASN,
 *		GetNextActiveLink) are allowed whenever the lock is not
 *		held and never block.
 *
 *------------------------------------------------------------------*/

import "context"

// LinkType distinguishes advertising (beacon) links from normal data
// links, per spec.md §3.
type LinkType int

const (
	LinkNormal LinkType = iota
	LinkAdvertising
	LinkAdvertisingOnly
)

// LinkOptions is a bitmask of a link's TX/RX/SHARED/TIME_KEEPING
// attributes, per spec.md §3.
type LinkOptions uint8

const (
	OptionTX LinkOptions = 1 << iota
	OptionRX
	OptionShared
	OptionTimeKeeping
)

func (o LinkOptions) Has(flag LinkOptions) bool { return o&flag != 0 }

// Link is one entry in a Slotframe, keyed by timeslot offset.
type Link struct {
	Handle        uint32
	Slotframe     uint16
	Timeslot      uint16
	ChannelOffset uint16
	Type          LinkType
	Options       LinkOptions
	Dest          Address
	UserData      any

	neighbor *Neighbor
}

// Neighbor returns the neighbour this link's TX option targets, or nil
// for a link with no destination neighbour allocated (RX-only links
// need none).
func (l *Link) Neighbor() *Neighbor { return l.neighbor }

// Slotframe is a repeating cycle of `Size` timeslots holding at most
// one Link per timeslot, per spec.md §3's invariant.
type Slotframe struct {
	Handle uint16
	div    Divisor

	// links indexed by timeslot; nil where no link is installed.
	links []*Link
}

// Size returns the slotframe's timeslot count.
func (sf *Slotframe) Size() uint16 { return sf.div.Size() }

// LinkAt returns the link installed at the given timeslot, or nil.
func (sf *Slotframe) LinkAt(timeslot uint16) *Link {
	if int(timeslot) >= len(sf.links) {
		return nil
	}

	return sf.links[timeslot]
}

// Schedule owns the ordered collection of slotframes and issues the
// per-ASN lookups the slot engine drives from.
type Schedule struct {
	lock *Lock

	neighbors *NeighborTable

	maxSlotframes int
	maxLinks      int

	slotframes []*Slotframe // ordered by handle ascending, for tie-break
	linkCount  int
	nextHandle uint32

	// txPrioritized controls the tie-break policy in GetLinkFromASN:
	// when true, a TX-option link wins ties over a lower slotframe
	// handle.
	txPrioritized bool

	// scheduledNext is the link the slot engine currently plans to
	// run next; RemoveLink clears it in place if it is the link being
	// removed, so the slot engine safely idles that slot instead of
	// dereferencing a removed link (spec.md §4.3).
	scheduledNext *Link
}

// NewSchedule builds an empty Schedule bounded to maxSlotframes
// slotframes and maxLinks links in total, fixed at construction per
// the "no dynamic allocation after initialisation" non-goal.
func NewSchedule(lock *Lock, neighbors *NeighborTable, maxSlotframes, maxLinks int, txPrioritized bool) *Schedule {
	return &Schedule{
		lock:          lock,
		neighbors:     neighbors,
		maxSlotframes: maxSlotframes,
		maxLinks:      maxLinks,
		txPrioritized: txPrioritized,
	}
}

// AddSlotframe installs a new, empty slotframe. Fails if handle is
// already in use or the slotframe pool is full.
func (s *Schedule) AddSlotframe(ctx context.Context, handle uint16, size uint16) (*Slotframe, error) {
	var sf *Slotframe
	var err = s.lock.WithLock(ctx, func() error {
		for _, existing := range s.slotframes {
			if existing.Handle == handle {
				return ErrSlotframeExists
			}
		}

		if len(s.slotframes) >= s.maxSlotframes {
			return ErrTooManySlotframes
		}

		sf = &Slotframe{Handle: handle, div: NewDivisor(size), links: make([]*Link, size)}
		s.insertSlotframeSorted(sf)

		return nil
	})

	return sf, err
}

func (s *Schedule) insertSlotframeSorted(sf *Slotframe) {
	var i = 0
	for i < len(s.slotframes) && s.slotframes[i].Handle < sf.Handle {
		i++
	}

	s.slotframes = append(s.slotframes, nil)
	copy(s.slotframes[i+1:], s.slotframes[i:])
	s.slotframes[i] = sf
}

// RemoveSlotframe removes every link in sf and then sf itself.
func (s *Schedule) RemoveSlotframe(ctx context.Context, sf *Slotframe) error {
	return s.lock.WithLock(ctx, func() error {
		for ts, l := range sf.links {
			if l != nil {
				s.removeLinkLocked(sf, l)
				sf.links[ts] = nil
			}
		}

		for i, existing := range s.slotframes {
			if existing == sf {
				s.slotframes = append(s.slotframes[:i], s.slotframes[i+1:]...)
				break
			}
		}

		return nil
	})
}

// AddLink installs a link at timeslot in sf, replacing any link
// already there (which is removed first, per spec.md §4.3). On the TX
// option, the destination neighbour's counters are incremented as
// described in spec.md §3; the neighbour is allocated if needed.
func (s *Schedule) AddLink(ctx context.Context, sf *Slotframe, options LinkOptions, typ LinkType, dest Address, timeslot, channelOffset uint16) (*Link, error) {
	var link *Link
	var err = s.lock.WithLock(ctx, func() error {
		if int(timeslot) >= len(sf.links) {
			return ErrNoSuchSlotframe
		}

		if existing := sf.links[timeslot]; existing != nil {
			s.removeLinkLocked(sf, existing)
		}

		if s.linkCount >= s.maxLinks {
			return ErrTooManyLinks
		}

		s.nextHandle++
		link = &Link{
			Handle:        s.nextHandle,
			Slotframe:     sf.Handle,
			Timeslot:      timeslot,
			ChannelOffset: channelOffset,
			Type:          typ,
			Options:       options,
			Dest:          dest,
		}

		if options.Has(OptionTX) {
			var n, nerr = s.neighbors.addLocked(dest)
			if nerr != nil {
				return nerr
			}

			n.incrementTxLinks(options.Has(OptionShared))
			link.neighbor = n
		}

		sf.links[timeslot] = link
		s.linkCount++

		return nil
	})

	return link, err
}

// RemoveLink removes l from its slotframe, decrementing neighbour
// counters symmetrically with AddLink, and clears scheduledNext if l
// was the link the slot engine had planned to run next.
func (s *Schedule) RemoveLink(ctx context.Context, sf *Slotframe, l *Link) error {
	return s.lock.WithLock(ctx, func() error {
		if sf.links[l.Timeslot] != l {
			return nil
		}

		s.removeLinkLocked(sf, l)
		sf.links[l.Timeslot] = nil

		return nil
	})
}

func (s *Schedule) removeLinkLocked(sf *Slotframe, l *Link) {
	if l.neighbor != nil {
		l.neighbor.decrementTxLinks(l.Options.Has(OptionShared))
	}

	if s.scheduledNext == l {
		s.scheduledNext = nil
	}

	s.linkCount--
}

// ScheduledNext returns the link the slot engine most recently chose
// to run next, or nil.
func (s *Schedule) ScheduledNext() *Link { return s.scheduledNext }

// SetScheduledNext records the link the slot engine has chosen for its
// upcoming wakeup, called by the slot engine itself each time it
// re-arms.
func (s *Schedule) SetScheduledNext(l *Link) { s.scheduledNext = l }

// GetLinkFromASN finds the link that fires at the given ASN across all
// slotframes, applying the tie-break policy from spec.md §4.3: when
// multiple slotframes have a link at this absolute slot, prefer a
// TX-option link if TX-prioritisation is enabled, otherwise the link
// belonging to the lowest-handled slotframe (s.slotframes is kept
// handle-sorted, so the first match already satisfies that). Returns
// nil if no slotframe has a link at this slot, or if the lock is held
// by a cooperative mutator.
func (s *Schedule) GetLinkFromASN(asn ASN) *Link {
	if s.lock.IsHeld() {
		return nil
	}

	var best *Link

	for _, sf := range s.slotframes {
		var ts = sf.div.Mod(asn)
		var l = sf.links[ts]
		if l == nil {
			continue
		}

		if best == nil {
			best = l
			if !s.txPrioritized {
				break
			}

			continue
		}

		if s.txPrioritized && l.Options.Has(OptionTX) && !best.Options.Has(OptionTX) {
			best = l
		}
	}

	return best
}

// GetNextActiveLink scans every slotframe for the link with the
// smallest forward distance from asn, per spec.md §4.3: distance is
// (l.Timeslot - asn mod sf.Size) mod sf.Size, with a result of 0
// meaning the full cycle length (i.e. "next time this timeslot comes
// around", not "right now", since asn's own slot was already handled
// by the caller). It returns the link and the distance in timeslots,
// or ok=false if no slotframe has any link at all.
func (s *Schedule) GetNextActiveLink(asn ASN) (link *Link, distance uint16, ok bool) {
	var bestDistance uint16
	var found bool

	for _, sf := range s.slotframes {
		for _, l := range sf.links {
			if l == nil {
				continue
			}

			var cur = sf.div.Mod(asn)
			var size = sf.Size()
			var d = (l.Timeslot + size - cur) % size
			if d == 0 {
				d = size
			}

			if !found || d < bestDistance {
				found = true
				bestDistance = d
				link = l
			}
		}
	}

	return link, bestDistance, found
}

// Slotframes returns the handle-sorted slotframe list. Callers must
// not mutate the returned slice or its elements outside the Lock.
func (s *Schedule) Slotframes() []*Slotframe { return s.slotframes }
