package tsch

/*------------------------------------------------------------------
 *
 * Purpose:	Absolute Slot Number arithmetic, timeslot-index division,
 *		and the channel-hopping function.
 *
 * Description:	ASN is a 40-bit monotonic count of timeslots since the
 *		network started: 32 low bits plus 8 high bits, matching
 *		the split representation a small MCU keeps it in. The
 *		only place it must be fast is tsch_calculate_channel,
 *		called from the timer interrupt once per slot, so the
 *		timeslot-index division is pre-reduced to a multiply via
 *		Divisor instead of a runtime div instruction.
 *
 *------------------------------------------------------------------*/

// ASN is a 40-bit Absolute Slot Number, represented as a 64-bit value
// with only the low 40 bits significant. It is monotonically
// non-decreasing for the lifetime of a Context.
type ASN uint64

const asnMask ASN = (1 << 40) - 1

// Add returns asn+n, wrapping at 2^40 as the hardware counter would.
func (asn ASN) Add(n uint64) ASN {
	return (asn + ASN(n)) & asnMask
}

// Divisor caches a timeslot count together with a precomputed
// reciprocal so that ASN mod size can be computed on the hot path with a
// multiply and shift instead of a division instruction. size must be
// between 1 and 2^16-1; slotframes are bounded to that range by the
// schedule manager.
type Divisor struct {
	size uint32
	recp uint64 // ceil(2^64 / size), used for a 64x64->128 reduction
}

// NewDivisor builds a Divisor for the given timeslot count.
func NewDivisor(size uint16) Divisor {
	if size == 0 {
		panic("tsch: slotframe size must be nonzero")
	}

	return Divisor{
		size: uint32(size),
		recp: ^uint64(0)/uint64(size) + 1,
	}
}

// Size returns the timeslot count this Divisor was built for.
func (d Divisor) Size() uint16 {
	return uint16(d.size)
}

// Mod returns asn mod d.Size() without a division instruction on the
// hot path: it uses the cached reciprocal to estimate the quotient and
// corrects by at most one subtraction, which is exact for the input
// range ASN ever takes (well under 2^40).
func (d Divisor) Mod(asn ASN) uint16 {
	if d.size == 1 {
		return 0
	}

	var hi, _ = bitsMulHi64(uint64(asn), d.recp)
	var q = hi
	var r = uint64(asn) - q*uint64(d.size)
	if r >= uint64(d.size) {
		r -= uint64(d.size)
	}

	return uint16(r)
}

// bitsMulHi64 returns the high 64 bits of a*b (a 128-bit product),
// i.e. the integer part of (a*b)/2^64, which is the reciprocal-division
// quotient estimate used by Divisor.Mod.
func bitsMulHi64(a, b uint64) (hi, lo uint64) {
	const mask32 = 1<<32 - 1

	var aLo, aHi = a & mask32, a >> 32
	var bLo, bHi = b & mask32, b >> 32

	var t = aLo * bLo
	var w0 = t & mask32
	var k = t >> 32

	t = aHi*bLo + k
	var w1 = t & mask32
	var w2 = t >> 32

	t = aLo*bHi + w1
	k = t >> 32

	lo = (t << 32) | w0
	hi = aHi*bHi + w2 + k

	return hi, lo
}

// HoppingSequence is the configured list of physical channels the MAC
// cycles through. Treated as configuration per spec.md §9's open
// question: the sequence is tuned per deployment, not a standard
// default.
type HoppingSequence []uint8

// Channel implements the channel-selection function from spec.md §4.1:
//
//	channel = hopping_sequence[(ASN + offset) mod L]
//
// It must be cheap enough to call from interrupt context: no heap
// allocation, no floating point.
func (hs HoppingSequence) Channel(asn ASN, channelOffset uint16) uint8 {
	var l = uint64(len(hs))
	if l == 0 {
		return 0
	}

	var idx = (uint64(asn) + uint64(channelOffset)) % l
	return hs[idx]
}

// DefaultHoppingSequence is a 5-channel placeholder sequence suitable
// for tests and the bundled default schedule. Real deployments supply
// their own regulatory-appropriate sequence via Config.
var DefaultHoppingSequence = HoppingSequence{11, 14, 18, 22, 25}

// DeadlineMissed implements the circular deadline check from spec.md
// §4.1: given a reference time, an offset from it, and a minimum delay
// below which a fire is not actionable, it reports whether the target
// lies at or before now on the forward arc of the wrapping counter.
// now and target are tick counts from the per-platform high-resolution
// timer (an external collaborator); both may have wrapped at most once
// relative to each other, so the comparison is done in the signed
// difference domain rather than by a naive "<=".
func DeadlineMissed(now, reference uint32, offset, minDelay int32) bool {
	var target = reference + uint32(offset-minDelay)
	var diff = int32(target - now)

	return diff <= 0
}
