package tsch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestDivisorMod(t *testing.T) {
	var cases = []uint16{1, 2, 3, 5, 7, 16, 17, 100, 1009}

	for _, size := range cases {
		var d = NewDivisor(size)

		for asn := ASN(0); asn < ASN(size)*3+7; asn++ {
			require.Equal(t, uint16(uint64(asn)%uint64(size)), d.Mod(asn), "size=%d asn=%d", size, asn)
		}
	}
}

func TestDivisorModProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		var size = rapid.Uint16Range(1, 60000).Draw(rt, "size")
		var asn = ASN(rapid.Uint64Range(0, 1<<40).Draw(rt, "asn"))

		var d = NewDivisor(size)
		assert.Equal(rt, uint16(uint64(asn)%uint64(size)), d.Mod(asn))
	})
}

func TestASNAddWraps(t *testing.T) {
	var asn = ASN(asnMask)
	assert.Equal(t, ASN(0), asn.Add(1))
}

func TestHoppingSequenceEnumeratesInOrder(t *testing.T) {
	// spec.md §8 scenario 6: for ASN 0..L-1 with channel_offset 0, the
	// selected channels enumerate the hopping sequence in order.
	var hs = HoppingSequence{11, 14, 18, 22, 25}

	for i := 0; i < len(hs); i++ {
		assert.Equal(t, hs[i], hs.Channel(ASN(i), 0))
	}

	// And it wraps for ASN >= L.
	assert.Equal(t, hs[0], hs.Channel(ASN(len(hs)), 0))
}

func TestHoppingSequenceChannelOffset(t *testing.T) {
	var hs = HoppingSequence{11, 14, 18, 22, 25}
	assert.Equal(t, hs[2], hs.Channel(ASN(0), 2))
	assert.Equal(t, hs[0], hs.Channel(ASN(3), 2))
}

func TestDeadlineMissed(t *testing.T) {
	// target clearly in the future: not missed.
	assert.False(t, DeadlineMissed(100, 100, 1000, 0))

	// target clearly in the past: missed.
	assert.True(t, DeadlineMissed(2000, 100, 1000, 0))

	// wrap-around: target wraps past zero and now has already passed it.
	var now uint32 = 20
	var reference uint32 = 0xFFFFFFF0
	assert.True(t, DeadlineMissed(now, reference, 0x20, 0))

	// same wrapped target, but now hasn't reached it yet.
	assert.False(t, DeadlineMissed(5, reference, 0x20, 0))
}
