package tsch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSchedule(t *testing.T, txPrioritized bool) (*Schedule, *NeighborTable, *Lock) {
	t.Helper()

	var lock = &Lock{}
	var neighbors = NewNeighborTable(lock, 8, 8)
	var sched = NewSchedule(lock, neighbors, 4, 32, txPrioritized)

	return sched, neighbors, lock
}

func TestAddSlotframeRejectsDuplicateHandle(t *testing.T) {
	var sched, _, _ = newTestSchedule(t, true)
	var ctx = context.Background()

	var _, err = sched.AddSlotframe(ctx, 20, 5)
	require.NoError(t, err)

	_, err = sched.AddSlotframe(ctx, 20, 7)
	assert.ErrorIs(t, err, ErrSlotframeExists)
}

func TestAddLinkReplacesExistingAtTimeslot(t *testing.T) {
	var sched, neighbors, _ = newTestSchedule(t, true)
	var ctx = context.Background()

	var sf, err = sched.AddSlotframe(ctx, 20, 5)
	require.NoError(t, err)

	var l1, err1 = sched.AddLink(ctx, sf, OptionTX, LinkNormal, addr(1), 1, 0)
	require.NoError(t, err1)

	var l2, err2 = sched.AddLink(ctx, sf, OptionTX, LinkNormal, addr(2), 1, 0)
	require.NoError(t, err2)

	assert.Same(t, l2, sf.LinkAt(1))
	assert.NotSame(t, l1, l2)
	assert.Equal(t, 0, neighbors.Get(addr(1)).TxLinksCount(), "replaced link's destination counter must be decremented")
	assert.Equal(t, 1, neighbors.Get(addr(2)).TxLinksCount())
}

func TestLinkCountersRoundTrip(t *testing.T) {
	// spec.md §8 round-trip law: add-link then remove-link restores
	// neighbor counters and empty-queue GC eligibility.
	var sched, neighbors, _ = newTestSchedule(t, true)
	var ctx = context.Background()

	var sf, err = sched.AddSlotframe(ctx, 20, 5)
	require.NoError(t, err)

	var l, err2 = sched.AddLink(ctx, sf, OptionTX, LinkNormal, addr(1), 1, 0)
	require.NoError(t, err2)

	var n = neighbors.Get(addr(1))
	require.NotNil(t, n)
	assert.Equal(t, 1, n.TxLinksCount())
	assert.Equal(t, 1, n.DedicatedTxLinksCount())

	require.NoError(t, sched.RemoveLink(ctx, sf, l))

	assert.Equal(t, 0, n.TxLinksCount())
	assert.Equal(t, 0, n.DedicatedTxLinksCount())

	require.NoError(t, neighbors.GC(ctx))
	assert.Nil(t, neighbors.Get(addr(1)))
}

func TestSharedLinkDoesNotCountAsDedicated(t *testing.T) {
	var sched, neighbors, _ = newTestSchedule(t, true)
	var ctx = context.Background()

	var sf, err = sched.AddSlotframe(ctx, 20, 5)
	require.NoError(t, err)

	_, err = sched.AddLink(ctx, sf, OptionTX|OptionShared, LinkNormal, addr(1), 0, 0)
	require.NoError(t, err)

	var n = neighbors.Get(addr(1))
	assert.Equal(t, 1, n.TxLinksCount())
	assert.Equal(t, 0, n.DedicatedTxLinksCount())
}

func TestRemoveLinkClearsScheduledNext(t *testing.T) {
	var sched, _, _ = newTestSchedule(t, true)
	var ctx = context.Background()

	var sf, err = sched.AddSlotframe(ctx, 20, 5)
	require.NoError(t, err)

	var l, err2 = sched.AddLink(ctx, sf, OptionRX, LinkNormal, BroadcastAddress, 0, 0)
	require.NoError(t, err2)

	sched.SetScheduledNext(l)
	require.NoError(t, sched.RemoveLink(ctx, sf, l))

	assert.Nil(t, sched.ScheduledNext(), "removing the scheduled-next link must clear the pointer so the slot engine idles safely")
}

func TestTieBreakPrefersTXWhenPrioritized(t *testing.T) {
	// spec.md §8 scenario 5: two slotframes, handles 20 and 21, both
	// size 5, each with a link at timeslot 0. TX-bearing link wins
	// regardless of handle when prioritised.
	var sched, _, _ = newTestSchedule(t, true)
	var ctx = context.Background()

	var sf20, err = sched.AddSlotframe(ctx, 20, 5)
	require.NoError(t, err)
	var sf21, err2 = sched.AddSlotframe(ctx, 21, 5)
	require.NoError(t, err2)

	var _, errRx = sched.AddLink(ctx, sf20, OptionRX, LinkNormal, BroadcastAddress, 0, 0)
	require.NoError(t, errRx)
	var txLink, errTx = sched.AddLink(ctx, sf21, OptionTX, LinkNormal, addr(9), 0, 0)
	require.NoError(t, errTx)

	assert.Same(t, txLink, sched.GetLinkFromASN(0))
}

func TestTieBreakPrefersLowestHandleWhenNotPrioritized(t *testing.T) {
	var sched, _, _ = newTestSchedule(t, false)
	var ctx = context.Background()

	var sf20, err = sched.AddSlotframe(ctx, 20, 5)
	require.NoError(t, err)
	var sf21, err2 = sched.AddSlotframe(ctx, 21, 5)
	require.NoError(t, err2)

	var lowLink, errRx = sched.AddLink(ctx, sf20, OptionRX, LinkNormal, BroadcastAddress, 0, 0)
	require.NoError(t, errRx)
	var _, errTx = sched.AddLink(ctx, sf21, OptionTX, LinkNormal, addr(9), 0, 0)
	require.NoError(t, errTx)

	assert.Same(t, lowLink, sched.GetLinkFromASN(0))
}

func TestGetLinkFromASNReturnsNilWhenNoneScheduled(t *testing.T) {
	var sched, _, _ = newTestSchedule(t, true)
	var ctx = context.Background()

	var sf, err = sched.AddSlotframe(ctx, 20, 5)
	require.NoError(t, err)
	_, err = sched.AddLink(ctx, sf, OptionRX, LinkNormal, BroadcastAddress, 1, 0)
	require.NoError(t, err)

	assert.Nil(t, sched.GetLinkFromASN(0))
	assert.NotNil(t, sched.GetLinkFromASN(1))
}

func TestGetNextActiveLinkFindsSmallestForwardDistance(t *testing.T) {
	var sched, _, _ = newTestSchedule(t, true)
	var ctx = context.Background()

	var sf, err = sched.AddSlotframe(ctx, 20, 5)
	require.NoError(t, err)

	var near, errNear = sched.AddLink(ctx, sf, OptionRX, LinkNormal, BroadcastAddress, 2, 0)
	require.NoError(t, errNear)
	var _, errFar = sched.AddLink(ctx, sf, OptionRX, LinkNormal, BroadcastAddress, 4, 0)
	require.NoError(t, errFar)

	var link, distance, ok = sched.GetNextActiveLink(0)
	require.True(t, ok)
	assert.Same(t, near, link)
	assert.Equal(t, uint16(2), distance)
}

func TestGetNextActiveLinkWrapsFullCycle(t *testing.T) {
	var sched, _, _ = newTestSchedule(t, true)
	var ctx = context.Background()

	var sf, err = sched.AddSlotframe(ctx, 20, 5)
	require.NoError(t, err)

	var l, errL = sched.AddLink(ctx, sf, OptionRX, LinkNormal, BroadcastAddress, 3, 0)
	require.NoError(t, errL)

	// asn mod size == 3, the link's own timeslot: distance must be the
	// full cycle length, not zero.
	var link, distance, ok = sched.GetNextActiveLink(3)
	require.True(t, ok)
	assert.Same(t, l, link)
	assert.Equal(t, uint16(5), distance)
}

func TestGetLinkFromASNUnavailableWhileLockHeld(t *testing.T) {
	var sched, _, lock = newTestSchedule(t, true)
	var ctx = context.Background()

	var sf, err = sched.AddSlotframe(ctx, 20, 5)
	require.NoError(t, err)
	_, err = sched.AddLink(ctx, sf, OptionRX, LinkNormal, BroadcastAddress, 0, 0)
	require.NoError(t, err)

	require.NoError(t, lock.Acquire(ctx))
	defer lock.Release()

	assert.Nil(t, sched.GetLinkFromASN(0), "lookups must report unavailable rather than block while the lock is held")
}
