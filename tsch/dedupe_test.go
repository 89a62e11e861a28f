package tsch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupeCacheDetectsDuplicate(t *testing.T) {
	var c = NewDedupeCache(DefaultDedupeCacheSize)

	assert.False(t, c.CheckAndInsert(addr(1), 5))
	assert.True(t, c.CheckAndInsert(addr(1), 5))
	assert.False(t, c.CheckAndInsert(addr(1), 6), "different sequence number is not a duplicate")
	assert.False(t, c.CheckAndInsert(addr(2), 5), "different sender is not a duplicate")
}

func TestDedupeCacheEvictsOldestOnceFull(t *testing.T) {
	var c = NewDedupeCache(4)

	for i := byte(0); i < 4; i++ {
		assert.False(t, c.Seen(addr(1), i))
		c.Insert(addr(1), i)
	}

	// Capacity is rounded to a power of two and already 4; one more
	// insert evicts seqno 0.
	c.Insert(addr(1), 4)

	assert.False(t, c.Seen(addr(1), 0), "oldest entry should have been evicted")
	assert.True(t, c.Seen(addr(1), 4))
}
