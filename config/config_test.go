package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsch-go/tsch/tsch"
)

func TestDefaultParsesEmbeddedDocument(t *testing.T) {
	var spec, err = Default()
	require.NoError(t, err)
	require.Len(t, spec.Slotframes, 1)

	var sf = spec.Slotframes[0]
	assert.Equal(t, uint16(0), sf.Handle)
	assert.Equal(t, uint16(1), sf.Size)
	require.Len(t, sf.Links, 1)
	assert.Equal(t, uint16(0), sf.Links[0].Timeslot)
	assert.ElementsMatch(t, []string{"tx", "rx", "shared"}, sf.Links[0].Options)
}

func TestApplyInstallsSlotframesAndLinks(t *testing.T) {
	var lock = &tsch.Lock{}
	var neighbors = tsch.NewNeighborTable(lock, 8, 8)
	var sched = tsch.NewSchedule(lock, neighbors, 4, 32, true)
	var ctx = context.Background()

	var spec, err = Default()
	require.NoError(t, err)
	require.NoError(t, Apply(ctx, sched, spec))

	require.Len(t, sched.Slotframes(), 1)
	var link = sched.GetLinkFromASN(0)
	require.NotNil(t, link)
	assert.True(t, link.Options.Has(tsch.OptionTX))
	assert.True(t, link.Options.Has(tsch.OptionRX))
	assert.True(t, link.Options.Has(tsch.OptionShared))
	assert.Equal(t, tsch.LinkAdvertising, link.Type)
}

func TestParseAddressAcceptsHexAndBroadcast(t *testing.T) {
	var broadcast, err = parseAddress("broadcast")
	require.NoError(t, err)
	assert.Equal(t, tsch.BroadcastAddress, broadcast)

	var a, err2 = parseAddress("0001020304050607")
	require.NoError(t, err2)
	assert.Equal(t, tsch.Address{0, 1, 2, 3, 4, 5, 6, 7}, a)

	_, err3 := parseAddress("not-hex")
	assert.Error(t, err3)
}
