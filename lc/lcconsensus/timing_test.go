package lcconsensus_test

import (
	"testing"

	"github.com/keel-engine/keel/lc/lcconsensus"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"
)

func TestDisputeThreshold_Schedule(t *testing.T) {
	t.Parallel()

	require.Equal(t, lcconsensus.AvInitConsensusPct, lcconsensus.DisputeThreshold(0))
	require.Equal(t, lcconsensus.AvInitConsensusPct, lcconsensus.DisputeThreshold(49))
	require.Equal(t, lcconsensus.AvMidConsensusPct, lcconsensus.DisputeThreshold(50))
	require.Equal(t, lcconsensus.AvMidConsensusPct, lcconsensus.DisputeThreshold(84))
	require.Equal(t, lcconsensus.AvLateConsensusPct, lcconsensus.DisputeThreshold(85))
	require.Equal(t, lcconsensus.AvLateConsensusPct, lcconsensus.DisputeThreshold(199))
	require.Equal(t, lcconsensus.AvStuckConsensusPct, lcconsensus.DisputeThreshold(200))
	require.Equal(t, lcconsensus.AvStuckConsensusPct, lcconsensus.DisputeThreshold(1000))
}

func TestNextCloseTimeResolution(t *testing.T) {
	t.Parallel()

	// Disagreement moves to a coarser resolution every ledger.
	require.Equal(t, uint32(60), lcconsensus.NextCloseTimeResolution(30, false, 7))

	// Already at the coarsest: stays.
	require.Equal(t, uint32(120), lcconsensus.NextCloseTimeResolution(120, false, 7))

	// Agreement only gets finer on the adjustment interval.
	require.Equal(t, uint32(30), lcconsensus.NextCloseTimeResolution(30, true, 7))
	require.Equal(t, uint32(20), lcconsensus.NextCloseTimeResolution(30, true, 8))

	// Already at the finest: stays.
	require.Equal(t, uint32(10), lcconsensus.NextCloseTimeResolution(10, true, 16))
}

func TestRoundCloseTime(t *testing.T) {
	t.Parallel()

	// Zero means "no opinion" and must stay zero.
	require.Equal(t, uint32(0), lcconsensus.RoundCloseTime(0, 30))

	require.Equal(t, uint32(90), lcconsensus.RoundCloseTime(100, 30))
	require.Equal(t, uint32(120), lcconsensus.RoundCloseTime(110, 30))
	require.Equal(t, uint32(100), lcconsensus.RoundCloseTime(104, 10))
	require.Equal(t, uint32(100), lcconsensus.RoundCloseTime(95, 10))
}

func TestParticipantsNeeded(t *testing.T) {
	t.Parallel()

	require.Equal(t, 4, lcconsensus.ParticipantsNeeded(6, 75))
	require.Equal(t, 1, lcconsensus.ParticipantsNeeded(1, 75))
	require.Equal(t, 8, lcconsensus.ParticipantsNeeded(10, 80))
}

func TestShouldCloseLedger(t *testing.T) {
	t.Parallel()

	log := slogt.New(t)
	idle := lcconsensus.LedgerIdleInterval

	t.Run("network moved on", func(t *testing.T) {
		// Most of the previous proposers have already closed.
		require.True(t, lcconsensus.ShouldCloseLedger(
			false, 10, 4, 2, 3000, 1000, 100, idle, log,
		))
	})

	t.Run("transactions after min close", func(t *testing.T) {
		require.True(t, lcconsensus.ShouldCloseLedger(
			true, 10, 0, 0, 3000, 1000, lcconsensus.LedgerMinClose.Milliseconds(), idle, log,
		))
	})

	t.Run("transactions before min close", func(t *testing.T) {
		require.False(t, lcconsensus.ShouldCloseLedger(
			true, 10, 0, 0, 3000, 1000, 100, idle, log,
		))
	})

	t.Run("idle with no transactions", func(t *testing.T) {
		require.False(t, lcconsensus.ShouldCloseLedger(
			false, 10, 0, 0, 3000, idle.Milliseconds()-1000, 100, idle, log,
		))
		require.True(t, lcconsensus.ShouldCloseLedger(
			false, 10, 0, 0, 3000, idle.Milliseconds(), 100, idle, log,
		))
	})

	t.Run("nonsense timing closes", func(t *testing.T) {
		require.True(t, lcconsensus.ShouldCloseLedger(
			false, 10, 0, 0, 20*60*1000, 1000, 100, idle, log,
		))
	})
}
