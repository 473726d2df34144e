package lcconsensus

import (
	"log/slog"
	"time"
)

// Protocol timing constants.
// Durations that feed percentage math are expressed in milliseconds.
const (
	// LedgerIdleInterval is how long the network may sit with no
	// transactions before closing an empty ledger anyway.
	LedgerIdleInterval = 15 * time.Second

	// LedgerMinClose is the minimum time a ledger stays open
	// once it has transactions.
	LedgerMinClose = 2 * time.Second

	// LedgerMinConsensus is the minimum time spent in the establish
	// state before convergence may be declared,
	// giving late initial proposals a chance to arrive.
	LedgerMinConsensus = 1950 * time.Millisecond

	// FlagLedgerInterval: ledgers whose sequence is divisible by this
	// carry fee-voting and amendment-voting pseudo-transactions.
	FlagLedgerInterval = 256
)

// Avalanche schedule: the yes-fraction required to keep voting yes on a
// disputed transaction rises as the round runs long, measured as a
// percentage of the previous round's converge time.
const (
	AvInitConsensusPct  = 50
	AvMidConsensusPct   = 65
	AvLateConsensusPct  = 70
	AvStuckConsensusPct = 95

	AvMidConsensusTime   = 50
	AvLateConsensusTime  = 85
	AvStuckConsensusTime = 200

	// AvMinConsensusPct is the share of proposers that must hold our
	// exact position for the avalanche rule to declare convergence.
	AvMinConsensusPct = 80

	// AvCtConsensusPct is the share of proposers whose close-time votes
	// must land in one bucket for close-time agreement.
	AvCtConsensusPct = 75
)

// DisputeThreshold returns the yes-percentage a disputed transaction
// needs at the given close percent (elapsed round time relative to the
// previous round's converge time).
func DisputeThreshold(closePercent int) int {
	switch {
	case closePercent < AvMidConsensusTime:
		return AvInitConsensusPct
	case closePercent < AvLateConsensusTime:
		return AvMidConsensusPct
	case closePercent < AvStuckConsensusTime:
		return AvLateConsensusPct
	default:
		return AvStuckConsensusPct
	}
}

// CloseTimeResolutions are the allowed close-time granularities, in
// ascending order. The resolution adapts between rounds: one step finer
// on every increaseResolutionEvery-th ledger whose predecessor agreed on
// its close time, one step coarser after any ledger that did not.
var CloseTimeResolutions = []uint32{10, 20, 30, 60, 90, 120}

const (
	DefaultCloseTimeResolution uint32 = 30

	increaseResolutionEvery = 8
	decreaseResolutionEvery = 1
)

// NextCloseTimeResolution computes the close-time resolution for the
// ledger at seq, given the previous ledger's resolution and whether its
// close time was agreed.
func NextCloseTimeResolution(prevResolution uint32, prevAgree bool, seq uint32) uint32 {
	i := 0
	for j, r := range CloseTimeResolutions {
		if r == prevResolution {
			i = j
			break
		}
	}

	if !prevAgree && seq%decreaseResolutionEvery == 0 {
		// Disagreement: get coarser.
		if i < len(CloseTimeResolutions)-1 {
			i++
		}
	} else if prevAgree && seq%increaseResolutionEvery == 0 {
		// Sustained agreement: get finer.
		if i > 0 {
			i--
		}
	}

	return CloseTimeResolutions[i]
}

// RoundCloseTime rounds a close time to the given resolution.
// A zero close time stays zero: it means "no opinion".
func RoundCloseTime(closeTime, resolution uint32) uint32 {
	if closeTime == 0 {
		return 0
	}
	return ((closeTime + resolution/2) / resolution) * resolution
}

// ShouldCloseLedger decides whether the open ledger should close now and
// consensus should begin on its contents.
//
// sinceCloseMS may be negative if our clock is behind the previous
// ledger's close time.
func ShouldCloseLedger(
	anyTransactions bool,
	prevProposers, proposersClosed, proposersValidated int,
	prevRoundMS, sinceCloseMS, openMS int64,
	idleInterval time.Duration,
	log *slog.Logger,
) bool {
	if prevRoundMS < -1000 || prevRoundMS > 10*60*1000 || sinceCloseMS > 10*60*1000 {
		// The previous round duration or our clock is nonsensical;
		// close and let the next round resynchronize.
		log.Warn(
			"Unexpected ledger timing, closing",
			"prev_round_ms", prevRoundMS,
			"since_close_ms", sinceCloseMS,
		)
		return true
	}

	if proposersClosed+proposersValidated > prevProposers/2 {
		// The network has moved on; close to catch up.
		log.Debug(
			"Closing because network has moved on",
			"closed", proposersClosed,
			"validated", proposersValidated,
			"prev_proposers", prevProposers,
		)
		return true
	}

	if !anyTransactions {
		return sinceCloseMS >= idleInterval.Milliseconds()
	}

	if openMS < LedgerMinClose.Milliseconds() && sinceCloseMS < idleInterval.Milliseconds() {
		// Give transactions a chance to accumulate, unless the idle
		// interval has already passed.
		return false
	}

	return true
}

// ParticipantsNeeded returns how many of participants must agree to
// reach percent: participants*percent/100, with percent/2 added to the
// product before dividing (so 6 at 75% needs 4, and 3 at 50% needs 1).
func ParticipantsNeeded(participants, percent int) int {
	return (participants*percent + percent/2) / 100
}
