package lcengine

import (
	"context"

	"github.com/keel-engine/keel/lc/lcarbiter"
)

// strategy is how a round variant declares agreement.
// Both implementations operate on the round under its lock;
// they are selected at construction and never change mid-round.
type strategy interface {
	// updateOurPositions runs once per establish tick after the
	// minimum consensus time.
	updateOurPositions(ctx context.Context, r *Round)

	// haveConsensus reports whether the round has converged.
	haveConsensus(ctx context.Context, r *Round) bool
}

// avalancheStrategy is the built-in threshold-driven rule:
// disputed votes flip as thresholds rise, and convergence requires a
// supermajority on our exact position plus close-time agreement.
type avalancheStrategy struct{}

func (avalancheStrategy) updateOurPositions(ctx context.Context, r *Round) {
	r.updateOurPositionsAvalanche(ctx)
}

func (avalancheStrategy) haveConsensus(_ context.Context, r *Round) bool {
	return r.haveConsensusAvalanche()
}

// arbiterStrategy short-circuits agreement through the external arbiter:
// first writer wins, later publishers adopt the stored position.
// Close-time agreement is not separately negotiated.
type arbiterStrategy struct {
	arbiter lcarbiter.Arbiter
	system  string
}

func (arbiterStrategy) updateOurPositions(_ context.Context, r *Round) {
	// The published record carries the close time; nothing to negotiate.
	r.haveCloseTimeConsensus = true
}

func (s arbiterStrategy) haveConsensus(ctx context.Context, r *Round) bool {
	key := lcarbiter.RoundKey{
		System: s.system,
		Seq:    r.prevLedger.Seq() + 1,
	}
	pos := lcarbiter.Position{
		TxSet:      r.ourPosition.TxSet(),
		PrevLedger: r.prevLedgerID,
		CloseTime:  r.ourPosition.CloseTime(),
	}

	out := s.arbiter.Publish(ctx, key, pos)

	switch out.Status {
	case lcarbiter.StatusAgreed:
		r.consensusFail = false
		return true

	case lcarbiter.StatusExists:
		return r.adoptArbiterPosition(ctx, out.Stored)

	case lcarbiter.StatusError:
		// Backend unusable this round: accept without validating.
		r.log.Warn("Arbiter failed, marking consensus failed")
		r.consensusFail = true
		return true

	default:
		return false
	}
}

// adoptArbiterPosition moves our position onto the record another node
// published, provided it extends our prior ledger and we hold its set.
func (r *Round) adoptArbiterPosition(_ context.Context, stored lcarbiter.Position) bool {
	if stored.PrevLedger != r.prevLedgerID {
		// The network closed a different prior ledger: we are stale.
		// The view check will resolve it; do not accept meanwhile.
		r.log.Warn(
			"Previous ledger hash mismatch in arbiter record",
			"ours", r.prevLedgerID.String(),
			"published", stored.PrevLedger.String(),
		)
		r.consensusFail = true
		return false
	}

	changes := false

	if stored.TxSet != r.ourPosition.TxSet() {
		r.log.Info(
			"Adopting published position",
			"ours", r.ourPosition.TxSet().String(),
			"published", stored.TxSet.String(),
		)
		if set := r.getTransactionTree(stored.TxSet, true); set == nil {
			r.log.Warn("Published transaction set not acquired yet")
			return false
		}
		changes = true
	}

	if stored.CloseTime != r.ourPosition.CloseTime() {
		changes = true
	}

	if changes && !r.ourPosition.ChangePosition(stored.TxSet, stored.CloseTime) {
		r.log.Warn("Failed to change position to published record")
		return false
	}

	r.consensusFail = false
	return true
}
