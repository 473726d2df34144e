package lcengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keel-engine/keel/lc/lcconsensus"
)

// acceptInput snapshots everything the acceptance job needs,
// so the job never touches round state until it commits.
type acceptInput struct {
	set *lcconsensus.TxSet

	ourCloseTime uint32 // from our position; 0 = agreed to disagree
	closedAt     uint32 // the close time we recorded when closing

	closeResolution uint32

	prevLedger     *lcconsensus.Ledger
	haveCorrectLCL bool
	proposing      bool
	validating     bool
	consensusFail  bool

	replay *Replay

	// Disputed transactions we voted NO on; first crack at the next
	// open ledger.
	noVotes []lcconsensus.Tx

	closeTimes map[uint32]int

	proposers int
	currentMS int64
}

// acceptInputLocked snapshots the round for acceptance.
// Caller must hold r.mu.
func (r *Round) acceptInputLocked() (acceptInput, error) {
	set := r.acquired[r.ourPosition.TxSet()]
	if set == nil {
		return acceptInput{}, errors.New("we don't have a consensus set")
	}

	in := acceptInput{
		set: set,

		ourCloseTime: r.ourPosition.CloseTime(),
		closedAt:     r.closeTime,

		closeResolution: r.closeResolution,

		prevLedger:     r.prevLedger,
		haveCorrectLCL: r.haveCorrectLCL,
		proposing:      r.proposing,
		validating:     r.validating,
		consensusFail:  r.consensusFail,

		replay: r.cfg.Replay,

		closeTimes: make(map[uint32]int, len(r.closeTimes)),

		proposers: len(r.peerPositions),
		currentMS: r.currentMS,
	}

	for ct, count := range r.closeTimes {
		in.closeTimes[ct] = count
	}

	for _, d := range r.disputes {
		if !d.ourVote {
			in.noVotes = append(in.noVotes, d.tx)
		}
	}

	return in, nil
}

// beginAccept dispatches the acceptance job.
// Caller must hold r.mu.
func (r *Round) beginAccept(ctx context.Context) {
	in, err := r.acceptInputLocked()
	if err != nil {
		r.log.Error("Cannot begin accept", "err", err)
		r.fault(ctx, err)
		return
	}

	// Our settled position is available to peers rebuilding later.
	if !in.set.ID().IsZero() {
		r.consensus.TakePosition(r.prevLedger.Seq(), in.set)
	}

	r.consensus.NewLCL(len(r.peerPositions), r.currentMS)

	r.cfg.Jobs.Go("acceptLedger", func() {
		r.accept(ctx, in)
	})
}

// accept builds, applies, and publishes the new closed ledger.
// It runs on the job goroutine and only takes the round lock to commit.
func (r *Round) accept(ctx context.Context, in acceptInput) {
	closeTime := in.ourCloseTime
	var closeTimeCorrect bool

	switch {
	case in.replay != nil:
		// Replaying a ledger close: use the recorded time.
		closeTime = in.replay.CloseTime
		closeTimeCorrect = in.replay.CloseAgree

	case closeTime == 0:
		// We agreed to disagree on the close time.
		closeTime = in.prevLedger.CloseTime() + 1
		closeTimeCorrect = false

	default:
		// We agreed on a close time.
		closeTime = effectiveCloseTime(closeTime, in.closeResolution, in.prevLedger)
		closeTimeCorrect = true
	}

	r.log.Debug(
		"Accept report",
		"proposing", in.proposing,
		"validating", in.validating,
		"correct_lcl", in.haveCorrectLCL,
		"fail", in.consensusFail,
		"prev", in.prevLedger.ID().String(),
		"prev_seq", in.prevLedger.Seq(),
		"txset", in.set.ID().String(),
		"ct", closeTime,
		"ct_correct", closeTimeCorrect,
	)

	b := lcconsensus.NewLedgerBuilder(in.prevLedger, in.set.ID())

	// retriable collects transactions that made it into the consensus
	// set but failed during application.
	var retriable []lcconsensus.Tx

	applyOne := func(tx lcconsensus.Tx) error {
		res, fee, err := r.cfg.Applier.Apply(ctx, b, tx)
		if err != nil {
			return err
		}
		switch res {
		case ApplySuccess:
			b.Record(tx, fee)
		case ApplyRetry:
			retriable = append(retriable, tx)
		}
		return nil
	}

	r.log.Debug("Applying consensus set transactions to the last closed ledger")

	var applyErr error
	if in.replay != nil {
		for _, tx := range in.replay.Txs {
			if applyErr = applyOne(tx); applyErr != nil {
				break
			}
		}
	} else {
		for _, tx := range in.set.Canonical() {
			if applyErr = applyOne(tx); applyErr != nil {
				break
			}
		}
	}
	if applyErr != nil {
		r.log.Error("Failed applying consensus set", "err", applyErr)
		r.mu.Lock()
		r.fault(ctx, fmt.Errorf("applying consensus set: %w", applyErr))
		r.mu.Unlock()
		return
	}

	flushed := b.Flush()
	r.log.Debug("Flushed dirty nodes", "count", flushed)

	newLedger := b.Seal(closeTime, in.closeResolution, closeTimeCorrect)

	if err := r.cfg.Ledgers.SaveLedger(ctx, newLedger); err != nil {
		r.log.Error("Failed to store built ledger", "err", err)
		r.mu.Lock()
		r.fault(ctx, fmt.Errorf("storing built ledger: %w", err))
		r.mu.Unlock()
		return
	}

	r.log.Debug(
		"Consensus built ledger",
		"id", newLedger.ID().String(),
		"seq", newLedger.Seq(),
	)

	// Tell directly connected peers that we have a new LCL.
	r.broadcastStatus(ctx, lcconsensus.EventAcceptedLedger, newLedger, in.haveCorrectLCL)

	if in.validating && in.haveCorrectLCL && !in.consensusFail {
		r.emitValidation(ctx, newLedger, in.proposing)
	} else {
		r.log.Info("Built new ledger without validating", "id", newLedger.ID().String())
	}

	// Disputed transactions we voted NO on get first crack at the new
	// open ledger: they are the most likely to receive agreement next
	// round, and they order logically sooner than unseen transactions.
	retriable = append(retriable, in.noVotes...)

	r.cfg.OpenLedger.Accept(newLedger, r.cfg.LocalTxs.TxSet(), retriable)

	if in.validating {
		r.nudgeCloseTime(in)
	}

	r.mu.Lock()
	if r.ended {
		// The round was abandoned while we were applying;
		// the result is discarded.
		r.mu.Unlock()
		r.log.Info("Discarding accept result for abandoned round")
		return
	}
	r.newLedger = newLedger
	r.state = StateAccepted
	r.mu.Unlock()

	r.cfg.Metrics.RoundAccepted(float64(in.currentMS) / 1000)
}

// effectiveCloseTime rounds an agreed close time to the resolution,
// clamped to strictly after the previous close.
func effectiveCloseTime(closeTime, resolution uint32, prev *lcconsensus.Ledger) uint32 {
	if closeTime == 0 {
		return 0
	}
	return max(
		lcconsensus.RoundCloseTime(closeTime, resolution),
		prev.CloseTime()+1,
	)
}

// emitValidation signs and broadcasts a validation for the new ledger.
func (r *Round) emitValidation(ctx context.Context, newLedger *lcconsensus.Ledger, full bool) {
	v := lcconsensus.Validation{
		LedgerID: newLedger.ID(),
		Seq:      newLedger.Seq(),
		SignTime: lcconsensus.NetworkSeconds(r.cfg.TimeKeeper.Now()),
		Full:     full,
	}
	r.addLoad(&v)

	if newLedger.IsFlag() {
		// Suggest fee changes and new features.
		if r.cfg.FeeVoter != nil {
			r.cfg.FeeVoter.DoValidation(newLedger, &v)
		}
		if r.cfg.AmendmentVoter != nil {
			r.cfg.AmendmentVoter.DoValidation(newLedger, &v)
		}
	}

	signed, err := lcconsensus.SignValidation(ctx, r.cfg.Signer, v)
	if err != nil {
		r.log.Warn("Failed to sign validation", "err", err)
		return
	}

	// Suppress the message by its transport hash so our own broadcast
	// is not re-relayed when it echoes back.
	r.cfg.Router.Suppress(signed.TransportHash())

	r.cfg.Validations.AddValidation(signed, "local")
	r.consensus.SetLastValidation(signed)
	r.cfg.Overlay.BroadcastValidation(signed)

	r.log.Info("Validated ledger", "id", newLedger.ID().String())
}

// nudgeCloseTime compares our close time with the votes peers reported
// and moves our clock toward the network's.
func (r *Round) nudgeCloseTime(in acceptInput) {
	r.log.Info("We closed at", "ct", in.closedAt)

	closeTotal := uint64(in.closedAt)
	closeCount := 1

	for ct, count := range in.closeTimes {
		r.log.Info("Close time votes", "ct", ct, "votes", count)
		closeCount += count
		closeTotal += uint64(ct) * uint64(count)
	}

	closeTotal += uint64(closeCount / 2)
	closeTotal /= uint64(closeCount)

	offset := int64(closeTotal) - int64(in.closedAt)
	r.log.Info("Close time offset estimated", "offset", offset, "count", closeCount)

	r.cfg.TimeKeeper.AdjustCloseTime(time.Duration(offset) * time.Second)
}

// broadcastStatus is the unlocked variant of statusChange for the
// acceptance job.
func (r *Round) broadcastStatus(ctx context.Context, event lcconsensus.NodeEvent, ledger *lcconsensus.Ledger, haveCorrectLCL bool) {
	if !haveCorrectLCL {
		event = lcconsensus.EventLostSync
	}

	var lastSeq uint32
	if tip, err := r.cfg.Ledgers.Tip(ctx); err == nil {
		lastSeq = tip.Seq()
	}

	r.cfg.Overlay.BroadcastStatusChange(lcconsensus.StatusChange{
		Event:       event,
		Seq:         ledger.Seq(),
		NetworkTime: lcconsensus.NetworkSeconds(r.cfg.TimeKeeper.Now()),
		PrevID:      ledger.ParentID(),
		ID:          ledger.ID(),
		LastSeq:     lastSeq,
	})
}
