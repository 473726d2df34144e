package lcengine_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/keel-engine/keel/lc/lcarbiter"
	"github.com/keel-engine/keel/lc/lcconsensus"
	"github.com/keel-engine/keel/lc/lcengine"
	"github.com/stretchr/testify/require"
)

func TestRound_CleanConvergence(t *testing.T) {
	t.Parallel()

	h := newHarness(t, lcengine.TypeBuiltin, nil)

	tx1 := h.fx.Tx("tx-one")
	set := h.fx.TxSet(tx1)

	h.open.SetTxs(tx1)
	h.peerProposes(set, 800000010, 1, 2, 3, 4, 5)

	// Five peers have closed; we close immediately on the next tick.
	h.round.Tick(h.ctx)
	require.Equal(t, lcengine.StateEstablish, h.round.State())

	// Our initial proposal went out.
	p, ok := h.overlay.LastProposal()
	require.True(t, ok)
	require.Equal(t, set.ID(), p.TxSet)
	require.True(t, p.IsInitial())

	// After the minimum establish time, everyone holds our position.
	h.advanceTick(2 * time.Second)
	newLedger := h.runToAccepted()

	require.Equal(t, uint32(2), newLedger.Seq())
	require.Equal(t, h.fx.Genesis.ID(), newLedger.ParentID())

	header := newLedger.Header()
	require.Equal(t, uint32(1), header.TxCount)
	require.Equal(t, set.ID(), header.TxSetID)
	require.True(t, header.CloseAgree)
	require.Equal(t, uint32(800000010), header.CloseTime)

	// The new ledger was stored.
	stored, err := h.ledgers.LoadLedger(h.ctx, newLedger.ID())
	require.NoError(t, err)
	require.Equal(t, newLedger.ID(), stored.ID())

	// A full validation for the new ledger was broadcast; no flag
	// fields on an ordinary ledger.
	require.Len(t, h.overlay.Validations, 1)
	v := h.overlay.Validations[0]
	require.Equal(t, newLedger.ID(), v.LedgerID)
	require.True(t, v.Full)
	require.Nil(t, v.FeeVote)
	require.Empty(t, v.Amendments)
	require.True(t, v.Verify())

	// The open ledger was rebuilt on the new LCL with nothing to retry.
	require.Equal(t, newLedger.ID(), h.open.AcceptedLedger.ID())
	require.Empty(t, h.open.Retriable)

	// Our clock nudged toward the peers' close-time votes.
	require.Equal(t, 4*time.Second, h.tk.Offset())

	// Peers heard about the close and the acceptance.
	require.Len(t, h.overlay.StatusChanges, 2)
	require.Equal(t, lcconsensus.EventClosingLedger, h.overlay.StatusChanges[0].Event)
	require.Equal(t, lcconsensus.EventAcceptedLedger, h.overlay.StatusChanges[1].Event)
	require.Equal(t, newLedger.ID(), h.overlay.StatusChanges[1].ID)

	require.Equal(t, 1, h.roundEndCount())
}

func TestRound_Simulate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, lcengine.TypeBuiltin, nil)

	h.open.SetTxs(h.fx.Tx("tx-one"))
	h.round.Simulate(h.ctx)

	newLedger := h.round.NewLedger()
	require.NotNil(t, newLedger)
	require.Equal(t, uint32(2), newLedger.Seq())
	require.Equal(t, h.fx.Genesis.ID(), newLedger.ParentID())
	require.Equal(t, uint32(1), newLedger.Header().TxCount)

	require.True(t, h.round.Ended())
	require.Equal(t, 1, h.roundEndCount())
}

func TestRound_SingleDisputeResolved(t *testing.T) {
	t.Parallel()

	h := newHarness(t, lcengine.TypeBuiltin, nil)

	tx1 := h.fx.Tx("tx-one")
	tx2 := h.fx.Tx("tx-two")
	setA := h.fx.TxSet(tx1)
	setB := h.fx.TxSet(tx1, tx2)

	h.open.SetTxs(tx1)
	h.peerProposes(setA, 800000010, 1, 2, 3, 4)
	h.peerProposes(setB, 800000010, 5)

	h.round.Tick(h.ctx)
	require.Equal(t, lcengine.StateEstablish, h.round.State())

	// The extra transaction is disputed and relayed to peers.
	require.Len(t, h.overlay.Relayed, 1)
	require.Equal(t, tx2.Raw, h.overlay.Relayed[0].Raw)

	h.advanceTick(2 * time.Second)
	newLedger := h.runToAccepted()

	// The majority position won; tx2 stayed out.
	require.Equal(t, setA.ID(), newLedger.Header().TxSetID)
	require.Equal(t, uint32(1), newLedger.Header().TxCount)

	// The disputed transaction we voted NO on is retriable in the new
	// open ledger.
	require.Len(t, h.open.Retriable, 1)
	require.Equal(t, tx2.ID, h.open.Retriable[0].ID)
}

func TestRound_AvalancheFlip(t *testing.T) {
	t.Parallel()

	h := newHarness(t, lcengine.TypeBuiltin, nil)

	tx1 := h.fx.Tx("tx-one")
	tx2 := h.fx.Tx("tx-two")
	setA := h.fx.TxSet(tx1)
	setB := h.fx.TxSet(tx1, tx2)

	h.open.SetTxs(tx1)
	h.peerProposes(setB, 800000010, 1, 2, 3, 4, 5, 6, 7)

	h.round.Tick(h.ctx)
	require.Equal(t, lcengine.StateEstablish, h.round.State())

	p, ok := h.overlay.LastProposal()
	require.True(t, ok)
	require.Equal(t, setA.ID(), p.TxSet)
	require.Equal(t, lcconsensus.InitialProposeSeq, p.ProposeSeq)

	// The dispute over tx2 resolves against us; we flip, republish
	// with a bumped sequence, and converge on the peers' set.
	h.advanceTick(2 * time.Second)

	p, ok = h.overlay.LastProposal()
	require.True(t, ok)
	require.Equal(t, setB.ID(), p.TxSet)
	require.Equal(t, uint32(1), p.ProposeSeq)

	newLedger := h.runToAccepted()
	require.Equal(t, setB.ID(), newLedger.Header().TxSetID)
	require.Equal(t, uint32(2), newLedger.Header().TxCount)
}

func TestRound_ViewShiftMidRound(t *testing.T) {
	t.Parallel()

	h := newHarness(t, lcengine.TypeBuiltin, nil)

	tx1 := h.fx.Tx("tx-one")
	set := h.fx.TxSet(tx1)

	h.open.SetTxs(tx1)
	h.peerProposes(set, 800000010, 1, 2, 3)

	h.round.Tick(h.ctx)
	require.Equal(t, lcengine.StateEstablish, h.round.State())
	require.True(t, h.round.Proposing())

	// Validations now prefer a ledger we do not hold.
	alt := lcconsensus.LedgerID{0xa1, 0x7e}
	h.vals.SetTrusted(alt, 5)

	h.advanceTick(time.Second)

	// We bowed out...
	p, ok := h.overlay.LastProposal()
	require.True(t, ok)
	require.True(t, p.IsBowOut())
	require.False(t, h.round.Proposing())

	// ...cleared all round-local position state...
	info := h.round.GetJSON(true)
	require.Equal(t, 0, info["proposers"])
	require.NotContains(t, info, "our_position")
	require.Equal(t, "open", info["state"])
	require.NotContains(t, info, "dead_nodes")

	// ...and dispatched acquisition of the correct prior ledger.
	require.False(t, h.round.HaveCorrectLCL())
	h.jobs.RunAll()
	require.Equal(t, []lcconsensus.LedgerID{alt}, h.inbound.Requests())

	require.Equal(t, 1, func() int { h.mu.Lock(); defer h.mu.Unlock(); return h.viewChanges }())
}

func TestRound_ArbiterRace(t *testing.T) {
	t.Parallel()

	arb := lcarbiter.NewMemArbiter()

	mkHarness := func(t *testing.T) *harness {
		return newHarness(t, lcengine.TypeExternalArbiter, func(cfg *lcengine.RoundConfig) {
			cfg.Arbiter = arb
		})
	}

	ha := mkHarness(t)
	hb := mkHarness(t)

	txA := ha.fx.Tx("tx-from-a")
	txB := hb.fx.Tx("tx-from-b")
	setA := ha.fx.TxSet(txA)

	ha.open.SetTxs(txA)
	hb.open.SetTxs(txB)

	// B can fetch A's set once it learns about it.
	hb.txsets.Preload(setA)

	drive := func(h *harness) {
		h.advanceTick(3 * time.Second) // close
		require.Equal(t, lcengine.StateEstablish, h.round.State())
		h.advanceTick(2 * time.Second) // establish
	}

	// A publishes first and wins.
	drive(ha)
	ledgerA := ha.runToAccepted()
	require.False(t, ha.round.ConsensusFail())

	// B observes A's record and adopts it.
	drive(hb)
	ledgerB := hb.runToAccepted()
	require.False(t, hb.round.ConsensusFail())

	require.Equal(t, setA.ID(), ledgerA.Header().TxSetID)
	require.Equal(t, setA.ID(), ledgerB.Header().TxSetID)
	require.Equal(t, ledgerA.ID(), ledgerB.ID())
}

func TestRound_ArbiterAgreedToDisagreeCloseTime(t *testing.T) {
	t.Parallel()

	arb := lcarbiter.NewMemArbiter()

	h := newHarness(t, lcengine.TypeExternalArbiter, func(cfg *lcengine.RoundConfig) {
		cfg.Arbiter = arb
	})

	tx1 := h.fx.Tx("tx-one")
	set := h.fx.TxSet(tx1)

	// A record for this round already exists with no close-time opinion.
	arb.Publish(h.ctx, lcarbiter.RoundKey{System: "keel", Seq: 2}, lcarbiter.Position{
		TxSet:      set.ID(),
		PrevLedger: h.fx.Genesis.ID(),
		CloseTime:  0,
	})

	h.open.SetTxs(tx1)
	h.advanceTick(3 * time.Second)
	require.Equal(t, lcengine.StateEstablish, h.round.State())
	h.advanceTick(2 * time.Second)

	newLedger := h.runToAccepted()

	header := newLedger.Header()
	require.Equal(t, h.fx.Genesis.CloseTime()+1, header.CloseTime)
	require.False(t, header.CloseAgree)
}

func TestRound_MissingNodeAbandons(t *testing.T) {
	t.Parallel()

	h := newHarness(t, lcengine.TypeBuiltin, func(cfg *lcengine.RoundConfig) {
		cfg.Applier = missingNodeApplier{}
	})

	tx1 := h.fx.Tx("tx-one")
	set := h.fx.TxSet(tx1)

	h.open.SetTxs(tx1)
	h.peerProposes(set, 800000010, 1, 2, 3, 4, 5)

	h.round.Tick(h.ctx)
	h.advanceTick(2 * time.Second)
	require.Equal(t, lcengine.StateFinished, h.round.State())

	// The acceptance job hits the missing node and abandons cleanly.
	h.jobs.RunAll()

	require.Nil(t, h.round.NewLedger())
	require.Equal(t, 1, h.faultCount())
	h.mu.Lock()
	require.ErrorIs(t, h.faults[0], lcconsensus.ErrMissingNode)
	h.mu.Unlock()

	// The LCL view is untouched and the round ended.
	require.True(t, h.round.HaveCorrectLCL())
	require.Equal(t, 1, h.roundEndCount())
}

type missingNodeApplier struct{}

func (missingNodeApplier) Apply(_ context.Context, _ *lcconsensus.LedgerBuilder, _ lcconsensus.Tx) (lcengine.ApplyResult, uint64, error) {
	return 0, 0, fmt.Errorf("applying tx: %w", lcconsensus.ErrMissingNode)
}

func TestRound_ProposalMonotonicity(t *testing.T) {
	t.Parallel()

	h := newHarness(t, lcengine.TypeBuiltin, nil)

	setA := h.fx.TxSet(h.fx.Tx("tx-one"))
	setB := h.fx.TxSet(h.fx.Tx("tx-two"))
	h.txsets.Preload(setA)
	h.txsets.Preload(setB)

	p0 := h.fx.Proposal(h.ctx, 1, h.fx.Genesis.ID(), setA.ID(), 800000010, 0)
	p2 := h.fx.Proposal(h.ctx, 1, h.fx.Genesis.ID(), setB.ID(), 800000010, 2)
	p1 := h.fx.Proposal(h.ctx, 1, h.fx.Genesis.ID(), setA.ID(), 800000010, 1)

	require.True(t, h.round.PeerProposal(h.ctx, p0))
	require.True(t, h.round.PeerProposal(h.ctx, p2))

	// A stale sequence never replaces a newer one.
	require.False(t, h.round.PeerProposal(h.ctx, p1))

	// A duplicate of the current sequence is also rejected.
	require.False(t, h.round.PeerProposal(h.ctx, p2))
}

func TestRound_BowOutIdempotence(t *testing.T) {
	t.Parallel()

	h := newHarness(t, lcengine.TypeBuiltin, nil)

	tx1 := h.fx.Tx("tx-one")
	setA := h.fx.TxSet(tx1)
	setB := h.fx.TxSet(tx1, h.fx.Tx("tx-two"))

	h.open.SetTxs(tx1)
	h.peerProposes(setA, 800000010, 1, 2)
	h.peerProposes(setB, 800000010, 3)

	h.round.Tick(h.ctx)
	require.Equal(t, lcengine.StateEstablish, h.round.State())

	// Peer 3 bows out: its dispute votes are retracted.
	bow := h.fx.BowOut(h.ctx, 3, h.fx.Genesis.ID(), setB.ID())
	require.True(t, h.round.PeerProposal(h.ctx, bow))

	info := h.round.GetJSON(true)
	require.Contains(t, info, "dead_nodes")
	require.Equal(t, 2, info["proposers"])

	disputes, ok := info["disputes"].(map[string]any)
	require.True(t, ok)
	for _, d := range disputes {
		votes := d.(map[string]any)
		require.Equal(t, 0, votes["yays"])
	}

	// Further proposals from the dead peer are rejected until the
	// round ends, regardless of sequence.
	late := h.fx.Proposal(h.ctx, 3, h.fx.Genesis.ID(), setB.ID(), 800000010, 9)
	require.False(t, h.round.PeerProposal(h.ctx, late))
}

func TestRound_DisputeCoverage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, lcengine.TypeBuiltin, nil)

	tx1 := h.fx.Tx("tx-one")
	tx2 := h.fx.Tx("tx-two")
	tx3 := h.fx.Tx("tx-three")

	setTheirs := h.fx.TxSet(tx1, tx3)

	h.open.SetTxs(tx1, tx2)
	h.peerProposes(setTheirs, 800000010, 1)

	h.round.Tick(h.ctx)
	require.Equal(t, lcengine.StateEstablish, h.round.State())

	// Every transaction in exactly one of the two sets is disputed.
	info := h.round.GetJSON(true)
	disputes, ok := info["disputes"].(map[string]any)
	require.True(t, ok)
	require.Len(t, disputes, 2)
	require.Contains(t, disputes, tx2.ID.String())
	require.Contains(t, disputes, tx3.ID.String())

	// Our votes reflect our own set's contents.
	require.Equal(t, true, disputes[tx2.ID.String()].(map[string]any)["our_vote"])
	require.Equal(t, false, disputes[tx3.ID.String()].(map[string]any)["our_vote"])
}

func TestRound_FlagLedgerValidation(t *testing.T) {
	t.Parallel()

	prev := lcconsensus.SealLedger(lcconsensus.LedgerHeader{
		Seq:                 255,
		CloseTime:           800000000,
		ParentCloseTime:     799999970,
		CloseTimeResolution: 30,
		CloseAgree:          true,
	})

	h := newHarness(t, lcengine.TypeBuiltin, func(cfg *lcengine.RoundConfig) {
		cfg.PrevLedger = prev
		cfg.PrevLedgerID = prev.ID()
	})

	tx1 := h.fx.Tx("tx-one")
	h.open.SetTxs(tx1)

	h.advanceTick(3 * time.Second)
	require.Equal(t, lcengine.StateEstablish, h.round.State())
	h.advanceTick(2 * time.Second)

	newLedger := h.runToAccepted()
	require.Equal(t, uint32(256), newLedger.Seq())
	require.True(t, newLedger.IsFlag())

	// The flag-ledger validation carries fee and amendment votes.
	require.Len(t, h.overlay.Validations, 1)
	v := h.overlay.Validations[0]
	require.NotNil(t, v.FeeVote)
	require.Equal(t, uint64(10), v.FeeVote.BaseFee)
	require.NotEmpty(t, v.Amendments)
	require.True(t, v.Verify())
}

func TestRound_FlagLedgerVoting(t *testing.T) {
	t.Parallel()

	// The previous ledger is a flag ledger: our initial position must
	// include the fee and amendment pseudo-transactions.
	prev := lcconsensus.SealLedger(lcconsensus.LedgerHeader{
		Seq:                 256,
		CloseTime:           800000000,
		ParentCloseTime:     799999970,
		CloseTimeResolution: 30,
		CloseAgree:          true,
	})

	h := newHarness(t, lcengine.TypeBuiltin, func(cfg *lcengine.RoundConfig) {
		cfg.PrevLedger = prev
		cfg.PrevLedgerID = prev.ID()
	})

	tx1 := h.fx.Tx("tx-one")
	h.open.SetTxs(tx1)

	h.advanceTick(3 * time.Second)
	require.Equal(t, lcengine.StateEstablish, h.round.State())
	h.advanceTick(2 * time.Second)

	newLedger := h.runToAccepted()
	require.Equal(t, uint32(257), newLedger.Seq())

	// One real transaction plus the two pseudo-transactions.
	require.Equal(t, uint32(3), newLedger.Header().TxCount)

	// Sequence 257 is not a flag ledger: no vote fields.
	require.Len(t, h.overlay.Validations, 1)
	require.Nil(t, h.overlay.Validations[0].FeeVote)
	require.Empty(t, h.overlay.Validations[0].Amendments)
}

func TestRound_ProposalForOtherLedgerStored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, lcengine.TypeBuiltin, nil)

	other := lcconsensus.LedgerID{0x77}
	set := h.fx.TxSet(h.fx.Tx("tx-one"))
	h.txsets.Preload(set)

	p := h.fx.Proposal(h.ctx, 1, other, set.ID(), 800000010, 0)
	require.False(t, h.round.PeerProposal(h.ctx, p))

	// It did not touch the round, but it is retained for playback.
	require.Equal(t, 0, h.round.GetJSON(false)["proposers"])
	stored := h.consensus.StoredProposals(h.ctx, other)
	require.Len(t, stored, 1)
	require.Equal(t, p.PeerID, stored[0].PeerID)
}

func TestRound_BadSignatureDropped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, lcengine.TypeBuiltin, nil)

	set := h.fx.TxSet(h.fx.Tx("tx-one"))
	h.txsets.Preload(set)

	p := h.fx.Proposal(h.ctx, 1, h.fx.Genesis.ID(), set.ID(), 800000010, 0)
	p.Signature[0] ^= 0xff

	require.False(t, h.round.PeerProposal(h.ctx, p))
	require.Equal(t, 0, h.round.GetJSON(false)["proposers"])
	require.Empty(t, h.consensus.StoredProposals(h.ctx, h.fx.Genesis.ID()))
}

func TestRound_AbandonedAcceptDiscarded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, lcengine.TypeBuiltin, nil)

	tx1 := h.fx.Tx("tx-one")
	set := h.fx.TxSet(tx1)

	h.open.SetTxs(tx1)
	h.peerProposes(set, 800000010, 1, 2, 3, 4, 5)

	h.round.Tick(h.ctx)
	h.advanceTick(2 * time.Second)
	require.Equal(t, lcengine.StateFinished, h.round.State())

	// The round is torn down before the acceptance job runs.
	h.round.Abandon(h.ctx)
	require.Equal(t, 1, h.roundEndCount())

	h.jobs.RunAll()

	// The in-flight job's result is discarded.
	require.Nil(t, h.round.NewLedger())
	require.NotEqual(t, lcengine.StateAccepted, h.round.State())
}
