package lcengine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/keel-engine/keel/lc/lcconsensus"
	"github.com/keel-engine/keel/lc/lcconsensus/lcconsensustest"
	"github.com/keel-engine/keel/lc/lcengine"
	"github.com/keel-engine/keel/lc/lcstore"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"
)

// harness wires a round against controllable collaborators.
// The local node is fixture validator 0; peers are validators 1..n.
type harness struct {
	t   *testing.T
	ctx context.Context

	fx *lcconsensustest.Fixture

	overlay *lcconsensustest.RecordingOverlay
	vals    *lcconsensustest.MemValidations
	txsets  *lcconsensustest.MemTxSets
	inbound *lcconsensustest.RecInboundLedgers
	open    *lcconsensustest.MemOpenLedger
	jobs    *lcconsensustest.QueuedJobs
	tk      *lcconsensustest.ManualTimeKeeper
	ledgers *lcstore.MemLedgerStore

	consensus *lcengine.Consensus
	round     *lcengine.Round

	mu          sync.Mutex
	roundEnds   []bool
	faults      []error
	viewChanges int
}

// The fixture genesis closes at 800000000; start the harness clock a few
// seconds later so "time since previous close" is small and positive.
const harnessStart = 800000005

func newHarness(t *testing.T, typ lcengine.Type, mutate func(cfg *lcengine.RoundConfig)) *harness {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &harness{
		t:   t,
		ctx: ctx,

		fx: lcconsensustest.NewFixture(12),

		overlay: &lcconsensustest.RecordingOverlay{},
		vals:    lcconsensustest.NewMemValidations(),
		txsets:  lcconsensustest.NewMemTxSets(),
		inbound: &lcconsensustest.RecInboundLedgers{},
		open:    &lcconsensustest.MemOpenLedger{},
		jobs:    &lcconsensustest.QueuedJobs{},
		tk:      lcconsensustest.NewManualTimeKeeper(lcconsensus.NetworkTime(harnessStart)),
		ledgers: lcstore.NewMemLedgerStore(),
	}

	require.NoError(t, h.ledgers.SaveLedger(ctx, h.fx.Genesis))

	log := slogt.New(t)
	h.consensus = lcengine.NewConsensus(log, lcstore.NewMemProposalStore(), typ)

	cfg := lcengine.RoundConfig{
		Ledgers:   h.ledgers,
		Proposals: lcstore.NewMemProposalStore(),

		Validations:    h.vals,
		TxSets:         h.txsets,
		InboundLedgers: h.inbound,
		Overlay:        h.overlay,
		LocalTxs:       lcconsensustest.StaticLocalTxs(nil),
		OpenLedger:     h.open,
		Applier:        lcconsensustest.OKApplier(),
		FeeVoter:       lcconsensustest.SimpleFeeVoter{Vote: lcconsensus.FeeVote{BaseFee: 10, ReserveBase: 200, ReserveIncrement: 50}},
		AmendmentVoter: lcconsensustest.SimpleAmendmentVoter{Features: []lcconsensus.FeatureID{{0xfe}}},

		TimeKeeper: h.tk,
		Jobs:       h.jobs,

		Signer:    h.fx.PrivVals[0].Signer,
		Proposing: true,

		PrevLedger:   h.fx.Genesis,
		PrevLedgerID: h.fx.Genesis.ID(),
		CloseTime:    h.tk.CloseTime(),

		OnRoundEnd: func(correct bool) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.roundEnds = append(h.roundEnds, correct)
		},
		OnViewChange: func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.viewChanges++
		},
		OnFault: func(err error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.faults = append(h.faults, err)
		},
	}

	if mutate != nil {
		mutate(&cfg)
	}

	// Pretend we already validated the prior ledger,
	// so closing does not emit a catch-up partial validation.
	h.consensus.SetLastValidation(lcconsensus.Validation{
		LedgerID: cfg.PrevLedgerID,
		Seq:      cfg.PrevLedger.Seq(),
	})

	round, err := lcengine.NewRound(ctx, log, h.consensus, cfg)
	require.NoError(t, err)
	h.round = round

	return h
}

// peerProposes delivers an initial proposal from the given validators,
// preloading the set so acquisition succeeds immediately.
func (h *harness) peerProposes(set *lcconsensus.TxSet, closeTime uint32, valIdxs ...int) {
	h.t.Helper()

	h.txsets.Preload(set)
	for _, i := range valIdxs {
		p := h.fx.Proposal(h.ctx, i, h.fx.Genesis.ID(), set.ID(), closeTime, lcconsensus.InitialProposeSeq)
		require.True(h.t, h.round.PeerProposal(h.ctx, p))
	}
}

// advanceTick moves the clock and delivers one tick.
func (h *harness) advanceTick(d time.Duration) {
	h.tk.Advance(d)
	h.round.Tick(h.ctx)
}

// runToAccepted drives a converged round through acceptance and the
// final notification tick.
func (h *harness) runToAccepted() *lcconsensus.Ledger {
	h.t.Helper()

	require.Equal(h.t, lcengine.StateFinished, h.round.State())
	require.Equal(h.t, 1, h.jobs.RunAll())
	require.Equal(h.t, lcengine.StateAccepted, h.round.State())

	h.round.Tick(h.ctx) // Deliver the accepted notification.

	newLedger := h.round.NewLedger()
	require.NotNil(h.t, newLedger)
	return newLedger
}

func (h *harness) faultCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.faults)
}

func (h *harness) roundEndCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.roundEnds)
}
