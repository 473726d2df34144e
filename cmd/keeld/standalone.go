package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/keel-engine/keel/kconfig"
	"github.com/keel-engine/keel/kcrypto"
	"github.com/keel-engine/keel/lc/lcarbiter"
	"github.com/keel-engine/keel/lc/lcconsensus"
	"github.com/keel-engine/keel/lc/lcengine"
	"github.com/keel-engine/keel/lc/lcmetrics"
	"github.com/keel-engine/keel/lc/lcstore"
)

// standaloneNode drives rounds with no network:
// the overlay logs broadcasts, the open ledger holds local submissions,
// and every transaction applies cleanly.
type standaloneNode struct {
	log *slog.Logger
	cfg standaloneConfig

	timeKeeper *lcconsensus.SystemTimeKeeper
	open       *standaloneOpenLedger
	router     *lcengine.HashRouter

	mu    sync.Mutex
	round *lcengine.Round
}

type standaloneConfig struct {
	Config kconfig.Config

	Ledgers   lcstore.LedgerStore
	Consensus *lcengine.Consensus
	Arbiter   lcarbiter.Arbiter
	Signer    kcrypto.Signer
	Metrics   *lcmetrics.Collector
}

func newStandaloneNode(log *slog.Logger, cfg standaloneConfig) *standaloneNode {
	return &standaloneNode{
		log: log,
		cfg: cfg,

		timeKeeper: lcconsensus.NewSystemTimeKeeper(),
		open:       &standaloneOpenLedger{},
		router:     lcengine.NewHashRouter(),
	}
}

func (n *standaloneNode) CurrentRound() *lcengine.Round {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.round
}

// Run drives consensus rounds until the context is canceled.
func (n *standaloneNode) Run(ctx context.Context) error {
	prev, err := n.cfg.Ledgers.Tip(ctx)
	if errors.Is(err, lcstore.ErrNotFound) {
		prev = genesisLedger(n.timeKeeper)
		if err := n.cfg.Ledgers.SaveLedger(ctx, prev); err != nil {
			return err
		}
		n.log.Info("Created genesis ledger", "id", prev.ID().String())
	} else if err != nil {
		return err
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		round, err := n.startRound(ctx, prev)
		if err != nil {
			return err
		}

		for round.State() != lcengine.StateAccepted && !round.Ended() {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				round.Tick(ctx)
			}
		}
		round.Tick(ctx) // Deliver the accepted notification.

		newLedger := round.NewLedger()
		if newLedger == nil {
			// Abandoned; retry from the same prior ledger.
			continue
		}

		n.log.Info(
			"Round complete",
			"seq", newLedger.Seq(),
			"id", newLedger.ID().String(),
		)
		prev = newLedger
	}
}

func (n *standaloneNode) startRound(ctx context.Context, prev *lcconsensus.Ledger) (*lcengine.Round, error) {
	round, err := lcengine.NewRound(ctx, n.log.With("sys", "round", "seq", prev.Seq()+1), n.cfg.Consensus, lcengine.RoundConfig{
		Ledgers:   n.cfg.Ledgers,
		Proposals: lcstore.NewMemProposalStore(),

		Validations:    noValidations{},
		TxSets:         &standaloneTxSets{},
		InboundLedgers: noInboundLedgers{},
		Overlay:        loggingOverlay{log: n.log.With("sys", "overlay")},
		LocalTxs:       noLocalTxs{},
		OpenLedger:     n.open,
		Applier:        cleanApplier{},

		TimeKeeper: n.timeKeeper,
		Router:     n.router,
		Metrics:    n.cfg.Metrics,

		Signer:    n.cfg.Signer,
		Proposing: true,

		Arbiter: n.cfg.Arbiter,

		PrevLedger:   prev,
		PrevLedgerID: prev.ID(),
		CloseTime:    n.timeKeeper.CloseTime(),

		PrevProposers: n.cfg.Consensus.PrevProposers(),
		PrevRoundMS:   n.cfg.Consensus.PrevRoundMS(),

		MinConsensus: time.Duration(n.cfg.Config.MinConsensusMS) * time.Millisecond,
		IdleInterval: time.Duration(n.cfg.Config.IdleIntervalSec) * time.Second,
		ConvergePct:  n.cfg.Config.ConvergePct,
	})
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	n.round = round
	n.mu.Unlock()

	return round, nil
}

func genesisLedger(tk lcconsensus.TimeKeeper) *lcconsensus.Ledger {
	now := tk.CloseTime()
	return lcconsensus.SealLedger(lcconsensus.LedgerHeader{
		Seq:                 1,
		CloseTime:           now,
		ParentCloseTime:     now - 1,
		CloseTimeResolution: lcconsensus.DefaultCloseTimeResolution,
		CloseAgree:          true,
	})
}

// standaloneOpenLedger accumulates locally submitted transactions.
type standaloneOpenLedger struct {
	mu  sync.Mutex
	txs []lcconsensus.Tx
}

func (o *standaloneOpenLedger) Empty() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.txs) == 0
}

func (o *standaloneOpenLedger) Transactions() []lcconsensus.Tx {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]lcconsensus.Tx(nil), o.txs...)
}

func (o *standaloneOpenLedger) Accept(_ *lcconsensus.Ledger, localTxs, retriable []lcconsensus.Tx) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.txs = append(append([]lcconsensus.Tx(nil), localTxs...), retriable...)
}

// standaloneTxSets holds sets in memory; there is no one to acquire from.
type standaloneTxSets struct {
	mu   sync.Mutex
	sets map[lcconsensus.TxSetID]*lcconsensus.TxSet
}

func (s *standaloneTxSets) NewRound(uint32) {}

func (s *standaloneTxSets) Get(id lcconsensus.TxSetID, _ bool) *lcconsensus.TxSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sets[id]
}

func (s *standaloneTxSets) Give(id lcconsensus.TxSetID, set *lcconsensus.TxSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sets == nil {
		s.sets = make(map[lcconsensus.TxSetID]*lcconsensus.TxSet)
	}
	s.sets[id] = set
}

type noValidations struct{}

func (noValidations) CurrentTrusted(_, _ lcconsensus.LedgerID, _ uint32) map[lcconsensus.LedgerID]int {
	return nil
}
func (noValidations) TrustedCount(lcconsensus.LedgerID) int                  { return 0 }
func (noValidations) AddValidation(lcconsensus.Validation, string)           {}
func (noValidations) ValidationsFor(lcconsensus.LedgerID) []lcconsensus.Validation { return nil }

type noInboundLedgers struct{}

func (noInboundLedgers) Acquire(lcconsensus.LedgerID, uint32) {}

type noLocalTxs struct{}

func (noLocalTxs) TxSet() []lcconsensus.Tx { return nil }

// cleanApplier accepts every transaction with a unit fee.
type cleanApplier struct{}

func (cleanApplier) Apply(_ context.Context, _ *lcconsensus.LedgerBuilder, _ lcconsensus.Tx) (lcengine.ApplyResult, uint64, error) {
	return lcengine.ApplySuccess, 1, nil
}

// loggingOverlay logs outbound messages instead of sending them.
type loggingOverlay struct {
	log *slog.Logger
}

func (o loggingOverlay) BroadcastProposal(p lcconsensus.Proposal) {
	o.log.Debug("Proposal", "txset", p.TxSet.String(), "seq", p.ProposeSeq)
}

func (o loggingOverlay) BroadcastHaveTxSet(h lcconsensus.HaveTxSet) {
	o.log.Debug("HaveTxSet", "txset", h.ID.String())
}

func (o loggingOverlay) BroadcastStatusChange(s lcconsensus.StatusChange) {
	o.log.Debug("StatusChange", "event", s.Event.String(), "seq", s.Seq)
}

func (o loggingOverlay) BroadcastValidation(v lcconsensus.Validation) {
	o.log.Debug("Validation", "ledger", v.LedgerID.String(), "seq", v.Seq)
}

func (o loggingOverlay) RelayTransaction(lcconsensus.TxRelay) {}
