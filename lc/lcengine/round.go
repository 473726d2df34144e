package lcengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/keel-engine/keel/kcrypto"
	"github.com/keel-engine/keel/lc/lcarbiter"
	"github.com/keel-engine/keel/lc/lcconsensus"
	"github.com/keel-engine/keel/lc/lcmetrics"
	"github.com/keel-engine/keel/lc/lcstore"
)

// State is the round's position in its lifecycle.
// It moves forward, except that switching to a different prior ledger
// returns the round to StateOpen.
type State uint8

const (
	StateOpen State = iota
	StateEstablish
	StateFinished
	StateAccepted
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateEstablish:
		return "establish"
	case StateFinished:
		return "finished"
	case StateAccepted:
		return "accepted"
	default:
		return "unknown"
	}
}

// RoundConfig holds everything a round needs from its host.
type RoundConfig struct {
	Ledgers   lcstore.LedgerStore
	Proposals lcstore.ProposalStore

	Validations    Validations
	TxSets         InboundTxSets
	InboundLedgers InboundLedgers
	Overlay        Overlay
	LocalTxs       LocalTxs
	OpenLedger     OpenLedger
	Applier        TxApplier
	FeeVoter       FeeVoter
	AmendmentVoter AmendmentVoter

	TimeKeeper lcconsensus.TimeKeeper
	Jobs       Jobs
	Router     *HashRouter
	Metrics    *lcmetrics.Collector

	// Signer is the validation identity; nil runs monitoring-only.
	Signer kcrypto.Signer

	// Proposing is whether the host considers itself in sync enough to
	// propose; it is ignored without a Signer.
	Proposing bool

	// Arbiter must be set when the consensus type is external.
	Arbiter lcarbiter.Arbiter

	// System namespaces arbiter round keys; defaults to "keel".
	System string

	PrevLedger   *lcconsensus.Ledger
	PrevLedgerID lcconsensus.LedgerID

	// CloseTime is the target close time handed in by the host.
	CloseTime uint32

	PrevProposers int
	PrevRoundMS   int64

	// MinConsensus overrides the minimum establish time;
	// zero uses [lcconsensus.LedgerMinConsensus].
	MinConsensus time.Duration

	// IdleInterval overrides the idle close interval;
	// zero uses [lcconsensus.LedgerIdleInterval].
	IdleInterval time.Duration

	// ConvergePct overrides the convergence percentage;
	// zero uses [lcconsensus.AvMinConsensusPct].
	ConvergePct int

	// LoadFee reports the local and reference fee levels for the
	// load field on validations; optional.
	LoadFee func() (local, base uint32)

	// Replay, when set, applies a recorded close instead of the
	// consensus set.
	Replay *Replay

	// OnRoundEnd is called exactly once when the round terminates,
	// accepted or abandoned.
	OnRoundEnd func(haveCorrectLCL bool)

	// OnViewChange is called when the network's view of the prior
	// ledger shifts away from ours mid-round.
	OnViewChange func()

	// OnFault is called when a fault (such as a missing tree node)
	// abandons the round.
	OnFault func(err error)
}

func (cfg RoundConfig) validate() error {
	if cfg.PrevLedger == nil {
		return errors.New("RoundConfig.PrevLedger must not be nil")
	}
	for name, v := range map[string]any{
		"Ledgers":        cfg.Ledgers,
		"Proposals":      cfg.Proposals,
		"Validations":    cfg.Validations,
		"TxSets":         cfg.TxSets,
		"InboundLedgers": cfg.InboundLedgers,
		"Overlay":        cfg.Overlay,
		"LocalTxs":       cfg.LocalTxs,
		"OpenLedger":     cfg.OpenLedger,
		"Applier":        cfg.Applier,
		"TimeKeeper":     cfg.TimeKeeper,
	} {
		if v == nil {
			return fmt.Errorf("RoundConfig.%s must not be nil", name)
		}
	}
	return nil
}

// Round drives one consensus round from the prior closed ledger to a new
// accepted ledger.
//
// All methods are safe for concurrent use, but the round expects a
// single driver: the host delivers Tick, PeerProposal, and MapComplete;
// only the dispatched acceptance job runs off that goroutine.
type Round struct {
	log *slog.Logger
	cfg RoundConfig

	consensus *Consensus
	strat     strategy

	mu sync.Mutex

	state State

	proposing  bool
	validating bool

	haveCorrectLCL         bool
	consensusFail          bool
	haveCloseTimeConsensus bool

	prevLedger      *lcconsensus.Ledger
	prevLedgerID    lcconsensus.LedgerID
	acquiringLedger lcconsensus.LedgerID

	// closeTime is the host's target close time from the round config
	// until we close the open ledger, then the close time we recorded.
	closeTime       uint32
	closeResolution uint32

	startTime    time.Time
	currentMS    int64
	closePercent int

	ourPosition   *lcconsensus.Position
	peerPositions map[lcconsensus.NodeID]lcconsensus.Proposal

	// acquired maps set hash to set; a present nil entry is the
	// failed-acquisition marker.
	acquired map[lcconsensus.TxSetID]*lcconsensus.TxSet
	compares map[lcconsensus.TxSetID]struct{}

	disputes   map[lcconsensus.TxID]*disputedTx
	closeTimes map[uint32]int
	deadNodes  map[lcconsensus.NodeID]struct{}

	// peerIndex assigns round-local indexes for the convergence bitset.
	peerIndex map[lcconsensus.NodeID]uint

	newLedger *lcconsensus.Ledger

	ended bool
}

// NewRound binds a round to the prior closed ledger and target close time.
// The selected consensus type is read from c once, here.
func NewRound(ctx context.Context, log *slog.Logger, c *Consensus, cfg RoundConfig) (*Round, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Jobs == nil {
		cfg.Jobs = GoJobs{}
	}
	if cfg.Router == nil {
		cfg.Router = NewHashRouter()
	}
	if cfg.System == "" {
		cfg.System = "keel"
	}
	if cfg.PrevRoundMS <= 0 {
		cfg.PrevRoundMS = lcconsensus.LedgerIdleInterval.Milliseconds()
	}
	if cfg.MinConsensus <= 0 {
		cfg.MinConsensus = lcconsensus.LedgerMinConsensus
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = lcconsensus.LedgerIdleInterval
	}
	if cfg.ConvergePct <= 0 {
		cfg.ConvergePct = lcconsensus.AvMinConsensusPct
	}

	r := &Round{
		log: log,
		cfg: cfg,

		consensus: c,

		state: StateOpen,

		validating: cfg.Signer != nil,

		prevLedger:   cfg.PrevLedger,
		prevLedgerID: cfg.PrevLedgerID,

		closeTime: cfg.CloseTime,

		startTime: cfg.TimeKeeper.Now(),

		peerPositions: make(map[lcconsensus.NodeID]lcconsensus.Proposal),
		acquired:      make(map[lcconsensus.TxSetID]*lcconsensus.TxSet),
		compares:      make(map[lcconsensus.TxSetID]struct{}),
		disputes:      make(map[lcconsensus.TxID]*disputedTx),
		closeTimes:    make(map[uint32]int),
		deadNodes:     make(map[lcconsensus.NodeID]struct{}),
		peerIndex:     make(map[lcconsensus.NodeID]uint),
	}
	r.proposing = cfg.Proposing && r.validating

	switch c.Type() {
	case TypeExternalArbiter:
		if cfg.Arbiter == nil {
			return nil, errors.New("RoundConfig.Arbiter required for external consensus")
		}
		r.strat = arbiterStrategy{arbiter: cfg.Arbiter, system: cfg.System}
	default:
		r.strat = avalancheStrategy{}
	}

	log.Debug(
		"Creating consensus round",
		"lcl", cfg.PrevLedgerID.String(),
		"ct", cfg.CloseTime,
	)

	cfg.TxSets.NewRound(cfg.PrevLedger.Seq())

	// Adapt close time resolution to recent network conditions.
	r.closeResolution = lcconsensus.NextCloseTimeResolution(
		cfg.PrevLedger.Header().CloseTimeResolution,
		cfg.PrevLedger.Header().CloseAgree,
		cfg.PrevLedger.Seq()+1,
	)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.haveCorrectLCL = cfg.PrevLedger.ID() == cfg.PrevLedgerID
	if !r.haveCorrectLCL {
		// Handed the wrong prior ledger; stop proposing and try to
		// switch to the right one.
		r.proposing = false
		r.handleLCL(ctx, cfg.PrevLedgerID)

		if !r.haveCorrectLCL {
			log.Info(
				"Entering consensus without correct LCL",
				"have", cfg.PrevLedger.ID().String(),
				"correct", cfg.PrevLedgerID.String(),
			)
		}
	} else if r.validating {
		log.Info("Entering consensus process, validating")
	} else {
		log.Info("Entering consensus process, watching")
	}

	cfg.Metrics.RoundStarted()

	r.playbackProposals(ctx)
	if len(r.peerPositions) > cfg.PrevProposers/2 {
		// We may be falling behind; consider closing immediately.
		r.tickLocked(ctx)
	}

	return r, nil
}

// Tick drives the round forward. The host calls it periodically;
// it is the only mover of round state besides delivered peer events.
func (r *Round) Tick(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tickLocked(ctx)
}

func (r *Round) tickLocked(ctx context.Context) {
	if r.ended {
		return
	}

	if r.state != StateFinished && r.state != StateAccepted {
		r.checkLCL(ctx)
	}

	r.currentMS = r.cfg.TimeKeeper.Now().Sub(r.startTime).Milliseconds()
	r.closePercent = int(r.currentMS * 100 / r.cfg.PrevRoundMS)

	switch r.state {
	case StateOpen:
		r.statePreClose(ctx)
		return

	case StateEstablish:
		r.stateEstablish(ctx)
		if r.state != StateFinished {
			return
		}
		fallthrough

	case StateFinished:
		// Acceptance is in flight; its completion advances the state.
		if r.state != StateAccepted {
			return
		}
		fallthrough

	case StateAccepted:
		r.endConsensus()
	}
}

// statePreClose evaluates the close decision while the ledger is open.
func (r *Round) statePreClose(ctx context.Context) {
	if !r.haveCorrectLCL {
		// Still acquiring the prior ledger the network agrees on;
		// do not advance until we hold it.
		return
	}

	anyTransactions := !r.cfg.OpenLedger.Empty()
	proposersClosed := len(r.peerPositions)
	proposersValidated := r.cfg.Validations.TrustedCount(r.prevLedgerID)

	// How long since the last ledger's close time.
	var sinceCloseMS int64
	{
		prevHeader := r.prevLedger.Header()
		previousCloseCorrect := r.haveCorrectLCL &&
			prevHeader.CloseAgree &&
			prevHeader.CloseTime != prevHeader.ParentCloseTime+1

		closeTime := r.consensus.LastCloseTime()
		if previousCloseCorrect {
			closeTime = prevHeader.CloseTime
		}

		now := r.cfg.TimeKeeper.CloseTime()
		if now >= closeTime {
			sinceCloseMS = int64(now-closeTime) * 1000
		} else {
			sinceCloseMS = -int64(closeTime-now) * 1000
		}
	}

	idleInterval := max(
		r.cfg.IdleInterval,
		2*time.Duration(r.prevLedger.Header().CloseTimeResolution)*time.Second,
	)

	if lcconsensus.ShouldCloseLedger(
		anyTransactions,
		r.cfg.PrevProposers, proposersClosed, proposersValidated,
		r.cfg.PrevRoundMS, sinceCloseMS, r.currentMS,
		idleInterval,
		r.log,
	) {
		r.closeLedger(ctx)
	}
}

// closeLedger snapshots the open ledger as our initial position and
// enters the establish state.
func (r *Round) closeLedger(ctx context.Context) {
	r.checkOurValidation(ctx)

	r.state = StateEstablish
	r.startTime = r.cfg.TimeKeeper.Now()
	r.closeTime = r.cfg.TimeKeeper.CloseTime()
	r.consensus.SetLastCloseTime(r.closeTime)

	r.statusChange(ctx, lcconsensus.EventClosingLedger, r.prevLedger)
	r.takeInitialPosition(ctx)
}

// takeInitialPosition builds the initial transaction set from the open
// ledger, plus flag-ledger pseudo-transactions when due.
func (r *Round) takeInitialPosition(ctx context.Context) {
	b := lcconsensus.NewTxSetBuilder()
	for _, tx := range r.cfg.OpenLedger.Transactions() {
		b.Add(tx)
	}

	if r.proposing && r.haveCorrectLCL && r.prevLedger.IsFlag() {
		// Previous ledger was a flag ledger: vote fees and amendments.
		parentVals := r.cfg.Validations.ValidationsFor(r.prevLedger.ParentID())
		if r.cfg.FeeVoter != nil {
			r.cfg.FeeVoter.DoVoting(r.prevLedger, parentVals, b)
		}
		if r.cfg.AmendmentVoter != nil {
			r.cfg.AmendmentVoter.DoVoting(r.prevLedger, parentVals, b)
		}
	}

	initialSet := b.Snapshot()
	txSet := initialSet.ID()
	r.log.Info("Taking initial position", "txset", txSet.String())

	r.mapCompleteInternal(ctx, txSet, initialSet, false)

	r.ourPosition = lcconsensus.NewPosition(r.prevLedgerID, txSet, r.closeTime)

	for id, d := range r.disputes {
		d.ourVote = initialSet.Has(id)
	}

	// If any peers have taken a contrary position, process disputes.
	seen := make(map[lcconsensus.TxSetID]struct{})
	for _, pos := range r.peerPositions {
		if _, ok := seen[pos.TxSet]; ok {
			continue
		}
		seen[pos.TxSet] = struct{}{}

		if set := r.acquired[pos.TxSet]; set != nil {
			r.compares[set.ID()] = struct{}{}
			r.createDisputes(initialSet, set)
		}
	}

	if r.proposing {
		r.propose(ctx)
	}
}

// stateEstablish updates positions and tests for convergence.
func (r *Round) stateEstablish(ctx context.Context) {
	// Give everyone a chance to take an initial position.
	if r.currentMS < r.cfg.MinConsensus.Milliseconds() {
		return
	}

	r.strat.updateOurPositions(ctx, r)

	if r.ourPosition == nil || !r.strat.haveConsensus(ctx, r) {
		return
	}

	if !r.haveCloseTimeConsensus {
		r.log.Info("We have TX consensus but not CT consensus")
		return
	}

	r.log.Info("Converge cutoff", "participants", len(r.peerPositions))
	r.state = StateFinished
	r.beginAccept(ctx)
}

func (r *Round) endConsensus() {
	if r.ended {
		return
	}
	r.ended = true
	if r.cfg.OnRoundEnd != nil {
		r.cfg.OnRoundEnd(r.haveCorrectLCL)
	}
}

// checkLCL verifies the network still agrees on our prior ledger,
// switching to the preferred one if not.
func (r *Round) checkLCL(ctx context.Context) {
	netLgr := r.prevLedgerID
	netLgrCount := 0

	var priorLedger lcconsensus.LedgerID
	if r.haveCorrectLCL {
		priorLedger = r.prevLedger.ParentID() // don't jump back
	}

	var validSeq uint32
	if tip, err := r.cfg.Ledgers.Tip(ctx); err == nil {
		validSeq = tip.Seq()
	}

	vals := r.cfg.Validations.CurrentTrusted(r.prevLedgerID, priorLedger, validSeq)
	for id, count := range vals {
		if count > netLgrCount ||
			(count == netLgrCount && id == r.prevLedgerID) {
			netLgr = id
			netLgrCount = count
		}
	}

	if netLgr != r.prevLedgerID {
		r.log.Warn(
			"View of consensus changed",
			"state", r.state.String(),
			"correct_lcl", r.haveCorrectLCL,
			"from", r.prevLedgerID.String(),
			"to", netLgr.String(),
			"count", netLgrCount,
		)

		if r.haveCorrectLCL && r.cfg.OnViewChange != nil {
			r.cfg.OnViewChange()
		}
		r.handleLCL(ctx, netLgr)
	} else if r.prevLedger.ID() != r.prevLedgerID {
		r.handleLCL(ctx, netLgr)
	}
}

// handleLCL switches the round to a different prior ledger,
// clearing all position state.
func (r *Round) handleLCL(ctx context.Context, lclID lcconsensus.LedgerID) {
	if r.prevLedgerID != lclID {
		// First time switching to this ledger.
		r.prevLedgerID = lclID

		if r.haveCorrectLCL && r.proposing && r.ourPosition != nil {
			r.log.Info("Bowing out of consensus")
			r.ourPosition.BowOut()
			r.propose(ctx)
		}

		// Stop proposing because we are out of sync.
		r.proposing = false
		r.ourPosition = nil
		r.peerPositions = make(map[lcconsensus.NodeID]lcconsensus.Proposal)
		r.disputes = make(map[lcconsensus.TxID]*disputedTx)
		r.closeTimes = make(map[uint32]int)
		r.deadNodes = make(map[lcconsensus.NodeID]struct{})
		r.peerIndex = make(map[lcconsensus.NodeID]uint)
		r.state = StateOpen

		r.cfg.Metrics.RoundAbandoned()

		// To get back in sync:
		r.playbackProposals(ctx)
	}

	if r.prevLedger.ID() == r.prevLedgerID {
		return
	}

	// We need to switch the ledger we're working from.
	newLCL, err := r.cfg.Ledgers.LoadLedger(ctx, r.prevLedgerID)
	if err != nil {
		if r.acquiringLedger != lclID {
			r.log.Warn("Need consensus ledger", "id", r.prevLedgerID.String())

			r.acquiringLedger = lclID
			id := lclID
			r.cfg.Jobs.Go("acquireConsensusLedger", func() {
				r.cfg.InboundLedgers.Acquire(id, 0)
			})

			r.haveCorrectLCL = false
		}
		return
	}

	r.prevLedger = newLCL
	r.haveCorrectLCL = true

	r.log.Info("Have the consensus ledger", "id", r.prevLedgerID.String())

	r.closeResolution = lcconsensus.NextCloseTimeResolution(
		newLCL.Header().CloseTimeResolution,
		newLCL.Header().CloseAgree,
		newLCL.Seq()+1,
	)
}

// playbackProposals re-applies stored proposals that extend the current
// prior ledger.
func (r *Round) playbackProposals(ctx context.Context) {
	for _, p := range r.consensus.StoredProposals(ctx, r.prevLedgerID) {
		r.applyPeerProposal(ctx, p)
	}
}

// PeerProposal ingests a proposal from the network.
// It reports whether the proposal changed round state.
func (r *Round) PeerProposal(ctx context.Context, p lcconsensus.Proposal) bool {
	if !p.Verify() {
		// Structural: drop silently.
		r.log.Debug("Dropping proposal with bad signature", "peer", p.PeerID.String())
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Retain for playback regardless of which ledger it extends.
	r.consensus.StoreProposal(ctx, p)

	if p.PrevLedger != r.prevLedgerID {
		r.log.Debug(
			"Proposal for different prior ledger",
			"peer", p.PeerID.String(),
			"prev", p.PrevLedger.String(),
		)
		return false
	}

	return r.applyPeerProposal(ctx, p)
}

func (r *Round) applyPeerProposal(ctx context.Context, p lcconsensus.Proposal) bool {
	peerID := p.PeerID

	if _, dead := r.deadNodes[peerID]; dead {
		r.log.Info("Position from dead node", "peer", peerID.String())
		return false
	}

	if cur, ok := r.peerPositions[peerID]; ok {
		if p.ProposeSeq <= cur.ProposeSeq {
			return false
		}
	}

	if _, ok := r.peerIndex[peerID]; !ok {
		r.peerIndex[peerID] = uint(len(r.peerIndex))
	}

	if p.IsBowOut() {
		r.log.Info("Peer bows out", "peer", peerID.String())

		for _, d := range r.disputes {
			d.unVote(peerID)
		}
		delete(r.peerPositions, peerID)
		r.deadNodes[peerID] = struct{}{}
		r.cfg.Metrics.SetProposers(len(r.peerPositions))
		return true
	}

	if p.IsInitial() {
		// Record the close time estimate.
		r.log.Debug(
			"Peer reports close time",
			"peer", peerID.String(),
			"ct", p.CloseTime,
		)
		r.closeTimes[p.CloseTime]++
	}

	r.peerPositions[peerID] = p
	r.cfg.Metrics.SetProposers(len(r.peerPositions))

	if set := r.getTransactionTree(p.TxSet, true); set != nil {
		for id, d := range r.disputes {
			d.setVote(peerID, set.Has(id))
		}
	} else {
		r.log.Debug("Don't have tx set for peer", "peer", peerID.String())
	}

	return true
}

// getTransactionTree returns the set if held,
// optionally starting acquisition on a miss.
func (r *Round) getTransactionTree(id lcconsensus.TxSetID, acquire bool) *lcconsensus.TxSet {
	if set, ok := r.acquired[id]; ok && set != nil {
		return set
	}

	set := r.cfg.TxSets.Get(id, acquire)
	if set != nil {
		r.acquired[id] = set
	}
	return set
}

// MapComplete delivers a finished (or failed) set acquisition.
// Pass a nil set to record a failed acquisition.
func (r *Round) MapComplete(ctx context.Context, id lcconsensus.TxSetID, set *lcconsensus.TxSet, acquired bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mapCompleteInternal(ctx, id, set, acquired)
}

func (r *Round) mapCompleteInternal(ctx context.Context, id lcconsensus.TxSetID, set *lcconsensus.TxSet, acquired bool) {
	if acquired {
		r.log.Debug("We have acquired tx set", "txset", id.String())
	}

	if set == nil {
		// Invalid or corrupt map.
		r.acquired[id] = nil
		r.log.Warn("A trusted node directed us to acquire an invalid tx set", "txset", id.String())
		return
	}

	if existing, ok := r.acquired[id]; ok {
		if existing != nil {
			return // We already have this set.
		}
		// We previously failed to acquire this set; now we have it.
		delete(r.acquired, id)
	}

	if !acquired {
		// Put the set where others can get it.
		r.cfg.TxSets.Give(id, set)
	}

	// Inform directly connected peers that we have this set.
	r.sendHaveTxSet(id, true)

	if r.ourPosition != nil && !r.ourPosition.IsBowOut() && id != r.ourPosition.TxSet() {
		if ours := r.acquired[r.ourPosition.TxSet()]; ours != nil {
			r.compares[id] = struct{}{}
			r.createDisputes(ours, set)
		} else {
			r.log.Warn("Not creating disputes: missing our own set")
		}
	} else if r.ourPosition == nil {
		r.log.Debug("Not creating disputes: no position yet")
	} else if r.ourPosition.IsBowOut() {
		r.log.Warn("Not creating disputes: not participating")
	} else {
		r.log.Debug("Not creating disputes: identical position")
	}

	r.acquired[id] = set

	// Adjust tracking for each peer that takes this position.
	var peers []lcconsensus.NodeID
	for peerID, pos := range r.peerPositions {
		if pos.TxSet == id {
			peers = append(peers, peerID)
		}
	}

	if len(peers) > 0 {
		r.adjustCount(set, peers)
	} else if acquired {
		r.log.Warn("By the time we got the set no peers were proposing it", "txset", id.String())
	}
}

// createDisputes walks the symmetric difference of two sets,
// ensuring a dispute exists for each transaction in exactly one.
func (r *Round) createDisputes(a, b *lcconsensus.TxSet) {
	if a.ID() == b.ID() {
		return
	}

	r.log.Debug("Creating disputes", "a", a.ID().String(), "b", b.ID().String())

	diff := a.Diff(b)
	for id, inA := range diff {
		var tx lcconsensus.Tx
		var ok bool
		if inA {
			tx, ok = a.Get(id)
		} else {
			tx, ok = b.Get(id)
		}
		if !ok {
			continue
		}
		r.addDisputedTransaction(tx)
	}

	r.log.Debug("Differences found", "count", len(diff))
}

func (r *Round) addDisputedTransaction(tx lcconsensus.Tx) {
	if _, ok := r.disputes[tx.ID]; ok {
		return
	}

	r.log.Debug("Transaction is disputed", "tx", tx.ID.String())

	ourVote := false
	if r.ourPosition != nil {
		if ours := r.acquired[r.ourPosition.TxSet()]; ours != nil {
			ourVote = ours.Has(tx.ID)
		}
	}

	d := newDisputedTx(tx, ourVote, r.log)
	r.disputes[tx.ID] = d
	r.cfg.Metrics.DisputeCreated()

	// Update all of the peers' votes on the disputed transaction.
	for peerID, pos := range r.peerPositions {
		if set := r.acquired[pos.TxSet]; set != nil {
			d.setVote(peerID, set.Has(tx.ID))
		}
	}

	// If we didn't relay this transaction recently, relay it.
	if r.cfg.Router.ShouldRelay([32]byte(tx.ID)) {
		r.cfg.Overlay.RelayTransaction(lcconsensus.TxRelay{
			Raw:         tx.Raw,
			ReceiveTime: lcconsensus.NetworkSeconds(r.cfg.TimeKeeper.Now()),
			Status:      lcconsensus.TxRelayNew,
		})
	}
}

// adjustCount reruns the given peers' dispute votes against a set.
func (r *Round) adjustCount(set *lcconsensus.TxSet, peers []lcconsensus.NodeID) {
	for _, d := range r.disputes {
		has := set.Has(d.id)
		for _, peerID := range peers {
			d.setVote(peerID, has)
		}
	}
}

// updateOurPositionsAvalanche recomputes dispute votes under the rising
// threshold schedule and renegotiates the close time.
func (r *Round) updateOurPositionsAvalanche(ctx context.Context) {
	changes := false

	if r.ourPosition != nil && !r.ourPosition.IsBowOut() {
		for _, d := range r.disputes {
			if d.updateVote(r.closePercent, r.proposing) {
				changes = true
			}
		}
	}

	// Bucket close-time votes at the round resolution.
	neededWeight := lcconsensus.DisputeThreshold(r.closePercent)

	closeTimes := make(map[uint32]int)
	for _, pos := range r.peerPositions {
		closeTimes[lcconsensus.RoundCloseTime(pos.CloseTime, r.closeResolution)]++
	}

	participants := len(r.peerPositions)
	if r.proposing && r.ourPosition != nil && !r.ourPosition.IsBowOut() {
		closeTimes[lcconsensus.RoundCloseTime(r.ourPosition.CloseTime(), r.closeResolution)]++
		participants++
	}

	threshVote := lcconsensus.ParticipantsNeeded(participants, neededWeight)
	threshConsensus := lcconsensus.ParticipantsNeeded(participants, lcconsensus.AvCtConsensusPct)

	var closeTime uint32
	r.haveCloseTimeConsensus = false
	for ct, count := range closeTimes {
		if count >= threshVote {
			closeTime = ct
			threshVote = count
			if count >= threshConsensus {
				r.haveCloseTimeConsensus = true
			}
		}
	}

	if !r.haveCloseTimeConsensus {
		r.log.Debug(
			"No close time consensus",
			"proposers", len(r.peerPositions),
			"proposing", r.proposing,
			"thresh", threshConsensus,
		)
	}

	if r.ourPosition == nil || r.ourPosition.IsBowOut() {
		return
	}

	if !changes &&
		closeTime != lcconsensus.RoundCloseTime(r.ourPosition.CloseTime(), r.closeResolution) {
		changes = true
	}

	if !changes {
		return
	}

	ours := r.acquired[r.ourPosition.TxSet()]
	if ours == nil {
		// Transient: our set is mid-reacquisition; try next tick.
		r.log.Warn("Cannot update position: missing our own set")
		return
	}

	b := ours.Mutate()
	for id, d := range r.disputes {
		if d.ourVote {
			if !b.Has(id) {
				b.Add(d.tx)
			}
		} else {
			b.Remove(id)
		}
	}
	newSet := b.Snapshot()

	if !r.ourPosition.ChangePosition(newSet.ID(), closeTime) {
		return
	}

	r.log.Info(
		"Position change",
		"ct", closeTime,
		"txset", newSet.ID().String(),
	)

	r.mapCompleteInternal(ctx, newSet.ID(), newSet, false)
	if r.proposing {
		r.propose(ctx)
	}
}

// haveConsensusAvalanche applies the default convergence rule:
// a supermajority of proposers on our exact position.
func (r *Round) haveConsensusAvalanche() bool {
	if r.ourPosition == nil {
		return false
	}

	ourSet := r.ourPosition.TxSet()

	var agreeing bitset.BitSet
	var disagree int
	for peerID, pos := range r.peerPositions {
		if pos.TxSet == ourSet {
			agreeing.Set(r.peerIndex[peerID])
		} else {
			disagree++
		}
	}

	agree := int(agreeing.Count())
	total := len(r.peerPositions)
	if r.proposing {
		agree++
		total++
	}

	if total == 0 {
		return false
	}

	// Avoid lonely agreement: with live peer proposers,
	// at least one must share our position.
	if len(r.peerPositions) > 0 && agreeing.Count() == 0 {
		return false
	}

	converged := agree*100 >= total*r.cfg.ConvergePct
	if converged {
		r.log.Debug(
			"Consensus reached",
			"agree", agree,
			"disagree", disagree,
			"total", total,
		)
	}
	return converged
}

// propose broadcasts our current position.
func (r *Round) propose(ctx context.Context) {
	if r.cfg.Signer == nil || r.ourPosition == nil {
		return
	}

	if r.ourPosition.IsBowOut() {
		r.log.Debug("We propose: bowOut")
	} else {
		r.log.Debug("We propose", "txset", r.ourPosition.TxSet().String())
	}

	prop, err := r.ourPosition.SignProposal(ctx, r.cfg.Signer)
	if err != nil {
		r.log.Warn("Failed to sign proposal", "err", err)
		return
	}

	r.cfg.Overlay.BroadcastProposal(prop)
}

func (r *Round) sendHaveTxSet(id lcconsensus.TxSetID, direct bool) {
	status := lcconsensus.HaveTxSetCanGet
	if direct {
		status = lcconsensus.HaveTxSetHave
	}
	r.cfg.Overlay.BroadcastHaveTxSet(lcconsensus.HaveTxSet{
		ID:     id,
		Status: status,
	})
}

// statusChange tells peers about a local state change for a ledger.
// Caller must hold r.mu.
func (r *Round) statusChange(ctx context.Context, event lcconsensus.NodeEvent, ledger *lcconsensus.Ledger) {
	r.broadcastStatus(ctx, event, ledger, r.haveCorrectLCL)
}

// checkOurValidation emits a partial validation for the prior ledger if
// our last one has gone stale.
func (r *Round) checkOurValidation(ctx context.Context) {
	// This only covers some cases; it does not help when we can never
	// acquire the consensus ledger.
	if !r.haveCorrectLCL || r.cfg.Signer == nil {
		return
	}

	if last := r.consensus.LastValidation(); last != nil {
		if last.Seq == r.prevLedger.Seq() {
			return
		}
		if last.LedgerID == r.prevLedgerID {
			return
		}
	}

	v := lcconsensus.Validation{
		LedgerID: r.prevLedgerID,
		Seq:      r.prevLedger.Seq(),
		SignTime: lcconsensus.NetworkSeconds(r.cfg.TimeKeeper.Now()),
		Full:     false,
	}
	r.addLoad(&v)

	signed, err := lcconsensus.SignValidation(ctx, r.cfg.Signer, v)
	if err != nil {
		r.log.Warn("Failed to sign partial validation", "err", err)
		return
	}

	// Suppress the full signed message as it will travel the wire.
	r.cfg.Router.Suppress(signed.TransportHash())
	r.cfg.Validations.AddValidation(signed, "localMissing")
	r.consensus.SetLastValidation(signed)
	r.cfg.Overlay.BroadcastValidation(signed)

	r.log.Warn("Sending partial validation")
}

func (r *Round) addLoad(v *lcconsensus.Validation) {
	if r.cfg.LoadFee == nil {
		return
	}
	local, base := r.cfg.LoadFee()
	if local > base {
		v.LoadFee = local
	}
}

// LeaveConsensus bows out of the round without abandoning it;
// we keep watching but stop proposing.
func (r *Round) LeaveConsensus(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveConsensus(ctx)
}

func (r *Round) leaveConsensus(ctx context.Context) {
	if !r.proposing {
		return
	}

	if r.ourPosition != nil && !r.ourPosition.IsBowOut() {
		r.ourPosition.BowOut()
		r.propose(ctx)
	}
	r.proposing = false
}

// Abandon terminates the round without accepting:
// the host calls it when it replaces the round.
// An in-flight acceptance job's result will be discarded.
func (r *Round) Abandon(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ended {
		return
	}

	r.leaveConsensus(ctx)
	r.cfg.Metrics.RoundAbandoned()
	r.endConsensus()
}

// fault abandons the round on an escaping error.
func (r *Round) fault(ctx context.Context, err error) {
	r.leaveConsensus(ctx)
	r.cfg.Metrics.RoundAbandoned()
	r.log.Error("Abandoning round", "err", err)

	if r.cfg.OnFault != nil {
		r.cfg.OnFault(err)
	}
	r.endConsensus()
}

// Simulate runs an entire round locally, without peers,
// for standalone operation and testing.
func (r *Round) Simulate(ctx context.Context) {
	r.log.Info("Simulating consensus")

	r.mu.Lock()
	r.closeLedger(ctx)
	r.currentMS = 100
	in, err := r.acceptInputLocked()
	if err != nil {
		r.fault(ctx, err)
		r.mu.Unlock()
		return
	}
	if !in.set.ID().IsZero() {
		r.consensus.TakePosition(r.prevLedger.Seq(), in.set)
	}
	r.consensus.NewLCL(len(r.peerPositions), r.currentMS)
	r.mu.Unlock()

	// Synchronous accept; the job queue is bypassed.
	r.accept(ctx, in)

	r.mu.Lock()
	r.endConsensus()
	r.mu.Unlock()

	r.log.Info("Simulation complete")
}

// State returns the round's current state.
func (r *Round) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Ended reports whether the round has terminated,
// by acceptance, abandonment, or fault.
func (r *Round) Ended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

// NewLedger returns the accepted ledger, if the round has produced one.
func (r *Round) NewLedger() *lcconsensus.Ledger {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.newLedger
}

// HaveCorrectLCL reports whether we hold the prior ledger the network
// agrees on.
func (r *Round) HaveCorrectLCL() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.haveCorrectLCL
}

// ConsensusFail reports whether this round was marked consensus-failed.
func (r *Round) ConsensusFail() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consensusFail
}

// Proposing reports whether we are actively proposing.
func (r *Round) Proposing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.proposing
}

// GetJSON renders the round for the status API.
func (r *Round) GetJSON(full bool) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	ret := map[string]any{
		"proposing":  r.proposing,
		"validating": r.validating,
		"proposers":  len(r.peerPositions),
	}

	if r.haveCorrectLCL {
		ret["synched"] = true
		ret["ledger_seq"] = r.prevLedger.Seq() + 1
		ret["close_granularity"] = r.closeResolution
	} else {
		ret["synched"] = false
	}

	ret["state"] = r.state.String()

	if len(r.disputes) != 0 && !full {
		ret["disputes"] = len(r.disputes)
	}

	if r.ourPosition != nil {
		ret["our_position"] = map[string]any{
			"tx_set":      r.ourPosition.TxSet().String(),
			"prev_ledger": r.ourPosition.PrevLedger().String(),
			"close_time":  r.ourPosition.CloseTime(),
			"propose_seq": r.ourPosition.ProposeSeq(),
		}
	}

	if !full {
		return ret
	}

	ret["current_ms"] = r.currentMS
	ret["close_percent"] = r.closePercent
	ret["close_resolution"] = r.closeResolution
	ret["have_time_consensus"] = r.haveCloseTimeConsensus
	ret["previous_proposers"] = r.cfg.PrevProposers
	ret["previous_mseconds"] = r.cfg.PrevRoundMS

	if len(r.peerPositions) > 0 {
		ppj := make(map[string]any, len(r.peerPositions))
		for peerID, pos := range r.peerPositions {
			ppj[peerID.String()] = map[string]any{
				"tx_set":      pos.TxSet.String(),
				"propose_seq": pos.ProposeSeq,
				"close_time":  pos.CloseTime,
			}
		}
		ret["peer_positions"] = ppj
	}

	if len(r.acquired) > 0 {
		acq := make(map[string]string, len(r.acquired))
		for id, set := range r.acquired {
			if set != nil {
				acq[id.String()] = "acquired"
			} else {
				acq[id.String()] = "failed"
			}
		}
		ret["acquired"] = acq
	}

	if len(r.disputes) > 0 {
		dsj := make(map[string]any, len(r.disputes))
		for id, d := range r.disputes {
			dsj[id.String()] = map[string]any{
				"our_vote": d.ourVote,
				"yays":     d.yays,
				"nays":     d.nays,
			}
		}
		ret["disputes"] = dsj
	}

	if len(r.closeTimes) > 0 {
		ctj := make(map[string]int, len(r.closeTimes))
		for ct, count := range r.closeTimes {
			ctj[fmt.Sprintf("%d", ct)] = count
		}
		ret["close_times"] = ctj
	}

	if len(r.deadNodes) > 0 {
		dnj := make([]string, 0, len(r.deadNodes))
		for id := range r.deadNodes {
			dnj = append(dnj, id.String())
		}
		ret["dead_nodes"] = dnj
	}

	return ret
}
