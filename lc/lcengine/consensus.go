package lcengine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/keel-engine/keel/lc/lcconsensus"
	"github.com/keel-engine/keel/lc/lcstore"
)

// Consensus holds the state that outlives a single round:
// the selected consensus type, the last close time and validation,
// recently taken positions, and the proposal playback store.
//
// One Consensus serves the whole process; each round is constructed
// against it and reports back when it ends.
type Consensus struct {
	log *slog.Logger

	proposals lcstore.ProposalStore

	mu sync.Mutex

	typ Type

	lastCloseTime  uint32
	lastValidation *lcconsensus.Validation

	// Positions taken in recent rounds, kept so peers rebuilding can
	// fetch them; pruned as sequences advance.
	recentPositions map[uint32]*lcconsensus.TxSet

	prevProposers int
	prevRoundMS   int64
}

func NewConsensus(log *slog.Logger, proposals lcstore.ProposalStore, typ Type) *Consensus {
	return &Consensus{
		log: log,

		proposals: proposals,

		typ: typ,

		recentPositions: make(map[uint32]*lcconsensus.TxSet),

		prevRoundMS: lcconsensus.LedgerIdleInterval.Milliseconds(),
	}
}

func (c *Consensus) Type() Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typ
}

// SetType changes the process-wide consensus type.
// Rounds already running are unaffected.
func (c *Consensus) SetType(t Type) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.typ != t {
		c.log.Info("Consensus type changed", "type", t.String())
		c.typ = t
	}
}

func (c *Consensus) LastCloseTime() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCloseTime
}

func (c *Consensus) SetLastCloseTime(t uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastCloseTime = t
}

func (c *Consensus) LastValidation() *lcconsensus.Validation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastValidation
}

func (c *Consensus) SetLastValidation(v lcconsensus.Validation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastValidation = &v
}

// TakePosition retains the position set consensus settled on for seq,
// pruning positions more than a few sequences old.
func (c *Consensus) TakePosition(seq uint32, set *lcconsensus.TxSet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.recentPositions[seq] = set
	for s := range c.recentPositions {
		if s+4 < seq {
			delete(c.recentPositions, s)
		}
	}
}

// NewLCL records the stats of a completed round for the next one.
func (c *Consensus) NewLCL(proposers int, roundMS int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.prevProposers = proposers
	if roundMS > 0 {
		c.prevRoundMS = roundMS
	}
}

func (c *Consensus) PrevProposers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prevProposers
}

func (c *Consensus) PrevRoundMS() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prevRoundMS
}

// StoreProposal saves a verified proposal for replay after LCL switches.
func (c *Consensus) StoreProposal(ctx context.Context, p lcconsensus.Proposal) {
	if err := c.proposals.SaveProposal(ctx, p); err != nil {
		c.log.Warn("Failed to store proposal", "err", err)
	}
}

// StoredProposals returns saved proposals extending prevLedger.
func (c *Consensus) StoredProposals(ctx context.Context, prevLedger lcconsensus.LedgerID) []lcconsensus.Proposal {
	props, err := c.proposals.LoadProposals(ctx, prevLedger)
	if err != nil {
		c.log.Warn("Failed to load stored proposals", "err", err)
		return nil
	}
	return props
}
