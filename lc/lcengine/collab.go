package lcengine

import (
	"context"

	"github.com/keel-engine/keel/lc/lcconsensus"
)

// Overlay is the narrow slice of the network layer the round needs:
// broadcast of its own messages. Peer input arrives through
// [*Round.PeerProposal] and [*Round.MapComplete], delivered by the host.
type Overlay interface {
	BroadcastProposal(lcconsensus.Proposal)
	BroadcastHaveTxSet(lcconsensus.HaveTxSet)
	BroadcastStatusChange(lcconsensus.StatusChange)
	BroadcastValidation(lcconsensus.Validation)
	RelayTransaction(lcconsensus.TxRelay)
}

// Validations is the round's view of the validation tracking collaborator.
type Validations interface {
	// CurrentTrusted returns trusted validation counts over recent
	// ledgers, restricted to the favored ledger, its parent,
	// and anything newer than validSeq.
	CurrentTrusted(favored, prior lcconsensus.LedgerID, validSeq uint32) map[lcconsensus.LedgerID]int

	// TrustedCount returns the trusted validations seen for one ledger.
	TrustedCount(id lcconsensus.LedgerID) int

	AddValidation(v lcconsensus.Validation, source string)

	// ValidationsFor returns the stored validations for a ledger,
	// used as the parent set for flag-ledger voting.
	ValidationsFor(id lcconsensus.LedgerID) []lcconsensus.Validation
}

// InboundTxSets is the transaction-set acquisition collaborator.
// Completed acquisitions re-enter the round via [*Round.MapComplete].
type InboundTxSets interface {
	// NewRound tells the acquirer which sequence is being built,
	// so it can discard stale work.
	NewRound(seq uint32)

	// Get returns the set if held; with acquire set,
	// a miss starts asynchronous acquisition.
	Get(id lcconsensus.TxSetID, acquire bool) *lcconsensus.TxSet

	// Give publishes a set we built so peers can fetch it.
	Give(id lcconsensus.TxSetID, set *lcconsensus.TxSet)
}

// InboundLedgers acquires ledgers we do not hold locally.
type InboundLedgers interface {
	Acquire(id lcconsensus.LedgerID, seq uint32)
}

// LocalTxs is the pool of transactions this node itself wants included.
type LocalTxs interface {
	TxSet() []lcconsensus.Tx
}

// OpenLedger is the open-ledger (mempool) view.
type OpenLedger interface {
	Empty() bool

	// Transactions snapshots the open ledger's current contents.
	Transactions() []lcconsensus.Tx

	// Accept rebuilds the open view on top of a newly closed ledger,
	// reseeding it with local transactions and retriable disputes.
	Accept(newLedger *lcconsensus.Ledger, localTxs, retriable []lcconsensus.Tx)
}

// ApplyResult classifies one transaction application attempt.
type ApplyResult uint8

const (
	_ ApplyResult = iota // Zero value reserved.

	ApplySuccess

	// ApplyRetry: rejected now but worth retrying in the open ledger.
	ApplyRetry

	// ApplyFail: permanently rejected.
	ApplyFail
)

// TxApplier applies transactions to a ledger under construction.
// Transaction semantics live entirely behind this interface.
// On ApplySuccess, fee is the amount the transaction destroyed.
//
// An error wrapping [lcconsensus.ErrMissingNode] abandons the round.
type TxApplier interface {
	Apply(ctx context.Context, b *lcconsensus.LedgerBuilder, tx lcconsensus.Tx) (res ApplyResult, fee uint64, err error)
}

// FeeVoter injects fee pseudo-transactions on flag ledgers and fee-vote
// fields into validations of flag ledgers.
type FeeVoter interface {
	DoVoting(prev *lcconsensus.Ledger, parentValidations []lcconsensus.Validation, position *lcconsensus.TxSetBuilder)
	DoValidation(newLedger *lcconsensus.Ledger, v *lcconsensus.Validation)
}

// AmendmentVoter is the amendment-table analog of [FeeVoter].
type AmendmentVoter interface {
	DoVoting(prev *lcconsensus.Ledger, parentValidations []lcconsensus.Validation, position *lcconsensus.TxSetBuilder)
	DoValidation(newLedger *lcconsensus.Ledger, v *lcconsensus.Validation)
}

// Jobs dispatches long work off the driver goroutine.
type Jobs interface {
	Go(name string, fn func())
}

// GoJobs runs each job on its own goroutine.
type GoJobs struct{}

func (GoJobs) Go(_ string, fn func()) {
	go fn()
}

// Replay describes a ledger close being replayed instead of built from
// the consensus set.
type Replay struct {
	Txs        []lcconsensus.Tx
	CloseTime  uint32
	CloseAgree bool
}
