package lcstore

import (
	"context"
	"errors"

	"github.com/keel-engine/keel/lc/lcconsensus"
)

// ErrNotFound is returned when a requested ledger is absent. Loading
// proposals for an unknown prior ledger returns an empty result instead.
var ErrNotFound = errors.New("not found")

// LedgerStore stores and retrieves closed ledgers by hash and sequence.
type LedgerStore interface {
	SaveLedger(ctx context.Context, l *lcconsensus.Ledger) error

	LoadLedger(ctx context.Context, id lcconsensus.LedgerID) (*lcconsensus.Ledger, error)

	LoadLedgerBySeq(ctx context.Context, seq uint32) (*lcconsensus.Ledger, error)

	// Tip returns the highest-sequence stored ledger.
	Tip(ctx context.Context) (*lcconsensus.Ledger, error)
}

// ProposalStore retains recent peer proposals keyed by the prior ledger
// they extend, so a round can replay them after switching its view of
// the last closed ledger.
type ProposalStore interface {
	SaveProposal(ctx context.Context, p lcconsensus.Proposal) error

	// LoadProposals returns stored proposals extending prevLedger.
	LoadProposals(ctx context.Context, prevLedger lcconsensus.LedgerID) ([]lcconsensus.Proposal, error)

	// Prune drops proposals for ledgers other than the given ones.
	Prune(ctx context.Context, keep ...lcconsensus.LedgerID) error
}
