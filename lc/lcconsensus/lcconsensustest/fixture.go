// Package lcconsensustest provides deterministic fixtures for exercising
// the consensus core in tests.
package lcconsensustest

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/keel-engine/keel/kcrypto"
	"github.com/keel-engine/keel/lc/lcconsensus"
)

// PrivVal is the private view of a test validator,
// so tests have access to the signer backing each peer.
type PrivVal struct {
	Signer kcrypto.Signer
}

func (v PrivVal) NodeID() lcconsensus.NodeID {
	return lcconsensus.NodeID(v.Signer.PubKey().Address())
}

type PrivVals []PrivVal

// DeterministicValidatorsEd25519 returns n validators with keys derived
// from fixed seeds, so identities are stable across test runs.
func DeterministicValidatorsEd25519(n int) PrivVals {
	out := make(PrivVals, n)
	for i := range out {
		seed := make([]byte, ed25519.SeedSize)
		copy(seed, fmt.Sprintf("validator-seed-%03d", i))
		out[i] = PrivVal{
			Signer: kcrypto.NewEd25519Signer(ed25519.NewKeyFromSeed(seed)),
		}
	}
	return out
}

// Fixture collects deterministic validators and a genesis ledger,
// with helpers for building the values a round consumes.
type Fixture struct {
	PrivVals PrivVals

	Genesis *lcconsensus.Ledger
}

// NewFixture returns a fixture with numVals deterministic ed25519
// validators and a genesis ledger at sequence 1.
func NewFixture(numVals int) *Fixture {
	return &Fixture{
		PrivVals: DeterministicValidatorsEd25519(numVals),

		Genesis: lcconsensus.SealLedger(lcconsensus.LedgerHeader{
			Seq:                 1,
			CloseTime:           800000000,
			ParentCloseTime:     799999970,
			CloseTimeResolution: lcconsensus.DefaultCloseTimeResolution,
			CloseAgree:          true,
		}),
	}
}

// Tx returns a transaction whose bytes (and therefore ID) derive from seed.
func (f *Fixture) Tx(seed string) lcconsensus.Tx {
	return lcconsensus.NewTx([]byte(seed))
}

// TxSet builds an immutable set from the given transactions.
func (f *Fixture) TxSet(txs ...lcconsensus.Tx) *lcconsensus.TxSet {
	b := lcconsensus.NewTxSetBuilder()
	for _, tx := range txs {
		b.Add(tx)
	}
	return b.Snapshot()
}

// Proposal returns a signed proposal from validator valIdx.
func (f *Fixture) Proposal(
	ctx context.Context,
	valIdx int,
	prevLedger lcconsensus.LedgerID,
	txSet lcconsensus.TxSetID,
	closeTime uint32,
	proposeSeq uint32,
) lcconsensus.Proposal {
	signer := f.PrivVals[valIdx].Signer

	p := lcconsensus.Proposal{
		PeerID: lcconsensus.NodeID(signer.PubKey().Address()),

		PrevLedger: prevLedger,
		TxSet:      txSet,
		CloseTime:  closeTime,

		ProposeSeq: proposeSeq,

		PubKey: signer.PubKey(),
	}

	sig, err := signer.Sign(ctx, p.SignBytes())
	if err != nil {
		panic(fmt.Errorf("failed to sign fixture proposal: %w", err))
	}
	p.Signature = sig

	return p
}

// BowOut returns a signed bow-out proposal from validator valIdx.
func (f *Fixture) BowOut(
	ctx context.Context,
	valIdx int,
	prevLedger lcconsensus.LedgerID,
	txSet lcconsensus.TxSetID,
) lcconsensus.Proposal {
	return f.Proposal(ctx, valIdx, prevLedger, txSet, 0, 0xffffffff)
}
