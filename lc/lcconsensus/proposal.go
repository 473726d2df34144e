package lcconsensus

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/keel-engine/keel/kcrypto"
)

const (
	// InitialProposeSeq marks a peer's first proposal of the round.
	InitialProposeSeq uint32 = 0

	// bowOutSeq is the sequence sentinel announcing the sender is no
	// longer participating this round.
	bowOutSeq uint32 = 0xffffffff
)

// Proposal is an immutable, signed claim by a node of its position:
// the transaction set and close time it wants for the next ledger,
// extending a particular prior ledger.
type Proposal struct {
	PeerID NodeID

	PrevLedger LedgerID
	TxSet      TxSetID
	CloseTime  uint32

	ProposeSeq uint32

	PubKey    kcrypto.PubKey
	Signature []byte
}

func (p Proposal) IsInitial() bool {
	return p.ProposeSeq == InitialProposeSeq
}

func (p Proposal) IsBowOut() bool {
	return p.ProposeSeq == bowOutSeq
}

// SignBytes is the deterministic byte layout covered by the signature,
// matching the wire order: tx set hash, previous ledger, sequence, close time.
func (p Proposal) SignBytes() []byte {
	buf := make([]byte, 0, 32+32+4+4)
	buf = append(buf, p.TxSet[:]...)
	buf = append(buf, p.PrevLedger[:]...)
	buf = binary.BigEndian.AppendUint32(buf, p.ProposeSeq)
	buf = binary.BigEndian.AppendUint32(buf, p.CloseTime)
	return buf
}

// Verify checks the signature and that PeerID is the signing key's address.
func (p Proposal) Verify() bool {
	if p.PubKey == nil {
		return false
	}
	if NodeID(p.PubKey.Address()) != p.PeerID {
		return false
	}
	return p.PubKey.Verify(p.SignBytes(), p.Signature)
}

// Position is the local node's evolving position within one round.
// Peers only ever see it as signed [Proposal] values.
type Position struct {
	prevLedger LedgerID
	txSet      TxSetID
	closeTime  uint32

	seq    uint32
	bowOut bool
}

// NewPosition takes an initial position at [InitialProposeSeq].
func NewPosition(prevLedger LedgerID, txSet TxSetID, closeTime uint32) *Position {
	return &Position{
		prevLedger: prevLedger,
		txSet:      txSet,
		closeTime:  closeTime,
		seq:        InitialProposeSeq,
	}
}

func (p *Position) PrevLedger() LedgerID { return p.prevLedger }
func (p *Position) TxSet() TxSetID       { return p.txSet }
func (p *Position) CloseTime() uint32    { return p.closeTime }
func (p *Position) ProposeSeq() uint32 {
	if p.bowOut {
		return bowOutSeq
	}
	return p.seq
}
func (p *Position) IsBowOut() bool { return p.bowOut }

// ChangePosition adopts a new transaction set and close time,
// bumping the propose sequence.
// It reports false, without changes, after a bow-out.
func (p *Position) ChangePosition(txSet TxSetID, closeTime uint32) bool {
	if p.bowOut {
		return false
	}

	p.txSet = txSet
	p.closeTime = closeTime
	p.seq++
	return true
}

// BowOut marks the position as withdrawn for the rest of the round.
func (p *Position) BowOut() {
	p.bowOut = true
}

// SignProposal produces the signed wire form of the current position.
func (p *Position) SignProposal(ctx context.Context, signer kcrypto.Signer) (Proposal, error) {
	prop := Proposal{
		PeerID: NodeID(signer.PubKey().Address()),

		PrevLedger: p.prevLedger,
		TxSet:      p.txSet,
		CloseTime:  p.closeTime,

		ProposeSeq: p.ProposeSeq(),

		PubKey: signer.PubKey(),
	}

	sig, err := signer.Sign(ctx, prop.SignBytes())
	if err != nil {
		return Proposal{}, fmt.Errorf("failed to sign proposal: %w", err)
	}
	prop.Signature = sig

	return prop, nil
}
