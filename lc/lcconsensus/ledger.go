package lcconsensus

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// LedgerHeader is the closed-ledger header.
// The state tree is out of scope here; the header carries the hashes and
// timing fields consensus needs.
type LedgerHeader struct {
	Seq      uint32
	ParentID LedgerID

	TxSetID TxSetID

	// Close times are network seconds; see [NetworkSeconds].
	CloseTime       uint32
	ParentCloseTime uint32

	// CloseTimeResolution is the granularity, in seconds,
	// the close time was rounded to.
	CloseTimeResolution uint32

	// CloseAgree is false when the network agreed to disagree on the
	// close time and CloseTime is merely ParentCloseTime+1.
	CloseAgree bool

	// TotalFees is the sum of fees destroyed by this ledger's transactions.
	TotalFees uint64

	TxCount uint32
}

func (h LedgerHeader) signingBytes() []byte {
	buf := make([]byte, 0, 4+32+32+4+4+4+1+8+4)
	buf = binary.BigEndian.AppendUint32(buf, h.Seq)
	buf = append(buf, h.ParentID[:]...)
	buf = append(buf, h.TxSetID[:]...)
	buf = binary.BigEndian.AppendUint32(buf, h.CloseTime)
	buf = binary.BigEndian.AppendUint32(buf, h.ParentCloseTime)
	buf = binary.BigEndian.AppendUint32(buf, h.CloseTimeResolution)
	if h.CloseAgree {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.BigEndian.AppendUint64(buf, h.TotalFees)
	buf = binary.BigEndian.AppendUint32(buf, h.TxCount)
	return buf
}

// Ledger is a sealed, immutable closed ledger.
type Ledger struct {
	header LedgerHeader
	id     LedgerID
}

// SealLedger computes the header hash and returns the immutable ledger.
func SealLedger(h LedgerHeader) *Ledger {
	return &Ledger{
		header: h,
		id:     LedgerID(blake2b.Sum256(h.signingBytes())),
	}
}

func (l *Ledger) ID() LedgerID         { return l.id }
func (l *Ledger) Header() LedgerHeader { return l.header }
func (l *Ledger) Seq() uint32          { return l.header.Seq }
func (l *Ledger) ParentID() LedgerID   { return l.header.ParentID }
func (l *Ledger) CloseTime() uint32    { return l.header.CloseTime }

// IsFlag reports whether this ledger is a flag ledger,
// i.e. its sequence is divisible by [FlagLedgerInterval].
func (l *Ledger) IsFlag() bool {
	return l.header.Seq%FlagLedgerInterval == 0
}

// LedgerBuilder is the mutable view used while applying a consensus
// transaction set. It is confined to the acceptance job;
// Seal produces the shared immutable result.
type LedgerBuilder struct {
	parent *Ledger

	txSetID TxSetID

	applied   []Tx
	totalFees uint64
	dirty     int
}

// NewLedgerBuilder starts a ledger parented on prev,
// recording the position set it is built from.
func NewLedgerBuilder(prev *Ledger, txSetID TxSetID) *LedgerBuilder {
	return &LedgerBuilder{
		parent:  prev,
		txSetID: txSetID,
	}
}

func (b *LedgerBuilder) Parent() *Ledger { return b.parent }
func (b *LedgerBuilder) Seq() uint32     { return b.parent.Seq() + 1 }

// Record notes a successfully applied transaction and the fee it destroyed.
func (b *LedgerBuilder) Record(tx Tx, fee uint64) {
	b.applied = append(b.applied, tx)
	b.totalFees += fee
	b.dirty++
}

func (b *LedgerBuilder) Applied() []Tx { return b.applied }

// Flush returns the number of dirty nodes written since the last call.
func (b *LedgerBuilder) Flush() int {
	n := b.dirty
	b.dirty = 0
	return n
}

// Seal closes the builder into an immutable ledger with the given,
// already finalized, close time fields.
func (b *LedgerBuilder) Seal(closeTime, closeResolution uint32, closeAgree bool) *Ledger {
	return SealLedger(LedgerHeader{
		Seq:      b.Seq(),
		ParentID: b.parent.ID(),

		TxSetID: b.txSetID,

		CloseTime:           closeTime,
		ParentCloseTime:     b.parent.CloseTime(),
		CloseTimeResolution: closeResolution,
		CloseAgree:          closeAgree,

		TotalFees: b.totalFees,
		TxCount:   uint32(len(b.applied)),
	})
}
