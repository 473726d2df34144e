package lcconsensus

import (
	"bytes"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// MaxTxSetDiff caps the number of differences reported when comparing
// two transaction sets, bounding the work a hostile position can cause.
const MaxTxSetDiff = 16384

// TxSet is an immutable, hashed set of transactions: the "position"
// a node proposes for the next ledger.
//
// Sets are shared between the round, the acquisition subsystem,
// and background acceptance jobs, so they are never mutated after
// [TxSetBuilder.Snapshot] seals them.
type TxSet struct {
	id  TxSetID
	txs map[TxID]Tx
}

// TxSetBuilder accumulates transactions for a new set.
// Snapshot seals the builder into an immutable TxSet.
type TxSetBuilder struct {
	txs map[TxID]Tx
}

func NewTxSetBuilder() *TxSetBuilder {
	return &TxSetBuilder{txs: make(map[TxID]Tx)}
}

func (b *TxSetBuilder) Add(tx Tx) {
	b.txs[tx.ID] = tx
}

func (b *TxSetBuilder) Remove(id TxID) {
	delete(b.txs, id)
}

func (b *TxSetBuilder) Has(id TxID) bool {
	_, ok := b.txs[id]
	return ok
}

// Snapshot seals the builder's current contents into an immutable set.
// The builder remains usable; further mutation does not affect the snapshot.
func (b *TxSetBuilder) Snapshot() *TxSet {
	txs := make(map[TxID]Tx, len(b.txs))
	for id, tx := range b.txs {
		txs[id] = tx
	}

	return &TxSet{
		id:  computeTxSetID(txs),
		txs: txs,
	}
}

// computeTxSetID hashes the set content in sorted ID order.
// The empty set hashes to the zero ID,
// so "no transactions" is recognizable without holding the set.
func computeTxSetID(txs map[TxID]Tx) TxSetID {
	if len(txs) == 0 {
		return TxSetID{}
	}

	ids := make([]TxID, 0, len(txs))
	for id := range txs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})

	h, _ := blake2b.New256(nil)
	for _, id := range ids {
		_, _ = h.Write(id[:])
		sum := blake2b.Sum256(txs[id].Raw)
		_, _ = h.Write(sum[:])
	}

	var out TxSetID
	copy(out[:], h.Sum(nil))
	return out
}

func (s *TxSet) ID() TxSetID {
	return s.id
}

func (s *TxSet) Len() int {
	return len(s.txs)
}

func (s *TxSet) Has(id TxID) bool {
	_, ok := s.txs[id]
	return ok
}

func (s *TxSet) Get(id TxID) (Tx, bool) {
	tx, ok := s.txs[id]
	return tx, ok
}

// Mutate returns a builder seeded with the set's contents,
// for deriving an adjusted position.
func (s *TxSet) Mutate() *TxSetBuilder {
	b := NewTxSetBuilder()
	for _, tx := range s.txs {
		b.Add(tx)
	}
	return b
}

// Canonical returns the set's transactions in canonical apply order:
// deterministic across nodes, but unpredictable before the set is fixed,
// because the ordering key is each ID salted with the set hash.
func (s *TxSet) Canonical() []Tx {
	type keyed struct {
		key [32]byte
		tx  Tx
	}

	ks := make([]keyed, 0, len(s.txs))
	for id, tx := range s.txs {
		var k [32]byte
		for i := range k {
			k[i] = id[i] ^ s.id[i]
		}
		ks = append(ks, keyed{key: k, tx: tx})
	}
	sort.Slice(ks, func(i, j int) bool {
		return bytes.Compare(ks[i].key[:], ks[j].key[:]) < 0
	})

	out := make([]Tx, len(ks))
	for i, k := range ks {
		out[i] = k.tx
	}
	return out
}

// Diff reports the symmetric difference between s and other:
// true means the transaction is only in s, false only in other.
// At most [MaxTxSetDiff] entries are reported.
func (s *TxSet) Diff(other *TxSet) map[TxID]bool {
	out := make(map[TxID]bool)

	for id := range s.txs {
		if len(out) >= MaxTxSetDiff {
			return out
		}
		if !other.Has(id) {
			out[id] = true
		}
	}
	for id := range other.txs {
		if len(out) >= MaxTxSetDiff {
			return out
		}
		if !s.Has(id) {
			out[id] = false
		}
	}

	return out
}
