package lcconsensus

import "golang.org/x/crypto/blake2b"

// Tx is an opaque transaction: raw bytes plus the hash deriving its identity.
// The consensus core never inspects transaction content;
// application is delegated to the [TxApplier] collaborator.
type Tx struct {
	ID  TxID
	Raw []byte
}

// NewTx returns a Tx whose ID is the hash of the raw bytes.
func NewTx(raw []byte) Tx {
	return Tx{
		ID:  TxID(blake2b.Sum256(raw)),
		Raw: raw,
	}
}
