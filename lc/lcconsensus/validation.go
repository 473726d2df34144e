package lcconsensus

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/keel-engine/keel/kcrypto"
	"golang.org/x/crypto/blake2b"
)

// FeatureID identifies an amendment a validator may vote for on flag ledgers.
type FeatureID [32]byte

// FeeVote is the fee schedule a validator recommends on flag ledgers.
type FeeVote struct {
	BaseFee          uint64
	ReserveBase      uint32
	ReserveIncrement uint32
}

// Validation is a signed assertion that a particular ledger is accepted
// by the signer. On flag ledgers it additionally carries fee and
// amendment votes.
type Validation struct {
	LedgerID LedgerID
	Seq      uint32
	SignTime uint32

	// Full is true when the validator was proposing;
	// a partial validation only observes.
	Full bool

	// LoadFee is the validator's local fee level when it exceeds the
	// reference level; zero means absent.
	LoadFee uint32

	// Flag-ledger fields; nil when absent.
	FeeVote    *FeeVote
	Amendments []FeatureID

	PubKey    kcrypto.PubKey
	Signature []byte
}

func (v Validation) SignBytes() []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, v.LedgerID[:]...)
	buf = binary.BigEndian.AppendUint32(buf, v.Seq)
	buf = binary.BigEndian.AppendUint32(buf, v.SignTime)
	if v.Full {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.BigEndian.AppendUint32(buf, v.LoadFee)

	if v.FeeVote != nil {
		buf = append(buf, 1)
		buf = binary.BigEndian.AppendUint64(buf, v.FeeVote.BaseFee)
		buf = binary.BigEndian.AppendUint32(buf, v.FeeVote.ReserveBase)
		buf = binary.BigEndian.AppendUint32(buf, v.FeeVote.ReserveIncrement)
	} else {
		buf = append(buf, 0)
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(v.Amendments)))
	for _, a := range v.Amendments {
		buf = append(buf, a[:]...)
	}

	return buf
}

func (v Validation) Verify() bool {
	if v.PubKey == nil {
		return false
	}
	return v.PubKey.Verify(v.SignBytes(), v.Signature)
}

func (v Validation) NodeID() NodeID {
	return NodeID(v.PubKey.Address())
}

// TransportHash is the hash of the full signed message as it travels the
// wire. Relay suppression keys on this, not on the signing bytes:
// the signature is part of what peers deduplicate.
func (v Validation) TransportHash() [32]byte {
	buf := v.SignBytes()
	buf = append(buf, v.PubKey.PubKeyBytes()...)
	buf = append(buf, v.Signature...)
	return blake2b.Sum256(buf)
}

// SignValidation signs v with the given signer, filling PubKey and Signature.
func SignValidation(ctx context.Context, signer kcrypto.Signer, v Validation) (Validation, error) {
	v.PubKey = signer.PubKey()

	sig, err := signer.Sign(ctx, v.SignBytes())
	if err != nil {
		return Validation{}, fmt.Errorf("failed to sign validation: %w", err)
	}
	v.Signature = sig

	return v, nil
}
