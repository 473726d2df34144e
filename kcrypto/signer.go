package kcrypto

import "context"

// Signer is the minimal interface for producing signatures
// with a validation key.
//
// Production nodes load the key from configuration;
// tests use deterministic in-process signers.
type Signer interface {
	PubKey() PubKey

	Sign(ctx context.Context, input []byte) ([]byte, error)
}
