// Package lcarbiter provides the external consensus arbiter:
// a coordination service that short-circuits agreement by
// first-writer-wins on a per-round record.
package lcarbiter

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/keel-engine/keel/lc/lcconsensus"
)

// RoundKey uniquely identifies one consensus round across the system.
type RoundKey struct {
	System string
	Seq    uint32
}

// Position is the (tx set, prior ledger, close time) triple a node
// publishes for a round.
type Position struct {
	TxSet      lcconsensus.TxSetID
	PrevLedger lcconsensus.LedgerID
	CloseTime  uint32
}

// Status classifies the result of a Publish call.
type Status uint8

const (
	_ Status = iota // Zero value reserved.

	// StatusAgreed: no record existed, ours was stored.
	StatusAgreed

	// StatusExists: a record already existed; Outcome.Stored holds it
	// and the caller must adopt it.
	StatusExists

	// StatusRetry: transient backend failure; rerun next tick.
	StatusRetry

	// StatusError: the backend is unusable this round;
	// the caller treats the round as consensus-failed.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusAgreed:
		return "agreed"
	case StatusExists:
		return "exists"
	case StatusRetry:
		return "retry"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Outcome is the result of publishing a position.
type Outcome struct {
	Status Status

	// Stored is the already-published position when Status is StatusExists.
	Stored Position
}

// Arbiter is the pluggable external consensus oracle.
// The first position published for a round key wins;
// later publishers observe the stored record.
type Arbiter interface {
	Publish(ctx context.Context, key RoundKey, pos Position) Outcome
}

// EncodePosition renders a position in the stored node format:
// "<txHashHex>-<prevLedgerHashHex>-<closeTime>".
func EncodePosition(pos Position) string {
	return fmt.Sprintf("%s-%s-%d", pos.TxSet, pos.PrevLedger, pos.CloseTime)
}

// DecodePosition parses the stored node format.
func DecodePosition(s string) (Position, error) {
	parts := strings.Split(s, "-")
	if len(parts) < 3 {
		return Position{}, fmt.Errorf("bad consensus data: %q", s)
	}

	var pos Position
	if err := decodeHash(parts[0], pos.TxSet[:]); err != nil {
		return Position{}, fmt.Errorf("bad tx set hash: %w", err)
	}
	if err := decodeHash(parts[1], pos.PrevLedger[:]); err != nil {
		return Position{}, fmt.Errorf("bad previous ledger hash: %w", err)
	}

	ct, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return Position{}, fmt.Errorf("bad close time: %w", err)
	}
	pos.CloseTime = uint32(ct)

	return pos, nil
}

func decodeHash(s string, dst []byte) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != len(dst) {
		return fmt.Errorf("hash length %d, want %d", len(b), len(dst))
	}
	copy(dst, b)
	return nil
}
