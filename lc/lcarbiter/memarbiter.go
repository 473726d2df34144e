package lcarbiter

import (
	"context"
	"sync"
)

// MemArbiter is an in-process Arbiter with first-writer-wins semantics,
// for tests and standalone multi-round runs.
type MemArbiter struct {
	mu     sync.Mutex
	stored map[RoundKey]Position
}

func NewMemArbiter() *MemArbiter {
	return &MemArbiter{
		stored: make(map[RoundKey]Position),
	}
}

func (a *MemArbiter) Publish(_ context.Context, key RoundKey, pos Position) Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()

	if cur, ok := a.stored[key]; ok {
		return Outcome{Status: StatusExists, Stored: cur}
	}

	a.stored[key] = pos
	return Outcome{Status: StatusAgreed}
}

// Forget drops the record for a round, as session loss would in ZooKeeper.
func (a *MemArbiter) Forget(key RoundKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.stored, key)
}
