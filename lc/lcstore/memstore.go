package lcstore

import (
	"context"
	"sync"

	"github.com/keel-engine/keel/lc/lcconsensus"
)

// MemLedgerStore is an in-memory LedgerStore for tests and standalone runs.
type MemLedgerStore struct {
	mu     sync.RWMutex
	byID   map[lcconsensus.LedgerID]*lcconsensus.Ledger
	bySeq  map[uint32]*lcconsensus.Ledger
	tipSeq uint32
	any    bool
}

func NewMemLedgerStore() *MemLedgerStore {
	return &MemLedgerStore{
		byID:  make(map[lcconsensus.LedgerID]*lcconsensus.Ledger),
		bySeq: make(map[uint32]*lcconsensus.Ledger),
	}
}

func (s *MemLedgerStore) SaveLedger(_ context.Context, l *lcconsensus.Ledger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID[l.ID()] = l
	s.bySeq[l.Seq()] = l
	if !s.any || l.Seq() > s.tipSeq {
		s.tipSeq = l.Seq()
		s.any = true
	}
	return nil
}

func (s *MemLedgerStore) LoadLedger(_ context.Context, id lcconsensus.LedgerID) (*lcconsensus.Ledger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return l, nil
}

func (s *MemLedgerStore) LoadLedgerBySeq(_ context.Context, seq uint32) (*lcconsensus.Ledger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.bySeq[seq]
	if !ok {
		return nil, ErrNotFound
	}
	return l, nil
}

func (s *MemLedgerStore) Tip(_ context.Context) (*lcconsensus.Ledger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.any {
		return nil, ErrNotFound
	}
	return s.bySeq[s.tipSeq], nil
}

// MemProposalStore is an in-memory ProposalStore.
type MemProposalStore struct {
	mu sync.Mutex

	// Latest proposal per (prev ledger, peer).
	byPrev map[lcconsensus.LedgerID]map[lcconsensus.NodeID]lcconsensus.Proposal
}

func NewMemProposalStore() *MemProposalStore {
	return &MemProposalStore{
		byPrev: make(map[lcconsensus.LedgerID]map[lcconsensus.NodeID]lcconsensus.Proposal),
	}
}

func (s *MemProposalStore) SaveProposal(_ context.Context, p lcconsensus.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	peers, ok := s.byPrev[p.PrevLedger]
	if !ok {
		peers = make(map[lcconsensus.NodeID]lcconsensus.Proposal)
		s.byPrev[p.PrevLedger] = peers
	}

	if cur, ok := peers[p.PeerID]; ok && cur.ProposeSeq >= p.ProposeSeq {
		return nil
	}
	peers[p.PeerID] = p
	return nil
}

func (s *MemProposalStore) LoadProposals(_ context.Context, prevLedger lcconsensus.LedgerID) ([]lcconsensus.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	peers := s.byPrev[prevLedger]
	out := make([]lcconsensus.Proposal, 0, len(peers))
	for _, p := range peers {
		out = append(out, p)
	}
	return out, nil
}

func (s *MemProposalStore) Prune(_ context.Context, keep ...lcconsensus.LedgerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keepSet := make(map[lcconsensus.LedgerID]struct{}, len(keep))
	for _, id := range keep {
		keepSet[id] = struct{}{}
	}
	for id := range s.byPrev {
		if _, ok := keepSet[id]; !ok {
			delete(s.byPrev, id)
		}
	}
	return nil
}
