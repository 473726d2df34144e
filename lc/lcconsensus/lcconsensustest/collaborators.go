package lcconsensustest

import (
	"context"
	"sync"
	"time"

	"github.com/keel-engine/keel/lc/lcconsensus"
	"github.com/keel-engine/keel/lc/lcengine"
)

// RecordingOverlay captures everything a round broadcasts.
type RecordingOverlay struct {
	mu sync.Mutex

	Proposals     []lcconsensus.Proposal
	HaveTxSets    []lcconsensus.HaveTxSet
	StatusChanges []lcconsensus.StatusChange
	Validations   []lcconsensus.Validation
	Relayed       []lcconsensus.TxRelay
}

func (o *RecordingOverlay) BroadcastProposal(p lcconsensus.Proposal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Proposals = append(o.Proposals, p)
}

func (o *RecordingOverlay) BroadcastHaveTxSet(h lcconsensus.HaveTxSet) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.HaveTxSets = append(o.HaveTxSets, h)
}

func (o *RecordingOverlay) BroadcastStatusChange(s lcconsensus.StatusChange) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.StatusChanges = append(o.StatusChanges, s)
}

func (o *RecordingOverlay) BroadcastValidation(v lcconsensus.Validation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Validations = append(o.Validations, v)
}

func (o *RecordingOverlay) RelayTransaction(t lcconsensus.TxRelay) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Relayed = append(o.Relayed, t)
}

// LastProposal returns the most recent broadcast proposal.
func (o *RecordingOverlay) LastProposal() (lcconsensus.Proposal, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.Proposals) == 0 {
		return lcconsensus.Proposal{}, false
	}
	return o.Proposals[len(o.Proposals)-1], true
}

// MemValidations is a controllable Validations implementation.
// Trusted counts are set explicitly by the test;
// added validations are recorded but do not change counts.
type MemValidations struct {
	mu sync.Mutex

	counts map[lcconsensus.LedgerID]int
	stored map[lcconsensus.LedgerID][]lcconsensus.Validation

	Added []lcconsensus.Validation
}

func NewMemValidations() *MemValidations {
	return &MemValidations{
		counts: make(map[lcconsensus.LedgerID]int),
		stored: make(map[lcconsensus.LedgerID][]lcconsensus.Validation),
	}
}

// SetTrusted sets the trusted validation count for a ledger.
func (v *MemValidations) SetTrusted(id lcconsensus.LedgerID, count int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.counts[id] = count
}

func (v *MemValidations) CurrentTrusted(_, _ lcconsensus.LedgerID, _ uint32) map[lcconsensus.LedgerID]int {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make(map[lcconsensus.LedgerID]int, len(v.counts))
	for id, c := range v.counts {
		out[id] = c
	}
	return out
}

func (v *MemValidations) TrustedCount(id lcconsensus.LedgerID) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.counts[id]
}

func (v *MemValidations) AddValidation(val lcconsensus.Validation, _ string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Added = append(v.Added, val)
	v.stored[val.LedgerID] = append(v.stored[val.LedgerID], val)
}

func (v *MemValidations) ValidationsFor(id lcconsensus.LedgerID) []lcconsensus.Validation {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stored[id]
}

// MemTxSets is an in-memory acquisition collaborator.
// Tests preload sets with Give or Preload;
// acquisition requests are recorded for assertion.
type MemTxSets struct {
	mu sync.Mutex

	sets map[lcconsensus.TxSetID]*lcconsensus.TxSet

	Requested []lcconsensus.TxSetID
	RoundSeq  uint32
}

func NewMemTxSets() *MemTxSets {
	return &MemTxSets{
		sets: make(map[lcconsensus.TxSetID]*lcconsensus.TxSet),
	}
}

func (m *MemTxSets) NewRound(seq uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RoundSeq = seq
}

func (m *MemTxSets) Get(id lcconsensus.TxSetID, acquire bool) *lcconsensus.TxSet {
	m.mu.Lock()
	defer m.mu.Unlock()

	if set, ok := m.sets[id]; ok {
		return set
	}
	if acquire {
		m.Requested = append(m.Requested, id)
	}
	return nil
}

func (m *MemTxSets) Give(id lcconsensus.TxSetID, set *lcconsensus.TxSet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets[id] = set
}

// Preload is Give under a name that reads better in test setup.
func (m *MemTxSets) Preload(set *lcconsensus.TxSet) {
	m.Give(set.ID(), set)
}

// RecInboundLedgers records ledger acquisition requests.
type RecInboundLedgers struct {
	mu sync.Mutex

	Acquired []lcconsensus.LedgerID
}

func (r *RecInboundLedgers) Acquire(id lcconsensus.LedgerID, _ uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Acquired = append(r.Acquired, id)
}

func (r *RecInboundLedgers) Requests() []lcconsensus.LedgerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]lcconsensus.LedgerID(nil), r.Acquired...)
}

// StaticLocalTxs is a fixed local transaction pool.
type StaticLocalTxs []lcconsensus.Tx

func (s StaticLocalTxs) TxSet() []lcconsensus.Tx {
	return s
}

// MemOpenLedger is a controllable open-ledger view recording its rebuild.
type MemOpenLedger struct {
	mu sync.Mutex

	Txs []lcconsensus.Tx

	AcceptedLedger *lcconsensus.Ledger
	AcceptedLocal  []lcconsensus.Tx
	Retriable      []lcconsensus.Tx
}

func (o *MemOpenLedger) SetTxs(txs ...lcconsensus.Tx) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Txs = txs
}

func (o *MemOpenLedger) Empty() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.Txs) == 0
}

func (o *MemOpenLedger) Transactions() []lcconsensus.Tx {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]lcconsensus.Tx(nil), o.Txs...)
}

func (o *MemOpenLedger) Accept(newLedger *lcconsensus.Ledger, localTxs, retriable []lcconsensus.Tx) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.AcceptedLedger = newLedger
	o.AcceptedLocal = localTxs
	o.Retriable = retriable
	o.Txs = nil
}

// ApplierFunc adapts a function to [lcengine.TxApplier].
type ApplierFunc func(ctx context.Context, b *lcconsensus.LedgerBuilder, tx lcconsensus.Tx) (lcengine.ApplyResult, uint64, error)

func (f ApplierFunc) Apply(ctx context.Context, b *lcconsensus.LedgerBuilder, tx lcconsensus.Tx) (lcengine.ApplyResult, uint64, error) {
	return f(ctx, b, tx)
}

// OKApplier applies every transaction successfully with a unit fee.
func OKApplier() ApplierFunc {
	return func(_ context.Context, _ *lcconsensus.LedgerBuilder, _ lcconsensus.Tx) (lcengine.ApplyResult, uint64, error) {
		return lcengine.ApplySuccess, 1, nil
	}
}

// QueuedJobs collects dispatched jobs so tests run them deterministically.
type QueuedJobs struct {
	mu   sync.Mutex
	jobs []func()
}

func (q *QueuedJobs) Go(_ string, fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, fn)
}

// RunAll runs queued jobs, including ones queued while running,
// and reports how many ran.
func (q *QueuedJobs) RunAll() int {
	n := 0
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 {
			q.mu.Unlock()
			return n
		}
		fn := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.mu.Unlock()

		fn()
		n++
	}
}

// ManualTimeKeeper is a TimeKeeper tests advance by hand.
type ManualTimeKeeper struct {
	mu     sync.Mutex
	now    time.Time
	offset time.Duration
}

func NewManualTimeKeeper(start time.Time) *ManualTimeKeeper {
	return &ManualTimeKeeper{now: start.UTC()}
}

func (k *ManualTimeKeeper) Now() time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.now
}

func (k *ManualTimeKeeper) CloseTime() uint32 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return lcconsensus.NetworkSeconds(k.now.Add(k.offset))
}

func (k *ManualTimeKeeper) AdjustCloseTime(d time.Duration) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.offset += d
}

// Offset returns the accumulated close-time adjustment.
func (k *ManualTimeKeeper) Offset() time.Duration {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.offset
}

func (k *ManualTimeKeeper) Advance(d time.Duration) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.now = k.now.Add(d)
}

// SimpleFeeVoter injects a fee pseudo-transaction when voting and a fee
// vote field when validating flag ledgers.
type SimpleFeeVoter struct {
	Vote lcconsensus.FeeVote
}

func (f SimpleFeeVoter) DoVoting(prev *lcconsensus.Ledger, _ []lcconsensus.Validation, position *lcconsensus.TxSetBuilder) {
	position.Add(lcconsensus.NewTx([]byte("fee-vote-pseudo-tx")))
}

func (f SimpleFeeVoter) DoValidation(_ *lcconsensus.Ledger, v *lcconsensus.Validation) {
	vote := f.Vote
	v.FeeVote = &vote
}

// SimpleAmendmentVoter injects an amendment pseudo-transaction when
// voting and amendment fields when validating flag ledgers.
type SimpleAmendmentVoter struct {
	Features []lcconsensus.FeatureID
}

func (a SimpleAmendmentVoter) DoVoting(prev *lcconsensus.Ledger, _ []lcconsensus.Validation, position *lcconsensus.TxSetBuilder) {
	position.Add(lcconsensus.NewTx([]byte("amendment-vote-pseudo-tx")))
}

func (a SimpleAmendmentVoter) DoValidation(_ *lcconsensus.Ledger, v *lcconsensus.Validation) {
	v.Amendments = append(v.Amendments, a.Features...)
}
