package lcconsensus

// HaveTxSetStatus indicates whether the sender holds a set directly or
// merely knows where to get it.
type HaveTxSetStatus uint8

const (
	_ HaveTxSetStatus = iota // Zero value reserved.

	HaveTxSetHave
	HaveTxSetCanGet
)

// HaveTxSet announces possession of a transaction set to peers.
type HaveTxSet struct {
	ID     TxSetID
	Status HaveTxSetStatus
}

// NodeEvent is the event field of a status change broadcast.
type NodeEvent uint8

const (
	_ NodeEvent = iota // Zero value reserved.

	EventClosingLedger
	EventAcceptedLedger
	EventLostSync
)

func (e NodeEvent) String() string {
	switch e {
	case EventClosingLedger:
		return "closingLedger"
	case EventAcceptedLedger:
		return "acceptedLedger"
	case EventLostSync:
		return "lostSync"
	default:
		return "unknown"
	}
}

// StatusChange tells directly connected peers about a local state change:
// closing the open ledger, accepting a new one, or losing sync.
type StatusChange struct {
	Event       NodeEvent
	Seq         uint32
	NetworkTime uint32

	PrevID LedgerID
	ID     LedgerID

	// FirstSeq and LastSeq advertise the range of ledgers we can serve.
	FirstSeq, LastSeq uint32
}

// TxRelayStatus is the status field on a relayed transaction.
type TxRelayStatus uint8

const (
	_ TxRelayStatus = iota // Zero value reserved.

	TxRelayNew
)

// TxRelay carries a disputed transaction to peers that may not have it.
type TxRelay struct {
	Raw         []byte
	ReceiveTime uint32
	Status      TxRelayStatus
}
