package lcengine

import (
	"log/slog"

	"github.com/keel-engine/keel/lc/lcconsensus"
)

// disputedTx tracks one transaction at least one peer disagrees with us
// about: the raw bytes, our vote, and every peer's vote.
type disputedTx struct {
	id  lcconsensus.TxID
	tx  lcconsensus.Tx
	log *slog.Logger

	ourVote bool

	votes map[lcconsensus.NodeID]bool
	yays  int
	nays  int
}

func newDisputedTx(tx lcconsensus.Tx, ourVote bool, log *slog.Logger) *disputedTx {
	return &disputedTx{
		id:      tx.ID,
		tx:      tx,
		log:     log,
		ourVote: ourVote,
		votes:   make(map[lcconsensus.NodeID]bool),
	}
}

func (d *disputedTx) setVote(peer lcconsensus.NodeID, vote bool) {
	cur, known := d.votes[peer]
	if known && cur == vote {
		return
	}

	if known {
		if cur {
			d.yays--
		} else {
			d.nays--
		}
	}

	d.votes[peer] = vote
	if vote {
		d.yays++
	} else {
		d.nays++
	}
}

func (d *disputedTx) unVote(peer lcconsensus.NodeID) {
	cur, known := d.votes[peer]
	if !known {
		return
	}

	delete(d.votes, peer)
	if cur {
		d.yays--
	} else {
		d.nays--
	}
}

// updateVote recomputes our vote under the avalanche schedule and
// reports whether it changed.
//
// When proposing, our own current vote counts as one voter and the
// required percentage rises with closePercent. Observers simply follow
// the majority.
func (d *disputedTx) updateVote(closePercent int, proposing bool) bool {
	if d.ourVote && d.nays == 0 {
		return false
	}
	if !d.ourVote && d.yays == 0 {
		return false
	}

	var newVote bool
	if proposing {
		weight := d.yays * 100
		if d.ourVote {
			weight += 100
		}
		weight = (weight + 50) / (d.yays + d.nays + 1)

		newVote = weight > lcconsensus.DisputeThreshold(closePercent)
	} else {
		newVote = d.yays > d.nays
	}

	if newVote == d.ourVote {
		return false
	}

	d.ourVote = newVote
	d.log.Debug(
		"Vote changed on disputed transaction",
		"tx", d.id.String(),
		"vote", newVote,
		"yays", d.yays,
		"nays", d.nays,
	)
	return true
}
