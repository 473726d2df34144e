// Package lcsqlite provides a SQLite-backed ledger store,
// using a pure Go driver so builds stay cgo-free.
package lcsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/keel-engine/keel/lc/lcconsensus"
	"github.com/keel-engine/keel/lc/lcstore"

	_ "modernc.org/sqlite"
)

// Store implements [lcstore.LedgerStore] on a SQLite database.
// Only headers are stored; the state tree lives elsewhere.
type Store struct {
	db *sql.DB
}

// Open opens (and if needed creates) the database at path.
// Use ":memory:" for an ephemeral store.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS ledgers (
  seq INTEGER NOT NULL,
  id BLOB NOT NULL PRIMARY KEY,
  parent_id BLOB NOT NULL,
  txset_id BLOB NOT NULL,
  close_time INTEGER NOT NULL,
  parent_close_time INTEGER NOT NULL,
  close_resolution INTEGER NOT NULL,
  close_agree INTEGER NOT NULL,
  total_fees INTEGER NOT NULL,
  tx_count INTEGER NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS ledgers_by_seq ON ledgers (seq)`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SaveLedger(ctx context.Context, l *lcconsensus.Ledger) error {
	h := l.Header()
	id := l.ID()

	_, err := s.db.ExecContext(ctx, `
INSERT OR REPLACE INTO ledgers
  (seq, id, parent_id, txset_id, close_time, parent_close_time, close_resolution, close_agree, total_fees, tx_count)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.Seq, id[:], h.ParentID[:], h.TxSetID[:],
		h.CloseTime, h.ParentCloseTime, h.CloseTimeResolution,
		boolToInt(h.CloseAgree), h.TotalFees, h.TxCount,
	)
	if err != nil {
		return fmt.Errorf("failed to save ledger %d: %w", h.Seq, err)
	}
	return nil
}

func (s *Store) LoadLedger(ctx context.Context, id lcconsensus.LedgerID) (*lcconsensus.Ledger, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT seq, parent_id, txset_id, close_time, parent_close_time, close_resolution, close_agree, total_fees, tx_count
FROM ledgers WHERE id = ?`, id[:])
	return scanLedger(row)
}

func (s *Store) LoadLedgerBySeq(ctx context.Context, seq uint32) (*lcconsensus.Ledger, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT seq, parent_id, txset_id, close_time, parent_close_time, close_resolution, close_agree, total_fees, tx_count
FROM ledgers WHERE seq = ? ORDER BY rowid DESC LIMIT 1`, seq)
	return scanLedger(row)
}

func (s *Store) Tip(ctx context.Context) (*lcconsensus.Ledger, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT seq, parent_id, txset_id, close_time, parent_close_time, close_resolution, close_agree, total_fees, tx_count
FROM ledgers ORDER BY seq DESC LIMIT 1`)
	return scanLedger(row)
}

func scanLedger(row *sql.Row) (*lcconsensus.Ledger, error) {
	var (
		h          lcconsensus.LedgerHeader
		parentID   []byte
		txSetID    []byte
		closeAgree int
	)

	err := row.Scan(
		&h.Seq, &parentID, &txSetID,
		&h.CloseTime, &h.ParentCloseTime, &h.CloseTimeResolution,
		&closeAgree, &h.TotalFees, &h.TxCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, lcstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan ledger row: %w", err)
	}

	copy(h.ParentID[:], parentID)
	copy(h.TxSetID[:], txSetID)
	h.CloseAgree = closeAgree != 0

	return lcconsensus.SealLedger(h), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
