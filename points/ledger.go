/*
ledger.go - Dual-entry ledger writer

PURPOSE:
  Every points movement is recorded as a pair of immutable rows sharing one
  transfer id and one timestamp: a debit row for the sender and a credit
  row for the receiver.

INVARIANTS:
  - sender row:   IsCredit=false, After = Before - Points
  - receiver row: IsCredit=true,  After = Before + Points
  - both rows are appended in a single AppendEntries call
  - a failed append aborts the enclosing unit of work (no retries)

EXAMPLE:
  Owner 7 (balance 1000) recharges Master 12 (balance 50) by 300:

    transfer 3f2a..  user 7   debit  300  1000 ->  700
    transfer 3f2a..  user 12  credit 300    50 ->  350

SEE ALSO:
  - guard.go: Supplies the sender's Before value
  - transfer.go, refund.go: Callers
*/
package points

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Transfer describes one movement of points to be recorded.
type Transfer struct {
	FromID     int64
	ToID       int64
	Points     int64
	FromDesc   string
	ToDesc     string
	FromBefore int64
	ToBefore   int64
	At         time.Time
}

// RecordTransfer writes the ledger pair for t and returns both rows.
func RecordTransfer(ctx context.Context, ledger LedgerStore, t Transfer) ([2]LedgerEntry, error) {
	var pair [2]LedgerEntry
	if t.Points < 0 {
		return pair, invalid("transfer points cannot be negative")
	}
	if t.At.IsZero() {
		t.At = time.Now()
	}

	id := uuid.NewString()
	at := t.At.UnixMilli()
	pair[0] = LedgerEntry{
		TransferID:  id,
		UserID:      t.FromID,
		Points:      t.Points,
		Description: t.FromDesc,
		IsCredit:    false,
		CreatedAt:   at,
		Before:      t.FromBefore,
		After:       t.FromBefore - t.Points,
	}
	pair[1] = LedgerEntry{
		TransferID:  id,
		UserID:      t.ToID,
		Points:      t.Points,
		Description: t.ToDesc,
		IsCredit:    true,
		CreatedAt:   at,
		Before:      t.ToBefore,
		After:       t.ToBefore + t.Points,
	}

	entries := pair[:]
	if err := ledger.AppendEntries(ctx, entries); err != nil {
		return pair, &LedgerWriteError{TransferID: id, Err: err}
	}
	return pair, nil
}
