package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"lv-propdesk/internal/ids"
	"lv-propdesk/internal/model"
	"lv-propdesk/internal/types"

	"github.com/shopspring/decimal"
)

// Book is the part of a unit of work that records balance movements.
type Book interface {
	FundingSource() *model.FundingSource
	LastEntry() *model.LedgerEntry
	AppendEntry(e model.LedgerEntry)
}

// Post records a movement that has already been applied to the balance of
// the book's funding source. Zero amounts are skipped.
func Post(b Book, tradeID string, typ types.LedgerEntryType, amount decimal.Decimal, now time.Time) {
	if amount.IsZero() {
		return
	}
	fs := b.FundingSource()
	b.AppendEntry(Next(b.LastEntry(), fs.Ref, tradeID, typ, amount, fs.Balance, now))
}

// Next builds the entry following prev in a funding source's chain.
func Next(prev *model.LedgerEntry, ref model.FundingRef, tradeID string, typ types.LedgerEntryType, amount, balanceAfter decimal.Decimal, now time.Time) model.LedgerEntry {
	e := model.LedgerEntry{
		Ref:          ids.Sortable(),
		FundingRef:   ref,
		TradeID:      tradeID,
		Type:         typ,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Seq:          1,
		CreatedAt:    now.UTC(),
	}
	if prev != nil {
		e.Seq = prev.Seq + 1
		e.PrevHash = prev.Hash
	}
	e.Hash = computeHash(e)
	return e
}

// Verify checks that entries, oldest first, form an unbroken chain.
func Verify(entries []model.LedgerEntry) error {
	var prev *model.LedgerEntry
	for i := range entries {
		e := entries[i]
		if prev != nil && (e.Seq != prev.Seq+1 || e.PrevHash != prev.Hash) {
			return fmt.Errorf("ledger chain broken at seq %d", e.Seq)
		}
		if computeHash(e) != e.Hash {
			return fmt.Errorf("ledger entry %s hash mismatch", e.Ref)
		}
		prev = &entries[i]
	}
	return nil
}

func computeHash(e model.LedgerEntry) string {
	buf := e.Ref + "|" + e.FundingRef.String() + "|" + e.TradeID + "|" + string(e.Type) + "|" +
		e.Amount.String() + "|" + e.BalanceAfter.String() + "|" + strconv.FormatInt(e.Seq, 10) + "|" + e.PrevHash
	sum := sha256.Sum256([]byte(buf))
	return hex.EncodeToString(sum[:])
}
