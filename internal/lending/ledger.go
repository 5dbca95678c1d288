package lending

import (
	"fmt"
	"math/bits"
	"sort"

	"github.com/atmx/lending-engine/internal/health"
	"github.com/atmx/lending-engine/internal/model"
)

// credit adds amount to the entry for assetID, inserting it if absent. The
// list stays sorted by asset id with at most one entry per asset.
func credit(entries []model.LedgerEntry, assetID uint8, amount uint64) ([]model.LedgerEntry, error) {
	i := sort.Search(len(entries), func(i int) bool { return entries[i].AssetID >= assetID })
	if i < len(entries) && entries[i].AssetID == assetID {
		sum, carry := bits.Add64(entries[i].Amount, amount, 0)
		if carry != 0 {
			return nil, fmt.Errorf("asset %d: %w", assetID, health.ErrArithmeticOverflow)
		}
		entries[i].Amount = sum
		return entries, nil
	}
	entries = append(entries, model.LedgerEntry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = model.LedgerEntry{AssetID: assetID, Amount: amount}
	return entries, nil
}

// debit subtracts amount from the entry for assetID and removes the entry
// when it reaches zero. A missing entry is an insufficient balance.
func debit(entries []model.LedgerEntry, assetID uint8, amount uint64) ([]model.LedgerEntry, error) {
	i := sort.Search(len(entries), func(i int) bool { return entries[i].AssetID >= assetID })
	if i == len(entries) || entries[i].AssetID != assetID {
		return nil, fmt.Errorf("%w: no position in asset %d", ErrInsufficientBalance, assetID)
	}
	if entries[i].Amount < amount {
		return nil, fmt.Errorf("%w: asset %d holds %d, requested %d", ErrInsufficientBalance, assetID, entries[i].Amount, amount)
	}
	entries[i].Amount -= amount
	if entries[i].Amount == 0 {
		entries = append(entries[:i], entries[i+1:]...)
	}
	return entries, nil
}

// normalize sorts both lists by asset id. Stores may return entries in any
// order; the ledger helpers rely on sorted input.
func normalize(ob *model.Obligation) {
	for _, list := range [][]model.LedgerEntry{ob.Deposits, ob.Borrows} {
		sort.Slice(list, func(i, j int) bool { return list[i].AssetID < list[j].AssetID })
	}
}

// applyDelta mutates the working copy ob for op.
func applyDelta(ob *model.Obligation, op model.Operation, assetID uint8, amount uint64) error {
	var err error
	switch op {
	case model.OpDeposit:
		ob.Deposits, err = credit(ob.Deposits, assetID, amount)
	case model.OpWithdraw:
		ob.Deposits, err = debit(ob.Deposits, assetID, amount)
	case model.OpBorrow:
		ob.Borrows, err = credit(ob.Borrows, assetID, amount)
	case model.OpRepay:
		ob.Borrows, err = debit(ob.Borrows, assetID, amount)
	default:
		err = fmt.Errorf("lending: unknown operation %q", op)
	}
	return err
}
