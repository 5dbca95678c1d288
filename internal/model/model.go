// Package model defines the core domain types shared across the lending engine.
// Prices and scores use shopspring/decimal; ledger amounts are integer base
// units of the asset. Never float64 for money.
package model

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/feed"
)

// Asset is one entry of the asset registry.
type Asset struct {
	ID            uint8           `json:"id"`
	Decimals      uint8           `json:"decimals"`
	FallbackPrice decimal.Decimal `json:"fallback_price"` // dollars per whole token
	FeedID        feed.ID         `json:"feed_id"`
}

// RiskWeight is a symmetric pairwise collateral weight. Stored with
// AssetA < AssetB; WeightBps is in [0, 10000].
type RiskWeight struct {
	AssetA    uint8  `json:"asset_a"`
	AssetB    uint8  `json:"asset_b"`
	WeightBps uint16 `json:"weight_bps"`
}

// LedgerEntry is one position line of an obligation. Amount is in base
// units (10^decimals per whole token).
type LedgerEntry struct {
	AssetID uint8  `json:"asset_id"`
	Amount  uint64 `json:"amount,string"`
}

// Obligation is a single owner's combined deposit and borrow position.
// No totals are stored: every aggregate is recomputed from the entries.
type Obligation struct {
	ID        string        `json:"id"` // unique per Init; a reopened owner gets a new one
	Owner     string        `json:"owner"`
	Deposits  []LedgerEntry `json:"deposits"`
	Borrows   []LedgerEntry `json:"borrows"`
	CreatedAt time.Time     `json:"created_at"`
}

// Clone returns a deep copy suitable as a working copy.
func (o *Obligation) Clone() *Obligation {
	c := *o
	c.Deposits = append([]LedgerEntry{}, o.Deposits...)
	c.Borrows = append([]LedgerEntry{}, o.Borrows...)
	return &c
}

// IsEmpty reports whether both lists are empty.
func (o *Obligation) IsEmpty() bool {
	return len(o.Deposits) == 0 && len(o.Borrows) == 0
}

// References reports whether either list holds an entry for assetID.
func (o *Obligation) References(assetID uint8) bool {
	for _, e := range o.Deposits {
		if e.AssetID == assetID {
			return true
		}
	}
	for _, e := range o.Borrows {
		if e.AssetID == assetID {
			return true
		}
	}
	return false
}

// AssetIDs returns the sorted union of asset ids across deposits and borrows.
func (o *Obligation) AssetIDs() []uint8 {
	seen := make(map[uint8]struct{}, len(o.Deposits)+len(o.Borrows))
	var ids []uint8
	for _, list := range [][]LedgerEntry{o.Deposits, o.Borrows} {
		for _, e := range list {
			if _, ok := seen[e.AssetID]; ok {
				continue
			}
			seen[e.AssetID] = struct{}{}
			ids = append(ids, e.AssetID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// PriceSource tags where a resolved price came from.
type PriceSource string

const (
	SourceOracle   PriceSource = "oracle"
	SourceFallback PriceSource = "fallback"
)

// ResolvedPrice is the price used for one asset during one health check.
// Never persisted on its own; copied into Decision records for audit.
type ResolvedPrice struct {
	AssetID uint8           `json:"asset_id"`
	Price   decimal.Decimal `json:"price"`
	Source  PriceSource     `json:"source"`
	AsOf    *time.Time      `json:"as_of,omitempty"`
	Reason  string          `json:"reason,omitempty"` // why the oracle price was rejected
}

// HealthVerdict is the result of scoring an obligation.
type HealthVerdict struct {
	Score     decimal.Decimal `json:"score"`
	Unbounded bool            `json:"unbounded"` // no borrows: trivially healthy
	Passed    bool            `json:"passed"`
}

// Operation names a mutating obligation operation.
type Operation string

const (
	OpDeposit  Operation = "deposit"
	OpWithdraw Operation = "withdraw"
	OpBorrow   Operation = "borrow"
	OpRepay    Operation = "repay"
)

// Gated reports whether a failing verdict must reject the operation.
// Borrow and withdraw can only worsen health; deposit and repay cannot.
func (op Operation) Gated() bool {
	return op == OpBorrow || op == OpWithdraw
}

// Decision is an immutable audit record of one mutating operation attempt.
// Once created, these are never modified or deleted.
type Decision struct {
	ID           string          `json:"id"`
	ObligationID string          `json:"obligation_id"`
	Owner        string          `json:"owner"`
	Operation    Operation       `json:"operation"`
	AssetID      uint8           `json:"asset_id"`
	Amount       uint64          `json:"amount,string"`
	Verdict      *HealthVerdict  `json:"verdict,omitempty"` // nil when scoring failed
	Committed    bool            `json:"committed"`
	Prices       []ResolvedPrice `json:"prices"`
	Timestamp    time.Time       `json:"timestamp"`
}

// PriceDecimals is the fixed-point precision of prices in health math:
// the smallest representable price is 1e-8 dollars.
const PriceDecimals = 8

// MaxAssetDecimals bounds an asset's base-unit precision.
const MaxAssetDecimals = 18
