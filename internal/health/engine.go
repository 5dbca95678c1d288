// Package health scores an obligation against the registry, the risk matrix
// and a set of resolved prices.
//
// The score is the risk-weighted collateral divided by the total borrow
// value, where each deposit's contribution against a borrow is weighted by
// that borrow's share of the total:
//
//	score = Σ_i Σ_j deposit_i × borrow_j × w(i, j) / TB²
//
// Values are fixed-point integers in 1e-8 dollars and all intermediate
// products are 256-bit with explicit overflow checks. Nothing here touches
// the network, the clock or the store.
package health

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/registry"
	"github.com/atmx/lending-engine/internal/risk"
)

// ScoreDecimals is the number of decimal places a score is reported with.
// Further digits are truncated, never rounded up.
const ScoreDecimals = 6

// MinScoreScaled is the protocol-wide threshold at ScoreDecimals
// precision (1.0). A position passes when its score is greater than or
// equal to it.
const MinScoreScaled = 1_000_000

// MinHealthScore returns the threshold as a decimal.
func MinHealthScore() decimal.Decimal {
	return decimal.New(MinScoreScaled, -ScoreDecimals)
}

var (
	// ErrArithmeticOverflow is returned when a value does not fit the
	// 256-bit working width.
	ErrArithmeticOverflow = errors.New("health: arithmetic overflow")

	// ErrMissingPrice is returned when an asset in the obligation has no
	// resolved price.
	ErrMissingPrice = errors.New("health: missing price for asset")

	// ErrInvalidPrice is returned for a non-positive resolved price.
	ErrInvalidPrice = errors.New("health: price must be positive")
)

var (
	scoreScale  = uint256.NewInt(1_000_000) // 10^ScoreDecimals
	weightScale = uint256.NewInt(uint64(risk.MaxWeight))
	minScaled   = uint256.NewInt(MinScoreScaled)
)

// Report is a verdict plus the aggregate values it was derived from, all in
// dollars.
type Report struct {
	Verdict            model.HealthVerdict `json:"verdict"`
	DepositValue       decimal.Decimal     `json:"deposit_value"`
	BorrowValue        decimal.Decimal     `json:"borrow_value"`
	WeightedCollateral decimal.Decimal     `json:"weighted_collateral"`
}

// Evaluate scores ob. prices must hold an entry for every asset the
// obligation references. All lookups go through the single snapshot.
func Evaluate(ob *model.Obligation, snap *registry.Snapshot, prices map[uint8]model.ResolvedPrice) (model.HealthVerdict, error) {
	r, err := Assess(ob, snap, prices)
	if err != nil {
		return model.HealthVerdict{}, err
	}
	return r.Verdict, nil
}

type valued struct {
	assetID uint8
	value   *uint256.Int
}

// Assess is Evaluate with the aggregate values attached.
func Assess(ob *model.Obligation, snap *registry.Snapshot, prices map[uint8]model.ResolvedPrice) (Report, error) {
	deposits, totalDeposit, err := valueEntries(ob.Deposits, snap, prices)
	if err != nil {
		return Report{}, err
	}
	borrows, totalBorrow, err := valueEntries(ob.Borrows, snap, prices)
	if err != nil {
		return Report{}, err
	}

	report := Report{
		DepositValue: toDollars(totalDeposit),
		BorrowValue:  toDollars(totalBorrow),
	}

	// Nothing borrowed: nothing to be unhealthy against.
	if totalBorrow.IsZero() {
		report.Verdict = model.HealthVerdict{Score: decimal.Zero, Unbounded: true, Passed: true}
		report.WeightedCollateral = report.DepositValue
		return report, nil
	}

	// weighted = Σ_i Σ_j d_i × b_j × w_ij, in (1e-8 $)² × bps.
	weighted := new(uint256.Int)
	for _, b := range borrows {
		for _, d := range deposits {
			w := snap.Weight(d.assetID, b.assetID)
			if w == 0 {
				continue
			}
			term, overflow := new(uint256.Int).MulOverflow(d.value, b.value)
			if overflow {
				return Report{}, ErrArithmeticOverflow
			}
			if _, overflow = term.MulOverflow(term, uint256.NewInt(uint64(w))); overflow {
				return Report{}, ErrArithmeticOverflow
			}
			if _, overflow = weighted.AddOverflow(weighted, term); overflow {
				return Report{}, ErrArithmeticOverflow
			}
		}
	}

	// denom = MaxWeight × TB²
	denom, overflow := new(uint256.Int).MulOverflow(totalBorrow, totalBorrow)
	if overflow {
		return Report{}, ErrArithmeticOverflow
	}
	if _, overflow = denom.MulOverflow(denom, weightScale); overflow {
		return Report{}, ErrArithmeticOverflow
	}

	scaled, overflow := new(uint256.Int).MulOverflow(weighted, scoreScale)
	if overflow {
		return Report{}, ErrArithmeticOverflow
	}
	scaled.Div(scaled, denom)

	// Weighted collateral in 1e-8 dollars: weighted / (MaxWeight × TB).
	collateralDenom := new(uint256.Int).Mul(totalBorrow, weightScale) // cannot overflow: TB² × MaxWeight did not
	collateral := new(uint256.Int).Div(weighted, collateralDenom)

	report.WeightedCollateral = toDollars(collateral)
	report.Verdict = model.HealthVerdict{
		Score:  decimal.NewFromBigInt(scaled.ToBig(), -ScoreDecimals),
		Passed: !scaled.Lt(minScaled),
	}
	return report, nil
}

// valueEntries converts each entry to its dollar value in 1e-8 units:
// amount × price × 10^8 / 10^decimals.
func valueEntries(entries []model.LedgerEntry, snap *registry.Snapshot, prices map[uint8]model.ResolvedPrice) ([]valued, *uint256.Int, error) {
	out := make([]valued, 0, len(entries))
	total := new(uint256.Int)
	for _, e := range entries {
		asset, ok := snap.Asset(e.AssetID)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %d", registry.ErrUnknownAsset, e.AssetID)
		}
		rp, ok := prices[e.AssetID]
		if !ok {
			return nil, nil, fmt.Errorf("%w: %d", ErrMissingPrice, e.AssetID)
		}
		price, err := FixedPrice(rp.Price)
		if err != nil {
			return nil, nil, fmt.Errorf("asset %d: %w", e.AssetID, err)
		}

		v, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(e.Amount), price)
		if overflow {
			return nil, nil, ErrArithmeticOverflow
		}
		v.Div(v, pow10(asset.Decimals))

		if _, overflow = total.AddOverflow(total, v); overflow {
			return nil, nil, ErrArithmeticOverflow
		}
		out = append(out, valued{assetID: e.AssetID, value: v})
	}
	return out, total, nil
}

// FixedPrice converts a dollar price into 1e-8 dollar units, truncating
// finer digits.
func FixedPrice(p decimal.Decimal) (*uint256.Int, error) {
	fixed := p.Shift(model.PriceDecimals).Truncate(0)
	if !fixed.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPrice, p)
	}
	v, overflow := uint256.FromBig(fixed.BigInt())
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return v, nil
}

func pow10(n uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
}

func toDollars(v *uint256.Int) decimal.Decimal {
	return decimal.NewFromBigInt(v.ToBig(), -model.PriceDecimals)
}
