package health

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/registry"
	"github.com/atmx/lending-engine/internal/risk"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

const (
	assetA uint8 = iota + 1
	assetB
	assetC
	assetD
)

// fourAssets builds the A..D registry with 6 decimals, $1 each, and the
// weights AB=0.8 BC=0.8 CD=0.6 AC=0.9 BD=0.4 AD=0.6.
func fourAssets(t *testing.T) (*registry.Snapshot, map[uint8]model.ResolvedPrice) {
	t.Helper()
	var assets []model.Asset
	prices := make(map[uint8]model.ResolvedPrice)
	for _, id := range []uint8{assetA, assetB, assetC, assetD} {
		assets = append(assets, model.Asset{ID: id, Decimals: 6, FallbackPrice: d("1")})
		prices[id] = model.ResolvedPrice{AssetID: id, Price: d("1"), Source: model.SourceFallback}
	}
	m := risk.NewMatrix()
	for _, w := range []struct {
		a, b uint8
		bps  risk.Weight
	}{
		{assetA, assetB, 8000},
		{assetB, assetC, 8000},
		{assetC, assetD, 6000},
		{assetA, assetC, 9000},
		{assetB, assetD, 4000},
		{assetA, assetD, 6000},
	} {
		require.NoError(t, m.Set(w.a, w.b, w.bps))
	}
	return registry.NewSnapshot(assets, m), prices
}

func usd(n uint64) uint64 { return n * 1_000_000 }

func TestScenarioHealthy(t *testing.T) {
	snap, prices := fourAssets(t)
	ob := &model.Obligation{
		Deposits: []model.LedgerEntry{{AssetID: assetA, Amount: usd(1000)}, {AssetID: assetB, Amount: usd(1000)}},
		Borrows:  []model.LedgerEntry{{AssetID: assetC, Amount: usd(250)}, {AssetID: assetD, Amount: usd(750)}},
	}

	r, err := Assess(ob, snap, prices)
	require.NoError(t, err)
	assert.True(t, r.Verdict.Score.Equal(d("1.175")), "score = %s", r.Verdict.Score)
	assert.True(t, r.Verdict.Passed)
	assert.False(t, r.Verdict.Unbounded)
	assert.True(t, r.DepositValue.Equal(d("2000")))
	assert.True(t, r.BorrowValue.Equal(d("1000")))
	assert.True(t, r.WeightedCollateral.Equal(d("1175")))
}

func TestScenarioUnhealthy(t *testing.T) {
	snap, prices := fourAssets(t)
	ob := &model.Obligation{
		Deposits: []model.LedgerEntry{{AssetID: assetA, Amount: usd(1000)}, {AssetID: assetB, Amount: usd(1000)}},
		Borrows:  []model.LedgerEntry{{AssetID: assetC, Amount: usd(750)}, {AssetID: assetD, Amount: usd(750)}},
	}

	v, err := Evaluate(ob, snap, prices)
	require.NoError(t, err)
	assert.True(t, v.Score.Equal(d("0.9")), "score = %s", v.Score)
	assert.False(t, v.Passed)
}

func TestNoBorrowsIsUnbounded(t *testing.T) {
	snap, prices := fourAssets(t)
	for _, ob := range []*model.Obligation{
		{},
		{Deposits: []model.LedgerEntry{{AssetID: assetA, Amount: 1}}},
	} {
		v, err := Evaluate(ob, snap, prices)
		require.NoError(t, err)
		assert.True(t, v.Unbounded)
		assert.True(t, v.Passed)
	}
}

func TestBorrowWithoutCollateralFails(t *testing.T) {
	snap, prices := fourAssets(t)
	ob := &model.Obligation{Borrows: []model.LedgerEntry{{AssetID: assetC, Amount: usd(1)}}}

	v, err := Evaluate(ob, snap, prices)
	require.NoError(t, err)
	assert.True(t, v.Score.IsZero())
	assert.False(t, v.Passed)
}

func TestUnlistedPairContributesNothing(t *testing.T) {
	assets := []model.Asset{
		{ID: 1, Decimals: 6, FallbackPrice: d("1")},
		{ID: 2, Decimals: 6, FallbackPrice: d("1")},
	}
	snap := registry.NewSnapshot(assets, nil)
	prices := map[uint8]model.ResolvedPrice{
		1: {AssetID: 1, Price: d("1")},
		2: {AssetID: 2, Price: d("1")},
	}
	ob := &model.Obligation{
		Deposits: []model.LedgerEntry{{AssetID: 1, Amount: usd(1_000_000)}},
		Borrows:  []model.LedgerEntry{{AssetID: 2, Amount: usd(1)}},
	}

	v, err := Evaluate(ob, snap, prices)
	require.NoError(t, err)
	assert.True(t, v.Score.IsZero())
	assert.False(t, v.Passed)
}

func TestSameAssetDepositAndBorrowWeighsZero(t *testing.T) {
	snap, prices := fourAssets(t)
	ob := &model.Obligation{
		Deposits: []model.LedgerEntry{{AssetID: assetA, Amount: usd(100)}},
		Borrows:  []model.LedgerEntry{{AssetID: assetA, Amount: usd(10)}},
	}
	v, err := Evaluate(ob, snap, prices)
	require.NoError(t, err)
	assert.False(t, v.Passed)
}

func TestThresholdBoundary(t *testing.T) {
	// 0.8 weight: deposit 1250 against borrow 1000 is exactly 1.0.
	snap, prices := fourAssets(t)
	ob := &model.Obligation{
		Deposits: []model.LedgerEntry{{AssetID: assetA, Amount: usd(1250)}},
		Borrows:  []model.LedgerEntry{{AssetID: assetB, Amount: usd(1000)}},
	}
	v, err := Evaluate(ob, snap, prices)
	require.NoError(t, err)
	assert.True(t, v.Score.Equal(MinHealthScore()), "score = %s", v.Score)
	assert.True(t, v.Passed)
	assert.Equal(t, "1", MinHealthScore().String())

	ob.Borrows[0].Amount++
	v, err = Evaluate(ob, snap, prices)
	require.NoError(t, err)
	assert.False(t, v.Passed)
	assert.True(t, v.Score.LessThan(MinHealthScore()), "score = %s", v.Score)
}

func TestDecimalsAndPrices(t *testing.T) {
	// 0.5 BTC (8 decimals) at $60000 against 10000 USDC (6 decimals) at $1,
	// weight 0.5: 30000 × 0.5 / 10000 = 1.5.
	assets := []model.Asset{
		{ID: 1, Decimals: 8, FallbackPrice: d("60000")},
		{ID: 2, Decimals: 6, FallbackPrice: d("1")},
	}
	m := risk.NewMatrix()
	require.NoError(t, m.Set(1, 2, 5000))
	snap := registry.NewSnapshot(assets, m)
	prices := map[uint8]model.ResolvedPrice{
		1: {AssetID: 1, Price: d("60000"), Source: model.SourceOracle},
		2: {AssetID: 2, Price: d("1"), Source: model.SourceFallback},
	}
	ob := &model.Obligation{
		Deposits: []model.LedgerEntry{{AssetID: 1, Amount: 50_000_000}},
		Borrows:  []model.LedgerEntry{{AssetID: 2, Amount: 10_000_000_000}},
	}

	r, err := Assess(ob, snap, prices)
	require.NoError(t, err)
	assert.True(t, r.Verdict.Score.Equal(d("1.5")), "score = %s", r.Verdict.Score)
	assert.True(t, r.DepositValue.Equal(d("30000")))
}

func TestScoreTruncates(t *testing.T) {
	// 1 × 0.5 / 3 = 0.1666666... -> 0.166666
	assets := []model.Asset{
		{ID: 1, Decimals: 0, FallbackPrice: d("1")},
		{ID: 2, Decimals: 0, FallbackPrice: d("1")},
	}
	m := risk.NewMatrix()
	require.NoError(t, m.Set(1, 2, 5000))
	snap := registry.NewSnapshot(assets, m)
	prices := map[uint8]model.ResolvedPrice{1: {Price: d("1")}, 2: {Price: d("1")}}
	ob := &model.Obligation{
		Deposits: []model.LedgerEntry{{AssetID: 1, Amount: 1}},
		Borrows:  []model.LedgerEntry{{AssetID: 2, Amount: 3}},
	}
	v, err := Evaluate(ob, snap, prices)
	require.NoError(t, err)
	assert.Equal(t, "0.166666", v.Score.StringFixed(ScoreDecimals))
}

func TestOverflow(t *testing.T) {
	assets := []model.Asset{
		{ID: 1, Decimals: 0, FallbackPrice: d("1e30")},
		{ID: 2, Decimals: 0, FallbackPrice: d("1e30")},
	}
	m := risk.NewMatrix()
	require.NoError(t, m.Set(1, 2, 10_000))
	snap := registry.NewSnapshot(assets, m)
	prices := map[uint8]model.ResolvedPrice{1: {Price: d("1e30")}, 2: {Price: d("1e30")}}
	ob := &model.Obligation{
		Deposits: []model.LedgerEntry{{AssetID: 1, Amount: math.MaxUint64}},
		Borrows:  []model.LedgerEntry{{AssetID: 2, Amount: math.MaxUint64}},
	}

	_, err := Evaluate(ob, snap, prices)
	assert.ErrorIs(t, err, ErrArithmeticOverflow)
}

func TestLargeButRepresentable(t *testing.T) {
	// $10^9 positions at 6 decimals must not overflow.
	snap, prices := fourAssets(t)
	ob := &model.Obligation{
		Deposits: []model.LedgerEntry{{AssetID: assetA, Amount: usd(1_000_000_000)}},
		Borrows:  []model.LedgerEntry{{AssetID: assetC, Amount: usd(900_000_000)}},
	}
	v, err := Evaluate(ob, snap, prices)
	require.NoError(t, err)
	assert.True(t, v.Score.Equal(d("1")), "score = %s", v.Score)
}

func TestErrors(t *testing.T) {
	snap, prices := fourAssets(t)

	_, err := Evaluate(&model.Obligation{Deposits: []model.LedgerEntry{{AssetID: 42, Amount: 1}}}, snap, prices)
	assert.ErrorIs(t, err, registry.ErrUnknownAsset)

	delete(prices, assetB)
	_, err = Evaluate(&model.Obligation{Borrows: []model.LedgerEntry{{AssetID: assetB, Amount: 1}}}, snap, prices)
	assert.ErrorIs(t, err, ErrMissingPrice)

	prices[assetB] = model.ResolvedPrice{AssetID: assetB, Price: d("0")}
	_, err = Evaluate(&model.Obligation{Borrows: []model.LedgerEntry{{AssetID: assetB, Amount: 1}}}, snap, prices)
	assert.ErrorIs(t, err, ErrInvalidPrice)
}
