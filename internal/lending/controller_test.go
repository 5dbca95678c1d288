package lending

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/lending-engine/internal/feed"
	"github.com/atmx/lending-engine/internal/health"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/oracle"
	"github.com/atmx/lending-engine/internal/registry"
	"github.com/atmx/lending-engine/internal/risk"
	"github.com/atmx/lending-engine/internal/store"
)

const (
	assetA uint8 = iota + 1
	assetB
	assetC
	assetD
)

var feedA = feed.MustParse("0xe62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43")

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// usd is n whole tokens of a 6-decimal asset.
func usd(n uint64) uint64 { return n * 1_000_000 }

type env struct {
	ctrl    *Controller
	catalog *registry.Catalog
	store   *store.MemoryStore
}

// newEnv registers assets A..D (6 decimals, $1) with the weights
// AB=0.8 BC=0.8 CD=0.6 AC=0.9 BD=0.4 AD=0.6. Prices resolve through the
// given resolver, or fall back when it is nil.
func newEnv(t *testing.T, resolver PriceResolver) *env {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	catalog := registry.NewCatalog(st)
	for _, id := range []uint8{assetA, assetB, assetC, assetD} {
		a := model.Asset{ID: id, Decimals: 6, FallbackPrice: dec("1")}
		if id == assetA {
			a.FeedID = feedA
		}
		_, err := catalog.Register(ctx, a)
		require.NoError(t, err)
	}
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
		_, err := catalog.SetWeight(ctx, w.a, w.b, w.bps)
		require.NoError(t, err)
	}
	if resolver == nil {
		resolver = oracle.NewResolver(nil, nil, nil, time.Minute, oracle.DefaultPolicy)
	}
	return &env{ctrl: NewController(st, catalog, resolver, nil), catalog: catalog, store: st}
}

func (e *env) scenarioA(t *testing.T, owner string) {
	t.Helper()
	ctx := context.Background()
	_, err := e.ctrl.Init(ctx, owner)
	require.NoError(t, err)
	_, err = e.ctrl.Deposit(ctx, owner, assetA, usd(1000), nil)
	require.NoError(t, err)
	_, err = e.ctrl.Deposit(ctx, owner, assetB, usd(1000), nil)
	require.NoError(t, err)
	_, err = e.ctrl.Borrow(ctx, owner, assetC, usd(250), nil)
	require.NoError(t, err)
}

func snapshotJSON(t *testing.T, e *env, owner string) []byte {
	t.Helper()
	ob, err := e.ctrl.Get(context.Background(), owner)
	require.NoError(t, err)
	b, err := json.Marshal(ob)
	require.NoError(t, err)
	return b
}

func TestScenarioAThenB(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.scenarioA(t, "alice")

	res, err := e.ctrl.Borrow(ctx, "alice", assetD, usd(750), nil)
	require.NoError(t, err)
	require.NotNil(t, res.Verdict)
	assert.True(t, res.Verdict.Score.Equal(dec("1.175")), "score = %s", res.Verdict.Score)
	assert.True(t, res.Verdict.Passed)
	for _, p := range res.Prices {
		assert.Equal(t, model.SourceFallback, p.Source)
	}

	before := snapshotJSON(t, e, "alice")

	_, err = e.ctrl.Borrow(ctx, "alice", assetC, usd(500), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHealthCheckFailed)
	var hcf *HealthCheckFailedError
	require.True(t, errors.As(err, &hcf))
	assert.True(t, hcf.Score.Equal(dec("0.9")), "score = %s", hcf.Score)
	assert.Equal(t, model.OpBorrow, hcf.Operation)

	assert.Equal(t, string(before), string(snapshotJSON(t, e, "alice")), "ledger must be unchanged after rejection")

	decisions, err := e.ctrl.Decisions(ctx, "alice", 1)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.False(t, decisions[0].Committed)
	require.NotNil(t, decisions[0].Verdict)
	assert.False(t, decisions[0].Verdict.Passed)
	assert.Len(t, decisions[0].Prices, 4)
}

func TestDepositMergesEntries(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	_, err := e.ctrl.Init(ctx, "bob")
	require.NoError(t, err)

	for _, id := range []uint8{assetC, assetA, assetC} {
		_, err := e.ctrl.Deposit(ctx, "bob", id, 10, nil)
		require.NoError(t, err)
	}
	ob, err := e.ctrl.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []model.LedgerEntry{{AssetID: assetA, Amount: 10}, {AssetID: assetC, Amount: 20}}, ob.Deposits)
	assert.Empty(t, ob.Borrows)
}

func TestRepayAndWithdrawRemoveEntries(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.scenarioA(t, "carol")

	_, err := e.ctrl.Repay(ctx, "carol", assetC, usd(300), nil)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	_, err = e.ctrl.Repay(ctx, "carol", assetD, 1, nil)
	assert.ErrorIs(t, err, ErrInsufficientBalance, "no position is an insufficient balance")

	res, err := e.ctrl.Repay(ctx, "carol", assetC, usd(250), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Obligation.Borrows)
	require.NotNil(t, res.Verdict)
	assert.True(t, res.Verdict.Unbounded)

	_, err = e.ctrl.Withdraw(ctx, "carol", assetA, usd(1000), nil)
	require.NoError(t, err)
	ob, err := e.ctrl.Get(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, []model.LedgerEntry{{AssetID: assetB, Amount: usd(1000)}}, ob.Deposits)
}

func TestWithdrawIsGated(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	_, err := e.ctrl.Init(ctx, "dave")
	require.NoError(t, err)
	_, err = e.ctrl.Deposit(ctx, "dave", assetA, usd(100), nil)
	require.NoError(t, err)
	_, err = e.ctrl.Borrow(ctx, "dave", assetC, usd(50), nil)
	require.NoError(t, err)

	before := snapshotJSON(t, e, "dave")
	// 40 × 0.9 / 50 = 0.72
	_, err = e.ctrl.Withdraw(ctx, "dave", assetA, usd(60), nil)
	var hcf *HealthCheckFailedError
	require.ErrorAs(t, err, &hcf)
	assert.True(t, hcf.Score.Equal(dec("0.72")), "score = %s", hcf.Score)
	assert.Equal(t, string(before), string(snapshotJSON(t, e, "dave")))

	// 50 × 0.9 / 50 = 0.9, still short.
	_, err = e.ctrl.Withdraw(ctx, "dave", assetA, usd(50), nil)
	assert.ErrorIs(t, err, ErrHealthCheckFailed)

	// 100 - 44 = 56; 56 × 0.9 / 50 = 1.008
	_, err = e.ctrl.Withdraw(ctx, "dave", assetA, usd(44), nil)
	assert.NoError(t, err)
}

func TestDepositAndRepayNeverGated(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	_, err := e.ctrl.Init(ctx, "erin")
	require.NoError(t, err)
	_, err = e.ctrl.Deposit(ctx, "erin", assetA, usd(100), nil)
	require.NoError(t, err)
	_, err = e.ctrl.Borrow(ctx, "erin", assetC, usd(80), nil)
	require.NoError(t, err)

	// Collateral price halves: the position is now underwater.
	_, err = e.catalog.Update(ctx, assetA, dec("0.5"), feedA)
	require.NoError(t, err)

	res, err := e.ctrl.Deposit(ctx, "erin", assetA, usd(1), nil)
	require.NoError(t, err)
	require.NotNil(t, res.Verdict)
	assert.False(t, res.Verdict.Passed, "verdict is still reported")

	res, err = e.ctrl.Repay(ctx, "erin", assetC, usd(1), nil)
	require.NoError(t, err)
	assert.False(t, res.Verdict.Passed)

	_, err = e.ctrl.Borrow(ctx, "erin", assetC, 1, nil)
	assert.ErrorIs(t, err, ErrHealthCheckFailed)
}

func TestStructuralErrors(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)

	_, err := e.ctrl.Deposit(ctx, "nobody", assetA, 1, nil)
	assert.ErrorIs(t, err, ErrObligationNotFound)
	_, err = e.ctrl.Get(ctx, "nobody")
	assert.ErrorIs(t, err, ErrObligationNotFound)
	assert.ErrorIs(t, e.ctrl.Close(ctx, "nobody"), ErrObligationNotFound)

	_, err = e.ctrl.Init(ctx, "frank")
	require.NoError(t, err)
	_, err = e.ctrl.Init(ctx, "frank")
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
	_, err = e.ctrl.Init(ctx, "  ")
	assert.ErrorIs(t, err, ErrInvalidOwner)

	_, err = e.ctrl.Deposit(ctx, "frank", 99, 1, nil)
	assert.ErrorIs(t, err, registry.ErrUnknownAsset)
	_, err = e.ctrl.Borrow(ctx, "frank", assetA, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = e.ctrl.Deposit(ctx, "frank", assetA, math.MaxUint64, nil)
	require.NoError(t, err)
	_, err = e.ctrl.Deposit(ctx, "frank", assetA, 1, nil)
	assert.ErrorIs(t, err, health.ErrArithmeticOverflow)

	decisions, err := e.ctrl.Decisions(ctx, "frank", 0)
	require.NoError(t, err)
	assert.Len(t, decisions, 1, "structural failures are not journaled")
}

func TestCloseLifecycle(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	_, err := e.ctrl.Init(ctx, "gina")
	require.NoError(t, err)
	_, err = e.ctrl.Deposit(ctx, "gina", assetB, 5, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, e.ctrl.Close(ctx, "gina"), ErrObligationNotEmpty)

	_, err = e.ctrl.Withdraw(ctx, "gina", assetB, 5, nil)
	require.NoError(t, err)
	require.NoError(t, e.ctrl.Close(ctx, "gina"))

	_, err = e.ctrl.Get(ctx, "gina")
	assert.ErrorIs(t, err, ErrObligationNotFound)

	// A closed owner may start over.
	_, err = e.ctrl.Init(ctx, "gina")
	assert.NoError(t, err)
}

func TestRegistryRemoveGuardedByObligations(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	_, err := e.ctrl.Init(ctx, "hank")
	require.NoError(t, err)
	_, err = e.ctrl.Deposit(ctx, "hank", assetD, 1, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, e.catalog.Remove(ctx, assetD), registry.ErrRegistryNotEmpty)
	_, err = e.ctrl.Withdraw(ctx, "hank", assetD, 1, nil)
	require.NoError(t, err)
	assert.NoError(t, e.catalog.Remove(ctx, assetD))
}

func TestHealthReadOnly(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.scenarioA(t, "ivy")

	before := snapshotJSON(t, e, "ivy")
	a, err := e.ctrl.Health(ctx, "ivy", nil)
	require.NoError(t, err)
	// (1000 × 0.9 + 1000 × 0.8) / 250 = 6.8
	assert.True(t, a.Report.Verdict.Score.Equal(dec("6.8")), "score = %s", a.Report.Verdict.Score)
	assert.True(t, a.Report.BorrowValue.Equal(dec("250")))
	assert.Len(t, a.Prices, 3)
	assert.Equal(t, string(before), string(snapshotJSON(t, e, "ivy")))
}

func TestOraclePriceUsedAndJournaled(t *testing.T) {
	ctx := context.Background()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	accounts, err := oracle.NewAccountStore(16, []common.Address{ethcrypto.PubkeyToAddress(key.PublicKey)})
	require.NoError(t, err)
	resolver := oracle.NewResolver(accounts, accounts, oracle.NewBook(), time.Minute, oracle.DefaultPolicy)
	e := newEnv(t, resolver)

	_, err = e.ctrl.Init(ctx, "jane")
	require.NoError(t, err)
	_, err = e.ctrl.Deposit(ctx, "jane", assetA, usd(100), nil)
	require.NoError(t, err)

	// Oracle says A is worth $2: 100 × 2 × 0.9 / 150 = 1.2
	blob, err := oracle.SignUpdate(oracle.Update{FeedID: feedA, Price: 200, Expo: -2, PublishTime: time.Now()}, key)
	require.NoError(t, err)
	res, err := e.ctrl.Borrow(ctx, "jane", assetC, usd(150), [][]byte{blob})
	require.NoError(t, err)
	assert.True(t, res.Verdict.Score.Equal(dec("1.2")), "score = %s", res.Verdict.Score)

	require.Len(t, res.Prices, 2)
	assert.Equal(t, assetA, res.Prices[0].AssetID)
	assert.Equal(t, model.SourceOracle, res.Prices[0].Source)
	assert.Equal(t, model.SourceFallback, res.Prices[1].Source)

	// Without the update the fallback price of $1 makes the same borrow fail.
	_, err = e.ctrl.Borrow(ctx, "jane", assetC, 1, [][]byte{[]byte("garbage")})
	assert.ErrorIs(t, err, ErrHealthCheckFailed)

	decisions, err := e.ctrl.Decisions(ctx, "jane", 0)
	require.NoError(t, err)
	require.Len(t, decisions, 3)
	assert.False(t, decisions[0].Committed)
	assert.True(t, decisions[1].Committed)
	assert.Equal(t, model.SourceOracle, decisions[1].Prices[0].Source)
}

func TestConcurrentOperationsSameOwner(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	_, err := e.ctrl.Init(ctx, "kim")
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.ctrl.Deposit(ctx, "kim", assetB, 1, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	ob, err := e.ctrl.Get(ctx, "kim")
	require.NoError(t, err)
	assert.Equal(t, []model.LedgerEntry{{AssetID: assetB, Amount: n}}, ob.Deposits)
	assert.Empty(t, e.ctrl.locks.m, "owner locks are released")
}

func TestLedgerHelpers(t *testing.T) {
	entries, err := credit(nil, 5, 10)
	require.NoError(t, err)
	entries, err = credit(entries, 2, 1)
	require.NoError(t, err)
	entries, err = credit(entries, 9, 3)
	require.NoError(t, err)
	assert.Equal(t, []model.LedgerEntry{{AssetID: 2, Amount: 1}, {AssetID: 5, Amount: 10}, {AssetID: 9, Amount: 3}}, entries)

	entries, err = debit(entries, 5, 10)
	require.NoError(t, err)
	assert.Equal(t, []model.LedgerEntry{{AssetID: 2, Amount: 1}, {AssetID: 9, Amount: 3}}, entries)

	_, err = debit(entries, 9, 4)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	_, err = credit([]model.LedgerEntry{{AssetID: 1, Amount: math.MaxUint64}}, 1, 1)
	assert.ErrorIs(t, err, health.ErrArithmeticOverflow)
}

func TestSubUnitOraclePriceFallsBack(t *testing.T) {
	ctx := context.Background()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	accounts, err := oracle.NewAccountStore(16, []common.Address{ethcrypto.PubkeyToAddress(key.PublicKey)})
	require.NoError(t, err)
	e := newEnv(t, oracle.NewResolver(accounts, accounts, oracle.NewBook(), time.Minute, oracle.DefaultPolicy))

	_, err = e.ctrl.Init(ctx, "lou")
	require.NoError(t, err)
	_, err = e.ctrl.Deposit(ctx, "lou", assetA, usd(100), nil)
	require.NoError(t, err)

	// 5e-9 dollars is positive but rounds to zero at 1e-8 precision.
	blob, err := oracle.SignUpdate(oracle.Update{FeedID: feedA, Price: 5, Expo: -9, PublishTime: time.Now()}, key)
	require.NoError(t, err)
	res, err := e.ctrl.Borrow(ctx, "lou", assetC, usd(50), [][]byte{blob})
	require.NoError(t, err)
	require.Len(t, res.Prices, 2)
	assert.Equal(t, model.SourceFallback, res.Prices[0].Source)
	assert.Equal(t, "too_small", res.Prices[0].Reason)
	// 100 × 1 × 0.9 / 50
	assert.True(t, res.Verdict.Score.Equal(dec("1.8")), "score = %s", res.Verdict.Score)
}

// blockingSaveStore parks the first SaveObligation until release is closed.
type blockingSaveStore struct {
	*store.MemoryStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSaveStore) SaveObligation(ctx context.Context, ob *model.Obligation) error {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.MemoryStore.SaveObligation(ctx, ob)
}

func TestRegistryRemoveWaitsForInFlightWrite(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	st := &blockingSaveStore{MemoryStore: e.store, entered: make(chan struct{}), release: make(chan struct{})}
	ctrl := NewController(st, e.catalog, oracle.NewResolver(nil, nil, nil, time.Minute, oracle.DefaultPolicy), nil)
	_, err := ctrl.Init(ctx, "mia")
	require.NoError(t, err)

	depositErr := make(chan error, 1)
	go func() {
		_, err := ctrl.Deposit(ctx, "mia", assetD, 7, nil)
		depositErr <- err
	}()
	<-st.entered

	removeErr := make(chan error, 1)
	go func() { removeErr <- e.catalog.Remove(ctx, assetD) }()

	select {
	case err := <-removeErr:
		t.Fatalf("remove returned before the deposit committed: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(st.release)

	require.NoError(t, <-depositErr)
	assert.ErrorIs(t, <-removeErr, registry.ErrRegistryNotEmpty)

	// The asset survives, so the obligation stays operable.
	_, err = ctrl.Withdraw(ctx, "mia", assetD, 7, nil)
	require.NoError(t, err)
	_, err = ctrl.Health(ctx, "mia", nil)
	assert.NoError(t, err)
}

// staleReadStore serves a frozen copy from GetObligation, like a cache
// holding a ledger from before the last write.
type staleReadStore struct {
	*store.MemoryStore
	stale *model.Obligation
}

func (s *staleReadStore) GetObligation(context.Context, string) (*model.Obligation, error) {
	return s.stale.Clone(), nil
}

func TestWritesIgnoreCachedLedger(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	_, err := e.ctrl.Init(ctx, "ned")
	require.NoError(t, err)
	_, err = e.ctrl.Deposit(ctx, "ned", assetB, 5, nil)
	require.NoError(t, err)

	frozen, err := e.store.GetObligation(ctx, "ned")
	require.NoError(t, err)
	ctrl := NewController(&staleReadStore{MemoryStore: e.store, stale: frozen}, e.catalog,
		oracle.NewResolver(nil, nil, nil, time.Minute, oracle.DefaultPolicy), nil)

	for i := 0; i < 2; i++ {
		_, err = ctrl.Deposit(ctx, "ned", assetB, 5, nil)
		require.NoError(t, err)
	}

	ob, err := e.store.GetObligationForUpdate(ctx, "ned")
	require.NoError(t, err)
	assert.Equal(t, []model.LedgerEntry{{AssetID: assetB, Amount: 15}}, ob.Deposits)
}

func TestDecisionsScopedToObligationLifetime(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	first, err := e.ctrl.Init(ctx, "ola")
	require.NoError(t, err)
	_, err = e.ctrl.Deposit(ctx, "ola", assetB, 3, nil)
	require.NoError(t, err)
	_, err = e.ctrl.Withdraw(ctx, "ola", assetB, 3, nil)
	require.NoError(t, err)
	require.NoError(t, e.ctrl.Close(ctx, "ola"))

	second, err := e.ctrl.Init(ctx, "ola")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	decisions, err := e.ctrl.Decisions(ctx, "ola", 0)
	require.NoError(t, err)
	assert.Empty(t, decisions, "a reopened obligation starts with no history")

	_, err = e.ctrl.Deposit(ctx, "ola", assetB, 1, nil)
	require.NoError(t, err)
	decisions, err = e.ctrl.Decisions(ctx, "ola", 0)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, second.ID, decisions[0].ObligationID)
}
