// Package registry is the authoritative catalog of supported assets and the
// pairwise risk matrix between them.
//
// Writes are rare and administrative; reads happen on every health check.
// The Catalog therefore serializes writers, persists through the store, and
// publishes a fresh immutable Snapshot after each successful write. Readers
// take one Snapshot per evaluation and never see a half-applied change.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/feed"
	"github.com/atmx/lending-engine/internal/metrics"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/risk"
	"github.com/atmx/lending-engine/internal/store"
)

var (
	// ErrUnknownAsset is returned when an asset id is not registered.
	ErrUnknownAsset = errors.New("registry: unknown asset")

	// ErrDuplicateAsset is returned when registering an id that exists.
	ErrDuplicateAsset = errors.New("registry: asset already registered")

	// ErrInvalidAsset is returned for out-of-range decimals or prices.
	ErrInvalidAsset = errors.New("registry: invalid asset parameters")

	// ErrRegistryNotEmpty is returned when removing an asset that live
	// obligations still reference.
	ErrRegistryNotEmpty = errors.New("registry: asset is still referenced by obligations")
)

// Catalog owns the asset registry and risk matrix.
type Catalog struct {
	store store.Store
	mu    sync.Mutex // serializes writers
	snap  atomic.Pointer[Snapshot]

	// inUse is read-held by ledger writers from snapshot to commit and
	// write-held by Remove, so an asset cannot disappear under a write
	// that is about to reference it.
	inUse sync.RWMutex
}

// NewCatalog creates a catalog with an empty snapshot. Call Load to read
// persisted state.
func NewCatalog(st store.Store) *Catalog {
	c := &Catalog{store: st}
	c.snap.Store(NewSnapshot(nil, nil))
	return c
}

// Load rebuilds the snapshot from the store.
func (c *Catalog) Load(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	assets, err := c.store.ListAssets(ctx)
	if err != nil {
		return fmt.Errorf("load assets: %w", err)
	}
	records, err := c.store.ListRiskWeights(ctx)
	if err != nil {
		return fmt.Errorf("load risk weights: %w", err)
	}
	matrix, err := risk.FromRecords(records)
	if err != nil {
		return fmt.Errorf("load risk weights: %w", err)
	}
	c.publish(NewSnapshot(assets, matrix))
	slog.Info("catalog loaded", "assets", len(assets), "risk_pairs", matrix.Len())
	return nil
}

// Snapshot returns the current immutable view.
func (c *Catalog) Snapshot() *Snapshot {
	return c.snap.Load()
}

// Acquire returns the current snapshot and holds off Remove until release
// is called. Callers that persist ledger entries against the snapshot must
// hold it until the write is committed.
func (c *Catalog) Acquire() (snap *Snapshot, release func()) {
	c.inUse.RLock()
	return c.snap.Load(), c.inUse.RUnlock
}

// Register adds a new asset.
func (c *Catalog) Register(ctx context.Context, a model.Asset) (model.Asset, error) {
	if err := validateAsset(a); err != nil {
		return model.Asset{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.snap.Load()
	if _, ok := cur.Asset(a.ID); ok {
		return model.Asset{}, fmt.Errorf("%w: %d", ErrDuplicateAsset, a.ID)
	}
	if err := c.store.CreateAsset(ctx, &a); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return model.Asset{}, fmt.Errorf("%w: %d", ErrDuplicateAsset, a.ID)
		}
		return model.Asset{}, err
	}

	next := cur.clone()
	next.assets[a.ID] = a
	c.publish(next)

	slog.Info("asset registered",
		"id", a.ID,
		"decimals", a.Decimals,
		"fallback_price", a.FallbackPrice.String(),
		"feed_id", a.FeedID.String(),
	)
	return a, nil
}

// Lookup returns a registered asset.
func (c *Catalog) Lookup(id uint8) (model.Asset, error) {
	a, ok := c.snap.Load().Asset(id)
	if !ok {
		return model.Asset{}, fmt.Errorf("%w: %d", ErrUnknownAsset, id)
	}
	return a, nil
}

// List returns all registered assets ordered by id.
func (c *Catalog) List() []model.Asset {
	return c.snap.Load().Assets()
}

// Update changes an asset's fallback price and feed identifier. Decimals
// are immutable: existing ledger amounts are denominated in them.
func (c *Catalog) Update(ctx context.Context, id uint8, fallbackPrice decimal.Decimal, feedID feed.ID) (model.Asset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.snap.Load()
	a, ok := cur.Asset(id)
	if !ok {
		return model.Asset{}, fmt.Errorf("%w: %d", ErrUnknownAsset, id)
	}
	a.FallbackPrice = fallbackPrice
	a.FeedID = feedID
	if err := validateAsset(a); err != nil {
		return model.Asset{}, err
	}
	if err := c.store.UpdateAsset(ctx, &a); err != nil {
		return model.Asset{}, err
	}

	next := cur.clone()
	next.assets[id] = a
	c.publish(next)

	slog.Info("asset updated", "id", id, "fallback_price", fallbackPrice.String(), "feed_id", feedID.String())
	return a, nil
}

// Remove deletes an asset that no obligation references. Its risk pairs are
// removed with it.
func (c *Catalog) Remove(ctx context.Context, id uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inUse.Lock()
	defer c.inUse.Unlock()

	cur := c.snap.Load()
	if _, ok := cur.Asset(id); !ok {
		return fmt.Errorf("%w: %d", ErrUnknownAsset, id)
	}
	n, err := c.store.CountObligationsWithAsset(ctx, id)
	if err != nil {
		return fmt.Errorf("count obligations for asset %d: %w", id, err)
	}
	if n > 0 {
		return fmt.Errorf("%w: asset %d held by %d obligations", ErrRegistryNotEmpty, id, n)
	}
	if err := c.store.DeleteAsset(ctx, id); err != nil {
		return err
	}

	next := cur.clone()
	delete(next.assets, id)
	next.matrix.RemoveAsset(id)
	c.publish(next)

	slog.Info("asset removed", "id", id)
	return nil
}

// SetWeight writes the symmetric risk weight between a and b.
func (c *Catalog) SetWeight(ctx context.Context, a, b uint8, w risk.Weight) (model.RiskWeight, error) {
	pair, err := risk.NewPair(a, b)
	if err != nil {
		return model.RiskWeight{}, err
	}
	if err := w.Validate(); err != nil {
		return model.RiskWeight{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.snap.Load()
	for _, id := range []uint8{pair.A, pair.B} {
		if _, ok := cur.Asset(id); !ok {
			return model.RiskWeight{}, fmt.Errorf("%w: %d", ErrUnknownAsset, id)
		}
	}

	rec := model.RiskWeight{AssetA: pair.A, AssetB: pair.B, WeightBps: uint16(w)}
	if err := c.store.PutRiskWeight(ctx, rec); err != nil {
		return model.RiskWeight{}, err
	}

	next := cur.clone()
	if err := next.matrix.Set(pair.A, pair.B, w); err != nil {
		return model.RiskWeight{}, err
	}
	c.publish(next)

	slog.Info("risk weight set", "asset_a", pair.A, "asset_b", pair.B, "weight", w.Decimal().String())
	return rec, nil
}

// Weight returns the weight between a and b; 0 for unlisted pairs.
func (c *Catalog) Weight(a, b uint8) risk.Weight {
	return c.snap.Load().Weight(a, b)
}

// Weights returns all listed pairs.
func (c *Catalog) Weights() []model.RiskWeight {
	return c.snap.Load().Weights()
}

func (c *Catalog) publish(s *Snapshot) {
	c.snap.Store(s)
	metrics.RegisteredAssets.Set(float64(len(s.assets)))
}

func validateAsset(a model.Asset) error {
	if a.Decimals > model.MaxAssetDecimals {
		return fmt.Errorf("%w: decimals %d exceed %d", ErrInvalidAsset, a.Decimals, model.MaxAssetDecimals)
	}
	if !a.FallbackPrice.Shift(model.PriceDecimals).Truncate(0).IsPositive() {
		return fmt.Errorf("%w: fallback price %s must be at least 1e-%d", ErrInvalidAsset, a.FallbackPrice, model.PriceDecimals)
	}
	return nil
}
