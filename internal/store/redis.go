package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/lending-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAsset(ctx context.Context, a *model.Asset) error {
	if err := s.primary.CreateAsset(ctx, a); err != nil {
		return err
	}
	s.rdb.Del(ctx, assetsKey())
	return nil
}

func (s *CachedStore) UpdateAsset(ctx context.Context, a *model.Asset) error {
	if err := s.primary.UpdateAsset(ctx, a); err != nil {
		return err
	}
	s.rdb.Del(ctx, assetsKey())
	return nil
}

func (s *CachedStore) DeleteAsset(ctx context.Context, id uint8) error {
	if err := s.primary.DeleteAsset(ctx, id); err != nil {
		return err
	}
	s.rdb.Del(ctx, assetsKey())
	return nil
}

func (s *CachedStore) CreateObligation(ctx context.Context, ob *model.Obligation) error {
	if err := s.primary.CreateObligation(ctx, ob); err != nil {
		return err
	}
	s.rdb.Del(ctx, obligationKey(ob.Owner))
	return nil
}

func (s *CachedStore) SaveObligation(ctx context.Context, ob *model.Obligation) error {
	if err := s.primary.SaveObligation(ctx, ob); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	s.rdb.Del(ctx, obligationKey(ob.Owner))
	return nil
}

func (s *CachedStore) DeleteObligation(ctx context.Context, owner string) error {
	if err := s.primary.DeleteObligation(ctx, owner); err != nil {
		return err
	}
	s.rdb.Del(ctx, obligationKey(owner))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) ListAssets(ctx context.Context) ([]model.Asset, error) {
	data, err := s.rdb.Get(ctx, assetsKey()).Bytes()
	if err == nil {
		var assets []model.Asset
		if json.Unmarshal(data, &assets) == nil {
			return assets, nil
		}
	}

	assets, err := s.primary.ListAssets(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(assets); err == nil {
		s.rdb.Set(ctx, assetsKey(), data, s.ttl)
	}
	return assets, nil
}

func (s *CachedStore) GetObligation(ctx context.Context, owner string) (*model.Obligation, error) {
	data, err := s.rdb.Get(ctx, obligationKey(owner)).Bytes()
	if err == nil {
		var ob model.Obligation
		if json.Unmarshal(data, &ob) == nil {
			return &ob, nil
		}
	}

	// Cache miss: read from primary.
	ob, err := s.primary.GetObligation(ctx, owner)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(ob); err == nil {
		s.rdb.Set(ctx, obligationKey(owner), data, s.ttl)
	}
	return ob, nil
}

// --- Passthrough (not cached) ---

// GetObligationForUpdate always reads the primary. A read-through fill that
// raced a write may leave an old ledger in Redis until the next
// invalidation; mutations must not be based on it.
func (s *CachedStore) GetObligationForUpdate(ctx context.Context, owner string) (*model.Obligation, error) {
	return s.primary.GetObligationForUpdate(ctx, owner)
}

func (s *CachedStore) PutRiskWeight(ctx context.Context, w model.RiskWeight) error {
	return s.primary.PutRiskWeight(ctx, w)
}

func (s *CachedStore) ListRiskWeights(ctx context.Context) ([]model.RiskWeight, error) {
	return s.primary.ListRiskWeights(ctx)
}

func (s *CachedStore) CountObligationsWithAsset(ctx context.Context, assetID uint8) (int, error) {
	return s.primary.CountObligationsWithAsset(ctx, assetID)
}

func (s *CachedStore) InsertDecision(ctx context.Context, d *model.Decision) error {
	return s.primary.InsertDecision(ctx, d)
}

func (s *CachedStore) ListDecisions(ctx context.Context, obligationID string, limit int) ([]model.Decision, error) {
	return s.primary.ListDecisions(ctx, obligationID, limit)
}

// --- Cache helpers ---

func assetsKey() string                 { return "lending:assets" }
func obligationKey(owner string) string { return fmt.Sprintf("lending:obligation:%s", owner) }
