package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/lending-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	assets      map[uint8]model.Asset
	weights     map[[2]uint8]model.RiskWeight
	obligations map[string]*model.Obligation
	decisions   []model.Decision
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assets:      make(map[uint8]model.Asset),
		weights:     make(map[[2]uint8]model.RiskWeight),
		obligations: make(map[string]*model.Obligation),
	}
}

func (s *MemoryStore) CreateAsset(_ context.Context, a *model.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.assets[a.ID]; ok {
		return fmt.Errorf("asset %d: %w", a.ID, ErrAlreadyExists)
	}
	s.assets[a.ID] = *a
	return nil
}

func (s *MemoryStore) UpdateAsset(_ context.Context, a *model.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.assets[a.ID]; !ok {
		return fmt.Errorf("asset %d: %w", a.ID, ErrNotFound)
	}
	s.assets[a.ID] = *a
	return nil
}

func (s *MemoryStore) DeleteAsset(_ context.Context, id uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.assets[id]; !ok {
		return fmt.Errorf("asset %d: %w", id, ErrNotFound)
	}
	delete(s.assets, id)
	for key := range s.weights {
		if key[0] == id || key[1] == id {
			delete(s.weights, key)
		}
	}
	return nil
}

func (s *MemoryStore) ListAssets(_ context.Context) ([]model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	assets := make([]model.Asset, 0, len(s.assets))
	for _, a := range s.assets {
		assets = append(assets, a)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].ID < assets[j].ID })
	return assets, nil
}

func (s *MemoryStore) PutRiskWeight(_ context.Context, w model.RiskWeight) error {
	if w.AssetA >= w.AssetB {
		return fmt.Errorf("risk pair %d-%d is not normalized", w.AssetA, w.AssetB)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.weights[[2]uint8{w.AssetA, w.AssetB}] = w
	return nil
}

func (s *MemoryStore) ListRiskWeights(_ context.Context) ([]model.RiskWeight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.RiskWeight, 0, len(s.weights))
	for _, w := range s.weights {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AssetA != out[j].AssetA {
			return out[i].AssetA < out[j].AssetA
		}
		return out[i].AssetB < out[j].AssetB
	})
	return out, nil
}

func (s *MemoryStore) CreateObligation(_ context.Context, ob *model.Obligation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.obligations[ob.Owner]; ok {
		return fmt.Errorf("obligation %s: %w", ob.Owner, ErrAlreadyExists)
	}
	// Store a copy to avoid external mutation.
	s.obligations[ob.Owner] = ob.Clone()
	return nil
}

func (s *MemoryStore) GetObligation(_ context.Context, owner string) (*model.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ob, ok := s.obligations[owner]
	if !ok {
		return nil, fmt.Errorf("obligation %s: %w", owner, ErrNotFound)
	}
	return ob.Clone(), nil
}

func (s *MemoryStore) GetObligationForUpdate(ctx context.Context, owner string) (*model.Obligation, error) {
	return s.GetObligation(ctx, owner)
}

func (s *MemoryStore) SaveObligation(_ context.Context, ob *model.Obligation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.obligations[ob.Owner]
	if !ok {
		return fmt.Errorf("obligation %s: %w", ob.Owner, ErrNotFound)
	}
	c := ob.Clone()
	c.CreatedAt = existing.CreatedAt
	s.obligations[ob.Owner] = c
	return nil
}

func (s *MemoryStore) DeleteObligation(_ context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.obligations[owner]; !ok {
		return fmt.Errorf("obligation %s: %w", owner, ErrNotFound)
	}
	delete(s.obligations, owner)
	return nil
}

func (s *MemoryStore) CountObligationsWithAsset(_ context.Context, assetID uint8) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, ob := range s.obligations {
		if ob.References(assetID) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) InsertDecision(_ context.Context, d *model.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *d
	c.Prices = append([]model.ResolvedPrice{}, d.Prices...)
	s.decisions = append(s.decisions, c)
	return nil
}

func (s *MemoryStore) ListDecisions(_ context.Context, obligationID string, limit int) ([]model.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Decision
	for i := len(s.decisions) - 1; i >= 0; i-- {
		if s.decisions[i].ObligationID != obligationID {
			continue
		}
		result = append(result, s.decisions[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}
