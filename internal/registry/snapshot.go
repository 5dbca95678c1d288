package registry

import (
	"sort"

	"github.com/atmx/lending-engine/internal/feed"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/risk"
)

// Snapshot is an immutable view of the asset registry and risk matrix.
// Every lookup made during one health check goes through one Snapshot, so
// an administrative write can never interleave with an evaluation.
type Snapshot struct {
	assets map[uint8]model.Asset
	matrix *risk.Matrix
}

// NewSnapshot builds a snapshot from assets and a matrix. The matrix is
// copied; callers may keep mutating theirs.
func NewSnapshot(assets []model.Asset, matrix *risk.Matrix) *Snapshot {
	s := &Snapshot{assets: make(map[uint8]model.Asset, len(assets))}
	for _, a := range assets {
		s.assets[a.ID] = a
	}
	if matrix == nil {
		matrix = risk.NewMatrix()
	}
	s.matrix = matrix.Clone()
	return s
}

// Asset returns the asset with the given id.
func (s *Snapshot) Asset(id uint8) (model.Asset, bool) {
	a, ok := s.assets[id]
	return a, ok
}

// Weight returns the risk weight between a and b (0 when unlisted).
func (s *Snapshot) Weight(a, b uint8) risk.Weight {
	return s.matrix.Weight(a, b)
}

// Lookup returns the weight and whether the pair is listed.
func (s *Snapshot) Lookup(a, b uint8) (risk.Weight, bool) {
	return s.matrix.Lookup(a, b)
}

// Assets returns all assets ordered by id.
func (s *Snapshot) Assets() []model.Asset {
	out := make([]model.Asset, 0, len(s.assets))
	for _, a := range s.assets {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Weights returns all listed pairs.
func (s *Snapshot) Weights() []model.RiskWeight {
	return s.matrix.Records()
}

// Feeds returns the distinct feed identifiers of registered assets.
func (s *Snapshot) Feeds() []feed.ID {
	seen := make(map[feed.ID]struct{})
	var out []feed.ID
	for _, a := range s.Assets() {
		if a.FeedID.IsZero() {
			continue
		}
		if _, ok := seen[a.FeedID]; ok {
			continue
		}
		seen[a.FeedID] = struct{}{}
		out = append(out, a.FeedID)
	}
	return out
}

func (s *Snapshot) clone() *Snapshot {
	c := &Snapshot{assets: make(map[uint8]model.Asset, len(s.assets)), matrix: s.matrix.Clone()}
	for id, a := range s.assets {
		c.assets[id] = a
	}
	return c
}
