// Package store defines the persistence interface for the lending engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Persisted layout: the asset registry, the risk matrix as a keyed collection
// of normalized pairs, one obligation per owner with its entries, and an
// append-only decision journal. No derived totals are ever stored.
package store

import (
	"context"
	"errors"

	"github.com/atmx/lending-engine/internal/model"
)

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("store: record not found")

	// ErrAlreadyExists is returned when creating a record whose key is taken.
	ErrAlreadyExists = errors.New("store: record already exists")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Asset registry ---

	// CreateAsset persists a new asset. Returns ErrAlreadyExists on id clash.
	CreateAsset(ctx context.Context, asset *model.Asset) error

	// UpdateAsset overwrites the mutable fields of an existing asset.
	UpdateAsset(ctx context.Context, asset *model.Asset) error

	// DeleteAsset removes an asset and every risk pair that references it.
	DeleteAsset(ctx context.Context, id uint8) error

	// ListAssets returns all registered assets ordered by id.
	ListAssets(ctx context.Context) ([]model.Asset, error)

	// --- Risk matrix ---

	// PutRiskWeight upserts a normalized pair (AssetA < AssetB).
	PutRiskWeight(ctx context.Context, w model.RiskWeight) error

	// ListRiskWeights returns every stored pair.
	ListRiskWeights(ctx context.Context) ([]model.RiskWeight, error)

	// --- Obligations ---

	// CreateObligation persists an empty obligation. Returns ErrAlreadyExists
	// if the owner already has one.
	CreateObligation(ctx context.Context, ob *model.Obligation) error

	// GetObligation loads an owner's obligation or returns ErrNotFound.
	// Implementations may serve it from a cache.
	GetObligation(ctx context.Context, owner string) (*model.Obligation, error)

	// GetObligationForUpdate loads an obligation from the system of record.
	// Writers base SaveObligation on it, never on a cached copy.
	GetObligationForUpdate(ctx context.Context, owner string) (*model.Obligation, error)

	// SaveObligation atomically replaces the stored entries of an existing
	// obligation with those of ob.
	SaveObligation(ctx context.Context, ob *model.Obligation) error

	// DeleteObligation removes an obligation record.
	DeleteObligation(ctx context.Context, owner string) error

	// CountObligationsWithAsset counts obligations holding any entry for assetID.
	CountObligationsWithAsset(ctx context.Context, assetID uint8) (int, error)

	// --- Decision journal ---

	// InsertDecision appends an immutable decision record.
	InsertDecision(ctx context.Context, d *model.Decision) error

	// ListDecisions returns the decisions recorded against one obligation
	// instance, newest first, up to limit (limit <= 0 means all).
	ListDecisions(ctx context.Context, obligationID string, limit int) ([]model.Decision, error)
}
