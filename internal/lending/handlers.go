package lending

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/feed"
	"github.com/atmx/lending-engine/internal/health"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/registry"
	"github.com/atmx/lending-engine/internal/risk"
)

// API exposes the controller and the catalog over HTTP.
type API struct {
	ctrl    *Controller
	catalog *registry.Catalog
	prices  PriceResolver
	auth    *Authenticator // nil disables auth
	limiter *RateLimiter   // nil disables rate limiting
	hub     *WSHub         // nil disables /ws
}

// NewAPI creates the HTTP surface.
func NewAPI(ctrl *Controller, catalog *registry.Catalog, prices PriceResolver, auth *Authenticator, limiter *RateLimiter, hub *WSHub) *API {
	return &API{ctrl: ctrl, catalog: catalog, prices: prices, auth: auth, limiter: limiter, hub: hub}
}

// Routes mounts every /api/v1 route on r.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.limiter.Middleware)

		// Registry and risk matrix reads.
		r.Get("/assets", a.ListAssets)
		r.Get("/assets/{assetID}", a.GetAsset)
		r.Get("/risk-weights", a.ListRiskWeights)
		r.Get("/risk-weights/{a}/{b}", a.GetRiskWeight)
		r.Get("/prices/{assetID}", a.GetPrice)

		// Administrative surface.
		r.Group(func(r chi.Router) {
			r.Use(a.auth.RequireScope(ScopeAdmin))
			r.Post("/assets", a.RegisterAsset)
			r.Put("/assets/{assetID}", a.UpdateAsset)
			r.Delete("/assets/{assetID}", a.RemoveAsset)
			r.Put("/risk-weights", a.SetRiskWeight)
		})

		// Owner surface.
		r.Route("/obligations/{owner}", func(r chi.Router) {
			r.Use(a.auth.RequireOwner("owner"))
			r.Post("/", a.InitObligation)
			r.Get("/", a.GetObligation)
			r.Delete("/", a.CloseObligation)
			r.Post("/deposit", a.operation(model.OpDeposit))
			r.Post("/withdraw", a.operation(model.OpWithdraw))
			r.Post("/borrow", a.operation(model.OpBorrow))
			r.Post("/repay", a.operation(model.OpRepay))
			r.Get("/health", a.GetHealth)
			r.Get("/decisions", a.ListDecisions)
		})

		if a.hub != nil {
			r.With(a.auth.RequireSubject()).Get("/ws", a.hub.HandleWS)
		}
	})
}

// --- Request/Response types ---

// RegisterAssetRequest is the JSON body for POST /assets.
type RegisterAssetRequest struct {
	ID            uint8           `json:"id"`
	Decimals      uint8           `json:"decimals"`
	FallbackPrice decimal.Decimal `json:"fallback_price"`
	FeedID        string          `json:"feed_id"` // 64 hex chars, optional 0x; empty = fallback only
}

// UpdateAssetRequest is the JSON body for PUT /assets/{assetID}.
type UpdateAssetRequest struct {
	FallbackPrice decimal.Decimal `json:"fallback_price"`
	FeedID        string          `json:"feed_id"`
}

// SetRiskWeightRequest is the JSON body for PUT /risk-weights.
type SetRiskWeightRequest struct {
	AssetA uint8           `json:"asset_a"`
	AssetB uint8           `json:"asset_b"`
	Weight decimal.Decimal `json:"weight"` // fraction in [0, 1]
}

// RiskWeightResponse describes one pair.
type RiskWeightResponse struct {
	AssetA    uint8           `json:"asset_a"`
	AssetB    uint8           `json:"asset_b"`
	Weight    decimal.Decimal `json:"weight"`
	WeightBps uint16          `json:"weight_bps"`
	Listed    bool            `json:"listed"`
}

// OperationRequest is the JSON body for deposit, withdraw, borrow and
// repay.
type OperationRequest struct {
	AssetID      uint8           `json:"asset_id"`
	Amount       decimal.Decimal `json:"amount"`                  // whole tokens
	PriceUpdates []string        `json:"price_updates,omitempty"` // hex-encoded signed updates
}

// --- Registry handlers ---

// RegisterAsset handles POST /api/v1/assets
func (a *API) RegisterAsset(w http.ResponseWriter, r *http.Request) {
	var req RegisterAssetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	feedID, err := optionalFeed(req.FeedID)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	asset, err := a.catalog.Register(r.Context(), model.Asset{
		ID:            req.ID,
		Decimals:      req.Decimals,
		FallbackPrice: req.FallbackPrice,
		FeedID:        feedID,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, asset)
}

// UpdateAsset handles PUT /api/v1/assets/{assetID}
func (a *API) UpdateAsset(w http.ResponseWriter, r *http.Request) {
	id, ok := assetParam(w, r, "assetID")
	if !ok {
		return
	}
	var req UpdateAssetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	feedID, err := optionalFeed(req.FeedID)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	asset, err := a.catalog.Update(r.Context(), id, req.FallbackPrice, feedID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

// RemoveAsset handles DELETE /api/v1/assets/{assetID}
func (a *API) RemoveAsset(w http.ResponseWriter, r *http.Request) {
	id, ok := assetParam(w, r, "assetID")
	if !ok {
		return
	}
	if err := a.catalog.Remove(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListAssets handles GET /api/v1/assets
func (a *API) ListAssets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.catalog.List())
}

// GetAsset handles GET /api/v1/assets/{assetID}
func (a *API) GetAsset(w http.ResponseWriter, r *http.Request) {
	id, ok := assetParam(w, r, "assetID")
	if !ok {
		return
	}
	asset, err := a.catalog.Lookup(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

// SetRiskWeight handles PUT /api/v1/risk-weights
func (a *API) SetRiskWeight(w http.ResponseWriter, r *http.Request) {
	var req SetRiskWeightRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	weight, err := risk.ParseWeight(req.Weight)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	rec, err := a.catalog.SetWeight(r.Context(), req.AssetA, req.AssetB, weight)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, weightResponse(rec.AssetA, rec.AssetB, weight, true))
}

// ListRiskWeights handles GET /api/v1/risk-weights
func (a *API) ListRiskWeights(w http.ResponseWriter, r *http.Request) {
	recs := a.catalog.Weights()
	out := make([]RiskWeightResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, weightResponse(rec.AssetA, rec.AssetB, risk.Weight(rec.WeightBps), true))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetRiskWeight handles GET /api/v1/risk-weights/{a}/{b}
// Unlisted pairs of registered assets report weight 0.
func (a *API) GetRiskWeight(w http.ResponseWriter, r *http.Request) {
	idA, ok := assetParam(w, r, "a")
	if !ok {
		return
	}
	idB, ok := assetParam(w, r, "b")
	if !ok {
		return
	}
	pair, err := risk.NewPair(idA, idB)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	snap := a.catalog.Snapshot()
	for _, id := range []uint8{pair.A, pair.B} {
		if _, ok := snap.Asset(id); !ok {
			writeDomainError(w, fmt.Errorf("%w: %d", registry.ErrUnknownAsset, id))
			return
		}
	}
	weight, listed := snap.Lookup(pair.A, pair.B)
	writeJSON(w, http.StatusOK, weightResponse(pair.A, pair.B, weight, listed))
}

// GetPrice handles GET /api/v1/prices/{assetID}
// Returns the price a health check would use right now, with its source.
func (a *API) GetPrice(w http.ResponseWriter, r *http.Request) {
	id, ok := assetParam(w, r, "assetID")
	if !ok {
		return
	}
	asset, err := a.catalog.Lookup(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.prices.Resolve(asset, a.prices.MaxAge()))
}

// --- Obligation handlers ---

// InitObligation handles POST /api/v1/obligations/{owner}
func (a *API) InitObligation(w http.ResponseWriter, r *http.Request) {
	ob, err := a.ctrl.Init(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ob)
}

// GetObligation handles GET /api/v1/obligations/{owner}
func (a *API) GetObligation(w http.ResponseWriter, r *http.Request) {
	ob, err := a.ctrl.Get(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ob)
}

// CloseObligation handles DELETE /api/v1/obligations/{owner}
func (a *API) CloseObligation(w http.ResponseWriter, r *http.Request) {
	if err := a.ctrl.Close(r.Context(), chi.URLParam(r, "owner")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// operation returns the handler for POST /api/v1/obligations/{owner}/{op}.
func (a *API) operation(op model.Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := chi.URLParam(r, "owner")
		var req OperationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		asset, err := a.catalog.Lookup(req.AssetID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		amount, err := ToBaseUnits(req.Amount, asset.Decimals)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		updates, err := decodeUpdates(req.PriceUpdates)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		var res *Result
		switch op {
		case model.OpDeposit:
			res, err = a.ctrl.Deposit(r.Context(), owner, req.AssetID, amount, updates)
		case model.OpWithdraw:
			res, err = a.ctrl.Withdraw(r.Context(), owner, req.AssetID, amount, updates)
		case model.OpBorrow:
			res, err = a.ctrl.Borrow(r.Context(), owner, req.AssetID, amount, updates)
		case model.OpRepay:
			res, err = a.ctrl.Repay(r.Context(), owner, req.AssetID, amount, updates)
		}
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// GetHealth handles GET /api/v1/obligations/{owner}/health
func (a *API) GetHealth(w http.ResponseWriter, r *http.Request) {
	assessment, err := a.ctrl.Health(r.Context(), chi.URLParam(r, "owner"), nil)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assessment)
}

// ListDecisions handles GET /api/v1/obligations/{owner}/decisions?limit=N
func (a *API) ListDecisions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	decisions, err := a.ctrl.Decisions(r.Context(), chi.URLParam(r, "owner"), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if decisions == nil {
		decisions = []model.Decision{}
	}
	writeJSON(w, http.StatusOK, decisions)
}

// --- helpers ---

var maxBaseUnits = decimal.NewFromBigInt(new(big.Int).SetUint64(math.MaxUint64), 0)

// ToBaseUnits converts a whole-token amount into base units of an asset
// with the given decimals. Amounts finer than the asset's precision are
// rejected rather than rounded.
func ToBaseUnits(amount decimal.Decimal, decimals uint8) (uint64, error) {
	base := amount.Shift(int32(decimals))
	if !base.IsPositive() {
		return 0, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if !base.Equal(base.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, amount, decimals)
	}
	if base.GreaterThan(maxBaseUnits) {
		return 0, fmt.Errorf("%w: %s", health.ErrArithmeticOverflow, amount)
	}
	return base.BigInt().Uint64(), nil
}

func decodeUpdates(in []string) ([][]byte, error) {
	out := make([][]byte, 0, len(in))
	for i, s := range in {
		b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
		if err != nil {
			return nil, fmt.Errorf("price_updates[%d]: invalid hex", i)
		}
		out = append(out, b)
	}
	return out, nil
}

func optionalFeed(s string) (feed.ID, error) {
	if strings.TrimSpace(s) == "" {
		return feed.ID{}, nil
	}
	return feed.Parse(s)
}

func assetParam(w http.ResponseWriter, r *http.Request, name string) (uint8, bool) {
	n, err := strconv.ParseUint(chi.URLParam(r, name), 10, 8)
	if err != nil {
		writeError(w, "invalid asset id: "+chi.URLParam(r, name), http.StatusBadRequest)
		return 0, false
	}
	return uint8(n), true
}

func weightResponse(a, b uint8, w risk.Weight, listed bool) RiskWeightResponse {
	return RiskWeightResponse{AssetA: a, AssetB: b, Weight: w.Decimal(), WeightBps: uint16(w), Listed: listed}
}

// writeDomainError maps package errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var hcf *HealthCheckFailedError
	switch {
	case errors.As(err, &hcf):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":     err.Error(),
			"score":     hcf.Score.String(),
			"threshold": hcf.Threshold.String(),
		})
		return
	case errors.Is(err, registry.ErrUnknownAsset),
		errors.Is(err, ErrObligationNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, registry.ErrDuplicateAsset),
		errors.Is(err, registry.ErrRegistryNotEmpty),
		errors.Is(err, ErrAlreadyInitialized),
		errors.Is(err, ErrObligationNotEmpty):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, risk.ErrInvalidWeight),
		errors.Is(err, risk.ErrSelfPair),
		errors.Is(err, registry.ErrInvalidAsset),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidOwner),
		errors.Is(err, feed.ErrInvalidID):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, health.ErrArithmeticOverflow):
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		slog.Error("request failed", "error", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
