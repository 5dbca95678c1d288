// Package lending runs the obligation lifecycle: init, deposit, withdraw,
// borrow, repay and close, each mutating operation gated by a health check
// against one consistent registry snapshot and a fresh set of prices.
//
// It also serves the HTTP surface (handlers.go), JWT auth, per-client rate
// limiting and the WebSocket event hub.
package lending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/lending-engine/internal/health"
	"github.com/atmx/lending-engine/internal/metrics"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/registry"
	"github.com/atmx/lending-engine/internal/store"
)

// PriceResolver supplies prices for a health check.
type PriceResolver interface {
	Resolve(asset model.Asset, maxAge time.Duration) model.ResolvedPrice
	ResolveAll(ctx context.Context, assets []model.Asset, updates [][]byte) map[uint8]model.ResolvedPrice
	MaxAge() time.Duration
}

// Result is the outcome of a committed mutating operation.
type Result struct {
	DecisionID string                `json:"decision_id"`
	Obligation *model.Obligation     `json:"obligation"`
	Verdict    *model.HealthVerdict  `json:"verdict,omitempty"`
	Prices     []model.ResolvedPrice `json:"prices"`
}

// Assessment is a read-only health evaluation of a stored obligation.
type Assessment struct {
	Owner      string                `json:"owner"`
	Obligation *model.Obligation     `json:"obligation"`
	Report     health.Report         `json:"report"`
	Prices     []model.ResolvedPrice `json:"prices"`
}

// Controller orchestrates obligation operations. Operations on one owner
// are serialized; different owners proceed in parallel.
type Controller struct {
	store   store.Store
	catalog *registry.Catalog
	prices  PriceResolver
	hub     *WSHub // optional
	locks   ownerLocks
	now     func() time.Time
}

// NewController creates a controller. Pass nil for hub if event
// broadcasting is not needed.
func NewController(st store.Store, catalog *registry.Catalog, prices PriceResolver, hub *WSHub) *Controller {
	return &Controller{
		store:   st,
		catalog: catalog,
		prices:  prices,
		hub:     hub,
		locks:   ownerLocks{m: make(map[string]*ownerLock)},
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Init creates an empty obligation for owner.
func (c *Controller) Init(ctx context.Context, owner string) (*model.Obligation, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, ErrInvalidOwner
	}
	unlock := c.locks.lock(owner)
	defer unlock()

	ob := &model.Obligation{
		ID:        uuid.New().String(),
		Owner:     owner,
		Deposits:  []model.LedgerEntry{},
		Borrows:   []model.LedgerEntry{},
		CreatedAt: c.now(),
	}
	if err := c.store.CreateObligation(ctx, ob); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyInitialized, owner)
		}
		return nil, err
	}
	slog.Info("obligation initialized", "owner", owner)
	c.broadcast(Event{Type: EventObligationOpened, Owner: owner})
	return ob, nil
}

// Get returns the stored obligation for owner.
func (c *Controller) Get(ctx context.Context, owner string) (*model.Obligation, error) {
	return c.load(ctx, owner)
}

// Deposit adds collateral. Never rejected on health.
func (c *Controller) Deposit(ctx context.Context, owner string, assetID uint8, amount uint64, updates [][]byte) (*Result, error) {
	return c.apply(ctx, model.OpDeposit, owner, assetID, amount, updates)
}

// Withdraw removes collateral. Rejected if the result is unhealthy.
func (c *Controller) Withdraw(ctx context.Context, owner string, assetID uint8, amount uint64, updates [][]byte) (*Result, error) {
	return c.apply(ctx, model.OpWithdraw, owner, assetID, amount, updates)
}

// Borrow adds debt. Rejected if the result is unhealthy.
func (c *Controller) Borrow(ctx context.Context, owner string, assetID uint8, amount uint64, updates [][]byte) (*Result, error) {
	return c.apply(ctx, model.OpBorrow, owner, assetID, amount, updates)
}

// Repay reduces debt. Never rejected on health.
func (c *Controller) Repay(ctx context.Context, owner string, assetID uint8, amount uint64, updates [][]byte) (*Result, error) {
	return c.apply(ctx, model.OpRepay, owner, assetID, amount, updates)
}

// Close deletes an obligation with no deposits and no borrows.
func (c *Controller) Close(ctx context.Context, owner string) error {
	unlock := c.locks.lock(owner)
	defer unlock()

	ob, err := c.loadForUpdate(ctx, owner)
	if err != nil {
		return err
	}
	if !ob.IsEmpty() {
		return fmt.Errorf("%w: %s has %d deposits and %d borrows",
			ErrObligationNotEmpty, owner, len(ob.Deposits), len(ob.Borrows))
	}
	if err := c.store.DeleteObligation(ctx, owner); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrObligationNotFound, owner)
		}
		return err
	}
	slog.Info("obligation closed", "owner", owner)
	c.broadcast(Event{Type: EventObligationClosed, Owner: owner})
	return nil
}

// Health evaluates the stored obligation without changing it.
func (c *Controller) Health(ctx context.Context, owner string, updates [][]byte) (*Assessment, error) {
	snap := c.catalog.Snapshot()
	ob, err := c.load(ctx, owner)
	if err != nil {
		return nil, err
	}
	prices, err := c.resolve(ctx, ob, snap, updates)
	if err != nil {
		return nil, err
	}
	report, err := health.Assess(ob, snap, prices)
	if err != nil {
		return nil, err
	}
	return &Assessment{Owner: owner, Obligation: ob, Report: report, Prices: sortedPrices(prices)}, nil
}

// Decisions returns the newest decisions of owner's current obligation, up
// to limit (0 = all). History from a closed obligation is not included.
func (c *Controller) Decisions(ctx context.Context, owner string, limit int) ([]model.Decision, error) {
	ob, err := c.load(ctx, owner)
	if err != nil {
		return nil, err
	}
	return c.store.ListDecisions(ctx, ob.ID, limit)
}

// apply runs one mutating operation: load, apply the delta to a working
// copy, resolve prices, score, then commit or discard.
func (c *Controller) apply(ctx context.Context, op model.Operation, owner string, assetID uint8, amount uint64, updates [][]byte) (*Result, error) {
	start := time.Now()
	outcome := "error"
	defer func() {
		metrics.OperationsTotal.WithLabelValues(string(op), outcome).Inc()
		metrics.OperationLatency.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
	}()

	if amount == 0 {
		return nil, ErrInvalidAmount
	}

	unlock := c.locks.lock(owner)
	defer unlock()

	// One snapshot for the whole operation, held until the commit so a
	// concurrent registry removal waits for it.
	snap, release := c.catalog.Acquire()
	defer release()

	stored, err := c.loadForUpdate(ctx, owner)
	if err != nil {
		return nil, err
	}
	if _, ok := snap.Asset(assetID); !ok {
		return nil, fmt.Errorf("%w: %d", registry.ErrUnknownAsset, assetID)
	}

	work := stored.Clone()
	if err := applyDelta(work, op, assetID, amount); err != nil {
		return nil, err
	}

	prices, err := c.resolve(ctx, work, snap, updates)
	if err != nil {
		return nil, err
	}

	decision := &model.Decision{
		ID:           uuid.New().String(),
		ObligationID: stored.ID,
		Owner:        owner,
		Operation:    op,
		AssetID:      assetID,
		Amount:       amount,
		Prices:       sortedPrices(prices),
		Timestamp:    c.now(),
	}

	verdict, evalErr := health.Evaluate(work, snap, prices)
	switch {
	case evalErr != nil:
		metrics.HealthChecksTotal.WithLabelValues(string(op), "error").Inc()
		if op.Gated() {
			c.record(ctx, decision)
			return nil, evalErr
		}
		// Deposit and repay cannot worsen health; scoring is informational.
		slog.Warn("health evaluation failed for non-gated operation",
			"owner", owner, "operation", op, "asset_id", assetID, "error", evalErr)
	default:
		decision.Verdict = &verdict
		observeVerdict(op, verdict)
	}

	if op.Gated() && !verdict.Passed {
		outcome = "rejected"
		metrics.HealthCheckRejections.Inc()
		c.record(ctx, decision)
		slog.Info("operation rejected by health check",
			"owner", owner,
			"operation", op,
			"asset_id", assetID,
			"amount", amount,
			"score", verdict.Score.String(),
		)
		return nil, &HealthCheckFailedError{Operation: op, Score: verdict.Score, Threshold: health.MinHealthScore()}
	}

	if err := c.store.SaveObligation(ctx, work); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrObligationNotFound, owner)
		}
		return nil, fmt.Errorf("save obligation %s: %w", owner, err)
	}
	outcome = "committed"
	decision.Committed = true
	c.record(ctx, decision)

	attrs := []any{"owner", owner, "operation", op, "asset_id", assetID, "amount", amount, "decision_id", decision.ID}
	if decision.Verdict != nil {
		attrs = append(attrs, "score", verdict.Score.String(), "unbounded", verdict.Unbounded)
	}
	slog.Info("operation committed", attrs...)

	ev := Event{Type: EventOperationCommitted, Owner: owner, Operation: op, AssetID: assetID, Amount: fmt.Sprint(amount)}
	if decision.Verdict != nil {
		ev.Score = verdict.Score.String()
		ev.Unbounded = verdict.Unbounded
	}
	c.broadcast(ev)

	return &Result{
		DecisionID: decision.ID,
		Obligation: work,
		Verdict:    decision.Verdict,
		Prices:     decision.Prices,
	}, nil
}

func (c *Controller) load(ctx context.Context, owner string) (*model.Obligation, error) {
	return c.fetch(ctx, owner, c.store.GetObligation)
}

// loadForUpdate reads the ledger a write will be based on. It skips any
// cache in front of the store.
func (c *Controller) loadForUpdate(ctx context.Context, owner string) (*model.Obligation, error) {
	return c.fetch(ctx, owner, c.store.GetObligationForUpdate)
}

func (c *Controller) fetch(ctx context.Context, owner string, get func(context.Context, string) (*model.Obligation, error)) (*model.Obligation, error) {
	ob, err := get(ctx, owner)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrObligationNotFound, owner)
	}
	if err != nil {
		return nil, fmt.Errorf("load obligation %s: %w", owner, err)
	}
	normalize(ob)
	return ob, nil
}

// resolve prices every asset the obligation references.
func (c *Controller) resolve(ctx context.Context, ob *model.Obligation, snap *registry.Snapshot, updates [][]byte) (map[uint8]model.ResolvedPrice, error) {
	ids := ob.AssetIDs()
	assets := make([]model.Asset, 0, len(ids))
	for _, id := range ids {
		a, ok := snap.Asset(id)
		if !ok {
			return nil, fmt.Errorf("%w: %d", registry.ErrUnknownAsset, id)
		}
		assets = append(assets, a)
	}
	return c.prices.ResolveAll(ctx, assets, updates), nil
}

// record appends a decision. The journal is an audit trail: a failed write
// is logged and does not undo a committed operation.
func (c *Controller) record(ctx context.Context, d *model.Decision) {
	if err := c.store.InsertDecision(ctx, d); err != nil {
		slog.Error("failed to record decision", "decision_id", d.ID, "owner", d.Owner, "error", err)
	}
}

func (c *Controller) broadcast(ev Event) {
	if c.hub != nil {
		c.hub.Broadcast(ev)
	}
}

func observeVerdict(op model.Operation, v model.HealthVerdict) {
	switch {
	case v.Unbounded:
		metrics.HealthChecksTotal.WithLabelValues(string(op), "unbounded").Inc()
		return
	case v.Passed:
		metrics.HealthChecksTotal.WithLabelValues(string(op), "passed").Inc()
	default:
		metrics.HealthChecksTotal.WithLabelValues(string(op), "failed").Inc()
	}
	score, _ := v.Score.Float64()
	metrics.HealthScore.Observe(score)
}

func sortedPrices(m map[uint8]model.ResolvedPrice) []model.ResolvedPrice {
	out := make([]model.ResolvedPrice, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out
}

// ownerLocks hands out one mutex per owner and forgets it once no
// operation holds or waits on it.
type ownerLocks struct {
	mu sync.Mutex
	m  map[string]*ownerLock
}

type ownerLock struct {
	mu   sync.Mutex
	refs int
}

func (l *ownerLocks) lock(owner string) (unlock func()) {
	l.mu.Lock()
	ol, ok := l.m[owner]
	if !ok {
		ol = &ownerLock{}
		l.m[owner] = ol
	}
	ol.refs++
	l.mu.Unlock()

	ol.mu.Lock()
	return func() {
		ol.mu.Unlock()
		l.mu.Lock()
		ol.refs--
		if ol.refs == 0 {
			delete(l.m, owner)
		}
		l.mu.Unlock()
	}
}
