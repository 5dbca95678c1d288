// Package oracle resolves asset prices from signed publisher updates and
// degrades to the registry's fallback price whenever no valid update is
// available.
//
// A price is never an error from the outside: missing, stale, mismatched,
// malformed or untrusted updates all produce a fallback ResolvedPrice whose
// Reason names the cause. Whether a health decision used a live price is
// visible from Source.
package oracle

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/feed"
	"github.com/atmx/lending-engine/internal/metrics"
	"github.com/atmx/lending-engine/internal/model"
)

// Fallback reasons that do not come from a validation error.
const (
	ReasonNoFeed = "no_feed"
)

// Resolver produces one ResolvedPrice per asset.
type Resolver struct {
	poster   Poster
	accounts AccountReader
	book     *Book
	maxAge   time.Duration
	policy   Policy
	now      func() time.Time
}

// NewResolver creates a resolver. poster handles price updates attached to
// a request; book holds the refreshed accounts.
func NewResolver(poster Poster, accounts AccountReader, book *Book, maxAge time.Duration, policy Policy) *Resolver {
	if book == nil {
		book = NewBook()
	}
	return &Resolver{
		poster:   poster,
		accounts: accounts,
		book:     book,
		maxAge:   maxAge,
		policy:   policy,
		now:      time.Now,
	}
}

// MaxAge returns the freshness bound used by ResolveAll.
func (r *Resolver) MaxAge() time.Duration {
	return r.maxAge
}

// Resolve prices asset from the book alone.
func (r *Resolver) Resolve(asset model.Asset, maxAge time.Duration) model.ResolvedPrice {
	return r.resolve(asset, nil, maxAge, r.now())
}

// ResolveAll prices every asset in assets. Updates attached to the request
// are posted first and take precedence over the book for their feeds.
func (r *Resolver) ResolveAll(ctx context.Context, assets []model.Asset, updates [][]byte) map[uint8]model.ResolvedPrice {
	attached := r.postAttached(ctx, updates)
	now := r.now()

	out := make(map[uint8]model.ResolvedPrice, len(assets))
	for _, a := range assets {
		out[a.ID] = r.resolve(a, attached, r.maxAge, now)
	}
	return out
}

// postAttached posts each update and keeps, per feed, the handle of the
// newest publication. Unusable updates are logged and skipped.
func (r *Resolver) postAttached(ctx context.Context, updates [][]byte) map[feed.ID]Handle {
	if len(updates) == 0 || r.poster == nil {
		return nil
	}
	handles := make(map[feed.ID]Handle, len(updates))
	newest := make(map[feed.ID]time.Time, len(updates))
	for i, blob := range updates {
		h, err := r.poster.PostPriceUpdate(ctx, blob)
		if err != nil {
			slog.Warn("attached price update refused", "index", i, "error", err)
			continue
		}
		p, err := r.read(h)
		if err != nil {
			slog.Warn("attached price account unreadable", "index", i, "handle", h, "error", err)
			continue
		}
		if t, ok := newest[p.FeedID]; ok && t.After(p.PublishTime) {
			continue
		}
		handles[p.FeedID] = h
		newest[p.FeedID] = p.PublishTime
	}
	return handles
}

func (r *Resolver) resolve(asset model.Asset, attached map[feed.ID]Handle, maxAge time.Duration, now time.Time) model.ResolvedPrice {
	if asset.FeedID.IsZero() {
		return r.fallback(asset, ReasonNoFeed)
	}

	var candidates []Handle
	if h, ok := attached[asset.FeedID]; ok {
		candidates = append(candidates, h)
	}
	if h, ok := r.book.Latest(asset.FeedID); ok {
		candidates = append(candidates, h)
	}

	lastErr := error(ErrNoPrice)
	for _, h := range candidates {
		price, asOf, err := r.validate(h, asset, maxAge, now)
		if err == nil {
			metrics.PriceResolutions.WithLabelValues(string(model.SourceOracle), "").Inc()
			return model.ResolvedPrice{
				AssetID: asset.ID,
				Price:   price,
				Source:  model.SourceOracle,
				AsOf:    &asOf,
			}
		}
		lastErr = err
		slog.Debug("oracle price rejected", "asset_id", asset.ID, "feed_id", asset.FeedID.String(), "handle", h, "error", err)
	}
	return r.fallback(asset, reason(lastErr))
}

func (r *Resolver) fallback(asset model.Asset, why string) model.ResolvedPrice {
	metrics.PriceResolutions.WithLabelValues(string(model.SourceFallback), why).Inc()
	return model.ResolvedPrice{
		AssetID: asset.ID,
		Price:   asset.FallbackPrice,
		Source:  model.SourceFallback,
		Reason:  why,
	}
}

func (r *Resolver) validate(h Handle, asset model.Asset, maxAge time.Duration, now time.Time) (decimal.Decimal, time.Time, error) {
	p, err := r.read(h)
	if err != nil {
		return decimal.Zero, time.Time{}, err
	}
	price, err := Validate(p, asset.FeedID, maxAge, now, r.policy)
	if err != nil {
		return decimal.Zero, time.Time{}, err
	}
	return price, p.PublishTime, nil
}

func (r *Resolver) read(h Handle) (ParsedPrice, error) {
	if r.accounts == nil {
		return ParsedPrice{}, ErrUnknownHandle
	}
	data, err := r.accounts.Account(h)
	if err != nil {
		return ParsedPrice{}, err
	}
	return DecodeAccount(data)
}
