package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/lending-engine/internal/feed"
	"github.com/atmx/lending-engine/internal/metrics"
)

// Notifier is told about every price the refresher records.
type Notifier interface {
	PriceRefreshed(id feed.ID, p ParsedPrice)
}

// NotifierFunc adapts ordinary functions to Notifier.
type NotifierFunc func(id feed.ID, p ParsedPrice)

// PriceRefreshed implements Notifier.
func (f NotifierFunc) PriceRefreshed(id feed.ID, p ParsedPrice) {
	if f != nil {
		f(id, p)
	}
}

// Refresher periodically pulls signed updates for every registered feed,
// posts them and records the resulting handles in the Book.
type Refresher struct {
	fetcher  Fetcher
	poster   Poster
	accounts AccountReader
	book     *Book
	feeds    func() []feed.ID
	interval time.Duration
	notifier Notifier
	once     sync.Once
}

// RefresherOption configures a Refresher.
type RefresherOption func(*Refresher)

// WithNotifier installs a notifier for recorded prices.
func WithNotifier(n Notifier) RefresherOption {
	return func(r *Refresher) {
		r.notifier = n
	}
}

// NewRefresher constructs a refresher. feeds is called on every tick so
// newly registered assets are picked up.
func NewRefresher(fetcher Fetcher, poster Poster, accounts AccountReader, book *Book, feeds func() []feed.ID, interval time.Duration, opts ...RefresherOption) (*Refresher, error) {
	if fetcher == nil {
		return nil, errors.New("oracle: fetcher required")
	}
	if poster == nil || accounts == nil {
		return nil, errors.New("oracle: price account store required")
	}
	if book == nil {
		return nil, errors.New("oracle: book required")
	}
	if interval <= 0 {
		return nil, errors.New("oracle: refresh interval must be positive")
	}
	r := &Refresher{
		fetcher:  fetcher,
		poster:   poster,
		accounts: accounts,
		book:     book,
		feeds:    feeds,
		interval: interval,
		notifier: NotifierFunc(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Run blocks, refreshing until ctx is cancelled. Tick failures are logged
// and never stop the loop.
func (r *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.once.Do(func() {
		slog.Info("oracle refresher started", "interval", r.interval.String())
	})
	for {
		if err := r.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("oracle refresh failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs one refresh cycle. It returns an error only when nothing
// could be fetched; individual bad updates are skipped.
func (r *Refresher) Tick(ctx context.Context) error {
	var ids []feed.ID
	if r.feeds != nil {
		ids = r.feeds()
	}
	if len(ids) == 0 {
		metrics.RefresherTicks.WithLabelValues("idle").Inc()
		return nil
	}

	fetched, err := r.fetcher.Fetch(ctx, ids)
	if err != nil {
		metrics.RefresherTicks.WithLabelValues("error").Inc()
		return fmt.Errorf("fetch %d feeds: %w", len(ids), err)
	}

	recorded := 0
	for i, f := range fetched {
		h, err := r.poster.PostPriceUpdate(ctx, f.Blob)
		if err != nil {
			slog.Warn("price update refused", "index", i, "feed_id", f.Parsed.FeedID.String(), "error", err)
			continue
		}
		data, err := r.accounts.Account(h)
		if err != nil {
			slog.Warn("price account unreadable", "handle", h, "error", err)
			continue
		}
		p, err := DecodeAccount(data)
		if err != nil {
			slog.Warn("price account malformed", "handle", h, "error", err)
			continue
		}
		if !r.book.Record(p.FeedID, h, p.PublishTime) {
			continue
		}
		recorded++
		r.notifier.PriceRefreshed(p.FeedID, p)
	}

	metrics.RefresherTicks.WithLabelValues("ok").Inc()
	slog.Debug("oracle refresh", "feeds", len(ids), "fetched", len(fetched), "recorded", recorded)
	return nil
}
