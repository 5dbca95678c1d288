package oracle

import (
	"sync"
	"time"

	"github.com/atmx/lending-engine/internal/feed"
)

// Book remembers the newest price account handle per feed. The refresher
// writes it; resolvers read it.
type Book struct {
	mu     sync.RWMutex
	latest map[feed.ID]bookEntry
}

type bookEntry struct {
	handle      Handle
	publishTime time.Time
}

// NewBook creates an empty book.
func NewBook() *Book {
	return &Book{latest: make(map[feed.ID]bookEntry)}
}

// Record stores h for id unless the book already holds a newer publication.
// It reports whether h was stored.
func (b *Book) Record(id feed.ID, h Handle, publishTime time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cur, ok := b.latest[id]; ok && cur.publishTime.After(publishTime) {
		return false
	}
	b.latest[id] = bookEntry{handle: h, publishTime: publishTime}
	return true
}

// Latest returns the newest handle recorded for id.
func (b *Book) Latest(id feed.ID) (Handle, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.latest[id]
	return e.handle, ok
}

// Len returns the number of feeds with a recorded handle.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.latest)
}
