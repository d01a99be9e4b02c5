package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// InMemoryFilter is a process-local Filter. Identities expire after the
// window; hits do not extend it.
type InMemoryFilter struct {
	seen     *ttlcache.Cache[string, struct{}]
	stopOnce sync.Once
}

// NewInMemoryFilter starts a filter with the given window. A non-positive
// window falls back to DefaultWindow.
func NewInMemoryFilter(window time.Duration) *InMemoryFilter {
	if window <= 0 {
		window = DefaultWindow
	}
	seen := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](window),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go seen.Start()
	return &InMemoryFilter{seen: seen}
}

// MarkSeen implements Filter.
func (f *InMemoryFilter) MarkSeen(_ context.Context, key string) (bool, error) {
	_, found := f.seen.GetOrSet(key, struct{}{})
	return found, nil
}

// Forget implements Filter.
func (f *InMemoryFilter) Forget(_ context.Context, key string) error {
	f.seen.Delete(key)
	return nil
}

// Len returns the number of identities currently held.
func (f *InMemoryFilter) Len() int {
	return f.seen.Len()
}

// Close stops the expiry goroutine.
func (f *InMemoryFilter) Close() error {
	f.stopOnce.Do(f.seen.Stop)
	return nil
}
