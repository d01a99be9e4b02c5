// Package dedup provides duplicate-detection windows keyed by message identity.
package dedup

import (
	"context"
	"io"
	"time"
)

// DefaultWindow is how long an identity is remembered.
const DefaultWindow = 30 * time.Minute

// Filter remembers message identities for a fixed window.
type Filter interface {
	// MarkSeen records key and reports whether it was already recorded
	// inside the window. The window runs from the first sighting.
	MarkSeen(ctx context.Context, key string) (duplicate bool, err error)
	// Forget drops key so the next sighting counts as the first. Used when
	// a message is handed back to the broker for redelivery.
	Forget(ctx context.Context, key string) error
	// Closer is included for implementations that manage network connections.
	io.Closer
}
