package dedup

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for the Firestore-backed filter.
type FirestoreConfig struct {
	ProjectID      string
	CollectionName string
	Window         time.Duration
}

type seenRecord struct {
	SeenAt    time.Time `firestore:"seenAt"`
	ExpiresAt time.Time `firestore:"expiresAt"`
}

// FirestoreFilter keeps identities as documents with an expiry time.
// Suitable for low volume deployments; use Redis otherwise.
type FirestoreFilter struct {
	client         *firestore.Client
	collectionName string
	window         time.Duration
	logger         zerolog.Logger
	now            func() time.Time
}

// NewFirestoreFilter creates a FirestoreFilter. The client's lifecycle is
// managed by the caller.
func NewFirestoreFilter(cfg *FirestoreConfig, client *firestore.Client, logger zerolog.Logger) (*FirestoreFilter, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, fmt.Errorf("collection name is required")
	}
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}

	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreFilter initialized.")
	return &FirestoreFilter{
		client:         client,
		collectionName: cfg.CollectionName,
		window:         window,
		logger:         logger.With().Str("component", "FirestoreFilter").Logger(),
		now:            time.Now,
	}, nil
}

// MarkSeen implements Filter. An expired record is overwritten and counts as
// a first sighting.
func (f *FirestoreFilter) MarkSeen(ctx context.Context, key string) (bool, error) {
	// Document IDs cannot contain '/'.
	docRef := f.client.Collection(f.collectionName).Doc(url.PathEscape(key))

	var duplicate bool
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		now := f.now()
		duplicate = false

		snap, err := tx.Get(docRef)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() {
			var rec seenRecord
			if err := snap.DataTo(&rec); err != nil {
				return fmt.Errorf("decode record: %w", err)
			}
			if rec.ExpiresAt.After(now) {
				duplicate = true
				return nil
			}
		}
		return tx.Set(docRef, seenRecord{SeenAt: now, ExpiresAt: now.Add(f.window)})
	})
	if err != nil {
		return false, fmt.Errorf("firestore transaction for %s: %w", key, err)
	}
	return duplicate, nil
}

// Forget implements Filter. Deleting a missing record is not an error.
func (f *FirestoreFilter) Forget(ctx context.Context, key string) error {
	docRef := f.client.Collection(f.collectionName).Doc(url.PathEscape(key))
	if _, err := docRef.Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("firestore delete for %s: %w", key, err)
	}
	return nil
}

// Close is a no-op as the Firestore client's lifecycle is managed externally.
func (f *FirestoreFilter) Close() error {
	f.logger.Info().Msg("FirestoreFilter does not close the injected Firestore client.")
	return nil
}
