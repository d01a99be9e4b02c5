package receiver

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GoogleProvisioner creates Pub/Sub topics and subscriptions. It does not
// own the client.
type GoogleProvisioner struct {
	client *pubsub.Client
	logger zerolog.Logger
}

// NewGoogleProvisioner wraps client.
func NewGoogleProvisioner(client *pubsub.Client, logger zerolog.Logger) (*GoogleProvisioner, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	return &GoogleProvisioner{
		client: client,
		logger: logger.With().Str("component", "GoogleProvisioner").Logger(),
	}, nil
}

// EnsureTopic creates topicID. An existing topic yields an error wrapping
// ErrAlreadyExists.
func (p *GoogleProvisioner) EnsureTopic(ctx context.Context, topicID string, settings TopicSettings) error {
	cfg := &pubsub.TopicConfig{
		Labels: settings.Labels,
	}
	if settings.MessageRetention > 0 {
		cfg.RetentionDuration = settings.MessageRetention
	}

	topic, err := p.client.CreateTopicWithConfig(ctx, topicID, cfg)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("topic %s: %w", topicID, ErrAlreadyExists)
		}
		return fmt.Errorf("create topic %s: %w", topicID, err)
	}
	topic.Stop()
	p.logger.Info().Str("topic_id", topicID).Msg("Topic created.")
	return nil
}

// EnsureSubscription creates subscriptionID attached to topicID. An existing
// subscription yields an error wrapping ErrAlreadyExists.
func (p *GoogleProvisioner) EnsureSubscription(ctx context.Context, topicID, subscriptionID string, settings SubscriptionSettings) error {
	_, err := p.client.CreateSubscription(ctx, subscriptionID, pubsub.SubscriptionConfig{
		Topic:                 p.client.Topic(topicID),
		AckDeadline:           settings.AckDeadline,
		EnableMessageOrdering: settings.EnableMessageOrdering,
		Filter:                settings.Filter,
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("subscription %s: %w", subscriptionID, ErrAlreadyExists)
		}
		return fmt.Errorf("create subscription %s: %w", subscriptionID, err)
	}
	p.logger.Info().Str("topic_id", topicID).Str("subscription_id", subscriptionID).Msg("Subscription created.")
	return nil
}
