package receiver

import (
	"fmt"
	"time"
)

// TopicSettings are applied when the topic is created.
type TopicSettings struct {
	// MessageRetention keeps messages on the topic for replay. Zero leaves
	// the broker default.
	MessageRetention time.Duration
	Labels           map[string]string
}

// SubscriptionSettings are applied when the subscription is created.
type SubscriptionSettings struct {
	AckDeadline           time.Duration
	EnableMessageOrdering bool
	// Filter is a broker-side attribute filter expression. Optional.
	Filter string
}

// Config holds the settings for a SubscriptionReceiver.
type Config struct {
	TopicID        string
	SubscriptionID string

	Topic        TopicSettings
	Subscription SubscriptionSettings

	// EmptyPollDelay is the pause after a poll that returned no message.
	EmptyPollDelay time.Duration
	// AckTimeout bounds each Ack/Nack call, which runs even while stopping.
	AckTimeout time.Duration
	// ProvisionTimeout bounds topic and subscription creation.
	ProvisionTimeout time.Duration
	// DedupAttribute names the message attribute carrying the publisher's
	// message identity. When empty or absent the broker ID is used.
	DedupAttribute string
}

// NewConfigDefaults returns a Config for the given topic and subscription.
func NewConfigDefaults(topicID, subscriptionID string) *Config {
	return &Config{
		TopicID:        topicID,
		SubscriptionID: subscriptionID,
		Subscription: SubscriptionSettings{
			AckDeadline: 30 * time.Second,
		},
		EmptyPollDelay:   100 * time.Millisecond,
		AckTimeout:       10 * time.Second,
		ProvisionTimeout: 20 * time.Second,
		DedupAttribute:   "message_id",
	}
}

// Validate checks the required fields.
func (c *Config) Validate() error {
	if c.TopicID == "" {
		return fmt.Errorf("topic id is required")
	}
	if c.SubscriptionID == "" {
		return fmt.Errorf("subscription id is required")
	}
	if c.EmptyPollDelay < 0 {
		return fmt.Errorf("empty poll delay cannot be negative")
	}
	return nil
}
