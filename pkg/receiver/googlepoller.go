package receiver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pubsubapi "cloud.google.com/go/pubsub/apiv1"
	"cloud.google.com/go/pubsub/apiv1/pubsubpb"
	"github.com/illmade-knight/go-subreceiver/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// --- Google Cloud Pub/Sub Poller Implementation ---

// GooglePollerConfig holds the settings for a GooglePoller.
type GooglePollerConfig struct {
	ProjectID      string
	SubscriptionID string
	// PollTimeout bounds a single Pull. A poll that hits it is treated as empty.
	PollTimeout time.Duration
}

// NewGooglePollerDefaults returns a config with a 10 second poll timeout.
func NewGooglePollerDefaults(projectID, subscriptionID string) *GooglePollerConfig {
	return &GooglePollerConfig{
		ProjectID:      projectID,
		SubscriptionID: subscriptionID,
		PollTimeout:    10 * time.Second,
	}
}

// GooglePoller pulls one message per call using the synchronous Pull RPC.
type GooglePoller struct {
	client       *pubsubapi.SubscriberClient
	subscription string
	pollTimeout  time.Duration
	logger       zerolog.Logger
	closeOnce    sync.Once
	closeErr     error
}

// NewGooglePoller dials a new subscriber client with opts.
func NewGooglePoller(ctx context.Context, cfg *GooglePollerConfig, logger zerolog.Logger, opts ...option.ClientOption) (*GooglePoller, error) {
	client, err := pubsubapi.NewSubscriberClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub subscriber client: %w", err)
	}
	p, err := NewGooglePollerWithClient(cfg, client, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return p, nil
}

// NewGooglePollerWithClient wraps an existing subscriber client. The poller
// closes the client on Close.
func NewGooglePollerWithClient(cfg *GooglePollerConfig, client *pubsubapi.SubscriberClient, logger zerolog.Logger) (*GooglePoller, error) {
	if client == nil {
		return nil, fmt.Errorf("subscriber client cannot be nil")
	}
	if cfg.ProjectID == "" || cfg.SubscriptionID == "" {
		return nil, fmt.Errorf("project id and subscription id are required")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	subName := fmt.Sprintf("projects/%s/subscriptions/%s", cfg.ProjectID, cfg.SubscriptionID)
	return &GooglePoller{
		client:       client,
		subscription: subName,
		pollTimeout:  timeout,
		logger:       logger.With().Str("component", "GooglePoller").Str("subscription", subName).Logger(),
	}, nil
}

// Poll requests at most one message. It returns (nil, nil) when the
// subscription has nothing to deliver within the poll timeout.
func (p *GooglePoller) Poll(ctx context.Context) (*types.ReceivedMessage, error) {
	pollCtx, cancel := context.WithTimeout(ctx, p.pollTimeout)
	defer cancel()

	resp, err := p.client.Pull(pollCtx, &pubsubpb.PullRequest{
		Subscription: p.subscription,
		MaxMessages:  1,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(pollCtx.Err(), context.DeadlineExceeded) || status.Code(err) == codes.DeadlineExceeded {
			return nil, nil
		}
		return nil, fmt.Errorf("pull from %s: %w", p.subscription, err)
	}
	if len(resp.GetReceivedMessages()) == 0 {
		return nil, nil
	}

	rm := resp.GetReceivedMessages()[0]
	pm := rm.GetMessage()
	ackID := rm.GetAckId()
	msg := types.NewReceivedMessage(pm.GetMessageId(), pm.GetData(), pm.GetAttributes(),
		func(ctx context.Context) error { return p.acknowledge(ctx, ackID) },
		func(ctx context.Context) error { return p.release(ctx, ackID) },
	)
	if pm.GetPublishTime() != nil {
		msg.PublishTime = pm.GetPublishTime().AsTime()
	}
	msg.OrderingKey = pm.GetOrderingKey()
	msg.DeliveryAttempt = int(rm.GetDeliveryAttempt())

	p.logger.Debug().Str("msg_id", msg.ID).Msg("Pulled message.")
	return msg, nil
}

func (p *GooglePoller) acknowledge(ctx context.Context, ackID string) error {
	err := p.client.Acknowledge(ctx, &pubsubpb.AcknowledgeRequest{
		Subscription: p.subscription,
		AckIds:       []string{ackID},
	})
	if err != nil {
		return fmt.Errorf("acknowledge: %w", err)
	}
	return nil
}

// release sets the ack deadline to zero, making the message immediately
// available for redelivery.
func (p *GooglePoller) release(ctx context.Context, ackID string) error {
	err := p.client.ModifyAckDeadline(ctx, &pubsubpb.ModifyAckDeadlineRequest{
		Subscription:       p.subscription,
		AckIds:             []string{ackID},
		AckDeadlineSeconds: 0,
	})
	if err != nil {
		return fmt.Errorf("modify ack deadline: %w", err)
	}
	return nil
}

// Close releases the subscriber client. Later calls return the first result.
func (p *GooglePoller) Close() error {
	p.closeOnce.Do(func() {
		p.logger.Info().Msg("Closing subscriber client.")
		p.closeErr = p.client.Close()
	})
	return p.closeErr
}
