package receiver

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ConnectionSettings locate the broker and authenticate against it.
type ConnectionSettings struct {
	ProjectID string
	// Endpoint overrides the default service endpoint (host:port).
	Endpoint string
	// EmulatorHost points at a local emulator. It takes precedence over
	// Endpoint and disables authentication and TLS.
	EmulatorHost string
	// CredentialsFile is a service account key file. Optional; application
	// default credentials are used when empty.
	CredentialsFile string
}

// ClientOptions translates the settings into client options accepted by
// both the pubsub client and the subscriber client.
func (s ConnectionSettings) ClientOptions() []option.ClientOption {
	if s.EmulatorHost != "" {
		return []option.ClientOption{
			option.WithEndpoint(s.EmulatorHost),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		}
	}
	var opts []option.ClientOption
	if s.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(s.Endpoint))
	}
	if s.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(s.CredentialsFile))
	}
	return opts
}

// NewGoogleClients dials the pubsub client used for provisioning and the
// poller used by the receive loop. The caller owns the pubsub client; the
// poller is normally handed to a SubscriptionReceiver.
func NewGoogleClients(ctx context.Context, s ConnectionSettings, pollerCfg *GooglePollerConfig, logger zerolog.Logger) (*pubsub.Client, *GooglePoller, error) {
	if s.ProjectID == "" {
		return nil, nil, fmt.Errorf("project id is required")
	}
	opts := s.ClientOptions()

	client, err := pubsub.NewClient(ctx, s.ProjectID, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	poller, err := NewGooglePoller(ctx, pollerCfg, logger, opts...)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return client, poller, nil
}
