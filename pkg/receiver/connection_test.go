package receiver_test

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/illmade-knight/go-subreceiver/pkg/receiver"
	"github.com/illmade-knight/go-subreceiver/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionSettings_ClientOptions(t *testing.T) {
	t.Run("Default credentials", func(t *testing.T) {
		s := receiver.ConnectionSettings{ProjectID: "shop"}
		assert.Empty(t, s.ClientOptions())
	})

	t.Run("Endpoint and credentials file", func(t *testing.T) {
		s := receiver.ConnectionSettings{ProjectID: "shop", Endpoint: "europe-west1-pubsub.googleapis.com:443", CredentialsFile: "key.json"}
		assert.Len(t, s.ClientOptions(), 2)
	})

	t.Run("Emulator takes precedence", func(t *testing.T) {
		s := receiver.ConnectionSettings{ProjectID: "shop", Endpoint: "ignored:443", EmulatorHost: "localhost:8085", CredentialsFile: "ignored.json"}
		assert.Len(t, s.ClientOptions(), 3)
	})
}

func TestNewGoogleClients(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })
	settings := receiver.ConnectionSettings{ProjectID: "test-project", EmulatorHost: srv.Addr}

	t.Run("Clients reach the emulator", func(t *testing.T) {
		pollerCfg := receiver.NewGooglePollerDefaults("test-project", "billing")
		pollerCfg.PollTimeout = 200 * time.Millisecond
		client, poller, err := receiver.NewGoogleClients(ctx, settings, pollerCfg, zerolog.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = client.Close() })
		t.Cleanup(func() { _ = poller.Close() })

		prov, err := receiver.NewGoogleProvisioner(client, zerolog.Nop())
		require.NoError(t, err)
		require.NoError(t, prov.EnsureTopic(ctx, "orders", receiver.TopicSettings{}))
		require.NoError(t, prov.EnsureSubscription(ctx, "orders", "billing", receiver.SubscriptionSettings{AckDeadline: 10 * time.Second}))

		id := publish(t, ctx, client, "orders", &pubsub.Message{Data: []byte("via emulator host")})
		var msg *types.ReceivedMessage
		require.Eventually(t, func() bool {
			msg, err = poller.Poll(ctx)
			return err == nil && msg != nil
		}, 5*time.Second, 10*time.Millisecond)
		assert.Equal(t, id, msg.ID)
		require.NoError(t, msg.Ack(ctx))
	})

	t.Run("Invalid poller config releases the pubsub client", func(t *testing.T) {
		_, _, err := receiver.NewGoogleClients(ctx, settings, receiver.NewGooglePollerDefaults("test-project", ""), zerolog.Nop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "subscription id are required")
	})

	t.Run("Missing project", func(t *testing.T) {
		_, _, err := receiver.NewGoogleClients(ctx, receiver.ConnectionSettings{EmulatorHost: srv.Addr}, receiver.NewGooglePollerDefaults("p", "s"), zerolog.Nop())
		require.Error(t, err)
	})
}
