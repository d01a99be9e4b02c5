package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-subreceiver/pkg/config"
	"github.com/illmade-knight/go-subreceiver/pkg/dedup"
	"github.com/illmade-knight/go-subreceiver/pkg/microservice"
	"github.com/illmade-knight/go-subreceiver/pkg/receiver"
	"github.com/illmade-knight/go-subreceiver/pkg/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the receiver configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Receiver exited with error")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	psClient, poller, err := receiver.NewGoogleClients(ctx, cfg.ConnectionSettings(), cfg.PollerConfig(), logger)
	if err != nil {
		return err
	}
	defer func() { _ = psClient.Close() }()

	provisioner, err := receiver.NewGoogleProvisioner(psClient, logger)
	if err != nil {
		_ = poller.Close()
		return err
	}

	filter, closeFilter, err := newDuplicateFilter(ctx, cfg, logger)
	if err != nil {
		_ = poller.Close()
		return err
	}
	defer closeFilter()

	var opts []receiver.Option
	if filter != nil {
		opts = append(opts, receiver.WithDuplicateFilter(filter))
	}
	rcv, err := receiver.NewSubscriptionReceiver(ctx, cfg.ReceiverConfig(), provisioner, poller, logger, opts...)
	if err != nil {
		return err
	}
	rcv.Subscribe(func(_ context.Context, msg *types.ReceivedMessage) error {
		logger.Info().
			Str("msg_id", msg.ID).
			Int("payload_bytes", len(msg.Payload)).
			Interface("attributes", msg.Attributes).
			Time("publish_time", msg.PublishTime).
			Msg("Message received.")
		return nil
	})

	server := microservice.NewReceiverServer(rcv, cfg.HTTPPort, logger)
	// The receive loop must outlive the signal context so that Shutdown, not
	// the signal, decides when it stops.
	if err := server.Start(context.WithoutCancel(ctx)); err != nil {
		_ = rcv.Close(context.Background())
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received.")
	case <-rcv.Done():
		logger.Error().Err(rcv.Err()).Msg("Receive loop stopped unexpectedly.")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return rcv.Err()
}

// newDuplicateFilter builds the configured dedup backend. The returned close
// function releases everything the backend opened.
func newDuplicateFilter(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (dedup.Filter, func(), error) {
	window := cfg.Receiver.DuplicateWindow
	noop := func() {}

	switch cfg.Dedup.Backend {
	case config.DedupNone:
		return nil, noop, nil
	case config.DedupMemory:
		f := dedup.NewInMemoryFilter(window)
		return f, closer(f), nil
	case config.DedupRedis:
		f, err := dedup.NewRedisFilter(ctx, &dedup.RedisConfig{
			Addr:      cfg.Dedup.Redis.Addr,
			Password:  cfg.Dedup.Redis.Password,
			DB:        cfg.Dedup.Redis.DB,
			KeyPrefix: cfg.Dedup.Redis.KeyPrefix,
			Window:    window,
		}, logger)
		if err != nil {
			return nil, noop, err
		}
		return f, closer(f), nil
	case config.DedupFirestore:
		projectID := cfg.FirestoreProjectID()
		client, err := firestore.NewClient(ctx, projectID, cfg.FirestoreClientOptions()...)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create firestore client: %w", err)
		}
		f, err := dedup.NewFirestoreFilter(&dedup.FirestoreConfig{
			ProjectID:      projectID,
			CollectionName: cfg.Dedup.Firestore.CollectionName,
			Window:         window,
		}, client, logger)
		if err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		return f, func() {
			_ = f.Close()
			_ = client.Close()
		}, nil
	default:
		return nil, noop, fmt.Errorf("unknown dedup backend %q", cfg.Dedup.Backend)
	}
}

func closer(c io.Closer) func() {
	return func() { _ = c.Close() }
}
