// Package config loads the subscription receiver service configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/illmade-knight/go-subreceiver/pkg/dedup"
	"github.com/illmade-knight/go-subreceiver/pkg/receiver"
	"google.golang.org/api/option"
	"gopkg.in/yaml.v3"
)

// Dedup backends.
const (
	DedupNone      = "none"
	DedupMemory    = "memory"
	DedupRedis     = "redis"
	DedupFirestore = "firestore"
)

// Connection locates the broker and its credentials.
type Connection struct {
	ProjectID       string `yaml:"project_id"`
	Endpoint        string `yaml:"endpoint"`
	EmulatorHost    string `yaml:"emulator_host"`
	CredentialsFile string `yaml:"credentials_file"`
}

// Receiver tunes the polling loop and the entities it provisions.
type Receiver struct {
	PollTimeout           time.Duration     `yaml:"poll_timeout"`
	EmptyPollDelay        time.Duration     `yaml:"empty_poll_delay"`
	AckDeadline           time.Duration     `yaml:"ack_deadline"`
	DuplicateWindow       time.Duration     `yaml:"duplicate_window"`
	DedupAttribute        string            `yaml:"dedup_attribute"`
	EnableMessageOrdering bool              `yaml:"enable_message_ordering"`
	Filter                string            `yaml:"filter"`
	MessageRetention      time.Duration     `yaml:"message_retention"`
	TopicLabels           map[string]string `yaml:"topic_labels"`
}

// Redis configures the redis dedup backend.
type Redis struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Firestore configures the firestore dedup backend.
type Firestore struct {
	ProjectID      string `yaml:"project_id"`
	CollectionName string `yaml:"collection"`
	// Endpoint overrides the Firestore service endpoint. The connection
	// endpoint is a Pub/Sub host and is never reused here.
	Endpoint string `yaml:"endpoint"`
}

// Dedup selects the duplicate-detection backend.
type Dedup struct {
	Backend   string    `yaml:"backend"`
	Redis     Redis     `yaml:"redis"`
	Firestore Firestore `yaml:"firestore"`
}

// Config is the root of the service configuration file.
type Config struct {
	LogLevel       string     `yaml:"log_level"`
	HTTPPort       string     `yaml:"http_port"`
	Connection     Connection `yaml:"connection"`
	TopicID        string     `yaml:"topic"`
	SubscriptionID string     `yaml:"subscription"`
	Receiver       Receiver   `yaml:"receiver"`
	Dedup          Dedup      `yaml:"dedup"`
}

// Default returns a Config with every optional field populated.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		HTTPPort: ":8080",
		Receiver: Receiver{
			PollTimeout:     10 * time.Second,
			EmptyPollDelay:  100 * time.Millisecond,
			AckDeadline:     30 * time.Second,
			DuplicateWindow: dedup.DefaultWindow,
			DedupAttribute:  "message_id",
		},
		Dedup: Dedup{
			Backend: DedupMemory,
			Firestore: Firestore{
				CollectionName: "receiver-dedup",
			},
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv lets the standard Google Cloud environment variables override the
// file.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PUBSUB_EMULATOR_HOST"); v != "" {
		c.Connection.EmulatorHost = v
	}
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		c.Connection.ProjectID = v
	}
}

// Validate checks required fields and the dedup backend.
func (c *Config) Validate() error {
	var errs []error
	if c.Connection.ProjectID == "" {
		errs = append(errs, errors.New("connection.project_id is required"))
	}
	if c.TopicID == "" {
		errs = append(errs, errors.New("topic is required"))
	}
	if c.SubscriptionID == "" {
		errs = append(errs, errors.New("subscription is required"))
	}
	switch c.Dedup.Backend {
	case DedupNone, DedupMemory, DedupFirestore:
	case DedupRedis:
		if c.Dedup.Redis.Addr == "" {
			errs = append(errs, errors.New("dedup.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown dedup backend %q", c.Dedup.Backend))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ConnectionSettings converts the connection section for the receiver package.
func (c *Config) ConnectionSettings() receiver.ConnectionSettings {
	return receiver.ConnectionSettings{
		ProjectID:       c.Connection.ProjectID,
		Endpoint:        c.Connection.Endpoint,
		EmulatorHost:    c.Connection.EmulatorHost,
		CredentialsFile: c.Connection.CredentialsFile,
	}
}

// FirestoreProjectID is the dedup project, falling back to the connection's.
func (c *Config) FirestoreProjectID() string {
	if c.Dedup.Firestore.ProjectID != "" {
		return c.Dedup.Firestore.ProjectID
	}
	return c.Connection.ProjectID
}

// FirestoreClientOptions carries the service credentials over to the dedup
// client. Emulator settings stay with Pub/Sub; the Firestore client reads
// FIRESTORE_EMULATOR_HOST itself.
func (c *Config) FirestoreClientOptions() []option.ClientOption {
	var opts []option.ClientOption
	if c.Dedup.Firestore.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.Dedup.Firestore.Endpoint))
	}
	if c.Connection.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(c.Connection.CredentialsFile))
	}
	return opts
}

// ReceiverConfig builds the receiver's Config.
func (c *Config) ReceiverConfig() *receiver.Config {
	rc := receiver.NewConfigDefaults(c.TopicID, c.SubscriptionID)
	rc.Topic = receiver.TopicSettings{
		MessageRetention: c.Receiver.MessageRetention,
		Labels:           c.Receiver.TopicLabels,
	}
	rc.Subscription = receiver.SubscriptionSettings{
		AckDeadline:           c.Receiver.AckDeadline,
		EnableMessageOrdering: c.Receiver.EnableMessageOrdering,
		Filter:                c.Receiver.Filter,
	}
	rc.EmptyPollDelay = c.Receiver.EmptyPollDelay
	rc.DedupAttribute = c.Receiver.DedupAttribute
	return rc
}

// PollerConfig builds the Google poller's config.
func (c *Config) PollerConfig() *receiver.GooglePollerConfig {
	pc := receiver.NewGooglePollerDefaults(c.Connection.ProjectID, c.SubscriptionID)
	pc.PollTimeout = c.Receiver.PollTimeout
	return pc
}
