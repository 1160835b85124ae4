// Package config provides configuration for the zalobridge server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all server configuration. Values resolve in order:
// environment variable > .env file > default.
type Config struct {
	// ServerAddr is the address the HTTP server listens on.
	ServerAddr string

	// DataDir holds persistent data (channel snapshot DB).
	DataDir string

	// DatabasePath is the full path to the SQLite snapshot file.
	DatabasePath string

	// HubURL is the hub root, e.g. "http://localhost:3000".
	HubURL string
	// HubAccessToken authenticates the hub's /api/v1 surface.
	HubAccessToken string
	// HubInternalToken authenticates the /internal channel endpoints.
	HubInternalToken string
	// HubInboxID is the default inbox for bridged conversations.
	HubInboxID int64

	// WebhookURL is where inbound events are pushed (default derives from
	// HubURL + "/webhooks/zalo").
	WebhookURL string
	// WebhookSecret signs every webhook payload.
	WebhookSecret string

	// ProviderURL overrides the provider API root (live mode).
	ProviderURL string
	// ProviderWSURL overrides the provider message-stream endpoint.
	ProviderWSURL string

	// BatchSize bounds concurrent authentications at startup.
	BatchSize int
	// InterBatchDelay throttles startup between batches.
	InterBatchDelay time.Duration
	// ReconnectInterval is the reconnect sweep period.
	ReconnectInterval time.Duration
	// MaxReconnectAttempts caps sweep retries before an account is failed.
	MaxReconnectAttempts int
	// QRTimeout bounds how long a QR login waits for the scan.
	QRTimeout time.Duration

	// MockMode swaps the live provider client for the simulated one.
	MockMode bool
	// SeedPath is an optional accounts.yaml used when the hub is
	// unreachable and the snapshot is empty (mock/dev setups).
	SeedPath string

	// SlackWebhookURL enables operator alerts when set.
	SlackWebhookURL string
}

// Load creates a Config from the environment. A .env file in the working
// directory is read first; real environment variables win.
func Load() (*Config, error) {
	// Missing .env is fine.
	_ = godotenv.Load()

	dataDir := envOr("ZALOBRIDGE_DATA_DIR", defaultDataDir())
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	hubURL := envOr("CHATWOOT_API_URL", "http://localhost:3000")

	cfg := &Config{
		ServerAddr:   envOr("ZALOBRIDGE_ADDR", ":3001"),
		DataDir:      dataDir,
		DatabasePath: filepath.Join(dataDir, "zalobridge.db"),

		HubURL:           hubURL,
		HubAccessToken:   os.Getenv("CHATWOOT_ACCESS_TOKEN"),
		HubInternalToken: os.Getenv("CHATWOOT_API_TOKEN"),
		HubInboxID:       envOrInt64("CHATWOOT_INBOX_ID", 1),

		WebhookURL:    envOr("CHATWOOT_WEBHOOK_URL", hubURL+"/webhooks/zalo"),
		WebhookSecret: envOr("ZALO_WEBHOOK_SECRET", ""),

		ProviderURL:   os.Getenv("ZALO_API_URL"),
		ProviderWSURL: os.Getenv("ZALO_WS_URL"),

		BatchSize:            envOrInt("ZALOBRIDGE_BATCH_SIZE", 3),
		InterBatchDelay:      envOrDuration("ZALOBRIDGE_BATCH_DELAY", 2*time.Second),
		ReconnectInterval:    envOrDuration("ZALOBRIDGE_RECONNECT_INTERVAL", 30*time.Second),
		MaxReconnectAttempts: envOrInt("ZALOBRIDGE_MAX_RECONNECT_ATTEMPTS", 5),
		QRTimeout:            envOrDuration("ZALOBRIDGE_QR_TIMEOUT", 5*time.Minute),

		MockMode: envOrBool("ZALO_USE_MOCK_DATA", false),
		SeedPath: os.Getenv("ZALOBRIDGE_SEED_FILE"),

		SlackWebhookURL: os.Getenv("SLACK_ALERT_WEBHOOK_URL"),
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.WebhookSecret == "" {
		return fmt.Errorf("ZALO_WEBHOOK_SECRET is required")
	}
	if !c.MockMode && c.HubAccessToken == "" {
		return fmt.Errorf("CHATWOOT_ACCESS_TOKEN is required unless mock mode is enabled")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".zalobridge"
	}
	return filepath.Join(home, ".zalobridge")
}
