package config_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/trungdn/zalobridge/internal/config"
)

// clearConfigEnv unsets every variable Load reads so each test starts from a
// clean slate regardless of the outer process environment.
func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ZALOBRIDGE_ADDR",
		"ZALOBRIDGE_DATA_DIR",
		"ZALOBRIDGE_BATCH_SIZE",
		"ZALOBRIDGE_BATCH_DELAY",
		"ZALOBRIDGE_RECONNECT_INTERVAL",
		"ZALOBRIDGE_MAX_RECONNECT_ATTEMPTS",
		"ZALOBRIDGE_QR_TIMEOUT",
		"ZALOBRIDGE_SEED_FILE",
		"CHATWOOT_API_URL",
		"CHATWOOT_ACCESS_TOKEN",
		"CHATWOOT_API_TOKEN",
		"CHATWOOT_INBOX_ID",
		"CHATWOOT_WEBHOOK_URL",
		"ZALO_WEBHOOK_SECRET",
		"ZALO_API_URL",
		"ZALO_WS_URL",
		"ZALO_USE_MOCK_DATA",
		"SLACK_ALERT_WEBHOOK_URL",
	} {
		t.Setenv(key, "")
	}
}

// load runs config.Load against a temp data dir and fails the test on error.
func load(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("ZALOBRIDGE_DATA_DIR", t.TempDir())
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	cfg := load(t)

	if cfg.ServerAddr != ":3001" {
		t.Errorf("ServerAddr = %q, want :3001", cfg.ServerAddr)
	}
	if cfg.HubURL != "http://localhost:3000" {
		t.Errorf("HubURL = %q", cfg.HubURL)
	}
	if cfg.WebhookURL != "http://localhost:3000/webhooks/zalo" {
		t.Errorf("WebhookURL = %q, want derived from HubURL", cfg.WebhookURL)
	}
	if cfg.HubInboxID != 1 {
		t.Errorf("HubInboxID = %d, want 1", cfg.HubInboxID)
	}
	if cfg.BatchSize != 3 {
		t.Errorf("BatchSize = %d, want 3", cfg.BatchSize)
	}
	if cfg.InterBatchDelay != 2*time.Second {
		t.Errorf("InterBatchDelay = %s, want 2s", cfg.InterBatchDelay)
	}
	if cfg.ReconnectInterval != 30*time.Second {
		t.Errorf("ReconnectInterval = %s, want 30s", cfg.ReconnectInterval)
	}
	if cfg.MaxReconnectAttempts != 5 {
		t.Errorf("MaxReconnectAttempts = %d, want 5", cfg.MaxReconnectAttempts)
	}
	if cfg.QRTimeout != 5*time.Minute {
		t.Errorf("QRTimeout = %s, want 5m", cfg.QRTimeout)
	}
	if cfg.MockMode {
		t.Error("MockMode = true, want false by default")
	}
	if cfg.DatabasePath != filepath.Join(cfg.DataDir, "zalobridge.db") {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath)
	}
}

func TestLoad_Overrides(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("ZALOBRIDGE_ADDR", ":9090")
	t.Setenv("CHATWOOT_API_URL", "https://hub.example.com")
	t.Setenv("CHATWOOT_WEBHOOK_URL", "https://hub.example.com/hooks/custom")
	t.Setenv("CHATWOOT_INBOX_ID", "7")
	t.Setenv("ZALOBRIDGE_BATCH_SIZE", "10")
	t.Setenv("ZALOBRIDGE_BATCH_DELAY", "500ms")
	t.Setenv("ZALOBRIDGE_RECONNECT_INTERVAL", "1m")
	t.Setenv("ZALOBRIDGE_MAX_RECONNECT_ATTEMPTS", "2")
	t.Setenv("ZALO_USE_MOCK_DATA", "true")

	cfg := load(t)

	if cfg.ServerAddr != ":9090" {
		t.Errorf("ServerAddr = %q", cfg.ServerAddr)
	}
	if cfg.HubURL != "https://hub.example.com" {
		t.Errorf("HubURL = %q", cfg.HubURL)
	}
	if cfg.WebhookURL != "https://hub.example.com/hooks/custom" {
		t.Errorf("WebhookURL = %q", cfg.WebhookURL)
	}
	if cfg.HubInboxID != 7 {
		t.Errorf("HubInboxID = %d", cfg.HubInboxID)
	}
	if cfg.BatchSize != 10 {
		t.Errorf("BatchSize = %d", cfg.BatchSize)
	}
	if cfg.InterBatchDelay != 500*time.Millisecond {
		t.Errorf("InterBatchDelay = %s", cfg.InterBatchDelay)
	}
	if cfg.ReconnectInterval != time.Minute {
		t.Errorf("ReconnectInterval = %s", cfg.ReconnectInterval)
	}
	if cfg.MaxReconnectAttempts != 2 {
		t.Errorf("MaxReconnectAttempts = %d", cfg.MaxReconnectAttempts)
	}
	if !cfg.MockMode {
		t.Error("MockMode = false, want true")
	}
}

func TestLoad_MalformedNumbersFallBack(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("ZALOBRIDGE_BATCH_SIZE", "not-a-number")
	t.Setenv("ZALOBRIDGE_BATCH_DELAY", "soon")

	cfg := load(t)
	if cfg.BatchSize != 3 {
		t.Errorf("BatchSize = %d, want default 3", cfg.BatchSize)
	}
	if cfg.InterBatchDelay != 2*time.Second {
		t.Errorf("InterBatchDelay = %s, want default 2s", cfg.InterBatchDelay)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr bool
	}{
		{
			name: "complete config",
			mutate: func(c *config.Config) {
				c.WebhookSecret = "secret"
				c.HubAccessToken = "token"
			},
		},
		{
			name:    "missing webhook secret",
			mutate:  func(c *config.Config) { c.HubAccessToken = "token" },
			wantErr: true,
		},
		{
			name:    "missing access token",
			mutate:  func(c *config.Config) { c.WebhookSecret = "secret" },
			wantErr: true,
		},
		{
			name: "mock mode without access token",
			mutate: func(c *config.Config) {
				c.WebhookSecret = "secret"
				c.MockMode = true
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			cfg := load(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
