package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testOpsKey = "rr0eF0ZkO8p1rTRrDhuDBQk5hNNYMLVQlS3cgIg1Wkw="
const testRootKey = "x7bVumR1S9eFJkQ8dOFxGVxCz5bWl3p9aD2mTn4KcjY="

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return configPath
}

func validTestConfig() string {
	return `
service:
  id: "test-core"
database:
  path: "/tmp/keyway-test.db"
  wal_mode: true
  busy_timeout: 5
mqtt:
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
api:
  host: "0.0.0.0"
  port: 8080
signing:
  ops_private_key: "` + testOpsKey + `"
  root_private_key: "` + testRootKey + `"
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!!"
`
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeTestConfig(t, validTestConfig())

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Service.ID != "test-core" {
		t.Errorf("Service.ID = %q, want %q", cfg.Service.ID, "test-core")
	}
	if cfg.Database.Path != "/tmp/keyway-test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/keyway-test.db")
	}
	if cfg.MQTT.Broker.ClientID != "test-client" {
		t.Errorf("MQTT.Broker.ClientID = %q, want %q", cfg.MQTT.Broker.ClientID, "test-client")
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeTestConfig(t, validTestConfig())

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Fields absent from the file should carry defaults.
	if cfg.Dispatcher.PollInterval != 5 {
		t.Errorf("Dispatcher.PollInterval = %d, want 5", cfg.Dispatcher.PollInterval)
	}
	if cfg.Dispatcher.Backoff.CapSeconds != 3600 {
		t.Errorf("Backoff.CapSeconds = %d, want 3600", cfg.Dispatcher.Backoff.CapSeconds)
	}
	if cfg.Revocation.RoutePassTTL != 24 {
		t.Errorf("Revocation.RoutePassTTL = %d, want 24", cfg.Revocation.RoutePassTTL)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "info")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("Load() should fail for missing file")
	}
}

func TestLoad_MissingSigningKeys(t *testing.T) {
	content := strings.ReplaceAll(validTestConfig(), testOpsKey, "")
	configPath := writeTestConfig(t, content)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() should fail when signing keys are missing")
	}
	if !strings.Contains(err.Error(), "ops_private_key") {
		t.Errorf("error should mention ops_private_key, got: %v", err)
	}
}

func TestLoad_WeakJWTSecret(t *testing.T) {
	content := strings.ReplaceAll(validTestConfig(),
		"test-secret-key-at-least-32-chars!!", "short")
	configPath := writeTestConfig(t, content)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() should reject short JWT secrets")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	configPath := writeTestConfig(t, validTestConfig())

	t.Setenv("KEYWAY_DATABASE_PATH", "/tmp/override.db")
	t.Setenv("KEYWAY_MQTT_HOST", "broker.internal")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/tmp/override.db" {
		t.Errorf("Database.Path = %q, want env override", cfg.Database.Path)
	}
	if cfg.MQTT.Broker.Host != "broker.internal" {
		t.Errorf("MQTT.Broker.Host = %q, want env override", cfg.MQTT.Broker.Host)
	}
}

func TestValidate_BackoffRate(t *testing.T) {
	content := validTestConfig() + `
dispatcher:
  backoff:
    rate: 0.5
`
	configPath := writeTestConfig(t, content)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() should reject backoff rate <= 1.0")
	}
}
