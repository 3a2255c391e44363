package config

import (
	"os"
	"testing"
	"time"
)

// writeTempConfig creates a minimal configuration file required for
// LoadConfig and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

const minimalYAML = `marketflow:
  name: "TestApp"
  version: "1.0"
kis:
  max_subscriptions: 5
  reconnect_initial_delay: 1s
  reconnect_max_delay: 10s
kafka:
  enabled: false
redis:
  enabled: false
database:
  enabled: false
`

func TestLoadConfig(t *testing.T) {
	t.Setenv(appEnvVar, "development")
	path := writeTempConfig(t, minimalYAML)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Marketflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Marketflow.Name)
	}
	if cfg.Kis.MaxSubscriptions != 5 {
		t.Errorf("unexpected max subscriptions: %d", cfg.Kis.MaxSubscriptions)
	}
	if cfg.Kis.ReconnectInitialDelay != time.Second {
		t.Errorf("unexpected reconnect delay: %v", cfg.Kis.ReconnectInitialDelay)
	}
	// Defaults survive a partial file.
	if cfg.Kafka.Topic != "stock.price.realtime" {
		t.Errorf("unexpected kafka topic: %s", cfg.Kafka.Topic)
	}
	if cfg.Flusher.Interval != time.Second {
		t.Errorf("unexpected flusher interval: %v", cfg.Flusher.Interval)
	}
}

func TestLoadConfigMissingName(t *testing.T) {
	t.Setenv(appEnvVar, "development")
	path := writeTempConfig(t, "marketflow:\n  version: \"1.0\"\n")
	defer os.Remove(path)

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected validation error for missing name")
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv(appEnvVar, "development")
	t.Setenv("KIS_APP_KEY", "key-from-env")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092")

	path := writeTempConfig(t, minimalYAML)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Kis.AppKey != "key-from-env" {
		t.Errorf("env override not applied: %s", cfg.Kis.AppKey)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "b:9092" {
		t.Errorf("unexpected brokers: %v", cfg.Kafka.Brokers)
	}
}

func TestProductionRequiresCredentials(t *testing.T) {
	t.Setenv(appEnvVar, "production")
	t.Setenv("KIS_APP_KEY", "")
	t.Setenv("KIS_APP_SECRET", "")

	path := writeTempConfig(t, minimalYAML)
	defer os.Remove(path)

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for missing credentials in production")
	}
}

func TestAppEnvironmentAliases(t *testing.T) {
	t.Setenv(appEnvVar, "prod")
	if env := AppEnvironment(); env != environmentProduction {
		t.Errorf("alias not resolved: %s", env)
	}
	if !IsProductionLike(environmentStaging) {
		t.Error("staging should be production-like")
	}
	if IsProductionLike(environmentDevelopment) {
		t.Error("development should not be production-like")
	}
}
