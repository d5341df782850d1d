package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("cluster_name: fb\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
cluster_name: fb
environment: prod
worker_id: 7
plugins:
  authn:
    tikti:
      introspection_url: https://tikti.example.com/introspect
  persistence:
    redis:
      addr: redis:6379
  messaging:
    driver: kafka
    kafka:
      brokers: ["kafka:9092"]
forge:
  url: http://forge:8080
storage:
  endpoint: minio:9000
encryption:
  key: ` + testKeyHex + `
pipeline:
  monitor_max_polls: 120
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FB_REDIS_ADDR", "127.0.0.1:6379")
	t.Setenv("FB_KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Plugins.Persistence.Redis.Addr != "127.0.0.1:6379" {
		t.Fatalf("env override did not apply, got %q", cfg.Plugins.Persistence.Redis.Addr)
	}
	if len(cfg.Plugins.Messaging.Kafka.Brokers) != 2 || cfg.Plugins.Messaging.Kafka.Brokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers: %+v", cfg.Plugins.Messaging.Kafka.Brokers)
	}
	if cfg.WorkerID != 7 || cfg.Pipeline.MonitorMaxPolls != 120 {
		t.Fatalf("unexpected values: worker=%d polls=%d", cfg.WorkerID, cfg.Pipeline.MonitorMaxPolls)
	}
	if cfg.Plugins.AuthN.Driver != "tikti" || cfg.Plugins.Persistence.Driver != "redis" || cfg.Plugins.Invocations.Driver != "kv" {
		t.Fatalf("unexpected default drivers: %+v", cfg.Plugins)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
cluster_name: fb
environment: dev
plugins:
  authn:
    tikti:
      introspection_url: http://tikti
  persistence:
    redis:
      addr: redis:6379
forge:
  url: http://forge
storage:
  endpoint: minio:9000
encryption:
  key: ` + testKeyHex + `
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MonitorInterval() != 5*time.Second {
		t.Fatalf("monitor interval = %s", cfg.MonitorInterval())
	}
	if cfg.CleanupDelay() != time.Minute {
		t.Fatalf("cleanup delay = %s", cfg.CleanupDelay())
	}
	if cfg.InvocationRetention() != 72*time.Hour {
		t.Fatalf("retention = %s", cfg.InvocationRetention())
	}
	if cfg.Queue.MaxAttempts != 0 || cfg.Pipeline.MonitorMaxPolls != 0 {
		t.Fatalf("expected unbounded retries and polls, got %d %d", cfg.Queue.MaxAttempts, cfg.Pipeline.MonitorMaxPolls)
	}
	if cfg.Plugins.Messaging.Driver != "none" || cfg.Provider.Default != "aws.lambda" {
		t.Fatalf("unexpected defaults: messaging=%q provider=%q", cfg.Plugins.Messaging.Driver, cfg.Provider.Default)
	}
	if cfg.FBControl.Invocations.FunctionCacheTTLSeconds != 60 {
		t.Fatalf("unexpected cache ttl: %d", cfg.FBControl.Invocations.FunctionCacheTTLSeconds)
	}
	key, err := cfg.EncryptionKey()
	if err != nil || len(key) != 32 || key[31] != 0x1f {
		t.Fatalf("unexpected key: %v %v", key, err)
	}
}
