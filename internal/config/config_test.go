package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "partstash.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9100\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("Server.Port = %d, want 9100", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want 0.0.0.0", cfg.Server.Host)
	}
	if cfg.Ingest.MaxPartSize != 1900*MiB {
		t.Errorf("Ingest.MaxPartSize = %d, want %d", cfg.Ingest.MaxPartSize, 1900*MiB)
	}
	if cfg.Ingest.Retry.MaxAttempts != 3 {
		t.Errorf("Retry.MaxAttempts = %d, want 3", cfg.Ingest.Retry.MaxAttempts)
	}
	if cfg.Manifest.Engine != "sqlite" || cfg.PartStore.Backend != "local" {
		t.Errorf("unexpected engines: %q / %q", cfg.Manifest.Engine, cfg.PartStore.Backend)
	}
}

func TestLoadHumanizedSizesAndDurations(t *testing.T) {
	path := writeConfig(t, `
ingest:
  max_part_size: 10MiB
  memory_spool_limit: 1048576
  progress_interval: 250ms
  retry:
    base_delay: 1s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ingest.MaxPartSize != 10*MiB {
		t.Errorf("MaxPartSize = %d, want %d", cfg.Ingest.MaxPartSize, 10*MiB)
	}
	if cfg.Ingest.MemorySpoolLimit != MiB {
		t.Errorf("MemorySpoolLimit = %d, want %d", cfg.Ingest.MemorySpoolLimit, MiB)
	}
	if cfg.Ingest.ProgressInterval != 250*time.Millisecond {
		t.Errorf("ProgressInterval = %v", cfg.Ingest.ProgressInterval)
	}
	if cfg.Ingest.Retry.BaseDelay != time.Second {
		t.Errorf("BaseDelay = %v", cfg.Ingest.Retry.BaseDelay)
	}
}

func TestLoadRejectsBadByteSize(t *testing.T) {
	path := writeConfig(t, "ingest:\n  max_part_size: lots\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid byte size")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadFallbackExample(t *testing.T) {
	dir := t.TempDir()
	example := filepath.Join(dir, "partstash.example.yaml")
	if err := os.WriteFile(example, []byte("server:\n  port: 7000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(filepath.Join(dir, "partstash.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7000 {
		t.Errorf("Server.Port = %d, want 7000", cfg.Server.Port)
	}
}

func TestValidateTelegram(t *testing.T) {
	t.Setenv("PARTSTASH_TELEGRAM_TOKEN", "")
	t.Setenv("PARTSTASH_TELEGRAM_CHAT_ID", "")

	path := writeConfig(t, "partstore:\n  backend: telegram\n")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error without token")
	}
	if !strings.Contains(err.Error(), "token") || !strings.Contains(err.Error(), "chat_id") {
		t.Errorf("error should mention token and chat_id: %v", err)
	}

	t.Setenv("PARTSTASH_TELEGRAM_TOKEN", "123:abc")
	t.Setenv("PARTSTASH_TELEGRAM_CHAT_ID", "-100200")
	path = writeConfig(t, `
ingest:
  max_part_size: 3GiB
partstore:
  backend: telegram
`)
	_, err = Load(path)
	if err == nil || !strings.Contains(err.Error(), "exceeds the telegram limit") {
		t.Fatalf("expected part size ceiling error, got %v", err)
	}
}

func TestTelegramPublicAPILimit(t *testing.T) {
	t.Setenv("PARTSTASH_TELEGRAM_TOKEN", "123:abc")
	t.Setenv("PARTSTASH_TELEGRAM_CHAT_ID", "-100200")

	cfg, err := Load(writeConfig(t, "partstore:\n  backend: telegram\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.PartStore.Telegram.PublicAPI() {
		t.Errorf("default api_url %q should be the public Bot API", cfg.PartStore.Telegram.APIURL)
	}
	if cfg.PartStore.Telegram.MaxPartSize != PublicTelegramLimit {
		t.Errorf("Telegram.MaxPartSize = %s, want %s", cfg.PartStore.Telegram.MaxPartSize, PublicTelegramLimit)
	}
	if cfg.Ingest.MaxPartSize != PublicTelegramLimit {
		t.Errorf("Ingest.MaxPartSize = %s, want %s", cfg.Ingest.MaxPartSize, PublicTelegramLimit)
	}

	_, err = Load(writeConfig(t, `
partstore:
  backend: telegram
  telegram:
    max_part_size: 2000MiB
`))
	if err == nil || !strings.Contains(err.Error(), "public Bot API") {
		t.Fatalf("expected public Bot API limit error, got %v", err)
	}

	_, err = Load(writeConfig(t, `
ingest:
  max_part_size: 100MiB
partstore:
  backend: telegram
`))
	if err == nil || !strings.Contains(err.Error(), "exceeds the telegram limit") {
		t.Fatalf("expected part size ceiling error, got %v", err)
	}
}

func TestTelegramSelfHostedLimit(t *testing.T) {
	t.Setenv("PARTSTASH_TELEGRAM_TOKEN", "123:abc")
	t.Setenv("PARTSTASH_TELEGRAM_CHAT_ID", "-100200")

	cfg, err := Load(writeConfig(t, `
partstore:
  backend: telegram
  telegram:
    api_url: http://127.0.0.1:8081
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PartStore.Telegram.PublicAPI() {
		t.Error("a local api_url is not the public Bot API")
	}
	if cfg.PartStore.Telegram.MaxPartSize != SelfHostedTelegramLimit {
		t.Errorf("Telegram.MaxPartSize = %s, want %s", cfg.PartStore.Telegram.MaxPartSize, SelfHostedTelegramLimit)
	}
	if cfg.Ingest.MaxPartSize != 1900*MiB {
		t.Errorf("Ingest.MaxPartSize = %s, want 1900 MiB", cfg.Ingest.MaxPartSize)
	}
}

func TestValidateUnknownEngine(t *testing.T) {
	cfg := defaultConfig()
	cfg.Manifest.Engine = "cassandra"
	cfg.PartStore.Backend = "floppy"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "cassandra") || !strings.Contains(err.Error(), "floppy") {
		t.Errorf("error should name both bad values: %v", err)
	}
}

func TestValidateCloudManifestEngines(t *testing.T) {
	t.Setenv("PARTSTASH_COSMOS_KEY", "")
	for engine, want := range map[string]string{
		"dynamodb":  "manifest.dynamodb.table",
		"firestore": "manifest.firestore.project",
		"cosmos":    "manifest.cosmos.endpoint",
	} {
		_, err := Load(writeConfig(t, "manifest:\n  engine: "+engine+"\n"))
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Errorf("%s: expected error naming %s, got %v", engine, want, err)
		}
	}

	t.Setenv("PARTSTASH_COSMOS_KEY", "c2VjcmV0")
	cfg, err := Load(writeConfig(t, `
manifest:
  engine: cosmos
  cosmos:
    endpoint: "https://acct.documents.azure.com:443/"
    database: partstash
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Manifest.Cosmos.MasterKey != "c2VjcmV0" || cfg.Manifest.Cosmos.Container != "manifests" {
		t.Errorf("cosmos config = %+v", cfg.Manifest.Cosmos)
	}
	if cfg.Manifest.DynamoDB.Region != "us-east-1" || cfg.Manifest.Firestore.Collection != "partstash" {
		t.Errorf("cloud engine defaults not applied: %+v", cfg.Manifest)
	}
}

func TestByteSizeString(t *testing.T) {
	if got := (1900 * MiB).String(); got != "1.9 GiB" {
		t.Errorf("String() = %q, want 1.9 GiB", got)
	}
}
