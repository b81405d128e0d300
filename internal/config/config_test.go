package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.LocalStorageDir != defaultLocalStorageDir {
		t.Errorf("Expected default storage dir %q, got %q", defaultLocalStorageDir, cfg.LocalStorageDir)
	}
	if !cfg.Headless {
		t.Error("Expected headless to default to true")
	}
	if cfg.PersistStateInterval != defaultPersistInterval {
		t.Errorf("Expected persist interval %v, got %v", defaultPersistInterval, cfg.PersistStateInterval)
	}
	if cfg.MigrationGracePeriod != defaultMigrationGrace {
		t.Errorf("Expected migration grace %v, got %v", defaultMigrationGrace, cfg.MigrationGracePeriod)
	}
	if cfg.HasRemoteStorage() {
		t.Error("Expected no remote storage without a token")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("CRAWLKIT_LOCAL_STORAGE_DIR", "/tmp/crawlkit-test")
	t.Setenv("CRAWLKIT_TOKEN", "tok-123")
	t.Setenv("CRAWLKIT_HEADLESS", "false")
	t.Setenv("CRAWLKIT_MEMORY_MBYTES", "4096")
	t.Setenv("CRAWLKIT_PERSIST_STATE_INTERVAL", "30s")

	cfg := Load()

	if cfg.LocalStorageDir != "/tmp/crawlkit-test" {
		t.Errorf("Expected storage dir from env, got %q", cfg.LocalStorageDir)
	}
	if !cfg.HasRemoteStorage() {
		t.Error("Expected remote storage with token set")
	}
	if cfg.Headless {
		t.Error("Expected headless false from env")
	}
	if cfg.MemoryMbytes != 4096 {
		t.Errorf("Expected 4096 mbytes, got %d", cfg.MemoryMbytes)
	}
	if cfg.PersistStateInterval != 30*time.Second {
		t.Errorf("Expected 30s persist interval, got %v", cfg.PersistStateInterval)
	}
}

func TestInvalidEnvValuesFallBack(t *testing.T) {
	t.Setenv("CRAWLKIT_MEMORY_MBYTES", "not-a-number")
	t.Setenv("CRAWLKIT_HEADLESS", "not-a-bool")
	t.Setenv("CRAWLKIT_PERSIST_STATE_INTERVAL", "-5s")

	cfg := Load()

	if cfg.MemoryMbytes != 0 {
		t.Errorf("Expected default mbytes on parse failure, got %d", cfg.MemoryMbytes)
	}
	if !cfg.Headless {
		t.Error("Expected default headless on parse failure")
	}
	if cfg.PersistStateInterval != defaultPersistInterval {
		t.Errorf("Expected default persist interval on negative value, got %v", cfg.PersistStateInterval)
	}
}

func TestYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crawlkit.yaml")
	content := "localStorageDir: /data/crawl\nheadless: false\nmemoryMbytes: 2048\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write overlay: %v", err)
	}

	t.Setenv("CRAWLKIT_CONFIG_PATH", path)
	t.Setenv("CRAWLKIT_TOKEN", "env-token")

	cfg := Load()

	if cfg.LocalStorageDir != "/data/crawl" {
		t.Errorf("Expected overlay storage dir, got %q", cfg.LocalStorageDir)
	}
	if cfg.Headless {
		t.Error("Expected overlay headless false")
	}
	if cfg.MemoryMbytes != 2048 {
		t.Errorf("Expected overlay mbytes 2048, got %d", cfg.MemoryMbytes)
	}
	// Keys absent from the overlay keep their environment values.
	if cfg.Token != "env-token" {
		t.Errorf("Expected env token to survive overlay, got %q", cfg.Token)
	}
}

func TestValidateClamps(t *testing.T) {
	cfg := &Config{
		LocalStorageDir:      "../escape",
		APIBaseURL:           "no-scheme",
		MemoryMbytes:         1 << 30,
		PersistStateInterval: time.Millisecond,
		MigrationGracePeriod: -time.Second,
		LogLevel:             "verbose",
	}
	cfg.Validate()

	if cfg.LocalStorageDir != defaultLocalStorageDir {
		t.Errorf("Expected traversal path replaced, got %q", cfg.LocalStorageDir)
	}
	if cfg.APIBaseURL != defaultAPIBaseURL {
		t.Errorf("Expected default API base, got %q", cfg.APIBaseURL)
	}
	if cfg.MemoryMbytes != maxMemoryMbytes {
		t.Errorf("Expected memory capped at %d, got %d", maxMemoryMbytes, cfg.MemoryMbytes)
	}
	if cfg.PersistStateInterval != minPersistInterval {
		t.Errorf("Expected persist interval raised to %v, got %v", minPersistInterval, cfg.PersistStateInterval)
	}
	if cfg.MigrationGracePeriod != defaultMigrationGrace {
		t.Errorf("Expected default migration grace, got %v", cfg.MigrationGracePeriod)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected log level info, got %q", cfg.LogLevel)
	}
}
