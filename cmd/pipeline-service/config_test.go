package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalConfig = `
database:
  dsn: "judge:judge@tcp(db:3306)/judge"
redis:
  addr: "redis:6379"
pipeline:
  dispatch:
    workerURL: "http://worker:8081"
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s failed: %v", name, err)
	}
	return path
}

func TestLoadAppConfigDefaults(t *testing.T) {
	cfg, err := loadAppConfig(writeFile(t, "pipeline.yaml", minimalConfig))
	if err != nil {
		t.Fatalf("load config failed: %v", err)
	}
	if cfg.Server.Addr != defaultHTTPAddr || cfg.Server.WriteTimeout != defaultWriteTimeout {
		t.Fatalf("unexpected server defaults: %+v", cfg.Server)
	}
	if cfg.Pipeline.Dispatch.Transport != transportHTTP || cfg.Pipeline.Dispatch.MaxInFlight != 16 {
		t.Fatalf("unexpected dispatch defaults: %+v", cfg.Pipeline.Dispatch)
	}
	if cfg.Pipeline.Timeouts.Dispatch != 5*time.Minute || cfg.Pipeline.Timeouts.DB != 3*time.Second {
		t.Fatalf("unexpected timeouts: %+v", cfg.Pipeline.Timeouts)
	}
	if cfg.Pipeline.ArchiveKeyPrefix != "archive/submissions" {
		t.Fatalf("unexpected archive prefix %q", cfg.Pipeline.ArchiveKeyPrefix)
	}
	if needsKafka(cfg) || archiveEnabled(cfg) {
		t.Fatalf("kafka and archive must stay off without configuration")
	}
}

func TestLoadAppConfigEnvOverrides(t *testing.T) {
	t.Setenv(envMySQLDSN, "root@tcp(override:3306)/judge")
	t.Setenv(envRedisAddr, "override:6379")
	t.Setenv(envWorkerURL, "http://override:8081")

	cfg, err := loadAppConfig(writeFile(t, "pipeline.yaml", minimalConfig))
	if err != nil {
		t.Fatalf("load config failed: %v", err)
	}
	if cfg.Database.DSN != "root@tcp(override:3306)/judge" || cfg.Redis.Addr != "override:6379" || cfg.Pipeline.Dispatch.WorkerURL != "http://override:8081" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestLoadEnvFileFeedsOverrides(t *testing.T) {
	if _, ok := os.LookupEnv(envWorkerURL); ok {
		t.Skip("worker url already set in the environment")
	}
	t.Cleanup(func() {
		_ = os.Unsetenv(envWorkerURL)
	})

	envPath := writeFile(t, ".env", envWorkerURL+"=http://from-dotenv:8081\n")
	if err := loadEnvFile(envPath); err != nil {
		t.Fatalf("load env file failed: %v", err)
	}
	cfg, err := loadAppConfig(writeFile(t, "pipeline.yaml", minimalConfig))
	if err != nil {
		t.Fatalf("load config failed: %v", err)
	}
	if cfg.Pipeline.Dispatch.WorkerURL != "http://from-dotenv:8081" {
		t.Fatalf("expected dotenv worker url, got %q", cfg.Pipeline.Dispatch.WorkerURL)
	}
	if err := loadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing env file must be ignored: %v", err)
	}
}

func TestLoadAppConfigRejectsInvalidTransport(t *testing.T) {
	tests := []struct {
		name    string
		extra   string
		wantErr string
	}{
		{
			name:    "unknown transport",
			extra:   "    transport: grpc\n",
			wantErr: "unknown dispatch transport",
		},
		{
			name:    "kafka without brokers",
			extra:   "    transport: kafka\n",
			wantErr: "kafka brokers are required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadAppConfig(writeFile(t, "pipeline.yaml", minimalConfig+tt.extra))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected %q error, got %v", tt.wantErr, err)
			}
		})
	}
}
