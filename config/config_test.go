package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

// chdir is a Go 1.21-compatible stand-in for testing.T.Chdir (added in Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd() error = %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir(%q) error = %v", dir, err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatalf("Chdir(%q) error = %v", prev, err)
		}
	})
}

func TestLoadConfigDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.ServerPort != ":5000" {
		t.Errorf("ServerPort = %q, want :5000", cfg.ServerPort)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.OpenAI.Model != "gpt-4.1-mini" {
		t.Errorf("OpenAI.Model = %q, want gpt-4.1-mini", cfg.OpenAI.Model)
	}
	if cfg.OpenAI.Timeout != 60*time.Second {
		t.Errorf("OpenAI.Timeout = %v, want 60s", cfg.OpenAI.Timeout)
	}
	if cfg.Uploads.MaxBytes != 10<<20 {
		t.Errorf("Uploads.MaxBytes = %d, want %d", cfg.Uploads.MaxBytes, 10<<20)
	}
	if cfg.Reference.SyncInterval != time.Hour {
		t.Errorf("Reference.SyncInterval = %v, want 1h", cfg.Reference.SyncInterval)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("LANGTEST_SERVER_PORT", ":9090")
	t.Setenv("LANGTEST_DATABASE_DRIVER", "postgres")
	t.Setenv("LANGTEST_DATABASE_URL", "postgres://u:p@localhost/langtest")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.ServerPort != ":9090" {
		t.Errorf("ServerPort = %q, want :9090", cfg.ServerPort)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("Database.Driver = %q, want postgres", cfg.Database.Driver)
	}
	if cfg.Database.URL != "postgres://u:p@localhost/langtest" {
		t.Errorf("Database.URL = %q", cfg.Database.URL)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Database: DatabaseConfig{Driver: "sqlite", URL: "x.db"},
			Uploads:  UploadsConfig{Backend: "local", Dir: "uploads", MaxBytes: 1},
			S3:       S3Config{Bucket: "b"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }, "unsupported database driver"},
		{"empty url", func(c *Config) { c.Database.URL = "" }, "DATABASE.URL"},
		{"memory without url", func(c *Config) { c.Database.Driver = "memory"; c.Database.URL = "" }, ""},
		{"bad backend", func(c *Config) { c.Uploads.Backend = "ftp" }, "unsupported upload backend"},
		{"zero limit", func(c *Config) { c.Uploads.MaxBytes = 0 }, "MAX_BYTES"},
		{"s3 without bucket", func(c *Config) { c.Uploads.Backend = "s3"; c.S3.Bucket = "" }, "S3.BUCKET"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
