// control/config_test.go
// Author: momentics <momentics@gmail.com>

package control

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/TheProxyCompany/proxy-inference-engine/api"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Pool.Pages != 8192 || cfg.Scheduler.MaxSeqs != 256 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Scheduler.Preempt {
		t.Fatal("preemption must default off")
	}
	if cfg.Scheduler.PinCPU != -1 {
		t.Fatalf("pin_cpu default = %d, want -1", cfg.Scheduler.PinCPU)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pie.yaml")
	body := `
model:
  path: /models/test
pool:
  pages: 64
scheduler:
  preempt: true
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model.Path != "/models/test" || cfg.Pool.Pages != 64 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if !cfg.Scheduler.Preempt || cfg.Log.Level != "debug" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	// Untouched keys keep their defaults.
	if cfg.Pool.Heads != 8 || cfg.Scheduler.MaxSeqs != 256 {
		t.Fatalf("defaults lost in merge: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("merged config invalid: %v", err)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing file must error")
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("model: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("malformed yaml must error")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero pages", func(c *Config) { c.Pool.Pages = 0 }},
		{"zero heads", func(c *Config) { c.Pool.Heads = 0 }},
		{"zero head dim", func(c *Config) { c.Pool.HeadDim = 0 }},
		{"zero max seqs", func(c *Config) { c.Scheduler.MaxSeqs = 0 }},
		{"zero token budget", func(c *Config) { c.Scheduler.MaxTokensPerBatch = 0 }},
		{"pin below -1", func(c *Config) { c.Scheduler.PinCPU = -2 }},
		{"negative bulk", func(c *Config) { c.IPC.BulkSize = -1 }},
		{"unknown attention", func(c *Config) { c.Model.Attention = "flash" }},
		{"unknown level", func(c *Config) { c.Log.Level = "verbose" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("want error")
			}
			if !errors.Is(err, api.ErrInvalidArgument) {
				t.Fatalf("want ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tc := range cases {
		got, err := ParseLogLevel(tc.in)
		if err != nil || got != tc.want {
			t.Fatalf("ParseLogLevel(%q) = %v, %v; want %v", tc.in, got, err, tc.want)
		}
	}
	if _, err := ParseLogLevel("trace"); err == nil {
		t.Fatal("unknown level must error")
	}
}
