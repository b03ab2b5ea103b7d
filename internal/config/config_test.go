package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_ANTHROPIC_KEY", "sk-test-123")

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
listen:
  port: 9090
anthropic:
  api_key: ${TEST_ANTHROPIC_KEY}
chat:
  max_message_chars: 2000
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Listen.Port != 9090 {
		t.Errorf("Listen.Port = %d, want 9090", cfg.Listen.Port)
	}
	if cfg.Anthropic.APIKey != "sk-test-123" {
		t.Errorf("Anthropic.APIKey = %q, want expanded env value", cfg.Anthropic.APIKey)
	}
	if cfg.Chat.MaxMessageChars != 2000 {
		t.Errorf("Chat.MaxMessageChars = %d, want 2000", cfg.Chat.MaxMessageChars)
	}
}

func TestLoadKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listen:\n  port: 8081\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Chat.HistoryWindow != 20 {
		t.Errorf("Chat.HistoryWindow = %d, want default 20", cfg.Chat.HistoryWindow)
	}
	if cfg.Analysis.TimeoutSec != 25 {
		t.Errorf("Analysis.TimeoutSec = %d, want default 25", cfg.Analysis.TimeoutSec)
	}
	if cfg.Anthropic.Model == "" {
		t.Error("Anthropic.Model should have a default")
	}
}

func TestFindConfigExplicitMissing(t *testing.T) {
	_, err := FindConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("FindConfig() should fail for a missing explicit path")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
