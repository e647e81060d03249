package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 9999\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_DefaultsSurvivePartialFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, "models:\n  default: claude-sonnet-4-20250514\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Loop.MaxConsecutiveRetries != 3 {
		t.Errorf("MaxConsecutiveRetries = %d, want 3", cfg.Loop.MaxConsecutiveRetries)
	}
	if cfg.Loop.MaxTotalRetries != 10 {
		t.Errorf("MaxTotalRetries = %d, want 10", cfg.Loop.MaxTotalRetries)
	}
	if cfg.Models.Default != "claude-sonnet-4-20250514" {
		t.Errorf("Models.Default = %q", cfg.Models.Default)
	}
}

func TestLoad_LoopSection(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
loop:
  max_consecutive_retries: 5
  max_total_retries: 20
  retry_delay: 500ms
  terminal_tool: write_code
  reflection: llm
  max_continuations: 4
  summarize: true
`))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Loop.MaxConsecutiveRetries != 5 || cfg.Loop.MaxTotalRetries != 20 {
		t.Errorf("retries = %d/%d, want 5/20", cfg.Loop.MaxConsecutiveRetries, cfg.Loop.MaxTotalRetries)
	}
	if cfg.Loop.RetryDelay != 500*time.Millisecond {
		t.Errorf("RetryDelay = %v, want 500ms", cfg.Loop.RetryDelay)
	}
	if cfg.Loop.TerminalTool != "write_code" {
		t.Errorf("TerminalTool = %q, want write_code", cfg.Loop.TerminalTool)
	}
	if cfg.Loop.MaxContinuations != 4 || !cfg.Loop.Summarize {
		t.Errorf("continuations/summarize = %d/%v, want 4/true", cfg.Loop.MaxContinuations, cfg.Loop.Summarize)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("TASKLOOP_TEST_KEY", "sk-ant-secret")

	cfg, err := Load(writeConfig(t, "anthropic:\n  api_key: ${TASKLOOP_TEST_KEY}\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Anthropic.APIKey != "sk-ant-secret" {
		t.Errorf("api_key = %q, want %q", cfg.Anthropic.APIKey, "sk-ant-secret")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"zero consecutive", "loop:\n  max_consecutive_retries: 0\n", "max_consecutive_retries"},
		{"bad reflection", "loop:\n  reflection: vibes\n", "reflection"},
		{"negative continuations", "loop:\n  max_continuations: -1\n", "max_continuations"},
		{"zero output limit", "loop:\n  max_output_bytes: 0\n", "max_output_bytes"},
		{"missing default model", "models:\n  default: \"\"\n", "models.default"},
		{"bad provider", "models:\n  available:\n    - name: x\n      provider: openai\n", "unknown provider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestProviderFor(t *testing.T) {
	cfg := Default()
	cfg.Models.Available = []ModelConfig{{Name: "claude-sonnet-4-20250514", Provider: "anthropic"}}

	if got := cfg.ProviderFor("claude-sonnet-4-20250514"); got != "anthropic" {
		t.Errorf("ProviderFor(claude) = %q, want anthropic", got)
	}
	if got := cfg.ProviderFor("qwen3:8b"); got != "ollama" {
		t.Errorf("ProviderFor(qwen) = %q, want ollama", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "INFO", false},
		{" Debug ", "DEBUG", false},
		{"warning", "WARN", false},
		{"trace", "DEBUG-4", false},
		{"loud", "", true},
	}
	for _, tt := range tests {
		lvl, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && lvl.String() != tt.want {
			t.Errorf("ParseLogLevel(%q) = %s, want %s", tt.in, lvl, tt.want)
		}
	}
}

func TestNewLogger_TraceName(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "trace", "text")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Log(t.Context(), LevelTrace, "wire payload")
	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("log output = %q, want level=TRACE", buf.String())
	}

	if _, err := NewLogger(&buf, "info", "xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}
