package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "space.yaml", `
space: demo
participants:
  - id: driver
    display_name: Test Driver
    tokens: [driver-token]
    capabilities:
      - kind: chat
      - kind: mcp/*
        to: worker
        payload:
          method: tools/*
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Space != "demo" {
		t.Errorf("space = %q", cfg.Space)
	}
	if cfg.Gateway.Listen != ":8080" {
		t.Errorf("default listen = %q", cfg.Gateway.Listen)
	}
	if cfg.Gateway.MaxEnvelopeBytes != 1<<20 {
		t.Errorf("default max envelope bytes = %d", cfg.Gateway.MaxEnvelopeBytes)
	}
	if cfg.Gateway.DedupWindow != 128 {
		t.Errorf("default dedup window = %d", cfg.Gateway.DedupWindow)
	}
	if cfg.Gateway.JoinTimeoutSeconds != 15 {
		t.Errorf("default join timeout = %d", cfg.Gateway.JoinTimeoutSeconds)
	}

	p, ok := cfg.Participant("driver")
	if !ok {
		t.Fatal("participant lookup failed")
	}
	if len(p.Capabilities) != 2 {
		t.Errorf("capabilities = %d, want 2", len(p.Capabilities))
	}
}

func TestLoadRejectsInvalidConfigs(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing space", "participants: []\n"},
		{"participant without id", "space: demo\nparticipants:\n  - display_name: nameless\n"},
		{"duplicate participant", "space: demo\nparticipants:\n  - id: a\n  - id: a\n"},
		{"malformed capability", "space: demo\nparticipants:\n  - id: a\n    capabilities:\n      - kind: \"mcp/[bad\"\n"},
		{"not yaml", "{{{\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "space.yaml", tt.content)
			if _, err := Load(path); err == nil {
				t.Errorf("accepted invalid config:\n%s", tt.content)
			}
		})
	}
}

func TestLoadTokensMergesTokenFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "tokens.yaml", `
driver: [stored-token]
worker: [worker-token]
`)
	path := writeFile(t, dir, "space.yaml", `
space: demo
tokens_file: tokens.yaml
participants:
  - id: driver
    tokens: [inline-token]
  - id: worker
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	tokens, err := cfg.LoadTokens()
	if err != nil {
		t.Fatalf("LoadTokens failed: %v", err)
	}

	want := map[string][]string{
		"driver": {"inline-token", "stored-token"},
		"worker": {"worker-token"},
	}
	if diff := cmp.Diff(want, tokens); diff != "" {
		t.Errorf("token table mismatch (-want +got):\n%s", diff)
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if cfg.Space == "" {
		t.Error("default config has no space")
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("default config fails validation: %v", err)
	}
}
