package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Connector.Engine != "claude" {
		t.Errorf("default engine = %q", cfg.Connector.Engine)
	}
	if cfg.Channels.SuppressionWindow.Std() != 90*time.Second {
		t.Errorf("default suppression window = %v", cfg.Channels.SuppressionWindow.Std())
	}
	if cfg.Policy.TriggerTag != DefaultTriggerTag {
		t.Errorf("default trigger tag = %q", cfg.Policy.TriggerTag)
	}
}

func TestLoadParsesDurationsAndOverlays(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	body := `{
		// steward test config
		senders: { allowed: ["+1 (555) 123-4567"] },
		connector: { engine: "gemini", turn_timeout: "120s" },
		policy: { rate_max: 3, rate_window: "30s" },
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Connector.Engine != "gemini" {
		t.Errorf("engine = %q", cfg.Connector.Engine)
	}
	if cfg.Connector.TurnTimeout.Std() != 2*time.Minute {
		t.Errorf("turn_timeout = %v", cfg.Connector.TurnTimeout.Std())
	}
	if cfg.Policy.RateMax != 3 {
		t.Errorf("rate_max = %d", cfg.Policy.RateMax)
	}
	// Untouched sections keep their defaults.
	if cfg.Approvals.TTL.Std() != 30*time.Minute {
		t.Errorf("approvals ttl = %v", cfg.Approvals.TTL.Std())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STEWARD_ENGINE", "codex")
	t.Setenv("STEWARD_ALLOWED_SENDERS", "+15551234567,owner@example.com")
	t.Setenv("STEWARD_ADMIN_TOKEN", "sekrit")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Connector.Engine != "codex" {
		t.Errorf("engine = %q", cfg.Connector.Engine)
	}
	if len(cfg.Senders.Allowed) != 2 {
		t.Errorf("allowed senders = %v", cfg.Senders.Allowed)
	}
	if cfg.Admin.Token != "sekrit" {
		t.Errorf("admin token not overlaid")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty allowlist")
	}

	cfg.Senders.Allowed = []string{"+15551234567"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected: %v", err)
	}

	cfg.Companion.QuietStart = "25:00"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for bad quiet_start")
	}
}

func TestResolveWorkspace(t *testing.T) {
	cfg := Default()
	cfg.Workspaces.Aliases = map[string]string{"proj": "/tmp/proj", "notes": "/tmp/notes"}
	cfg.Workspaces.Default = "proj"

	if got, ok := cfg.ResolveWorkspace("notes"); !ok || got != "/tmp/notes" {
		t.Errorf("ResolveWorkspace(notes) = %q, %v", got, ok)
	}
	if got, ok := cfg.ResolveWorkspace(""); !ok || got != "/tmp/proj" {
		t.Errorf("ResolveWorkspace(default) = %q, %v", got, ok)
	}
	if _, ok := cfg.ResolveWorkspace("bogus"); ok {
		t.Error("expected unknown alias to fail")
	}
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"00:00", 0, false},
		{"22:00", 1320, false},
		{"07:30", 450, false},
		{"24:00", 0, true},
		{"7", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseClock(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseClock(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseClock(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
