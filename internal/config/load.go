package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults for a single-user
// workstation daemon.
func Default() *Config {
	return &Config{
		Senders: SendersConfig{
			SuppressSelf: true,
		},
		Connector: ConnectorConfig{
			Engine:              "claude",
			TurnTimeout:         Duration(5 * time.Minute),
			MaxSoulChars:        8000,
			CheckpointOnTimeout: true,
			MaxResumeAttempts:   5,
			StreamInterval:      Duration(10 * time.Second),
		},
		Channels: ChannelsConfig{
			IMessage: IMessageConfig{
				Enabled:       true,
				DBPath:        "~/Library/Messages/chat.db",
				PollInterval:  Duration(3 * time.Second),
				FilterAllowed: true,
				MaxChunk:      4000,
			},
			Mail: MailConfig{
				Mailbox:      "INBOX",
				MaxAge:       Duration(24 * time.Hour),
				PollInterval: Duration(60 * time.Second),
				MaxChunk:     16000,
			},
			Reminders: RemindersConfig{
				List:         "Steward",
				ArchiveList:  "Steward Done",
				PollInterval: Duration(60 * time.Second),
				MaxChunk:     2000,
			},
			Notes: NotesConfig{
				Folder:       "Steward",
				PollInterval: Duration(120 * time.Second),
				FetchTimeout: Duration(20 * time.Second),
				MaxRetries:   2,
				MaxChunk:     8000,
			},
			Calendar: CalendarConfig{
				Calendar:     "Steward",
				Lookahead:    Duration(15 * time.Minute),
				PollInterval: Duration(60 * time.Second),
				MaxChunk:     2000,
			},
			SuppressionWindow: Duration(90 * time.Second),
			ScriptTimeout:     Duration(30 * time.Second),
		},
		Policy: PolicyConfig{
			TriggerTag: DefaultTriggerTag,
			RateWindow: Duration(60 * time.Second),
			RateMax:    10,
		},
		Approvals: ApprovalsConfig{
			TTL:            Duration(30 * time.Minute),
			ExpireInterval: Duration(30 * time.Second),
		},
		Companion: CompanionConfig{
			Enabled:             true,
			Interval:            Duration(10 * time.Minute),
			QuietStart:          "22:00",
			QuietEnd:            "07:00",
			MaxProactivePerHour: 2,
			StaleApprovalAfter:  Duration(15 * time.Minute),
			DigestCron:          "0 18 * * *",
			ReviewCron:          "0 17 * * 5",
		},
		FollowUps: FollowUpsConfig{
			Enabled:   true,
			Delay:     Duration(2 * time.Hour),
			MaxNudges: 2,
			Interval:  Duration(30 * time.Second),
		},
		Ambient: AmbientConfig{
			Interval: Duration(30 * time.Minute),
		},
		Memory: MemoryConfig{
			MaxContextChars:  4000,
			SessionExchanges: 6,
		},
		Admin: AdminConfig{
			Host: "127.0.0.1",
			Port: 8787,
		},
		Daemon: DaemonConfig{
			AnnounceOnStart: true,
			ShutdownGrace:   Duration(10 * time.Second),
		},
	}
}

// Load reads the config file (json5), then overlays env vars. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the config to disk, 0600 like the database.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// applyEnvOverrides overlays STEWARD_* env vars; env wins over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("STEWARD_HOME", &c.Home)
	envStr("STEWARD_ENGINE", &c.Connector.Engine)
	envStr("STEWARD_MODEL", &c.Connector.Model)
	envStr("STEWARD_ADMIN_TOKEN", &c.Admin.Token)
	envStr("STEWARD_ADMIN_HOST", &c.Admin.Host)
	envStr("STEWARD_TRIGGER_TAG", &c.Policy.TriggerTag)
	envStr("STEWARD_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)

	if v := os.Getenv("STEWARD_ADMIN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Admin.Port = port
		}
	}
	if v := os.Getenv("STEWARD_ALLOWED_SENDERS"); v != "" {
		c.Senders.Allowed = strings.Split(v, ",")
	}
	if v := os.Getenv("STEWARD_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
}

// Validate checks settings that would make the daemon unusable. Errors here
// are fatal at startup (exit code 1).
func (c *Config) Validate() error {
	if len(c.Senders.Allowed) == 0 {
		return fmt.Errorf("senders.allowed is empty: at least one allowlisted sender is required")
	}
	if c.Connector.Engine == "" {
		return fmt.Errorf("connector.engine is required")
	}
	if c.Connector.TurnTimeout.Std() <= 0 {
		return fmt.Errorf("connector.turn_timeout must be positive")
	}
	if c.Policy.RateMax <= 0 || c.Policy.RateWindow.Std() <= 0 {
		return fmt.Errorf("policy rate limit window and cap must be positive")
	}
	if c.Approvals.TTL.Std() <= 0 {
		return fmt.Errorf("approvals.ttl must be positive")
	}
	for alias, path := range c.Workspaces.Aliases {
		if !filepath.IsAbs(ExpandHome(path)) {
			return fmt.Errorf("workspace alias %q is not an absolute path: %s", alias, path)
		}
	}
	if c.Companion.Enabled {
		// Quiet hours are optional, but must come as a pair.
		if (c.Companion.QuietStart == "") != (c.Companion.QuietEnd == "") {
			return fmt.Errorf("companion quiet hours need both quiet_start and quiet_end")
		}
		if c.Companion.QuietStart != "" {
			if _, err := parseClock(c.Companion.QuietStart); err != nil {
				return fmt.Errorf("companion.quiet_start: %w", err)
			}
			if _, err := parseClock(c.Companion.QuietEnd); err != nil {
				return fmt.Errorf("companion.quiet_end: %w", err)
			}
		}
	}
	return nil
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute in %q", s)
	}
	return h*60 + m, nil
}

// ParseClock is the exported form used by the companion quiet-hour gate.
func ParseClock(s string) (int, error) { return parseClock(s) }
