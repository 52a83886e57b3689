// Package config holds the daemon configuration: a json5 file under the
// steward home directory, overlaid with STEWARD_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultTriggerTag marks non-chat channel items for processing.
const DefaultTriggerTag = "!!agent"

// Config is the root configuration for the steward daemon.
type Config struct {
	Home       string           `json:"home,omitempty"` // steward home dir (default ~/.steward)
	Senders    SendersConfig    `json:"senders"`
	Workspaces WorkspacesConfig `json:"workspaces"`
	Connector  ConnectorConfig  `json:"connector"`
	Channels   ChannelsConfig   `json:"channels"`
	Policy     PolicyConfig     `json:"policy"`
	Approvals  ApprovalsConfig  `json:"approvals"`
	Companion  CompanionConfig  `json:"companion"`
	FollowUps  FollowUpsConfig  `json:"follow_ups"`
	Ambient    AmbientConfig    `json:"ambient"`
	Memory     MemoryConfig     `json:"memory"`
	Admin      AdminConfig      `json:"admin"`
	Daemon     DaemonConfig     `json:"daemon"`
	Telemetry  TelemetryConfig  `json:"telemetry,omitempty"`
}

// SendersConfig is the allowlist of counterparties.
type SendersConfig struct {
	// Allowed holds comma-separable raw identifiers (phone or email);
	// normalized at load.
	Allowed []string `json:"allowed"`
	// SuppressSelf drops messages authored by the workstation user on the
	// chat channel (echo protection).
	SuppressSelf bool `json:"suppress_self"`
}

// WorkspacesConfig maps short aliases to absolute directories the AI may
// operate on. Default names the workspace used when no alias is given.
type WorkspacesConfig struct {
	Aliases map[string]string `json:"aliases,omitempty"`
	Default string            `json:"default,omitempty"`
}

// ConnectorConfig selects and parametrizes the AI subprocess engine.
type ConnectorConfig struct {
	Engine             string            `json:"engine"`             // "claude", "gemini", "codex", "custom"
	Command            string            `json:"command,omitempty"`  // override binary path
	Model              string            `json:"model,omitempty"`    // per-engine model flag value
	ExtraArgs          []string          `json:"extra_args,omitempty"`
	Engines            map[string]Engine `json:"engines,omitempty"` // custom engine definitions
	TurnTimeout        Duration          `json:"turn_timeout"`       // per-turn bound (default 5m)
	SoulFile           string            `json:"soul_file,omitempty"`
	MaxSoulChars       int               `json:"max_soul_chars"`
	CheckpointOnTimeout bool             `json:"checkpoint_on_timeout"`
	MaxResumeAttempts  int               `json:"max_resume_attempts"`
	StreamInterval     Duration          `json:"stream_interval"` // progress callback cadence
}

// Engine is a custom connector definition: argv template plus model flag.
type Engine struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	ModelFlag string `json:"model_flag,omitempty"`
}

// ChannelsConfig enables and parametrizes the five platform channels.
type ChannelsConfig struct {
	IMessage  IMessageConfig  `json:"imessage"`
	Mail      MailConfig      `json:"mail"`
	Reminders RemindersConfig `json:"reminders"`
	Notes     NotesConfig     `json:"notes"`
	Calendar  CalendarConfig  `json:"calendar"`
	// SuppressionWindow is how long identical outbound messages are
	// considered duplicates.
	SuppressionWindow Duration `json:"suppression_window"`
	// ScriptTimeout bounds a single platform scripting call.
	ScriptTimeout Duration `json:"script_timeout"`
}

// IMessageConfig configures the chat database reader and Messages sender.
type IMessageConfig struct {
	Enabled       bool     `json:"enabled"`
	DBPath        string   `json:"db_path,omitempty"` // default ~/Library/Messages/chat.db
	PollInterval  Duration `json:"poll_interval"`
	FilterAllowed bool     `json:"filter_allowed"` // filter on allowlist inside the query
	MaxChunk      int      `json:"max_chunk"`
}

// MailConfig configures the Mail reader/writer.
type MailConfig struct {
	Enabled      bool     `json:"enabled"`
	Mailbox      string   `json:"mailbox,omitempty"`
	MaxAge       Duration `json:"max_age"`
	PollInterval Duration `json:"poll_interval"`
	Signature    string   `json:"signature,omitempty"`
	MaxChunk     int      `json:"max_chunk"`
}

// RemindersConfig configures the Reminders reader.
type RemindersConfig struct {
	Enabled      bool     `json:"enabled"`
	List         string   `json:"list,omitempty"`
	ArchiveList  string   `json:"archive_list,omitempty"`
	PollInterval Duration `json:"poll_interval"`
	MaxChunk     int      `json:"max_chunk"`
}

// NotesConfig configures the Notes reader.
type NotesConfig struct {
	Enabled      bool     `json:"enabled"`
	Folder       string   `json:"folder,omitempty"`
	PollInterval Duration `json:"poll_interval"`
	FetchTimeout Duration `json:"fetch_timeout"`
	MaxRetries   int      `json:"max_retries"`
	MaxChunk     int      `json:"max_chunk"`
}

// CalendarConfig configures the Calendar reader.
type CalendarConfig struct {
	Enabled      bool     `json:"enabled"`
	Calendar     string   `json:"calendar,omitempty"`
	Lookahead    Duration `json:"lookahead"`
	PollInterval Duration `json:"poll_interval"`
	MaxChunk     int      `json:"max_chunk"`
}

// PolicyConfig parametrizes the inbound gate.
type PolicyConfig struct {
	PrefixMode  bool     `json:"prefix_mode"`
	ChatPrefix  string   `json:"chat_prefix,omitempty"`
	TriggerTag  string   `json:"trigger_tag"`
	RateWindow  Duration `json:"rate_window"`
	RateMax     int      `json:"rate_max"`
	// ReplyOnDrop sends a short notice to the sender when a message is
	// rejected (default: silent, event only).
	ReplyOnDrop bool `json:"reply_on_drop"`
}

// ApprovalsConfig parametrizes the approval manager.
type ApprovalsConfig struct {
	TTL           Duration `json:"ttl"`
	ExpireInterval Duration `json:"expire_interval"`
}

// CompanionConfig parametrizes the proactive observer loop.
type CompanionConfig struct {
	Enabled             bool     `json:"enabled"`
	Interval            Duration `json:"interval"`
	QuietStart          string   `json:"quiet_start,omitempty"` // "HH:MM"
	QuietEnd            string   `json:"quiet_end,omitempty"`   // "HH:MM"
	MaxProactivePerHour int      `json:"max_proactive_per_hour"`
	StaleApprovalAfter  Duration `json:"stale_approval_after"`
	DigestCron          string   `json:"digest_cron,omitempty"` // gronx expression
	ReviewCron          string   `json:"review_cron,omitempty"`
}

// FollowUpsConfig parametrizes post-completion nudges.
type FollowUpsConfig struct {
	Enabled   bool     `json:"enabled"`
	Delay     Duration `json:"delay"`
	MaxNudges int      `json:"max_nudges"`
	Interval  Duration `json:"interval"` // scheduler poll cadence
}

// AmbientConfig parametrizes the passive topic scanner.
type AmbientConfig struct {
	Enabled  bool     `json:"enabled"`
	Interval Duration `json:"interval"`
}

// MemoryConfig bounds context injection.
type MemoryConfig struct {
	MaxContextChars  int `json:"max_context_chars"`
	SessionExchanges int `json:"session_exchanges"` // last N (input, reply) pairs kept
}

// AdminConfig configures the HTTP admin surface.
type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Token   string `json:"-"` // from STEWARD_ADMIN_TOKEN only
}

// DaemonConfig configures process lifecycle behaviour.
type DaemonConfig struct {
	DBPath            string   `json:"db_path,omitempty"` // default <home>/steward.db
	LockPath          string   `json:"lock_path,omitempty"`
	OfficeDir         string   `json:"office_dir,omitempty"` // agent office markdown workspace
	AnnounceOnStart   bool     `json:"announce_on_start"`
	ProcessHistorical bool     `json:"process_historical"`
	ShutdownGrace     Duration `json:"shutdown_grace"`
}

// TelemetryConfig configures optional OTLP span export for connector turns.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}

// Duration is a time.Duration that marshals as a Go duration string ("90s").
type Duration time.Duration

// UnmarshalJSON accepts "90s" strings and bare nanosecond numbers.
func (d *Duration) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		v, err := time.ParseDuration(s[1 : len(s)-1])
		if err != nil {
			return fmt.Errorf("parse duration %s: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var ns int64
	if _, err := fmt.Sscan(s, &ns); err != nil {
		return fmt.Errorf("parse duration %s: %w", s, err)
	}
	*d = Duration(ns)
	return nil
}

// MarshalJSON emits the duration string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", time.Duration(d).String())), nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// HomeDir returns the expanded steward home directory.
func (c *Config) HomeDir() string {
	if c.Home != "" {
		return ExpandHome(c.Home)
	}
	return ExpandHome("~/.steward")
}

// DBPath returns the store database file path.
func (c *Config) DBPath() string {
	if c.Daemon.DBPath != "" {
		return ExpandHome(c.Daemon.DBPath)
	}
	return filepath.Join(c.HomeDir(), "steward.db")
}

// LockPath returns the single-instance lock file path.
func (c *Config) LockPath() string {
	if c.Daemon.LockPath != "" {
		return ExpandHome(c.Daemon.LockPath)
	}
	return filepath.Join(c.HomeDir(), "steward.lock")
}

// OfficeDir returns the agent office markdown workspace root.
func (c *Config) OfficeDir() string {
	if c.Daemon.OfficeDir != "" {
		return ExpandHome(c.Daemon.OfficeDir)
	}
	return filepath.Join(c.HomeDir(), "office")
}

// ResolveWorkspace maps an alias to its absolute directory. An empty alias
// resolves to the default workspace. Unknown aliases return ok=false.
func (c *Config) ResolveWorkspace(alias string) (string, bool) {
	if alias == "" {
		if c.Workspaces.Default == "" {
			return "", false
		}
		if path, ok := c.Workspaces.Aliases[c.Workspaces.Default]; ok {
			return ExpandHome(path), true
		}
		return ExpandHome(c.Workspaces.Default), true
	}
	path, ok := c.Workspaces.Aliases[alias]
	if !ok {
		return "", false
	}
	return ExpandHome(path), true
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
