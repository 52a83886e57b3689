package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/hanoi-build/steward/internal/config"
)

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive first-run configuration",
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runSetup())
		},
	}
}

func runSetup() int {
	path := resolveConfigPath()
	cfg := config.Default()
	if existing, err := config.Load(path); err == nil {
		cfg = existing
	}

	var (
		senders    = strings.Join(cfg.Senders.Allowed, ", ")
		engine     = cfg.Connector.Engine
		quietStart = cfg.Companion.QuietStart
		quietEnd   = cfg.Companion.QuietEnd
		enableMail = cfg.Channels.Mail.Enabled
		enableRem  = cfg.Channels.Reminders.Enabled
		enableNote = cfg.Channels.Notes.Enabled
		enableCal  = cfg.Channels.Calendar.Enabled
		companion  = cfg.Companion.Enabled
		adminOn    = cfg.Admin.Enabled
	)
	if engine == "" {
		engine = "claude"
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Who may talk to the steward?").
				Description("Comma-separated phone numbers or emails. The first one is the owner.").
				Value(&senders).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("at least one sender is required")
					}
					return nil
				}),
			huh.NewSelect[string]().
				Title("Which AI engine?").
				Options(
					huh.NewOption("Claude", "claude"),
					huh.NewOption("Gemini", "gemini"),
					huh.NewOption("Codex", "codex"),
				).
				Value(&engine),
		),
		huh.NewGroup(
			huh.NewConfirm().Title("Watch Mail?").Value(&enableMail),
			huh.NewConfirm().Title("Watch Reminders?").Value(&enableRem),
			huh.NewConfirm().Title("Watch Notes?").Value(&enableNote),
			huh.NewConfirm().Title("Watch Calendar?").Value(&enableCal),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable the proactive companion?").
				Description("Occasional unprompted check-ins about approvals, reminders and events.").
				Value(&companion),
			huh.NewInput().Title("Quiet hours start (HH:MM, empty for none)").Value(&quietStart),
			huh.NewInput().Title("Quiet hours end (HH:MM)").Value(&quietEnd),
			huh.NewConfirm().Title("Enable the local admin API?").Value(&adminOn),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "setup aborted:", err)
		return exitRuntime
	}

	cfg.Senders.Allowed = nil
	for _, s := range strings.Split(senders, ",") {
		if s = strings.TrimSpace(s); s != "" {
			cfg.Senders.Allowed = append(cfg.Senders.Allowed, s)
		}
	}
	cfg.Connector.Engine = engine
	cfg.Channels.IMessage.Enabled = true
	cfg.Channels.Mail.Enabled = enableMail
	cfg.Channels.Reminders.Enabled = enableRem
	cfg.Channels.Notes.Enabled = enableNote
	cfg.Channels.Calendar.Enabled = enableCal
	cfg.Companion.Enabled = companion
	cfg.Companion.QuietStart = strings.TrimSpace(quietStart)
	cfg.Companion.QuietEnd = strings.TrimSpace(quietEnd)
	cfg.Admin.Enabled = adminOn

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		return exitConfig
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitRuntime
	}
	if err := config.Save(path, cfg); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitRuntime
	}

	fmt.Printf("Saved %s.\n", path)
	fmt.Println("Start the daemon with: steward daemon")
	fmt.Println("Or install it as a service: steward service install")
	return exitOK
}
