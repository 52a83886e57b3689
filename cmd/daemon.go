package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hanoi-build/steward/internal/config"
	"github.com/hanoi-build/steward/internal/daemon"
)

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the steward daemon (the default command)",
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runDaemon())
		},
	}
}

func runDaemon() int {
	log := setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		log.Error("failed to load config", "error", err)
		return exitConfig
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid config", "error", err)
		return exitConfig
	}

	d, err := daemon.New(cfg, log)
	if err != nil {
		log.Error("failed to assemble daemon", "error", err)
		return exitRuntime
	}

	switch err := d.Run(context.Background()); {
	case err == nil:
		return exitOK
	case errors.Is(err, daemon.ErrLocked):
		log.Error("another steward instance is already running", "lock", cfg.LockPath())
		return exitLocked
	default:
		log.Error("daemon exited with error", "error", err)
		return exitRuntime
	}
}

func setupLogging() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)
	return log
}
