package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/hanoi-build/steward/cmd.Version=v1.0.0"
var Version = "dev"

// Exit codes per the CLI contract.
const (
	exitOK      = 0
	exitConfig  = 1
	exitRuntime = 2
	exitLocked  = 3
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "steward",
	Short: "steward — personal assistant daemon",
	Long:  "Steward bridges iMessage, Mail, Reminders, Notes and Calendar into AI CLI assistants, with approvals, follow-ups and a proactive companion.",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runDaemon())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.steward/config.json5 or $STEWARD_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(adminCmd())
	rootCmd.AddCommand(setupCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serviceCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("steward %s (%s/%s, %s)\n", Version, runtime.GOOS, runtime.GOARCH, runtime.Version())
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("STEWARD_CONFIG"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".steward", "config.json5")
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitRuntime)
	}
}
