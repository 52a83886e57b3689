package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/hanoi-build/steward/internal/config"
	"github.com/hanoi-build/steward/internal/connector"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("steward doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — run: steward setup)")
		return
	}
	fmt.Println(" (OK)")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("  Config invalid: %s\n", err)
	} else {
		fmt.Println("  Config valid.")
	}

	engine, ok := connector.ResolveEngine(cfg.Connector.Engine, nil)
	binary := engine.Command
	if cfg.Connector.Command != "" {
		binary = cfg.Connector.Command
	}
	fmt.Printf("  Engine:   %s (%s)", cfg.Connector.Engine, binary)
	if !ok && len(cfg.Connector.Engines) == 0 {
		fmt.Println(" — unknown engine")
	} else if _, err := exec.LookPath(binary); err != nil {
		fmt.Println(" — NOT ON PATH")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Printf("  chat.db:  %s", config.ExpandHome(cfg.Channels.IMessage.DBPath))
	if _, err := os.Stat(config.ExpandHome(cfg.Channels.IMessage.DBPath)); err != nil {
		fmt.Println(" (NOT READABLE — grant Full Disk Access)")
	} else {
		fmt.Println(" (OK)")
	}

	if _, err := exec.LookPath("osascript"); err != nil {
		fmt.Println("  osascript: NOT FOUND — channel egress will fail")
	} else {
		fmt.Println("  osascript: OK")
	}
}
