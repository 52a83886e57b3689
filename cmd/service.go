package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"
)

const launchdLabel = "build.hanoi.steward"

// launchd plist template; stdout/err go to the steward home so
// "service logs" has something to tail.
const plistTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>%s</string>
	<key>ProgramArguments</key>
	<array>
		<string>%s</string>
		<string>daemon</string>
	</array>
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<true/>
	<key>StandardOutPath</key>
	<string>%s</string>
	<key>StandardErrorPath</key>
	<string>%s</string>
</dict>
</plist>
`

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the launchd service (macOS)",
	}
	cmd.AddCommand(serviceInstallCmd())
	cmd.AddCommand(serviceUninstallCmd())
	cmd.AddCommand(serviceSimpleCmd("start", "Start the service", "load"))
	cmd.AddCommand(serviceSimpleCmd("stop", "Stop the service", "unload"))
	cmd.AddCommand(serviceStatusCmd())
	cmd.AddCommand(serviceLogsCmd())
	return cmd
}

func plistPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
}

func logPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".steward", "steward.log")
}

func serviceInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Write the launchd plist and load it",
		Run: func(cmd *cobra.Command, args []string) {
			bin, err := os.Executable()
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(exitRuntime)
			}
			path := plistPath()
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(exitRuntime)
			}
			plist := fmt.Sprintf(plistTemplate, launchdLabel, bin, logPath(), logPath())
			if err := os.WriteFile(path, []byte(plist), 0o644); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(exitRuntime)
			}
			if out, err := exec.Command("launchctl", "load", path).CombinedOutput(); err != nil {
				fmt.Fprintf(os.Stderr, "launchctl load failed: %s\n%s", err, out)
				os.Exit(exitRuntime)
			}
			fmt.Printf("Installed and loaded %s.\n", path)
		},
	}
}

func serviceUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Unload and remove the launchd plist",
		Run: func(cmd *cobra.Command, args []string) {
			path := plistPath()
			if out, err := exec.Command("launchctl", "unload", path).CombinedOutput(); err != nil {
				fmt.Fprintf(os.Stderr, "launchctl unload: %s\n%s", err, out)
			}
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(exitRuntime)
			}
			fmt.Println("Uninstalled.")
		},
	}
}

func serviceSimpleCmd(use, short, verb string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Run: func(cmd *cobra.Command, args []string) {
			out, err := exec.Command("launchctl", verb, plistPath()).CombinedOutput()
			if err != nil {
				fmt.Fprintf(os.Stderr, "launchctl %s failed: %s\n%s", verb, err, out)
				os.Exit(exitRuntime)
			}
			fmt.Println("ok")
		},
	}
}

func serviceStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the service's launchd status",
		Run: func(cmd *cobra.Command, args []string) {
			out, err := exec.Command("launchctl", "list", launchdLabel).CombinedOutput()
			if err != nil {
				fmt.Println("not loaded")
				return
			}
			fmt.Print(string(out))
		},
	}
}

func serviceLogsCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Tail the service log",
		Run: func(cmd *cobra.Command, args []string) {
			tailArgs := []string{"-n", "100"}
			if follow {
				tailArgs = append(tailArgs, "-f")
			}
			tailArgs = append(tailArgs, logPath())
			tail := exec.Command("tail", tailArgs...)
			tail.Stdout = os.Stdout
			tail.Stderr = os.Stderr
			if err := tail.Run(); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(exitRuntime)
			}
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep following the log")
	return cmd
}
