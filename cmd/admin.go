package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hanoi-build/steward/internal/config"
)

func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Query the running daemon's admin API",
	}
	cmd.AddCommand(adminGetCmd("health", "Check daemon health", "/healthz"))
	cmd.AddCommand(adminGetCmd("sessions", "List active sessions", "/api/sessions"))
	cmd.AddCommand(adminGetCmd("approvals", "List pending approvals", "/api/approvals"))
	cmd.AddCommand(adminGetCmd("events", "Show recent audit events", "/api/events"))
	cmd.AddCommand(adminGetCmd("metrics", "Show run counters", "/api/metrics"))
	cmd.AddCommand(adminRunCmd())
	cmd.AddCommand(adminTaskCmd())
	return cmd
}

func adminGetCmd(use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Run: func(cmd *cobra.Command, args []string) {
			if err := adminRequest(http.MethodGet, path, nil); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(exitRuntime)
			}
		},
	}
}

func adminRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <run-id>",
		Short: "Show one run",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := adminRequest(http.MethodGet, "/api/runs/"+args[0], nil); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(exitRuntime)
			}
		},
	}
}

func adminTaskCmd() *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "task <text>",
		Short: "Submit a task to the daemon",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			body, _ := json.Marshal(map[string]string{"text": args[0], "sender": from})
			if err := adminRequest(http.MethodPost, "/api/task", body); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(exitRuntime)
			}
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "sender to attribute the task to (default: configured owner)")
	return cmd
}

// adminRequest performs one call against the configured admin endpoint and
// pretty-prints the JSON response.
func adminRequest(method, path string, body []byte) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	base := fmt.Sprintf("http://%s:%d", cfg.Admin.Host, cfg.Admin.Port)

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, base+path, rd)
	if err != nil {
		return err
	}
	if cfg.Admin.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Admin.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(data))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}
