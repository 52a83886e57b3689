package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hanoi-build/steward/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read, write and validate the configuration",
	}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configGetCmd())
	cmd.AddCommand(configSetCmd())
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(exitConfig)
			}
			data, _ := json.MarshalIndent(cfg, "", "  ")
			fmt.Println(string(data))
		},
	}
}

func configGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <dotted.key>",
		Short: "Print one configuration value",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(exitConfig)
			}
			v, ok := lookupPath(toMap(cfg), strings.Split(args[0], "."))
			if !ok {
				fmt.Fprintf(os.Stderr, "error: no such key %q\n", args[0])
				os.Exit(exitConfig)
			}
			data, _ := json.MarshalIndent(v, "", "  ")
			fmt.Println(string(data))
		},
	}
}

func configSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <dotted.key> <value>",
		Short: "Write one configuration value and save the file",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			path := resolveConfigPath()
			cfg, err := config.Load(path)
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(exitConfig)
			}

			m := toMap(cfg)
			if !setPath(m, strings.Split(args[0], "."), parseValue(args[1])) {
				fmt.Fprintf(os.Stderr, "error: no such key %q\n", args[0])
				os.Exit(exitConfig)
			}

			updated, err := fromMap(m)
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(exitConfig)
			}
			if err := updated.Validate(); err != nil {
				fmt.Fprintln(os.Stderr, "error: change rejected:", err)
				os.Exit(exitConfig)
			}
			if err := config.Save(path, updated); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(exitRuntime)
			}
			fmt.Printf("%s = %s\n", args[0], args[1])
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				fmt.Fprintln(os.Stderr, "invalid:", err)
				os.Exit(exitConfig)
			}
			if err := cfg.Validate(); err != nil {
				fmt.Fprintln(os.Stderr, "invalid:", err)
				os.Exit(exitConfig)
			}
			fmt.Println("ok")
		},
	}
}

func toMap(cfg *config.Config) map[string]any {
	data, _ := json.Marshal(cfg)
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	return m
}

func fromMap(m map[string]any) (*config.Config, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func lookupPath(m map[string]any, path []string) (any, bool) {
	var cur any = m
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// setPath writes into an existing leaf; intermediate objects must already
// exist so a typo cannot silently grow the config.
func setPath(m map[string]any, path []string, value any) bool {
	for _, key := range path[:len(path)-1] {
		next, ok := m[key].(map[string]any)
		if !ok {
			return false
		}
		m = next
	}
	last := path[len(path)-1]
	if _, ok := m[last]; !ok {
		return false
	}
	m[last] = value
	return true
}

// parseValue keeps booleans and numbers typed; everything else is a string.
func parseValue(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	return s
}
