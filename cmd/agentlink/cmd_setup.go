package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/agentlink/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		out := cmd.OutOrStdout()
		scanner := bufio.NewScanner(cmd.InOrStdin())

		fmt.Fprintln(out, "agentlink setup")
		fmt.Fprintln(out, "Press Enter to accept the default value shown in brackets.")
		fmt.Fprintln(out)

		ask := func(label, def string) string { return prompt(out, scanner, label, def) }

		cfg.Backend.BaseURL = ask("Backend base URL", cfg.Backend.BaseURL)
		cfg.Backend.APIKey = ask("API key", cfg.Backend.APIKey)
		cfg.Backend.APISecret = ask("API secret", cfg.Backend.APISecret)
		cfg.Backend.Workspace = ask("Workspace", cfg.Backend.Workspace)
		cfg.Session.Scene = ask("Scene (full resource name)", cfg.Session.Scene)
		cfg.Session.Player = ask("Player name", cfg.Session.Player)

		timeout := ask("Idle disconnect after seconds (0 = never)", strconv.Itoa(cfg.Session.DisconnectTimeoutSec))
		if n, err := strconv.Atoi(timeout); err == nil && n >= 0 {
			cfg.Session.DisconnectTimeoutSec = n
		}

		cfg.Telegram.Token = ask("Telegram bot token (optional)", cfg.Telegram.Token)

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Configuration saved to", cfgPath)
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(out io.Writer, scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", label, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", label)
	}
	if scanner.Scan() {
		if input := strings.TrimSpace(scanner.Text()); input != "" {
			return input
		}
	}
	return defaultVal
}
