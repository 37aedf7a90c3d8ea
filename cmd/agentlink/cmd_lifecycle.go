package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/agentlink/internal/config"
)

func init() {
	rootCmd.AddCommand(stopCmd, restartCmd, statusCmd)
	stopCmd.Flags().Duration("wait", 15*time.Second, "how long to wait for the daemon to save state and exit")
}

// findDaemon returns the process named by the PID file, checking it is
// alive with signal 0.
func findDaemon(cfg *config.Config) (*os.Process, error) {
	data, err := os.ReadFile(dataPath(cfg, "agentlink.pid"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no running daemon (PID file not found)")
	}
	if err != nil {
		return nil, fmt.Errorf("read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("invalid PID file content: %w", err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return nil, fmt.Errorf("no running daemon (process %d not found)", pid)
	}
	return proc, nil
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon, saving session state first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		wait, _ := cmd.Flags().GetDuration("wait")

		proc, err := findDaemon(cfg)
		if err != nil {
			return err
		}
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("send SIGTERM: %w", err)
		}

		// The daemon removes its PID file once state is saved.
		deadline := time.Now().Add(wait)
		for time.Now().Before(deadline) {
			if _, err := os.Stat(dataPath(cfg, "agentlink.pid")); errors.Is(err, os.ErrNotExist) {
				fmt.Fprintf(cmd.OutOrStdout(), "Daemon (PID %d) stopped.\n", proc.Pid)
				return nil
			}
			time.Sleep(100 * time.Millisecond)
		}
		return fmt.Errorf("daemon (PID %d) still running after %s", proc.Pid, wait)
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the running daemon in place",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		proc, err := findDaemon(loadConfig())
		if err != nil {
			return err
		}
		if err := proc.Signal(syscall.SIGHUP); err != nil {
			return fmt.Errorf("send SIGHUP: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sent SIGHUP to daemon (PID %d) for restart.\n", proc.Pid)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the daemon is running and its connection state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		out := cmd.OutOrStdout()

		proc, err := findDaemon(cfg)
		if err != nil {
			fmt.Fprintln(out, "Daemon: not running")
			return nil
		}
		fmt.Fprintf(out, "Daemon: running (PID %d)\n", proc.Pid)

		if cfg.HTTP.Addr == "" {
			return nil
		}
		client := &http.Client{Timeout: 3 * time.Second}
		resp, err := client.Get("http://" + cfg.HTTP.Addr + "/health")
		if err != nil {
			return fmt.Errorf("query daemon health: %w", err)
		}
		defer resp.Body.Close()

		var health struct {
			Connection string `json:"connection"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
			return fmt.Errorf("decode daemon health: %w", err)
		}
		fmt.Fprintf(out, "Connection: %s\n", health.Connection)
		return nil
	},
}
