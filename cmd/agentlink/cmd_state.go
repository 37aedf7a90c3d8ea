package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/agentlink/internal/connection"
	"github.com/user/agentlink/internal/persist"
	"github.com/user/agentlink/internal/state"
	"github.com/user/agentlink/internal/types"
)

func init() {
	rootCmd.AddCommand(stateCmd)
	stateCmd.AddCommand(stateShowCmd, stateClearCmd, stateFetchCmd)
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect saved session-state snapshots",
}

// sessionKeyArg accepts "source:name" keys and bare chat names.
func sessionKeyArg(args []string) types.SessionKey {
	if len(args) == 0 {
		return types.NewSessionKey("cli", "default")
	}
	if strings.Contains(args[0], ":") {
		return types.SessionKey(args[0])
	}
	return types.NewSessionKey("cli", args[0])
}

var stateShowCmd = &cobra.Command{
	Use:   "show [session-key]",
	Short: "Show the stored snapshot for a conversation",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		key := sessionKeyArg(args)
		snap, ok, err := persist.Load(context.Background(), state.NewFileStore(cfg.DataDir), stateKey(cfg, key))
		if err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
		if !ok {
			fmt.Fprintf(cmd.OutOrStdout(), "No snapshot stored for %s.\n", key)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session: %s\nCreated: %s\nSize: %d bytes\nState: %s\n",
			key,
			snap.CreationTime.Format("2006-01-02 15:04:05"),
			len(snap.State),
			base64.StdEncoding.EncodeToString(snap.State),
		)
		return nil
	},
}

var stateClearCmd = &cobra.Command{
	Use:   "clear [session-key|all]",
	Short: "Delete stored snapshots",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		ctx := context.Background()
		store := state.NewFileStore(cfg.DataDir)

		if len(args) == 1 && args[0] == "all" {
			keys, err := store.Keys(ctx)
			if err != nil {
				return fmt.Errorf("list snapshots: %w", err)
			}
			cleared := 0
			for _, k := range keys {
				if !strings.HasPrefix(k, cfg.Persist.Key+"/") {
					continue
				}
				if err := store.Delete(ctx, k); err != nil {
					return fmt.Errorf("delete %s: %w", k, err)
				}
				cleared++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d snapshots.\n", cleared)
			return nil
		}

		key := sessionKeyArg(args)
		if err := store.Delete(ctx, stateKey(cfg, key)); err != nil {
			return fmt.Errorf("delete snapshot: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Snapshot for %s cleared.\n", key)
		return nil
	},
}

var stateFetchCmd = &cobra.Command{
	Use:   "fetch [session-key]",
	Short: "Fetch the live snapshot from the backend",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		st, err := newStack(cfg)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		sess, err := st.openSession(ctx, sessionKeyArg(args), false, connection.Handlers{})
		if err != nil {
			return err
		}
		defer sess.close()

		snap, err := sess.conn.SessionState(ctx)
		if err != nil {
			return fmt.Errorf("fetch state: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created: %s\nSize: %d bytes\n",
			snap.CreationTime.Format("2006-01-02 15:04:05"), len(snap.State))
		return nil
	},
}
