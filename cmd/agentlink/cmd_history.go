package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/agentlink/internal/state"
	"github.com/user/agentlink/internal/types"
	"github.com/user/agentlink/pkg/packet"
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().Int("limit", 50, "number of packets to show")
}

var historyCmd = &cobra.Command{
	Use:   "history [session-id]",
	Short: "List sessions, or show a session's packet log",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		ctx := context.Background()
		if len(args) == 0 {
			return listSessions(ctx, cmd, state.NewSessionStore(cfg.DataDir), state.NewPacketLog(cfg.DataDir))
		}
		limit, _ := cmd.Flags().GetInt("limit")
		return tailPackets(ctx, cmd, state.NewPacketLog(cfg.DataDir), types.SessionID(args[0]), limit)
	},
}

func listSessions(ctx context.Context, cmd *cobra.Command, sessions types.SessionStore, packets types.PacketStore) error {
	list, err := sessions.List(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKEY\tSCENE\tPACKETS\tUPDATED")
	for _, s := range list {
		count, err := packets.Count(ctx, s.SessionID)
		if err != nil {
			count = 0
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			s.SessionID,
			s.SessionKey,
			s.Scene,
			count,
			s.UpdatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	return w.Flush()
}

func tailPackets(ctx context.Context, cmd *cobra.Command, packets types.PacketStore, id types.SessionID, limit int) error {
	records, err := packets.Tail(ctx, id, limit)
	if err != nil {
		return fmt.Errorf("read packet log: %w", err)
	}
	if len(records) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No packets logged for session %s.\n", id)
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tAT\tDIR\tTYPE\tDETAIL")
	for _, r := range records {
		detail := ""
		if p, err := packet.Unmarshal(r.Frame); err == nil {
			detail = p.String()
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", r.Seq, r.At.Format("15:04:05.000"), r.Direction, r.Type, detail)
	}
	return w.Flush()
}
