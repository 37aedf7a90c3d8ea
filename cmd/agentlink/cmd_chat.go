package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/user/agentlink/internal/connection"
	"github.com/user/agentlink/internal/history"
	"github.com/user/agentlink/internal/types"
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().String("session", "default", "conversation name; history and state are kept per name")
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the scene's characters from the terminal",
	Long: `Reads lines from stdin and sends them as player text.

Commands:
  /interrupt         cancel the character's current response
  /history           print the transcript so far
  /character <name>  address a different character of the scene
  /quit              save state and exit`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

// printer writes each finished character line once.
type printer struct {
	mu      sync.Mutex
	out     io.Writer
	printed map[string]bool
}

func (p *printer) historyChanged(_, changed []history.Item) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, item := range changed {
		if item.Source.IsPlayer || item.IsRecognizing || item.Cancelled || p.printed[item.ID] {
			continue
		}
		switch item.Type {
		case history.ItemActor:
			fmt.Fprintf(p.out, "%s: %s\n", history.Speaker(item, ""), item.Text)
		case history.ItemNarratedAction:
			fmt.Fprintf(p.out, "*%s*\n", item.Text)
		default:
			continue
		}
		p.printed[item.ID] = true
	}
}

func (p *printer) line(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format+"\n", args...)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)
	name, _ := cmd.Flags().GetString("session")

	st, err := newStack(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	out := &printer{out: cmd.OutOrStdout(), printed: make(map[string]bool)}
	sess, err := st.openSession(ctx, types.NewSessionKey("cli", name), true, connection.Handlers{
		OnHistoryChange: out.historyChanged,
		OnInterruption: func(history.Interruption) {
			out.line("[interrupted]")
		},
		OnError: func(err error) {
			out.line("[error] %v", err)
		},
	})
	if err != nil {
		return err
	}
	defer sess.close()

	conn := sess.conn
	if err := conn.Open(ctx); err != nil {
		return fmt.Errorf("open connection: %w", err)
	}
	if ch, ok := conn.CurrentCharacter(); ok {
		out.line("Talking to %s. Type /quit to exit.", ch.DisplayName)
	}

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		command, arg, _ := strings.Cut(text, " ")
		switch command {
		case "/quit":
			return nil
		case "/interrupt":
			if err := conn.Interrupt(ctx); err != nil {
				out.line("[error] %v", err)
			}
		case "/history":
			out.line("%s", strings.TrimRight(conn.Transcript(), "\n"))
		case "/character":
			if err := conn.SetCurrentCharacter(strings.TrimSpace(arg)); err != nil {
				out.line("[error] %v", err)
				continue
			}
			ch, _ := conn.CurrentCharacter()
			out.line("Talking to %s.", ch.DisplayName)
		default:
			if _, err := conn.SendText(ctx, text); err != nil {
				out.line("[error] %v", err)
			}
		}
	}
	return scanner.Err()
}
