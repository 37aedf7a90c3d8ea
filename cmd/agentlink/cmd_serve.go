package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/agentlink/internal/config"
	"github.com/user/agentlink/internal/connection"
	"github.com/user/agentlink/internal/history"
	"github.com/user/agentlink/internal/httpapi"
	"github.com/user/agentlink/internal/telegram"
	"github.com/user/agentlink/internal/types"
	"github.com/user/agentlink/pkg/packet"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agentlink daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func writePIDFile(cfg *config.Config) (string, error) {
	pidPath := dataPath(cfg, "agentlink.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

// chatSessions tracks the sessions opened for Telegram chats so they can be
// saved and closed on shutdown.
type chatSessions struct {
	mu       sync.Mutex
	sessions []*session
}

func (c *chatSessions) add(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = append(c.sessions, s)
}

func (c *chatSessions) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sessions {
		s.close()
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	st, err := newStack(cfg)
	if err != nil {
		return err
	}

	pidPath, err := writePIDFile(cfg)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The daemon's own conversation, driven over HTTP.
	primary, err := st.openSession(ctx, types.NewSessionKey("http", "default"), true, connection.Handlers{
		OnReady:      func() { slog.Info("connection ready") },
		OnDisconnect: func() { slog.Info("connection closed") },
		OnInterruption: func(intr history.Interruption) {
			slog.Info("response interrupted", "interaction_id", intr.InteractionID, "utterances", len(intr.UtteranceIDs))
		},
		OnError: func(err error) { slog.Error("connection error", "error", err) },
	})
	if err != nil {
		return err
	}
	defer primary.close()

	slog.Info("agentlink started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"scene", cfg.Session.Scene,
		"player", cfg.Session.Player,
		"max_concurrent", cfg.MaxConcurrent,
		"pid_file", pidPath,
	)

	// Telegram bridge
	if cfg.Telegram.Token != "" {
		chats := &chatSessions{}
		factory := func(key types.SessionKey, sessionID types.SessionID, onMessage func(*packet.Packet)) (telegram.ChatConn, error) {
			sess, err := st.openResolved(ctx, key, sessionID, false, connection.Handlers{OnMessage: onMessage})
			if err != nil {
				return nil, err
			}
			chats.add(sess)
			return sess.conn, nil
		}
		adapter, err := telegram.New(cfg.Telegram.Token, cfg.Session.Scene, cfg.MaxConcurrent, factory, st.sessions, st.packets)
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		done := make(chan struct{})
		go func() {
			adapter.Start(ctx)
			close(done)
		}()
		defer func() {
			cancel()
			<-done
			chats.closeAll()
		}()
		slog.Info("telegram adapter started")
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	// Control API
	if cfg.HTTP.Addr != "" {
		httpServer := &http.Server{
			Addr:    cfg.HTTP.Addr,
			Handler: httpapi.NewServer(primary.conn, st.packets, st.metrics.Handler()),
		}
		go func() {
			slog.Info("http server started", "listen", cfg.HTTP.Addr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("http server error", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			httpServer.Close()
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			// Save state before the process image is replaced
			primary.close()
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				return fmt.Errorf("re-exec: %w", err)
			}
		}
		// SIGINT or SIGTERM
		slog.Info("shutting down", "signal", sig)
		return nil
	}
}
