package main

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/omochice/resilient-chat/internal/app"
	"github.com/omochice/resilient-chat/internal/config"
	"github.com/omochice/resilient-chat/internal/logging"
)

func newRootCmd() *cobra.Command {
	v := config.New()
	var configFile string

	cmd := &cobra.Command{
		Use:   "chat-client",
		Short: "Terminal chat client that survives disconnects",
		Long: `chat-client joins one chat room and keeps the connection alive.
Messages typed while offline are queued and sent once the server is back.

Commands:
  /file <path>         send a file
  /save <n> [dir]      save the n-th received file
  /status              show the connection state
  quit                 leave`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				v.SetConfigFile(configFile)
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&configFile, "config", "", "path to config file (default ./chat.yaml)")
	f.String("server", "", "WebSocket endpoint (e.g. ws://localhost:2033/ws)")
	f.String("api", "", "HTTP base URL of the key registry and history")
	f.String("chat", "", "chat room id (required)")
	f.String("user", "", "your user id (required)")
	f.String("token", "", "session token")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.Bool("dev", false, "human-readable development logging")

	for key, name := range map[string]string{
		"server_url":      "server",
		"api_url":         "api",
		"chat_id":         "chat",
		"user_id":         "user",
		"token":           "token",
		"log.level":       "log-level",
		"log.development": "dev",
	} {
		_ = v.BindPFlag(key, f.Lookup(name))
	}
	return cmd
}

func run(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer log.Sync()

	term := newTerminal(out)
	w, err := app.NewWire(*cfg, term, log)
	if err != nil {
		return err
	}
	defer w.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		for s := range w.Chat.Status() {
			term.notice("%s", s)
		}
	}()

	w.Start(ctx)
	term.notice("joined %s as %s (type 'quit' to exit)", cfg.ChatID, cfg.UserID)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			log.Warn("error reading input", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, w, term, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, w *app.Wire, term *terminal, line string) bool {
	if line == "" {
		return false
	}
	if line == "quit" || line == "exit" {
		return true
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/file":
		if arg == "" {
			term.notice("usage: /file <path>")
			return false
		}
		if err := w.SendFile(ctx, arg); err != nil {
			term.notice("failed to send %s: %v", arg, err)
		}
	case "/save":
		num, dir, _ := strings.Cut(arg, " ")
		n, err := strconv.Atoi(num)
		if err != nil {
			term.notice("usage: /save <n> [dir]")
			return false
		}
		blob, ok := term.file(n)
		if !ok {
			term.notice("no file #%d", n)
			return false
		}
		if dir = strings.TrimSpace(dir); dir == "" {
			dir = "."
		}
		path, err := w.Save(blob, dir)
		if err != nil {
			term.notice("failed to save: %v", err)
			return false
		}
		term.notice("saved %s", path)
	case "/status":
		term.notice("%s, %d queued", w.Chat.State(), w.Chat.Buffered())
	default:
		if err := w.SendText(ctx, line); err != nil {
			term.notice("failed to send: %v", err)
		}
	}
	return false
}
