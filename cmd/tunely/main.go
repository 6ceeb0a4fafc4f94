// Command tunely runs either the tunnel broker or a tunnel agent,
// dispatched from the first argument the way the rest of the stack's
// entrypoints are built: no flag-parsing framework, just a switch.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tunely/tunely/internal/agent"
	"github.com/tunely/tunely/internal/broker"
	"github.com/tunely/tunely/internal/config"
	"github.com/tunely/tunely/internal/store"
)

// newLogger builds a component-tagged slog.Logger writing text lines to
// stdout at the given level (one of "debug", "info", "warn", "error";
// defaults to info).
func newLogger(component, level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	})).With("component", component)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "broker":
		err = runBroker(os.Args[2:])
	case "agent":
		err = runAgent(os.Args[2:])
	case "version":
		fmt.Println("tunely dev")
		return
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: tunely <broker|agent|version> [flags]")
}

func runBroker(args []string) error {
	cfg, err := config.ParseBrokerFlags(args)
	if err != nil {
		return err
	}
	logger := newLogger("broker", cfg.LogLevel)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	srv := broker.New(cfg, st, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("broker starting", "listen", cfg.ListenAddr, "control_path", cfg.ControlPath)
	return srv.Run(ctx)
}

func runAgent(args []string) error {
	cfg, err := config.ParseAgentFlags(args)
	if err != nil {
		return err
	}
	logger := newLogger("agent", cfg.LogLevel)

	a := agent.New(cfg, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("agent starting", "broker", cfg.BrokerURL, "target", cfg.TargetURL)
	return a.Run(ctx)
}
