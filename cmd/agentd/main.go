package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/revued-io/revued/internal/agenthost"
	"github.com/revued-io/revued/internal/agents"
	"github.com/revued-io/revued/pkg/protocol"
)

func main() {
	agentName := flag.String("agent", "", "Agent to serve: reader, critic, cite, or meta_reviewer")
	host := flag.String("host", envOr("REVUED_AGENT_HOST", "0.0.0.0"), "Listen host")
	port := flag.Int("port", 9000, "Listen port")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))

	if *agentName == "" {
		fmt.Fprintln(os.Stderr, "error: -agent is required (reader, critic, cite, or meta_reviewer)")
		os.Exit(1)
	}

	agent, err := agents.ForName(protocol.AgentName(*agentName))
	if err != nil {
		logger.Error("failed to create agent", "error", err)
		os.Exit(1)
	}

	srv := agenthost.New(agent, logger)
	addr := fmt.Sprintf("%s:%d", *host, *port)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(addr) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	case err := <-errCh:
		if err != nil {
			logger.Error("agent host failed", "error", err)
			os.Exit(1)
		}
	}
	logger.Info("agentd stopped", "agent", *agentName)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
