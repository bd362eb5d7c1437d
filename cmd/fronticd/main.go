// Command fronticd serves one long-lived agent conversation to any
// number of WebSocket clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/frontic/frontic/internal/agent"
	"github.com/frontic/frontic/internal/config"
	"github.com/frontic/frontic/internal/gate"
	"github.com/frontic/frontic/internal/logger"
	"github.com/frontic/frontic/internal/queue"
	"github.com/frontic/frontic/internal/session"
	"github.com/frontic/frontic/internal/web"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	var (
		configPath   = flag.String("config", "", "path to configuration file")
		listenAddr   = flag.String("listen", "", "listen address (overrides config)")
		workingDir   = flag.String("dir", "", "agent working directory (overrides config)")
		resetSession = flag.Bool("reset-session", false, "forget the stored session and start fresh")
		writeConfig  = flag.Bool("write-config", false, "write the effective configuration to the config path and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *workingDir != "" {
		cfg.Agent.WorkingDir = *workingDir
	}

	// Environment variables override config file values for logging.
	if envLevel := strings.TrimSpace(os.Getenv("FRONTIC_LOG_LEVEL")); envLevel != "" {
		cfg.LogLevel = envLevel
	}
	if envPath := strings.TrimSpace(os.Getenv("FRONTIC_LOG_PATH")); envPath != "" {
		cfg.LogPath = envPath
	}

	if *writeConfig {
		if *configPath == "" {
			return fmt.Errorf("-write-config requires -config")
		}
		if err := cfg.Save(*configPath); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		fmt.Printf("Wrote %s\n", *configPath)
		return nil
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if err != nil {
			logger.Error("Fatal error: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()

	store, err := session.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer store.Close()

	if *resetSession {
		if err := store.Reset(); err != nil {
			return fmt.Errorf("failed to reset session: %w", err)
		}
		logger.Info("Stored session cleared")
	}

	hub := web.NewHub()
	go hub.Run()
	defer hub.Stop()

	q := queue.New()
	g := gate.New(cfg.QuestionTimeout(), hub.Broadcast)

	driver, err := agent.New(cfg, store, q, g, hub.Broadcast)
	if err != nil {
		return fmt.Errorf("failed to create session driver: %w", err)
	}

	srv := web.NewServer(cfg, hub, q, driver)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return err
	case s := <-sig:
		logger.Info("Received %v, shutting down", s)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	driver.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed: %v", err)
	}
	return nil
}
