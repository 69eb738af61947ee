// Callhandlerd supervises automated outbound phone calls.
//
// The daemon receives telephony provider webhooks, classifies who answered
// each call, navigates IVR phone trees with queued DTMF and speech actions,
// and hands the call to a live agent the moment a human is reachable.
//
// Configuration is loaded from a YAML file and CALLHANDLER_* environment
// variables. See internal/config for details.
//
// Usage:
//
//	# Start with defaults plus environment
//	CALLHANDLER_STORE_DSN=postgres://... callhandlerd
//
//	# Start with a config file
//	callhandlerd -config /etc/callhandler/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/classify"
	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/config"
	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/dispatch"
	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/handoff"
	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/logging"
	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/outcome"
	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/store"
	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/supervisor"
	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/telephony"
	"github.com/christopher-palmieri/deepgram-call-handler-sub000/internal/webhook"
)

const shutdownTimeout = 15 * time.Second

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()
	args := flag.Args()

	// Handle subcommands
	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  callhandlerd           Start the call handler daemon\n")
			fmt.Fprintf(os.Stderr, "  callhandlerd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

// printVersion prints version information
func printVersion() {
	fmt.Printf("callhandlerd\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the call handler daemon and blocks until context is cancelled.
//
// Initialization order:
//  1. Load and validate configuration
//  2. Initialize logger
//  3. Open the session store (migrating on request)
//  4. Build the provider client and classification gate
//  5. Wire dispatcher, handoff, outcome classifier, supervisor, sweeper
//  6. Start the webhook server
//  7. Graceful shutdown on context cancellation
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logging.Sync(logger)
	}()

	logger.Info("starting callhandlerd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("store_backend", cfg.Store.Backend),
		zap.String("handoff_mode", string(cfg.Handoff.Mode)))

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer st.Close()

	ops, err := telephony.NewClient(cfg.Telephony, logger.Named("telephony"))
	if err != nil {
		return fmt.Errorf("failed to create telephony client: %w", err)
	}

	gate, err := classify.NewGate(st)
	if err != nil {
		return fmt.Errorf("failed to create classification gate: %w", err)
	}

	dispatcher, err := dispatch.New(cfg.Dispatch, st, ops, gate, logger.Named("dispatch"))
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	handoffExec, err := handoff.NewExecutor(cfg.Handoff, ops, logger.Named("handoff"))
	if err != nil {
		return fmt.Errorf("failed to create handoff executor: %w", err)
	}

	outcomeCls, err := outcome.NewClassifier(cfg.Outcome, st, logger.Named("outcome"))
	if err != nil {
		return fmt.Errorf("failed to create outcome classifier: %w", err)
	}

	sup, err := supervisor.New(cfg.Supervisor, st, ops, gate, dispatcher, handoffExec, outcomeCls, logger.Named("supervisor"))
	if err != nil {
		return fmt.Errorf("failed to create supervisor: %w", err)
	}
	defer sup.Shutdown()

	sweeper, err := outcome.NewSweeper(cfg.Sweep, st, outcomeCls, logger.Named("sweep"))
	if err != nil {
		return fmt.Errorf("failed to create sweeper: %w", err)
	}
	go sweeper.Run(ctx)

	server, err := webhook.NewServer(sup, logger.Named("http"), &cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to create webhook server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("webhook server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("webhook server shutdown failed", zap.Error(err))
	}
	return nil
}

// openStore opens the configured store backend, running migrations first
// when enabled.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		logger.Warn("using in-memory session store, state is not shared or durable")
		return store.NewMemory(), nil
	case "postgres":
		if cfg.Store.Migrate {
			if err := store.Migrate(cfg.Store.DSN); err != nil {
				return nil, fmt.Errorf("migrations failed: %w", err)
			}
			logger.Info("schema migrations applied")
		}
		return store.NewPostgres(ctx, cfg.Store.DSN, logger.Named("store"))
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
