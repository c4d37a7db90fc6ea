// Package main is the CLI entry point for the gateway — an LLM
// reverse-proxy that routes, rewrites, and translates requests between
// provider dialects according to a declarative gateway.yaml.
//
// CLI commands (cobra):
//
//	gateway serve            - Start the gateway HTTP server
//	gateway routes list      - List configured routes and their upstreams
//	gateway routes test      - Show which route a path would match
//	gateway config validate  - Load and validate gateway.yaml without starting
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/llmgateway/llmgateway/internal/gatewayconfig"
	"github.com/llmgateway/llmgateway/internal/orchestrator"
	"github.com/llmgateway/llmgateway/internal/route"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-02-10"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// configPath is the global flag for the gateway.yaml location.
var configPath string

var rootCmd = &cobra.Command{
	Use:     "gateway",
	Short:   "gateway — declarative LLM reverse-proxy and protocol translator",
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "gateway.yaml", "Path to gateway.yaml")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(routesCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// gateway serve
// ============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

// runServe loads gateway.yaml, builds the Gateway handler, starts the
// HTTP server, watches the config file for hot-reload, and blocks
// until a shutdown signal drains in-flight requests within the
// configured deadline.
func runServe() error {
	cfg, err := gatewayconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	// Tuned for talking to a small set of LLM provider upstreams:
	// reuse TCP connections, no client-side deadline (streaming
	// responses can run for minutes; per-attempt timeout is enforced
	// by the orchestrator from each upstream's requestTimeoutMs).
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     120 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	gw, err := orchestrator.New(orchestrator.Options{
		Config: cfg,
		Client: &http.Client{Transport: transport},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("building gateway: %w", err)
	}

	watcher, err := gatewayconfig.NewWatcher(configPath, gatewayconfig.WatchTargets{
		OnConfigChange: func() {
			newCfg, loadErr := gatewayconfig.Load(configPath)
			if loadErr != nil {
				logger.Warn("config reload failed, keeping previous config", "error", loadErr)
				return
			}
			if reloadErr := gw.Reload(newCfg); reloadErr != nil {
				logger.Warn("config reload rejected, keeping previous config", "error", reloadErr)
				return
			}
			logger.Info("config reloaded")
		},
	})
	if err != nil {
		return fmt.Errorf("starting config watcher: %w", err)
	}
	defer watcher.Close()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           gw,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down (signal received)")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutMs)*time.Millisecond)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown did not drain cleanly", "error", err)
	}
	logger.Info("gateway stopped")
	return nil
}

// newLogger builds the structured logger gateway.yaml's logging block
// configures — json or text handler, at the configured level.
func newLogger(cfg gatewayconfig.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// ============================================================================
// gateway routes
// ============================================================================

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Inspect configured routes",
}

func init() {
	routesCmd.AddCommand(routesListCmd)
	routesCmd.AddCommand(routesTestCmd)
}

var routesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured routes and their upstreams",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := gatewayconfig.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if len(cfg.Routes) == 0 {
			fmt.Println("No routes configured.")
			return nil
		}
		fmt.Printf("%-30s %-8s %s\n", "PATH", "UPSTRM", "UPSTREAMS (name:weight@priority)")
		fmt.Printf("%-30s %-8s %s\n", "----", "------", "---------------------------------")
		for _, r := range cfg.Routes {
			var ups string
			for i, u := range r.Upstreams {
				if i > 0 {
					ups += ", "
				}
				ups += fmt.Sprintf("%s:%d@%d", u.Name, u.Weight, u.Priority)
			}
			fmt.Printf("%-30s %-8d %s\n", r.Path, len(r.Upstreams), ups)
		}
		return nil
	},
}

var routesTestCmd = &cobra.Command{
	Use:   "test <path>",
	Short: "Show which configured route a request path would match",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := gatewayconfig.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		table, err := route.Compile(cfg.Routes)
		if err != nil {
			return fmt.Errorf("compiling routes: %w", err)
		}
		cr := table.Match(args[0])
		if cr == nil {
			fmt.Printf("%s -> no route matches\n", args[0])
			return nil
		}
		rewritten, err := cr.Rewrite(args[0])
		if err != nil {
			return fmt.Errorf("applying rewrite rules: %w", err)
		}
		fmt.Printf("%s -> route %q, rewritten path %q\n", args[0], cr.Route.Path, rewritten)
		return nil
	},
}

// ============================================================================
// gateway config
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and validate the gateway configuration",
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configGenerateCmd)
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate gateway.yaml without starting the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := gatewayconfig.Load(configPath)
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		if _, err := route.Compile(cfg.Routes); err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Printf("[gateway] %s is valid (%d routes)\n", configPath, len(cfg.Routes))
		return nil
	},
}

var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write a default gateway.yaml template",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := gatewayconfig.WriteDefault(configPath); err != nil {
			return fmt.Errorf("writing default config: %w", err)
		}
		fmt.Printf("[gateway] wrote default config to %s\n", configPath)
		return nil
	},
}
