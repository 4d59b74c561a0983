// Package main provides the stateflow entry point: a standalone relay
// server, or a demo client session against a running relay.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/txn2/stateflow/internal/relay"
	"github.com/txn2/stateflow/pkg/core"
	"github.com/txn2/stateflow/pkg/health"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath  string
	runRelay    bool
	address     string
	secret      string
	workspaceID string
	pageID      string
	credential  string
	storePath   string
	showVersion bool
}

type fileConfig struct {
	Relay relay.Config `yaml:"relay"`
	Core  core.Config  `yaml:"core"`
}

func parseFlags() options {
	opts := options{}
	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flag.BoolVar(&opts.runRelay, "relay", false, "Run the relay server instead of a client session")
	flag.StringVar(&opts.address, "address", ":8080", "Relay listen address")
	flag.StringVar(&opts.secret, "secret", "", "Relay credential verification secret")
	flag.StringVar(&opts.workspaceID, "workspace", "", "Workspace id for the client session")
	flag.StringVar(&opts.pageID, "page", "", "Page id for the client session")
	flag.StringVar(&opts.credential, "credential", "", "Auth credential for the client session")
	flag.StringVar(&opts.storePath, "store", "stateflow.db", "Durable local queue path")
	flag.BoolVar(&opts.showVersion, "version", false, "Show version and exit")
	flag.Parse()
	return opts
}

func loadConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func setupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx
}

func run() error {
	opts := parseFlags()

	if opts.showVersion {
		fmt.Printf("stateflow version %s\n", Version)
		return nil
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.address != "" {
		cfg.Relay.Address = opts.address
	}
	if opts.secret != "" {
		cfg.Relay.Secret = opts.secret
	}
	if opts.storePath != "" && cfg.Core.StorePath == "" {
		cfg.Core.StorePath = opts.storePath
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx := setupSignalHandler()

	if opts.runRelay {
		return runRelay(ctx, cfg.Relay, logger)
	}
	return runClient(ctx, cfg.Core, opts, logger)
}

func runRelay(ctx context.Context, cfg relay.Config, logger *slog.Logger) error {
	if cfg.Secret == "" {
		return fmt.Errorf("relay requires a credential secret")
	}

	hub := relay.New(cfg.Secret, logger)
	checker := health.NewChecker(hub.Stats)

	mux := http.NewServeMux()
	mux.Handle("/", hub)
	mux.HandleFunc("/healthz", checker.LivenessHandler())
	mux.HandleFunc("/readyz", checker.ReadinessHandler())

	srv := &http.Server{
		Addr:    cfg.Address,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "address", cfg.Address)
		checker.SetReady()
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		checker.SetDraining()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func runClient(ctx context.Context, cfg core.Config, opts options, logger *slog.Logger) error {
	if opts.workspaceID == "" || opts.credential == "" {
		return fmt.Errorf("client session requires -workspace and -credential")
	}

	c, err := core.New(cfg, opts.workspaceID, noopBackend{}, nil,
		core.WithLogger(logger),
		core.WithApplyFunc(func(content string) {
			logger.Info("remote document applied", "bytes", len(content))
		}))
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Connect(ctx, opts.credential); err != nil {
		return err
	}
	if opts.pageID != "" {
		if err := c.JoinPage(opts.pageID); err != nil {
			return err
		}
	}

	logger.Info("session open", "workspace", opts.workspaceID, "page", opts.pageID)
	<-ctx.Done()
	return nil
}
