package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/andesdata/esma-agent/internal/config"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "serve":
		serveCmd(os.Args[2:])
	case "init":
		initCmd(os.Args[2:])
	case "version":
		fmt.Printf("esma-agent %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `esma-agent

Usage:
  esma-agent init [flags]
  esma-agent serve [flags]
  esma-agent version

Commands:
  init      Write a starter config, demo survey warehouses and catalogs, and build the local vector index.
  serve     Run the chat API server using the local config file.
  version   Print build information.

`)
}

func serveCmd(args []string) {
	fs := newFlagSet("serve")
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	model := fs.String("model", "", "Model override as <provider>/<model>; must be in the config's model list")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := buildLogger(cfg)
	app, err := buildApp(cfg, logger, *model)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init agent: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	httpSrv := &http.Server{
		Addr:              cfg.EffectiveListenAddr(),
		Handler:           app.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving chat API",
		"addr", cfg.EffectiveListenAddr(),
		"version", Version,
		"datasets", len(cfg.Datasets),
	)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "server exited with error: %v\n", err)
		os.Exit(1)
	}
}
