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
	_ "time/tzdata"

	"github.com/wesm/usageview/internal/config"
	"github.com/wesm/usageview/internal/db"
	"github.com/wesm/usageview/internal/server"
	"github.com/wesm/usageview/internal/settings"
	"github.com/wesm/usageview/internal/watch"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = ""
)

const shutdownTimeout = 5 * time.Second

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve":
			runServe(os.Args[2:])
			return
		case "version", "--version", "-v":
			fmt.Printf("usageview %s (commit %s, built %s)\n",
				version, commit, buildDate)
			return
		case "help", "--help", "-h":
			printUsage()
			return
		}
	}

	runServe(os.Args[1:])
}

func printUsage() {
	fmt.Printf(`usageview %s - usage analytics API for AI coding assistants

Serves token, cost, tool and latency analytics over a SQLite
usage log written by the assistant. The database is opened
read-only.

Usage:
  usageview [flags]          Start the server (default command)
  usageview serve [flags]    Start the server (explicit)
  usageview version          Show version information
  usageview help             Show this help

Server flags:
  -host string        Host to bind to (default "127.0.0.1")
  -port int           Port to listen on (default 8090)
  -db string          Path to the usage database
  -settings string    Path to the settings file

Environment variables:
  USAGEVIEW_DATA_DIR   Data directory (config, settings, logs)
  USAGEVIEW_DB         Usage database path
  USAGEVIEW_SETTINGS   Settings file path
  USAGEVIEW_HOST       Host to bind to
  USAGEVIEW_PORT       Port to listen on

Data is stored in ~/.usageview/ by default. A .env file in the
working directory or the data directory is loaded on startup.
`, version)
}

func runServe(args []string) {
	cfg := mustLoadConfig(args)
	setupLogFile(cfg.DataDir)

	stores := db.NewRegistry()
	defer stores.Close()

	broker := watch.NewBroker()
	stopMonitor := startMonitor(cfg, broker)
	defer stopMonitor()

	port := server.FindAvailablePort(cfg.Host, cfg.Port)
	if port != cfg.Port {
		fmt.Printf("Port %d in use, using %d\n", cfg.Port, port)
	}
	cfg.Port = port

	srv := server.New(cfg, stores,
		server.WithVersion(server.VersionInfo{
			Version:   version,
			Commit:    commit,
			BuildDate: buildDate,
		}),
		server.WithBroker(broker),
	)

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	fmt.Printf("usageview %s listening at http://%s:%d\n",
		version, cfg.Host, cfg.Port)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	case <-ctx.Done():
		log.Println("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}
}

func mustLoadConfig(args []string) config.Config {
	fs := flag.NewFlagSet("usageview", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(),
			"Usage: usageview [serve] [flags]\n\nFlags:\n")
		fs.PrintDefaults()
	}
	config.RegisterServeFlags(fs)
	if err := fs.Parse(args); err != nil {
		log.Fatalf("parsing flags: %v", err)
	}

	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("creating data dir: %v", err)
	}
	return cfg
}

// monitoredDBPath returns the database the server will read at
// startup: the settings override when present, else the
// configured path.
func monitoredDBPath(cfg config.Config) string {
	set, err := settings.Load(cfg.SettingsPath)
	if err != nil {
		log.Printf("settings error (using defaults): %v", err)
	}
	if set.DBPath != "" {
		return set.DBPath
	}
	return cfg.DBPath
}

// startMonitor publishes store and settings changes to broker.
// Live updates are optional: when the watcher cannot start the
// server still runs and clients fall back to polling.
func startMonitor(cfg config.Config, broker *watch.Broker) func() {
	w, err := watch.Monitor(
		broker, cfg.WatchDebounce,
		monitoredDBPath(cfg), cfg.SettingsPath,
	)
	if err != nil {
		log.Printf("warning: live updates unavailable: %v", err)
		return func() {}
	}
	return w.Stop
}
