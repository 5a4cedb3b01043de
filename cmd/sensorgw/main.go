// sensorgw is the sensor gateway daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/xtxerr/sensorgw/internal/errors"
	"github.com/xtxerr/sensorgw/internal/gateway"
	"github.com/xtxerr/sensorgw/internal/loader"
	"github.com/xtxerr/sensorgw/internal/logging"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// CLI flags
	cfgPath := flag.String("config", "sensorgw.yaml", "config file path")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	jsonLogs := flag.Bool("json", false, "log as JSON (overrides config)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <port>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return 1
	}
	port, err := loader.ParsePort(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "sensorgw: %v\n", err)
		return 1
	}

	// Load config
	cfg, err := loader.Load(*cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "sensorgw: %v\n", err)
			return 1
		}
		cfg = loader.DefaultConfig()
	}

	// CLI overrides
	cfg.Port = port
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *jsonLogs {
		cfg.Logging.JSON = true
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sensorgw: %v\n", err)
		return 1
	}
	logging.Init(level, cfg.Logging.JSON)
	log := logging.Component("main")

	log.Info("sensorgw starting", "version", Version, "port", cfg.Port, "config", *cfgPath)

	// =========================================================================
	// Signal Handling and Run
	// =========================================================================

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw, err := gateway.New(ctx, cfg)
	if err != nil {
		log.Error("startup failed", "error", err)
		return 1
	}

	if err := gw.Run(ctx); err != nil {
		if errors.IsFatal(err) {
			log.Error("gateway stopped after fatal error", "error", err)
		} else {
			log.Error("gateway failed", "error", err)
		}
		return 1
	}

	log.Info("sensorgw stopped")
	return 0
}
