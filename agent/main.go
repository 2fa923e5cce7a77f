// Command agent runs a forgeci build agent. It registers with the control
// plane, pings it, and builds whatever work it is given.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/itskum47/forgeci/agent/client"
	"github.com/itskum47/forgeci/control_plane/logger"
)

var configPathFlag = flag.String("config", "", "Directory containing agent.yaml")

func main() {
	flag.Parse()

	cfg, err := LoadConfig(*configPathFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)
	defer func() { _ = log.Sync() }()

	identity, err := LoadIdentity(cfg.IdentityDir, cfg.Location)
	if err != nil {
		log.Fatal("failed to initialize agent identity", zap.Error(err))
	}
	log.Info("agent starting",
		zap.String("agent_uuid", identity.UUID),
		zap.String("hostname", identity.Hostname),
		zap.String("server", cfg.ServerURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	remote := client.New(cfg.ServerURL, client.Options{})
	if err := NewAgent(cfg, identity, remote, log).Run(ctx); err != nil {
		log.Error("agent stopped", zap.Error(err))
		os.Exit(1)
	}
	log.Info("agent shut down")
}
