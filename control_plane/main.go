// Command control_plane runs the forgeci server: the agent remoting
// endpoints, the scheduler, and the dashboard API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/itskum47/forgeci/control_plane/auth"
	"github.com/itskum47/forgeci/control_plane/config"
	"github.com/itskum47/forgeci/control_plane/logger"
	"github.com/itskum47/forgeci/control_plane/tracing"
)

const shutdownTimeout = 30 * time.Second

var (
	configPathFlag = flag.String("config", "", "Directory containing config.yaml")
	issueTokenFlag = flag.String("issue-token", "", "Print a user token for this subject and exit")
	tokenRoleFlag  = flag.String("role", auth.RoleUser, "Role of the token printed by -issue-token (user, admin)")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPathFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *issueTokenFlag != "" {
		if err := printToken(cfg, *issueTokenFlag, *tokenRoleFlag); err != nil {
			fmt.Fprintf(os.Stderr, "failed to issue token: %v\n", err)
			os.Exit(1)
		}
		return
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("control plane stopped", zap.Error(err))
	}
}

func printToken(cfg *config.Config, subject, role string) error {
	if role != auth.RoleUser && role != auth.RoleAdmin {
		return fmt.Errorf("role must be %q or %q", auth.RoleUser, auth.RoleAdmin)
	}
	token, err := auth.NewSigner(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL).Issue(subject, role)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}

	app, err := NewApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.Start(ctx); err != nil {
		return err
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	api := NewAPI(app)
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.Router(cfg.Tracing.ServiceName),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	log.Info("forgeci control plane starting",
		zap.String("addr", server.Addr),
		zap.String("database", cfg.Database.Driver),
		zap.Bool("redis", cfg.Redis.Enabled),
		zap.Bool("nats", cfg.NATS.URL != ""),
		zap.Int("queue_threshold", cfg.Scheduler.QueueThreshold),
	)

	// Topic workers get their own context so they keep draining while the
	// HTTP server finishes in-flight requests.
	topicCtx, stopTopics := context.WithCancel(context.WithoutCancel(ctx))
	topics, _ := errgroup.WithContext(topicCtx)
	for _, t := range app.Topics.All() {
		topics.Go(func() error { return t.Run(topicCtx) })
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.AgentMonitor.Run(gctx) })
	g.Go(func() error { return app.Activity.Run(gctx) })
	g.Go(func() error { return app.Hub.Run(gctx) })
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("http server shutdown failed", zap.Error(err))
		}
		if err := app.Topics.FlushAll(shutdownCtx); err != nil {
			log.Warn("topics not drained", zap.Error(err))
		}
		stopTopics()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Warn("tracing shutdown failed", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	stopTopics()
	if terr := topics.Wait(); terr != nil && err == nil {
		err = terr
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("control plane stopped")
	return nil
}
