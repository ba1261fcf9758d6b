// Gatherd is the purchase-history gateway daemon.
//
// The binary fronts an MCP data connector: it manages per-session
// connector clients, drives retailer sign-in flows, normalizes the
// retrieved purchase history, and serves the HTTP API the web client
// talks to.
//
// Usage:
//
//	# Start with defaults (~/.config/gatherd/config.yaml if present)
//	gatherd
//
//	# Explicit config file
//	gatherd -config /etc/gatherd/config.yaml
//
//	# Configure via environment
//	GATHERD_SERVER_HTTP_PORT=9090 gatherd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gatherd/internal/analytics"
	"github.com/fyrsmithlabs/gatherd/internal/brand"
	"github.com/fyrsmithlabs/gatherd/internal/config"
	"github.com/fyrsmithlabs/gatherd/internal/connector"
	"github.com/fyrsmithlabs/gatherd/internal/httpapi"
	"github.com/fyrsmithlabs/gatherd/internal/logging"
	"github.com/fyrsmithlabs/gatherd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  gatherd            Start the gatherd daemon\n")
			fmt.Fprintf(os.Stderr, "  gatherd version    Show version information\n")
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

	if err := run(ctx, *configPath); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("gatherd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the gatherd server and blocks until context is cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer logging.Sync(logger)

	logger.Info("starting gatherd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("connector_url", cfg.Connector.URL),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout))

	// Telemetry degrades to no-ops on init failure; only a rejected
	// config aborts startup.
	tcfg := telemetry.NewDefaultConfig()
	tcfg.Enabled = cfg.Observability.EnableTelemetry
	tcfg.ServiceName = cfg.Observability.ServiceName
	tcfg.ServiceVersion = version
	tel, err := telemetry.New(ctx, tcfg, logger)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	emitter, natsConn := initEmitter(cfg, logger)
	if natsConn != nil {
		defer natsConn.Close()
	}

	catalog, err := brand.NewCatalog(cfg.Catalog.Dir, logger)
	if err != nil {
		return fmt.Errorf("load brand catalog: %w", err)
	}
	defer func() {
		if err := catalog.Close(); err != nil {
			logger.Warn("catalog close failed", zap.Error(err))
		}
	}()
	if cfg.Catalog.Watch && cfg.Catalog.Dir != "" {
		if err := catalog.Watch(); err != nil {
			logger.Warn("catalog watch unavailable", zap.Error(err))
		}
	}
	logger.Info("brand catalog loaded", zap.Int("brands", len(catalog.List())))

	metrics := connector.NewMetrics(logger)
	pool, err := connector.NewPool(connector.PoolConfig{
		Factory:       clientFactory(cfg, catalog, logger, metrics),
		SweepInterval: cfg.Connector.SweepInterval,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		return fmt.Errorf("create connector pool: %w", err)
	}
	pool.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := pool.Shutdown(shutdownCtx); err != nil {
			logger.Warn("connector pool shutdown failed", zap.Error(err))
		}
	}()

	srv, err := httpapi.NewServer(cfg, catalog, httpapi.PoolSource(pool), emitter, logger)
	if err != nil {
		return fmt.Errorf("create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server start: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return http.ErrServerClosed
	}
}

// initEmitter connects the analytics broker. A down broker degrades to
// the nop emitter instead of blocking startup.
func initEmitter(cfg *config.Config, logger *zap.Logger) (analytics.Emitter, *nats.Conn) {
	if !cfg.Analytics.Enabled {
		return analytics.NopEmitter{}, nil
	}

	nc, err := nats.Connect(cfg.Analytics.NATSURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		logger.Warn("analytics broker unreachable, events disabled",
			zap.String("url", cfg.Analytics.NATSURL), zap.Error(err))
		return analytics.NopEmitter{}, nil
	}

	logger.Info("connected to analytics broker", zap.String("url", cfg.Analytics.NATSURL))
	return analytics.NewNATSEmitter(nc, logger), nc
}

// clientFactory builds per-key connector clients for the pool. Each
// client dials the brand's connector sub-path with this deployment's
// identification headers.
func clientFactory(cfg *config.Config, catalog *brand.Catalog, logger *zap.Logger, metrics *connector.Metrics) connector.ClientFactory {
	return func(key connector.Key) (*connector.Client, error) {
		b, err := catalog.Get(key.BrandID)
		if err != nil {
			return nil, err
		}

		headers := map[string]string{
			"x-custom-app": cfg.Connector.CustomApp,
			"x-location":   cfg.Connector.Location,
		}
		if cfg.Connector.Incognito {
			headers["x-incognito"] = "1"
		}

		return connector.NewClient(connector.ClientConfig{
			SessionID:   key.SessionID,
			ClientIP:    key.ClientIP,
			BrandID:     key.BrandID,
			Transport:   connector.StreamableTransportFactory(cfg.Connector.URL, b.MCPURLPath(), headers),
			CallTimeout: cfg.Connector.CallTimeout,
			MaxRetries:  cfg.Connector.MaxRetries,
			IdleWindow:  cfg.Connector.IdleWindow,
			Logger:      logger,
			Metrics:     metrics,
		})
	}
}
