package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/migadu/soramail/app"
	"github.com/migadu/soramail/config"
	"github.com/migadu/soramail/logger"
	"github.com/migadu/soramail/pkg/errors"
	"github.com/migadu/soramail/pkg/metrics"
	"github.com/migadu/soramail/server/cleaner"
	"github.com/migadu/soramail/server/httpapi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	fDataDir := flag.String("datadir", "", "Mailbox data directory (overrides config)")
	fDomain := flag.String("domain", "", "Local mail domain (overrides config)")
	fLogLevel := flag.String("loglevel", "", "Log level: debug, info, warn, error (overrides config)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("soramail version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	loadConfig(*configPath, &cfg, errorHandler)

	// Command-line flags win over the file.
	if *fDataDir != "" {
		cfg.Storage.DataDir = *fDataDir
	}
	if *fDomain != "" {
		cfg.Delivery.Domain = *fDomain
	}
	if *fLogLevel != "" {
		cfg.Logging.Level = *fLogLevel
	}

	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("config", err)
		os.Exit(errorHandler.WaitForExit())
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "SORAMAIL: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "SORAMAIL: Error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	}

	logger.Info("SORAMAIL: starting", "version", version, "commit", commit, "built", date)
	logger.Info("SORAMAIL: logging configured", "format", cfg.Logging.Format, "level", cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("SORAMAIL: received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	svc, err := app.Open(ctx, cfg)
	if err != nil {
		errorHandler.FatalError("initialize services", err)
		os.Exit(errorHandler.WaitForExit())
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error("SORAMAIL: error closing services", "error", err)
		}
	}()

	go svc.Attachments.Start(ctx)
	svc.Health.Start(ctx)

	retention, _ := cfg.Cleanup.GetTrashRetention()
	wake, _ := cfg.Cleanup.GetWakeInterval()
	cleanupWorker := cleaner.New(svc.Mail, wake, retention)
	cleanupWorker.Start(ctx)
	defer cleanupWorker.Stop()

	collector := metrics.NewCollector(svc.Attachments, svc.Users, 60*time.Second)
	go collector.Start(ctx)
	defer collector.Stop()

	errChan := make(chan error, 2)

	if cfg.Metrics.Enabled {
		go startMetricsServer(ctx, cfg.Metrics, errChan)
	}

	if cfg.HTTPAPI.Start {
		go httpapi.Start(ctx, httpapi.ServerOptions{
			Addr:           cfg.HTTPAPI.Addr,
			APIKey:         cfg.HTTPAPI.APIKey,
			AllowedHosts:   cfg.HTTPAPI.AllowedHosts,
			TLS:            cfg.HTTPAPI.TLS,
			TLSCertFile:    cfg.HTTPAPI.TLSCertFile,
			TLSKeyFile:     cfg.HTTPAPI.TLSKeyFile,
			Mailboxes:      svc.Mailbox,
			Rules:          svc.Rules,
			Users:          svc.UserCache,
			Admission:      svc.Attachments,
			Cleanup:        cleanupWorker,
			Health:         svc.Health,
			TrashRetention: retention,
			RateLimit:      cfg.HTTPAPI.RateLimit,
			RateBurst:      cfg.HTTPAPI.RateBurst,
		}, errChan)
	}

	select {
	case <-ctx.Done():
		errorHandler.Shutdown(ctx)
	case err := <-errChan:
		errorHandler.FatalError("server operation", err)
		cancel()
		svc.Close()
		os.Exit(errorHandler.WaitForExit())
	}
}

// loadConfig reads configPath into cfg. A missing default config file is
// not an error; the defaults are used instead.
func loadConfig(configPath string, cfg *config.Config, errorHandler *errors.ErrorHandler) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) && configPath == "config.toml" {
			fmt.Fprintf(os.Stderr, "SORAMAIL: WARNING: default configuration file '%s' not found. Using application defaults.\n", configPath)
			return
		}
		errorHandler.ConfigError(configPath, err)
		os.Exit(errorHandler.WaitForExit())
	}
}

func startMetricsServer(ctx context.Context, cfg config.MetricsConfig, errChan chan error) {
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	server := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		logger.Info("SORAMAIL: shutting down metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("SORAMAIL: error shutting down metrics server", "error", err)
		}
	}()

	logger.Info("SORAMAIL: metrics server listening", "addr", cfg.Addr, "path", path)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}
