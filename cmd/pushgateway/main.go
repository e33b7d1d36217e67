// Command pushgateway assembles the dispatch gateway: storage,
// credential cache, provider adapters, device registry, campaign
// pipeline and the REST surface that drives them.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wultra/powerauth-push-server-sub001/internal/activation"
	"github.com/wultra/powerauth-push-server-sub001/internal/api"
	"github.com/wultra/powerauth-push-server-sub001/internal/campaign"
	"github.com/wultra/powerauth-push-server-sub001/internal/config"
	"github.com/wultra/powerauth-push-server-sub001/internal/credentials"
	"github.com/wultra/powerauth-push-server-sub001/internal/dispatch"
	"github.com/wultra/powerauth-push-server-sub001/internal/platform/fcm"
	"github.com/wultra/powerauth-push-server-sub001/internal/registry"
	"github.com/wultra/powerauth-push-server-sub001/internal/storage/bolt"
	"github.com/wultra/powerauth-push-server-sub001/pkg/push"
)

// unavailableStatusSource stands in when no activation service is
// configured.
type unavailableStatusSource struct{}

func (unavailableStatusSource) Status(context.Context, string) (push.ActivationStatus, error) {
	return "", errors.New("activation service not configured")
}

func main() {
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "push-gateway")
	slog.SetDefault(logger)

	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	store, err := bolt.New(cfg.Storage.Path)
	if err != nil {
		logger.Error("Storage failed", "path", cfg.Storage.Path, "err", err)
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("Storage initialized", "path", store.Path())

	factory := credentials.NewClientFactory(credentials.FactoryConfig{
		APNSTimeout:       cfg.APNS.Timeout,
		APNSKeepAlivePing: cfg.APNS.KeepAlivePing,
		FCM: fcm.Config{
			DataOnly:     cfg.FCM.DataOnly,
			ValidateOnly: cfg.FCM.ValidateOnly,
		},
		HMSTokenURL:     cfg.HMS.TokenURL,
		HMSSendBaseURL:  cfg.HMS.SendBaseURL,
		HMSTimeout:      cfg.HMS.Timeout,
		HMSValidateOnly: cfg.HMS.ValidateOnly,
	}, logger)
	cache := credentials.NewCache(store, factory, cfg.Credentials.CacheTTL, logger)

	var statusSource push.ActivationStatusSource
	if cfg.Activation.BaseURL != "" {
		client, err := activation.NewClient(cfg.Activation.BaseURL, cfg.Activation.Timeout)
		if err != nil {
			logger.Error("Activation client failed", "err", err)
			os.Exit(1)
		}
		statusSource = client
	} else {
		logger.Warn("No activation service configured; personal messages and status refresh will fail")
		statusSource = unavailableStatusSource{}
	}

	deviceRegistry := registry.New(store, statusSource, logger)
	dispatcher := dispatch.New(store, cache, statusSource, cfg.Dispatch.Workers, logger)
	pipeline := campaign.New(store, store, dispatcher, cfg.Campaign.BatchSize, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	api.New(deviceRegistry, dispatcher, store, pipeline, logger).Routes(mux)
	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		logger.Info("Gateway ready", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "err", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", "err", err)
	}
	logger.Info("Shutdown complete")
}
