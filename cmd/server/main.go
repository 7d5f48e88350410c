package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chadiek/call-pilot/internal/agent"
	"github.com/chadiek/call-pilot/internal/config"
	"github.com/chadiek/call-pilot/internal/history"
	httpserver "github.com/chadiek/call-pilot/internal/httpserver"
	"github.com/chadiek/call-pilot/internal/llm"
	"github.com/chadiek/call-pilot/internal/metrics"
	"github.com/chadiek/call-pilot/internal/provider"
	twilioprovider "github.com/chadiek/call-pilot/internal/provider/twilio"
	"github.com/chadiek/call-pilot/internal/provider/vapi"
	"github.com/chadiek/call-pilot/internal/usecase"
	"github.com/chadiek/call-pilot/internal/watch"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})

	cfg := config.Load(logger)
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.WithField("level", cfg.LogLevel).Warn("unknown log level, using info")
	}

	assistant, err := config.LoadAssistant(cfg.AssistantConfigPath)
	if err != nil {
		logger.WithError(err).Fatal("failed to load assistant config")
	}

	store, err := openHistory(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to open call history")
	}
	defer store.Close()

	prov, callbackPath := newProvider(cfg)

	var (
		decider    agent.Decider
		summarizer usecase.Summarizer
	)
	if cfg.CerebrasKey != "" {
		cerebras := llm.NewCerebrasClient(cfg.CerebrasKey, cfg.CerebrasModelID)
		decider = cerebras
		summarizer = cerebras
	}

	m := metrics.New()
	watcher := watch.New(prov, watch.Config{
		InitialDelay:         cfg.PollInitialDelay,
		Interval:             cfg.PollInterval,
		MaxInterval:          cfg.PollMaxInterval,
		MaxConsecutiveErrors: cfg.PollMaxErrors,
		FinalCheckDelay:      cfg.PollFinalCheckDelay,
	}, logger, m)

	calls := usecase.NewCallService(usecase.Options{
		Provider:      prov,
		Watcher:       watcher,
		History:       store,
		Decider:       decider,
		Summarizer:    summarizer,
		Assistant:     assistant,
		Metrics:       m,
		Logger:        logger,
		PublicBaseURL: cfg.PublicBaseURL,
	})
	defer calls.Shutdown()

	srv := httpserver.New(httpserver.Config{
		AuthPassword:    cfg.AuthPassword,
		WebhookSecret:   cfg.WebhookSecret,
		TwilioAuthToken: cfg.TwilioAuthToken,
		CallbackPath:    callbackPath,
	}, calls, m, logger)

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		logger.WithField("address", cfg.HTTPAddress).Info("server listening")
		serverErrors <- server.ListenAndServe()
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server error")
		}
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("graceful shutdown failed")
		_ = server.Close()
	}
}

// newProvider returns the configured calling provider and the route its status
// callbacks arrive on.
func newProvider(cfg config.Config) (provider.Provider, string) {
	if cfg.CallProvider == "twilio" {
		return twilioprovider.New(twilioprovider.Config{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			FromNumber: cfg.TwilioFromNumber,
		}), "/twilio/status"
	}
	return vapi.New(cfg.VapiBaseURL, cfg.VapiAPIKey, cfg.VapiPhoneNumberID), "/webhooks/vapi"
}

func openHistory(cfg config.Config, logger *logrus.Logger) (history.Store, error) {
	switch cfg.HistoryBackend {
	case "memory":
		return history.NewMemoryStore(), nil
	case "sqlite":
		return history.OpenSQLite(cfg.SQLitePath)
	case "supabase":
		return history.NewSupabaseStore(history.SupabaseConfig{
			URL:            cfg.SupabaseURL,
			ServiceRoleKey: cfg.SupabaseServiceRoleKey,
			Table:          cfg.SupabaseTable,
			Bucket:         cfg.SupabaseBucket,
		})
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		store, err := history.OpenRedis(ctx, cfg.RedisURL, 30*24*time.Hour)
		if err == nil {
			logger.Info("Successfully connected to Redis")
		}
		return store, err
	}
	return nil, fmt.Errorf("unknown HISTORY_BACKEND %q", cfg.HistoryBackend)
}
