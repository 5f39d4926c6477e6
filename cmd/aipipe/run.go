package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	"github.com/aipipe/aipipe/internal/app"
	"github.com/aipipe/aipipe/internal/auth"
	"github.com/aipipe/aipipe/internal/budget"
	"github.com/aipipe/aipipe/internal/config"
	"github.com/aipipe/aipipe/internal/provider"
	"github.com/aipipe/aipipe/internal/provider/gemini"
	"github.com/aipipe/aipipe/internal/provider/openai"
	"github.com/aipipe/aipipe/internal/provider/openrouter"
	"github.com/aipipe/aipipe/internal/server"
	"github.com/aipipe/aipipe/internal/similarity"
	"github.com/aipipe/aipipe/internal/storage/sqlite"
	"github.com/aipipe/aipipe/internal/telemetry"
	"github.com/aipipe/aipipe/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting aipipe", "version", version, "addr", cfg.Server.Addr)

	// Open the cost ledger
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()

	// Tracing
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx,
			cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	// Metrics
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	// Shared upstream HTTP client: pooled transport with DNS caching and
	// no client timeout, since SSE responses run for minutes.
	resolver := &dnscache.Resolver{}
	upstreamClient := &http.Client{Transport: provider.NewTransport(resolver)}

	// Provider adapters
	reg := provider.NewRegistry()
	reg.Register(openai.New(cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.BaseURL))
	orAdapter, err := openrouter.New(cfg.Providers.OpenRouter.APIKey,
		cfg.Providers.OpenRouter.BaseURL, upstreamClient)
	if err != nil {
		return err
	}
	reg.Register(orAdapter)
	reg.Register(gemini.New(cfg.Providers.Gemini.APIKey,
		cfg.Providers.Gemini.BaseURL, upstreamClient))
	reg.Register(similarity.New(openai.NewEmbeddingsClient(
		cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.BaseURL, upstreamClient)))

	// Token service. The JWKS fetch needs the network; a failure disables
	// the credential exchange but the gateway still serves existing tokens.
	var creds auth.CredentialVerifier
	if oidc, err := auth.NewOIDCVerifier(ctx, cfg.Auth.JWKSURL); err != nil {
		slog.Warn("credential exchange disabled", "error", err)
	} else {
		creds = oidc
	}
	authSvc := auth.New(cfg.Auth.Secret, config.Salt, cfg.Auth.AdminEmails, creds)

	// Budget + async metering
	resolverSvc := budget.NewResolver(config.Budget)
	recorder := worker.NewCostRecorder(store)
	if metrics != nil {
		recorder.SetQueueGauge(func(n int) { metrics.RecorderQueue.Set(float64(n)) })
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		if err := worker.NewRunner(recorder).Run(workerCtx); err != nil {
			slog.Error("worker runner failed", "error", err)
		}
	}()

	pipeline := &app.Pipeline{
		Registry: reg,
		Budget:   resolverSvc,
		Ledger:   store,
		Recorder: recorder,
		Client:   upstreamClient,
		Metrics:  metrics,
		Logger:   slog.Default(),
	}

	handler := server.New(server.Deps{
		Auth:           authSvc,
		Pipeline:       pipeline,
		Ledger:         store,
		Budget:         resolverSvc,
		ReadyCheck:     store.Ping,
		ProxyClient:    upstreamClient,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("aipipe ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		stopWorkers()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		stopWorkers()
		return err
	}

	// Stop the recorder after in-flight requests finish so their debits
	// drain to the ledger.
	stopWorkers()
	select {
	case <-workersDone:
	case <-time.After(cfg.Server.ShutdownTimeout):
		slog.Warn("workers did not drain in time")
	}

	slog.Info("aipipe stopped")
	return nil
}
