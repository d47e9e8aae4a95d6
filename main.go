package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/billgrant/webhook-tester/internal/config"
	"github.com/billgrant/webhook-tester/internal/poller"
	"github.com/billgrant/webhook-tester/internal/ratelimit"
	"github.com/billgrant/webhook-tester/internal/relay"
)

func main() {
	if err := newCLI().root().Execute(); err != nil {
		os.Exit(1)
	}
}

// runServe starts the viewer: inbox, relay poller and HTTP server.
// It blocks until SIGINT/SIGTERM, then shuts down gracefully.
func runServe(cfg *config.Config) error {
	settings = cfg
	setupLogging(cfg.Logging)

	store, err := initStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()
	hooks = store

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := startSession(ctx, hooks, cfg.Feed.ShowHistory, time.Now()); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	refreshStoredGauge(ctx)

	limiter, err = ratelimit.New(cfg.RateLimit.Enabled, cfg.Redis.URL, cfg.RateLimit.Requests, cfg.RateLimit.Window)
	if err != nil {
		return fmt.Errorf("failed to create rate limiter: %w", err)
	}
	defer limiter.Close()

	r, err := openRelay(cfg)
	if err != nil {
		return err
	}
	if r != nil {
		defer r.Close()
		feed = poller.New(r, hooks, cfg.Relay.Topic,
			poller.WithInterval(cfg.Relay.PollInterval),
			poller.WithSince(cfg.Relay.Since),
			poller.WithLogger(slog.Default()),
			poller.WithOnPoll(func(stored int, err error) {
				recordPoll(stored, err)
				if stored > 0 {
					refreshStoredGauge(ctx)
				}
			}),
		)
		go feed.Run(ctx)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      newRouter(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting",
			"addr", srv.Addr,
			"version", version,
			"relay", cfg.Relay.Driver,
			"topic", cfg.Relay.Topic,
			"receiver", receiverPath(),
			"store", cfg.Store.Driver,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	slog.Info("server stopped")
	return nil
}

// newRouter registers every route on a fresh mux.
func newRouter() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", chain(healthHandler))
	mux.Handle("/metrics", promhttp.Handler())

	receiver := receiverPath()
	mux.HandleFunc(receiver, chain(rateLimitMiddleware(receiverHandler)))
	mux.HandleFunc(receiver+"/", chain(rateLimitMiddleware(receiverHandler)))

	mux.HandleFunc("/api/hooks", chain(basicAuthGuard(hooksHandler)))
	mux.HandleFunc("/api/hooks/", chain(basicAuthGuard(hooksHandler)))
	mux.HandleFunc("/api/status", chain(basicAuthGuard(statusHandler)))
	mux.HandleFunc("/", chain(basicAuthGuard(dashboardHandler)))

	return mux
}

func chain(h http.HandlerFunc) http.HandlerFunc {
	return requestIDMiddleware(loggingMiddleware(h))
}

// openRelay connects to the configured relay. It returns nil for driver none.
func openRelay(cfg *config.Config) (relay.Relay, error) {
	switch cfg.Relay.Driver {
	case "none":
		return nil, nil
	case "nats":
		r, err := relay.NewNATS(relay.NATSConfig{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Buffer:        cfg.NATS.Buffer,
			Timeout:       cfg.Relay.Timeout,
			Token:         cfg.Relay.Token,
			Username:      cfg.Relay.Username,
			Password:      cfg.Relay.Password,
		}, slog.Default())
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		opts := []relay.HTTPOption{
			relay.WithTimeout(cfg.Relay.Timeout),
			relay.WithLogger(slog.Default()),
		}
		if cfg.Relay.Token != "" {
			opts = append(opts, relay.WithToken(cfg.Relay.Token))
		} else if cfg.Relay.Username != "" {
			opts = append(opts, relay.WithBasicAuth(cfg.Relay.Username, cfg.Relay.Password))
		}
		if cfg.Relay.Insecure {
			opts = append(opts, relay.WithInsecureTLS())
		}
		return relay.NewHTTP(cfg.Relay.URL, opts...), nil
	}
}

// setupLogging installs the default slog logger: JSON (or text) on stdout,
// optionally forwarding every record to logging.webhook_url.
func setupLogging(cfg config.LoggingConfig) {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(newLogForwarder(handler, cfg.WebhookURL, cfg.WebhookToken)))
}
