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

	httpadapter "github.com/kirillkom/hybrid-retrieval/internal/adapters/http"
	"github.com/kirillkom/hybrid-retrieval/internal/bootstrap"
	"github.com/kirillkom/hybrid-retrieval/internal/config"
	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/observability/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logging.NewJSONLogger("api", cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.NewAPI(ctx, cfg)
	if err != nil {
		slog.Error("api_bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	// Without artifacts the API still starts and reports not ready until a build event arrives.
	if err := app.LoadConfigured(ctx); err != nil {
		slog.Warn("index_load_failed", "artifact_dir", cfg.ArtifactDir, "error", err)
	}

	if app.Events != nil {
		go func() {
			slog.Info("index_events_subscribed", "subject", cfg.NATSSubject)
			err := app.Events.SubscribeIndexBuilt(ctx, func(eventCtx context.Context, event domain.IndexBuiltEvent) error {
				reloadCtx, cancel := context.WithTimeout(eventCtx, 5*time.Minute)
				defer cancel()
				return app.Reload(reloadCtx, event)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("index_events_subscription_failed", "error", err)
			}
		}()
	}

	router := httpadapter.NewRouter(app, app, app, httpadapter.Options{
		QueryTimeout:   time.Duration(cfg.QueryTimeoutMS) * time.Millisecond,
		RateLimitRPS:   cfg.APIRateLimitRPS,
		RateLimitBurst: cfg.APIRateLimitBurst,
		Ready:          app.Ready,
		Metrics:        app.Metrics,
	}).Handler()
	server := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("api_listening", "port", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api_server_failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("api_shutdown_failed", "error", err)
	}
}
