package workers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"gopropbridge/config"
	"gopropbridge/relayer"
	"gopropbridge/workers/handlers"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// ServeHTTP runs the operator API until ctx is cancelled. It is the process'
// main blocking call; the polling workers run beside it.
func ServeHTTP(ctx context.Context, cfg *config.Configuration, log zerolog.Logger, rel *relayer.Relayer) error {
	log = log.With().Str("component", "http").Logger()

	h := handlers.New(rel, log)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Options("/*", corsHeaders)

	r.Get("/healthz", h.Healthz)
	r.Get("/state", h.State)
	r.Get("/operations/{status}", h.Operations)
	r.Post("/operations/{id}/retry", h.Retry)
	r.Get("/lockbox/{propertyId}", h.Lockbox)

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP service started")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP service shutdown error: %w", err)
	}
	log.Info().Msg("HTTP service shutdown normal")
	return nil
}

func corsHeaders(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
	w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, Origin, X-Requested-With")
}
