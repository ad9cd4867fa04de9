// Package server exposes the HTTP surface: health and readiness probes, the
// render queue status page, Prometheus metrics, and the YouTube OAuth
// bootstrap flow. Correlation IDs are injected into request contexts for
// consistent logging.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mawnt/renderbot/telemetry"
)

// NewMux returns the HTTP handler with all routes, wrapped in the
// correlation/tracing middleware.
func NewMux(h *Handlers) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/readyz", h.HandleReadyz)
	mux.HandleFunc("/status", h.HandleStatus)
	mux.HandleFunc("/auth/youtube/start", h.HandleYouTubeOAuthStart)
	mux.HandleFunc("/auth/youtube/callback", h.HandleYouTubeOAuthCallback)
	return withTelemetry(mux)
}

// withTelemetry assigns each request a correlation id (reusing the caller's
// X-Correlation-ID when given), opens a span, and records the response code.
func withTelemetry(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		w.Header().Set("X-Correlation-ID", corr)
		ctx := telemetry.WithCorrelation(r.Context(), corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method), telemetry.HTTPRouteAttr(r.URL.Path))
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("http request",
			slog.String("method", r.Method), slog.String("path", r.URL.Path))

		ww := &respWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(ww, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, ww.code)
		if ww.code >= http.StatusBadRequest {
			span.SetStatus(telemetry.ErrorStatus(fmt.Sprintf("HTTP %d", ww.code)))
		}
	})
}

// respWriter captures the status code written by handlers.
type respWriter struct {
	http.ResponseWriter
	code int
}

func (w *respWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Start serves until ctx is cancelled, then drains connections gracefully.
func Start(ctx context.Context, h *Handlers, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewMux(h),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  time.Minute,
	}
	go func() {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(drainCtx); err != nil {
			slog.Error("http shutdown", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server", slog.Any("err", err))
		return err
	}
	return nil
}
