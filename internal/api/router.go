package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/micro-nova/planetradio-go/internal/models"
)

const (
	apiKeyHeader     = "api-key"
	apiKeyQueryParam = "api-key"

	// Play commands tear down and rebuild the relay, so they are limited
	// per client.
	playRequestLimit = 10
	playWindow       = time.Minute
)

// NewRouter creates and returns the main HTTP router.
func NewRouter(ctrl Controller, bus EventBus) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware)
	r.Use(middleware.CleanPath)

	h := &Handlers{ctrl: ctrl, events: bus}

	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(apiKeyMiddleware(func() string { return ctrl.Settings().APIKey }))

		r.Get("/api/status", h.getStatus)
		r.Get("/api/stations", h.getStations)
		r.Get("/api/stations/{code}", h.getStation)
		r.With(playRateLimit()).Post("/api/play/{code}", h.play)
		r.Post("/api/stop", h.stop)
		r.Put("/api/credentials", h.putCredentials)

		// SSE
		r.Get("/api/subscribe", h.sseEvents)
	})

	return r
}

// apiKeyMiddleware rejects requests that do not carry the configured key in
// the api-key header or query parameter. An empty key leaves the API open.
func apiKeyMiddleware(key func() string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			want := key()
			if want == "" {
				next.ServeHTTP(w, r)
				return
			}
			got := r.Header.Get(apiKeyHeader)
			if got == "" {
				got = r.URL.Query().Get(apiKeyQueryParam)
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				writeJSON(w, http.StatusUnauthorized, models.ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func playRateLimit() func(http.Handler) http.Handler {
	return httprate.Limit(
		playRequestLimit,
		playWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(playWindow.Seconds())))
			writeJSON(w, http.StatusTooManyRequests, &models.AppError{
				Code:    "RATE_LIMITED",
				Message: "too many play requests, try again later",
				Status:  http.StatusTooManyRequests,
			})
		}),
	)
}

// corsMiddleware adds permissive CORS headers for local network access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, api-key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
