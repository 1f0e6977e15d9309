package adminapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	activeTunnels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ltserver_active_tunnels",
		Help: "Number of currently registered tunnel sessions",
	})

	connectedSockets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ltserver_connected_sockets",
		Help: "Number of currently connected reverse-tunnel sockets, summed across sessions",
	})

	killAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ltserver_kill_attempts_total",
		Help: "Total kill-endpoint attempts by result",
	}, []string{"result"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ltserver_admin_request_duration_seconds",
		Help:    "Admin API request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

// metricsHandler refreshes the gauges from the live registry immediately
// before every scrape, so activeTunnels and connectedSockets always
// reflect the current state rather than whatever they were last set to.
func (s *Server) metricsHandler() http.Handler {
	promHandler := promhttp.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		activeTunnels.Set(float64(s.Registry.Stats().Tunnels))
		connectedSockets.Set(float64(s.Registry.TotalConnectedSockets()))
		promHandler.ServeHTTP(w, r)
	})
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)

		pattern := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				pattern = p
			}
		}
		requestDuration.WithLabelValues(
			r.Method,
			pattern,
			strconv.Itoa(wrapped.Status()),
		).Observe(time.Since(start).Seconds())
	})
}
