// Package adminapi is the "external router" spec.md treats as out of
// scope for the core: the landing page, tunnel-creation endpoints, and the
// status/kill admin API, all mounted on a go-chi router.
package adminapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/zerolog"

	"github.com/rashidov-eu/lt-server/internal/tunnel"
)

// Server exposes the landing/creation/status/kill HTTP surface.
type Server struct {
	Domain   string
	Landing  string
	Secure   bool
	Registry *tunnel.ClientRegistry
	Log      zerolog.Logger

	router chi.Router
}

// NewServer builds the chi-backed router, including CORS and metrics
// middleware, and gzip compression on the two status endpoints.
func NewServer(domain, landing string, secure bool, registry *tunnel.ClientRegistry, log zerolog.Logger, corsOrigins []string) *Server {
	s := &Server{Domain: domain, Landing: landing, Secure: secure, Registry: registry, Log: log}

	r := chi.NewRouter()
	r.Use(metricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	gz := gzhttp.GzipHandler

	r.Get("/", s.handleLanding)
	r.Get("/api/status", gz(http.HandlerFunc(s.handleStatus)).ServeHTTP)
	r.Get("/api/tunnels/{id}/status", gz(http.HandlerFunc(s.handleTunnelStatus)).ServeHTTP)
	r.Post("/api/tunnels/{id}/kill", s.handleKill)
	r.Get("/metrics", s.metricsHandler().ServeHTTP)
	r.Get("/{id}", s.handleCreateNamed)

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleLanding(w http.ResponseWriter, r *http.Request) {
	if _, ok := r.URL.Query()["new"]; ok {
		s.createClient(w, r, "")
		return
	}
	if s.Landing == "" {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, s.Landing, http.StatusFound)
}

func (s *Server) handleCreateNamed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !tunnel.SubdomainPattern.MatchString(id) {
		http.Error(w, "invalid subdomain", http.StatusForbidden)
		return
	}
	s.createClient(w, r, id)
}

func (s *Server) createClient(w http.ResponseWriter, r *http.Request, requestedID string) {
	bearer := bearerToken(r)
	result, err := s.Registry.NewClient(r.Context(), requestedID, bearer)
	if err != nil {
		s.Log.Warn().Err(err).Str("requested_id", requestedID).Msg("failed to create client")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	scheme := "http"
	if s.Secure {
		scheme = "https"
	}

	resp := map[string]any{
		"id":             result.ID,
		"port":           result.Port,
		"max_conn_count": result.MaxConnCount,
		"url":            fmt.Sprintf("%s://%s.%s", scheme, result.ID, s.Domain),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	writeJSON(w, http.StatusOK, map[string]any{
		"tunnels": s.Registry.Stats().Tunnels,
		"mem":     m.Alloc,
	})
}

func (s *Server) handleTunnelStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	session, ok := s.Registry.GetClient(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connected_sockets": session.AgentStats().ConnectedSockets,
	})
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	session, ok := s.Registry.GetClient(id)
	if !ok {
		killAttemptsTotal.WithLabelValues("unknown").Inc()
		http.NotFound(w, r)
		return
	}

	token := bearerToken(r)
	if token == "" || !session.IsAuthorized(token) {
		killAttemptsTotal.WithLabelValues("forbidden").Inc()
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	killAttemptsTotal.WithLabelValues("ok").Inc()
	s.Registry.RemoveClient(id)
	w.WriteHeader(http.StatusOK)
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return ""
	}
	return h[len(prefix):]
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
