package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Garl-Protocol/garl/internal/feed"
	"github.com/Garl-Protocol/garl/internal/handlers"
	"github.com/Garl-Protocol/garl/internal/middleware"
)

// Server owns the HTTP surface: REST API, metrics, health and the live feed.
type Server struct {
	router *mux.Router
	http   *http.Server
	logger *log.Logger
}

// NewRouter assembles every route with its middleware stack. Split out from
// NewServer so tests can drive the full router through httptest.
func NewRouter(h *handlers.Handlers, rl *middleware.RateLimiter, hub *feed.Hub, allowedOrigins []string) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.CORS(allowedOrigins))
	r.Use(middleware.Logging)

	// Operational endpoints live outside /api/v1.
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/.well-known/agent-card.json", h.AgentCard).Methods("GET")
	if hub != nil {
		r.Handle("/feed/live", hub)
	}

	api := r.PathPrefix("/api/v1").Subrouter()

	limited := func(tier middleware.Tier, fn http.HandlerFunc) http.Handler {
		return rl.Middleware(tier, fn)
	}

	// Registration
	api.Handle("/agents", limited(middleware.TierRegister, h.Register)).Methods("POST")
	api.Handle("/agents/register", limited(middleware.TierRegister, h.Register)).Methods("POST")
	api.Handle("/agents/auto-register", limited(middleware.TierAutoRegister, h.AutoRegister)).Methods("POST")

	// Discovery and read surface
	api.Handle("/agents/search", limited(middleware.TierDefault, h.Search)).Methods("GET")
	api.Handle("/agents/{id}", limited(middleware.TierDefault, h.GetAgent)).Methods("GET")
	api.Handle("/agents/{id}/detail", limited(middleware.TierDefault, h.GetAgentDetail)).Methods("GET")
	api.Handle("/agents/{id}/history", limited(middleware.TierDefault, h.GetAgentHistory)).Methods("GET")
	api.Handle("/agents/{id}/traces", limited(middleware.TierDefault, h.GetAgentTraces)).Methods("GET")
	api.Handle("/agents/{id}/card", limited(middleware.TierDefault, h.GetAgentCardByPath)).Methods("GET")
	api.Handle("/agents/{id}/compliance", limited(middleware.TierDefault, h.Compliance)).Methods("GET")
	api.Handle("/agents/{id}/endorsements", limited(middleware.TierDefault, h.GetEndorsements)).Methods("GET")
	api.Handle("/endorsements/{id}", limited(middleware.TierDefault, h.GetEndorsements)).Methods("GET")

	// Lifecycle
	api.Handle("/agents/{id}", limited(middleware.TierWrite, h.DeleteAgent)).Methods("DELETE")
	api.Handle("/agents/{id}/anonymize", limited(middleware.TierWrite, h.AnonymizeAgent)).Methods("POST")

	// Webhook management. The key-only routes act on the authenticated
	// agent; the /agents/{id} forms also check the key owns {id}.
	api.Handle("/webhooks", limited(middleware.TierWrite, h.CreateWebhook)).Methods("POST")
	api.Handle("/webhooks", limited(middleware.TierDefault, h.ListWebhooks)).Methods("GET")
	api.Handle("/webhooks/{wh}", limited(middleware.TierDefault, h.GetWebhook)).Methods("GET")
	api.Handle("/webhooks/{wh}", limited(middleware.TierWrite, h.UpdateWebhook)).Methods("PATCH")
	api.Handle("/webhooks/{wh}", limited(middleware.TierWrite, h.DeleteWebhook)).Methods("DELETE")
	api.Handle("/agents/{id}/webhooks", limited(middleware.TierWrite, h.CreateWebhook)).Methods("POST")
	api.Handle("/agents/{id}/webhooks", limited(middleware.TierDefault, h.ListWebhooks)).Methods("GET")
	api.Handle("/agents/{id}/webhooks/{wh}", limited(middleware.TierWrite, h.UpdateWebhook)).Methods("PATCH")
	api.Handle("/agents/{id}/webhooks/{wh}", limited(middleware.TierWrite, h.DeleteWebhook)).Methods("DELETE")

	// Trace intake. /verify is the canonical protocol surface; /traces is
	// kept as an equivalent alias.
	api.Handle("/verify", limited(middleware.TierWrite, h.SubmitTrace)).Methods("POST")
	api.Handle("/verify/batch", limited(middleware.TierBatch, h.SubmitBatch)).Methods("POST")
	api.Handle("/verify/check", limited(middleware.TierDefault, h.CheckCertificate)).Methods("POST")
	api.Handle("/traces", limited(middleware.TierWrite, h.SubmitTrace)).Methods("POST")
	api.Handle("/traces/batch", limited(middleware.TierBatch, h.SubmitBatch)).Methods("POST")
	api.Handle("/traces/{id}", limited(middleware.TierDefault, h.GetTrace)).Methods("GET")
	api.Handle("/certificates/verify", limited(middleware.TierDefault, h.CheckCertificate)).Methods("POST")
	api.Handle("/feed", limited(middleware.TierDefault, h.Feed)).Methods("GET")

	// Trust queries
	api.Handle("/trust/verify", limited(middleware.TierDefault, h.TrustVerify)).Methods("GET")
	api.Handle("/trust/route", limited(middleware.TierDefault, h.TrustRoute)).Methods("GET")
	api.Handle("/trust/compare", limited(middleware.TierDefault, h.Compare)).Methods("GET")
	api.Handle("/endorse", limited(middleware.TierWrite, h.Endorse)).Methods("POST")

	// Public stats and badges
	api.Handle("/stats", limited(middleware.TierDefault, h.GetStats)).Methods("GET")
	api.Handle("/leaderboard", limited(middleware.TierDefault, h.Leaderboard)).Methods("GET")
	api.Handle("/badge/{id}", limited(middleware.TierDefault, h.Badge)).Methods("GET")
	api.Handle("/badge/svg/{id}", limited(middleware.TierDefault, h.BadgeSVG)).Methods("GET")

	return r
}

// NewServer wraps the router in an http.Server with sane timeouts.
func NewServer(port string, router *mux.Router) *Server {
	return &Server{
		router: router,
		http: &http.Server{
			Addr:         ":" + port,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Printf("🚀 GARL API listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
