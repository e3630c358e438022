package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/mealhub/gateway/internal/middleware"
	"github.com/mealhub/gateway/internal/router"
)

// RouteInfo is the admin and CLI view of one route.
type RouteInfo struct {
	Name      string `json:"name" yaml:"name"`
	Prefix    string `json:"prefix" yaml:"prefix"`
	Target    string `json:"target" yaml:"target"`
	Source    string `json:"source" yaml:"source"`
	Auth      bool   `json:"auth" yaml:"auth"`
	RateLimit string `json:"rate_limit" yaml:"rate_limit"`
	WebSocket bool   `json:"websocket" yaml:"websocket"`
}

// Routes flattens resolved entries in configuration order.
func Routes(resolved []router.Resolved) []RouteInfo {
	out := make([]RouteInfo, 0, len(resolved))
	for _, r := range resolved {
		out = append(out, RouteInfo{
			Name:      r.Entry.Name,
			Prefix:    r.Entry.Prefix,
			Target:    r.Entry.Target.URL(),
			Source:    string(r.Source),
			Auth:      r.Entry.AuthRequired,
			RateLimit: string(r.Entry.RateLimitClass),
			WebSocket: r.Entry.WebSocket,
		})
	}
	return out
}

func (s *Server) adminHandler() http.Handler {
	mux := httprouter.New()
	mux.GET("/health", s.handleHealth)
	mux.GET("/routes", s.handleRoutes)
	mux.GET("/upstreams", s.handleUpstreams)
	mux.Handler(http.MethodGet, "/metrics", s.gateway.Metrics().Handler())
	return middleware.Recovery()(mux)
}

// handleHealth reports readiness, including the shared counter store.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	store := s.config.RateLimit.Store
	if store == "" {
		store = "memory"
	}
	resp := map[string]interface{}{
		"status": "ok",
		"routes": s.gateway.Table().Len(),
		"store":  store,
	}

	status := http.StatusOK
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.gateway.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		resp["status"] = "degraded"
		resp["store_error"] = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Routes(s.gateway.Resolved()))
}

// handleUpstreams lists upstream transports with their redirect counters.
func (s *Server) handleUpstreams(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	pool := s.gateway.Transports()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"upstreams":        pool.Names(),
		"follow_redirects": s.config.Proxy.FollowRedirects,
		"redirects":        pool.Stats(),
	})
}
