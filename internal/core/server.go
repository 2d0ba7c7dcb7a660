// Package core builds the HTTP server skeleton: router, global
// middleware, CORS and the shared JSON helpers.
package core

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/supportchat/authgate/internal/config"
)

// Server owns the router and the global middleware stack. Feature
// packages attach their routes through the mount callback so core stays
// free of upward dependencies.
type Server struct {
	config config.Config
	log    *logrus.Logger
	router chi.Router
}

// NewServer assembles the router. mount is called once with the router
// after the global middleware is installed.
func NewServer(cfg config.Config, log *logrus.Logger, mount func(chi.Router)) *Server {
	s := &Server{config: cfg, log: log}

	r := chi.NewRouter()

	r.Use(Recovery(log))
	r.Use(RequestLogger(log))
	r.Use(SecurityHeaders)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	rateLimiter := NewRateLimiter(100, time.Minute)
	r.Use(rateLimiter.Limit)

	r.Get("/healthz", s.handleHealth)

	if mount != nil {
		mount(r)
	}

	s.router = r
	return s
}

// Router returns the configured router.
func (s *Server) Router() chi.Router {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"status":      "ok",
		"environment": s.config.Environment,
	})
}

// WriteJSON writes data as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// WriteError writes the uniform JSON error body.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}
