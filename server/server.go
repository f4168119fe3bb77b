package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/jrsteele09/campus-attendance/attendance"
	"github.com/jrsteele09/campus-attendance/identity"
	"github.com/jrsteele09/campus-attendance/internal/config"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// HealthCheck reports whether a dependency (e.g. the database) is reachable.
type HealthCheck func(ctx context.Context) error

type Server struct {
	env        string // Environment (e.g., "DEV", "PROD")
	mux        *http.ServeMux
	routes     []string
	config     config.Config
	attendance *attendance.Service
	verifier   identity.Verifier
	tokens     *TokenHub
	validate   *validator.Validate
	upgrader   websocket.Upgrader
	health     HealthCheck
}

type Option func(*Server)

func WithHealthCheck(check HealthCheck) Option {
	return func(s *Server) {
		s.health = check
	}
}

func New(config config.Config, service *attendance.Service, verifier identity.Verifier, tokens *TokenHub, options ...Option) (*Server, error) {
	if service == nil || verifier == nil {
		return nil, errors.New("[Server New] attendance service and identity verifier are required")
	}
	if tokens == nil {
		tokens = NewTokenHub()
	}

	s := &Server{
		env:        config.GetEnv(),
		mux:        http.NewServeMux(),
		config:     config,
		attendance: service,
		verifier:   verifier,
		tokens:     tokens,
		validate:   validator.New(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	for _, opt := range options {
		opt(s)
	}

	s.initRoutes()
	s.logRoutes()

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) RegisterRouteHandler(pattern string, handler http.Handler) {
	s.routes = append(s.routes, pattern)
	s.mux.Handle(pattern, handler)
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return // Skip logging in non-development environments
	}
	for _, route := range s.routes {
		parts := strings.SplitN(route, " ", 2)

		if len(parts) > 1 {
			logRoute(parts[0], parts[1])
		} else {
			logRoute("", parts[0])
		}
	}
}

func logRoute(method, path string) {
	var displayMethod string
	paddedMethod := fmt.Sprintf(" %-7s", method)
	if color, ok := methodColors[method]; ok {
		displayMethod = color + paddedMethod + ResetColor
	} else {
		displayMethod = Gray + paddedMethod + ResetColor
	}
	log.Debug().Msgf("[%-19s] %s", displayMethod, path)
}

// checkOrigin applies the CORS allow-list to websocket upgrades.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	allowed := s.config.GetAllowedOrigins()
	return allowed.IsAllowedOrigin(origin) || allowed.IsAllowedOrigin("*")
}
