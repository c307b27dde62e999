// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2asrv"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/loom"
	"github.com/kadirpekel/loom/pkg/agent"
	"github.com/kadirpekel/loom/pkg/auth"
	"github.com/kadirpekel/loom/pkg/bus"
	"github.com/kadirpekel/loom/pkg/config"
	"github.com/kadirpekel/loom/pkg/observability"
	"github.com/kadirpekel/loom/pkg/task"
)

const shutdownTimeout = 10 * time.Second

// Server is the HTTP surface of the runtime: the A2A JSON-RPC endpoint,
// the agent card, health and metrics.
type Server struct {
	cfg   *config.Config
	agent *agent.Executor
	tasks *task.Store
	buses *bus.Manager

	validator *auth.Validator
	obs       *observability.Manager

	card       *a2a.AgentCard
	httpServer *http.Server
}

// Option configures the server.
type Option func(*Server)

// WithAuthValidator enables bearer JWT validation on the A2A endpoint and
// advertises the scheme on the agent card.
func WithAuthValidator(v *auth.Validator) Option {
	return func(s *Server) {
		s.validator = v
	}
}

// WithObservability attaches the observability manager; the metrics
// endpoint is mounted when metrics are enabled in config.
func WithObservability(obs *observability.Manager) Option {
	return func(s *Server) {
		s.obs = obs
	}
}

// New creates a server over the runtime collaborators.
func New(cfg *config.Config, agentExec *agent.Executor, tasks *task.Store, buses *bus.Manager, opts ...Option) *Server {
	s := &Server{
		cfg:   cfg,
		agent: agentExec,
		tasks: tasks,
		buses: buses,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.card = s.buildAgentCard()
	return s
}

// Address returns the host:port the server binds to.
func (s *Server) Address() string {
	return fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
}

// Card returns the agent card the server advertises.
func (s *Server) Card() *a2a.AgentCard {
	return s.card
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.Address(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		WriteTimeout:      0, // streaming responses have no deadline
		IdleTimeout:       120 * time.Second,
	}

	slog.Info("server starting", "address", s.Address(), "agent", s.card.Name)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		slog.Info("server shutting down")
		return s.httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Handler builds the router:
//
//	GET  /.well-known/agent-card.json  agent card
//	POST /                             A2A JSON-RPC
//	GET  /health                       liveness
//	GET  /metrics                      prometheus (when enabled)
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogging)
	r.Use(corsHeaders)

	r.Get("/health", handleHealth)

	if s.cfg.Observability.Metrics {
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	}

	cardHandler := a2asrv.NewStaticAgentCardHandler(s.card)
	r.Get(a2asrv.WellKnownAgentCardPath, cardHandler.ServeHTTP)

	// The JSON-RPC endpoint is the only authenticated surface; card,
	// health and metrics stay public.
	r.Group(func(g chi.Router) {
		if s.validator != nil {
			g.Use(s.validator.Middleware)
		}

		executor := NewExecutor(s.agent, s.tasks, s.buses)
		handler := a2asrv.NewHandler(executor, a2asrv.WithTaskStore(NewTaskStore(s.tasks)))
		g.Method(http.MethodPost, "/", a2asrv.NewJSONRPCHandler(handler))
	})

	return r
}

// buildAgentCard assembles the A2A agent card from config.
func (s *Server) buildAgentCard() *a2a.AgentCard {
	agentCfg := s.cfg.Agent

	card := &a2a.AgentCard{
		Name:               agentCfg.Name,
		Description:        agentCfg.Description,
		URL:                "http://" + s.Address() + "/",
		Version:            loom.Version,
		ProtocolVersion:    "1.0",
		DefaultInputModes:  []string{"text/plain"},
		DefaultOutputModes: []string{"text/plain"},
		Skills: []a2a.AgentSkill{{
			ID:          agentCfg.Name,
			Name:        agentCfg.Name,
			Description: agentCfg.Description,
			Tags:        []string{"general", "assistant"},
		}},
		Capabilities: a2a.AgentCapabilities{
			Streaming:              true,
			PushNotifications:      false,
			StateTransitionHistory: false,
		},
		PreferredTransport: a2a.TransportProtocolJSONRPC,
		Provider: &a2a.AgentProvider{
			Org: "Loom",
			URL: "https://github.com/kadirpekel/loom",
		},
	}

	if s.validator != nil {
		card.SecuritySchemes = a2a.NamedSecuritySchemes{
			"BearerAuth": a2a.HTTPAuthSecurityScheme{
				Scheme:       "bearer",
				BearerFormat: "JWT",
				Description:  "JWT bearer token authentication",
			},
		}
		card.Security = []a2a.SecurityRequirements{
			{"BearerAuth": a2a.SecuritySchemeScopes{}},
		}
	}

	return card
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// corsHeaders applies permissive CORS for browser clients.
func corsHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogging logs requests. The ResponseWriter is deliberately not
// wrapped: wrapping breaks http.Flusher for streaming responses.
func requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}
