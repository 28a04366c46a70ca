package api

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/servicehero/flowd/internal/engine"
	"github.com/servicehero/flowd/internal/identity"
	"github.com/servicehero/flowd/internal/store"
	"github.com/servicehero/flowd/internal/streaming"
	"github.com/servicehero/flowd/internal/validation"
)

// Deps holds the dependencies for the API server.
type Deps struct {
	Store     store.Store
	Executor  engine.Executor
	Hub       streaming.EventHub
	Validator *validation.TemplateValidator
	Quota     *identity.Quota
	Logger    *slog.Logger
}

// Server serves the JSON API and SSE streams.
type Server struct {
	deps Deps
}

// NewServer creates a new API server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for all API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Templates.
	mux.HandleFunc("POST /api/templates", s.handleRegisterTemplate)
	mux.HandleFunc("GET /api/templates", s.handleListTemplates)
	mux.HandleFunc("POST /api/templates/validate", s.handleValidateTemplate)
	mux.HandleFunc("GET /api/templates/{id}", s.handleGetTemplate)
	mux.HandleFunc("DELETE /api/templates/{id}", s.handleDeleteTemplate)
	mux.HandleFunc("GET /api/templates/{id}/diagram", s.handleTemplateDiagram)

	// Executions.
	mux.HandleFunc("POST /api/executions", s.handleStartExecution)
	mux.HandleFunc("GET /api/executions", s.handleListExecutions)
	mux.HandleFunc("GET /api/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("POST /api/executions/{id}/cancel", s.handleCancelExecution)
	mux.HandleFunc("GET /api/executions/{id}/events", s.handleExecutionEvents)
	mux.HandleFunc("GET /api/executions/{id}/diagram", s.handleExecutionDiagram)

	// Analytics and resilience state.
	mux.HandleFunc("GET /api/analytics", s.handleAnalytics)
	mux.HandleFunc("GET /api/breakers", s.handleBreakers)

	// Scheduled triggers.
	mux.HandleFunc("POST /api/triggers", s.handleCreateTrigger)
	mux.HandleFunc("GET /api/triggers", s.handleListTriggers)
	mux.HandleFunc("GET /api/triggers/{id}", s.handleGetTrigger)
	mux.HandleFunc("PATCH /api/triggers/{id}", s.handleUpdateTrigger)
	mux.HandleFunc("DELETE /api/triggers/{id}", s.handleDeleteTrigger)

	// Tenants.
	mux.HandleFunc("POST /api/tenants", s.handleRegisterTenant)
	mux.HandleFunc("GET /api/tenants", s.handleListTenants)
	mux.HandleFunc("GET /api/tenants/{id}", s.handleGetTenant)
	mux.HandleFunc("GET /api/tenants/{id}/usage", s.handleTenantUsage)

	// SSE streams.
	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/executions/{id}", s.handleSSEExecution)

	return mux
}
