package api

import (
	"github.com/gorilla/mux"

	"github.com/leadpilot/leadpilot/internal/config"
	"github.com/leadpilot/leadpilot/internal/dispatch"
	"github.com/leadpilot/leadpilot/internal/reply"
	"github.com/leadpilot/leadpilot/internal/rules"
	"github.com/leadpilot/leadpilot/pkg/repository"
)

// Services bundles the wired application pieces the handlers depend on.
type Services struct {
	Repo         *repository.Repository
	Engine       *rules.Engine
	Runner       *dispatch.Runner
	Dispatcher   *dispatch.Dispatcher
	Orchestrator *reply.Orchestrator
}

func SetupRoutes(cfg *config.Config, version, buildTime string, svc *Services) *mux.Router {
	r := mux.NewRouter()

	// Middleware chain
	r.Use(LoggingMiddleware)
	r.Use(CORSMiddleware)
	r.Use(RecoveryMiddleware)

	// Create handlers
	systemHandler := &SystemHandler{}
	authHandler := NewAuthHandler(svc.Repo.Agents, cfg.JWTSecret, cfg.TokenDuration)
	webhookHandler := NewWebhookHandler(svc.Orchestrator)
	rulesHandler := NewRulesHandler(svc.Repo.Rules, svc.Repo.RunLogs, svc.Engine)
	conversationsHandler := NewConversationsHandler(svc.Repo.Conversations)
	outboundHandler := NewOutboundHandler(svc.Repo.Jobs, svc.Runner, svc.Dispatcher)

	// Open endpoints
	r.HandleFunc("/version", systemHandler.VersionHandler(version, buildTime)).Methods("GET")
	r.HandleFunc("/health", systemHandler.HealthHandler).Methods("GET")
	r.HandleFunc("/v1/auth/signup", authHandler.Signup).Methods("POST")
	r.HandleFunc("/v1/auth/signin", authHandler.Signin).Methods("POST")

	// API v1 Protected routes
	apiV1 := r.PathPrefix("/v1").Subrouter()
	apiV1.Use(JWTAuthMiddlewareWithSecret(cfg.JWTSecret))

	// Auth endpoints
	authV1 := apiV1.PathPrefix("/auth").Subrouter()
	authV1.HandleFunc("/signout", authHandler.Signout).Methods("POST")

	// Inbound webhook
	apiV1.HandleFunc("/webhook/inbound", webhookHandler.Inbound).Methods("POST")

	// Automation rule endpoints
	apiV1.HandleFunc("/rules", rulesHandler.List).Methods("GET")
	apiV1.HandleFunc("/rules", rulesHandler.Save).Methods("POST")
	apiV1.HandleFunc("/rules/run", rulesHandler.Run).Methods("POST")
	apiV1.HandleFunc("/rules/runs", rulesHandler.Runs).Methods("GET")
	apiV1.HandleFunc("/rules/{key}", rulesHandler.Get).Methods("GET")
	apiV1.HandleFunc("/rules/{key}/enable", rulesHandler.SetEnabled(true)).Methods("POST")
	apiV1.HandleFunc("/rules/{key}/disable", rulesHandler.SetEnabled(false)).Methods("POST")

	// Conversation endpoints
	apiV1.HandleFunc("/conversations/{id}", conversationsHandler.Get).Methods("GET")
	apiV1.HandleFunc("/conversations/{id}/reopen", conversationsHandler.Reopen).Methods("POST")

	// Outbound queue endpoints
	apiV1.HandleFunc("/outbound/process", outboundHandler.Process).Methods("POST")
	apiV1.HandleFunc("/outbound/stats", outboundHandler.Stats).Methods("GET")
	apiV1.HandleFunc("/outbound/jobs/{id}", outboundHandler.GetJob).Methods("GET")
	apiV1.HandleFunc("/outbound/jobs/{id}/retry", outboundHandler.RetryJob).Methods("POST")

	return r
}
