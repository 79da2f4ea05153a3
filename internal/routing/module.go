// Package routing provides the agent matcher domain module.
package routing

import (
	"leadrouter_backend/internal/agents"
	agentrepo "leadrouter_backend/internal/agents/repository"
	"leadrouter_backend/internal/events"
	handoffrepo "leadrouter_backend/internal/handoff/repository"
	apphttp "leadrouter_backend/internal/http"
	leadrepo "leadrouter_backend/internal/leads/repository"
	"leadrouter_backend/internal/notification"
	"leadrouter_backend/internal/queue"
	"leadrouter_backend/internal/routing/handler"
	"leadrouter_backend/internal/routing/repository"
	"leadrouter_backend/internal/routing/service"
	"leadrouter_backend/internal/scoring"
	"leadrouter_backend/platform/config"
	"leadrouter_backend/platform/logger"
	"leadrouter_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
	redislib "github.com/redis/go-redis/v9"
)

// Module represents the routing domain module.
type Module struct {
	handler *handler.Handler
	service *service.Service
	agents  *agents.Service
}

// NewModule creates a routing module with all dependencies wired.
func NewModule(
	pool *pgxpool.Pool,
	redisClient *redislib.Client,
	eventBus *events.InMemoryBus,
	val *validator.Validator,
	cfg *config.Config,
	log *logger.Logger,
) (*Module, error) {
	agentsSvc, err := agents.NewService(agentrepo.New(pool), log)
	if err != nil {
		return nil, err
	}

	scorer := scoring.New(scoring.HeuristicClassifier{}, cfg, log)
	queueMgr := queue.NewManager(redisClient, log)
	notifier := notification.NewBusNotifier(eventBus, log)

	svc := service.New(
		leadrepo.New(pool),
		agentsSvc,
		queueMgr,
		scorer,
		repository.New(pool),
		handoffrepo.New(pool),
		notifier,
		eventBus,
		cfg,
		cfg,
		log,
	)

	return &Module{
		handler: handler.New(svc, val),
		service: svc,
		agents:  agentsSvc,
	}, nil
}

// Name returns the module name for logging.
func (m *Module) Name() string {
	return "routing"
}

// Service returns the matcher service for external use (sweeper, tasks).
func (m *Module) Service() *service.Service {
	return m.service
}

// Agents returns the agent registry service.
func (m *Module) Agents() *agents.Service {
	return m.agents
}

// RegisterRoutes registers the module's routes.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	routing := ctx.Tenant.Group("/routing")
	m.handler.RegisterRoutes(routing)
}

// Compile-time check that Module implements http.Module.
var _ apphttp.Module = (*Module)(nil)
