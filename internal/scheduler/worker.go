package scheduler

import (
	"context"
	"errors"
	"fmt"

	routingrepo "leadrouter_backend/internal/routing/repository"
	routingsvc "leadrouter_backend/internal/routing/service"
	"leadrouter_backend/platform/apperr"
	"leadrouter_backend/platform/config"
	"leadrouter_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Router is the matcher surface the worker drives.
type Router interface {
	RouteLead(ctx context.Context, leadID uuid.UUID, tenantID uuid.UUID) (routingrepo.Decision, error)
}

// Worker consumes routing tasks from the asynq queue.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	router Router
	log    *logger.Logger
}

func NewWorker(cfg config.SchedulerConfig, router Router, log *logger.Logger) (*Worker, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	queue := cfg.GetAsynqQueueName()
	if queue == "" {
		queue = "default"
	}

	concurrency := cfg.GetAsynqConcurrency()
	if concurrency < 1 {
		concurrency = 10
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queue: 1,
		},
	})

	mux := asynq.NewServeMux()
	w := &Worker{
		server: server,
		mux:    mux,
		router: router,
		log:    log,
	}

	mux.HandleFunc(TaskRerouteLead, w.handleRerouteLead)

	return w, nil
}

func (w *Worker) handleRerouteLead(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseRerouteLeadPayload(task)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	leadID, err := uuid.Parse(payload.LeadID)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	tenantID, err := uuid.Parse(payload.TenantID)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	decision, err := w.router.RouteLead(ctx, leadID, tenantID)
	switch {
	case err == nil:
		w.log.RoutingEvent("lead rerouted", leadID.String(), decision.AgentID.String(), decision.Confidence)
		return nil
	case errors.Is(err, routingsvc.ErrNoAgentAvailable):
		// Keep the task; asynq backs off and retries while the lead
		// waits in its queue.
		return err
	case apperr.Is(err, apperr.KindNotFound), apperr.Is(err, apperr.KindConflict):
		// Lead was deleted, resolved, or escalated since the timeout.
		w.log.Info("reroute dropped", "leadId", payload.LeadID, "reason", err.Error())
		return nil
	default:
		return err
	}
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("scheduler worker stopped", "error", err)
	}
}
