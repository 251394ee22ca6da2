package scheduler

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/acme/blast-dispatch/internal/config"
	"github.com/acme/blast-dispatch/pkg/logger"
)

// Starter starts pending campaigns whose schedule time has passed.
type Starter interface {
	StartDue(ctx context.Context, limit int) (int, error)
}

// Scheduler periodically starts scheduled campaigns. Due campaigns are found
// by comparing stored schedule times with the wall clock on every tick, so a
// restart never loses a schedule.
type Scheduler struct {
	starter Starter
	cfg     config.SchedulerConfig
	clock   clockwork.Clock
	log     *logger.Logger
}

// New constructs a scheduler.
func New(starter Starter, cfg config.SchedulerConfig, clock clockwork.Clock, log *logger.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Scheduler{starter: starter, cfg: cfg, clock: clock, log: log.Named("scheduler")}
}

// Run executes the scheduling loop until cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.cfg.TickInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.tick(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("scheduler tick failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) error {
	sctx, span := otel.Tracer("blast.scheduler").Start(ctx, "scheduler.tick")
	defer span.End()

	started, err := s.starter.StartDue(sctx, s.batchSize())
	span.SetAttributes(attribute.Int("campaigns.started", started))
	if started > 0 {
		s.log.Info("scheduler: started due campaigns", zap.Int("count", started))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (s *Scheduler) batchSize() int {
	if s.cfg.MaxBatchSize <= 0 {
		return 100
	}
	return s.cfg.MaxBatchSize
}
