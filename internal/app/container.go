package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/acme/blast-dispatch/internal/api/handlers"
	"github.com/acme/blast-dispatch/internal/config"
	"github.com/acme/blast-dispatch/internal/infra/db"
	"github.com/acme/blast-dispatch/internal/infra/redis"
	"github.com/acme/blast-dispatch/internal/queue"
	"github.com/acme/blast-dispatch/internal/repository"
	memrepo "github.com/acme/blast-dispatch/internal/repository/memory"
	pgrepo "github.com/acme/blast-dispatch/internal/repository/postgres"
	scyllarepo "github.com/acme/blast-dispatch/internal/repository/scylla"
	"github.com/acme/blast-dispatch/internal/scheduler"
	campaignsvc "github.com/acme/blast-dispatch/internal/service/campaign"
	"github.com/acme/blast-dispatch/internal/service/concurrency"
	"github.com/acme/blast-dispatch/internal/service/dispatch"
	"github.com/acme/blast-dispatch/internal/service/health"
	"github.com/acme/blast-dispatch/internal/service/quota"
	"github.com/acme/blast-dispatch/internal/service/risk"
	"github.com/acme/blast-dispatch/internal/service/safety"
	"github.com/acme/blast-dispatch/internal/transport"
	kafkatransport "github.com/acme/blast-dispatch/internal/transport/kafka"
	mocktransport "github.com/acme/blast-dispatch/internal/transport/mock"
	"github.com/acme/blast-dispatch/internal/worker/outcome"
	"github.com/acme/blast-dispatch/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger
	Clock  clockwork.Clock

	// nil when the memory storage driver is selected or the backend is
	// disabled in config
	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	components struct {
		once         sync.Once
		repositories *repositories
		services     *services
		publishers   *publishers
		pool         *dispatch.Pool
	}
}

type repositories struct {
	Campaigns repository.CampaignRepository
	Tasks     repository.RecipientTaskRepository
	Stats     repository.CampaignStatisticsRepository
	Health    repository.HealthRepository
	Safety    repository.SafetyConfigRepository
	Attempts  repository.AttemptStore
}

type services struct {
	Campaign *campaignsvc.Service
	Configs  *safety.ConfigService
	Limiter  *safety.Limiter
	Health   *health.Tracker
	Risk     *risk.Service
	Quota    *quota.Checker
}

type publishers struct {
	Outcomes *queue.OutcomePublisher
	Outbound *queue.OutboundWriter
	Recorder *outcome.Recorder
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	container := &Container{
		Config: cfg,
		Logger: lg,
		Clock:  clockwork.NewRealClock(),
	}

	if cfg.Storage.Driver == "memory" {
		return container, nil
	}

	container.Postgres, err = db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}

	if cfg.Scylla.Enabled {
		container.Scylla, err = db.NewScylla(cfg.Scylla)
		if err != nil {
			_ = container.Close(ctx)
			return nil, fmt.Errorf("bootstrap scylla: %w", err)
		}
	}

	if cfg.Redis.Address != "" {
		container.Redis, err = redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			_ = container.Close(ctx)
			return nil, fmt.Errorf("bootstrap redis: %w", err)
		}
	}

	if cfg.Kafka.Enabled {
		container.Kafka, err = queue.NewKafka(cfg.Kafka)
		if err != nil {
			_ = container.Close(ctx)
			return nil, fmt.Errorf("bootstrap kafka: %w", err)
		}
	}

	return container, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		repos := c.buildRepositories()
		pubs := c.buildPublishers(repos)

		configs := safety.NewConfigService(repos.Safety, safety.DefaultsFromConfig(c.Config.Safety))
		loc, err := time.LoadLocation(c.Config.Safety.WindowLocation)
		if err != nil {
			loc = time.UTC
		}

		tracker := health.NewTracker(repos.Health, configs, c.Clock, c.Config.Health.Window, c.Logger)
		limiter := safety.NewLimiter(c.counterStore(), tracker, c.Clock, loc, c.Logger)
		assessor := risk.NewService(tracker, limiter, c.Clock, loc)
		checker := quota.NewChecker(repos.Campaigns, c.Config.Quota.MaxActiveCampaigns)

		deps := dispatch.Deps{
			Limiter:   limiter,
			Transport: c.transport(pubs),
			Health:    tracker,
			Clock:     c.Clock,
			Logger:    c.Logger,
		}
		if pubs.Outcomes != nil {
			deps.Publisher = pubs.Outcomes
		} else {
			deps.Publisher = pubs.Recorder
		}
		if c.Redis != nil && c.Config.Dispatch.DistributedGate {
			deps.Gate = concurrency.NewLimiter(c.Redis.Inner(), c.Redis.Prefix(), c.Config.Dispatch.GateTTL)
		}

		pool := dispatch.NewPool(dispatch.Config{
			WorkersPerAccount: c.Config.Dispatch.WorkersPerAccount,
			SendTimeout:       c.Config.Dispatch.SendTimeout,
			MaxAttempts:       c.Config.Retry.MaxAttempts,
			BaseDelay:         c.Config.Retry.BaseDelay,
			MaxDelay:          c.Config.Retry.MaxDelay,
			Jitter:            c.Config.Retry.Jitter,
			ErrorBackoff:      c.Config.Dispatch.QuotaErrorBackoff,
		}, deps)

		campaigns := campaignsvc.NewService(campaignsvc.Deps{
			Campaigns:  repos.Campaigns,
			Tasks:      repos.Tasks,
			Stats:      repos.Stats,
			Configs:    configs,
			Risk:       assessor,
			Quota:      checker,
			Dispatcher: pool,
			Clock:      c.Clock,
			Logger:     c.Logger,
		})
		pool.SetReporter(campaigns)

		c.components.repositories = repos
		c.components.publishers = pubs
		c.components.pool = pool
		c.components.services = &services{
			Campaign: campaigns,
			Configs:  configs,
			Limiter:  limiter,
			Health:   tracker,
			Risk:     assessor,
			Quota:    checker,
		}
	})
}

func (c *Container) buildRepositories() *repositories {
	if c.Postgres == nil {
		return &repositories{
			Campaigns: memrepo.NewCampaignRepository(),
			Tasks:     memrepo.NewRecipientTaskRepository(),
			Stats:     memrepo.NewCampaignStatisticsRepository(),
			Health:    memrepo.NewHealthRepository(),
			Safety:    memrepo.NewSafetyConfigRepository(),
			Attempts:  memrepo.NewAttemptStore(),
		}
	}

	repos := &repositories{
		Campaigns: pgrepo.NewCampaignRepository(c.Postgres.DB()),
		Tasks:     pgrepo.NewRecipientTaskRepository(c.Postgres.DB()),
		Stats:     pgrepo.NewCampaignStatisticsRepository(c.Postgres.DB()),
		Health:    pgrepo.NewHealthRepository(c.Postgres.DB()),
		Safety:    pgrepo.NewSafetyConfigRepository(c.Postgres.DB()),
	}
	if c.Scylla != nil {
		repos.Attempts = scyllarepo.NewAttemptStore(c.Scylla.Session())
	} else {
		repos.Attempts = memrepo.NewAttemptStore()
	}
	return repos
}

func (c *Container) buildPublishers(repos *repositories) *publishers {
	pubs := &publishers{Recorder: outcome.NewRecorder(repos.Attempts)}
	if c.Kafka == nil {
		return pubs
	}
	pubs.Outcomes = queue.NewOutcomePublisher(c.Kafka, c.Config.Kafka.OutcomeTopic)
	if c.Config.Transport.Provider == "kafka" {
		pubs.Outbound = queue.NewOutboundWriter(c.Kafka, c.Config.Kafka.OutboundTopic)
	}
	return pubs
}

// counterStore keeps quota windows in Redis. Config validation requires Redis
// for the postgres driver, so the memory store only backs the memory driver.
func (c *Container) counterStore() safety.CounterStore {
	if c.Redis != nil {
		return safety.NewRedisCounterStore(c.Redis.Inner(), c.Redis.Prefix())
	}
	return safety.NewMemoryCounterStore()
}

func (c *Container) transport(pubs *publishers) transport.Transport {
	if pubs.Outbound != nil {
		return kafkatransport.NewProvider(pubs.Outbound, c.Clock)
	}
	if c.Config.Transport.Provider == "kafka" {
		c.Logger.Warn("kafka transport requested but kafka is disabled, falling back to mock transport")
	}
	return mocktransport.NewProvider(c.Config.Transport, c.Clock)
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *repositories {
	c.initComponents()
	return c.components.repositories
}

// Services exposes initialized services.
func (c *Container) Services() *services {
	c.initComponents()
	return c.components.services
}

// Pool exposes the dispatch worker pool.
func (c *Container) Pool() *dispatch.Pool {
	c.initComponents()
	return c.components.pool
}

// Scheduler builds the scheduled-campaign starter.
func (c *Container) Scheduler() *scheduler.Scheduler {
	c.initComponents()
	return scheduler.New(c.components.services.Campaign, c.Config.Scheduler, c.Clock, c.Logger)
}

// OutcomeWorker builds the consumer that persists outcome events from Kafka.
func (c *Container) OutcomeWorker() (*outcome.Worker, error) {
	if c.Kafka == nil {
		return nil, errors.New("outcome worker: kafka is not enabled")
	}
	c.initComponents()
	reader := c.Kafka.NewReader(c.Config.Kafka.OutcomeTopic, c.Config.Kafka.OutcomeConsumerGroup)
	return outcome.New(reader, c.components.publishers.Recorder, c.Logger), nil
}

// HandlerSet builds HTTP handlers with dependencies.
func (c *Container) HandlerSet() *handlers.HandlerSet {
	c.initComponents()
	svc := c.components.services
	return handlers.NewHandlerSet(handlers.Deps{
		Campaigns: svc.Campaign,
		Configs:   svc.Configs,
		Limiter:   svc.Limiter,
		Health:    svc.Health,
		Risk:      svc.Risk,
		Attempts:  c.components.repositories.Attempts,
		Checks:    c.checks(),
		Logger:    c.Logger,
	})
}

func (c *Container) checks() map[string]handlers.Check {
	checks := make(map[string]handlers.Check)
	if c.Postgres != nil {
		checks["postgres"] = c.Postgres.Check
	}
	if c.Scylla != nil {
		checks["scylla"] = c.Scylla.Check
	}
	if c.Redis != nil {
		checks["redis"] = c.Redis.Check
	}
	return checks
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	if c.Kafka == nil {
		return nil
	}
	partitions := c.Config.Kafka.Partitions
	if partitions <= 0 {
		partitions = 6
	}
	topics := []string{c.Config.Kafka.OutcomeTopic, c.Config.Kafka.OutboundTopic}
	return c.Kafka.EnsureTopics(ctx, topics, partitions, 1)
}

// Close releases all held resources. The pool is closed first so in-flight
// sends can still publish their outcomes.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if c.components.pool != nil {
		c.components.pool.Close()
	}
	if p := c.components.publishers; p != nil {
		if p.Outcomes != nil {
			if err := p.Outcomes.Close(); err != nil {
				errs = append(errs, fmt.Errorf("outcome publisher close: %w", err))
			}
		}
		if p.Outbound != nil {
			if err := p.Outbound.Close(); err != nil {
				errs = append(errs, fmt.Errorf("outbound writer close: %w", err))
			}
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	return errors.Join(errs...)
}
