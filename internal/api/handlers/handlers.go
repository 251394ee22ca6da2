package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/blast-dispatch/internal/repository"
	campaignsvc "github.com/acme/blast-dispatch/internal/service/campaign"
	"github.com/acme/blast-dispatch/internal/service/health"
	"github.com/acme/blast-dispatch/internal/service/risk"
	"github.com/acme/blast-dispatch/internal/service/safety"
	"github.com/acme/blast-dispatch/pkg/logger"
)

// Check reports whether one backing dependency is reachable.
type Check func(ctx context.Context) error

// Deps are the services behind the HTTP surface.
type Deps struct {
	Campaigns *campaignsvc.Service
	Configs   *safety.ConfigService
	Limiter   *safety.Limiter
	Health    *health.Tracker
	Risk      *risk.Service
	Attempts  repository.AttemptStore
	Checks    map[string]Check
	Logger    *logger.Logger
}

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	campaigns *campaignsvc.Service
	configs   *safety.ConfigService
	limiter   *safety.Limiter
	health    *health.Tracker
	risk      *risk.Service
	attempts  repository.AttemptStore
	checks    map[string]Check
	log       *logger.Logger
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(deps Deps) *HandlerSet {
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	return &HandlerSet{
		campaigns: deps.Campaigns,
		configs:   deps.Configs,
		limiter:   deps.Limiter,
		health:    deps.Health,
		risk:      deps.Risk,
		attempts:  deps.Attempts,
		checks:    deps.Checks,
		log:       deps.Logger.Named("http"),
	}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.healthz)

	v1 := app.Group("/api").Group("/v1")

	campaigns := v1.Group("/campaigns")
	campaigns.Post("/", h.createCampaign)
	campaigns.Get("/", h.listCampaigns)
	campaigns.Get("/:id", h.getCampaign)
	campaigns.Delete("/:id", h.deleteCampaign)
	campaigns.Get("/:id/progress", h.campaignProgress)
	campaigns.Post("/:id/start", h.startCampaign)
	campaigns.Post("/:id/pause", h.pauseCampaign)
	campaigns.Post("/:id/resume", h.resumeCampaign)
	campaigns.Post("/:id/abort", h.abortCampaign)
	campaigns.Get("/:id/attempts", h.listAttempts)

	safetyGroup := v1.Group("/safety")
	safetyGroup.Post("/pause-all", h.pauseAll)
	safetyGroup.Post("/resume-all", h.resumeAll)
	safetyGroup.Get("/config", h.getSafetyConfig)
	safetyGroup.Put("/config", h.putSafetyConfig)
	safetyGroup.Delete("/config", h.deleteSafetyConfig)

	v1.Post("/risk/assess", h.assessRisk)

	accounts := v1.Group("/accounts")
	accounts.Get("/:id/health", h.accountHealth)
	accounts.Get("/:id/usage", h.accountUsage)
	accounts.Post("/:id/feedback", h.accountFeedback)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.log.WithContext(ctx.UserContext()).Error("request failed",
			zap.String("path", ctx.Path()), zap.Error(err))
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) healthz(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.UserContext(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)
	for name, check := range h.checks {
		if err := check(healthCtx); err != nil {
			errs[name] = err.Error()
		}
	}

	status := fiber.StatusOK
	state := "ok"
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
		state = "degraded"
	}

	return ctx.Status(status).JSON(fiber.Map{"status": state, "errors": errs})
}
