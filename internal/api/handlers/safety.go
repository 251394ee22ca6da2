package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/blast-dispatch/internal/domain"
	"github.com/acme/blast-dispatch/internal/service/risk"
)

type pauseAllRequest struct {
	Reason string `json:"reason"`
}

type resumeAllRequest struct {
	CampaignIDs []uuid.UUID `json:"campaign_ids"`
}

type bulkResponse struct {
	CampaignIDs []uuid.UUID `json:"campaign_ids"`
	Error       string      `json:"error,omitempty"`
}

type safetyConfigRequest struct {
	Scope  domain.SafetyScope  `json:"scope"`
	ID     string              `json:"id"`
	Config domain.SafetyConfig `json:"config"`
}

type safetyConfigResponse struct {
	Config domain.SafetyConfig `json:"config"`
	Source string              `json:"source"`
}

type assessRequest struct {
	AccountID      string               `json:"account_id"`
	OrganizationID string               `json:"organization_id"`
	RecipientCount int                  `json:"recipient_count"`
	Content        string               `json:"content"`
	HasMedia       bool                 `json:"has_media"`
	ScheduledAt    *time.Time           `json:"scheduled_at"`
	Safety         *domain.SafetyConfig `json:"safety"`
}

type assessmentResponse struct {
	Level            domain.RiskLevel `json:"risk_level"`
	Score            int              `json:"risk_score"`
	Factors          []string         `json:"factors"`
	ShouldProceed    bool             `json:"should_proceed"`
	SuggestedDelayMs int64            `json:"suggested_delay_ms"`
}

type healthResponse struct {
	AccountID        string              `json:"account_id"`
	WindowStart      time.Time           `json:"window_start"`
	Sent             int64               `json:"sent"`
	Failed           int64               `json:"failed"`
	Blocked          int64               `json:"blocked"`
	Reported         int64               `json:"reported"`
	MessagesLimit24h int                 `json:"messages_limit_24h"`
	BlockRate        float64             `json:"block_rate"`
	ReportRate       float64             `json:"report_rate"`
	FailureRate      float64             `json:"failure_rate"`
	QualityScore     float64             `json:"quality_score"`
	Status           domain.HealthStatus `json:"status"`
}

type usageResponse struct {
	AccountID string    `json:"account_id"`
	HourStart time.Time `json:"hour_start"`
	HourCount int       `json:"hour_count"`
	DayStart  time.Time `json:"day_start"`
	DayCount  int       `json:"day_count"`
}

type feedbackRequest struct {
	Kind domain.OutcomeKind `json:"kind"`
}

func (h *HandlerSet) pauseAll(ctx *fiber.Ctx) error {
	var req pauseAllRequest
	if len(ctx.Body()) > 0 {
		if err := ctx.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid request body")
		}
	}

	ids, err := h.campaigns.PauseAll(ctx.UserContext(), req.Reason)
	return bulkResult(ctx, ids, err)
}

func (h *HandlerSet) resumeAll(ctx *fiber.Ctx) error {
	var req resumeAllRequest
	if len(ctx.Body()) > 0 {
		if err := ctx.BodyParser(&req); err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid request body")
		}
	}

	ids, err := h.campaigns.ResumeAll(ctx.UserContext(), req.CampaignIDs)
	return bulkResult(ctx, ids, err)
}

// bulkResult reports partial success: the ids that were changed plus the
// joined errors of the rest.
func bulkResult(ctx *fiber.Ctx, ids []uuid.UUID, err error) error {
	if ids == nil {
		ids = []uuid.UUID{}
	}
	resp := bulkResponse{CampaignIDs: ids}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = http.StatusMultiStatus
	}
	return ctx.Status(status).JSON(resp)
}

func (h *HandlerSet) getSafetyConfig(ctx *fiber.Ctx) error {
	cfg, source, err := h.configs.Resolve(ctx.UserContext(), ctx.Query("account_id"), ctx.Query("organization_id"))
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(safetyConfigResponse{Config: cfg, Source: string(source)})
}

func (h *HandlerSet) putSafetyConfig(ctx *fiber.Ctx) error {
	var req safetyConfigRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	if err := h.configs.Set(ctx.UserContext(), req.Scope, req.ID, req.Config); err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(safetyConfigResponse{Config: req.Config, Source: string(req.Scope)})
}

func (h *HandlerSet) deleteSafetyConfig(ctx *fiber.Ctx) error {
	scope := domain.SafetyScope(ctx.Query("scope"))
	if err := h.configs.Delete(ctx.UserContext(), scope, ctx.Query("id")); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) assessRisk(ctx *fiber.Ctx) error {
	var req assessRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	var cfg domain.SafetyConfig
	if req.Safety != nil {
		cfg = *req.Safety
	} else {
		resolved, _, err := h.configs.Resolve(ctx.UserContext(), req.AccountID, req.OrganizationID)
		if err != nil {
			return translateError(err)
		}
		cfg = resolved
	}

	assessment, err := h.risk.Evaluate(ctx.UserContext(), risk.Request{
		AccountID:      req.AccountID,
		RecipientCount: req.RecipientCount,
		Content:        req.Content,
		HasMedia:       req.HasMedia,
		ScheduledAt:    req.ScheduledAt,
		Config:         cfg,
	})
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toAssessmentResponse(assessment))
}

func (h *HandlerSet) accountHealth(ctx *fiber.Ctx) error {
	hl, err := h.health.CurrentHealth(ctx.UserContext(), ctx.Params("id"))
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(healthResponse{
		AccountID:        hl.AccountID,
		WindowStart:      hl.WindowStart,
		Sent:             hl.Sent,
		Failed:           hl.Failed,
		Blocked:          hl.Blocked,
		Reported:         hl.Reported,
		MessagesLimit24h: hl.MessagesLimit24h,
		BlockRate:        hl.BlockRate,
		ReportRate:       hl.ReportRate,
		FailureRate:      hl.FailureRate,
		QualityScore:     hl.QualityScore,
		Status:           hl.Status,
	})
}

func (h *HandlerSet) accountUsage(ctx *fiber.Ctx) error {
	u, err := h.limiter.Usage(ctx.UserContext(), ctx.Params("id"))
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(usageResponse{
		AccountID: u.AccountID,
		HourStart: u.HourStart,
		HourCount: u.HourCount,
		DayStart:  u.DayStart,
		DayCount:  u.DayCount,
	})
}

// accountFeedback records recipient-side signals reported outside the
// transport, such as spam reports.
func (h *HandlerSet) accountFeedback(ctx *fiber.Ctx) error {
	var req feedbackRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if req.Kind != domain.OutcomeReported && req.Kind != domain.OutcomeBlocked {
		return fiber.NewError(http.StatusBadRequest, "kind must be reported or blocked")
	}

	if err := h.health.RecordOutcome(ctx.UserContext(), ctx.Params("id"), req.Kind); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusAccepted)
}

func toAssessmentResponse(a domain.RiskAssessment) assessmentResponse {
	factors := a.Factors
	if factors == nil {
		factors = []string{}
	}
	return assessmentResponse{
		Level:            a.Level,
		Score:            a.Score,
		Factors:          factors,
		ShouldProceed:    a.ShouldProceed,
		SuggestedDelayMs: a.SuggestedDelay.Milliseconds(),
	}
}
