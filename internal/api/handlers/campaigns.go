package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/blast-dispatch/internal/domain"
	"github.com/acme/blast-dispatch/internal/repository"
	campaignsvc "github.com/acme/blast-dispatch/internal/service/campaign"
	"github.com/acme/blast-dispatch/internal/service/common"
	apperrors "github.com/acme/blast-dispatch/pkg/errors"
)

type createCampaignRequest struct {
	OrganizationID string               `json:"organization_id"`
	AccountID      string               `json:"account_id"`
	Name           string               `json:"name"`
	Content        string               `json:"content"`
	MediaURL       string               `json:"media_url"`
	Recipients     []string             `json:"recipients"`
	ScheduledAt    *time.Time           `json:"scheduled_at"`
	Safety         *domain.SafetyConfig `json:"safety"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type countersResponse struct {
	Sent   int64 `json:"sent"`
	Failed int64 `json:"failed"`
	Total  int64 `json:"total"`
}

type campaignResponse struct {
	ID             uuid.UUID            `json:"id"`
	OrganizationID string               `json:"organization_id"`
	AccountID      string               `json:"account_id"`
	Name           string               `json:"name"`
	Content        string               `json:"content"`
	MediaURL       string               `json:"media_url,omitempty"`
	RecipientCount int                  `json:"recipient_count"`
	State          domain.CampaignState `json:"state"`
	StateReason    string               `json:"state_reason,omitempty"`
	Counters       countersResponse     `json:"counters"`
	Safety         domain.SafetyConfig  `json:"safety"`
	ScheduledAt    *time.Time           `json:"scheduled_at,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
	StartedAt      *time.Time           `json:"started_at,omitempty"`
	CompletedAt    *time.Time           `json:"completed_at,omitempty"`
}

type listCampaignsResponse struct {
	Campaigns  []campaignResponse `json:"campaigns"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type progressResponse struct {
	CampaignID  uuid.UUID            `json:"campaign_id"`
	State       domain.CampaignState `json:"state"`
	StateReason string               `json:"state_reason,omitempty"`
	Sent        int64                `json:"sent"`
	Failed      int64                `json:"failed"`
	Total       int64                `json:"total"`
	Pending     int64                `json:"pending"`
	Percent     float64              `json:"percent"`
}

type attemptResponse struct {
	ID         uuid.UUID          `json:"id"`
	TaskID     uuid.UUID          `json:"task_id"`
	AccountID  string             `json:"account_id"`
	Recipient  string             `json:"recipient"`
	Attempt    int                `json:"attempt"`
	Outcome    domain.OutcomeKind `json:"outcome"`
	Error      string             `json:"error,omitempty"`
	DurationMs int64              `json:"duration_ms"`
	CreatedAt  time.Time          `json:"created_at"`
}

type listAttemptsResponse struct {
	Attempts []attemptResponse `json:"attempts"`
	NextPage string            `json:"next_page_token,omitempty"`
}

func (h *HandlerSet) createCampaign(ctx *fiber.Ctx) error {
	var req createCampaignRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	campaign, err := h.campaigns.Create(ctx.UserContext(), campaignsvc.CreateCampaignInput{
		OrganizationID: req.OrganizationID,
		AccountID:      req.AccountID,
		Name:           req.Name,
		Content:        req.Content,
		MediaURL:       req.MediaURL,
		Recipients:     req.Recipients,
		ScheduledAt:    req.ScheduledAt,
		Safety:         req.Safety,
	})
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusCreated).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) listCampaigns(ctx *fiber.Ctx) error {
	limit, _ := strconv.Atoi(ctx.Query("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	after, err := common.DecodeCursor(ctx.Query("cursor"))
	if err != nil {
		return translateError(err)
	}
	state := domain.CampaignState(ctx.Query("state"))
	if state != "" && !state.Valid() {
		return fiber.NewError(http.StatusBadRequest, "invalid state filter")
	}

	campaigns, err := h.campaigns.List(ctx.UserContext(), repository.CampaignFilter{
		OrganizationID: ctx.Query("organization_id"),
		AccountID:      ctx.Query("account_id"),
		State:          state,
		AfterID:        after,
		Limit:          limit,
	})
	if err != nil {
		return translateError(err)
	}

	resp := listCampaignsResponse{Campaigns: make([]campaignResponse, 0, len(campaigns))}
	for _, c := range campaigns {
		resp.Campaigns = append(resp.Campaigns, toCampaignResponse(c))
	}
	if len(campaigns) == limit {
		resp.NextCursor = common.EncodeCursor(campaigns[len(campaigns)-1].ID)
	}

	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) getCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	campaign, err := h.campaigns.Get(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) deleteCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	if err := h.campaigns.Delete(ctx.UserContext(), id); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) campaignProgress(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	p, err := h.campaigns.Progress(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(progressResponse{
		CampaignID:  p.CampaignID,
		State:       p.State,
		StateReason: p.StateReason,
		Sent:        p.Sent,
		Failed:      p.Failed,
		Total:       p.Total,
		Pending:     p.Pending,
		Percent:     p.Percent,
	})
}

func (h *HandlerSet) startCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	campaign, err := h.campaigns.Start(ctx.UserContext(), id)
	var blocked *campaignsvc.RiskBlockedError
	if errors.As(err, &blocked) {
		return ctx.Status(http.StatusUnprocessableEntity).JSON(fiber.Map{
			"error":      blocked.Error(),
			"assessment": toAssessmentResponse(blocked.Assessment),
		})
	}
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) pauseCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}
	reason := optionalReason(ctx)

	campaign, err := h.campaigns.Pause(ctx.UserContext(), id, reason)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) resumeCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	campaign, err := h.campaigns.Resume(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) abortCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	campaign, err := h.campaigns.Abort(ctx.UserContext(), id, optionalReason(ctx))
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) listAttempts(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}
	limit, _ := strconv.Atoi(ctx.Query("limit", "100"))
	state, err := common.DecodePageToken(ctx.Query("page_token"))
	if err != nil {
		return translateError(err)
	}

	attempts, next, err := h.attempts.ListAttemptsByCampaign(ctx.UserContext(), id, limit, state)
	if err != nil {
		return translateError(err)
	}

	resp := listAttemptsResponse{
		Attempts: make([]attemptResponse, 0, len(attempts)),
		NextPage: common.EncodePageToken(next),
	}
	for _, a := range attempts {
		resp.Attempts = append(resp.Attempts, attemptResponse{
			ID:         a.ID,
			TaskID:     a.TaskID,
			AccountID:  a.AccountID,
			Recipient:  a.Recipient,
			Attempt:    a.AttemptNum,
			Outcome:    a.Outcome,
			Error:      a.Error,
			DurationMs: a.Duration.Milliseconds(),
			CreatedAt:  a.CreatedAt,
		})
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func toCampaignResponse(c *domain.Campaign) campaignResponse {
	return campaignResponse{
		ID:             c.ID,
		OrganizationID: c.OrganizationID,
		AccountID:      c.AccountID,
		Name:           c.Name,
		Content:        c.Content,
		MediaURL:       c.MediaURL,
		RecipientCount: len(c.Recipients),
		State:          c.State,
		StateReason:    c.StateReason,
		Counters: countersResponse{
			Sent:   c.Counters.Sent,
			Failed: c.Counters.Failed,
			Total:  c.Counters.Total,
		},
		Safety:      c.Safety,
		ScheduledAt: c.ScheduledAt,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
		StartedAt:   c.StartedAt,
		CompletedAt: c.CompletedAt,
	}
}

// optionalReason reads {"reason": "..."} from the body when one is sent.
func optionalReason(ctx *fiber.Ctx) string {
	if len(ctx.Body()) == 0 {
		return ""
	}
	var req reasonRequest
	if err := ctx.BodyParser(&req); err != nil {
		return ""
	}
	return req.Reason
}

func parseUUID(value string) (uuid.UUID, error) {
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, apperrors.Wrap(apperrors.ErrValidation, "invalid uuid")
	}
	return id, nil
}
