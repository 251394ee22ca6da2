package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/blast-dispatch/internal/domain"
	"github.com/acme/blast-dispatch/internal/repository/memory"
	campaignsvc "github.com/acme/blast-dispatch/internal/service/campaign"
	"github.com/acme/blast-dispatch/internal/service/dispatch"
	"github.com/acme/blast-dispatch/internal/service/health"
	"github.com/acme/blast-dispatch/internal/service/risk"
	"github.com/acme/blast-dispatch/internal/service/safety"
	"github.com/acme/blast-dispatch/internal/transport"
	"github.com/acme/blast-dispatch/internal/service/common"
	"github.com/acme/blast-dispatch/internal/worker/outcome"
)

type sendFunc func(ctx context.Context, msg transport.Message) (transport.Result, error)

func (f sendFunc) Send(ctx context.Context, msg transport.Message) (transport.Result, error) {
	return f(ctx, msg)
}

func alwaysSent() sendFunc {
	return func(context.Context, transport.Message) (transport.Result, error) {
		return transport.Result{ProviderMessageID: uuid.NewString()}, nil
	}
}

type testServer struct {
	app    *fiber.App
	health *health.Tracker
}

func defaults() domain.SafetyConfig {
	return domain.SafetyConfig{
		DailyLimit:      1000,
		HourlyLimit:     100,
		MaxFailureRate:  0.2,
		PauseOnHighRisk: true,
		AutoPause:       true,
	}
}

func newTestServer(t *testing.T, tr transport.Transport, checks map[string]Check) testServer {
	t.Helper()

	configs := safety.NewConfigService(memory.NewSafetyConfigRepository(), defaults())
	tracker := health.NewTracker(memory.NewHealthRepository(), configs, nil, 0, nil)
	limiter := safety.NewLimiter(safety.NewMemoryCounterStore(), tracker, nil, time.UTC, nil)
	assessor := risk.NewService(tracker, limiter, nil, time.UTC)
	attempts := memory.NewAttemptStore()

	pool := dispatch.NewPool(dispatch.Config{WorkersPerAccount: 1, MaxAttempts: 1, SendTimeout: time.Second}, dispatch.Deps{
		Limiter:   limiter,
		Transport: tr,
		Health:    tracker,
		Publisher: outcome.NewRecorder(attempts),
	})
	t.Cleanup(pool.Close)

	campaigns := campaignsvc.NewService(campaignsvc.Deps{
		Campaigns:  memory.NewCampaignRepository(),
		Tasks:      memory.NewRecipientTaskRepository(),
		Stats:      memory.NewCampaignStatisticsRepository(),
		Configs:    configs,
		Risk:       assessor,
		Dispatcher: pool,
	})
	pool.SetReporter(campaigns)

	h := NewHandlerSet(Deps{
		Campaigns: campaigns,
		Configs:   configs,
		Limiter:   limiter,
		Health:    tracker,
		Risk:      assessor,
		Attempts:  attempts,
		Checks:    checks,
	})
	app := fiber.New(fiber.Config{ErrorHandler: h.ErrorHandler})
	h.Register(app)
	return testServer{app: app, health: tracker}
}

func (s testServer) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func campaignBody(recipients ...string) map[string]any {
	return map[string]any{
		"organization_id": "org-1",
		"account_id":      "acct-1",
		"name":            "spring sale",
		"content":         "hello from the shop",
		"recipients":      recipients,
		"safety": map[string]any{
			"dailyLimit":     1000,
			"hourlyLimit":    100,
			"maxFailureRate": 0.2,
			"autoPause":      true,
		},
	}
}

func TestCreateAndGetCampaign(t *testing.T) {
	srv := newTestServer(t, alwaysSent(), nil)

	status, created := srv.do(t, http.MethodPost, "/api/v1/campaigns", campaignBody("+100", "+200", "+100"))
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "pending", created["state"])
	assert.EqualValues(t, 2, created["recipient_count"])

	id := created["id"].(string)
	status, fetched := srv.do(t, http.MethodGet, "/api/v1/campaigns/"+id, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, id, fetched["id"])
	counters := fetched["counters"].(map[string]any)
	assert.EqualValues(t, 2, counters["total"])
}

func TestCreateCampaignValidation(t *testing.T) {
	srv := newTestServer(t, alwaysSent(), nil)

	body := campaignBody()
	status, resp := srv.do(t, http.MethodPost, "/api/v1/campaigns", body)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, resp["error"], "recipient")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/campaigns", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	raw, err := srv.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestGetCampaignErrors(t *testing.T) {
	srv := newTestServer(t, alwaysSent(), nil)

	status, _ := srv.do(t, http.MethodGet, "/api/v1/campaigns/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = srv.do(t, http.MethodGet, "/api/v1/campaigns/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestStartCampaignRunsToCompletion(t *testing.T) {
	srv := newTestServer(t, alwaysSent(), nil)

	_, created := srv.do(t, http.MethodPost, "/api/v1/campaigns", campaignBody("+100", "+200", "+300"))
	id := created["id"].(string)

	status, started := srv.do(t, http.MethodPost, "/api/v1/campaigns/"+id+"/start", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, []any{"running", "completed"}, started["state"])

	require.Eventually(t, func() bool {
		_, progress := srv.do(t, http.MethodGet, "/api/v1/campaigns/"+id+"/progress", nil)
		return progress["state"] == "completed"
	}, 5*time.Second, 10*time.Millisecond)

	_, progress := srv.do(t, http.MethodGet, "/api/v1/campaigns/"+id+"/progress", nil)
	assert.EqualValues(t, 3, progress["sent"])
	assert.EqualValues(t, 0, progress["pending"])
	assert.EqualValues(t, 100, progress["percent"])

	status, attempts := srv.do(t, http.MethodGet, "/api/v1/campaigns/"+id+"/attempts", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, attempts["attempts"], 3)

	status, _ = srv.do(t, http.MethodPost, "/api/v1/campaigns/"+id+"/start", nil)
	assert.Equal(t, http.StatusConflict, status)

	status, _ = srv.do(t, http.MethodDelete, "/api/v1/campaigns/"+id, nil)
	assert.Equal(t, http.StatusNoContent, status)
}

func TestListAttemptsRejectsOutOfRangePageToken(t *testing.T) {
	srv := newTestServer(t, alwaysSent(), nil)
	id := uuid.NewString()

	wrapped := common.EncodePageToken(bytes.Repeat([]byte{0xFF}, 8))
	status, body := srv.do(t, http.MethodGet, "/api/v1/campaigns/"+id+"/attempts?page_token="+wrapped, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "paging state")

	status, _ = srv.do(t, http.MethodGet, "/api/v1/campaigns/"+id+"/attempts?page_token=%21%21", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = srv.do(t, http.MethodGet, "/api/v1/campaigns/"+id+"/attempts", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestStartCampaignBlockedByRisk(t *testing.T) {
	srv := newTestServer(t, alwaysSent(), nil)

	recipients := make([]string, 0, 1200)
	for i := 0; i < 1200; i++ {
		recipients = append(recipients, "+1555"+uuid.NewString()[:8])
	}
	body := campaignBody(recipients...)
	body["content"] = "FREE winner! click here, act now, limited time, urgent"
	body["safety"].(map[string]any)["pauseOnHighRisk"] = true
	body["safety"].(map[string]any)["dailyLimit"] = 5000

	_, created := srv.do(t, http.MethodPost, "/api/v1/campaigns", body)
	id := created["id"].(string)

	status, resp := srv.do(t, http.MethodPost, "/api/v1/campaigns/"+id+"/start", nil)
	require.Equal(t, http.StatusUnprocessableEntity, status)
	assessment := resp["assessment"].(map[string]any)
	assert.Equal(t, false, assessment["should_proceed"])
	assert.NotEmpty(t, assessment["factors"])

	_, fetched := srv.do(t, http.MethodGet, "/api/v1/campaigns/"+id, nil)
	assert.Equal(t, "failed", fetched["state"])
	assert.Equal(t, domain.ReasonRiskBlocked, fetched["state_reason"])
}

func TestPauseResumeAbortCampaign(t *testing.T) {
	release := make(chan struct{})
	tr := sendFunc(func(ctx context.Context, _ transport.Message) (transport.Result, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return transport.Result{}, ctx.Err()
		}
		return transport.Result{ProviderMessageID: uuid.NewString()}, nil
	})
	srv := newTestServer(t, tr, nil)
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
	})

	_, created := srv.do(t, http.MethodPost, "/api/v1/campaigns", campaignBody("+100", "+200"))
	id := created["id"].(string)
	status, _ := srv.do(t, http.MethodPost, "/api/v1/campaigns/"+id+"/start", nil)
	require.Equal(t, http.StatusOK, status)

	status, paused := srv.do(t, http.MethodPost, "/api/v1/campaigns/"+id+"/pause", map[string]any{"reason": "operator"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "paused", paused["state"])
	assert.Equal(t, "operator", paused["state_reason"])

	status, _ = srv.do(t, http.MethodPost, "/api/v1/campaigns/"+id+"/pause", nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = srv.do(t, http.MethodDelete, "/api/v1/campaigns/"+id, nil)
	assert.Equal(t, http.StatusConflict, status)

	status, aborted := srv.do(t, http.MethodPost, "/api/v1/campaigns/"+id+"/abort", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "failed", aborted["state"])

	status, _ = srv.do(t, http.MethodPost, "/api/v1/campaigns/"+id+"/resume", nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestListCampaignsPaginates(t *testing.T) {
	srv := newTestServer(t, alwaysSent(), nil)
	for i := 0; i < 3; i++ {
		srv.do(t, http.MethodPost, "/api/v1/campaigns", campaignBody("+100"))
	}

	status, first := srv.do(t, http.MethodGet, "/api/v1/campaigns?limit=2", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, first["campaigns"], 2)
	cursor, ok := first["next_cursor"].(string)
	require.True(t, ok)

	_, second := srv.do(t, http.MethodGet, "/api/v1/campaigns?limit=2&cursor="+cursor, nil)
	assert.Len(t, second["campaigns"], 1)

	status, _ = srv.do(t, http.MethodGet, "/api/v1/campaigns?state=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestPauseAllAndResumeAll(t *testing.T) {
	release := make(chan struct{})
	tr := sendFunc(func(ctx context.Context, _ transport.Message) (transport.Result, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return transport.Result{}, ctx.Err()
		}
		return transport.Result{ProviderMessageID: uuid.NewString()}, nil
	})
	srv := newTestServer(t, tr, nil)

	_, created := srv.do(t, http.MethodPost, "/api/v1/campaigns", campaignBody("+100", "+200"))
	id := created["id"].(string)
	srv.do(t, http.MethodPost, "/api/v1/campaigns/"+id+"/start", nil)

	status, resp := srv.do(t, http.MethodPost, "/api/v1/safety/pause-all", map[string]any{"reason": "incident"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []any{id}, resp["campaign_ids"])

	_, fetched := srv.do(t, http.MethodGet, "/api/v1/campaigns/"+id, nil)
	assert.Equal(t, "paused", fetched["state"])

	close(release)
	status, resp = srv.do(t, http.MethodPost, "/api/v1/safety/resume-all", map[string]any{"campaign_ids": []string{id}})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []any{id}, resp["campaign_ids"])

	require.Eventually(t, func() bool {
		_, c := srv.do(t, http.MethodGet, "/api/v1/campaigns/"+id, nil)
		return c["state"] == "completed"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSafetyConfigOverrides(t *testing.T) {
	srv := newTestServer(t, alwaysSent(), nil)

	status, resp := srv.do(t, http.MethodGet, "/api/v1/safety/config?account_id=acct-1&organization_id=org-1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "default", resp["source"])

	override := defaults()
	override.HourlyLimit = 10
	status, _ = srv.do(t, http.MethodPut, "/api/v1/safety/config", map[string]any{
		"scope": "organization", "id": "org-1", "config": override,
	})
	require.Equal(t, http.StatusOK, status)

	_, resp = srv.do(t, http.MethodGet, "/api/v1/safety/config?account_id=acct-1&organization_id=org-1", nil)
	assert.Equal(t, "organization", resp["source"])
	assert.EqualValues(t, 10, resp["config"].(map[string]any)["hourlyLimit"])

	invalid := override
	invalid.HourlyLimit = 0
	status, _ = srv.do(t, http.MethodPut, "/api/v1/safety/config", map[string]any{
		"scope": "account", "id": "acct-1", "config": invalid,
	})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = srv.do(t, http.MethodDelete, "/api/v1/safety/config?scope=organization&id=org-1", nil)
	assert.Equal(t, http.StatusNoContent, status)

	_, resp = srv.do(t, http.MethodGet, "/api/v1/safety/config?account_id=acct-1&organization_id=org-1", nil)
	assert.Equal(t, "default", resp["source"])
}

func TestAssessRisk(t *testing.T) {
	srv := newTestServer(t, alwaysSent(), nil)
	noon := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	status, resp := srv.do(t, http.MethodPost, "/api/v1/risk/assess", map[string]any{
		"account_id":      "acct-1",
		"recipient_count": 300,
		"content":         "hello",
		"has_media":       true,
		"scheduled_at":    noon,
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "medium", resp["risk_level"])
	assert.EqualValues(t, 25, resp["risk_score"])
	assert.Equal(t, true, resp["should_proceed"])
	assert.Len(t, resp["factors"], 2)

	status, _ = srv.do(t, http.MethodPost, "/api/v1/risk/assess", map[string]any{"recipient_count": 3})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAccountFeedbackAffectsHealth(t *testing.T) {
	srv := newTestServer(t, alwaysSent(), nil)

	status, _ := srv.do(t, http.MethodPost, "/api/v1/accounts/acct-1/feedback", map[string]any{"kind": "sent"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = srv.do(t, http.MethodPost, "/api/v1/accounts/acct-1/feedback", map[string]any{"kind": "reported"})
	require.Equal(t, http.StatusAccepted, status)

	status, resp := srv.do(t, http.MethodGet, "/api/v1/accounts/acct-1/health", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, resp["reported"])
	assert.Equal(t, "acct-1", resp["account_id"])

	status, usage := srv.do(t, http.MethodGet, "/api/v1/accounts/acct-1/usage", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, usage["day_count"])
}

func TestHealthzReportsFailingChecks(t *testing.T) {
	srv := newTestServer(t, alwaysSent(), map[string]Check{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})

	status, resp := srv.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "degraded", resp["status"])
	assert.Equal(t, "connection refused", resp["errors"].(map[string]any)["redis"])
}
