package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/outbound-messaging/internal/domain"
	campaignsvc "github.com/acme/outbound-messaging/internal/service/campaign"
)

type audienceRequest struct {
	Kind             string      `json:"kind" validate:"omitempty,oneof=all gender category tag age_range activity_recency custom"`
	Gender           string      `json:"gender"`
	Category         string      `json:"category"`
	Tag              string      `json:"tag"`
	MinAge           int         `json:"min_age" validate:"gte=0"`
	MaxAge           int         `json:"max_age" validate:"gte=0"`
	ActiveWithinDays int         `json:"active_within_days" validate:"gte=0"`
	RecipientIDs     []uuid.UUID `json:"recipient_ids"`
}

type createCampaignRequest struct {
	OwnerID      string          `json:"owner_id" validate:"required"`
	Name         string          `json:"name" validate:"required,max=200"`
	Channel      string          `json:"channel" validate:"required,oneof=sms whatsapp email"`
	Template     string          `json:"template" validate:"required"`
	Subject      string          `json:"subject"`
	SenderName   string          `json:"sender_name"`
	BusinessName string          `json:"business_name"`
	Audience     audienceRequest `json:"audience"`
	ScheduledAt  *time.Time      `json:"scheduled_at"`
}

type scheduleRequest struct {
	ScheduledAt *time.Time `json:"scheduled_at"`
}

type campaignResponse struct {
	ID              uuid.UUID             `json:"id"`
	OwnerID         string                `json:"owner_id"`
	Name            string                `json:"name"`
	Channel         domain.Channel        `json:"channel"`
	Template        string                `json:"template"`
	Subject         string                `json:"subject,omitempty"`
	SenderName      string                `json:"sender_name,omitempty"`
	BusinessName    string                `json:"business_name,omitempty"`
	Status          domain.CampaignStatus `json:"status"`
	Audience        domain.Audience       `json:"audience"`
	RecipientsCount int64                 `json:"recipients_count"`
	DeliveredCount  int64                 `json:"delivered_count"`
	FailedCount     int64                 `json:"failed_count"`
	SkippedCount    int64                 `json:"skipped_count"`
	ScheduledAt     *time.Time            `json:"scheduled_at,omitempty"`
	StartedAt       *time.Time            `json:"started_at,omitempty"`
	CompletedAt     *time.Time            `json:"completed_at,omitempty"`
	ParentID        *uuid.UUID            `json:"parent_id,omitempty"`
	LastError       string                `json:"last_error,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

type listCampaignsResponse struct {
	Campaigns []campaignResponse `json:"campaigns"`
	NextAfter *uuid.UUID         `json:"next_after_id,omitempty"`
}

type statsResponse struct {
	RecipientsCount int64            `json:"recipients_count"`
	DeliveredCount  int64            `json:"delivered_count"`
	FailedCount     int64            `json:"failed_count"`
	SkippedCount    int64            `json:"skipped_count"`
	PendingCount    int64            `json:"pending_count"`
	ByStatus        map[string]int64 `json:"by_status"`
}

type attemptResponse struct {
	ID          uuid.UUID            `json:"id"`
	RecipientID uuid.UUID            `json:"recipient_id"`
	Address     string               `json:"address"`
	Status      domain.AttemptStatus `json:"status"`
	ExternalID  string               `json:"external_id,omitempty"`
	ErrorCode   string               `json:"error_code,omitempty"`
	ErrorDetail string               `json:"error_detail,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	SentAt      *time.Time           `json:"sent_at,omitempty"`
	DeliveredAt *time.Time           `json:"delivered_at,omitempty"`
	FailedAt    *time.Time           `json:"failed_at,omitempty"`
}

type failureResponse struct {
	RecipientID uuid.UUID  `json:"recipient_id"`
	Address     string     `json:"address"`
	ErrorCode   string     `json:"error_code"`
	ErrorDetail string     `json:"error_detail,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

type failuresResponse struct {
	Failures        []failureResponse `json:"failures"`
	ByError         map[string]int    `json:"by_error"`
	MostCommonError string            `json:"most_common_error,omitempty"`
}

func (h *HandlerSet) createCampaign(ctx *fiber.Ctx) error {
	var req createCampaignRequest
	if err := h.parseBody(ctx, &req); err != nil {
		return err
	}

	campaign, err := h.Campaigns.Create(ctx.UserContext(), campaignsvc.CreateCampaignInput{
		OwnerID:      req.OwnerID,
		Name:         req.Name,
		Channel:      domain.Channel(req.Channel),
		Template:     req.Template,
		Subject:      req.Subject,
		SenderName:   req.SenderName,
		BusinessName: req.BusinessName,
		Audience:     req.Audience.toDomain(),
		ScheduledAt:  req.ScheduledAt,
	})
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusCreated).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) listCampaigns(ctx *fiber.Ctx) error {
	limit, _ := strconv.Atoi(ctx.Query("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var afterID *uuid.UUID
	if afterStr := ctx.Query("after_id"); afterStr != "" {
		id, err := uuid.Parse(afterStr)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid after_id")
		}
		afterID = &id
	}

	campaigns, err := h.Campaigns.List(ctx.UserContext(), ctx.Query("owner_id"), afterID, limit)
	if err != nil {
		return translateError(err)
	}

	resp := listCampaignsResponse{Campaigns: make([]campaignResponse, 0, len(campaigns))}
	for _, c := range campaigns {
		resp.Campaigns = append(resp.Campaigns, toCampaignResponse(c))
	}
	if n := len(campaigns); n > 0 && n == limit {
		last := campaigns[n-1].ID
		resp.NextAfter = &last
	}

	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) getCampaign(ctx *fiber.Ctx) error {
	id, err := campaignID(ctx)
	if err != nil {
		return err
	}

	campaign, err := h.Campaigns.Get(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) scheduleCampaign(ctx *fiber.Ctx) error {
	id, err := campaignID(ctx)
	if err != nil {
		return err
	}
	var req scheduleRequest
	if len(ctx.Body()) > 0 {
		if err := h.parseBody(ctx, &req); err != nil {
			return err
		}
	}

	campaign, err := h.Campaigns.Schedule(ctx.UserContext(), id, req.ScheduledAt)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) runCampaign(ctx *fiber.Ctx) error {
	id, err := campaignID(ctx)
	if err != nil {
		return err
	}
	campaign, err := h.Campaigns.RunNow(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusAccepted).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) pauseCampaign(ctx *fiber.Ctx) error {
	id, err := campaignID(ctx)
	if err != nil {
		return err
	}
	if err := h.Campaigns.Pause(ctx.UserContext(), id); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) resumeCampaign(ctx *fiber.Ctx) error {
	id, err := campaignID(ctx)
	if err != nil {
		return err
	}
	campaign, err := h.Campaigns.Resume(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusAccepted).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) cancelCampaign(ctx *fiber.Ctx) error {
	id, err := campaignID(ctx)
	if err != nil {
		return err
	}
	if err := h.Campaigns.Cancel(ctx.UserContext(), id); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) retryFailed(ctx *fiber.Ctx) error {
	id, err := campaignID(ctx)
	if err != nil {
		return err
	}
	retryID, err := h.Dispatcher.RetryFailed(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{"campaign_id": retryID})
}

func (h *HandlerSet) retryAll(ctx *fiber.Ctx) error {
	id, err := campaignID(ctx)
	if err != nil {
		return err
	}
	if err := h.Dispatcher.RetryAll(ctx.UserContext(), id); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusAccepted)
}

func (h *HandlerSet) campaignStats(ctx *fiber.Ctx) error {
	id, err := campaignID(ctx)
	if err != nil {
		return err
	}

	stats, err := h.Dispatcher.GetStats(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	resp := statsResponse{
		RecipientsCount: stats.RecipientsCount,
		DeliveredCount:  stats.DeliveredCount,
		FailedCount:     stats.FailedCount,
		SkippedCount:    stats.SkippedCount,
		PendingCount:    stats.Pending(),
		ByStatus:        make(map[string]int64, len(stats.ByStatus)),
	}
	for status, n := range stats.ByStatus {
		resp.ByStatus[string(status)] = n
	}

	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) campaignAttempts(ctx *fiber.Ctx) error {
	id, err := campaignID(ctx)
	if err != nil {
		return err
	}
	attempts, err := h.Campaigns.Attempts(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	resp := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		resp = append(resp, attemptResponse{
			ID:          a.ID,
			RecipientID: a.RecipientID,
			Address:     a.Address,
			Status:      a.Status,
			ExternalID:  a.ExternalID,
			ErrorCode:   a.ErrorCode,
			ErrorDetail: a.ErrorDetail,
			CreatedAt:   a.CreatedAt,
			SentAt:      a.SentAt,
			DeliveredAt: a.DeliveredAt,
			FailedAt:    a.FailedAt,
		})
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"attempts": resp})
}

func (h *HandlerSet) campaignFailures(ctx *fiber.Ctx) error {
	id, err := campaignID(ctx)
	if err != nil {
		return err
	}
	report, err := h.Campaigns.Failures(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	resp := failuresResponse{
		Failures:        make([]failureResponse, 0, len(report.Failures)),
		ByError:         report.ByError,
		MostCommonError: report.MostCommonError,
	}
	for _, f := range report.Failures {
		resp.Failures = append(resp.Failures, failureResponse{
			RecipientID: f.RecipientID,
			Address:     f.Address,
			ErrorCode:   f.ErrorCode,
			ErrorDetail: f.ErrorDetail,
			FailedAt:    f.FailedAt,
		})
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func (a audienceRequest) toDomain() domain.Audience {
	return domain.Audience{
		Kind:             domain.AudienceKind(a.Kind),
		Gender:           a.Gender,
		Category:         a.Category,
		Tag:              a.Tag,
		MinAge:           a.MinAge,
		MaxAge:           a.MaxAge,
		ActiveWithinDays: a.ActiveWithinDays,
		RecipientIDs:     a.RecipientIDs,
	}
}

func toCampaignResponse(c *domain.Campaign) campaignResponse {
	return campaignResponse{
		ID:              c.ID,
		OwnerID:         c.OwnerID,
		Name:            c.Name,
		Channel:         c.Channel,
		Template:        c.Template,
		Subject:         c.Subject,
		SenderName:      c.SenderName,
		BusinessName:    c.BusinessName,
		Status:          c.Status,
		Audience:        c.Audience,
		RecipientsCount: c.RecipientsCount,
		DeliveredCount:  c.DeliveredCount,
		FailedCount:     c.FailedCount,
		SkippedCount:    c.SkippedCount,
		ScheduledAt:     c.ScheduledAt,
		StartedAt:       c.StartedAt,
		CompletedAt:     c.CompletedAt,
		ParentID:        c.ParentID,
		LastError:       c.LastError,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

func campaignID(ctx *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return uuid.Nil, fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}
	return id, nil
}
