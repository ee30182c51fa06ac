package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/outbound-messaging/internal/domain"
	"github.com/acme/outbound-messaging/internal/quota"
	campaignsvc "github.com/acme/outbound-messaging/internal/service/campaign"
)

type createRecipientRequest struct {
	OwnerID        string            `json:"owner_id" validate:"required"`
	Name           string            `json:"name"`
	Phone          string            `json:"phone" validate:"required_without=Email"`
	Email          string            `json:"email" validate:"omitempty,email"`
	Address        string            `json:"address"`
	Birthday       *time.Time        `json:"birthday"`
	Gender         string            `json:"gender"`
	Category       string            `json:"category"`
	Tags           []string          `json:"tags"`
	Fields         map[string]string `json:"fields"`
	LastActivityAt *time.Time        `json:"last_activity_at"`
}

type recipientResponse struct {
	ID       uuid.UUID `json:"id"`
	OwnerID  string    `json:"owner_id"`
	Name     string    `json:"name"`
	Phone    string    `json:"phone,omitempty"`
	Email    string    `json:"email,omitempty"`
	OptedOut bool      `json:"opted_out"`
}

type provisionQuotaRequest struct {
	Total  int64  `json:"total" validate:"gte=0"`
	Period string `json:"period"`
}

type topUpRequest struct {
	Amount int64 `json:"amount" validate:"gt=0"`
}

type quotaResponse struct {
	OwnerID   string `json:"owner_id"`
	Total     int64  `json:"total"`
	Used      int64  `json:"used"`
	Reserved  int64  `json:"reserved"`
	Remaining int64  `json:"remaining"`
	Period    string `json:"period"`
	Active    bool   `json:"active"`
}

type circuitResponse struct {
	Service       string     `json:"service"`
	Open          bool       `json:"open"`
	FailureCount  int        `json:"failure_count"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
}

func (h *HandlerSet) createRecipient(ctx *fiber.Ctx) error {
	var req createRecipientRequest
	if err := h.parseBody(ctx, &req); err != nil {
		return err
	}
	r, err := h.Campaigns.AddRecipient(ctx.UserContext(), campaignsvc.RecipientInput{
		OwnerID:        req.OwnerID,
		Name:           req.Name,
		Phone:          req.Phone,
		Email:          req.Email,
		Address:        req.Address,
		Birthday:       req.Birthday,
		Gender:         req.Gender,
		Category:       req.Category,
		Tags:           req.Tags,
		Fields:         req.Fields,
		LastActivityAt: req.LastActivityAt,
	})
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusCreated).JSON(recipientResponse{
		ID:       r.ID,
		OwnerID:  r.OwnerID,
		Name:     r.Name,
		Phone:    r.Phone,
		Email:    r.Email,
		OptedOut: r.OptedOut,
	})
}

func (h *HandlerSet) provisionQuota(ctx *fiber.Ctx) error {
	owner := ctx.Params("owner")
	var req provisionQuotaRequest
	if err := h.parseBody(ctx, &req); err != nil {
		return err
	}
	if req.Period == "" {
		req.Period = quota.PeriodOf(h.Now())
	}
	if err := h.Quota.Provision(ctx.UserContext(), owner, req.Total, req.Period); err != nil {
		return translateError(err)
	}
	return h.writeQuota(ctx, owner, http.StatusOK)
}

func (h *HandlerSet) topUpQuota(ctx *fiber.Ctx) error {
	owner := ctx.Params("owner")
	var req topUpRequest
	if err := h.parseBody(ctx, &req); err != nil {
		return err
	}
	if err := h.Quota.TopUp(ctx.UserContext(), owner, req.Amount); err != nil {
		return translateError(err)
	}
	return h.writeQuota(ctx, owner, http.StatusOK)
}

func (h *HandlerSet) getQuota(ctx *fiber.Ctx) error {
	return h.writeQuota(ctx, ctx.Params("owner"), http.StatusOK)
}

func (h *HandlerSet) writeQuota(ctx *fiber.Ctx, owner string, status int) error {
	acct, err := h.Quota.Account(ctx.UserContext(), owner)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(status).JSON(toQuotaResponse(acct))
}

func (h *HandlerSet) getCircuit(ctx *fiber.Ctx) error {
	state, err := h.Circuits.State(ctx.UserContext(), ctx.Params("service"))
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(circuitResponse{
		Service:       state.Service,
		Open:          state.Open,
		FailureCount:  state.FailureCount,
		LastFailureAt: state.LastFailureAt,
	})
}

func (h *HandlerSet) resetCircuit(ctx *fiber.Ctx) error {
	if err := h.Circuits.Reset(ctx.UserContext(), ctx.Params("service")); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}

func toQuotaResponse(a *domain.QuotaAccount) quotaResponse {
	return quotaResponse{
		OwnerID:   a.OwnerID,
		Total:     a.Total,
		Used:      a.Used,
		Reserved:  a.Reserved,
		Remaining: a.Remaining(),
		Period:    a.Period,
		Active:    a.Active,
	}
}
