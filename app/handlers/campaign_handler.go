package handlers

import (
	"bytes"
	"context"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/amirphl/orochi-dispatch/app/dto"
	"github.com/amirphl/orochi-dispatch/app/middleware"
	businessflow "github.com/amirphl/orochi-dispatch/business_flow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// CampaignHandlerInterface defines the contract for campaign dispatch handlers
type CampaignHandlerInterface interface {
	StartCampaign(c fiber.Ctx) error
	PauseCampaign(c fiber.Ctx) error
	CancelCampaign(c fiber.Ctx) error
	ReplaceContacts(c fiber.Ctx) error
	ImportContacts(c fiber.Ctx) error
	GetProgress(c fiber.Ctx) error
}

// CampaignHandler handles campaign dispatch HTTP requests
type CampaignHandler struct {
	flow      businessflow.CampaignDispatchFlow
	validator *validator.Validate
	logger    *log.Logger
	timeout   time.Duration
}

func (h *CampaignHandler) ErrorResponse(c fiber.Ctx, statusCode int, message, errorCode string, details any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: dto.ErrorDetail{
			Code:    errorCode,
			Details: details,
		},
	})
}

func (h *CampaignHandler) SuccessResponse(c fiber.Ctx, statusCode int, message string, data any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// NewCampaignHandler creates a new campaign handler
func NewCampaignHandler(flow businessflow.CampaignDispatchFlow, logger *log.Logger) *CampaignHandler {
	return &CampaignHandler{
		flow:      flow,
		validator: validator.New(),
		logger:    logger,
		timeout:   30 * time.Second,
	}
}

// StartCampaign moves a campaign to running and attaches a worker
// @Summary Start Campaign
// @Tags Campaigns
// @Produce json
// @Param id path int true "Campaign ID"
// @Success 200 {object} dto.APIResponse{data=dto.CampaignActionResponse}
// @Failure 404 {object} dto.APIResponse "Campaign not found"
// @Failure 409 {object} dto.APIResponse "Campaign status does not allow starting"
// @Failure 422 {object} dto.APIResponse "Gateway or instance not configured"
// @Router /api/v1/campaigns/{id}/start [post]
func (h *CampaignHandler) StartCampaign(c fiber.Ctx) error {
	return h.action(c, "start", h.flow.Start)
}

// PauseCampaign pauses a running or scheduled campaign
// @Summary Pause Campaign
// @Tags Campaigns
// @Produce json
// @Param id path int true "Campaign ID"
// @Success 200 {object} dto.APIResponse{data=dto.CampaignActionResponse}
// @Router /api/v1/campaigns/{id}/pause [post]
func (h *CampaignHandler) PauseCampaign(c fiber.Ctx) error {
	return h.action(c, "pause", h.flow.Pause)
}

// CancelCampaign cancels a campaign that has not finished
// @Summary Cancel Campaign
// @Tags Campaigns
// @Produce json
// @Param id path int true "Campaign ID"
// @Success 200 {object} dto.APIResponse{data=dto.CampaignActionResponse}
// @Router /api/v1/campaigns/{id}/cancel [post]
func (h *CampaignHandler) CancelCampaign(c fiber.Ctx) error {
	return h.action(c, "cancel", h.flow.Cancel)
}

func (h *CampaignHandler) action(
	c fiber.Ctx,
	name string,
	op func(context.Context, *dto.CampaignActionRequest) (*dto.CampaignActionResponse, error),
) error {
	req, err := h.actionRequest(c)
	if err != nil {
		return h.invalidCampaignID(c)
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	result, err := op(ctx, req)
	if err != nil {
		return h.flowError(c, name, err)
	}

	return h.SuccessResponse(c, fiber.StatusOK, result.Message, result)
}

// ReplaceContacts replaces the contact set of a campaign
// @Summary Replace Campaign Contacts
// @Tags Campaigns
// @Accept json
// @Produce json
// @Param id path int true "Campaign ID"
// @Param request body dto.ReplaceContactsRequest true "Contacts"
// @Success 200 {object} dto.APIResponse{data=dto.ReplaceContactsResponse}
// @Failure 409 {object} dto.APIResponse "Campaign is running or finished"
// @Failure 422 {object} dto.APIResponse "Invalid phone numbers"
// @Router /api/v1/campaigns/{id}/contacts [put]
func (h *CampaignHandler) ReplaceContacts(c fiber.Ctx) error {
	action, err := h.actionRequest(c)
	if err != nil {
		return h.invalidCampaignID(c)
	}

	var req dto.ReplaceContactsRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	req.CampaignID = action.CampaignID
	req.TenantID = action.TenantID

	if err := h.validator.Struct(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationMessages(err))
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	result, err := h.flow.ReplaceContacts(ctx, &req)
	if err != nil {
		return h.flowError(c, "replace contacts", err)
	}

	return h.SuccessResponse(c, fiber.StatusOK, result.Message, result)
}

// ImportContacts replaces the contact set of a campaign from an XLSX workbook,
// sent either as the multipart field "file" or as the raw request body
// @Summary Import Campaign Contacts
// @Tags Campaigns
// @Accept multipart/form-data
// @Produce json
// @Param id path int true "Campaign ID"
// @Param file formData file true "XLSX workbook"
// @Success 200 {object} dto.APIResponse{data=dto.ReplaceContactsResponse}
// @Router /api/v1/campaigns/{id}/contacts/import [post]
func (h *CampaignHandler) ImportContacts(c fiber.Ctx) error {
	req, err := h.actionRequest(c)
	if err != nil {
		return h.invalidCampaignID(c)
	}

	var workbook io.Reader
	if strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEMultipartForm) {
		fh, err := c.FormFile("file")
		if err != nil {
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Form field file is required", "MISSING_FILE", nil)
		}
		file, err := fh.Open()
		if err != nil {
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Uploaded file cannot be read", "INVALID_FILE", nil)
		}
		defer file.Close()
		workbook = file
	} else {
		body := c.Body()
		if len(body) == 0 {
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Request body is empty", "MISSING_FILE", nil)
		}
		workbook = bytes.NewReader(body)
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	result, err := h.flow.ImportContacts(ctx, req, workbook)
	if err != nil {
		return h.flowError(c, "import contacts", err)
	}

	return h.SuccessResponse(c, fiber.StatusOK, result.Message, result)
}

// GetProgress returns the delivery progress of a campaign
// @Summary Campaign Progress
// @Tags Campaigns
// @Produce json
// @Param id path int true "Campaign ID"
// @Success 200 {object} dto.APIResponse{data=dto.CampaignProgressResponse}
// @Router /api/v1/campaigns/{id}/progress [get]
func (h *CampaignHandler) GetProgress(c fiber.Ctx) error {
	req, err := h.actionRequest(c)
	if err != nil {
		return h.invalidCampaignID(c)
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	result, err := h.flow.Progress(ctx, req)
	if err != nil {
		return h.flowError(c, "progress", err)
	}

	return h.SuccessResponse(c, fiber.StatusOK, "Campaign progress retrieved", result)
}

// actionRequest parses the campaign ID path parameter and the tenant scope
func (h *CampaignHandler) actionRequest(c fiber.Ctx) (*dto.CampaignActionRequest, error) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return nil, err
	}
	if id == 0 {
		return nil, strconv.ErrRange
	}

	req := &dto.CampaignActionRequest{CampaignID: uint(id)}
	if tenantID, ok := c.Locals(middleware.TenantIDLocal).(uint); ok {
		req.TenantID = &tenantID
	}
	return req, nil
}

func (h *CampaignHandler) invalidCampaignID(c fiber.Ctx) error {
	return h.ErrorResponse(c, fiber.StatusBadRequest, "Campaign ID must be a positive integer", "INVALID_CAMPAIGN_ID", nil)
}

// flowError maps business errors to HTTP statuses
func (h *CampaignHandler) flowError(c fiber.Ctx, op string, err error) error {
	code := businessflow.ErrorCode(err)

	switch {
	case businessflow.IsCampaignNotFound(err):
		return h.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", code, nil)
	case businessflow.IsCampaignAccessDenied(err):
		return h.ErrorResponse(c, fiber.StatusForbidden, "Access denied: campaign belongs to another tenant", code, nil)
	case businessflow.IsCampaignTerminal(err),
		businessflow.IsCampaignNotStartable(err),
		businessflow.IsCampaignNotPausable(err),
		businessflow.IsCampaignNotEditable(err),
		businessflow.IsCampaignStatusChanged(err):
		return h.ErrorResponse(c, fiber.StatusConflict, err.Error(), code, nil)
	case businessflow.IsGatewayNotConfigured(err),
		businessflow.IsInstanceNotSelected(err),
		businessflow.IsCampaignNoContacts(err):
		return h.ErrorResponse(c, fiber.StatusUnprocessableEntity, err.Error(), code, nil)
	case businessflow.IsInvalidContactPhone(err):
		return h.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Some contacts have an invalid phone", code, businessflow.ErrorDetails(err))
	case businessflow.IsContactsRequired(err),
		businessflow.IsImportFileInvalid(err),
		businessflow.IsImportPhoneRequired(err):
		return h.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), code, nil)
	}

	h.logger.Printf("handlers: campaign %s failed: %v", op, err)
	if code == "" {
		code = "INTERNAL_ERROR"
	}
	return h.ErrorResponse(c, fiber.StatusInternalServerError, "Campaign "+op+" failed", code, nil)
}

// requestContext derives a bounded context from the request context
func (h *CampaignHandler) requestContext(c fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Context(), h.timeout)
}
