package businessflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/amirphl/orochi-dispatch/app/dto"
	"github.com/amirphl/orochi-dispatch/app/services"
	"github.com/amirphl/orochi-dispatch/config"
	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/xuri/excelize/v2"
)

// DispatchControlStore is the persistence the control operations need
type DispatchControlStore interface {
	Campaign(ctx context.Context, id uint) (*models.Campaign, error)
	TransitionStatus(ctx context.Context, id uint, from []models.CampaignStatus, to models.CampaignStatus, at time.Time) (bool, error)
	ReplaceContacts(ctx context.Context, campaignID uint, contacts []*models.CampaignContact, check func(*models.Campaign) error) error
	ContactCounts(ctx context.Context, campaignID uint) (map[models.ContactStatus]int64, error)
}

// WorkerControl attaches workers to campaigns outside the scheduler tick
type WorkerControl interface {
	Trigger(campaignID uint)
	Active(campaignID uint) bool
}

// CampaignDispatchFlow handles the external control operations of the delivery engine
type CampaignDispatchFlow interface {
	Start(ctx context.Context, req *dto.CampaignActionRequest) (*dto.CampaignActionResponse, error)
	Pause(ctx context.Context, req *dto.CampaignActionRequest) (*dto.CampaignActionResponse, error)
	Cancel(ctx context.Context, req *dto.CampaignActionRequest) (*dto.CampaignActionResponse, error)
	ReplaceContacts(ctx context.Context, req *dto.ReplaceContactsRequest) (*dto.ReplaceContactsResponse, error)
	ImportContacts(ctx context.Context, req *dto.CampaignActionRequest, workbook io.Reader) (*dto.ReplaceContactsResponse, error)
	Progress(ctx context.Context, req *dto.CampaignActionRequest) (*dto.CampaignProgressResponse, error)
}

// CampaignDispatchFlowImpl implements the campaign dispatch flow
type CampaignDispatchFlowImpl struct {
	store              DispatchControlStore
	workers            WorkerControl
	gateway            config.GatewayConfig
	defaultCountryCode string
	logger             *log.Logger

	// Now returns the current time; replaced in tests
	Now func() time.Time
}

// NewCampaignDispatchFlow creates a new campaign dispatch flow
func NewCampaignDispatchFlow(
	store DispatchControlStore,
	workers WorkerControl,
	gateway config.GatewayConfig,
	defaultCountryCode string,
	logger *log.Logger,
) CampaignDispatchFlow {
	return newCampaignDispatchFlow(store, workers, gateway, defaultCountryCode, logger)
}

func newCampaignDispatchFlow(
	store DispatchControlStore,
	workers WorkerControl,
	gateway config.GatewayConfig,
	defaultCountryCode string,
	logger *log.Logger,
) *CampaignDispatchFlowImpl {
	return &CampaignDispatchFlowImpl{
		store:              store,
		workers:            workers,
		gateway:            gateway,
		defaultCountryCode: defaultCountryCode,
		logger:             logger,
		Now:                utils.UTCNow,
	}
}

var (
	startableStatuses = []models.CampaignStatus{
		models.CampaignStatusDraft, models.CampaignStatusScheduled, models.CampaignStatusPaused,
	}
	pausableStatuses = []models.CampaignStatus{
		models.CampaignStatusRunning, models.CampaignStatusScheduled,
	}
	cancellableStatuses = []models.CampaignStatus{
		models.CampaignStatusDraft, models.CampaignStatusScheduled,
		models.CampaignStatusRunning, models.CampaignStatusPaused,
	}
)

// Start validates the gateway configuration for the campaign, moves it to running and
// asks the scheduler to attach a worker immediately. Starting a running campaign only
// re-triggers the scheduler.
func (f *CampaignDispatchFlowImpl) Start(ctx context.Context, req *dto.CampaignActionRequest) (*dto.CampaignActionResponse, error) {
	campaign, err := f.loadCampaign(ctx, req.CampaignID, req.TenantID)
	if err != nil {
		return nil, err
	}

	switch {
	case campaign.Status == models.CampaignStatusRunning:
		f.workers.Trigger(campaign.ID)
		return actionResponse("Campaign is already running", campaign.ID, campaign.Status, false), nil
	case campaign.Status.IsTerminal():
		return nil, NewBusinessError("CAMPAIGN_TERMINAL", "Campaign can no longer be started", ErrCampaignTerminal)
	case !slices.Contains(startableStatuses, campaign.Status):
		return nil, NewBusinessError("CAMPAIGN_NOT_STARTABLE", "Campaign cannot be started", ErrCampaignNotStartable)
	}

	if err := services.CheckDispatchable(f.gateway, campaign); err != nil {
		code := "GATEWAY_NOT_CONFIGURED"
		if errors.Is(err, services.ErrInstanceNotSelected) {
			code = "INSTANCE_NOT_SELECTED"
		}
		return nil, NewBusinessError(code, "Campaign cannot be dispatched", err)
	}
	if campaign.TotalContacts == 0 {
		return nil, NewBusinessError("CAMPAIGN_NO_CONTACTS", "Campaign has no contacts", ErrCampaignNoContacts)
	}

	ok, err := f.store.TransitionStatus(ctx, campaign.ID, startableStatuses, models.CampaignStatusRunning, f.Now())
	if err != nil {
		return nil, NewBusinessError("CAMPAIGN_START_FAILED", "Failed to start campaign", err)
	}
	if !ok {
		return nil, NewBusinessError("CAMPAIGN_STATUS_CHANGED", "Campaign status changed, retry", ErrCampaignStatusChanged)
	}

	f.workers.Trigger(campaign.ID)
	f.logger.Printf("dispatch: campaign id=%d started from status=%s", campaign.ID, campaign.Status)

	return actionResponse("Campaign started", campaign.ID, models.CampaignStatusRunning, true), nil
}

// Pause stops dispatch; the worker observes it at its next iteration and finishes the
// delivery in flight first
func (f *CampaignDispatchFlowImpl) Pause(ctx context.Context, req *dto.CampaignActionRequest) (*dto.CampaignActionResponse, error) {
	campaign, err := f.loadCampaign(ctx, req.CampaignID, req.TenantID)
	if err != nil {
		return nil, err
	}

	if campaign.Status == models.CampaignStatusPaused {
		return actionResponse("Campaign is already paused", campaign.ID, campaign.Status, false), nil
	}
	if !slices.Contains(pausableStatuses, campaign.Status) {
		return nil, NewBusinessError("CAMPAIGN_NOT_PAUSABLE", "Campaign cannot be paused", ErrCampaignNotPausable)
	}

	return f.transition(ctx, campaign, pausableStatuses, models.CampaignStatusPaused, "Campaign paused")
}

// Cancel ends a campaign for good; pending rows stay pending
func (f *CampaignDispatchFlowImpl) Cancel(ctx context.Context, req *dto.CampaignActionRequest) (*dto.CampaignActionResponse, error) {
	campaign, err := f.loadCampaign(ctx, req.CampaignID, req.TenantID)
	if err != nil {
		return nil, err
	}

	if campaign.Status == models.CampaignStatusCancelled {
		return actionResponse("Campaign is already cancelled", campaign.ID, campaign.Status, false), nil
	}
	if campaign.Status.IsTerminal() {
		return nil, NewBusinessError("CAMPAIGN_TERMINAL", "Campaign is already completed", ErrCampaignTerminal)
	}

	return f.transition(ctx, campaign, cancellableStatuses, models.CampaignStatusCancelled, "Campaign cancelled")
}

func (f *CampaignDispatchFlowImpl) transition(
	ctx context.Context,
	campaign *models.Campaign,
	from []models.CampaignStatus,
	to models.CampaignStatus,
	message string,
) (*dto.CampaignActionResponse, error) {
	ok, err := f.store.TransitionStatus(ctx, campaign.ID, from, to, f.Now())
	if err != nil {
		return nil, NewBusinessErrorf("CAMPAIGN_TRANSITION_FAILED", "Failed to move campaign to %s", err, to)
	}
	if !ok {
		return nil, NewBusinessError("CAMPAIGN_STATUS_CHANGED", "Campaign status changed, retry", ErrCampaignStatusChanged)
	}

	f.logger.Printf("dispatch: campaign id=%d moved from status=%s to status=%s", campaign.ID, campaign.Status, to)
	return actionResponse(message, campaign.ID, to, true), nil
}

// ReplaceContacts normalises and stores the full contact set of a campaign. The
// whole request is rejected if any phone is invalid.
func (f *CampaignDispatchFlowImpl) ReplaceContacts(ctx context.Context, req *dto.ReplaceContactsRequest) (*dto.ReplaceContactsResponse, error) {
	if len(req.Contacts) == 0 {
		return nil, NewBusinessError("CONTACTS_REQUIRED", "At least one contact is required", ErrContactsRequired)
	}

	if _, err := f.loadCampaign(ctx, req.CampaignID, req.TenantID); err != nil {
		return nil, err
	}

	contacts, invalid := f.buildContacts(req.Contacts, nil)
	if len(invalid) > 0 {
		return nil, NewBusinessErrorf("INVALID_CONTACT_PHONE", "%d contacts have an invalid phone", ErrInvalidContactPhone, len(invalid)).
			WithDetails(invalid)
	}

	return f.replace(ctx, req.CampaignID, req.TenantID, contacts)
}

// ImportContacts reads the first sheet of an XLSX workbook. The first row names the
// columns: phone is required, name is optional and every other column becomes a
// template variable. Blank rows are ignored.
func (f *CampaignDispatchFlowImpl) ImportContacts(ctx context.Context, req *dto.CampaignActionRequest, workbook io.Reader) (*dto.ReplaceContactsResponse, error) {
	if _, err := f.loadCampaign(ctx, req.CampaignID, req.TenantID); err != nil {
		return nil, err
	}

	inputs, rowNumbers, err := readContactSheet(workbook)
	if err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, NewBusinessError("CONTACTS_REQUIRED", "Workbook contains no contacts", ErrContactsRequired)
	}

	contacts, invalid := f.buildContacts(inputs, rowNumbers)
	if len(invalid) > 0 {
		return nil, NewBusinessErrorf("INVALID_CONTACT_PHONE", "%d rows have an invalid phone", ErrInvalidContactPhone, len(invalid)).
			WithDetails(invalid)
	}

	return f.replace(ctx, req.CampaignID, req.TenantID, contacts)
}

func (f *CampaignDispatchFlowImpl) replace(ctx context.Context, campaignID uint, tenantID *uint, contacts []*models.CampaignContact) (*dto.ReplaceContactsResponse, error) {
	err := f.store.ReplaceContacts(ctx, campaignID, contacts, func(c *models.Campaign) error {
		if c == nil {
			return ErrCampaignNotFound
		}
		if tenantID != nil && c.TenantID != *tenantID {
			return ErrCampaignAccessDenied
		}
		if !c.IsEditable() || c.Status.IsTerminal() {
			return ErrCampaignNotEditable
		}
		return nil
	})
	switch {
	case errors.Is(err, ErrCampaignNotFound):
		return nil, NewBusinessError("CAMPAIGN_NOT_FOUND", "Campaign not found", err)
	case errors.Is(err, ErrCampaignAccessDenied):
		return nil, NewBusinessError("CAMPAIGN_ACCESS_DENIED", "Campaign belongs to another tenant", err)
	case errors.Is(err, ErrCampaignNotEditable):
		return nil, NewBusinessError("CAMPAIGN_NOT_EDITABLE", "Campaign contacts cannot be replaced while running or finished", err)
	case err != nil:
		return nil, NewBusinessError("CONTACT_REPLACE_FAILED", "Failed to replace contacts", err)
	}

	f.logger.Printf("dispatch: campaign id=%d contacts replaced total=%d", campaignID, len(contacts))

	return &dto.ReplaceContactsResponse{
		Message:       "Contacts replaced",
		CampaignID:    campaignID,
		TotalContacts: len(contacts),
	}, nil
}

// Progress returns the campaign counters and its contacts grouped by status
func (f *CampaignDispatchFlowImpl) Progress(ctx context.Context, req *dto.CampaignActionRequest) (*dto.CampaignProgressResponse, error) {
	campaign, err := f.loadCampaign(ctx, req.CampaignID, req.TenantID)
	if err != nil {
		return nil, err
	}

	counts, err := f.store.ContactCounts(ctx, campaign.ID)
	if err != nil {
		return nil, NewBusinessError("PROGRESS_LOOKUP_FAILED", "Failed to count contacts", err)
	}

	contacts := make(map[string]int64, 5)
	for _, s := range []models.ContactStatus{
		models.ContactStatusPending, models.ContactStatusSending, models.ContactStatusSent,
		models.ContactStatusFailed, models.ContactStatusSkipped,
	} {
		contacts[s.String()] = counts[s]
	}

	return &dto.CampaignProgressResponse{
		CampaignID:    campaign.ID,
		TenantID:      campaign.TenantID,
		Name:          campaign.Name,
		Status:        campaign.Status.String(),
		SentCount:     campaign.SentCount,
		FailedCount:   campaign.FailedCount,
		SkippedCount:  campaign.SkippedCount,
		TotalContacts: campaign.TotalContacts,
		Contacts:      contacts,
		ScheduledAt:   formatTime(campaign.ScheduledAt),
		StartedAt:     formatTime(campaign.StartedAt),
		CompletedAt:   formatTime(campaign.CompletedAt),
		Worker:        &dto.WorkerStatusInfo{Active: f.workers.Active(campaign.ID)},
	}, nil
}

func (f *CampaignDispatchFlowImpl) loadCampaign(ctx context.Context, id uint, tenantID *uint) (*models.Campaign, error) {
	campaign, err := f.store.Campaign(ctx, id)
	if err != nil {
		return nil, NewBusinessError("CAMPAIGN_LOOKUP_FAILED", "Failed to lookup campaign", err)
	}
	if campaign == nil {
		return nil, NewBusinessError("CAMPAIGN_NOT_FOUND", "Campaign not found", ErrCampaignNotFound)
	}
	if tenantID != nil && campaign.TenantID != *tenantID {
		return nil, NewBusinessError("CAMPAIGN_ACCESS_DENIED", "Campaign belongs to another tenant", ErrCampaignAccessDenied)
	}
	return campaign, nil
}

// buildContacts normalises phones. Rejected inputs are reported with their entry of
// rowNumbers, or their 1-based position when rowNumbers is nil.
func (f *CampaignDispatchFlowImpl) buildContacts(inputs []dto.ContactInput, rowNumbers []int) ([]*models.CampaignContact, []dto.InvalidContact) {
	contacts := make([]*models.CampaignContact, 0, len(inputs))
	var invalid []dto.InvalidContact

	for i, in := range inputs {
		phone, err := utils.NormalizePhone(in.Phone, f.defaultCountryCode)
		if err != nil {
			row := i + 1
			if rowNumbers != nil {
				row = rowNumbers[i]
			}
			invalid = append(invalid, dto.InvalidContact{
				Row:    row,
				Phone:  in.Phone,
				Reason: utils.ReasonInvalidPhone,
			})
			continue
		}

		vars := models.ContactVariables{}
		for k, v := range in.Variables {
			vars[k] = v
		}
		contacts = append(contacts, &models.CampaignContact{
			Phone:     phone,
			Name:      strings.TrimSpace(in.Name),
			Variables: vars,
		})
	}

	return contacts, invalid
}

// readContactSheet returns the contacts of the first sheet with their 1-based sheet row numbers
func readContactSheet(r io.Reader) ([]dto.ContactInput, []int, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, nil, NewBusinessError("IMPORT_FILE_INVALID", "Import file is not a readable XLSX workbook", fmt.Errorf("%w: %v", ErrImportFileInvalid, err))
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil, NewBusinessError("IMPORT_FILE_INVALID", "Workbook has no sheets", ErrImportFileInvalid)
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, nil, NewBusinessError("IMPORT_FILE_INVALID", "Failed to read workbook rows", fmt.Errorf("%w: %v", ErrImportFileInvalid, err))
	}
	if len(rows) == 0 {
		return nil, nil, NewBusinessError("IMPORT_PHONE_REQUIRED", "Workbook has no header row", ErrImportPhoneRequired)
	}

	header := make([]string, len(rows[0]))
	phoneCol, nameCol := -1, -1
	for i, h := range rows[0] {
		header[i] = strings.ToLower(strings.TrimSpace(h))
		switch header[i] {
		case "phone":
			if phoneCol < 0 {
				phoneCol = i
			}
		case "name":
			if nameCol < 0 {
				nameCol = i
			}
		}
	}
	if phoneCol < 0 {
		return nil, nil, NewBusinessError("IMPORT_PHONE_REQUIRED", "Workbook header must contain a phone column", ErrImportPhoneRequired)
	}

	var (
		inputs     []dto.ContactInput
		rowNumbers []int
	)
	for n, row := range rows[1:] {
		if isBlankRow(row) {
			continue
		}

		in := dto.ContactInput{Variables: map[string]any{}}
		for i, cell := range row {
			if i >= len(header) || header[i] == "" {
				continue
			}
			cell = strings.TrimSpace(cell)
			switch i {
			case phoneCol:
				in.Phone = cell
			case nameCol:
				in.Name = cell
			default:
				in.Variables[header[i]] = cell
			}
		}
		inputs = append(inputs, in)
		rowNumbers = append(rowNumbers, n+2)
	}

	return inputs, rowNumbers, nil
}

func isBlankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func actionResponse(message string, id uint, status models.CampaignStatus, changed bool) *dto.CampaignActionResponse {
	return &dto.CampaignActionResponse{
		Message:    message,
		CampaignID: id,
		Status:     status.String(),
		Changed:    changed,
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
