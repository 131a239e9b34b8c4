package businessflow

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/amirphl/orochi-dispatch/app/dto"
	"github.com/amirphl/orochi-dispatch/config"
	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

var flowNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type memoryControlStore struct {
	mu        sync.Mutex
	campaigns map[uint]*models.Campaign
	contacts  map[uint][]*models.CampaignContact
	err       error
}

func newMemoryControlStore(campaigns ...models.Campaign) *memoryControlStore {
	s := &memoryControlStore{
		campaigns: map[uint]*models.Campaign{},
		contacts:  map[uint][]*models.CampaignContact{},
	}
	for i := range campaigns {
		c := campaigns[i]
		s.campaigns[c.ID] = &c
	}
	return s
}

func (s *memoryControlStore) Campaign(ctx context.Context, id uint) (*models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	c, ok := s.campaigns[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *memoryControlStore) TransitionStatus(ctx context.Context, id uint, from []models.CampaignStatus, to models.CampaignStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if c.Status == f {
			c.Status = to
			if to == models.CampaignStatusRunning && c.StartedAt == nil {
				c.StartedAt = &at
			}
			return true, nil
		}
	}
	return false, nil
}

func (s *memoryControlStore) ReplaceContacts(ctx context.Context, campaignID uint, contacts []*models.CampaignContact, check func(*models.Campaign) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if check != nil {
		var locked *models.Campaign
		if c, ok := s.campaigns[campaignID]; ok {
			cp := *c
			locked = &cp
		}
		if err := check(locked); err != nil {
			return err
		}
	}
	s.contacts[campaignID] = contacts
	c := s.campaigns[campaignID]
	c.TotalContacts = len(contacts)
	c.SentCount, c.FailedCount, c.SkippedCount = 0, 0, 0
	return nil
}

func (s *memoryControlStore) ContactCounts(ctx context.Context, campaignID uint) (map[models.ContactStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[models.ContactStatus]int64{}
	for _, c := range s.contacts[campaignID] {
		status := c.Status
		if status == "" {
			status = models.ContactStatusPending
		}
		out[status]++
	}
	return out, nil
}

type recordingWorkers struct {
	mu        sync.Mutex
	triggered []uint
	active    map[uint]bool
}

func (w *recordingWorkers) Trigger(id uint) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.triggered = append(w.triggered, id)
}

func (w *recordingWorkers) Active(id uint) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active[id]
}

func testCampaign(id uint, status models.CampaignStatus) models.Campaign {
	return models.Campaign{
		ID:              id,
		TenantID:        1,
		Name:            "promo",
		MessageTemplate: "Oi {name}",
		Status:          status,
		TotalContacts:   2,
		GatewayInstance: utils.ToPtr("sales-1"),
	}
}

func newTestFlow(store *memoryControlStore) (*CampaignDispatchFlowImpl, *recordingWorkers) {
	workers := &recordingWorkers{active: map[uint]bool{}}
	f := newCampaignDispatchFlow(store, workers,
		config.GatewayConfig{Provider: "http", BaseURL: "http://gw", APIKey: "k"},
		"55", log.New(io.Discard, "", 0))
	f.Now = func() time.Time { return flowNow }
	return f, workers
}

func action(id uint) *dto.CampaignActionRequest {
	return &dto.CampaignActionRequest{CampaignID: id}
}

func TestStart(t *testing.T) {
	ctx := context.Background()

	t.Run("FromStartableStatuses", func(t *testing.T) {
		for _, status := range []models.CampaignStatus{
			models.CampaignStatusDraft, models.CampaignStatusScheduled, models.CampaignStatusPaused,
		} {
			store := newMemoryControlStore(testCampaign(1, status))
			f, workers := newTestFlow(store)

			resp, err := f.Start(ctx, action(1))
			require.NoError(t, err, status)
			assert.True(t, resp.Changed)
			assert.Equal(t, "running", resp.Status)
			assert.Equal(t, []uint{1}, workers.triggered)

			c, _ := store.Campaign(ctx, 1)
			assert.Equal(t, models.CampaignStatusRunning, c.Status)
			assert.Equal(t, flowNow, *c.StartedAt)
		}
	})

	t.Run("AlreadyRunningRetriggers", func(t *testing.T) {
		f, workers := newTestFlow(newMemoryControlStore(testCampaign(1, models.CampaignStatusRunning)))
		resp, err := f.Start(ctx, action(1))
		require.NoError(t, err)
		assert.False(t, resp.Changed)
		assert.Equal(t, []uint{1}, workers.triggered)
	})

	t.Run("Terminal", func(t *testing.T) {
		for _, status := range []models.CampaignStatus{models.CampaignStatusCompleted, models.CampaignStatusCancelled} {
			f, workers := newTestFlow(newMemoryControlStore(testCampaign(1, status)))
			_, err := f.Start(ctx, action(1))
			assert.True(t, IsCampaignTerminal(err), status)
			assert.Equal(t, "CAMPAIGN_TERMINAL", ErrorCode(err))
			assert.Empty(t, workers.triggered)
		}
	})

	t.Run("MissingInstance", func(t *testing.T) {
		c := testCampaign(1, models.CampaignStatusDraft)
		c.GatewayInstance = nil
		store := newMemoryControlStore(c)
		f, _ := newTestFlow(store)

		_, err := f.Start(ctx, action(1))
		assert.True(t, IsInstanceNotSelected(err))
		assert.Equal(t, "INSTANCE_NOT_SELECTED", ErrorCode(err))

		got, _ := store.Campaign(ctx, 1)
		assert.Equal(t, models.CampaignStatusDraft, got.Status, "status untouched")
	})

	t.Run("MissingCredentials", func(t *testing.T) {
		f, _ := newTestFlow(newMemoryControlStore(testCampaign(1, models.CampaignStatusDraft)))
		f.gateway.APIKey = ""
		_, err := f.Start(ctx, action(1))
		assert.True(t, IsGatewayNotConfigured(err))
		assert.Equal(t, "GATEWAY_NOT_CONFIGURED", ErrorCode(err))
	})

	t.Run("NoContacts", func(t *testing.T) {
		c := testCampaign(1, models.CampaignStatusDraft)
		c.TotalContacts = 0
		f, _ := newTestFlow(newMemoryControlStore(c))
		_, err := f.Start(ctx, action(1))
		assert.True(t, IsCampaignNoContacts(err))
	})

	t.Run("NotFound", func(t *testing.T) {
		f, _ := newTestFlow(newMemoryControlStore())
		_, err := f.Start(ctx, action(9))
		assert.True(t, IsCampaignNotFound(err))
	})

	t.Run("OtherTenant", func(t *testing.T) {
		f, _ := newTestFlow(newMemoryControlStore(testCampaign(1, models.CampaignStatusDraft)))
		_, err := f.Start(ctx, &dto.CampaignActionRequest{CampaignID: 1, TenantID: utils.ToPtr(uint(2))})
		assert.True(t, IsCampaignAccessDenied(err))
	})

	t.Run("StoreError", func(t *testing.T) {
		store := newMemoryControlStore(testCampaign(1, models.CampaignStatusDraft))
		store.err = errors.New("connection refused")
		f, _ := newTestFlow(store)
		_, err := f.Start(ctx, action(1))
		assert.Equal(t, "CAMPAIGN_LOOKUP_FAILED", ErrorCode(err))
	})
}

func TestPauseAndCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("PauseRunning", func(t *testing.T) {
		store := newMemoryControlStore(testCampaign(1, models.CampaignStatusRunning))
		f, _ := newTestFlow(store)
		resp, err := f.Pause(ctx, action(1))
		require.NoError(t, err)
		assert.True(t, resp.Changed)
		c, _ := store.Campaign(ctx, 1)
		assert.Equal(t, models.CampaignStatusPaused, c.Status)
	})

	t.Run("PauseIsIdempotent", func(t *testing.T) {
		f, _ := newTestFlow(newMemoryControlStore(testCampaign(1, models.CampaignStatusPaused)))
		resp, err := f.Pause(ctx, action(1))
		require.NoError(t, err)
		assert.False(t, resp.Changed)
	})

	t.Run("PauseDraftRejected", func(t *testing.T) {
		f, _ := newTestFlow(newMemoryControlStore(testCampaign(1, models.CampaignStatusDraft)))
		_, err := f.Pause(ctx, action(1))
		assert.True(t, IsCampaignNotPausable(err))
	})

	t.Run("CancelNonTerminal", func(t *testing.T) {
		for _, status := range []models.CampaignStatus{
			models.CampaignStatusDraft, models.CampaignStatusScheduled,
			models.CampaignStatusRunning, models.CampaignStatusPaused,
		} {
			store := newMemoryControlStore(testCampaign(1, status))
			f, _ := newTestFlow(store)
			resp, err := f.Cancel(ctx, action(1))
			require.NoError(t, err, status)
			assert.Equal(t, "cancelled", resp.Status)
		}
	})

	t.Run("CancelCompletedRejected", func(t *testing.T) {
		f, _ := newTestFlow(newMemoryControlStore(testCampaign(1, models.CampaignStatusCompleted)))
		_, err := f.Cancel(ctx, action(1))
		assert.True(t, IsCampaignTerminal(err))
	})

	t.Run("CancelCancelledIsIdempotent", func(t *testing.T) {
		f, _ := newTestFlow(newMemoryControlStore(testCampaign(1, models.CampaignStatusCancelled)))
		resp, err := f.Cancel(ctx, action(1))
		require.NoError(t, err)
		assert.False(t, resp.Changed)
	})
}

func TestReplaceContacts(t *testing.T) {
	ctx := context.Background()

	t.Run("NormalisesPhones", func(t *testing.T) {
		store := newMemoryControlStore(testCampaign(1, models.CampaignStatusDraft))
		f, _ := newTestFlow(store)

		resp, err := f.ReplaceContacts(ctx, &dto.ReplaceContactsRequest{
			CampaignID: 1,
			Contacts: []dto.ContactInput{
				{Phone: "(11) 99999-0000", Name: " Ana ", Variables: map[string]any{"city": "Recife"}},
				{Phone: "+55 21 98888 1111"},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, resp.TotalContacts)

		got := store.contacts[1]
		require.Len(t, got, 2)
		assert.Equal(t, "5511999990000", got[0].Phone)
		assert.Equal(t, "Ana", got[0].Name)
		assert.Equal(t, "Recife", got[0].Variables["city"])
		assert.Equal(t, "5521988881111", got[1].Phone)
	})

	t.Run("InvalidPhoneRejectsAll", func(t *testing.T) {
		store := newMemoryControlStore(testCampaign(1, models.CampaignStatusDraft))
		f, _ := newTestFlow(store)

		_, err := f.ReplaceContacts(ctx, &dto.ReplaceContactsRequest{
			CampaignID: 1,
			Contacts:   []dto.ContactInput{{Phone: "5511999990000"}, {Phone: "12"}},
		})
		require.True(t, IsInvalidContactPhone(err))
		invalid, ok := ErrorDetails(err).([]dto.InvalidContact)
		require.True(t, ok)
		assert.Equal(t, []dto.InvalidContact{{Row: 2, Phone: "12", Reason: utils.ReasonInvalidPhone}}, invalid)
		assert.Empty(t, store.contacts[1])
	})

	t.Run("RejectedWhileRunning", func(t *testing.T) {
		f, _ := newTestFlow(newMemoryControlStore(testCampaign(1, models.CampaignStatusRunning)))
		_, err := f.ReplaceContacts(ctx, &dto.ReplaceContactsRequest{
			CampaignID: 1,
			Contacts:   []dto.ContactInput{{Phone: "5511999990000"}},
		})
		assert.True(t, IsCampaignNotEditable(err))
	})

	t.Run("Empty", func(t *testing.T) {
		f, _ := newTestFlow(newMemoryControlStore(testCampaign(1, models.CampaignStatusDraft)))
		_, err := f.ReplaceContacts(ctx, &dto.ReplaceContactsRequest{CampaignID: 1})
		assert.True(t, IsContactsRequired(err))
	})
}

func workbook(t *testing.T, rows ...[]any) *bytes.Buffer {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &row))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf
}

func TestImportContacts(t *testing.T) {
	ctx := context.Background()

	t.Run("HeaderColumnsBecomeVariables", func(t *testing.T) {
		store := newMemoryControlStore(testCampaign(1, models.CampaignStatusPaused))
		f, _ := newTestFlow(store)

		buf := workbook(t,
			[]any{"Name", "Phone", "Order"},
			[]any{"Ana", "11999990000", "A-1"},
			[]any{"", "", ""},
			[]any{"Bruno", "+5521988881111", "B-2"},
		)
		resp, err := f.ImportContacts(ctx, action(1), buf)
		require.NoError(t, err)
		assert.Equal(t, 2, resp.TotalContacts)

		got := store.contacts[1]
		require.Len(t, got, 2)
		assert.Equal(t, "Ana", got[0].Name)
		assert.Equal(t, "5511999990000", got[0].Phone)
		assert.Equal(t, "A-1", got[0].Variables["order"])
		assert.Equal(t, "5521988881111", got[1].Phone)
	})

	t.Run("MissingPhoneColumn", func(t *testing.T) {
		f, _ := newTestFlow(newMemoryControlStore(testCampaign(1, models.CampaignStatusDraft)))
		_, err := f.ImportContacts(ctx, action(1), workbook(t, []any{"name"}, []any{"Ana"}))
		assert.True(t, IsImportPhoneRequired(err))
	})

	t.Run("InvalidRowReported", func(t *testing.T) {
		f, _ := newTestFlow(newMemoryControlStore(testCampaign(1, models.CampaignStatusDraft)))
		_, err := f.ImportContacts(ctx, action(1), workbook(t,
			[]any{"phone"},
			[]any{"11999990000"},
			[]any{""},
			[]any{"abc"},
		))
		require.True(t, IsInvalidContactPhone(err))
		invalid := ErrorDetails(err).([]dto.InvalidContact)
		require.Len(t, invalid, 1)
		assert.Equal(t, 4, invalid[0].Row, "sheet row number, blank rows counted")
	})

	t.Run("NotAWorkbook", func(t *testing.T) {
		f, _ := newTestFlow(newMemoryControlStore(testCampaign(1, models.CampaignStatusDraft)))
		_, err := f.ImportContacts(ctx, action(1), strings.NewReader("phone\n11999990000\n"))
		assert.True(t, IsImportFileInvalid(err))
	})
}

func TestProgress(t *testing.T) {
	ctx := context.Background()
	c := testCampaign(1, models.CampaignStatusRunning)
	c.SentCount, c.FailedCount = 1, 1
	c.StartedAt = &flowNow
	store := newMemoryControlStore(c)
	store.contacts[1] = []*models.CampaignContact{
		{Status: models.ContactStatusSent},
		{Status: models.ContactStatusFailed},
		{Status: models.ContactStatusPending},
	}
	f, workers := newTestFlow(store)
	workers.active[1] = true

	resp, err := f.Progress(ctx, action(1))
	require.NoError(t, err)
	assert.Equal(t, "running", resp.Status)
	assert.Equal(t, 1, resp.SentCount)
	assert.Equal(t, int64(1), resp.Contacts["pending"])
	assert.Equal(t, int64(0), resp.Contacts["skipped"])
	assert.Equal(t, "2026-03-02T12:00:00Z", *resp.StartedAt)
	assert.Nil(t, resp.CompletedAt)
	assert.True(t, resp.Worker.Active)
}
