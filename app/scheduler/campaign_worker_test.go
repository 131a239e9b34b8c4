package scheduler

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/amirphl/orochi-dispatch/app/services"
	"github.com/amirphl/orochi-dispatch/config"
	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
	hook   func(n int)
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	n := len(s.sleeps)
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func newTestWorker(store Store, gw services.GatewayClient, pub services.ProgressPublisher) (*CampaignWorker, *sleepRecorder) {
	delivery := services.NewDeliveryClient(gw, services.DeliveryOptions{AttemptTimeout: time.Second})
	delivery.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	w := NewCampaignWorker(store, delivery, nil, pub, quietLogger(), WorkerOptions{
		Gateway:         config.GatewayConfig{Provider: "mock"},
		DefaultTimezone: "UTC",
		ErrorCooldown:   30 * time.Second,
	})
	w.Now = func() time.Time { return testNow }
	rec := &sleepRecorder{}
	w.Sleep = rec.sleep
	return w, rec
}

func runningCampaign(id uint) models.Campaign {
	return models.Campaign{
		ID:              id,
		TenantID:        1,
		MessageTemplate: "Oi {name}, seu pedido {order} chegou",
		DelayMin:        5,
		DelayMax:        5,
		GatewayInstance: utils.ToPtr("sales"),
		Status:          models.CampaignStatusRunning,
	}
}

func TestWorkerCompletesCampaign(t *testing.T) {
	store := newFakeStore()
	store.addCampaign(runningCampaign(1))
	store.addContacts(1, "5511900000001", "5511900000002", "5511900000003")
	gw := services.NewMockGateway()
	pub := &services.RecordingPublisher{}
	w, rec := newTestWorker(store, gw, pub)

	reason := w.Run(context.Background(), 1)

	assert.Equal(t, StopCompleted, reason)
	c := store.campaign(1)
	assert.Equal(t, models.CampaignStatusCompleted, c.Status)
	assert.Equal(t, 3, c.SentCount)
	assert.Equal(t, 0, c.FailedCount)
	require.NotNil(t, c.CompletedAt)
	assert.Equal(t, []models.ContactStatus{
		models.ContactStatusSent, models.ContactStatusSent, models.ContactStatusSent,
	}, store.contactStatuses(1))
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second}, rec.recorded())

	calls := gw.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "sales", calls[0].Message.Instance)
	assert.Equal(t, "5511900000001", calls[0].Message.Recipient)
	assert.Equal(t, "Oi Contact 1, seu pedido  chegou", calls[0].Message.Text)

	events := pub.Snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, services.ProgressOutcomeSent, events[2].Outcome)
	assert.Equal(t, 3, events[2].Counters.Sent)
	assert.Equal(t, "mock-1", *store.contact(1).ProviderMessageID)
}

func TestWorkerWindowEnforcement(t *testing.T) {
	newWindowed := func(now time.Time) (*fakeStore, *services.MockGateway, *CampaignWorker) {
		store := newFakeStore()
		c := runningCampaign(1)
		c.SendWindowStart, c.SendWindowEnd = "09:00", "18:00"
		c.Timezone = "UTC"
		store.addCampaign(c)
		store.addContacts(1, "5511900000001")
		gw := services.NewMockGateway()
		w, _ := newTestWorker(store, gw, nil)
		w.Now = func() time.Time { return now }
		return store, gw, w
	}

	t.Run("ClosedAt0859", func(t *testing.T) {
		store, gw, w := newWindowed(time.Date(2026, 3, 2, 8, 59, 0, 0, time.UTC))
		assert.Equal(t, StopWindowClosed, w.Run(context.Background(), 1))
		assert.Empty(t, gw.Calls())
		assert.Equal(t, models.CampaignStatusRunning, store.campaign(1).Status)
		assert.Equal(t, []models.ContactStatus{models.ContactStatusPending}, store.contactStatuses(1))
	})

	t.Run("OpenAt0901", func(t *testing.T) {
		store, gw, w := newWindowed(time.Date(2026, 3, 2, 9, 1, 0, 0, time.UTC))
		assert.Equal(t, StopCompleted, w.Run(context.Background(), 1))
		assert.Len(t, gw.Calls(), 1)
		assert.Equal(t, 1, store.campaign(1).SentCount)
	})
}

func TestWorkerStopsWhenPausedExternally(t *testing.T) {
	store := newFakeStore()
	store.addCampaign(runningCampaign(1))
	store.addContacts(1, "5511900000001", "5511900000002", "5511900000003")
	gw := services.NewMockGateway()
	w, rec := newTestWorker(store, gw, nil)
	// Pause lands during the delay after the first delivery, before the second claim
	rec.hook = func(n int) {
		if n == 1 {
			store.setStatus(1, models.CampaignStatusPaused)
		}
	}

	reason := w.Run(context.Background(), 1)

	assert.Equal(t, StopPaused, reason)
	assert.Len(t, gw.Calls(), 1)
	assert.Equal(t, []models.ContactStatus{
		models.ContactStatusSent, models.ContactStatusPending, models.ContactStatusPending,
	}, store.contactStatuses(1))
	assert.Equal(t, models.CampaignStatusPaused, store.campaign(1).Status)
}

func TestWorkerStopsForTerminalStatuses(t *testing.T) {
	for status, want := range map[models.CampaignStatus]StopReason{
		models.CampaignStatusPaused:    StopPaused,
		models.CampaignStatusCancelled: StopCancelled,
		models.CampaignStatusCompleted: StopCompleted,
		models.CampaignStatusDraft:     StopNotRunning,
	} {
		store := newFakeStore()
		c := runningCampaign(1)
		c.Status = status
		store.addCampaign(c)
		store.addContacts(1, "5511900000001")
		gw := services.NewMockGateway()
		w, _ := newTestWorker(store, gw, nil)

		assert.Equal(t, want, w.Run(context.Background(), 1), status)
		assert.Empty(t, gw.Calls(), status)
	}

	w, _ := newTestWorker(newFakeStore(), services.NewMockGateway(), nil)
	assert.Equal(t, StopMissing, w.Run(context.Background(), 99))
}

func TestWorkerDuplicateRecipientSkipped(t *testing.T) {
	store := newFakeStore()
	store.addCampaign(runningCampaign(1))
	store.addContacts(1, "5511900000001", "5511900000001")
	gw := services.NewMockGateway()
	pub := &services.RecordingPublisher{}
	w, rec := newTestWorker(store, gw, pub)

	assert.Equal(t, StopCompleted, w.Run(context.Background(), 1))

	assert.Len(t, gw.Calls(), 1)
	assert.Equal(t, []models.ContactStatus{models.ContactStatusSent, models.ContactStatusSkipped}, store.contactStatuses(1))
	c := store.campaign(1)
	assert.Equal(t, 1, c.SentCount)
	assert.Equal(t, 1, c.SkippedCount)
	// No delay after a skip
	assert.Len(t, rec.recorded(), 1)

	events := pub.Snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, services.ProgressOutcomeSkipped, events[1].Outcome)
	assert.Equal(t, utils.ReasonDuplicateRecipient, events[1].Reason)
}

func TestWorkerRecordsFailures(t *testing.T) {
	store := newFakeStore()
	store.addCampaign(runningCampaign(1))
	store.addContacts(1, "5511900000001", "5511900000002")
	gw := services.NewMockGateway()
	gw.SendFunc = func(ctx context.Context, msg services.GatewayMessage) (*services.GatewayResult, error) {
		if msg.Recipient == "5511900000001" {
			return nil, errors.New("gateway http status 400: number not on whatsapp")
		}
		return &services.GatewayResult{ProviderMessageID: "ok"}, nil
	}
	w, _ := newTestWorker(store, gw, nil)

	assert.Equal(t, StopCompleted, w.Run(context.Background(), 1))

	c := store.campaign(1)
	assert.Equal(t, 1, c.SentCount)
	assert.Equal(t, 1, c.FailedCount)
	failed := store.contact(1)
	assert.Equal(t, models.ContactStatusFailed, failed.Status)
	require.NotNil(t, failed.ErrorMessage)
	assert.Contains(t, *failed.ErrorMessage, "number not on whatsapp")
	assert.Equal(t, 3, failed.Attempts)
	// 3 attempts for the failing number, 1 for the other
	assert.Len(t, gw.Calls(), 4)
}

func TestWorkerRetryCapOnTimeouts(t *testing.T) {
	store := newFakeStore()
	store.addCampaign(runningCampaign(1))
	store.addContacts(1, "5511900000001")
	gw := services.NewMockGateway()
	gw.SendFunc = func(ctx context.Context, msg services.GatewayMessage) (*services.GatewayResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	w, _ := newTestWorker(store, gw, nil)
	delivery := services.NewDeliveryClient(gw, services.DeliveryOptions{Attempts: 3, AttemptTimeout: 10 * time.Millisecond})
	delivery.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	w.delivery = delivery

	start := time.Now()
	assert.Equal(t, StopCompleted, w.Run(context.Background(), 1))
	assert.Less(t, time.Since(start), 2*time.Second)

	row := store.contact(1)
	assert.Equal(t, models.ContactStatusFailed, row.Status)
	assert.Equal(t, 3, row.Attempts)
	assert.Contains(t, *row.ErrorMessage, "timed out")
	assert.Len(t, gw.Calls(), 3)
}

func TestWorkerCoolsDownAfterStoreError(t *testing.T) {
	store := newFakeStore()
	store.addCampaign(runningCampaign(1))
	store.addContacts(1, "5511900000001")
	store.campaignErrs = 2
	w, rec := newTestWorker(store, services.NewMockGateway(), nil)

	assert.Equal(t, StopCompleted, w.Run(context.Background(), 1))
	assert.Equal(t, []time.Duration{30 * time.Second, 30 * time.Second, 5 * time.Second}, rec.recorded())
	assert.Equal(t, 1, store.campaign(1).SentCount)
}

func TestWorkerRetriesOutcomeWrite(t *testing.T) {
	store := newFakeStore()
	store.addCampaign(runningCampaign(1))
	store.addContacts(1, "5511900000001")
	store.recordErrs = 2
	gw := services.NewMockGateway()
	w, rec := newTestWorker(store, gw, nil)

	assert.Equal(t, StopCompleted, w.Run(context.Background(), 1))

	assert.Len(t, gw.Calls(), 1)
	assert.Equal(t, []models.ContactStatus{models.ContactStatusSent}, store.contactStatuses(1))
	assert.Equal(t, 1, store.campaign(1).SentCount)
	assert.Equal(t, []time.Duration{time.Second, time.Second, 5 * time.Second}, rec.recorded())
}

func TestWorkerUnrecordedDeliveryBlocksDuplicate(t *testing.T) {
	store := newFakeStore()
	store.addCampaign(runningCampaign(1))
	store.addContacts(1, "5511900000001", "5511900000001")
	store.recordErrs = utils.DefaultOutcomeWriteAttempts
	gw := services.NewMockGateway()
	w, rec := newTestWorker(store, gw, nil)

	assert.Equal(t, StopCompleted, w.Run(context.Background(), 1))

	// The first row stays in sending for the reconciler; the second is never sent
	assert.Len(t, gw.Calls(), 1)
	assert.Equal(t, []models.ContactStatus{models.ContactStatusSending, models.ContactStatusSkipped}, store.contactStatuses(1))
	assert.Equal(t, []time.Duration{time.Second, time.Second, 30 * time.Second}, rec.recorded())
}

func TestWorkerPublishFailureDoesNotAffectOutcome(t *testing.T) {
	store := newFakeStore()
	store.addCampaign(runningCampaign(1))
	store.addContacts(1, "5511900000001")
	pub := &services.RecordingPublisher{Err: errors.New("broker down")}
	w, _ := newTestWorker(store, services.NewMockGateway(), pub)

	assert.Equal(t, StopCompleted, w.Run(context.Background(), 1))
	assert.Equal(t, 1, store.campaign(1).SentCount)
	assert.Len(t, pub.Snapshot(), 1)
}

func TestWorkerPausesMisconfiguredCampaign(t *testing.T) {
	store := newFakeStore()
	c := runningCampaign(1)
	c.GatewayInstance = nil
	store.addCampaign(c)
	store.addContacts(1, "5511900000001")
	gw := services.NewMockGateway()
	w, _ := newTestWorker(store, gw, nil)

	assert.Equal(t, StopMisconfigured, w.Run(context.Background(), 1))
	assert.Equal(t, models.CampaignStatusPaused, store.campaign(1).Status)
	assert.Empty(t, gw.Calls())
	assert.Equal(t, []models.ContactStatus{models.ContactStatusPending}, store.contactStatuses(1))
}

func TestWorkerShutdownDuringDelay(t *testing.T) {
	store := newFakeStore()
	store.addCampaign(runningCampaign(1))
	store.addContacts(1, "5511900000001", "5511900000002")
	ctx, cancel := context.WithCancel(context.Background())
	w, rec := newTestWorker(store, services.NewMockGateway(), nil)
	rec.hook = func(n int) { cancel() }

	assert.Equal(t, StopShutdown, w.Run(ctx, 1))
	assert.Equal(t, []models.ContactStatus{models.ContactStatusSent, models.ContactStatusPending}, store.contactStatuses(1))
	assert.Equal(t, models.CampaignStatusRunning, store.campaign(1).Status)
}

func TestWorkerOutcomeResolvedElsewhere(t *testing.T) {
	store := newFakeStore()
	store.addCampaign(runningCampaign(1))
	store.addContacts(1, "5511900000001")
	gw := services.NewMockGateway()
	gw.SendFunc = func(ctx context.Context, msg services.GatewayMessage) (*services.GatewayResult, error) {
		// The reconciler fails the row while the gateway call is in flight
		_, err := store.FailStaleClaims(ctx, testNow.Add(time.Minute), utils.ReasonInterrupted, testNow)
		return &services.GatewayResult{ProviderMessageID: "late"}, err
	}
	pub := &services.RecordingPublisher{}
	w, _ := newTestWorker(store, gw, pub)

	assert.Equal(t, StopCompleted, w.Run(context.Background(), 1))
	c := store.campaign(1)
	assert.Equal(t, 0, c.SentCount)
	assert.Equal(t, 1, c.FailedCount)
	assert.Empty(t, pub.Snapshot())
}
