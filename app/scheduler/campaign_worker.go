package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/amirphl/orochi-dispatch/app/services"
	"github.com/amirphl/orochi-dispatch/config"
	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/repository"
	"github.com/amirphl/orochi-dispatch/utils"
)

// StopReason explains why a worker loop returned
type StopReason string

const (
	StopCompleted     StopReason = "completed"
	StopPaused        StopReason = "paused"
	StopCancelled     StopReason = "cancelled"
	StopWindowClosed  StopReason = "window closed"
	StopNotRunning    StopReason = "not running"
	StopMissing       StopReason = "campaign missing"
	StopMisconfigured StopReason = "misconfigured"
	StopShutdown      StopReason = "shutdown"
)

// Deliverer performs bounded delivery for one recipient
type Deliverer interface {
	Deliver(ctx context.Context, tenantID uint, msg services.GatewayMessage) (*services.DeliveryResult, error)
}

// WorkerOptions tunes the worker loop
type WorkerOptions struct {
	Gateway             config.GatewayConfig
	DefaultTimezone     string
	ErrorCooldown       time.Duration
	EventPublishTimeout time.Duration
	// OutcomeWriteAttempts bounds how often an outcome write is tried once the
	// gateway has answered
	OutcomeWriteAttempts int
	OutcomeWriteDelay    time.Duration
}

// CampaignWorker runs the per-campaign delivery loop
type CampaignWorker struct {
	store     Store
	claimer   *Claimer
	delivery  Deliverer
	media     services.MediaLoader
	publisher services.ProgressPublisher
	logger    *log.Logger
	opts      WorkerOptions

	Delay *DelayPicker
	Now   func() time.Time
	// Sleep is used for the inter-delivery delay and the error cooldown
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewCampaignWorker wires a worker. media and publisher may be nil.
func NewCampaignWorker(
	store Store,
	delivery Deliverer,
	media services.MediaLoader,
	publisher services.ProgressPublisher,
	logger *log.Logger,
	opts WorkerOptions,
) *CampaignWorker {
	if publisher == nil {
		publisher = services.NoopPublisher{}
	}
	if logger == nil {
		logger = log.Default()
	}
	if opts.ErrorCooldown <= 0 {
		opts.ErrorCooldown = utils.DefaultErrorCooldown
	}
	if opts.EventPublishTimeout <= 0 {
		opts.EventPublishTimeout = 5 * time.Second
	}
	if opts.OutcomeWriteAttempts <= 0 {
		opts.OutcomeWriteAttempts = utils.DefaultOutcomeWriteAttempts
	}
	if opts.OutcomeWriteDelay <= 0 {
		opts.OutcomeWriteDelay = utils.DefaultOutcomeWriteDelay
	}

	w := &CampaignWorker{
		store:     store,
		delivery:  delivery,
		media:     media,
		publisher: publisher,
		logger:    logger,
		opts:      opts,
		Delay:     NewDelayPicker(nil),
		Now:       utils.UTCNow,
		Sleep:     utils.SleepContext,
	}
	w.claimer = NewClaimer(store, func() time.Time { return w.Now() })
	return w
}

// runState carries values cached across iterations of one loop run
type runState struct {
	media       *services.MediaPayload
	mediaLoaded bool
}

// Run processes the campaign until it is paused, cancelled, exhausted, outside its
// window, or ctx ends. Iteration errors are logged and retried after a cooldown;
// Run itself never fails.
func (w *CampaignWorker) Run(ctx context.Context, campaignID uint) StopReason {
	state := &runState{}
	for {
		if ctx.Err() != nil {
			return StopShutdown
		}

		reason, done, err := w.iterate(ctx, campaignID, state)
		if err == nil {
			if done {
				return reason
			}
			continue
		}
		if ctx.Err() != nil {
			return StopShutdown
		}

		loopErrorsTotal.Inc()
		w.logger.Printf("worker: campaign id=%d iteration failed, cooling down %s: %v", campaignID, w.opts.ErrorCooldown, err)
		if err := w.Sleep(ctx, w.opts.ErrorCooldown); err != nil {
			return StopShutdown
		}
	}
}

// iterate runs one pass of the state machine. done reports whether the loop should stop.
func (w *CampaignWorker) iterate(ctx context.Context, campaignID uint, state *runState) (StopReason, bool, error) {
	campaign, err := w.store.Campaign(ctx, campaignID)
	if err != nil {
		return "", false, fmt.Errorf("load campaign: %w", err)
	}
	if campaign == nil {
		return StopMissing, true, nil
	}

	switch campaign.Status {
	case models.CampaignStatusRunning:
	case models.CampaignStatusPaused:
		return StopPaused, true, nil
	case models.CampaignStatusCancelled:
		return StopCancelled, true, nil
	case models.CampaignStatusCompleted:
		return StopCompleted, true, nil
	default:
		return StopNotRunning, true, nil
	}

	now := w.Now()
	if !InsideWindow(campaign, now, w.opts.DefaultTimezone) {
		return StopWindowClosed, true, nil
	}

	if err := services.CheckDispatchable(w.opts.Gateway, campaign); err != nil {
		return w.pauseMisconfigured(ctx, campaign, err)
	}

	if !state.mediaLoaded && w.media != nil {
		payload, err := w.media.Load(ctx, campaign)
		if err != nil {
			return "", false, fmt.Errorf("load media: %w", err)
		}
		state.media, state.mediaLoaded = payload, true
	}

	claim, err := w.claimer.Next(ctx, campaign.ID)
	if err != nil {
		return "", false, fmt.Errorf("claim: %w", err)
	}

	switch claim.Outcome {
	case ClaimExhausted:
		ok, err := w.store.TransitionStatus(ctx, campaign.ID,
			[]models.CampaignStatus{models.CampaignStatusRunning}, models.CampaignStatusCompleted, w.Now())
		if err != nil {
			return "", false, fmt.Errorf("complete campaign: %w", err)
		}
		if !ok {
			// Status changed under us; the next iteration reads it
			return "", false, nil
		}
		w.logger.Printf("worker: campaign id=%d completed", campaign.ID)
		return StopCompleted, true, nil

	case ClaimSkipped:
		deliveriesTotal.WithLabelValues(string(services.ProgressOutcomeSkipped)).Inc()
		w.publish(ctx, campaign, claim.Contact, services.ProgressOutcomeSkipped, utils.ReasonDuplicateRecipient, claim.Counters)
		return "", false, nil
	}

	if err := w.deliver(ctx, campaign, claim.Contact, state.media); err != nil {
		return "", false, err
	}

	if err := w.Sleep(ctx, w.Delay.Pick(campaign.DelayMin, campaign.DelayMax)); err != nil {
		return StopShutdown, true, nil
	}
	return "", false, nil
}

func (w *CampaignWorker) deliver(ctx context.Context, campaign *models.Campaign, contact *models.CampaignContact, media *services.MediaPayload) error {
	msg := services.GatewayMessage{
		Instance:  services.ResolveInstance(w.opts.Gateway, campaign),
		Recipient: contact.Phone,
		Text:      services.RenderTemplate(campaign.MessageTemplate, contact.TemplateVariables()),
		Media:     media,
	}

	result, err := w.delivery.Deliver(ctx, campaign.TenantID, msg)
	if err != nil {
		// Outcome unknown; the row stays in sending for the reconciler
		return fmt.Errorf("deliver contact %d: %w", contact.ID, err)
	}

	outcome := services.ProgressOutcomeFailed
	if result.Delivered {
		outcome = services.ProgressOutcomeSent
	}

	// The gateway already answered; the write outlives shutdown and is retried
	writeCtx := context.WithoutCancel(ctx)
	var counters *models.CampaignCounters
	for attempt := 1; ; attempt++ {
		counters, err = w.recordOutcome(writeCtx, contact, result)
		if err == nil || errors.Is(err, repository.ErrContactNotClaimed) || attempt >= w.opts.OutcomeWriteAttempts {
			break
		}
		w.logger.Printf("worker: campaign id=%d contact id=%d record %s attempt=%d failed: %v", campaign.ID, contact.ID, outcome, attempt, err)
		if serr := w.Sleep(writeCtx, w.opts.OutcomeWriteDelay); serr != nil {
			break
		}
	}
	if errors.Is(err, repository.ErrContactNotClaimed) {
		w.logger.Printf("worker: campaign id=%d contact id=%d resolved elsewhere, outcome %s dropped", campaign.ID, contact.ID, outcome)
		return nil
	}
	if err != nil {
		return fmt.Errorf("record outcome for contact %d: %w", contact.ID, err)
	}

	deliveriesTotal.WithLabelValues(string(outcome)).Inc()
	w.publish(ctx, campaign, contact, outcome, result.Reason, counters)
	return nil
}

func (w *CampaignWorker) recordOutcome(ctx context.Context, contact *models.CampaignContact, result *services.DeliveryResult) (*models.CampaignCounters, error) {
	if result.Delivered {
		return w.store.RecordSent(ctx, contact, result.ProviderMessageID, w.Now())
	}
	return w.store.RecordFailed(ctx, contact, result.Reason, result.Attempts, w.Now())
}

// publish is best-effort: failures are logged and never affect the recorded outcome
func (w *CampaignWorker) publish(ctx context.Context, campaign *models.Campaign, contact *models.CampaignContact, outcome services.ProgressOutcome, reason string, counters *models.CampaignCounters) {
	var snapshot models.CampaignCounters
	if counters != nil {
		snapshot = *counters
	}
	ev := services.NewProgressEvent(contact, campaign.TenantID, outcome, reason, snapshot, w.Now())

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.EventPublishTimeout)
	defer cancel()
	if err := w.publisher.Publish(pctx, ev); err != nil {
		w.logger.Printf("worker: campaign id=%d contact id=%d publish progress failed: %v", campaign.ID, contact.ID, err)
	}
}

func (w *CampaignWorker) pauseMisconfigured(ctx context.Context, campaign *models.Campaign, cause error) (StopReason, bool, error) {
	ok, err := w.store.TransitionStatus(ctx, campaign.ID,
		[]models.CampaignStatus{models.CampaignStatusRunning}, models.CampaignStatusPaused, w.Now())
	if err != nil {
		return "", false, fmt.Errorf("pause misconfigured campaign: %w", err)
	}
	if ok {
		w.logger.Printf("worker: campaign id=%d paused: %v", campaign.ID, cause)
	}
	return StopMisconfigured, true, nil
}
