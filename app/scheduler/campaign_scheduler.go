// Package scheduler runs the campaign delivery engine: the periodic scheduler, one
// worker loop per running campaign, and the stale-claim reconciler.
package scheduler

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/amirphl/orochi-dispatch/app/lock"
	"github.com/amirphl/orochi-dispatch/app/services"
	"github.com/amirphl/orochi-dispatch/config"
	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/utils"
)

// CampaignScheduler periodically makes sure every running or due campaign has
// exactly one worker in this process
type CampaignScheduler struct {
	store      Store
	worker     *CampaignWorker
	registry   *Registry
	locker     lock.Locker
	lockPrefix string
	gateway    config.GatewayConfig
	logger     *log.Logger
	interval   time.Duration

	trigger chan uint
	Now     func() time.Time
}

// NewCampaignScheduler wires the scheduler
func NewCampaignScheduler(
	store Store,
	worker *CampaignWorker,
	registry *Registry,
	locker lock.Locker,
	lockPrefix string,
	gateway config.GatewayConfig,
	logger *log.Logger,
	interval time.Duration,
) *CampaignScheduler {
	if interval <= 0 {
		interval = utils.DefaultTickInterval
	}
	if logger == nil {
		logger = log.Default()
	}

	return &CampaignScheduler{
		store:      store,
		worker:     worker,
		registry:   registry,
		locker:     locker,
		lockPrefix: lockPrefix,
		gateway:    gateway,
		logger:     logger,
		interval:   interval,
		trigger:    make(chan uint, 64),
		Now:        utils.UTCNow,
	}
}

// Start launches the scheduler loop in a background goroutine and returns a stop function.
// Stopping cancels every worker it launched; use Shutdown to wait for them.
func (s *CampaignScheduler) Start(parent context.Context) func() {
	ctx, cancel := context.WithCancel(parent)

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.runOnce(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runOnce(ctx)
			case id := <-s.trigger:
				s.runCampaign(ctx, id)
			}
		}
	}()

	return cancel
}

// Trigger asks the scheduler to attach a worker to a campaign now instead of at the
// next tick. It never blocks; a dropped request is served by the next tick.
func (s *CampaignScheduler) Trigger(campaignID uint) {
	select {
	case s.trigger <- campaignID:
	default:
		s.logger.Printf("scheduler: trigger queue full, campaign id=%d deferred to next tick", campaignID)
	}
}

// Shutdown waits for launched workers to exit or for ctx to end
func (s *CampaignScheduler) Shutdown(ctx context.Context) error {
	return s.registry.Shutdown(ctx)
}

// Active reports whether this process currently runs a worker for the campaign
func (s *CampaignScheduler) Active(campaignID uint) bool {
	return s.registry.Active(campaignID)
}

// Registry exposes the in-process worker registry
func (s *CampaignScheduler) Registry() *Registry {
	return s.registry
}

func (s *CampaignScheduler) runOnce(ctx context.Context) {
	campaigns, err := s.store.ListRunnable(ctx, s.Now())
	if err != nil {
		s.logger.Printf("scheduler: list runnable campaigns failed: %v", err)
		return
	}

	launched := 0
	for _, c := range campaigns {
		if s.ensureWorker(ctx, c) {
			launched++
		}
	}
	if launched > 0 {
		s.logger.Printf("scheduler: launched %d workers, %d active", launched, s.registry.Len())
	}
}

func (s *CampaignScheduler) runCampaign(ctx context.Context, campaignID uint) {
	c, err := s.store.Campaign(ctx, campaignID)
	if err != nil {
		s.logger.Printf("scheduler: load campaign id=%d failed: %v", campaignID, err)
		return
	}
	if c == nil {
		return
	}
	if c.Status != models.CampaignStatusRunning && !(c.Status == models.CampaignStatusScheduled && c.IsDue(s.Now())) {
		return
	}
	s.ensureWorker(ctx, c)
}

// ensureWorker promotes a due scheduled campaign to running and launches its worker.
// Promotion happens first so a crash before launch leaves the campaign discoverable.
func (s *CampaignScheduler) ensureWorker(ctx context.Context, c *models.Campaign) bool {
	if s.registry.Active(c.ID) {
		return false
	}

	if c.Status == models.CampaignStatusScheduled {
		if err := services.CheckDispatchable(s.gateway, c); err != nil {
			s.logger.Printf("scheduler: campaign id=%d not promoted: %v", c.ID, err)
			return false
		}
		ok, err := s.store.TransitionStatus(ctx, c.ID,
			[]models.CampaignStatus{models.CampaignStatusScheduled}, models.CampaignStatusRunning, s.Now())
		if err != nil {
			s.logger.Printf("scheduler: promote campaign id=%d failed: %v", c.ID, err)
			return false
		}
		if !ok {
			return false
		}
		s.logger.Printf("scheduler: campaign id=%d moved to running", c.ID)
	}

	id := c.ID
	return s.registry.Launch(ctx, id, func(wctx context.Context) {
		s.runWorker(wctx, id)
	})
}

func (s *CampaignScheduler) runWorker(ctx context.Context, campaignID uint) {
	key := lock.CampaignKey(s.lockPrefix, campaignID)
	acquired, err := lock.Guard(ctx, s.locker, s.logger, key, func(gctx context.Context) error {
		s.logger.Printf("scheduler: campaign id=%d worker started", campaignID)
		reason := s.worker.Run(gctx, campaignID)
		s.logger.Printf("scheduler: campaign id=%d worker stopped reason=%s", campaignID, reason)
		return nil
	})
	if errors.Is(err, lock.ErrLeaseLost) {
		s.logger.Printf("scheduler: campaign id=%d worker stopped on lost lock, next tick retries", campaignID)
		return
	}
	if err != nil {
		s.logger.Printf("scheduler: campaign id=%d worker lock failed: %v", campaignID, err)
		return
	}
	if !acquired {
		lockContentionTotal.Inc()
	}
}
