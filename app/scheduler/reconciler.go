package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/robfig/cron/v3"
)

// Reconciler resolves contact rows left in sending by an interrupted worker. Such a
// message may or may not have reached the gateway, so the row is failed, never re-sent,
// and the campaign counters are recomputed from the rows.
type Reconciler struct {
	store      Store
	logger     *log.Logger
	schedule   string
	staleAfter time.Duration

	parser cron.Parser
	c      *cron.Cron
	Now    func() time.Time
}

// NewReconciler creates a reconciler running on a cron schedule such as "@every 5m"
func NewReconciler(store Store, logger *log.Logger, schedule string, staleAfter time.Duration) *Reconciler {
	if logger == nil {
		logger = log.Default()
	}
	if schedule == "" {
		schedule = "@every 5m"
	}
	if staleAfter <= 0 {
		staleAfter = utils.DefaultStaleClaimAfter
	}
	return &Reconciler{
		store:      store,
		logger:     logger,
		schedule:   schedule,
		staleAfter: staleAfter,
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		Now:        utils.UTCNow,
	}
}

// Start registers the job and starts cron. The returned function stops cron and waits
// for a running pass to finish.
func (r *Reconciler) Start(parent context.Context) (func(), error) {
	sched, err := r.parser.Parse(r.schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", r.schedule, err)
	}

	ctx, cancel := context.WithCancel(parent)
	r.c = cron.New(cron.WithParser(r.parser), cron.WithLocation(time.UTC))
	r.c.Schedule(sched, cron.FuncJob(func() {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Printf("reconciler: pass failed: %v", err)
		}
	}))
	r.c.Start()

	return func() {
		cancel()
		<-r.c.Stop().Done()
	}, nil
}

// RunOnce fails every row claimed before now minus the stale threshold and returns the
// affected campaign IDs
func (r *Reconciler) RunOnce(ctx context.Context) ([]uint, error) {
	now := r.Now()
	ids, err := r.store.FailStaleClaims(ctx, now.Add(-r.staleAfter), utils.ReasonInterrupted, now)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		staleCampaignsTotal.Add(float64(len(ids)))
		r.logger.Printf("reconciler: failed stale claims in %d campaigns ids=%v", len(ids), ids)
	}
	return ids, nil
}
