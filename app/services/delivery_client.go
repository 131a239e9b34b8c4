package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/amirphl/orochi-dispatch/config"
	"github.com/amirphl/orochi-dispatch/utils"
	"golang.org/x/time/rate"
)

// ErrAttemptTimeout marks a gateway call that lost the race against the attempt ceiling
var ErrAttemptTimeout = errors.New("gateway call timed out")

// DeliveryResult is the outcome of delivering one message for one recipient
type DeliveryResult struct {
	Delivered         bool
	ProviderMessageID *string
	Attempts          int
	// Reason is the truncated human-readable cause of the last failed attempt
	Reason string
}

// AttemptObserver is notified after every gateway attempt
type AttemptObserver func(ok bool, elapsed time.Duration)

// DeliveryOptions tunes the delivery client
type DeliveryOptions struct {
	Attempts            int
	AttemptTimeout      time.Duration
	RetryDelay          time.Duration
	ErrorMaxLength      int
	TenantRatePerMinute int
}

// DeliveryOptionsFromConfig maps engine configuration onto delivery options
func DeliveryOptionsFromConfig(cfg config.EngineConfig) DeliveryOptions {
	return DeliveryOptions{
		Attempts:            cfg.Attempts,
		AttemptTimeout:      cfg.AttemptTimeout,
		RetryDelay:          cfg.RetryDelay,
		ErrorMaxLength:      cfg.ErrorMaxLength,
		TenantRatePerMinute: cfg.TenantRatePerMinute,
	}
}

// DeliveryClient performs bounded delivery through the gateway: a fixed number of
// attempts, each raced against AttemptTimeout, separated by RetryDelay.
type DeliveryClient struct {
	gateway GatewayClient
	opts    DeliveryOptions

	// Sleep waits between attempts; replaced in tests
	Sleep    func(ctx context.Context, d time.Duration) error
	Observer AttemptObserver

	mu       sync.Mutex
	limiters map[uint]*rate.Limiter
}

// NewDeliveryClient creates a delivery client with defaults for unset options
func NewDeliveryClient(gateway GatewayClient, opts DeliveryOptions) *DeliveryClient {
	if opts.Attempts <= 0 {
		opts.Attempts = utils.DefaultDeliveryAttempts
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = utils.DefaultAttemptTimeout
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	if opts.ErrorMaxLength <= 0 {
		opts.ErrorMaxLength = utils.ErrorMessageMaxLength
	}
	return &DeliveryClient{
		gateway:  gateway,
		opts:     opts,
		Sleep:    utils.SleepContext,
		limiters: make(map[uint]*rate.Limiter),
	}
}

// Deliver sends msg for a tenant. Gateway failures never surface as an error; they
// come back as an undelivered result with a reason. The error is non-nil only when
// ctx ends, in which case the outcome is unknown.
func (d *DeliveryClient) Deliver(ctx context.Context, tenantID uint, msg GatewayMessage) (*DeliveryResult, error) {
	result := &DeliveryResult{}
	var lastErr error

	for attempt := 1; attempt <= d.opts.Attempts; attempt++ {
		if attempt > 1 {
			if err := d.Sleep(ctx, d.opts.RetryDelay); err != nil {
				return result, err
			}
		}
		if err := d.throttle(ctx, tenantID); err != nil {
			return result, err
		}

		result.Attempts = attempt
		started := time.Now()
		res, err := d.attempt(ctx, msg)
		if d.Observer != nil {
			d.Observer(err == nil, time.Since(started))
		}
		if err == nil {
			result.Delivered = true
			if res != nil && res.ProviderMessageID != "" {
				result.ProviderMessageID = utils.ToPtr(res.ProviderMessageID)
			}
			return result, nil
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		lastErr = err
	}

	result.Reason = utils.Truncate(fmt.Sprintf("after %d attempts: %v", result.Attempts, lastErr), d.opts.ErrorMaxLength)
	return result, nil
}

// attempt races one gateway call against the attempt ceiling. The call gets the
// timed context, so the losing branch is cancelled rather than left running.
func (d *DeliveryClient) attempt(ctx context.Context, msg GatewayMessage) (*GatewayResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, d.opts.AttemptTimeout)
	defer cancel()

	type outcome struct {
		res *GatewayResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := d.gateway.Send(attemptCtx, msg)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err == nil && o.res == nil {
			return nil, ErrGatewayNoAck
		}
		return o.res, o.err
	case <-attemptCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w after %s", ErrAttemptTimeout, d.opts.AttemptTimeout)
	}
}

func (d *DeliveryClient) throttle(ctx context.Context, tenantID uint) error {
	if d.opts.TenantRatePerMinute <= 0 {
		return nil
	}

	d.mu.Lock()
	limiter, ok := d.limiters[tenantID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(d.opts.TenantRatePerMinute)/60.0), 1)
		d.limiters[tenantID] = limiter
	}
	d.mu.Unlock()

	return limiter.Wait(ctx)
}
