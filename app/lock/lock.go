// Package lock provides the non-blocking mutual-exclusion guard that keeps at most
// one worker per campaign across every engine instance sharing a store.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"
)

// releaseTimeout bounds Release when the caller's context is already done
const releaseTimeout = 5 * time.Second

// ErrLeaseLost is returned by Guard when the lock expired while fn was running
var ErrLeaseLost = errors.New("lock lease lost")

// Locker acquires named locks without blocking
type Locker interface {
	// TryAcquire returns ok=false immediately when another holder owns key
	TryAcquire(ctx context.Context, key string) (lease Lease, ok bool, err error)
}

// Lease is a held lock
type Lease interface {
	Release(ctx context.Context) error
}

// LossNotifier is implemented by leases that can expire while held. Lost is
// closed once the lease no longer protects its holder.
type LossNotifier interface {
	Lost() <-chan struct{}
}

// CampaignKey returns the lock name of a campaign
func CampaignKey(prefix string, campaignID uint) string {
	if prefix == "" {
		return fmt.Sprintf("campaign:%d", campaignID)
	}
	return fmt.Sprintf("%s:campaign:%d", prefix, campaignID)
}

// Guard runs fn only when key could be acquired. Contention is not an error:
// acquired is false and fn is not called. The lock is released when fn returns,
// fails or panics. When the lease reports loss, the context passed to fn is
// cancelled and the returned error wraps ErrLeaseLost.
func Guard(ctx context.Context, locker Locker, logger *log.Logger, key string, fn func(context.Context) error) (acquired bool, err error) {
	lease, ok, err := locker.TryAcquire(ctx, key)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}

	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if rerr := lease.Release(rctx); rerr != nil && logger != nil {
			logger.Printf("lock: release failed key=%s err=%v", key, rerr)
		}
	}()

	fctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lost atomic.Bool
	if n, ok := lease.(LossNotifier); ok {
		go func() {
			select {
			case <-n.Lost():
				lost.Store(true)
				if logger != nil {
					logger.Printf("lock: lease lost key=%s, stopping holder", key)
				}
				cancel()
			case <-fctx.Done():
			}
		}()
	}

	err = fn(fctx)
	if lost.Load() {
		return true, errors.Join(ErrLeaseLost, err)
	}
	return true, err
}
