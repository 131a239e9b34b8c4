package lock

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLocker is a lease lock: SETNX with a random token and a TTL that a
// background goroutine keeps extending while the lease is held.
type RedisLocker struct {
	rc     *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// NewRedisLocker creates a redis-backed locker
func NewRedisLocker(rc *redis.Client, ttl time.Duration, logger *log.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{rc: rc, ttl: ttl, logger: logger}
}

// TryAcquire implements Locker
func (l *RedisLocker) TryAcquire(ctx context.Context, key string) (Lease, bool, error) {
	token := uuid.NewString()
	ok, err := l.rc.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to set lock key: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	refreshCtx, cancel := context.WithCancel(context.Background())
	lease := &redisLease{
		locker: l,
		key:    key,
		token:  token,
		cancel: cancel,
		done:   make(chan struct{}),
		lost:   make(chan struct{}),
	}
	go lease.refresh(refreshCtx)

	return lease, true, nil
}

type redisLease struct {
	locker *RedisLocker
	key    string
	token  string
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	lost   chan struct{}
}

// Lost implements LossNotifier
func (r *redisLease) Lost() <-chan struct{} { return r.lost }

// refresh extends the TTL until Release. The lease is lost when the key no longer
// carries our token, or when no refresh succeeded for a whole TTL.
func (r *redisLease) refresh(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.locker.ttl / 3)
	defer ticker.Stop()
	extended := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := refreshScript.Run(ctx, r.locker.rc, []string{r.key}, r.token, r.locker.ttl.Milliseconds()).Int()
			if ctx.Err() != nil {
				return
			}
			switch {
			case err != nil:
				if r.locker.logger != nil {
					r.locker.logger.Printf("lock: refresh failed key=%s err=%v", r.key, err)
				}
				if time.Since(extended) < r.locker.ttl {
					continue
				}
			case n > 0:
				extended = time.Now()
				continue
			}
			if r.locker.logger != nil {
				r.locker.logger.Printf("lock: lease lost key=%s", r.key)
			}
			close(r.lost)
			return
		}
	}
}

func (r *redisLease) Release(ctx context.Context) error {
	var err error
	r.once.Do(func() {
		r.cancel()
		<-r.done
		err = releaseScript.Run(ctx, r.locker.rc, []string{r.key}, r.token).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to release lock key: %w", err)
	}
	return nil
}
