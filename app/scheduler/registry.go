package scheduler

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"
)

// Registry tracks the campaign workers running in this process, one per campaign.
// It does not coordinate across processes; the campaign lock does.
type Registry struct {
	logger *log.Logger

	mu     sync.Mutex
	tasks  map[uint]*workerTask
	closed bool
	wg     sync.WaitGroup
}

type workerTask struct {
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
}

// NewRegistry creates an empty registry
func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{logger: logger, tasks: make(map[uint]*workerTask)}
}

// Launch runs fn in its own goroutine unless a task for campaignID is already active
// or the registry is shut down. It reports whether a task was started. A panic in fn
// is recovered and logged.
func (r *Registry) Launch(parent context.Context, campaignID uint, fn func(ctx context.Context)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	if _, active := r.tasks[campaignID]; active {
		return false
	}

	ctx, cancel := context.WithCancel(parent)
	task := &workerTask{cancel: cancel, done: make(chan struct{}), startedAt: time.Now()}
	r.tasks[campaignID] = task
	r.wg.Add(1)
	activeWorkers.Inc()

	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Printf("scheduler: campaign id=%d worker panicked: %v", campaignID, p)
			}
			cancel()
			r.mu.Lock()
			if r.tasks[campaignID] == task {
				delete(r.tasks, campaignID)
			}
			r.mu.Unlock()
			activeWorkers.Dec()
			close(task.done)
			r.wg.Done()
		}()
		fn(ctx)
	}()

	return true
}

// Active reports whether a task for campaignID is running
func (r *Registry) Active(campaignID uint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[campaignID]
	return ok
}

// ActiveIDs lists running campaign IDs in ascending order
func (r *Registry) ActiveIDs() []uint {
	r.mu.Lock()
	ids := make([]uint, 0, len(r.tasks))
	for id := range r.tasks {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of running tasks
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Wait blocks until the task for campaignID has exited or ctx ends
func (r *Registry) Wait(ctx context.Context, campaignID uint) error {
	r.mu.Lock()
	task, ok := r.tasks[campaignID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-task.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting tasks, cancels every running task and waits for them to
// exit or for ctx to end.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	for _, t := range r.tasks {
		t.cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
