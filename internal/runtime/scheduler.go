package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// schedulerTask is one registered periodic job.
type schedulerTask struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)
}

// Scheduler owns every periodic cleanup/maintenance loop in the process (rate-bucket sweeps, stale-heartbeat
// sweeps, self-heartbeats) so shutdown drains them all at once instead of each subsystem running its own
// anonymous goroutine scattered through main.
type Scheduler struct {
	mu    sync.Mutex
	tasks []schedulerTask
	log   zerolog.Logger
}

// NewScheduler builds an empty scheduler.
func NewScheduler(log zerolog.Logger) *Scheduler {
	return &Scheduler{log: log.With().Str("component", "scheduler").Logger()}
}

// Add registers a periodic task. Must be called before Run.
func (s *Scheduler) Add(name string, interval time.Duration, fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, schedulerTask{name: name, interval: interval, fn: fn})
}

// Run drives every registered task on its own ticker until ctx is cancelled, then waits for all of them to finish
// their in-flight pass before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	tasks := make([]schedulerTask, len(s.tasks))
	copy(tasks, s.tasks)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func(task schedulerTask) {
			defer wg.Done()
			ticker := time.NewTicker(task.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.runOne(ctx, task)
				}
			}
		}(task)
	}
	wg.Wait()
	return ctx.Err()
}

// runOne executes a single task pass, recovering a panic so one bad sweep doesn't take down the whole scheduler.
func (s *Scheduler) runOne(ctx context.Context, task schedulerTask) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("task", task.name).Msg("scheduled task panicked")
		}
	}()
	task.fn(ctx)
}
