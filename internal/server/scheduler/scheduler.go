package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dmitrijs2005/driveback/internal/logging"
	"github.com/dmitrijs2005/driveback/internal/server/models"
	"github.com/dmitrijs2005/driveback/internal/server/repositories/tasks"
)

// TaskRunner executes one admitted task to completion or failure.
type TaskRunner interface {
	Run(ctx context.Context, task *models.Task) error
}

// Scheduler periodically refills the active queue from the durable backlog.
// A task interrupted by a crash reappears in SelectPending and gets picked up
// again on the next cycle.
type Scheduler struct {
	queue          *ActiveQueue
	repo           tasks.Repository
	runner         TaskRunner
	refillInterval time.Duration
	staleThreshold time.Duration
	log            logging.Logger

	cron *cron.Cron
}

func New(queue *ActiveQueue, repo tasks.Repository, runner TaskRunner,
	refillInterval, staleThreshold time.Duration, log logging.Logger) *Scheduler {
	return &Scheduler{
		queue:          queue,
		repo:           repo,
		runner:         runner,
		refillInterval: refillInterval,
		staleThreshold: staleThreshold,
		log:            log.With("component", "scheduler"),
	}
}

// Start launches the refill loop. ctx bounds the work each cycle does; Stop
// halts the loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", s.refillInterval)
	if _, err := s.cron.AddFunc(spec, func() { s.Refill(ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info(ctx, "scheduler started", "interval", s.refillInterval)
	return nil
}

// Stop halts the refill loop and waits for a running cycle to return.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Refill runs one scheduling cycle: evict wedged entries, then pull as many
// pending tasks from the store as there are free slots.
func (s *Scheduler) Refill(ctx context.Context) {
	for _, id := range s.queue.EvictStale(s.staleThreshold) {
		s.log.Warn(ctx, "evicted stale task from active queue", "task_id", id)
	}

	free := s.queue.Free()
	if free == 0 {
		return
	}

	pending, err := s.repo.SelectPending(ctx, free)
	if err != nil {
		s.log.Error(ctx, "selecting pending tasks", "error", err)
		return
	}

	for _, task := range pending {
		s.Launch(ctx, task)
	}
}

// Launch admits the task and runs it on its own goroutine. Returns false when
// the queue is full or the task is already running.
func (s *Scheduler) Launch(ctx context.Context, task *models.Task) bool {
	gen, ok := s.queue.TryAdmit(task)
	if !ok {
		return false
	}

	s.log.Info(ctx, "task admitted", "task_id", task.TaskID, "app", task.AppName, "component", task.Component)
	go func() {
		defer s.queue.Remove(task.TaskID, gen)
		if err := s.runner.Run(ctx, task); err != nil {
			s.log.Warn(ctx, "task run ended with error", "task_id", task.TaskID, "error", err)
		}
	}()
	return true
}
