package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"SignalDesk/internal/logger"
	"SignalDesk/internal/metrics"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ErrBusy is returned by RunNow when the job is already running.
var ErrBusy = errors.New("job already running")

// Job is one control loop iteration.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// entry guards one registered job. Cron ticks, catch-up runs and manual runs
// all take running first, so a job never overlaps itself.
type entry struct {
	job     Job
	running sync.Mutex
}

// Scheduler runs every loop as a cron job in the reference zone.
type Scheduler struct {
	Cron   *cron.Cron
	ctx    context.Context
	logger *zap.Logger

	mu      sync.Mutex
	jobs    map[string]*entry
	onStart []*entry
	wg      sync.WaitGroup
}

// NewScheduler creates a new Scheduler. Jobs receive ctx.
func NewScheduler(ctx context.Context, loc *time.Location, log *zap.Logger) *Scheduler {
	cl := logger.CronLogger{L: log}
	return &Scheduler{
		Cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		ctx:    ctx,
		logger: log,
		jobs:   make(map[string]*entry),
	}
}

// Register adds job on spec (seconds field first, or a descriptor like
// "@every 10s"). runOnStart jobs also run once when Start is called.
func (s *Scheduler) Register(spec string, job Job, runOnStart bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name()]; dup {
		return fmt.Errorf("register %s: already registered", job.Name())
	}
	e := &entry{job: job}
	if _, err := s.Cron.AddFunc(spec, func() { s.run(e) }); err != nil {
		return fmt.Errorf("register %s: %w", job.Name(), err)
	}
	s.jobs[job.Name()] = e
	if runOnStart {
		s.onStart = append(s.onStart, e)
	}
	s.logger.Info("job registered", zap.String("job", job.Name()), zap.String("spec", spec))
	return nil
}

// Start starts the cron scheduler and kicks the catch-up jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	// Catch-up runs take the job lock before the first tick can fire.
	for _, e := range s.onStart {
		e.running.Lock()
		s.wg.Add(1)
		go func(e *entry) {
			defer s.wg.Done()
			defer e.running.Unlock()
			s.exec(e.job)
		}(e)
	}
	n := len(s.jobs)
	s.mu.Unlock()
	s.Cron.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", n))
}

// Stop stops the cron scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// RunNow executes the named job immediately (manual trigger).
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	if !e.running.TryLock() {
		return fmt.Errorf("%s: %w", name, ErrBusy)
	}
	defer e.running.Unlock()
	return s.exec(e.job)
}

// run is the cron entry point; a tick that finds the job running is skipped.
func (s *Scheduler) run(e *entry) {
	if !e.running.TryLock() {
		metrics.LoopRunsTotal.WithLabelValues(e.job.Name(), "skipped").Inc()
		s.logger.Debug("job still running, tick skipped", zap.String("job", e.job.Name()))
		return
	}
	defer e.running.Unlock()
	s.exec(e.job)
}

func (s *Scheduler) exec(job Job) error {
	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}
	start := time.Now()
	err := job.Run(s.ctx)
	result := "ok"
	if err != nil {
		result = "error"
		s.logger.Error("job failed", zap.String("job", job.Name()), zap.Error(err))
	} else {
		s.logger.Debug("job done", zap.String("job", job.Name()), zap.Duration("took", time.Since(start)))
	}
	metrics.LoopRunsTotal.WithLabelValues(job.Name(), result).Inc()
	return err
}
