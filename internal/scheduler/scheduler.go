// Package scheduler runs named periodic jobs on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/medication-reminders/internal/pkg/ctxlog"
	"github.com/bissquit/medication-reminders/internal/pkg/metrics"
	"github.com/robfig/cron/v3"
)

// ErrSkipped is returned by a job that decided not to run this time.
var ErrSkipped = errors.New("job skipped")

// Job is a periodic unit of work.
type Job func(ctx context.Context) error

type jobDef struct {
	name    string
	spec    string
	timeout time.Duration
	job     Job
}

// Scheduler runs jobs on cron specs ("*/5 * * * *", "@every 1m", "@daily").
type Scheduler struct {
	mu     sync.Mutex
	logger *slog.Logger
	parser cron.Parser
	loc    *time.Location
	c      *cron.Cron
	jobs   []jobDef

	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// New creates a scheduler evaluating specs in loc (UTC when nil).
func New(logger *slog.Logger, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		logger: logger,
		parser: parser,
		loc:    loc,
		c:      cron.New(cron.WithParser(parser), cron.WithLocation(loc)),
	}
}

// Add registers a job. A zero timeout means the job runs until it returns
// or the scheduler stops.
func (s *Scheduler) Add(name, spec string, timeout time.Duration, job Job) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("job %s: invalid schedule %q: %w", name, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	def := jobDef{name: name, spec: spec, timeout: timeout, job: job}
	if _, err := s.c.AddFunc(spec, func() { s.fire(def) }); err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	s.jobs = append(s.jobs, def)
	return nil
}

// Start begins firing jobs. Jobs receive a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c.Start()

	names := make([]string, 0, len(s.jobs))
	for _, j := range s.jobs {
		names = append(names, j.name)
	}
	s.logger.Info("scheduler started", "timezone", s.loc.String(), "jobs", names)
}

// Stop stops firing jobs, cancels running ones and waits for them to return
// or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return nil
	}
	cronDone := s.c.Stop().Done()
	s.cancel()
	s.cancel = nil
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		<-cronDone
		s.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for running jobs: %w", ctx.Err())
	}
}

func (s *Scheduler) fire(def jobDef) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	s.running.Add(1)
	defer s.running.Done()
	_ = s.run(ctx, def)
}

// run executes one job with its timeout, a fresh correlation id, panic
// recovery and job metrics.
func (s *Scheduler) run(ctx context.Context, def jobDef) error {
	if def.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, def.timeout)
		defer cancel()
	}
	ctx = ctxlog.WithLogger(ctx, s.logger.With("job", def.name))

	return ctxlog.Run(ctx, ctxlog.NewCorrelationID(), func(ctx context.Context) (err error) {
		logger := ctxlog.FromContext(ctx)
		start := time.Now()

		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job %s panicked: %v", def.name, r)
			}

			result := "ok"
			switch {
			case errors.Is(err, ErrSkipped):
				result = "skipped"
				err = nil
			case err != nil:
				result = "error"
				logger.Error("job failed", "duration", time.Since(start), "error", err)
			default:
				logger.Debug("job completed", "duration", time.Since(start))
			}
			metrics.JobRuns.WithLabelValues(def.name, result).Inc()
			metrics.JobDuration.WithLabelValues(def.name).Observe(time.Since(start).Seconds())
		}()

		return def.job(ctx)
	})
}
