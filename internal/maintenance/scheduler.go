package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"markethub/internal/metrics"
)

var (
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")
	ErrSchedulerNotRunning     = errors.New("scheduler is not running")
)

// Step is one named unit of maintenance work.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// Report summarizes one pass.
type Report struct {
	Started  time.Time
	Duration time.Duration
	Failed   []string
}

// Scheduler runs its steps in order every interval. A step that errors or
// panics is logged and counted; the steps after it still run.
type Scheduler struct {
	interval time.Duration
	steps    []Step
	log      zerolog.Logger

	runs atomic.Int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a scheduler. Steps run in the order given.
func New(interval time.Duration, log zerolog.Logger, steps ...Step) *Scheduler {
	return &Scheduler{
		interval: interval,
		steps:    steps,
		log:      log,
	}
}

// Start launches the periodic loop. The first pass runs after one interval.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrSchedulerAlreadyRunning
	}
	if s.interval <= 0 {
		return fmt.Errorf("maintenance interval must be positive, got %s", s.interval)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(loopCtx, s.done)

	s.log.Info().Dur("interval", s.interval).Int("steps", len(s.steps)).Msg("maintenance scheduler started")
	return nil
}

// Stop cancels the loop and waits for an in-flight pass to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.log.Info().Int64("runs", s.runs.Load()).Msg("maintenance scheduler stopped")
	return nil
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Runs returns the number of completed passes.
func (s *Scheduler) Runs() int64 {
	return s.runs.Load()
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes every step in order.
func (s *Scheduler) RunOnce(ctx context.Context) Report {
	report := Report{Started: time.Now()}

	for _, step := range s.steps {
		if err := s.runStep(ctx, step); err != nil {
			report.Failed = append(report.Failed, step.Name)
			metrics.MaintenanceStepFailures.WithLabelValues(step.Name).Inc()
			s.log.Error().Err(err).Str("step", step.Name).Msg("maintenance step failed")
		}
	}

	report.Duration = time.Since(report.Started)
	s.runs.Add(1)
	metrics.MaintenanceRuns.Inc()
	metrics.MaintenanceDuration.Observe(report.Duration.Seconds())

	s.log.Info().
		Dur("duration", report.Duration).
		Strs("failed", report.Failed).
		Int64("run", s.runs.Load()).
		Msg("maintenance pass complete")
	return report
}

func (s *Scheduler) runStep(ctx context.Context, step Step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return step.Run(ctx)
}
