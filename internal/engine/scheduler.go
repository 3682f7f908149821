package engine

import (
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"
)

// DefaultRefreshInterval is how often the REST refresh job runs when the
// config does not override it.
const DefaultRefreshInterval = 15 * time.Minute

// Scheduler drives the periodic REST refresh. Event-triggered refreshes
// (manual pull, station switch, UDP toggle) go straight through the engine
// and do not reset the timer.
type Scheduler struct {
	scheduler *gocron.Scheduler
	interval  time.Duration
	job       func()
	logger    *slog.Logger
}

// NewScheduler creates a Scheduler running job every interval.
func NewScheduler(interval time.Duration, job func(), logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		interval:  interval,
		job:       job,
		logger:    logger.With("component", "scheduler"),
	}
}

// Start schedules the refresh job and starts the underlying scheduler.
func (s *Scheduler) Start() error {
	seconds := int(s.interval.Seconds())
	if seconds <= 0 {
		seconds = int(DefaultRefreshInterval.Seconds())
	}
	_, err := s.scheduler.Every(seconds).Seconds().Do(func() {
		s.logger.Debug("running scheduled refresh")
		s.job()
	})
	if err != nil {
		return err
	}
	s.scheduler.StartAsync()
	s.logger.Info("refresh scheduled", "interval", s.interval)
	return nil
}

// Stop stops the scheduler and cancels future runs. Safe to call twice.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
