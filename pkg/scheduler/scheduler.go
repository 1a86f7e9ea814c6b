package scheduler

import (
	"context"
	"fmt"

	"discord-map-bridge/backend/pkg/logger"

	"github.com/robfig/cron/v3"
)

// Scheduler runs named jobs on cron specs ("@every 5m", "*/10 * * * *")
type Scheduler struct {
	cron *cron.Cron
	log  *logger.Logger
}

// New creates a scheduler; a panicking job is logged and the schedule keeps going
func New(log *logger.Logger) *Scheduler {
	adapter := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(adapter),
			// Recover sits innermost so a panic still hands the run slot back
			cron.WithChain(cron.SkipIfStillRunning(adapter), cron.Recover(adapter)),
		),
		log: log,
	}
}

// Add registers fn under spec
func (s *Scheduler) Add(name, spec string, fn func()) error {
	if _, err := s.cron.AddFunc(spec, fn); err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
	}
	s.log.Info("job scheduled", "job", name, "schedule", spec)
	return nil
}

// Start runs the scheduler in its own goroutine
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new runs and waits for running jobs until ctx is done
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out with jobs still running")
	}
}

// Validate reports whether spec parses
func Validate(spec string) error {
	_, err := cron.ParseStandard(spec)
	return err
}

// cronLogger adapts the slog wrapper to cron.Logger
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.LogError(err, "cron: "+msg, keysAndValues...)
}
