package lifecycle

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Scheduler runs Tick on a cron schedule. Overlapping runs are skipped.
type Scheduler struct {
	cron *cron.Cron
	m    *Manager
	log  logrus.FieldLogger
}

// NewScheduler parses spec (standard five-field cron or a descriptor such as
// "@every 10m") and prepares a scheduler. Call Start to begin ticking.
func NewScheduler(m *Manager, spec string, log logrus.FieldLogger) (*Scheduler, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "scheduler")
	cl := cronLogger{log}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s := &Scheduler{cron: c, m: m, log: log}
	if _, err := c.AddFunc(spec, s.run); err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins the schedule in its own goroutine.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the schedule. The returned context is done once a running tick finishes.
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }

func (s *Scheduler) run() {
	evicted, err := s.m.Tick(context.Background())
	if err != nil {
		s.log.WithError(err).Error("scheduled tick failed")
		return
	}
	if len(evicted) > 0 {
		s.log.WithField("evicted", len(evicted)).Info("scheduled tick evicted packages")
	}
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct{ log logrus.FieldLogger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithError(err).WithFields(fields(keysAndValues)).Error(msg)
}

func fields(kv []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}
