// Package reconcile proactively repairs pointer/epoch drift in the
// background. Read paths already repair reactively on the next read of an
// affected case, so the sweeper is an operational extra and ships disabled.
package reconcile

import (
	"context"
	"log"
	"sync"

	"github.com/robfig/cron/v3"

	"careline/internal/engine"
)

type Sweeper struct {
	Engine   engine.Engine
	Schedule string
	Logger   *log.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

func New(e engine.Engine, schedule string) *Sweeper {
	return &Sweeper{Engine: e, Schedule: schedule, Logger: log.Default()}
}

func (s *Sweeper) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

// Start schedules the sweep. The schedule accepts cron specs and @every
// intervals.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(s.Schedule, func() {
		repaired, err := s.RunOnce(ctx)
		if err != nil {
			s.logger().Printf("reconcile sweep: %v", err)
			return
		}
		if repaired > 0 {
			s.logger().Printf("reconcile sweep repaired %d case(s)", repaired)
		}
	}); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	s.running = true
	return nil
}

// Stop halts scheduling and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()
	if !wasRunning || c == nil {
		return nil
	}
	done := c.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce sweeps drifted cases and repairs each. Indeterminate cases are
// skipped; individual repair failures are logged and do not stop the sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	drifted, err := s.Engine.DriftedCases(ctx)
	if err != nil {
		return 0, err
	}
	repaired := 0
	for _, caseID := range drifted {
		res, err := s.Engine.Repair(ctx, engine.RepairOptions{CaseID: caseID, ActorID: "system-reconciler"})
		if err != nil {
			s.logger().Printf("reconcile case %s: %v", caseID, err)
			continue
		}
		if res.Repaired {
			repaired++
		}
	}
	return repaired, nil
}
