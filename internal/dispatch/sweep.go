// ABOUTME: Periodic sweep scheduling on robfig/cron: reconcile presence, then dispatch every key.
// ABOUTME: Catches anything a missed trigger left waiting.

package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the sweep twice a minute.
const DefaultSweepSchedule = "@every 30s"

// sweepParser accepts standard 5-field expressions and descriptors like "@every 30s".
var sweepParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a sweep schedule expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := sweepParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", expr, err)
	}
	return sched, nil
}

// Scheduler runs Sweep on a cron schedule until stopped.
type Scheduler struct {
	dispatcher *Dispatcher
	cron       *cron.Cron
	ctx        context.Context
	cancel     context.CancelFunc
	timeout    time.Duration
}

// NewScheduler prepares a sweep on the given schedule. Each run is bounded by
// timeout (zero means no bound); a run still in progress causes the next one
// to be skipped.
func NewScheduler(d *Dispatcher, schedule string, timeout time.Duration) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		dispatcher: d,
		cron:       cron.New(cron.WithParser(sweepParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		timeout:    timeout,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron.Schedule(sched, cron.FuncJob(s.run))
	return s, nil
}

func (s *Scheduler) run() {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	as, err := s.dispatcher.Sweep(ctx)
	if err != nil {
		s.dispatcher.logger.Error("sweep failed", "error", err, "assigned", len(as))
		return
	}
	if len(as) > 0 {
		s.dispatcher.logger.Info("sweep assigned conversations", "assigned", len(as), "took", time.Since(start))
	}
}

// Start begins running sweeps in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels any running sweep and waits for it to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}
