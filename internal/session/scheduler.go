package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Scheduler runs Sweep on a fixed interval. Lazy checks on every join and
// move stay authoritative; the sweep only reaps what nobody touched.
type Scheduler struct {
	sched gocron.Scheduler
}

// StartSweepScheduler starts sweeping every interval
func StartSweepScheduler(c *Coordinator, interval time.Duration) (*Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			defer cancel()

			report, err := c.Sweep(ctx)
			if err != nil {
				log.Printf("[Scheduler] Sweep error: %v", err)
				return
			}
			if report != (SweepReport{}) {
				log.Printf("[Scheduler] Sweep evicted=%d forfeited=%d settled=%d",
					report.Evicted, report.Forfeited, report.Settled)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return nil, fmt.Errorf("schedule sweep: %w", err)
	}

	sched.Start()
	log.Printf("[Scheduler] Sweeping every %s", interval)
	return &Scheduler{sched: sched}, nil
}

// Stop waits for a running sweep and stops the scheduler
func (s *Scheduler) Stop() error {
	return s.sched.Shutdown()
}
