// Package schedule wraps a single process-wide robfig/cron instance so
// the validity-expiry timer and the UTC-midnight daily-loss reset share
// one scheduler instead of each owning an independent time.Ticker.
package schedule

import (
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aegis-trade/execution-core/internal/logx"
)

// Scheduler owns one cron.Cron running in UTC.
type Scheduler struct {
	c   *cron.Cron
	log *logx.Logger
}

// New creates a Scheduler. Call Start to begin running jobs.
func New() *Scheduler {
	return &Scheduler{
		c:   cron.New(cron.WithLocation(time.UTC)),
		log: logx.New().With("component", "schedule"),
	}
}

// EverySeconds registers fn to run every n seconds (at least one). Used
// for the validity-check timer; cron only resolves to whole seconds, so
// the strategy service truncates its interval to whole seconds.
func (s *Scheduler) EverySeconds(n int, fn func()) error {
	_, err := s.c.AddFunc(everySecondsSpec(n), fn)
	return err
}

// DailyAtUTCMidnight registers fn to run once per day at 00:00 UTC —
// the daily-loss baseline reset hangs off this.
func (s *Scheduler) DailyAtUTCMidnight(fn func()) error {
	_, err := s.c.AddFunc("0 0 * * *", fn)
	return err
}

// Start begins running scheduled jobs in a background goroutine.
func (s *Scheduler) Start() { s.c.Start() }

// Stop blocks until all running jobs complete, then returns.
func (s *Scheduler) Stop() { <-s.c.Stop().Done() }

func everySecondsSpec(n int) string {
	if n < 1 {
		n = 1
	}
	return "@every " + strconv.Itoa(n) + "s"
}
