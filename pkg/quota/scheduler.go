package quota

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mileusna/crontab"
)

const (
	DefaultResetSchedule = "0 0 * * *"
	resetTimeout         = 5 * time.Minute
)

// Scheduler runs the daily allowance reset on a cron schedule.
type Scheduler struct {
	ledger   *Ledger
	schedule string
	ctab     *crontab.Crontab
	logger   *slog.Logger
}

func NewScheduler(ledger *Ledger, schedule string) *Scheduler {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = DefaultResetSchedule
	}
	return &Scheduler{
		ledger:   ledger,
		schedule: schedule,
		ctab:     crontab.New(),
		logger:   slog.Default().With("component", "quota_reset"),
	}
}

// Run registers the reset job and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.ctab.AddJob(s.schedule, s.resetOnce); err != nil {
		s.ctab.Shutdown()
		return fmt.Errorf("schedule quota reset %q: %w", s.schedule, err)
	}
	s.logger.Info("quota reset scheduled", "schedule", s.schedule, "ceiling", s.ledger.Ceiling())
	<-ctx.Done()
	s.ctab.Shutdown()
	return nil
}

func (s *Scheduler) resetOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), resetTimeout)
	defer cancel()
	n, err := s.ledger.Reset(ctx)
	if err != nil {
		s.logger.Error("quota reset failed", "err", err)
		return
	}
	s.logger.Info("quota reset", "users", n, "ceiling", s.ledger.Ceiling())
}
