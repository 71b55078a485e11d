package gamification

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/classkit/backend-go/internal/v1/logging"
)

// Scheduler drives the periodic gamification maintenance: the midnight streak
// reaper, the stats sync tick, and the weekly/monthly board rollovers.
type Scheduler struct {
	svc          *Service
	syncInterval time.Duration
	now          func() time.Time
}

// NewScheduler builds the scheduler. syncInterval below one second defaults
// to five minutes.
func NewScheduler(svc *Service, syncInterval time.Duration) *Scheduler {
	if syncInterval < time.Second {
		syncInterval = 5 * time.Minute
	}
	return &Scheduler{svc: svc, syncInterval: syncInterval, now: time.Now}
}

// Start launches the maintenance goroutines; they exit when ctx is canceled.
func (s *Scheduler) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.runDaily(ctx)
	}()
	go func() {
		defer wg.Done()
		s.runSyncTicks(ctx)
	}()
}

// runDaily fires at every UTC midnight: reap expired streaks and roll the
// periodic boards when their period ends.
func (s *Scheduler) runDaily(ctx context.Context) {
	for {
		next := nextMidnightUTC(s.now())
		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, err := s.svc.Stats.ResetExpiredStreaks(ctx); err != nil && ctx.Err() == nil {
			logging.Error(ctx, "Streak reaper failed", zap.Error(err))
		}

		now := s.now().UTC()
		if now.Weekday() == time.Monday {
			if err := s.svc.Boards.ResetPeriod(ctx, BoardWeekly); err != nil && ctx.Err() == nil {
				logging.Error(ctx, "Weekly leaderboard rollover failed", zap.Error(err))
			}
		}
		if now.Day() == 1 {
			if err := s.svc.Boards.ResetPeriod(ctx, BoardMonthly); err != nil && ctx.Err() == nil {
				logging.Error(ctx, "Monthly leaderboard rollover failed", zap.Error(err))
			}
		}
	}
}

// runSyncTicks periodically drains the dirty-user set into the sync queue.
func (s *Scheduler) runSyncTicks(ctx context.Context) {
	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			queued, err := s.svc.EnqueueDirtySyncs(ctx)
			if err != nil && ctx.Err() == nil {
				logging.Error(ctx, "Stats sync tick failed", zap.Error(err))
				continue
			}
			if queued > 0 {
				logging.Info(ctx, "Queued stats syncs", zap.Int("users", queued))
			}
		}
	}
}

func nextMidnightUTC(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
