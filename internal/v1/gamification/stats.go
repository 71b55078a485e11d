// Package gamification owns the engagement core: per-user stats, ranked
// leaderboards, and criterion-based achievements. Hot counters live in the
// cache; the document store is the durable source the cache rebuilds from.
package gamification

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/classkit/backend-go/internal/v1/kv"
	"github.com/classkit/backend-go/internal/v1/logging"
	"github.com/classkit/backend-go/internal/v1/store"
)

const (
	statsTTL    = 1 * time.Hour
	activityTTL = 7 * 24 * time.Hour

	// Experience-to-level curve: every 100 XP is a level, starting at 1.
	xpPerLevel = 100
)

func statsKey(userID string) string    { return "userstats:" + userID }
func activityKey(userID string) string { return "activity:" + userID }

// StatsDelta is one event's contribution to a user's counters. Zero fields
// are no-ops; Percentage only applies when HasPercentage is set so a
// legitimate 0% still moves the average. Passed is consulted only on
// quiz-style events (QuizzesTaken > 0).
type StatsDelta struct {
	QuizzesTaken   int64
	QuizzesCreated int64
	Points         float64
	Experience     float64
	TimeSpentMin   int64
	Percentage     float64
	HasPercentage  bool
	Passed         bool
	Category       string
	ActivityType   string
}

// StatsStore is the durable slice the stats engine needs; *store.StatsRepo
// satisfies it, and tests substitute an in-memory fake.
type StatsStore interface {
	Get(ctx context.Context, userID string) (*store.UserStats, error)
	Upsert(ctx context.Context, st *store.UserStats) error
	All(ctx context.Context, fn func(*store.UserStats) error) error
	ResetStreaks(ctx context.Context, cutoff time.Time) (int64, error)
}

// StatsEngine applies deltas to the cached counters and reconciles them with
// the durable store.
type StatsEngine struct {
	kv   *kv.Client
	repo StatsStore
	now  func() time.Time
}

// NewStatsEngine wires the stats engine.
func NewStatsEngine(kvc *kv.Client, repo StatsStore) *StatsEngine {
	return &StatsEngine{kv: kvc, repo: repo, now: time.Now}
}

// Get returns the user's stats, preferring the cache and falling back to the
// store on a miss. A store hit re-materializes the cache entry.
func (e *StatsEngine) Get(ctx context.Context, userID string) (*store.UserStats, error) {
	fields, degraded := e.kv.HashGetAll(ctx, statsKey(userID))
	if !degraded && len(fields) > 0 {
		return statsFromHash(userID, fields), nil
	}

	st, err := e.repo.Get(ctx, userID)
	if err == store.ErrNotFound {
		return defaultStats(userID), nil
	}
	if err != nil {
		return nil, err
	}
	if !degraded {
		e.materialize(ctx, st)
	}
	return st, nil
}

// ApplyDelta folds one event into the cached counters and returns the updated
// snapshot. Counter fields go through hash increments so concurrent events
// compose: the value after N events is the sum of their deltas. Streaks, the
// running score average, and the level are derived from the post-increment
// values and written back as plain fields.
func (e *StatsEngine) ApplyDelta(ctx context.Context, userID string, d StatsDelta) (*store.UserStats, error) {
	st, err := e.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	key := statsKey(userID)

	if d.QuizzesTaken != 0 {
		if st.TotalQuizzesTaken, err = e.kv.HashIncr(ctx, key, "totalQuizzesTaken", d.QuizzesTaken); err != nil {
			return nil, err
		}
	}
	if d.QuizzesCreated != 0 {
		if st.TotalQuizzesMade, err = e.kv.HashIncr(ctx, key, "totalQuizzesCreated", d.QuizzesCreated); err != nil {
			return nil, err
		}
	}
	if d.TimeSpentMin != 0 {
		if st.TotalTimeSpent, err = e.kv.HashIncr(ctx, key, "totalTimeSpent", d.TimeSpentMin); err != nil {
			return nil, err
		}
	}
	if d.Points != 0 {
		if st.TotalPoints, err = e.kv.HashIncrFloat(ctx, key, "totalPoints", d.Points); err != nil {
			return nil, err
		}
	}
	if d.Experience != 0 {
		if st.Experience, err = e.kv.HashIncrFloat(ctx, key, "experience", d.Experience); err != nil {
			return nil, err
		}
	}

	derived := map[string]any{"updatedAt": now.Format(time.RFC3339)}

	if level := int64(math.Floor(st.Experience/xpPerLevel)) + 1; level != st.Level {
		st.Level = level
		derived["level"] = level
	}

	if d.HasPercentage && st.TotalQuizzesTaken > 0 {
		// Running mean over quizzes taken, using the post-increment count.
		n := float64(st.TotalQuizzesTaken)
		avg := (float64(st.AverageScore)*(n-1) + d.Percentage) / n
		st.AverageScore = int64(math.Round(avg))
		derived["averageScore"] = st.AverageScore
	}

	if d.QuizzesTaken > 0 {
		if d.Passed {
			if st.CurrentStreak, err = e.kv.HashIncr(ctx, key, "currentStreak", 1); err != nil {
				return nil, err
			}
			if st.CurrentStreak > st.LongestStreak {
				st.LongestStreak = st.CurrentStreak
				derived["longestStreak"] = st.LongestStreak
			}
		} else {
			st.CurrentStreak = 0
			derived["currentStreak"] = 0
		}
		t := now
		st.LastQuizDate = &t
		derived["lastQuizDate"] = now.Format(time.RFC3339)
	}

	if d.Category != "" {
		st.FavoriteCategories = appendCategory(st.FavoriteCategories, d.Category)
		derived["favoriteCategories"] = strings.Join(st.FavoriteCategories, ",")
	}
	st.UpdatedAt = now

	if err := e.kv.HashSet(ctx, key, derived); err != nil {
		logging.Warn(ctx, "Failed to write derived stats fields", zap.String("user_id", userID), zap.Error(err))
	}
	_ = e.kv.Expire(ctx, key, statsTTL)

	if d.ActivityType != "" {
		e.recordActivity(ctx, userID, d.ActivityType, now)
	}
	return st, nil
}

// SyncToStore flushes the cached counters for one user into the document
// store. Called by the periodic sync job and the admin sync endpoint.
func (e *StatsEngine) SyncToStore(ctx context.Context, userID string) error {
	fields, degraded := e.kv.HashGetAll(ctx, statsKey(userID))
	if degraded || len(fields) == 0 {
		return nil
	}
	st := statsFromHash(userID, fields)
	if err := e.repo.Upsert(ctx, st); err != nil {
		return fmt.Errorf("sync stats for %s: %w", userID, err)
	}
	return nil
}

// ResetExpiredStreaks zeroes the streak of every user whose last quiz is
// older than the cutoff, in both the store and any live cache entries.
func (e *StatsEngine) ResetExpiredStreaks(ctx context.Context) (int64, error) {
	cutoff := e.now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, -1)
	n, err := e.repo.ResetStreaks(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	logging.Info(ctx, "Reset expired streaks", zap.Int64("users", n))
	return n, nil
}

// recordActivity appends an activity marker with a rolling 7-day TTL; the
// feed is advisory, so failures only log.
func (e *StatsEngine) recordActivity(ctx context.Context, userID, activityType string, at time.Time) {
	key := activityKey(userID)
	entry := fmt.Sprintf("%s|%s", activityType, at.Format(time.RFC3339))
	if err := e.kv.ListPush(ctx, key, entry); err != nil {
		logging.Warn(ctx, "Failed to record activity", zap.String("user_id", userID), zap.Error(err))
		return
	}
	_ = e.kv.Expire(ctx, key, activityTTL)
}

// RecentActivity returns up to limit recent activity markers, newest first.
func (e *StatsEngine) RecentActivity(ctx context.Context, userID string, limit int64) []string {
	entries, _ := e.kv.ListRange(ctx, activityKey(userID), 0, limit-1)
	return entries
}

// materialize writes the full stats snapshot into the cache hash and
// refreshes its TTL. Cache write failures degrade silently; the store copy
// remains authoritative.
func (e *StatsEngine) materialize(ctx context.Context, st *store.UserStats) {
	fields := map[string]any{
		"totalQuizzesTaken":   st.TotalQuizzesTaken,
		"totalQuizzesCreated": st.TotalQuizzesMade,
		"totalPoints":         st.TotalPoints,
		"currentStreak":       st.CurrentStreak,
		"longestStreak":       st.LongestStreak,
		"averageScore":        st.AverageScore,
		"totalTimeSpent":      st.TotalTimeSpent,
		"level":               st.Level,
		"experience":          st.Experience,
		"favoriteCategories":  strings.Join(st.FavoriteCategories, ","),
		"updatedAt":           st.UpdatedAt.Format(time.RFC3339),
	}
	if st.LastQuizDate != nil {
		fields["lastQuizDate"] = st.LastQuizDate.UTC().Format(time.RFC3339)
	}
	key := statsKey(st.UserID)
	if err := e.kv.HashSet(ctx, key, fields); err != nil {
		logging.Warn(ctx, "Failed to cache stats", zap.String("user_id", st.UserID), zap.Error(err))
		return
	}
	_ = e.kv.Expire(ctx, key, statsTTL)
}

func defaultStats(userID string) *store.UserStats {
	return &store.UserStats{UserID: userID, Level: 1}
}

func statsFromHash(userID string, fields map[string]string) *store.UserStats {
	st := &store.UserStats{
		UserID:            userID,
		TotalQuizzesTaken: parseInt(fields["totalQuizzesTaken"]),
		TotalQuizzesMade:  parseInt(fields["totalQuizzesCreated"]),
		TotalPoints:       parseFloat(fields["totalPoints"]),
		CurrentStreak:     parseInt(fields["currentStreak"]),
		LongestStreak:     parseInt(fields["longestStreak"]),
		AverageScore:      parseInt(fields["averageScore"]),
		TotalTimeSpent:    parseInt(fields["totalTimeSpent"]),
		Level:             parseInt(fields["level"]),
		Experience:        parseFloat(fields["experience"]),
	}
	if st.Level == 0 {
		st.Level = 1
	}
	if v := fields["favoriteCategories"]; v != "" {
		st.FavoriteCategories = strings.Split(v, ",")
	}
	if v := fields["lastQuizDate"]; v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			st.LastQuizDate = &t
		}
	}
	if v := fields["updatedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			st.UpdatedAt = t
		}
	}
	return st
}

// appendCategory keeps the most recent 5 distinct categories, newest first.
func appendCategory(cats []string, category string) []string {
	out := []string{category}
	for _, c := range cats {
		if c != category && len(out) < 5 {
			out = append(out, c)
		}
	}
	return out
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
