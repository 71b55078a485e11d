package gamification

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/classkit/backend-go/internal/v1/kv"
	"github.com/classkit/backend-go/internal/v1/logging"
	"github.com/classkit/backend-go/internal/v1/metrics"
	"github.com/classkit/backend-go/internal/v1/notify"
	"github.com/classkit/backend-go/internal/v1/store"
)

func unlockedKey(userID string) string { return "achievements:" + userID }
func progressKey(userID, achievementID string) string {
	return fmt.Sprintf("progress:%s:%s", userID, achievementID)
}

// EvalContext carries the event facts the criteria evaluators look at,
// alongside the user's post-delta stats snapshot.
type EvalContext struct {
	Stats         *store.UserStats
	Percentage    float64
	HasPercentage bool
	TotalTimeSecs int64
	Category      string
	CategoryCount int64
}

// AchievementStore is the durable slice the engine needs;
// *store.AchievementRepo satisfies it.
type AchievementStore interface {
	ListDefinitions(ctx context.Context, activeOnly bool) ([]store.Achievement, error)
	GetDefinition(ctx context.Context, id string) (*store.Achievement, error)
	InsertDefinition(ctx context.Context, a *store.Achievement) error
	UpdateDefinition(ctx context.Context, a *store.Achievement) error
	DeleteDefinition(ctx context.Context, id string) error
	SeedDefinitions(ctx context.Context, defs []store.Achievement) (int, error)
	UserAchievements(ctx context.Context, userID string, completedOnly bool) ([]store.UserAchievement, error)
	InsertUnlock(ctx context.Context, ua *store.UserAchievement) error
	UpsertProgress(ctx context.Context, userID, achievementID string, progress int) error
}

// AchievementEngine evaluates criteria after each stats delta and performs
// at-most-once unlocks.
type AchievementEngine struct {
	kv       *kv.Client
	repo     AchievementStore
	stats    *StatsEngine
	boards   *LeaderboardEngine
	notifier *notify.Notifier
	now      func() time.Time
}

// NewAchievementEngine wires the achievement engine. boards receives the
// point bounty of each unlock; nil skips leaderboard credit.
func NewAchievementEngine(kvc *kv.Client, repo AchievementStore, stats *StatsEngine, boards *LeaderboardEngine, notifier *notify.Notifier) *AchievementEngine {
	return &AchievementEngine{kv: kvc, repo: repo, stats: stats, boards: boards, notifier: notifier, now: time.Now}
}

// Evaluate checks every active definition against the event and unlocks the
// ones whose criteria are met. Returns the definitions newly unlocked by this
// event. Evaluation is deliberately fault-isolated per definition: one bad
// criterion never blocks the rest.
func (a *AchievementEngine) Evaluate(ctx context.Context, userID string, ec EvalContext) ([]store.Achievement, error) {
	defs, err := a.repo.ListDefinitions(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list achievement definitions: %w", err)
	}

	unlockedSet := a.unlockedSet(ctx, userID)

	var unlocked []store.Achievement
	for _, def := range defs {
		if unlockedSet[def.ID] {
			continue
		}
		met, progress := a.criterionMet(def, ec)
		if !met {
			if progress > 0 {
				a.trackProgress(ctx, userID, def.ID, progress)
			}
			continue
		}
		ok, err := a.unlock(ctx, userID, def)
		if err != nil {
			logging.Error(ctx, "Achievement unlock failed",
				zap.String("user_id", userID), zap.String("achievement_id", def.ID), zap.Error(err))
			continue
		}
		if ok {
			unlocked = append(unlocked, def)
		}
	}
	return unlocked, nil
}

// criterionMet reports whether the definition's criterion holds and, when it
// does not, how far along the user is (0-100).
func (a *AchievementEngine) criterionMet(def store.Achievement, ec EvalContext) (bool, int) {
	c := def.Criteria
	switch def.Type {
	case store.AchievementQuizCompletion:
		target := int64(c.Target)
		if target <= 0 {
			return false, 0
		}
		return ec.Stats.TotalQuizzesTaken >= target, percent(ec.Stats.TotalQuizzesTaken, target)

	case store.AchievementScore:
		// Event-scoped: the percentage on this attempt, not the average.
		return ec.HasPercentage && ec.Percentage >= float64(c.Score), 0

	case store.AchievementStreak:
		target := int64(c.Target)
		if target <= 0 {
			return false, 0
		}
		return ec.Stats.CurrentStreak >= target, percent(ec.Stats.CurrentStreak, target)

	case store.AchievementSpeed:
		if ec.TotalTimeSecs <= 0 || c.TimeLimit <= 0 {
			return false, 0
		}
		return ec.TotalTimeSecs <= int64(c.TimeLimit), 0

	case store.AchievementCategoryMaster:
		if c.Category == "" || ec.Category != c.Category {
			return false, 0
		}
		target := int64(c.Target)
		if target <= 0 {
			return false, 0
		}
		return ec.CategoryCount >= target, percent(ec.CategoryCount, target)

	case store.AchievementSpecial:
		switch c.Subtype {
		case "points":
			return ec.Stats.TotalPoints >= float64(c.Target), percent(int64(ec.Stats.TotalPoints), int64(c.Target))
		case "level":
			return ec.Stats.Level >= int64(c.Target), percent(ec.Stats.Level, int64(c.Target))
		}
		return false, 0
	}
	return false, 0
}

// unlock performs the at-most-once unlock. The unique index on the unlock row
// is the arbiter: a duplicate insert means another event got there first, and
// none of the side effects run again.
func (a *AchievementEngine) unlock(ctx context.Context, userID string, def store.Achievement) (bool, error) {
	now := a.now().UTC()
	err := a.repo.InsertUnlock(ctx, &store.UserAchievement{
		UserID:        userID,
		AchievementID: def.ID,
		Progress:      100,
		IsCompleted:   true,
		UnlockedAt:    &now,
	})
	if err == store.ErrDuplicate {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := a.kv.SetAdd(ctx, unlockedKey(userID), def.ID); err != nil {
		logging.Warn(ctx, "Failed to cache unlock", zap.String("user_id", userID), zap.Error(err))
	}
	_ = a.kv.Del(ctx, progressKey(userID, def.ID))

	// Award the achievement's point bounty through the normal stats path so
	// leaderboards and levels see it.
	if def.Points > 0 {
		st, err := a.stats.ApplyDelta(ctx, userID, StatsDelta{Points: float64(def.Points)})
		if err != nil {
			logging.Error(ctx, "Failed to award achievement points",
				zap.String("user_id", userID), zap.String("achievement_id", def.ID), zap.Error(err))
		} else if a.boards != nil {
			if err := a.boards.Record(ctx, userID, st.TotalPoints, ""); err != nil {
				logging.Warn(ctx, "Failed to credit unlock on leaderboard",
					zap.String("user_id", userID), zap.Error(err))
			}
		}
	}

	metrics.AchievementUnlocks.WithLabelValues(def.Rarity).Inc()
	logging.Info(ctx, "Achievement unlocked",
		zap.String("user_id", userID), zap.String("achievement_id", def.ID), zap.String("rarity", def.Rarity))

	if a.notifier != nil {
		a.notifier.AchievementUnlocked(ctx, userID, notify.Achievement{
			ID:          def.ID,
			Name:        def.Name,
			Description: def.Description,
			Icon:        def.Icon,
			Rarity:      def.Rarity,
			Points:      def.Points,
		})
	}
	return true, nil
}

// unlockedSet returns the user's unlocked IDs, preferring the cache set and
// rebuilding it from the store on a miss.
func (a *AchievementEngine) unlockedSet(ctx context.Context, userID string) map[string]bool {
	out := map[string]bool{}
	members, degraded := a.kv.SetMembers(ctx, unlockedKey(userID))
	if len(members) > 0 {
		for _, m := range members {
			out[m] = true
		}
		return out
	}

	rows, err := a.repo.UserAchievements(ctx, userID, true)
	if err != nil {
		return out
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		out[r.AchievementID] = true
		ids = append(ids, r.AchievementID)
	}
	if !degraded && len(ids) > 0 {
		_ = a.kv.SetAdd(ctx, unlockedKey(userID), ids...)
	}
	return out
}

// trackProgress mirrors partial progress into both cache and store so the
// profile page can render progress bars cheaply.
func (a *AchievementEngine) trackProgress(ctx context.Context, userID, achievementID string, progress int) {
	if err := a.kv.HashSet(ctx, progressKey(userID, achievementID), map[string]any{
		"progress":  progress,
		"updatedAt": a.now().UTC().Format(time.RFC3339),
	}); err == nil {
		_ = a.kv.Expire(ctx, progressKey(userID, achievementID), statsTTL)
	}
	if err := a.repo.UpsertProgress(ctx, userID, achievementID, progress); err != nil {
		logging.Warn(ctx, "Failed to persist achievement progress",
			zap.String("user_id", userID), zap.String("achievement_id", achievementID), zap.Error(err))
	}
}

// UserView is the profile-facing merge of definitions, unlocks, and progress.
type UserView struct {
	Achievement store.Achievement `json:"achievement"`
	Progress    int               `json:"progress"`
	IsCompleted bool              `json:"isCompleted"`
	UnlockedAt  *time.Time        `json:"unlockedAt,omitempty"`
}

// ForUser assembles the user's achievement page: every active definition with
// its completion state and progress. completedOnly narrows the page to
// unlocked rows.
func (a *AchievementEngine) ForUser(ctx context.Context, userID string, completedOnly bool) ([]UserView, error) {
	defs, err := a.repo.ListDefinitions(ctx, true)
	if err != nil {
		return nil, err
	}
	rows, err := a.repo.UserAchievements(ctx, userID, false)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]store.UserAchievement, len(rows))
	for _, r := range rows {
		byID[r.AchievementID] = r
	}

	out := make([]UserView, 0, len(defs))
	for _, def := range defs {
		v := UserView{Achievement: def}
		if r, ok := byID[def.ID]; ok {
			v.Progress = r.Progress
			v.IsCompleted = r.IsCompleted
			v.UnlockedAt = r.UnlockedAt
		}
		if completedOnly && !v.IsCompleted {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// Seed installs the default catalog, skipping definitions that already exist.
func (a *AchievementEngine) Seed(ctx context.Context) (int, error) {
	return a.repo.SeedDefinitions(ctx, DefaultAchievements())
}

// DefaultAchievements is the stock catalog installed by the seed endpoint.
func DefaultAchievements() []store.Achievement {
	return []store.Achievement{
		{
			ID: "first_steps", Name: "First Steps", Icon: "footprints",
			Description: "Complete your first quiz",
			Type:        store.AchievementQuizCompletion,
			Criteria:    store.AchievementCriteria{Target: 1},
			Rarity:      "common", Points: 10, IsActive: true,
		},
		{
			ID: "quiz_veteran", Name: "Quiz Veteran", Icon: "medal",
			Description: "Complete 50 quizzes",
			Type:        store.AchievementQuizCompletion,
			Criteria:    store.AchievementCriteria{Target: 50},
			Rarity:      "rare", Points: 100, IsActive: true,
		},
		{
			ID: "perfectionist", Name: "Perfectionist", Icon: "target",
			Description: "Score 100% on a quiz",
			Type:        store.AchievementScore,
			Criteria:    store.AchievementCriteria{Score: 100},
			Rarity:      "rare", Points: 50, IsActive: true,
		},
		{
			ID: "on_fire", Name: "On Fire", Icon: "flame",
			Description: "Keep a 7-day quiz streak",
			Type:        store.AchievementStreak,
			Criteria:    store.AchievementCriteria{Target: 7},
			Rarity:      "epic", Points: 150, IsActive: true,
		},
		{
			ID: "speed_demon", Name: "Speed Demon", Icon: "zap",
			Description: "Finish a quiz in under two minutes",
			Type:        store.AchievementSpeed,
			Criteria:    store.AchievementCriteria{TimeLimit: 120},
			Rarity:      "epic", Points: 120, IsActive: true,
		},
		{
			ID: "math_master", Name: "Math Master", Icon: "calculator",
			Description: "Complete 20 math quizzes",
			Type:        store.AchievementCategoryMaster,
			Criteria:    store.AchievementCriteria{Category: "math", Target: 20},
			Rarity:      "epic", Points: 200, IsActive: true,
		},
		{
			ID: "point_collector", Name: "Point Collector", Icon: "gem",
			Description: "Accumulate 1,000 points",
			Type:        store.AchievementSpecial,
			Criteria:    store.AchievementCriteria{Subtype: "points", Target: 1000},
			Rarity:      "rare", Points: 100, IsActive: true,
		},
		{
			ID: "level_ten", Name: "Double Digits", Icon: "trending-up",
			Description: "Reach level 10",
			Type:        store.AchievementSpecial,
			Criteria:    store.AchievementCriteria{Subtype: "level", Target: 10},
			Rarity:      "legendary", Points: 300, IsActive: true,
		},
	}
}

func percent(have, want int64) int {
	if want <= 0 {
		return 0
	}
	p := have * 100 / want
	if p > 99 {
		p = 99
	}
	if p < 0 {
		p = 0
	}
	return int(p)
}
