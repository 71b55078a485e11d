package gamification

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classkit/backend-go/internal/v1/kv"
	"github.com/classkit/backend-go/internal/v1/queue"
	"github.com/classkit/backend-go/internal/v1/store"
	"github.com/classkit/backend-go/internal/v1/wire"
)

// --- in-memory store fakes ---

type fakeStatsStore struct {
	mu   sync.Mutex
	rows map[string]*store.UserStats
}

func newFakeStatsStore() *fakeStatsStore {
	return &fakeStatsStore{rows: map[string]*store.UserStats{}}
}

func (f *fakeStatsStore) Get(ctx context.Context, userID string) (*store.UserStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.rows[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (f *fakeStatsStore) Upsert(ctx context.Context, st *store.UserStats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *st
	f.rows[st.UserID] = &cp
	return nil
}

func (f *fakeStatsStore) All(ctx context.Context, fn func(*store.UserStats) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, st := range f.rows {
		cp := *st
		if err := fn(&cp); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeStatsStore) ResetStreaks(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, st := range f.rows {
		if st.CurrentStreak > 0 && st.LastQuizDate != nil && st.LastQuizDate.Before(cutoff) {
			st.CurrentStreak = 0
			n++
		}
	}
	return n, nil
}

type fakeAchStore struct {
	mu       sync.Mutex
	defs     map[string]store.Achievement
	unlocks  map[string]store.UserAchievement
	progress map[string]int
}

func newFakeAchStore(defs ...store.Achievement) *fakeAchStore {
	f := &fakeAchStore{
		defs:     map[string]store.Achievement{},
		unlocks:  map[string]store.UserAchievement{},
		progress: map[string]int{},
	}
	for _, d := range defs {
		f.defs[d.ID] = d
	}
	return f
}

func (f *fakeAchStore) ListDefinitions(ctx context.Context, activeOnly bool) ([]store.Achievement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Achievement
	for _, d := range f.defs {
		if !activeOnly || d.IsActive {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeAchStore) GetDefinition(ctx context.Context, id string) (*store.Achievement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.defs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &d, nil
}

func (f *fakeAchStore) InsertDefinition(ctx context.Context, a *store.Achievement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.defs[a.ID]; ok {
		return store.ErrDuplicate
	}
	f.defs[a.ID] = *a
	return nil
}

func (f *fakeAchStore) UpdateDefinition(ctx context.Context, a *store.Achievement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.defs[a.ID]; !ok {
		return store.ErrNotFound
	}
	f.defs[a.ID] = *a
	return nil
}

func (f *fakeAchStore) DeleteDefinition(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.defs[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.defs, id)
	return nil
}

func (f *fakeAchStore) SeedDefinitions(ctx context.Context, defs []store.Achievement) (int, error) {
	added := 0
	for i := range defs {
		if err := f.InsertDefinition(ctx, &defs[i]); err == nil {
			added++
		}
	}
	return added, nil
}

func (f *fakeAchStore) UserAchievements(ctx context.Context, userID string, completedOnly bool) ([]store.UserAchievement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.UserAchievement
	for _, ua := range f.unlocks {
		if ua.UserID == userID && (!completedOnly || ua.IsCompleted) {
			out = append(out, ua)
		}
	}
	return out, nil
}

func (f *fakeAchStore) InsertUnlock(ctx context.Context, ua *store.UserAchievement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := ua.UserID + "|" + ua.AchievementID
	if _, ok := f.unlocks[key]; ok {
		return store.ErrDuplicate
	}
	f.unlocks[key] = *ua
	return nil
}

func (f *fakeAchStore) UpsertProgress(ctx context.Context, userID, achievementID string, progress int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress[userID+"|"+achievementID] = progress
	return nil
}

// --- fixtures ---

func newTestKV(t *testing.T) *kv.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	kvc, err := kv.New(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kvc.Close() })
	return kvc
}

func newTestService(t *testing.T, defs ...store.Achievement) (*Service, *fakeStatsStore, *fakeAchStore) {
	t.Helper()
	kvc := newTestKV(t)
	statsStore := newFakeStatsStore()
	achStore := newFakeAchStore(defs...)

	stats := NewStatsEngine(kvc, statsStore)
	boards := NewLeaderboardEngine(kvc, statsStore, nil)
	ach := NewAchievementEngine(kvc, achStore, stats, boards, nil)

	svc := NewService(kvc, stats, boards, ach,
		queue.New(kvc, AchievementQueue), queue.New(kvc, StatsSyncQueue))
	return svc, statsStore, achStore
}

func newTestRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	api := router.Group("/api")
	admin := router.Group("/api")
	NewHandler(svc).RegisterRoutes(api, admin)
	return router
}

// drainAchievements runs every queued evaluation synchronously.
func drainAchievements(t *testing.T, svc *Service) {
	t.Helper()
	handler := svc.AchievementWorkerHandler()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		job, err := svc.achQueue.Dequeue(ctx)
		require.NoError(t, err)
		if job == nil {
			return
		}
		require.NoError(t, handler(ctx, job))
	}
	t.Fatal("achievement queue did not drain")
}

func passedQuiz(points float64) QuizCompletedEvent {
	return QuizCompletedEvent{
		UserID: "u1",
		QuizID: "q1",
		ResultData: QuizResultData{
			Percentage:     80,
			PointsEarned:   points,
			Passed:         true,
			TotalTimeTaken: 300,
		},
	}
}

// --- stats engine ---

func TestApplyDeltaFirstQuiz(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	st, err := svc.Stats.ApplyDelta(ctx, "u1", StatsDelta{
		QuizzesTaken: 1, Points: 20, Experience: 20,
		Percentage: 80, HasPercentage: true, Passed: true, TimeSpentMin: 5,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1), st.TotalQuizzesTaken)
	assert.Equal(t, float64(20), st.TotalPoints)
	assert.Equal(t, float64(20), st.Experience)
	assert.Equal(t, int64(80), st.AverageScore)
	assert.Equal(t, int64(1), st.CurrentStreak)
	assert.Equal(t, int64(5), st.TotalTimeSpent)
	assert.Equal(t, int64(1), st.Level)
	require.NotNil(t, st.LastQuizDate)
}

func TestRunningAverageUsesPostIncrementCount(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Stats.ApplyDelta(ctx, "u1", StatsDelta{QuizzesTaken: 1, Percentage: 100, HasPercentage: true, Passed: true})
	require.NoError(t, err)
	st, err := svc.Stats.ApplyDelta(ctx, "u1", StatsDelta{QuizzesTaken: 1, Percentage: 50, HasPercentage: true, Passed: true})
	require.NoError(t, err)

	// (100 + 50) / 2
	assert.Equal(t, int64(75), st.AverageScore)
}

func TestLevelFollowsExperienceNotPoints(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	st, err := svc.Stats.ApplyDelta(ctx, "u1", StatsDelta{Experience: 250})
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.Level) // floor(250/100)+1

	// Points alone never move the level.
	st, err = svc.Stats.ApplyDelta(ctx, "u1", StatsDelta{Points: 900})
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.Level)
	assert.Equal(t, float64(250), st.Experience)
}

func TestStreakFollowsPassFail(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	st, err := svc.Stats.ApplyDelta(ctx, "u1", StatsDelta{QuizzesTaken: 1, Passed: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.CurrentStreak)

	st, err = svc.Stats.ApplyDelta(ctx, "u1", StatsDelta{QuizzesTaken: 1, Passed: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.CurrentStreak)
	assert.Equal(t, int64(2), st.LongestStreak)

	// A failed attempt zeroes the streak, keeping the longest.
	st, err = svc.Stats.ApplyDelta(ctx, "u1", StatsDelta{QuizzesTaken: 1, Passed: false})
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.CurrentStreak)
	assert.Equal(t, int64(2), st.LongestStreak)

	st, err = svc.Stats.ApplyDelta(ctx, "u1", StatsDelta{QuizzesTaken: 1, Passed: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.CurrentStreak)
	assert.Equal(t, int64(2), st.LongestStreak)
}

func TestConcurrentDeltasSumExactly(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Stats.ApplyDelta(ctx, "u1", StatsDelta{Points: 1})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	st, err := svc.Stats.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, float64(50), st.TotalPoints)
}

func TestGetFallsBackToStoreAndRematerializes(t *testing.T) {
	svc, statsStore, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, statsStore.Upsert(ctx, &store.UserStats{
		UserID: "u1", TotalPoints: 300, TotalQuizzesTaken: 12, Level: 4,
	}))

	st, err := svc.Stats.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, float64(300), st.TotalPoints)

	// Second read must come from the cache hash.
	st2, err := svc.Stats.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, st.TotalPoints, st2.TotalPoints)
	assert.Equal(t, st.TotalQuizzesTaken, st2.TotalQuizzesTaken)
}

func TestSyncToStoreFlushesCache(t *testing.T) {
	svc, statsStore, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Stats.ApplyDelta(ctx, "u1", StatsDelta{QuizzesTaken: 1, Points: 42, Passed: true})
	require.NoError(t, err)

	require.NoError(t, svc.Stats.SyncToStore(ctx, "u1"))
	st, err := statsStore.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, float64(42), st.TotalPoints)
}

// --- leaderboards ---

func TestLeaderboardRanksAndSurrounding(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for i, user := range []string{"u1", "u2", "u3", "u4", "u5"} {
		require.NoError(t, svc.Boards.Record(ctx, user, float64((i+1)*10), ""))
	}

	top, err := svc.Boards.Top(ctx, BoardGlobal, "", 0, 3)
	require.NoError(t, err)
	require.Len(t, top, 3)
	assert.Equal(t, "u5", top[0].UserID)
	assert.Equal(t, int64(1), top[0].Rank)
	assert.Equal(t, float64(50), top[0].Score)

	// Offset pagination keeps absolute ranks.
	page, err := svc.Boards.Top(ctx, BoardGlobal, "", 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "u3", page[0].UserID)
	assert.Equal(t, int64(3), page[0].Rank)

	entry, found, err := svc.Boards.Rank(ctx, BoardGlobal, "", "u3")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(3), entry.Rank)

	around, err := svc.Boards.Surrounding(ctx, BoardGlobal, "", "u3", 1)
	require.NoError(t, err)
	require.Len(t, around, 3)
	assert.Equal(t, "u4", around[0].UserID)
	assert.Equal(t, "u3", around[1].UserID)
	assert.Equal(t, "u2", around[2].UserID)
}

func TestRecordMirrorsTotalOnEveryBoard(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Boards.Record(ctx, "u1", 120, "math"))

	for _, board := range []string{BoardGlobal, BoardWeekly, BoardMonthly} {
		entry, found, err := svc.Boards.Rank(ctx, board, "", "u1")
		require.NoError(t, err)
		require.True(t, found, board)
		assert.Equal(t, float64(120), entry.Score, board)
	}
	entry, found, err := svc.Boards.Rank(ctx, "category", "math", "u1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, float64(120), entry.Score)

	// A later write replaces the score, it does not accumulate.
	require.NoError(t, svc.Boards.Record(ctx, "u1", 150, "math"))
	entry, _, err = svc.Boards.Rank(ctx, BoardWeekly, "", "u1")
	require.NoError(t, err)
	assert.Equal(t, float64(150), entry.Score)
}

func TestLeaderboardRebuildFromStore(t *testing.T) {
	svc, statsStore, _ := newTestService(t)
	ctx := context.Background()

	for _, row := range []struct {
		id     string
		points float64
	}{{"a", 500}, {"b", 300}, {"c", 300}, {"d", 100}, {"e", 0}} {
		require.NoError(t, statsStore.Upsert(ctx, &store.UserStats{UserID: row.id, TotalPoints: row.points}))
	}

	n, err := svc.Boards.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	top, err := svc.Boards.Top(ctx, BoardGlobal, "", 0, 10)
	require.NoError(t, err)
	require.Len(t, top, 5)
	assert.Equal(t, "a", top[0].UserID)
	for i, e := range top {
		assert.Equal(t, int64(i+1), e.Rank)
	}

	// The tied pair holds ranks 2 and 3 in a stable order between reads.
	tied := []string{top[1].UserID, top[2].UserID}
	assert.ElementsMatch(t, []string{"b", "c"}, tied)
	again, err := svc.Boards.Top(ctx, BoardGlobal, "", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, tied, []string{again[1].UserID, again[2].UserID})
}

func TestTopRebuildsEmptyGlobalBoard(t *testing.T) {
	svc, statsStore, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, statsStore.Upsert(ctx, &store.UserStats{UserID: "u1", TotalPoints: 200}))
	require.NoError(t, statsStore.Upsert(ctx, &store.UserStats{UserID: "u2", TotalPoints: 100}))

	// No Record calls yet; an empty global board must repopulate from the
	// durable totals and serve the rebuilt page.
	top, err := svc.Boards.Top(ctx, BoardGlobal, "", 0, 10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "u1", top[0].UserID)
	assert.Equal(t, float64(200), top[0].Score)
}

func TestPeriodResetOnlyForPeriodicBoards(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Boards.Record(ctx, "u1", 10, ""))
	require.NoError(t, svc.Boards.ResetPeriod(ctx, BoardWeekly))
	assert.Error(t, svc.Boards.ResetPeriod(ctx, BoardGlobal))

	top, err := svc.Boards.Top(ctx, BoardWeekly, "", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, top)
}

// --- achievements ---

func TestFirstQuizUnlocksFirstSteps(t *testing.T) {
	svc, _, achStore := newTestService(t, DefaultAchievements()...)
	ctx := context.Background()

	_, err := svc.HandleQuizCompleted(ctx, QuizCompletedEvent{
		UserID: "u1", QuizID: "q1",
		ResultData: QuizResultData{
			Percentage: 80, PointsEarned: 20, Passed: true, TotalTimeTaken: 300, Category: "math",
		},
	})
	require.NoError(t, err)
	drainAchievements(t, svc)

	rows, err := achStore.UserAchievements(ctx, "u1", true)
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, r := range rows {
		ids[r.AchievementID] = true
	}
	assert.True(t, ids["first_steps"])

	// The unlocked-only page carries it too.
	views, err := svc.Achievements.ForUser(ctx, "u1", true)
	require.NoError(t, err)
	found := false
	for _, v := range views {
		require.True(t, v.IsCompleted)
		if v.Achievement.ID == "first_steps" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestUnlockIsAtMostOnce(t *testing.T) {
	svc, _, achStore := newTestService(t, DefaultAchievements()...)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.HandleQuizCompleted(ctx, passedQuiz(10))
		require.NoError(t, err)
	}
	drainAchievements(t, svc)

	rows, err := achStore.UserAchievements(ctx, "u1", true)
	require.NoError(t, err)
	count := 0
	for _, r := range rows {
		if r.AchievementID == "first_steps" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestPerfectScoreUnlocksPerfectionist(t *testing.T) {
	svc, _, achStore := newTestService(t, DefaultAchievements()...)
	ctx := context.Background()

	ev := passedQuiz(25)
	ev.ResultData.Percentage = 100
	_, err := svc.HandleQuizCompleted(ctx, ev)
	require.NoError(t, err)
	drainAchievements(t, svc)

	rows, err := achStore.UserAchievements(ctx, "u1", true)
	require.NoError(t, err)
	found := false
	for _, r := range rows {
		if r.AchievementID == "perfectionist" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestSpeedCriterionDependsOnTimeOnly(t *testing.T) {
	eng := &AchievementEngine{}
	def := store.Achievement{
		Type:     store.AchievementSpeed,
		Criteria: store.AchievementCriteria{TimeLimit: 120},
	}

	// A fast finish qualifies regardless of the result percentage.
	met, _ := eng.criterionMet(def, EvalContext{HasPercentage: true, Percentage: 40, TotalTimeSecs: 100, Stats: defaultStats("u")})
	assert.True(t, met)

	met, _ = eng.criterionMet(def, EvalContext{HasPercentage: true, Percentage: 95, TotalTimeSecs: 200, Stats: defaultStats("u")})
	assert.False(t, met)

	// Events with no recorded time never qualify.
	met, _ = eng.criterionMet(def, EvalContext{Stats: defaultStats("u")})
	assert.False(t, met)
}

func TestProgressTrackedBelowTarget(t *testing.T) {
	svc, _, achStore := newTestService(t, store.Achievement{
		ID: "quiz_veteran", Name: "Quiz Veteran",
		Type:     store.AchievementQuizCompletion,
		Criteria: store.AchievementCriteria{Target: 10},
		Rarity:   "rare", Points: 100, IsActive: true,
	})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := svc.HandleQuizCompleted(ctx, passedQuiz(5))
		require.NoError(t, err)
	}
	drainAchievements(t, svc)

	achStore.mu.Lock()
	progress := achStore.progress["u1|quiz_veteran"]
	achStore.mu.Unlock()
	assert.Equal(t, 40, progress)
}

func TestAchievementBountyFeedsLeaderboard(t *testing.T) {
	svc, _, _ := newTestService(t, DefaultAchievements()...)
	ctx := context.Background()

	_, err := svc.HandleQuizCompleted(ctx, passedQuiz(20))
	require.NoError(t, err)
	drainAchievements(t, svc)

	// 20 event points + 10 First Steps bounty.
	entry, found, err := svc.Boards.Rank(ctx, BoardGlobal, "", "u1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, float64(30), entry.Score)
}

// --- service events ---

func TestQuizCompletedAppliesResultData(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	st, err := svc.HandleQuizCompleted(ctx, QuizCompletedEvent{
		UserID: "u1", QuizID: "q1",
		ResultData: QuizResultData{
			Percentage:     80,
			PointsEarned:   50,
			Passed:         true,
			TotalTimeTaken: 90,
			Experience:     50,
			Category:       "math",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1), st.TotalQuizzesTaken)
	assert.Equal(t, float64(50), st.TotalPoints)
	assert.Equal(t, float64(50), st.Experience)
	assert.Equal(t, int64(1), st.CurrentStreak)
	assert.Equal(t, int64(1), st.Level)
	assert.Equal(t, int64(80), st.AverageScore)
	assert.Equal(t, int64(2), st.TotalTimeSpent) // round(90/60) minutes
	assert.Equal(t, []string{"math"}, st.FavoriteCategories)
}

func TestQuizCompletedBonusPointsCountTowardTotal(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	ev := passedQuiz(50)
	ev.ResultData.BonusPoints = 15
	st, err := svc.HandleQuizCompleted(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, float64(65), st.TotalPoints)
}

func TestResultSavedRefreshesBoardsWithoutAwardingPoints(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.HandleQuizCompleted(ctx, passedQuiz(40))
	require.NoError(t, err)

	ev := ResultSavedEvent{UserID: "u1", ResultID: "r1"}
	ev.ResultData.Category = "math"
	st, err := svc.HandleResultSaved(ctx, ev)
	require.NoError(t, err)

	// Total unchanged; the category board now mirrors it.
	assert.Equal(t, float64(40), st.TotalPoints)
	entry, found, err := svc.Boards.Rank(ctx, "category", "math", "u1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, float64(40), entry.Score)
}

func TestQuizCreatedCountsAuthorshipOnly(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	st, err := svc.HandleQuizCreated(ctx, QuizCreatedEvent{UserID: "u1", QuizID: "q1"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), st.TotalQuizzesMade)
	assert.Equal(t, float64(0), st.TotalPoints)

	job, err := svc.achQueue.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Contains(t, string(job.Payload), "quiz_created")
}

func TestLiveSessionUsesReportedPointsAndRanks(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	err := svc.HandleLiveSessionEnded(ctx, LiveSessionEndedEvent{
		SessionID: "s1",
		Participants: []LiveSessionParticipant{
			{UserID: "winner", Points: 100, BonusPoints: 20, Rank: 1, Accuracy: 95, TotalTime: 240, Experience: 50},
			{UserID: "third", Points: 60, Rank: 3, Accuracy: 70, TotalTime: 300},
			{UserID: "fourth", Points: 40, Rank: 4, Accuracy: 55, TotalTime: 300},
		},
	})
	require.NoError(t, err)

	winner, err := svc.Stats.Get(ctx, "winner")
	require.NoError(t, err)
	assert.Equal(t, float64(120), winner.TotalPoints)
	assert.Equal(t, float64(50), winner.Experience)
	assert.Equal(t, int64(1), winner.CurrentStreak) // top three counts as passed

	third, err := svc.Stats.Get(ctx, "third")
	require.NoError(t, err)
	assert.Equal(t, float64(60), third.TotalPoints)
	assert.Equal(t, int64(1), third.CurrentStreak)

	fourth, err := svc.Stats.Get(ctx, "fourth")
	require.NoError(t, err)
	assert.Equal(t, float64(40), fourth.TotalPoints)
	assert.Equal(t, int64(0), fourth.CurrentStreak)
}

func TestSocialInteractionOnlyQueuesEvaluation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.HandleSocialInteraction(ctx, SocialInteractionEvent{
		UserID: "u1", InteractionType: "like",
	}))

	st, err := svc.Stats.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, float64(0), st.TotalPoints)

	job, err := svc.achQueue.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Contains(t, string(job.Payload), "social_like")
}

func TestSocialInteractionRejectsUnknownType(t *testing.T) {
	svc, _, _ := newTestService(t)
	err := svc.HandleSocialInteraction(context.Background(), SocialInteractionEvent{
		UserID: "u1", InteractionType: "teleport",
	})
	require.Error(t, err)
	assert.Equal(t, wire.KindValidation, wire.KindOf(err))
}

func TestDirtySyncDrain(t *testing.T) {
	svc, statsStore, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.HandleQuizCompleted(ctx, passedQuiz(15))
	require.NoError(t, err)

	queued, err := svc.EnqueueDirtySyncs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, queued)

	handler := svc.SyncWorkerHandler()
	job, err := svc.syncQueue.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, handler(ctx, job))

	st, err := statsStore.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, float64(15), st.TotalPoints)
}

// --- HTTP surface ---

func TestQuizCompletedEndpointAppliesPoints(t *testing.T) {
	svc, _, _ := newTestService(t, DefaultAchievements()...)
	router := newTestRouter(svc)
	ctx := context.Background()

	body := `{"userId":"u1","quizId":"q1","resultData":{"percentage":80,"pointsEarned":50,"passed":true,"totalTimeTaken":90,"experience":50,"category":"math"}}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/events/quiz-completed", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	st, err := svc.Stats.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, float64(50), st.TotalPoints)
	assert.Equal(t, int64(1), st.TotalQuizzesTaken)
	assert.Equal(t, int64(1), st.CurrentStreak)
	assert.Equal(t, int64(1), st.Level)
}

func TestReadAndAdminRoutes(t *testing.T) {
	svc, statsStore, _ := newTestService(t, DefaultAchievements()...)
	router := newTestRouter(svc)
	ctx := context.Background()

	_, err := svc.HandleQuizCompleted(ctx, QuizCompletedEvent{
		UserID: "u1", QuizID: "q1",
		ResultData: QuizResultData{
			Percentage: 80, PointsEarned: 50, Passed: true, TotalTimeTaken: 90, Experience: 50, Category: "math",
		},
	})
	require.NoError(t, err)
	drainAchievements(t, svc)

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	w := get("/api/leaderboards/global?start=0&limit=5")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "u1")

	w = get("/api/leaderboards/category/math")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "u1")

	w = get("/api/leaderboards/nope")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = get("/api/achievements/u1?completedOnly=true")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "first_steps")
	assert.NotContains(t, w.Body.String(), "quiz_veteran")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/stats/u1/sync", nil))
	require.Equal(t, http.StatusOK, w.Code)
	st, err := statsStore.Get(ctx, "u1")
	require.NoError(t, err)
	assert.InDelta(t, 60, st.TotalPoints, 0.01) // 50 earned + 10 First Steps bounty
}
