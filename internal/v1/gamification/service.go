package gamification

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/classkit/backend-go/internal/v1/kv"
	"github.com/classkit/backend-go/internal/v1/logging"
	"github.com/classkit/backend-go/internal/v1/metrics"
	"github.com/classkit/backend-go/internal/v1/queue"
	"github.com/classkit/backend-go/internal/v1/store"
	"github.com/classkit/backend-go/internal/v1/wire"
)

// Queue names and worker sizing for the async halves of event processing.
const (
	AchievementQueue       = "achievements"
	StatsSyncQueue         = "statssync"
	AchievementConcurrency = 5
	StatsSyncConcurrency   = 3

	dirtyStatsKey = "stats:dirty"
)

func categoryCountKey(userID string) string { return "categorycount:" + userID }

// Service orchestrates the gamification pipeline: synchronous stats and
// leaderboard updates, asynchronous achievement evaluation via the job queue.
type Service struct {
	kv           *kv.Client
	Stats        *StatsEngine
	Boards       *LeaderboardEngine
	Achievements *AchievementEngine
	achQueue     *queue.Queue
	syncQueue    *queue.Queue
}

// NewService wires the gamification service.
func NewService(kvc *kv.Client, stats *StatsEngine, boards *LeaderboardEngine, ach *AchievementEngine, achQueue, syncQueue *queue.Queue) *Service {
	return &Service{
		kv:           kvc,
		Stats:        stats,
		Boards:       boards,
		Achievements: ach,
		achQueue:     achQueue,
		syncQueue:    syncQueue,
	}
}

// QuizResultData is the nested result payload quiz producers attach to their
// events.
type QuizResultData struct {
	Percentage     float64 `json:"percentage"`
	PointsEarned   float64 `json:"pointsEarned"`
	BonusPoints    float64 `json:"bonusPoints"`
	Experience     float64 `json:"experience"`
	Passed         bool    `json:"passed"`
	TotalTimeTaken int64   `json:"totalTimeTaken"`
	Category       string  `json:"category"`
}

// QuizCompletedEvent is the quiz service's completion notification.
type QuizCompletedEvent struct {
	UserID     string         `json:"userId" binding:"required"`
	QuizID     string         `json:"quizId"`
	ResultData QuizResultData `json:"resultData"`
}

// ResultSavedEvent signals a persisted result. Points were already counted by
// the completion event; this only refreshes the leaderboards.
type ResultSavedEvent struct {
	UserID     string `json:"userId" binding:"required"`
	ResultID   string `json:"resultId"`
	ResultData struct {
		Category string `json:"category"`
	} `json:"resultData"`
}

// QuizCreatedEvent records a published quiz.
type QuizCreatedEvent struct {
	UserID   string `json:"userId" binding:"required"`
	QuizID   string `json:"quizId"`
	Category string `json:"category"`
}

// SocialInteractionEvent reports social activity for achievement evaluation.
type SocialInteractionEvent struct {
	UserID          string `json:"userId" binding:"required"`
	InteractionType string `json:"interactionType" binding:"required"`
}

// LiveSessionParticipant is one attendee's outcome in a finished session.
type LiveSessionParticipant struct {
	UserID      string  `json:"userId"`
	Points      float64 `json:"points"`
	BonusPoints float64 `json:"bonusPoints"`
	Rank        int     `json:"rank"`
	Accuracy    float64 `json:"accuracy"`
	TotalTime   int64   `json:"totalTime"`
	Experience  float64 `json:"experience"`
}

// LiveSessionEndedEvent reports a finished live session with final standings.
type LiveSessionEndedEvent struct {
	SessionID    string                   `json:"sessionId"`
	Participants []LiveSessionParticipant `json:"participants" binding:"required"`
}

// achievementJob is the payload carried on the achievements queue.
type achievementJob struct {
	UserID         string  `json:"userId"`
	Kind           string  `json:"kind"`
	Percentage     float64 `json:"percentage"`
	HasPercentage  bool    `json:"hasPercentage"`
	TotalTimeTaken int64   `json:"totalTimeTaken"`
	Category       string  `json:"category"`
	CategoryCount  int64   `json:"categoryCount"`
}

// syncJob is the payload carried on the stats sync queue.
type syncJob struct {
	UserID string `json:"userId"`
}

// HandleQuizCompleted applies the completion delta, feeds the boards, and
// queues achievement evaluation. Earned and bonus points both count toward
// the total; experience moves only by the event's experience grant.
func (s *Service) HandleQuizCompleted(ctx context.Context, ev QuizCompletedEvent) (*store.UserStats, error) {
	r := ev.ResultData
	st, err := s.applyAndRecord(ctx, ev.UserID, StatsDelta{
		QuizzesTaken:  1,
		Points:        r.PointsEarned + r.BonusPoints,
		Experience:    r.Experience,
		TimeSpentMin:  int64(math.Round(float64(r.TotalTimeTaken) / 60)),
		Percentage:    r.Percentage,
		HasPercentage: true,
		Passed:        r.Passed,
		Category:      r.Category,
		ActivityType:  "quiz_completed",
	})
	if err != nil {
		metrics.GamificationEvents.WithLabelValues("quiz_completed", "error").Inc()
		return nil, err
	}

	var catCount int64
	if r.Category != "" {
		catCount, _ = s.kv.HashIncr(ctx, categoryCountKey(ev.UserID), r.Category, 1)
	}

	s.enqueueEvaluation(ctx, achievementJob{
		UserID:         ev.UserID,
		Kind:           "quiz_completed",
		Percentage:     r.Percentage,
		HasPercentage:  true,
		TotalTimeTaken: r.TotalTimeTaken,
		Category:       r.Category,
		CategoryCount:  catCount,
	})
	metrics.GamificationEvents.WithLabelValues("quiz_completed", "ok").Inc()
	return st, nil
}

// HandleResultSaved refreshes the leaderboards from the user's current total.
// No points are awarded here; the completion event already counted them.
func (s *Service) HandleResultSaved(ctx context.Context, ev ResultSavedEvent) (*store.UserStats, error) {
	if ev.UserID == "" {
		return nil, wire.E(wire.KindValidation, "userId is required")
	}
	st, err := s.Stats.Get(ctx, ev.UserID)
	if err != nil {
		metrics.GamificationEvents.WithLabelValues("result_saved", "error").Inc()
		return nil, err
	}
	if err := s.Boards.Record(ctx, ev.UserID, st.TotalPoints, ev.ResultData.Category); err != nil {
		logging.Warn(ctx, "Leaderboard refresh failed", zap.String("user_id", ev.UserID), zap.Error(err))
	}
	metrics.GamificationEvents.WithLabelValues("result_saved", "ok").Inc()
	return st, nil
}

// HandleQuizCreated counts the authored quiz and queues an evaluation so
// authorship criteria can fire.
func (s *Service) HandleQuizCreated(ctx context.Context, ev QuizCreatedEvent) (*store.UserStats, error) {
	st, err := s.applyAndRecord(ctx, ev.UserID, StatsDelta{
		QuizzesCreated: 1,
		Category:       ev.Category,
		ActivityType:   "quiz_created",
	})
	if err != nil {
		metrics.GamificationEvents.WithLabelValues("quiz_created", "error").Inc()
		return nil, err
	}
	s.enqueueEvaluation(ctx, achievementJob{UserID: ev.UserID, Kind: "quiz_created", Category: ev.Category})
	metrics.GamificationEvents.WithLabelValues("quiz_created", "ok").Inc()
	return st, nil
}

// HandleSocialInteraction queues an achievement evaluation for the activity.
// Social events carry no points and touch no counters.
func (s *Service) HandleSocialInteraction(ctx context.Context, ev SocialInteractionEvent) error {
	if !socialInteractionTypes[ev.InteractionType] {
		metrics.GamificationEvents.WithLabelValues("social_interaction", "rejected").Inc()
		return wire.Ef(wire.KindValidation, "unknown interaction type %q", ev.InteractionType)
	}
	s.enqueueEvaluation(ctx, achievementJob{UserID: ev.UserID, Kind: "social_" + ev.InteractionType})
	metrics.GamificationEvents.WithLabelValues("social_interaction", "ok").Inc()
	return nil
}

var socialInteractionTypes = map[string]bool{
	"like":    true,
	"comment": true,
	"share":   true,
	"follow":  true,
}

// HandleLiveSessionEnded settles a finished session: each participant goes
// through the same per-user pipeline as a quiz completion, with their session
// points and a top-three finish counting as passed.
func (s *Service) HandleLiveSessionEnded(ctx context.Context, ev LiveSessionEndedEvent) error {
	if len(ev.Participants) == 0 {
		return wire.E(wire.KindValidation, "participants are required")
	}

	for _, p := range ev.Participants {
		_, err := s.applyAndRecord(ctx, p.UserID, StatsDelta{
			QuizzesTaken:  1,
			Points:        p.Points + p.BonusPoints,
			Experience:    p.Experience,
			TimeSpentMin:  int64(math.Round(float64(p.TotalTime) / 60)),
			Percentage:    p.Accuracy,
			HasPercentage: true,
			Passed:        p.Rank <= 3,
			ActivityType:  "live_session",
		})
		if err != nil {
			// One bad participant must not void the rest of the settlement.
			logging.Error(ctx, "Failed to settle live session participant",
				zap.String("session_id", ev.SessionID), zap.String("user_id", p.UserID), zap.Error(err))
			continue
		}
		s.enqueueEvaluation(ctx, achievementJob{
			UserID:         p.UserID,
			Kind:           "live_session",
			Percentage:     p.Accuracy,
			HasPercentage:  true,
			TotalTimeTaken: p.TotalTime,
		})
	}
	metrics.GamificationEvents.WithLabelValues("live_session_ended", "ok").Inc()
	return nil
}

// applyAndRecord is the shared synchronous half of every event: stats delta,
// leaderboard update, dirty-set marking for the periodic store sync.
func (s *Service) applyAndRecord(ctx context.Context, userID string, d StatsDelta) (*store.UserStats, error) {
	if userID == "" {
		return nil, wire.E(wire.KindValidation, "userId is required")
	}
	st, err := s.Stats.ApplyDelta(ctx, userID, d)
	if err != nil {
		return nil, err
	}
	if err := s.Boards.Record(ctx, userID, st.TotalPoints, d.Category); err != nil {
		logging.Warn(ctx, "Leaderboard update failed", zap.String("user_id", userID), zap.Error(err))
	}
	if err := s.kv.SetAdd(ctx, dirtyStatsKey, userID); err != nil {
		logging.Warn(ctx, "Failed to mark stats dirty", zap.String("user_id", userID), zap.Error(err))
	}
	return st, nil
}

func (s *Service) enqueueEvaluation(ctx context.Context, job achievementJob) {
	if s.achQueue == nil {
		return
	}
	if _, err := s.achQueue.Enqueue(ctx, job); err != nil {
		logging.Error(ctx, "Failed to enqueue achievement evaluation",
			zap.String("user_id", job.UserID), zap.Error(err))
	}
}

// EnqueueDirtySyncs drains the dirty-user set into the sync queue. The
// scheduler calls this on every sync tick.
func (s *Service) EnqueueDirtySyncs(ctx context.Context) (int, error) {
	users, degraded := s.kv.SetMembers(ctx, dirtyStatsKey)
	if degraded || len(users) == 0 {
		return 0, nil
	}
	queued := 0
	for _, userID := range users {
		if _, err := s.syncQueue.Enqueue(ctx, syncJob{UserID: userID}); err != nil {
			return queued, err
		}
		if err := s.kv.SetRem(ctx, dirtyStatsKey, userID); err != nil {
			return queued, err
		}
		queued++
	}
	return queued, nil
}

// AchievementWorkerHandler processes one queued evaluation.
func (s *Service) AchievementWorkerHandler() queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var j achievementJob
		if err := json.Unmarshal(job.Payload, &j); err != nil {
			return fmt.Errorf("decode achievement job: %w", err)
		}
		st, err := s.Stats.Get(ctx, j.UserID)
		if err != nil {
			return err
		}
		_, err = s.Achievements.Evaluate(ctx, j.UserID, EvalContext{
			Stats:         st,
			Percentage:    j.Percentage,
			HasPercentage: j.HasPercentage,
			TotalTimeSecs: j.TotalTimeTaken,
			Category:      j.Category,
			CategoryCount: j.CategoryCount,
		})
		return err
	}
}

// SyncWorkerHandler processes one queued stats flush.
func (s *Service) SyncWorkerHandler() queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var j syncJob
		if err := json.Unmarshal(job.Payload, &j); err != nil {
			return fmt.Errorf("decode sync job: %w", err)
		}
		return s.Stats.SyncToStore(ctx, j.UserID)
	}
}
