package gamification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/classkit/backend-go/internal/v1/kv"
	"github.com/classkit/backend-go/internal/v1/logging"
	"github.com/classkit/backend-go/internal/v1/store"
	"github.com/classkit/backend-go/internal/v1/wire"
)

// Board names. Every board carries the user's absolute total; weekly and
// monthly boards are simply wiped at period rollover and re-accumulate from
// the totals written after the reset.
const (
	BoardGlobal  = "global"
	BoardWeekly  = "weekly"
	BoardMonthly = "monthly"
)

func boardKey(board, category string) (string, error) {
	switch board {
	case BoardGlobal, BoardWeekly, BoardMonthly:
		return "leaderboard:" + board, nil
	case "category":
		if category == "" {
			return "", wire.E(wire.KindValidation, "category is required for category leaderboards")
		}
		return "leaderboard:category:" + strings.ToLower(category), nil
	default:
		return "", wire.Ef(wire.KindValidation, "unknown leaderboard %q", board)
	}
}

// LeaderboardEntry is one ranked row, 1-based.
type LeaderboardEntry struct {
	Rank   int64   `json:"rank"`
	UserID string  `json:"userId"`
	Name   string  `json:"name,omitempty"`
	Score  float64 `json:"score"`
}

// UserStore joins display names onto leaderboard rows; *store.UserRepo
// satisfies it.
type UserStore interface {
	GetMany(ctx context.Context, userIDs []string) (map[string]*store.User, error)
}

// LeaderboardEngine maintains the ranked boards in the cache's sorted sets.
type LeaderboardEngine struct {
	kv    *kv.Client
	stats StatsStore
	users UserStore
}

// NewLeaderboardEngine wires the leaderboard engine. users may be nil; rows
// then carry bare IDs.
func NewLeaderboardEngine(kvc *kv.Client, stats StatsStore, users UserStore) *LeaderboardEngine {
	return &LeaderboardEngine{kv: kvc, stats: stats, users: users}
}

// Record writes the user's current total onto every relevant board.
func (l *LeaderboardEngine) Record(ctx context.Context, userID string, totalPoints float64, category string) error {
	for _, board := range []string{BoardGlobal, BoardWeekly, BoardMonthly} {
		if err := l.kv.ZAdd(ctx, "leaderboard:"+board, kv.Member{Member: userID, Score: totalPoints}); err != nil {
			return err
		}
	}
	if category != "" {
		key, err := boardKey("category", category)
		if err != nil {
			return err
		}
		if err := l.kv.ZAdd(ctx, key, kv.Member{Member: userID, Score: totalPoints}); err != nil {
			return err
		}
	}
	return nil
}

// Top returns limit entries of a board starting at the given zero-based
// offset, ranks starting at start+1. An empty global board is repopulated
// from the durable totals before serving, so a cache wipe never blanks the
// page. Equal scores keep the sorted-set's deterministic member ordering, so
// ties never reshuffle between reads.
func (l *LeaderboardEngine) Top(ctx context.Context, board, category string, start, limit int64) ([]LeaderboardEntry, error) {
	key, err := boardKey(board, category)
	if err != nil {
		return nil, err
	}
	if start < 0 {
		start = 0
	}
	if limit < 1 || limit > 100 {
		limit = 10
	}
	members, degraded := l.kv.ZRevRangeWithScores(ctx, key, start, start+limit-1)
	if degraded {
		logging.Warn(ctx, "Leaderboard read degraded", zap.String("board", board))
		return []LeaderboardEntry{}, nil
	}
	if len(members) == 0 && board == BoardGlobal {
		if _, err := l.Rebuild(ctx); err != nil {
			return nil, err
		}
		members, degraded = l.kv.ZRevRangeWithScores(ctx, key, start, start+limit-1)
		if degraded {
			return []LeaderboardEntry{}, nil
		}
	}
	return l.decorate(ctx, members, start+1), nil
}

// Rank returns a user's 1-based rank and score on a board; found=false when
// the user has no entry.
func (l *LeaderboardEngine) Rank(ctx context.Context, board, category, userID string) (LeaderboardEntry, bool, error) {
	key, err := boardKey(board, category)
	if err != nil {
		return LeaderboardEntry{}, false, err
	}
	rank, found, _ := l.kv.ZRevRank(ctx, key, userID)
	if !found {
		return LeaderboardEntry{}, false, nil
	}
	score, _, _ := l.kv.ZScore(ctx, key, userID)
	return LeaderboardEntry{Rank: rank + 1, UserID: userID, Score: score}, true, nil
}

// Surrounding returns the window of entries around a user: radius above and
// radius below, clamped at the board edges.
func (l *LeaderboardEngine) Surrounding(ctx context.Context, board, category, userID string, radius int64) ([]LeaderboardEntry, error) {
	key, err := boardKey(board, category)
	if err != nil {
		return nil, err
	}
	rank, found, _ := l.kv.ZRevRank(ctx, key, userID)
	if !found {
		return []LeaderboardEntry{}, nil
	}
	if radius < 1 {
		radius = 2
	}
	start := rank - radius
	if start < 0 {
		start = 0
	}
	members, degraded := l.kv.ZRevRangeWithScores(ctx, key, start, rank+radius)
	if degraded {
		return []LeaderboardEntry{}, nil
	}
	return l.decorate(ctx, members, start+1), nil
}

// Rebuild repopulates the global board from the durable stats rows in one
// pipelined pass. Used after a cache wipe and by the admin rebuild endpoint.
func (l *LeaderboardEngine) Rebuild(ctx context.Context) (int, error) {
	start := time.Now()

	var zs []redis.Z
	err := l.stats.All(ctx, func(st *store.UserStats) error {
		zs = append(zs, redis.Z{Member: st.UserID, Score: st.TotalPoints})
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("rebuild leaderboard: %w", err)
	}
	if len(zs) == 0 {
		return 0, nil
	}

	key := "leaderboard:" + BoardGlobal
	err = l.kv.Pipeline(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		for i := 0; i < len(zs); i += 500 {
			end := i + 500
			if end > len(zs) {
				end = len(zs)
			}
			pipe.ZAdd(ctx, key, zs[i:end]...)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	logging.Info(ctx, "Rebuilt global leaderboard",
		zap.Int("entries", len(zs)), zap.Duration("took", time.Since(start)))
	return len(zs), nil
}

// ResetPeriod wipes a periodic board; the scheduler calls this at period
// rollover so a fresh week or month starts from zero.
func (l *LeaderboardEngine) ResetPeriod(ctx context.Context, board string) error {
	if board != BoardWeekly && board != BoardMonthly {
		return wire.Ef(wire.KindValidation, "cannot reset leaderboard %q", board)
	}
	return l.kv.Del(ctx, "leaderboard:"+board)
}

// decorate converts raw members into ranked entries and joins display names
// from the user store. Missing names degrade to bare IDs.
func (l *LeaderboardEngine) decorate(ctx context.Context, members []kv.Member, firstRank int64) []LeaderboardEntry {
	entries := make([]LeaderboardEntry, 0, len(members))
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.Member)
	}
	names := map[string]*store.User{}
	if l.users != nil {
		if found, err := l.users.GetMany(ctx, ids); err == nil {
			names = found
		}
	}
	for i, m := range members {
		e := LeaderboardEntry{
			Rank:   firstRank + int64(i),
			UserID: m.Member,
			Score:  m.Score,
		}
		if u, ok := names[m.Member]; ok {
			e.Name = u.Name
		}
		entries = append(entries, e)
	}
	return entries
}
