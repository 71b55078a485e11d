package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.mongodb.org/mongo-driver/bson"
)

// ErrNotFound is returned when a lookup matches no document.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicate is returned when a unique index rejects an insert. Callers that
// need at-most-once semantics treat it as "already done".
var ErrDuplicate = errors.New("store: duplicate")

const (
	collUsers            = "users"
	collUserStats        = "userstats"
	collAchievements     = "achievements"
	collUserAchievements = "userachievements"
	collMeetings         = "meetings"
	collReports          = "reports"
	collActions          = "moderationactions"
	collBannedUsers      = "bannedusers"
	collAppeals          = "appeals"
)

// Store wraps the Mongo database handle and hands out typed repositories.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect dials Mongo, verifies connectivity with a ping, and ensures the
// indexes the repositories rely on.
func Connect(ctx context.Context, uri, dbName string) (*Store, error) {
	if dbName == "" {
		dbName = "classkit"
	}

	opts := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(50).
		SetServerSelectionTimeout(5 * time.Second)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	s := &Store{client: client, db: client.Database(dbName)}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)

	indexes := map[string][]mongo.IndexModel{
		collUserAchievements: {
			// At-most-once unlock: one row per (user, achievement).
			{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "achievementId", Value: 1}}, Options: unique},
		},
		collUserStats: {
			{Keys: bson.D{{Key: "totalPoints", Value: -1}}},
		},
		collReports: {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "priority", Value: 1}, {Key: "createdAt", Value: -1}}},
			{Keys: bson.D{{Key: "reporterId", Value: 1}, {Key: "createdAt", Value: -1}}},
		},
		collActions: {
			{Keys: bson.D{{Key: "targetUserId", Value: 1}, {Key: "isActive", Value: 1}}},
			{Keys: bson.D{{Key: "isActive", Value: 1}, {Key: "expiresAt", Value: 1}}},
		},
		collAppeals: {
			{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "status", Value: 1}}},
		},
		collMeetings: {
			{Keys: bson.D{{Key: "hostId", Value: 1}, {Key: "status", Value: 1}}},
		},
	}

	for coll, models := range indexes {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", coll, err)
		}
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Users returns the user repository.
func (s *Store) Users() *UserRepo { return &UserRepo{coll: s.db.Collection(collUsers)} }

// Stats returns the user-stats repository.
func (s *Store) Stats() *StatsRepo { return &StatsRepo{coll: s.db.Collection(collUserStats)} }

// Achievements returns the achievement repositories.
func (s *Store) Achievements() *AchievementRepo {
	return &AchievementRepo{
		defs:  s.db.Collection(collAchievements),
		users: s.db.Collection(collUserAchievements),
	}
}

// Meetings returns the meeting repository.
func (s *Store) Meetings() *MeetingRepo { return &MeetingRepo{coll: s.db.Collection(collMeetings)} }

// Moderation returns the moderation repository.
func (s *Store) Moderation() *ModerationRepo {
	return &ModerationRepo{
		reports: s.db.Collection(collReports),
		actions: s.db.Collection(collActions),
		banned:  s.db.Collection(collBannedUsers),
		appeals: s.db.Collection(collAppeals),
	}
}

func mapMongoErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return ErrDuplicate
	default:
		return err
	}
}
