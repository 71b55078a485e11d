package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// UserRepo reads and writes identity records.
type UserRepo struct {
	coll *mongo.Collection
}

// Get loads a user by ID.
func (r *UserRepo) Get(ctx context.Context, userID string) (*User, error) {
	var u User
	err := r.coll.FindOne(ctx, bson.M{"_id": userID}).Decode(&u)
	if err != nil {
		return nil, mapMongoErr(err)
	}
	return &u, nil
}

// GetMany loads a set of users by ID; missing IDs are simply absent from the
// result map.
func (r *UserRepo) GetMany(ctx context.Context, userIDs []string) (map[string]*User, error) {
	out := make(map[string]*User, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	cur, err := r.coll.Find(ctx, bson.M{"_id": bson.M{"$in": userIDs}})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	for cur.Next(ctx) {
		var u User
		if err := cur.Decode(&u); err != nil {
			return nil, err
		}
		out[u.ID] = &u
	}
	return out, cur.Err()
}

// Upsert writes the full user document.
func (r *UserRepo) Upsert(ctx context.Context, u *User) error {
	_, err := r.coll.ReplaceOne(ctx, bson.M{"_id": u.ID}, u, options.Replace().SetUpsert(true))
	return mapMongoErr(err)
}

// TouchActivity records a last-activity timestamp without rewriting the document.
func (r *UserRepo) TouchActivity(ctx context.Context, userID string, at time.Time) error {
	_, err := r.coll.UpdateOne(ctx, bson.M{"_id": userID},
		bson.M{"$set": bson.M{"lastActivity": at, "lastSeen": at}})
	return mapMongoErr(err)
}

// StatsRepo is the durable side of the per-user gamification counters. The
// cache is the hot path; these rows back rebuilds and cache misses.
type StatsRepo struct {
	coll *mongo.Collection
}

// Get loads the stats row for a user.
func (r *StatsRepo) Get(ctx context.Context, userID string) (*UserStats, error) {
	var st UserStats
	err := r.coll.FindOne(ctx, bson.M{"_id": userID}).Decode(&st)
	if err != nil {
		return nil, mapMongoErr(err)
	}
	return &st, nil
}

// Upsert replaces the stats row, stamping updatedAt.
func (r *StatsRepo) Upsert(ctx context.Context, st *UserStats) error {
	st.UpdatedAt = time.Now().UTC()
	_, err := r.coll.ReplaceOne(ctx, bson.M{"_id": st.UserID}, st, options.Replace().SetUpsert(true))
	return mapMongoErr(err)
}

// TopByPoints returns up to limit stats rows ordered by total points
// descending, user ID ascending as the tie-break.
func (r *StatsRepo) TopByPoints(ctx context.Context, limit int64) ([]UserStats, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "totalPoints", Value: -1}, {Key: "_id", Value: 1}}).
		SetLimit(limit)
	cur, err := r.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query top stats: %w", err)
	}
	defer cur.Close(ctx)

	var out []UserStats
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// All streams every stats row through fn; used by leaderboard rebuilds.
func (r *StatsRepo) All(ctx context.Context, fn func(*UserStats) error) error {
	cur, err := r.coll.Find(ctx, bson.M{})
	if err != nil {
		return err
	}
	defer cur.Close(ctx)
	for cur.Next(ctx) {
		var st UserStats
		if err := cur.Decode(&st); err != nil {
			return err
		}
		if err := fn(&st); err != nil {
			return err
		}
	}
	return cur.Err()
}

// ResetStreaks zeroes currentStreak for every user whose last quiz is older
// than the cutoff. Returns the number of rows changed.
func (r *StatsRepo) ResetStreaks(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.coll.UpdateMany(ctx,
		bson.M{
			"currentStreak": bson.M{"$gt": 0},
			"lastQuizDate":  bson.M{"$lt": cutoff},
		},
		bson.M{"$set": bson.M{"currentStreak": int64(0), "updatedAt": time.Now().UTC()}},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}
