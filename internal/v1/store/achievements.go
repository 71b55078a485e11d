package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// AchievementRepo holds both the definition catalog and per-user unlock rows.
type AchievementRepo struct {
	defs  *mongo.Collection
	users *mongo.Collection
}

// ListDefinitions returns achievement definitions; when activeOnly is set,
// inactive ones are filtered out.
func (r *AchievementRepo) ListDefinitions(ctx context.Context, activeOnly bool) ([]Achievement, error) {
	filter := bson.M{}
	if activeOnly {
		filter["isActive"] = true
	}
	cur, err := r.defs.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []Achievement
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetDefinition loads one achievement definition.
func (r *AchievementRepo) GetDefinition(ctx context.Context, id string) (*Achievement, error) {
	var a Achievement
	if err := r.defs.FindOne(ctx, bson.M{"_id": id}).Decode(&a); err != nil {
		return nil, mapMongoErr(err)
	}
	return &a, nil
}

// InsertDefinition creates a new definition; a colliding ID maps to ErrDuplicate.
func (r *AchievementRepo) InsertDefinition(ctx context.Context, a *Achievement) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := r.defs.InsertOne(ctx, a)
	return mapMongoErr(err)
}

// UpdateDefinition replaces an existing definition.
func (r *AchievementRepo) UpdateDefinition(ctx context.Context, a *Achievement) error {
	res, err := r.defs.ReplaceOne(ctx, bson.M{"_id": a.ID}, a)
	if err != nil {
		return mapMongoErr(err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDefinition removes a definition. Existing user unlocks are kept; the
// history of an earned award survives catalog edits.
func (r *AchievementRepo) DeleteDefinition(ctx context.Context, id string) error {
	res, err := r.defs.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// SeedDefinitions inserts any of the given definitions that do not already
// exist and reports how many were added. Existing IDs are left untouched.
func (r *AchievementRepo) SeedDefinitions(ctx context.Context, defs []Achievement) (int, error) {
	added := 0
	for i := range defs {
		if err := r.InsertDefinition(ctx, &defs[i]); err != nil {
			if err == ErrDuplicate {
				continue
			}
			return added, err
		}
		added++
	}
	return added, nil
}

// UserAchievements returns a user's unlock rows, optionally only completed ones.
func (r *AchievementRepo) UserAchievements(ctx context.Context, userID string, completedOnly bool) ([]UserAchievement, error) {
	filter := bson.M{"userId": userID}
	if completedOnly {
		filter["isCompleted"] = true
	}
	cur, err := r.users.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []UserAchievement
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// InsertUnlock records a completed unlock. The unique (userId, achievementId)
// index makes a repeat insert come back as ErrDuplicate, which callers treat
// as already-unlocked.
func (r *AchievementRepo) InsertUnlock(ctx context.Context, ua *UserAchievement) error {
	_, err := r.users.InsertOne(ctx, ua)
	return mapMongoErr(err)
}

// UpsertProgress stores partial progress toward an achievement without marking
// it completed. A row that is already completed is never downgraded.
func (r *AchievementRepo) UpsertProgress(ctx context.Context, userID, achievementID string, progress int) error {
	_, err := r.users.UpdateOne(ctx,
		bson.M{"userId": userID, "achievementId": achievementID, "isCompleted": false},
		bson.M{"$set": bson.M{"progress": progress}, "$setOnInsert": bson.M{"isCompleted": false}},
		options.Update().SetUpsert(true),
	)
	// An upsert racing a completed row trips the unique index; the unlock won.
	if err == nil || mapMongoErr(err) == ErrDuplicate {
		return nil
	}
	return err
}

// CountCompleted returns the number of completed unlocks for a user.
func (r *AchievementRepo) CountCompleted(ctx context.Context, userID string) (int64, error) {
	return r.users.CountDocuments(ctx, bson.M{"userId": userID, "isCompleted": true})
}
