package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ModerationRepo persists the report → action → appeal lifecycle.
type ModerationRepo struct {
	reports *mongo.Collection
	actions *mongo.Collection
	banned  *mongo.Collection
	appeals *mongo.Collection
}

// ReportFilter narrows report listings. Zero values mean "no constraint".
type ReportFilter struct {
	Status      ReportStatus
	Priority    ReportPriority
	ContentType string
	ReporterID  string
	Page        int64
	PageSize    int64
}

// HasOpenReport reports whether the reporter already has a pending or
// reviewing report against the same target. Used for submit-time dedup.
func (r *ModerationRepo) HasOpenReport(ctx context.Context, reporterID, reportedUserID, reportedContentID string) (bool, error) {
	filter := bson.M{
		"reporterId": reporterID,
		"status":     bson.M{"$in": []ReportStatus{ReportPending, ReportReviewing}},
	}
	if reportedContentID != "" {
		filter["reportedContentId"] = reportedContentID
	} else {
		filter["reportedUserId"] = reportedUserID
	}
	n, err := r.reports.CountDocuments(ctx, filter, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InsertReport stores a new report.
func (r *ModerationRepo) InsertReport(ctx context.Context, rep *Report) error {
	_, err := r.reports.InsertOne(ctx, rep)
	return mapMongoErr(err)
}

// GetReport loads one report.
func (r *ModerationRepo) GetReport(ctx context.Context, id string) (*Report, error) {
	var rep Report
	if err := r.reports.FindOne(ctx, bson.M{"_id": id}).Decode(&rep); err != nil {
		return nil, mapMongoErr(err)
	}
	return &rep, nil
}

// ListReports returns a page of reports matching the filter, newest first,
// plus the total match count for pagination.
func (r *ModerationRepo) ListReports(ctx context.Context, f ReportFilter) ([]Report, int64, error) {
	filter := bson.M{}
	if f.Status != "" {
		filter["status"] = f.Status
	}
	if f.Priority != "" {
		filter["priority"] = f.Priority
	}
	if f.ContentType != "" {
		filter["contentType"] = f.ContentType
	}
	if f.ReporterID != "" {
		filter["reporterId"] = f.ReporterID
	}

	total, err := r.reports.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	page, size := f.Page, f.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}}).
		SetSkip((page - 1) * size).
		SetLimit(size)

	cur, err := r.reports.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, err
	}
	defer cur.Close(ctx)

	var out []Report
	if err := cur.All(ctx, &out); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// UpdateReport applies a partial update to one report.
func (r *ModerationRepo) UpdateReport(ctx context.Context, id string, set bson.M) error {
	res, err := r.reports.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return mapMongoErr(err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// BulkUpdateReports applies the same partial update to many reports and
// returns the number modified.
func (r *ModerationRepo) BulkUpdateReports(ctx context.Context, ids []string, set bson.M) (int64, error) {
	res, err := r.reports.UpdateMany(ctx, bson.M{"_id": bson.M{"$in": ids}}, bson.M{"$set": set})
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// ReportStats is an aggregate snapshot of the report queue.
type ReportStats struct {
	Total      int64            `json:"total"`
	ByStatus   map[string]int64 `json:"byStatus"`
	ByPriority map[string]int64 `json:"byPriority"`
	Last24h    int64            `json:"last24h"`
}

// CountReports builds the queue snapshot with two facet counts and a
// recent-window count.
func (r *ModerationRepo) CountReports(ctx context.Context) (*ReportStats, error) {
	stats := &ReportStats{
		ByStatus:   map[string]int64{},
		ByPriority: map[string]int64{},
	}

	count := func(field string, into map[string]int64) error {
		cur, err := r.reports.Aggregate(ctx, mongo.Pipeline{
			bson.D{{Key: "$group", Value: bson.M{"_id": "$" + field, "n": bson.M{"$sum": 1}}}},
		})
		if err != nil {
			return err
		}
		defer cur.Close(ctx)
		for cur.Next(ctx) {
			var row struct {
				ID string `bson:"_id"`
				N  int64  `bson:"n"`
			}
			if err := cur.Decode(&row); err != nil {
				return err
			}
			into[row.ID] = row.N
		}
		return cur.Err()
	}

	if err := count("status", stats.ByStatus); err != nil {
		return nil, err
	}
	if err := count("priority", stats.ByPriority); err != nil {
		return nil, err
	}
	for _, n := range stats.ByStatus {
		stats.Total += n
	}

	last24h, err := r.reports.CountDocuments(ctx, bson.M{
		"createdAt": bson.M{"$gte": time.Now().UTC().Add(-24 * time.Hour)},
	})
	if err != nil {
		return nil, err
	}
	stats.Last24h = last24h
	return stats, nil
}

// InsertAction stores a new moderation action.
func (r *ModerationRepo) InsertAction(ctx context.Context, a *ModerationAction) error {
	_, err := r.actions.InsertOne(ctx, a)
	return mapMongoErr(err)
}

// GetAction loads one action.
func (r *ModerationRepo) GetAction(ctx context.Context, id string) (*ModerationAction, error) {
	var a ModerationAction
	if err := r.actions.FindOne(ctx, bson.M{"_id": id}).Decode(&a); err != nil {
		return nil, mapMongoErr(err)
	}
	return &a, nil
}

// ListActions returns recent actions across all users, newest first.
func (r *ModerationRepo) ListActions(ctx context.Context, activeOnly bool, limit int64) ([]ModerationAction, error) {
	filter := bson.M{}
	if activeOnly {
		filter["isActive"] = true
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	cur, err := r.actions.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}).SetLimit(limit))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []ModerationAction
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListActionsForUser returns a target user's actions, newest first. When
// activeOnly is set, revoked and expired-flagged actions are excluded.
func (r *ModerationRepo) ListActionsForUser(ctx context.Context, targetUserID string, activeOnly bool) ([]ModerationAction, error) {
	filter := bson.M{"targetUserId": targetUserID}
	if activeOnly {
		filter["isActive"] = true
	}
	cur, err := r.actions.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []ModerationAction
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RevokeAction deactivates an action and records who revoked it and why.
func (r *ModerationRepo) RevokeAction(ctx context.Context, id, revokedBy, reason string, at time.Time) error {
	res, err := r.actions.UpdateOne(ctx,
		bson.M{"_id": id, "isActive": true},
		bson.M{"$set": bson.M{
			"isActive":      false,
			"revokedBy":     revokedBy,
			"revokedReason": reason,
			"revokedAt":     at,
		}},
	)
	if err != nil {
		return mapMongoErr(err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpireActions deactivates every active action whose expiry has passed and
// returns the affected action IDs so callers can reconcile ban mirrors.
func (r *ModerationRepo) ExpireActions(ctx context.Context, now time.Time) ([]ModerationAction, error) {
	cur, err := r.actions.Find(ctx, bson.M{
		"isActive":  true,
		"expiresAt": bson.M{"$ne": nil, "$lte": now},
	})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var expired []ModerationAction
	if err := cur.All(ctx, &expired); err != nil {
		return nil, err
	}
	if len(expired) == 0 {
		return nil, nil
	}

	ids := make([]string, len(expired))
	for i := range expired {
		ids[i] = expired[i].ID
	}
	_, err = r.actions.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}},
		bson.M{"$set": bson.M{"isActive": false}},
	)
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// UpsertBannedUser writes the ban mirror row for a user.
func (r *ModerationRepo) UpsertBannedUser(ctx context.Context, b *BannedUser) error {
	_, err := r.banned.ReplaceOne(ctx, bson.M{"_id": b.UserID}, b, options.Replace().SetUpsert(true))
	return mapMongoErr(err)
}

// GetBannedUser loads the ban mirror row for a user.
func (r *ModerationRepo) GetBannedUser(ctx context.Context, userID string) (*BannedUser, error) {
	var b BannedUser
	if err := r.banned.FindOne(ctx, bson.M{"_id": userID}).Decode(&b); err != nil {
		return nil, mapMongoErr(err)
	}
	return &b, nil
}

// DeleteBannedUser removes the ban mirror row. Missing rows are not an error;
// lazy expiry and explicit revokes race benignly.
func (r *ModerationRepo) DeleteBannedUser(ctx context.Context, userID string) error {
	_, err := r.banned.DeleteOne(ctx, bson.M{"_id": userID})
	return err
}

// ListBannedUsers returns all ban mirror rows, newest first.
func (r *ModerationRepo) ListBannedUsers(ctx context.Context) ([]BannedUser, error) {
	cur, err := r.banned.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "bannedAt", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []BannedUser
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// InsertAppeal stores a new appeal.
func (r *ModerationRepo) InsertAppeal(ctx context.Context, a *Appeal) error {
	_, err := r.appeals.InsertOne(ctx, a)
	return mapMongoErr(err)
}

// GetAppeal loads one appeal.
func (r *ModerationRepo) GetAppeal(ctx context.Context, id string) (*Appeal, error) {
	var a Appeal
	if err := r.appeals.FindOne(ctx, bson.M{"_id": id}).Decode(&a); err != nil {
		return nil, mapMongoErr(err)
	}
	return &a, nil
}

// HasOpenAppeal reports whether the user already has an unresolved appeal for
// the given action.
func (r *ModerationRepo) HasOpenAppeal(ctx context.Context, userID, actionID string) (bool, error) {
	n, err := r.appeals.CountDocuments(ctx, bson.M{
		"userId":   userID,
		"actionId": actionID,
		"status":   bson.M{"$in": []AppealStatus{AppealPending, AppealUnderReview}},
	}, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListAppeals returns appeals, optionally filtered by status and submitter,
// newest first.
func (r *ModerationRepo) ListAppeals(ctx context.Context, status AppealStatus, userID string) ([]Appeal, error) {
	filter := bson.M{}
	if status != "" {
		filter["status"] = status
	}
	if userID != "" {
		filter["userId"] = userID
	}
	cur, err := r.appeals.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []Appeal
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ReviewAppeal finalizes a pending or under-review appeal.
func (r *ModerationRepo) ReviewAppeal(ctx context.Context, id string, status AppealStatus, reviewerID, notes string, at time.Time) error {
	res, err := r.appeals.UpdateOne(ctx,
		bson.M{"_id": id, "status": bson.M{"$in": []AppealStatus{AppealPending, AppealUnderReview}}},
		bson.M{"$set": bson.M{
			"status":      status,
			"reviewedBy":  reviewerID,
			"reviewNotes": notes,
			"reviewedAt":  at,
		}},
	)
	if err != nil {
		return mapMongoErr(err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}
