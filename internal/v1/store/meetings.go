package store

import (
	"context"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MeetingRepo persists meeting lifecycle records. Room IDs are normalized to
// uppercase on every path so clients may type codes case-insensitively.
type MeetingRepo struct {
	coll *mongo.Collection
}

// NormalizeRoomID upper-cases and trims a client-supplied room code.
func NormalizeRoomID(roomID string) string {
	return strings.ToUpper(strings.TrimSpace(roomID))
}

// Get loads a meeting by room ID.
func (r *MeetingRepo) Get(ctx context.Context, roomID string) (*Meeting, error) {
	var m Meeting
	err := r.coll.FindOne(ctx, bson.M{"_id": NormalizeRoomID(roomID)}).Decode(&m)
	if err != nil {
		return nil, mapMongoErr(err)
	}
	return &m, nil
}

// Insert creates a meeting record; a colliding room ID maps to ErrDuplicate.
func (r *MeetingRepo) Insert(ctx context.Context, m *Meeting) error {
	m.RoomID = NormalizeRoomID(m.RoomID)
	_, err := r.coll.InsertOne(ctx, m)
	return mapMongoErr(err)
}

// Upsert replaces a meeting record.
func (r *MeetingRepo) Upsert(ctx context.Context, m *Meeting) error {
	m.RoomID = NormalizeRoomID(m.RoomID)
	_, err := r.coll.ReplaceOne(ctx, bson.M{"_id": m.RoomID}, m, options.Replace().SetUpsert(true))
	return mapMongoErr(err)
}

// MarkStarted transitions a scheduled meeting to active, stamping startedAt.
// Only the scheduled→active edge writes; an already-active meeting is a no-op.
func (r *MeetingRepo) MarkStarted(ctx context.Context, roomID string, at time.Time) error {
	_, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": NormalizeRoomID(roomID), "status": MeetingScheduled},
		bson.M{"$set": bson.M{"status": MeetingActive, "startedAt": at}},
	)
	return mapMongoErr(err)
}

// MarkEnded transitions a meeting to ended, stamping endedAt and the computed
// duration in seconds.
func (r *MeetingRepo) MarkEnded(ctx context.Context, roomID string, at time.Time, durationSecs int64) error {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": NormalizeRoomID(roomID)},
		bson.M{"$set": bson.M{"status": MeetingEnded, "endedAt": at, "durationSecs": durationSecs}},
	)
	if err != nil {
		return mapMongoErr(err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByHost returns a host's meetings, newest first.
func (r *MeetingRepo) ListByHost(ctx context.Context, hostID string, limit int64) ([]Meeting, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "scheduledAt", Value: -1}}).
		SetLimit(limit)
	cur, err := r.coll.Find(ctx, bson.M{"hostId": hostID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []Meeting
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
