// Package meeting keeps the live room state: cached meeting snapshots,
// participant rosters, peer sets, and the socket reverse map. Everything here
// is ephemeral with a rolling TTL; the durable meeting record stays in the
// document store.
package meeting

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/classkit/backend-go/internal/v1/kv"
	"github.com/classkit/backend-go/internal/v1/logging"
	"github.com/classkit/backend-go/internal/v1/store"
	"github.com/classkit/backend-go/internal/v1/wire"
)

// DefaultTTL bounds how long an idle room's cache entries survive.
const DefaultTTL = 4 * time.Hour

func roomKey(roomID string) string         { return "meeting:room:" + roomID }
func participantsKey(roomID string) string { return "meeting:participants:" + roomID }
func peersKey(roomID string) string        { return "meeting:peers:" + roomID }
func socketKey(connID string) string       { return "meeting:socket:" + connID }

// Participant is one attendee's live state inside a room.
type Participant struct {
	UserID        string    `json:"userId"`
	Name          string    `json:"name"`
	ConnID        string    `json:"connId"`
	IsHost        bool      `json:"isHost"`
	AudioEnabled  bool      `json:"audioEnabled"`
	VideoEnabled  bool      `json:"videoEnabled"`
	ScreenSharing bool      `json:"screenSharing"`
	VideoQuality  string    `json:"videoQuality"`
	JoinedAt      time.Time `json:"joinedAt"`
}

// SocketRef is the reverse map entry from a connection ID to its room.
type SocketRef struct {
	UserID string `json:"userId"`
	RoomID string `json:"roomId"`
}

// Docs is the durable slice of meeting records the cache resolves through;
// *store.MeetingRepo satisfies it.
type Docs interface {
	Get(ctx context.Context, roomID string) (*store.Meeting, error)
	MarkStarted(ctx context.Context, roomID string, at time.Time) error
	MarkEnded(ctx context.Context, roomID string, at time.Time, durationSecs int64) error
}

// Store is the live-room state manager.
type Store struct {
	kv   *kv.Client
	docs Docs
	ttl  time.Duration
	now  func() time.Time
}

// NewStore builds the room store. ttl <= 0 selects DefaultTTL.
func NewStore(kvc *kv.Client, docs Docs, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{kv: kvc, docs: docs, ttl: ttl, now: time.Now}
}

// Normalize upper-cases a client-supplied room code.
func Normalize(roomID string) string { return strings.ToUpper(strings.TrimSpace(roomID)) }

// Resolve returns the meeting for a room: cache first, then the document
// store (re-caching on a hit). An ended meeting resolves like any other; the
// caller decides whether it is joinable.
func (s *Store) Resolve(ctx context.Context, roomID string) (*store.Meeting, error) {
	roomID = Normalize(roomID)

	raw, found, _ := s.kv.Get(ctx, roomKey(roomID))
	if found {
		var m store.Meeting
		if err := json.Unmarshal([]byte(raw), &m); err == nil {
			return &m, nil
		}
		logging.Warn(ctx, "Corrupt cached meeting; falling back to store", zap.String("room_id", roomID))
	}

	m, err := s.docs.Get(ctx, roomID)
	if err == store.ErrNotFound {
		return nil, wire.E(wire.KindNotFound, "meeting not found")
	}
	if err != nil {
		return nil, err
	}
	s.CacheRoom(ctx, m)
	return m, nil
}

// CacheRoom writes the meeting snapshot into the cache with the room TTL.
func (s *Store) CacheRoom(ctx context.Context, m *store.Meeting) {
	encoded, err := json.Marshal(m)
	if err != nil {
		return
	}
	if err := s.kv.SetWithTTL(ctx, roomKey(m.RoomID), string(encoded), s.ttl); err != nil {
		logging.Warn(ctx, "Failed to cache meeting", zap.String("room_id", m.RoomID), zap.Error(err))
	}
}

// MarkStarted flips a scheduled meeting active in both store and cache.
func (s *Store) MarkStarted(ctx context.Context, m *store.Meeting) error {
	at := s.now().UTC()
	if err := s.docs.MarkStarted(ctx, m.RoomID, at); err != nil {
		return err
	}
	m.Status = store.MeetingActive
	m.StartedAt = &at
	s.CacheRoom(ctx, m)
	return nil
}

// AddParticipant admits a participant, enforcing the cap, and renews the
// room's TTLs. Returns the post-admit participant count.
func (s *Store) AddParticipant(ctx context.Context, roomID string, p Participant, maxParticipants int) (int64, error) {
	roomID = Normalize(roomID)

	count, degraded := s.kv.HashLen(ctx, participantsKey(roomID))
	if degraded {
		return 0, wire.E(wire.KindUpstream, "room state unavailable")
	}
	if maxParticipants > 0 && count >= int64(maxParticipants) {
		return count, wire.E(wire.KindConflict, "meeting is full")
	}

	encoded, err := json.Marshal(p)
	if err != nil {
		return count, fmt.Errorf("marshal participant: %w", err)
	}
	_, rejoining, _ := s.kv.HashGet(ctx, participantsKey(roomID), p.UserID)
	if err := s.kv.HashSet(ctx, participantsKey(roomID), map[string]any{p.UserID: string(encoded)}); err != nil {
		return count, err
	}

	// Re-check after the write: two joins racing at one-below-cap both pass
	// the pre-check, so the one that pushed the count over backs out.
	if maxParticipants > 0 && !rejoining {
		if n, _ := s.kv.HashLen(ctx, participantsKey(roomID)); n > int64(maxParticipants) {
			_ = s.kv.HashDel(ctx, participantsKey(roomID), p.UserID)
			return n - 1, wire.E(wire.KindConflict, "meeting is full")
		}
	}

	if err := s.kv.SetAdd(ctx, peersKey(roomID), p.ConnID); err != nil {
		return count, err
	}
	ref, _ := json.Marshal(SocketRef{UserID: p.UserID, RoomID: roomID})
	if err := s.kv.SetWithTTL(ctx, socketKey(p.ConnID), string(ref), s.ttl); err != nil {
		return count, err
	}

	s.Touch(ctx, roomID)
	newCount, _ := s.kv.HashLen(ctx, participantsKey(roomID))
	return newCount, nil
}

// UpdateParticipant rewrites one participant's state and renews TTLs.
func (s *Store) UpdateParticipant(ctx context.Context, roomID string, p Participant) error {
	roomID = Normalize(roomID)
	encoded, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := s.kv.HashSet(ctx, participantsKey(roomID), map[string]any{p.UserID: string(encoded)}); err != nil {
		return err
	}
	s.Touch(ctx, roomID)
	return nil
}

// GetParticipant reads one participant's live state.
func (s *Store) GetParticipant(ctx context.Context, roomID, userID string) (Participant, bool) {
	raw, found, _ := s.kv.HashGet(ctx, participantsKey(Normalize(roomID)), userID)
	if !found {
		return Participant{}, false
	}
	var p Participant
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Participant{}, false
	}
	return p, true
}

// Participants returns the full roster of a room.
func (s *Store) Participants(ctx context.Context, roomID string) []Participant {
	fields, _ := s.kv.HashGetAll(ctx, participantsKey(Normalize(roomID)))
	out := make([]Participant, 0, len(fields))
	for _, raw := range fields {
		var p Participant
		if err := json.Unmarshal([]byte(raw), &p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// Count returns the number of participants currently in a room.
func (s *Store) Count(ctx context.Context, roomID string) int64 {
	n, _ := s.kv.HashLen(ctx, participantsKey(Normalize(roomID)))
	return n
}

// RemoveParticipant takes a participant out of the room and clears the
// reverse map. Returns the remaining participant count.
func (s *Store) RemoveParticipant(ctx context.Context, roomID, userID, connID string) (int64, error) {
	roomID = Normalize(roomID)
	if err := s.kv.HashDel(ctx, participantsKey(roomID), userID); err != nil {
		return 0, err
	}
	if err := s.kv.SetRem(ctx, peersKey(roomID), connID); err != nil {
		return 0, err
	}
	if err := s.kv.Del(ctx, socketKey(connID)); err != nil {
		return 0, err
	}
	n, _ := s.kv.HashLen(ctx, participantsKey(roomID))
	return n, nil
}

// Socket resolves a connection ID to its room membership.
func (s *Store) Socket(ctx context.Context, connID string) (SocketRef, bool) {
	raw, found, _ := s.kv.Get(ctx, socketKey(connID))
	if !found {
		return SocketRef{}, false
	}
	var ref SocketRef
	if err := json.Unmarshal([]byte(raw), &ref); err != nil {
		return SocketRef{}, false
	}
	return ref, true
}

// Touch renews every room key's TTL; called by participant-touching ops so a
// live room never expires underneath its members.
func (s *Store) Touch(ctx context.Context, roomID string) {
	roomID = Normalize(roomID)
	_ = s.kv.Expire(ctx, roomKey(roomID), s.ttl)
	_ = s.kv.Expire(ctx, participantsKey(roomID), s.ttl)
	_ = s.kv.Expire(ctx, peersKey(roomID), s.ttl)
}

// End finalizes a meeting: durable status flip with duration, then cache
// teardown. startedAt==nil yields duration 0.
func (s *Store) End(ctx context.Context, m *store.Meeting) error {
	at := s.now().UTC()
	var duration int64
	if m.StartedAt != nil {
		duration = int64(at.Sub(*m.StartedAt).Seconds())
	}
	if err := s.docs.MarkEnded(ctx, m.RoomID, at, duration); err != nil {
		return err
	}
	s.Drop(ctx, m.RoomID)
	logging.Info(ctx, "Meeting ended",
		zap.String("room_id", m.RoomID), zap.Int64("duration_secs", duration))
	return nil
}

// Drop removes every cache key for a room.
func (s *Store) Drop(ctx context.Context, roomID string) {
	roomID = Normalize(roomID)
	peers, _ := s.kv.SetMembers(ctx, peersKey(roomID))
	keys := []string{roomKey(roomID), participantsKey(roomID), peersKey(roomID)}
	for _, connID := range peers {
		keys = append(keys, socketKey(connID))
	}
	if err := s.kv.Del(ctx, keys...); err != nil {
		logging.Warn(ctx, "Failed to drop room cache", zap.String("room_id", roomID), zap.Error(err))
	}
}
