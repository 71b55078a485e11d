package signaling

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/classkit/backend-go/internal/v1/logging"
	"github.com/classkit/backend-go/internal/v1/meeting"
	"github.com/classkit/backend-go/internal/v1/metrics"
	"github.com/classkit/backend-go/internal/v1/store"
)

// Room holds the in-process view of one live meeting: the connected clients
// and a snapshot of the durable meeting record. The authoritative roster
// lives in the meeting store so restarts and multi-instance deploys agree.
type Room struct {
	ID string

	hub   *Hub
	state *meeting.Store

	mu      sync.RWMutex
	info    *store.Meeting
	clients map[string]*Client
}

func newRoom(hub *Hub, state *meeting.Store, info *store.Meeting) *Room {
	return &Room{
		ID:      info.RoomID,
		hub:     hub,
		state:   state,
		info:    info,
		clients: make(map[string]*Client),
	}
}

func (r *Room) meetingInfo() *store.Meeting {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.info
}

func (r *Room) setMeetingInfo(m *store.Meeting) {
	r.mu.Lock()
	r.info = m
	r.mu.Unlock()
}

func (r *Room) clientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func (r *Room) client(connID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[connID]
	return c, ok
}

func (r *Room) addClient(c *Client) {
	r.mu.Lock()
	r.clients[c.ConnID] = c
	r.mu.Unlock()
}

func (r *Room) removeClient(connID string) {
	r.mu.Lock()
	delete(r.clients, connID)
	r.mu.Unlock()
}

// broadcast fans an event out to every client in the room except the
// excluded connection IDs.
func (r *Room) broadcast(event string, payload any, exclude set.Set[string]) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for connID, c := range r.clients {
		if exclude.Has(connID) {
			continue
		}
		c.Send(event, payload)
	}
}

// handleMessage dispatches a frame from a joined client. Failures are
// reported to the sender only; the rest of the room is unaffected.
func (r *Room) handleMessage(ctx context.Context, c *Client, msg Message) {
	start := time.Now()
	status := "ok"
	defer func() {
		metrics.MessageProcessingDuration.WithLabelValues(msg.Event).Observe(time.Since(start).Seconds())
		metrics.WebsocketEvents.WithLabelValues(msg.Event, status).Inc()
	}()

	var err error
	switch msg.Event {
	case EventWebRTCOffer, EventWebRTCAnswer, EventICECandidate:
		err = r.relaySignal(c, msg)
	case EventToggleAudio:
		err = r.toggleMedia(ctx, c, msg, EventAudioChanged)
	case EventToggleVideo:
		err = r.toggleMedia(ctx, c, msg, EventVideoChanged)
	case EventToggleScreenShare:
		err = r.toggleMedia(ctx, c, msg, EventScreenShareChanged)
	case EventChangeVideoQuality:
		err = r.changeQuality(ctx, c, msg)
	case EventChatMessage:
		err = r.chat(ctx, c, msg)
	case EventLeaveMeeting:
		r.handleDisconnect(ctx, c)
		c.Disconnect()
	case EventJoinMeeting:
		c.SendError("already_joined", "already in a meeting")
		status = "error"
	default:
		c.SendError("unknown_event", "unsupported event: "+msg.Event)
		status = "error"
	}
	if err != nil {
		status = "error"
		c.SendError("handler_error", err.Error())
	}
}

// relaySignal forwards an SDP or ICE frame to exactly one peer, stamped with
// the sender's identity.
func (r *Room) relaySignal(c *Client, msg Message) error {
	var p SignalPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		c.SendError("bad_payload", "malformed signal payload")
		return nil
	}
	target, ok := r.client(p.TargetConnID)
	if !ok {
		c.SendError("unknown_peer", "target connection not in room")
		return nil
	}
	p.TargetConnID = ""
	p.FromConnID = c.ConnID
	p.FromUserID = c.UserID
	target.Send(msg.Event, p)
	return nil
}

func (r *Room) toggleMedia(ctx context.Context, c *Client, msg Message, outEvent string) error {
	var p TogglePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		c.SendError("bad_payload", "malformed toggle payload")
		return nil
	}

	part, found := r.state.GetParticipant(ctx, r.ID, c.UserID)
	if !found {
		c.SendError("not_in_room", "participant state missing")
		return nil
	}
	switch outEvent {
	case EventAudioChanged:
		part.AudioEnabled = p.Enabled
	case EventVideoChanged:
		part.VideoEnabled = p.Enabled
	case EventScreenShareChanged:
		if p.Enabled && !r.meetingInfo().Settings.AllowScreenShare {
			c.SendError("screen_share_disabled", "screen sharing is disabled for this meeting")
			return nil
		}
		part.ScreenSharing = p.Enabled
	}
	if err := r.state.UpdateParticipant(ctx, r.ID, part); err != nil {
		return err
	}

	r.broadcast(outEvent, StateChangePayload{
		ConnID:  c.ConnID,
		UserID:  c.UserID,
		Enabled: p.Enabled,
	}, set.New(c.ConnID))
	return nil
}

func (r *Room) changeQuality(ctx context.Context, c *Client, msg Message) error {
	var p QualityPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		c.SendError("bad_payload", "malformed quality payload")
		return nil
	}
	switch strings.ToLower(p.Quality) {
	case "low", "medium", "high":
	default:
		c.SendError("bad_payload", "quality must be low, medium or high")
		return nil
	}

	part, found := r.state.GetParticipant(ctx, r.ID, c.UserID)
	if !found {
		c.SendError("not_in_room", "participant state missing")
		return nil
	}
	part.VideoQuality = strings.ToLower(p.Quality)
	if err := r.state.UpdateParticipant(ctx, r.ID, part); err != nil {
		return err
	}

	// Quality rides the video-changed event; Enabled reflects current state.
	r.broadcast(EventVideoChanged, StateChangePayload{
		ConnID:  c.ConnID,
		UserID:  c.UserID,
		Enabled: part.VideoEnabled,
		Quality: part.VideoQuality,
	}, set.New(c.ConnID))
	return nil
}

// chat stamps the message server-side and fans it out to everyone, sender
// included, so all clients render the same timeline.
func (r *Room) chat(ctx context.Context, c *Client, msg Message) error {
	if !r.meetingInfo().Settings.AllowChat {
		c.SendError("chat_disabled", "chat is disabled for this meeting")
		return nil
	}
	var p ChatPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		c.SendError("bad_payload", "malformed chat payload")
		return nil
	}
	text := strings.TrimSpace(p.Text)
	if text == "" || len(text) > 2000 {
		c.SendError("bad_payload", "chat message must be 1-2000 characters")
		return nil
	}

	r.state.Touch(ctx, r.ID)
	r.broadcast(EventChatMessage, ChatBroadcast{
		ConnID:    c.ConnID,
		UserID:    c.UserID,
		Name:      c.Name,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}, set.New[string]())
	return nil
}

// handleDisconnect removes the client from the room and the shared roster,
// announces the departure, and ends the meeting when the last participant is
// gone. Safe to call more than once per client.
func (r *Room) handleDisconnect(ctx context.Context, c *Client) {
	if _, ok := r.client(c.ConnID); !ok {
		return
	}
	r.removeClient(c.ConnID)

	remaining, err := r.state.RemoveParticipant(ctx, r.ID, c.UserID, c.ConnID)
	if err != nil {
		logging.Warn(ctx, "Failed to remove participant from roster",
			zap.String("room_id", r.ID), zap.String("user_id", c.UserID), zap.Error(err))
	}
	metrics.RoomParticipants.WithLabelValues(r.ID).Set(float64(remaining))

	r.broadcast(EventParticipantLeft, LeftPayload{ConnID: c.ConnID, UserID: c.UserID}, set.New(c.ConnID))

	if remaining == 0 && err == nil {
		info := r.meetingInfo()
		if info.Status == store.MeetingActive {
			if endErr := r.state.End(ctx, info); endErr != nil {
				logging.Error(ctx, "Failed to end empty meeting",
					zap.String("room_id", r.ID), zap.Error(endErr))
			} else {
				r.hub.announceMeetingEnded(ctx, r.ID, "last participant left")
			}
		}
	}
	if r.clientCount() == 0 {
		r.hub.scheduleCleanup(r.ID)
	}
}
