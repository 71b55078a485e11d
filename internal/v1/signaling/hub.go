package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/classkit/backend-go/internal/v1/config"
	"github.com/classkit/backend-go/internal/v1/kv"
	"github.com/classkit/backend-go/internal/v1/logging"
	"github.com/classkit/backend-go/internal/v1/meeting"
	"github.com/classkit/backend-go/internal/v1/metrics"
	"github.com/classkit/backend-go/internal/v1/ratelimit"
	"github.com/classkit/backend-go/internal/v1/store"
	"github.com/classkit/backend-go/internal/v1/wire"
)

// cleanupGracePeriod is how long an empty room lingers before its in-process
// state is torn down. Covers quick page reloads without rebuilding the room.
const cleanupGracePeriod = 5 * time.Second

// meetingEventsChannel carries cross-instance room lifecycle events.
const meetingEventsChannel = "signaling:events"

// Options configures a Hub.
type Options struct {
	State          *meeting.Store
	Tokens         wire.TokenParser
	Limiter        *ratelimit.RateLimiter
	IceServers     []IceServer
	AllowedOrigins []string

	// Bus enables cross-instance room teardown over pub/sub. Optional.
	Bus        *kv.Client
	InstanceID string
}

// Hub owns every live room and the WebSocket upgrade path.
type Hub struct {
	state      *meeting.Store
	tokens     wire.TokenParser
	limiter    *ratelimit.RateLimiter
	ice        []IceServer
	bus        *kv.Client
	instanceID string

	upgrader websocket.Upgrader

	mu              sync.Mutex
	rooms           map[string]*Room
	pendingCleanups map[string]*time.Timer
	closed          bool
}

// NewHub builds the signaling hub.
func NewHub(opts Options) *Hub {
	allowed := set.New(opts.AllowedOrigins...)
	return &Hub{
		state:      opts.State,
		tokens:     opts.Tokens,
		limiter:    opts.Limiter,
		ice:        opts.IceServers,
		bus:        opts.Bus,
		instanceID: opts.InstanceID,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Non-browser clients send no Origin header.
				return origin == "" || allowed.Has(origin)
			},
		},
		rooms:           make(map[string]*Room),
		pendingCleanups: make(map[string]*time.Timer),
	}
}

// IceServersFromConfig assembles the ICE server list handed to joiners from
// the configured STUN and TURN endpoints.
func IceServersFromConfig(cfg *config.Config) []IceServer {
	var servers []IceServer
	for _, s := range cfg.StunServers {
		servers = append(servers, IceServer{URLs: []string{"stun:" + s}})
	}
	if cfg.TurnServer != "" {
		servers = append(servers, IceServer{
			URLs:       []string{"turn:" + cfg.TurnServer},
			Username:   cfg.TurnUsername,
			Credential: cfg.TurnPassword,
		})
	}
	return servers
}

// ServeWs authenticates and upgrades an HTTP request into a signaling
// connection. Order matters: rate limit, then token, then origin-checked
// upgrade. Failures before the upgrade answer over plain HTTP.
func (h *Hub) ServeWs(c *gin.Context) {
	ctx := c.Request.Context()

	// CheckConnection writes the 429 response itself.
	if h.limiter != nil && !h.limiter.CheckConnection(c) {
		return
	}

	raw, ok := wire.ExtractToken(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "authentication token missing"})
		return
	}
	id, err := h.tokens.ParseAccessToken(raw)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "invalid authentication token"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		logging.Warn(ctx, "WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(h, conn, uuid.NewString(), id.UserID, "")
	client.routeRoom = meeting.Normalize(c.Param("roomId"))

	metrics.ActiveWebSocketConnections.Inc()
	logging.Info(ctx, "WebSocket connected",
		zap.String("conn_id", client.ConnID), zap.String("user_id", client.UserID))

	go client.writePump()
	go client.readPump(context.WithoutCancel(ctx))
}

// dispatch routes a frame: the first join-meeting goes to the hub, everything
// after belongs to the client's room.
func (h *Hub) dispatch(ctx context.Context, c *Client, msg Message) {
	if c.room != nil {
		c.room.handleMessage(ctx, c, msg)
		return
	}
	if msg.Event != EventJoinMeeting {
		c.SendError("not_joined", "join a meeting first")
		metrics.WebsocketEvents.WithLabelValues(msg.Event, "error").Inc()
		return
	}
	h.handleJoin(ctx, c, msg)
}

func (h *Hub) handleJoin(ctx context.Context, c *Client, msg Message) {
	start := time.Now()
	status := "ok"
	defer func() {
		metrics.MessageProcessingDuration.WithLabelValues(EventJoinMeeting).Observe(time.Since(start).Seconds())
		metrics.WebsocketEvents.WithLabelValues(EventJoinMeeting, status).Inc()
	}()

	var p JoinPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		status = "error"
		c.SendError("bad_payload", "malformed join payload")
		return
	}
	roomID := meeting.Normalize(p.RoomID)
	if roomID == "" {
		roomID = c.routeRoom
	}
	if roomID == "" {
		status = "error"
		c.SendError("bad_payload", "roomId is required")
		return
	}
	if p.Name != "" {
		c.Name = p.Name
	}

	m, err := h.state.Resolve(ctx, roomID)
	if err != nil {
		status = "error"
		if wire.KindOf(err) == wire.KindNotFound {
			c.SendError("meeting_not_found", "meeting not found")
		} else {
			c.SendError("join_failed", "could not load meeting")
		}
		return
	}
	if m.Status == store.MeetingEnded {
		status = "error"
		c.SendError("meeting_ended", "this meeting has already ended")
		return
	}

	isHost := c.UserID == m.HostID
	existing := h.state.Participants(ctx, roomID)

	count, err := h.state.AddParticipant(ctx, roomID, meeting.Participant{
		UserID:       c.UserID,
		Name:         c.Name,
		ConnID:       c.ConnID,
		IsHost:       isHost,
		AudioEnabled: true,
		VideoEnabled: true,
		VideoQuality: "medium",
		JoinedAt:     time.Now().UTC(),
	}, m.MaxParticipants)
	if err != nil {
		status = "error"
		if wire.KindOf(err) == wire.KindConflict {
			c.SendError("meeting_full", "meeting is at capacity")
		} else {
			c.SendError("join_failed", "could not join meeting")
		}
		return
	}

	if m.Status == store.MeetingScheduled {
		if err := h.state.MarkStarted(ctx, m); err != nil {
			logging.Warn(ctx, "Failed to mark meeting started",
				zap.String("room_id", roomID), zap.Error(err))
		}
	}

	room := h.getOrCreateRoom(m)
	room.setMeetingInfo(m)
	room.addClient(c)
	c.room = room

	roster := make([]ParticipantInfo, 0, len(existing))
	for _, part := range existing {
		if part.UserID == c.UserID {
			continue
		}
		roster = append(roster, ParticipantInfo{
			UserID:        part.UserID,
			ConnID:        part.ConnID,
			Name:          part.Name,
			IsHost:        part.IsHost,
			AudioEnabled:  part.AudioEnabled,
			VideoEnabled:  part.VideoEnabled,
			ScreenSharing: part.ScreenSharing,
			VideoQuality:  part.VideoQuality,
		})
	}

	// Three frames in order: ICE config, current roster, then the ack.
	c.Send(EventIceServers, IceServersPayload{IceServers: h.ice})
	c.Send(EventExistingParticipants, ExistingParticipantsPayload{Participants: roster})
	c.Send(EventJoinedMeeting, JoinedPayload{
		RoomID: roomID,
		ConnID: c.ConnID,
		IsHost: isHost,
		Title:  m.Title,
		Settings: SettingsPayload{
			AllowChat:        m.Settings.AllowChat,
			AllowScreenShare: m.Settings.AllowScreenShare,
			AllowRecording:   m.Settings.AllowRecording,
		},
	})

	room.broadcast(EventParticipantJoined, ParticipantInfo{
		UserID:       c.UserID,
		ConnID:       c.ConnID,
		Name:         c.Name,
		IsHost:       isHost,
		AudioEnabled: true,
		VideoEnabled: true,
		VideoQuality: "medium",
	}, set.New(c.ConnID))

	metrics.RoomParticipants.WithLabelValues(roomID).Set(float64(count))
	logging.Info(ctx, "Participant joined meeting",
		zap.String("room_id", roomID), zap.String("user_id", c.UserID),
		zap.Bool("is_host", isHost), zap.Int64("participants", count))
}

// getOrCreateRoom returns the live room, cancelling any pending teardown.
func (h *Hub) getOrCreateRoom(m *store.Meeting) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if timer, ok := h.pendingCleanups[m.RoomID]; ok {
		timer.Stop()
		delete(h.pendingCleanups, m.RoomID)
	}
	if room, ok := h.rooms[m.RoomID]; ok {
		return room
	}
	room := newRoom(h, h.state, m)
	h.rooms[m.RoomID] = room
	metrics.ActiveRooms.Set(float64(len(h.rooms)))
	return room
}

// scheduleCleanup arms a delayed teardown for an empty room. The timer
// re-checks emptiness on fire so a rejoin during the grace period wins.
func (h *Hub) scheduleCleanup(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if _, ok := h.pendingCleanups[roomID]; ok {
		return
	}
	h.pendingCleanups[roomID] = time.AfterFunc(cleanupGracePeriod, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.pendingCleanups, roomID)
		if room, ok := h.rooms[roomID]; ok && room.clientCount() == 0 {
			delete(h.rooms, roomID)
			metrics.ActiveRooms.Set(float64(len(h.rooms)))
			metrics.RoomParticipants.DeleteLabelValues(roomID)
		}
	})
}

// StartEventBridge subscribes to cross-instance room events. When a meeting
// ends on another instance, local connections to that room are told and
// dropped so they do not linger against deleted state.
func (h *Hub) StartEventBridge(ctx context.Context, wg *sync.WaitGroup) {
	if h.bus == nil {
		return
	}
	h.bus.Subscribe(ctx, meetingEventsChannel, wg, func(m kv.Message) {
		if m.SenderID == h.instanceID || m.Event != EventMeetingEnded {
			return
		}
		var p EndedPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return
		}
		h.closeRoom(p)
	})
}

// announceMeetingEnded tells sibling instances a room is gone. Best-effort.
func (h *Hub) announceMeetingEnded(ctx context.Context, roomID, reason string) {
	if h.bus == nil {
		return
	}
	_ = h.bus.Publish(ctx, meetingEventsChannel, EventMeetingEnded,
		EndedPayload{RoomID: roomID, Reason: reason}, h.instanceID)
}

// closeRoom drops a local room and disconnects its clients.
func (h *Hub) closeRoom(p EndedPayload) {
	h.mu.Lock()
	room, ok := h.rooms[p.RoomID]
	if ok {
		delete(h.rooms, p.RoomID)
		metrics.ActiveRooms.Set(float64(len(h.rooms)))
	}
	if timer, pending := h.pendingCleanups[p.RoomID]; pending {
		timer.Stop()
		delete(h.pendingCleanups, p.RoomID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	room.mu.RLock()
	clients := make([]*Client, 0, len(room.clients))
	for _, c := range room.clients {
		clients = append(clients, c)
	}
	room.mu.RUnlock()
	for _, c := range clients {
		c.Send(EventMeetingEnded, p)
		c.Disconnect()
	}
}

// RoomCount reports the number of live rooms.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Shutdown stops cleanup timers and disconnects every client. Connection
// goroutines finish on their own once the sockets close.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.closed = true
	for roomID, timer := range h.pendingCleanups {
		timer.Stop()
		delete(h.pendingCleanups, roomID)
	}
	rooms := make([]*Room, 0, len(h.rooms))
	for _, room := range h.rooms {
		rooms = append(rooms, room)
	}
	h.rooms = make(map[string]*Room)
	metrics.ActiveRooms.Set(0)
	h.mu.Unlock()

	for _, room := range rooms {
		room.mu.RLock()
		clients := make([]*Client, 0, len(room.clients))
		for _, c := range room.clients {
			clients = append(clients, c)
		}
		room.mu.RUnlock()
		for _, c := range clients {
			c.Send(EventMeetingEnded, EndedPayload{RoomID: room.ID, Reason: "server shutting down"})
			c.Disconnect()
		}
	}
	logging.Info(ctx, "Signaling hub shut down", zap.Int("rooms_closed", len(rooms)))
}
