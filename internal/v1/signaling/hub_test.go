package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classkit/backend-go/internal/v1/kv"
	"github.com/classkit/backend-go/internal/v1/meeting"
	"github.com/classkit/backend-go/internal/v1/store"
)

// fakeConn is an in-memory wsConn: frames pushed to in are read by the
// client's readPump, frames the server writes land on out.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-f.in:
		if !ok {
			return 0, nil, errors.New("read on closed connection")
		}
		return websocket.TextMessage, data, nil
	case <-f.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("write on closed connection")
	default:
	}
	if messageType == websocket.TextMessage {
		select {
		case f.out <- data:
		default:
		}
	}
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

type fakeDocs struct {
	mu       sync.Mutex
	meetings map[string]*store.Meeting
	ended    map[string]int64
}

func newFakeDocs(meetings ...*store.Meeting) *fakeDocs {
	f := &fakeDocs{meetings: map[string]*store.Meeting{}, ended: map[string]int64{}}
	for _, m := range meetings {
		f.meetings[m.RoomID] = m
	}
	return f
}

func (f *fakeDocs) Get(ctx context.Context, roomID string) (*store.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetings[roomID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeDocs) MarkStarted(ctx context.Context, roomID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.meetings[roomID]; ok && m.Status == store.MeetingScheduled {
		m.Status = store.MeetingActive
		m.StartedAt = &at
	}
	return nil
}

func (f *fakeDocs) MarkEnded(ctx context.Context, roomID string, at time.Time, durationSecs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetings[roomID]
	if !ok {
		return store.ErrNotFound
	}
	m.Status = store.MeetingEnded
	m.EndedAt = &at
	m.DurationSecs = durationSecs
	f.ended[roomID] = durationSecs
	return nil
}

func (f *fakeDocs) endedRooms() map[string]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int64, len(f.ended))
	for k, v := range f.ended {
		out[k] = v
	}
	return out
}

func testMeeting(roomID string) *store.Meeting {
	return &store.Meeting{
		RoomID:          roomID,
		Title:           "Study group",
		HostID:          "host-1",
		Status:          store.MeetingScheduled,
		MaxParticipants: 8,
		Settings:        store.MeetingSettings{AllowChat: true, AllowScreenShare: true},
	}
}

func newTestHub(t *testing.T, meetings ...*store.Meeting) (*Hub, *fakeDocs) {
	t.Helper()
	mr := miniredis.RunT(t)
	kvc, err := kv.New(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kvc.Close() })

	docs := newFakeDocs(meetings...)
	state := meeting.NewStore(kvc, docs, time.Hour)
	hub := NewHub(Options{
		State:      state,
		IceServers: []IceServer{{URLs: []string{"stun:stun.example.com:3478"}}},
	})
	t.Cleanup(func() { hub.Shutdown(context.Background()) })
	return hub, docs
}

type testPeer struct {
	t      *testing.T
	conn   *fakeConn
	client *Client
	done   chan struct{}
}

func connect(t *testing.T, hub *Hub, connID, userID, name string) *testPeer {
	t.Helper()
	conn := newFakeConn()
	c := newClient(hub, conn, connID, userID, name)
	go c.writePump()
	done := make(chan struct{})
	go func() {
		c.readPump(context.Background())
		close(done)
	}()
	t.Cleanup(func() {
		_ = conn.Close()
		<-done
	})
	return &testPeer{t: t, conn: conn, client: c, done: done}
}

func (p *testPeer) push(event string, payload any) {
	p.t.Helper()
	data := Encode(event, payload)
	require.NotNil(p.t, data)
	select {
	case p.conn.in <- data:
	case <-time.After(time.Second):
		p.t.Fatal("client read loop not consuming")
	}
}

// expect reads frames until one with the wanted event arrives, failing after
// a timeout or too many unrelated frames.
func (p *testPeer) expect(event string) json.RawMessage {
	p.t.Helper()
	deadline := time.After(2 * time.Second)
	for i := 0; i < 20; i++ {
		select {
		case data := <-p.conn.out:
			var msg Message
			require.NoError(p.t, json.Unmarshal(data, &msg))
			if msg.Event == event {
				return msg.Payload
			}
		case <-deadline:
			p.t.Fatalf("timed out waiting for %q", event)
		}
	}
	p.t.Fatalf("no %q frame in the first 20 frames", event)
	return nil
}

func (p *testPeer) expectNone() {
	p.t.Helper()
	select {
	case data := <-p.conn.out:
		var msg Message
		_ = json.Unmarshal(data, &msg)
		p.t.Fatalf("unexpected frame %q", msg.Event)
	case <-time.After(100 * time.Millisecond):
	}
}

// join drives the three-frame join sequence: ice-servers, then
// existing-participants, then the joined-meeting ack.
func (p *testPeer) join(roomID, name string) (JoinedPayload, ExistingParticipantsPayload) {
	p.t.Helper()
	p.push(EventJoinMeeting, JoinPayload{RoomID: roomID, Name: name})

	var ice IceServersPayload
	require.NoError(p.t, json.Unmarshal(p.expect(EventIceServers), &ice))
	require.NotEmpty(p.t, ice.IceServers)

	var existing ExistingParticipantsPayload
	require.NoError(p.t, json.Unmarshal(p.expect(EventExistingParticipants), &existing))

	var ack JoinedPayload
	require.NoError(p.t, json.Unmarshal(p.expect(EventJoinedMeeting), &ack))
	return ack, existing
}

func TestJoinAckAndBroadcast(t *testing.T) {
	hub, _ := newTestHub(t, testMeeting("MATH01"))

	host := connect(t, hub, "c-host", "host-1", "Ms. Rivera")
	ack, existing := host.join("math01", "Ms. Rivera")
	assert.Equal(t, "MATH01", ack.RoomID)
	assert.True(t, ack.IsHost)
	assert.Empty(t, existing.Participants)
	assert.True(t, ack.Settings.AllowChat)

	student := connect(t, hub, "c-stu", "student-1", "Sam")
	studentAck, studentView := student.join("MATH01", "Sam")
	assert.False(t, studentAck.IsHost)
	require.Len(t, studentView.Participants, 1)
	assert.Equal(t, "host-1", studentView.Participants[0].UserID)
	assert.True(t, studentView.Participants[0].IsHost)

	// The host hears about the newcomer; the newcomer does not hear about
	// itself.
	var joined ParticipantInfo
	require.NoError(t, json.Unmarshal(host.expect(EventParticipantJoined), &joined))
	assert.Equal(t, "student-1", joined.UserID)
	assert.Equal(t, "c-stu", joined.ConnID)
	student.expectNone()
}

func TestJoinUnknownRoom(t *testing.T) {
	hub, _ := newTestHub(t)

	peer := connect(t, hub, "c1", "u1", "Sam")
	peer.push(EventJoinMeeting, JoinPayload{RoomID: "NOPE"})

	var e ErrorPayload
	require.NoError(t, json.Unmarshal(peer.expect(EventMeetingError), &e))
	assert.Equal(t, "meeting_not_found", e.Code)
}

func TestJoinFullMeeting(t *testing.T) {
	m := testMeeting("SMALL1")
	m.MaxParticipants = 1
	hub, _ := newTestHub(t, m)

	first := connect(t, hub, "c1", "u1", "A")
	first.join("SMALL1", "A")

	second := connect(t, hub, "c2", "u2", "B")
	second.push(EventJoinMeeting, JoinPayload{RoomID: "SMALL1"})
	var e ErrorPayload
	require.NoError(t, json.Unmarshal(second.expect(EventMeetingError), &e))
	assert.Equal(t, "meeting_full", e.Code)
}

func TestOfferRelayedToTargetOnly(t *testing.T) {
	hub, _ := newTestHub(t, testMeeting("ROOM1"))

	a := connect(t, hub, "ca", "host-1", "A")
	a.join("ROOM1", "A")
	b := connect(t, hub, "cb", "u2", "B")
	b.join("ROOM1", "B")
	c := connect(t, hub, "cc", "u3", "C")
	c.join("ROOM1", "C")

	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	a.push(EventWebRTCOffer, SignalPayload{TargetConnID: "cb", SDP: sdp})

	var got SignalPayload
	require.NoError(t, json.Unmarshal(b.expect(EventWebRTCOffer), &got))
	assert.Equal(t, "ca", got.FromConnID)
	assert.Equal(t, "host-1", got.FromUserID)
	assert.Empty(t, got.TargetConnID)
	assert.JSONEq(t, string(sdp), string(got.SDP))

	// Drain c's join-era frames, then confirm the offer never arrived.
	c.expectNone()
}

func TestSignalToUnknownPeerErrorsSenderOnly(t *testing.T) {
	hub, _ := newTestHub(t, testMeeting("ROOM1"))

	a := connect(t, hub, "ca", "host-1", "A")
	a.join("ROOM1", "A")
	b := connect(t, hub, "cb", "u2", "B")
	b.join("ROOM1", "B")
	a.expect(EventParticipantJoined)

	a.push(EventICECandidate, SignalPayload{TargetConnID: "ghost", Candidate: json.RawMessage(`{}`)})

	var e ErrorPayload
	require.NoError(t, json.Unmarshal(a.expect(EventMeetingError), &e))
	assert.Equal(t, "unknown_peer", e.Code)
	b.expectNone()
}

func TestToggleBroadcastExcludesSender(t *testing.T) {
	hub, _ := newTestHub(t, testMeeting("ROOM1"))

	a := connect(t, hub, "ca", "host-1", "A")
	a.join("ROOM1", "A")
	b := connect(t, hub, "cb", "u2", "B")
	b.join("ROOM1", "B")
	a.expect(EventParticipantJoined)

	b.push(EventToggleAudio, TogglePayload{Enabled: false})

	var change StateChangePayload
	require.NoError(t, json.Unmarshal(a.expect(EventAudioChanged), &change))
	assert.Equal(t, "u2", change.UserID)
	assert.Equal(t, "cb", change.ConnID)
	assert.False(t, change.Enabled)
	b.expectNone()
}

func TestQualityChangeBroadcast(t *testing.T) {
	hub, _ := newTestHub(t, testMeeting("ROOM1"))

	a := connect(t, hub, "ca", "host-1", "A")
	a.join("ROOM1", "A")
	b := connect(t, hub, "cb", "u2", "B")
	b.join("ROOM1", "B")
	a.expect(EventParticipantJoined)

	b.push(EventChangeVideoQuality, QualityPayload{Quality: "LOW"})

	var change StateChangePayload
	require.NoError(t, json.Unmarshal(a.expect(EventVideoChanged), &change))
	assert.Equal(t, "low", change.Quality)
	assert.True(t, change.Enabled)

	b.push(EventChangeVideoQuality, QualityPayload{Quality: "ultra"})
	var e ErrorPayload
	require.NoError(t, json.Unmarshal(b.expect(EventMeetingError), &e))
	assert.Equal(t, "bad_payload", e.Code)
}

func TestScreenShareGate(t *testing.T) {
	m := testMeeting("ROOM1")
	m.Settings.AllowScreenShare = false
	hub, _ := newTestHub(t, m)

	a := connect(t, hub, "ca", "host-1", "A")
	a.join("ROOM1", "A")

	a.push(EventToggleScreenShare, TogglePayload{Enabled: true})
	var e ErrorPayload
	require.NoError(t, json.Unmarshal(a.expect(EventMeetingError), &e))
	assert.Equal(t, "screen_share_disabled", e.Code)
}

func TestChatFanOutIncludesSender(t *testing.T) {
	hub, _ := newTestHub(t, testMeeting("ROOM1"))

	a := connect(t, hub, "ca", "host-1", "A")
	a.join("ROOM1", "A")
	b := connect(t, hub, "cb", "u2", "Blair")
	b.join("ROOM1", "Blair")
	a.expect(EventParticipantJoined)

	before := time.Now().UTC()
	b.push(EventChatMessage, ChatPayload{Text: "  hello everyone  "})

	for _, peer := range []*testPeer{a, b} {
		var chat ChatBroadcast
		require.NoError(t, json.Unmarshal(peer.expect(EventChatMessage), &chat))
		assert.Equal(t, "hello everyone", chat.Text)
		assert.Equal(t, "Blair", chat.Name)
		assert.False(t, chat.Timestamp.Before(before.Add(-time.Second)))
	}
}

func TestChatGatedBySettings(t *testing.T) {
	m := testMeeting("ROOM1")
	m.Settings.AllowChat = false
	hub, _ := newTestHub(t, m)

	a := connect(t, hub, "ca", "host-1", "A")
	a.join("ROOM1", "A")
	b := connect(t, hub, "cb", "u2", "B")
	b.join("ROOM1", "B")
	a.expect(EventParticipantJoined)

	b.push(EventChatMessage, ChatPayload{Text: "hi"})
	var e ErrorPayload
	require.NoError(t, json.Unmarshal(b.expect(EventMeetingError), &e))
	assert.Equal(t, "chat_disabled", e.Code)
	a.expectNone()
}

func TestDisconnectAnnouncesDeparture(t *testing.T) {
	hub, _ := newTestHub(t, testMeeting("ROOM1"))

	a := connect(t, hub, "ca", "host-1", "A")
	a.join("ROOM1", "A")
	b := connect(t, hub, "cb", "u2", "B")
	b.join("ROOM1", "B")
	a.expect(EventParticipantJoined)

	_ = b.conn.Close()

	var left LeftPayload
	require.NoError(t, json.Unmarshal(a.expect(EventParticipantLeft), &left))
	assert.Equal(t, "u2", left.UserID)
	assert.Equal(t, "cb", left.ConnID)
}

func TestLastParticipantOutEndsMeeting(t *testing.T) {
	hub, docs := newTestHub(t, testMeeting("ROOM1"))

	a := connect(t, hub, "ca", "host-1", "A")
	a.join("ROOM1", "A")

	a.push(EventLeaveMeeting, nil)
	<-a.done

	require.Eventually(t, func() bool {
		_, ended := docs.endedRooms()["ROOM1"]
		return ended
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDepartureDoesNotEndOccupiedMeeting(t *testing.T) {
	hub, docs := newTestHub(t, testMeeting("ROOM1"))

	a := connect(t, hub, "ca", "host-1", "A")
	a.join("ROOM1", "A")
	b := connect(t, hub, "cb", "u2", "B")
	b.join("ROOM1", "B")
	a.expect(EventParticipantJoined)

	b.push(EventLeaveMeeting, nil)
	a.expect(EventParticipantLeft)

	assert.Empty(t, docs.endedRooms())
}

func TestShutdownDisconnectsClients(t *testing.T) {
	hub, _ := newTestHub(t, testMeeting("ROOM1"))

	a := connect(t, hub, "ca", "host-1", "A")
	a.join("ROOM1", "A")
	require.Equal(t, 1, hub.RoomCount())

	hub.Shutdown(context.Background())

	var ended EndedPayload
	require.NoError(t, json.Unmarshal(a.expect(EventMeetingEnded), &ended))
	assert.Equal(t, "ROOM1", ended.RoomID)
	assert.Equal(t, 0, hub.RoomCount())
}

func TestMessagesBeforeJoinRejected(t *testing.T) {
	hub, _ := newTestHub(t, testMeeting("ROOM1"))

	a := connect(t, hub, "ca", "u1", "A")
	a.push(EventChatMessage, ChatPayload{Text: "hi"})

	var e ErrorPayload
	require.NoError(t, json.Unmarshal(a.expect(EventMeetingError), &e))
	assert.Equal(t, "not_joined", e.Code)
}
