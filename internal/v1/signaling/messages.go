// Package signaling implements the meeting WebSocket relay: a hub of rooms,
// one read/write pump pair per connection, broadcast fan-out with
// drop-on-full send channels, and targeted WebRTC signal forwarding for the
// mesh topology.
package signaling

import (
	"encoding/json"
	"time"
)

// Event names on the wire. The JSON contract is shared with the browser
// client; renaming anything here is a breaking change.
const (
	// Inbound.
	EventJoinMeeting        = "join-meeting"
	EventLeaveMeeting       = "leave-meeting"
	EventWebRTCOffer        = "webrtc-offer"
	EventWebRTCAnswer       = "webrtc-answer"
	EventICECandidate       = "ice-candidate"
	EventToggleAudio        = "toggle-audio"
	EventToggleVideo        = "toggle-video"
	EventToggleScreenShare  = "toggle-screen-share"
	EventChangeVideoQuality = "change-video-quality"

	// Outbound. Offer/answer/candidate frames are relayed under their
	// inbound names.
	EventIceServers           = "ice-servers"
	EventExistingParticipants = "existing-participants"
	EventJoinedMeeting        = "joined-meeting"
	EventParticipantJoined    = "participant-joined"
	EventParticipantLeft      = "participant-left"
	EventAudioChanged         = "participant-audio-changed"
	EventVideoChanged         = "participant-video-changed"
	EventScreenShareChanged   = "participant-screen-share-changed"
	EventMeetingEnded         = "meeting-ended"
	EventMeetingError         = "meeting-error"

	// Both directions.
	EventChatMessage = "meeting-chat-message"
)

// Message is the wire envelope for every signaling frame.
type Message struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals an event and payload into a wire frame. Marshal failures
// return nil; callers treat that as an undeliverable frame.
func Encode(event string, payload any) []byte {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	data, err := json.Marshal(Message{Event: event, Payload: raw})
	if err != nil {
		return nil
	}
	return data
}

// IceServer is one STUN/TURN entry handed to the joiner.
type IceServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// JoinPayload is the client's join request.
type JoinPayload struct {
	RoomID string `json:"roomId"`
	Name   string `json:"name"`
}

// ParticipantInfo is the roster entry shared with clients.
type ParticipantInfo struct {
	UserID        string `json:"userId"`
	ConnID        string `json:"connId"`
	Name          string `json:"name"`
	IsHost        bool   `json:"isHost"`
	AudioEnabled  bool   `json:"audioEnabled"`
	VideoEnabled  bool   `json:"videoEnabled"`
	ScreenSharing bool   `json:"screenSharing"`
	VideoQuality  string `json:"videoQuality"`
}

// IceServersPayload hands the joiner its STUN/TURN configuration.
type IceServersPayload struct {
	IceServers []IceServer `json:"iceServers"`
}

// ExistingParticipantsPayload lists everyone already in the room.
type ExistingParticipantsPayload struct {
	Participants []ParticipantInfo `json:"participants"`
}

// JoinedPayload acknowledges a successful join.
type JoinedPayload struct {
	RoomID   string          `json:"roomId"`
	ConnID   string          `json:"connId"`
	IsHost   bool            `json:"isHost"`
	Title    string          `json:"title"`
	Settings SettingsPayload `json:"settings"`
}

// SettingsPayload mirrors the meeting policy relevant to clients.
type SettingsPayload struct {
	AllowChat        bool `json:"allowChat"`
	AllowScreenShare bool `json:"allowScreenShare"`
	AllowRecording   bool `json:"allowRecording"`
}

// SignalPayload carries an SDP offer/answer or ICE candidate. Inbound frames
// address a target connection; the relay rewrites From before forwarding.
type SignalPayload struct {
	TargetConnID string          `json:"targetConnId,omitempty"`
	FromConnID   string          `json:"fromConnId,omitempty"`
	FromUserID   string          `json:"fromUserId,omitempty"`
	SDP          json.RawMessage `json:"sdp,omitempty"`
	Candidate    json.RawMessage `json:"candidate,omitempty"`
}

// TogglePayload flips a media flag.
type TogglePayload struct {
	Enabled bool `json:"enabled"`
}

// QualityPayload changes the advertised video quality.
type QualityPayload struct {
	Quality string `json:"quality"`
}

// StateChangePayload is broadcast when a participant's media state changes.
// The event name carries which control changed.
type StateChangePayload struct {
	ConnID  string `json:"connId"`
	UserID  string `json:"userId"`
	Enabled bool   `json:"enabled"`
	Quality string `json:"quality,omitempty"`
}

// ChatPayload is an inbound chat frame.
type ChatPayload struct {
	Text string `json:"text"`
}

// ChatBroadcast is the stamped chat frame fanned out to the room, sender
// included.
type ChatBroadcast struct {
	ConnID    string    `json:"connId"`
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// LeftPayload announces a departure.
type LeftPayload struct {
	ConnID string `json:"connId"`
	UserID string `json:"userId"`
}

// ErrorPayload is delivered only to the connection that caused the error.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EndedPayload announces the meeting's end to any remaining connections.
type EndedPayload struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason"`
}
