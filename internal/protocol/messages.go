// Package protocol defines the JSON message shapes exchanged over the
// relay WebSocket, one logical message per frame.
package protocol

import (
	"time"

	"github.com/lingxi-collab/relay/internal/core"
)

// Inbound message types.
const (
	TypeJoin            = "join"
	TypeLeave           = "leave"
	TypeMessage         = "message"
	TypeAudioStream     = "audioStream"
	TypeVoiceConference = "voiceConference"
)

// Outbound-only message types.
const (
	TypeSystem = "system"
	TypeError  = "error"
)

// voiceConference actions, inbound.
const (
	ActionCreate = "create"
	ActionJoin   = "join"
	ActionLeave  = "leave"
	ActionMute   = "mute"
	ActionList   = "list"
)

// voiceConference actions, outbound.
const (
	ActionCreated           = "created"
	ActionJoined            = "joined"
	ActionParticipantJoined = "participantJoined"
	ActionParticipantLeft   = "participantLeft"
	ActionParticipantMuted  = "participantMuted"
	ActionUpdated           = "updated"
	ActionClosed            = "closed"
	ActionError             = "error"
	ActionInfo              = "info"
)

type Join struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

type Leave struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

type Chat struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type AudioStream struct {
	Type         string `json:"type"`
	ConferenceID string `json:"conferenceId"`
	AudioData    string `json:"audioData"`
	Sequence     int64  `json:"sequence"`
	Format       string `json:"format,omitempty"`
}

type VoiceConference struct {
	Type         string         `json:"type"`
	Action       string         `json:"action"`
	ConferenceID string         `json:"conferenceId,omitempty"`
	Muted        *bool          `json:"muted,omitempty"`
	Settings     map[string]any `json:"settings,omitempty"`
}

type Sender struct {
	ID   core.ParticipantID `json:"id"`
	Name string             `json:"name"`
}

type SystemOut struct {
	Type    string           `json:"type"`
	Content string           `json:"content"`
	Users   []core.MemberDTO `json:"users"`
}

type ChatOut struct {
	Type      string    `json:"type"`
	Sender    Sender    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type AudioStreamOut struct {
	Type         string             `json:"type"`
	ConferenceID core.ConferenceID  `json:"conferenceId"`
	SenderID     core.ParticipantID `json:"senderId"`
	SenderName   string             `json:"senderName"`
	AudioData    string             `json:"audioData"`
	Sequence     int64              `json:"sequence"`
	Format       string             `json:"format,omitempty"`
}

// VoiceConferenceOut covers every conference lifecycle event; unused
// fields are omitted per action.
type VoiceConferenceOut struct {
	Type             string                `json:"type"`
	Action           string                `json:"action"`
	ConferenceID     core.ConferenceID     `json:"conferenceId,omitempty"`
	ParticipantID    core.ParticipantID    `json:"participantId,omitempty"`
	ParticipantName  string                `json:"participantName,omitempty"`
	Participants     []core.MemberDTO      `json:"participants,omitempty"`
	ParticipantCount int                   `json:"participantCount,omitempty"`
	IsMuted          *bool                 `json:"isMuted,omitempty"`
	Conferences      []core.ConferenceInfo `json:"conferences,omitempty"`
	Reason           string                `json:"reason,omitempty"`
	Content          string                `json:"content,omitempty"`
}

type ErrorOut struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

func NewError(content string) ErrorOut {
	return ErrorOut{Type: TypeError, Content: content}
}
