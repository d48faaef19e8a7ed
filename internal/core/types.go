// Package core contains the relay's shared types. No logic beyond
// trivial construction helpers lives here.
package core

import "time"

const MaxDisplayNameLen = 64

// Frame is one serialized outbound message, ready for the wire.
type Frame []byte

type (
	ParticipantID string
	RoomID        string
	ConferenceID  string
)

// SignalConnection abstracts the transport endpoint a participant is
// reachable on. Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Participant is one (transport, id, displayName) binding.
// A single human may present several Participant ids concurrently,
// which is why identity reconciliation exists at all.
type Participant struct {
	ID     ParticipantID
	Name   string
	Avatar string
	Conn   SignalConnection
}

// MemberDTO is a read-only view for wire payloads (no transport fields).
type MemberDTO struct {
	ID     ParticipantID `json:"id"`
	Name   string        `json:"name"`
	Avatar string        `json:"avatar,omitempty"`
}

func (p *Participant) DTO() MemberDTO {
	return MemberDTO{ID: p.ID, Name: p.Name, Avatar: p.Avatar}
}

// RoomInfo is the REST-facing summary of a room.
type RoomInfo struct {
	ID          RoomID `json:"roomId"`
	MemberCount int    `json:"memberCount"`
}

// ConferenceInfo is the wire-facing summary of a live conference.
type ConferenceInfo struct {
	ID               ConferenceID  `json:"conferenceId"`
	CreatorID        ParticipantID `json:"creatorId"`
	ParticipantCount int           `json:"participantCount"`
	CreatedAt        time.Time     `json:"createdAt"`
}
