package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lingxi-collab/relay/internal/core"
	"github.com/lingxi-collab/relay/internal/protocol"
)

// Orchestrator dispatches decoded commands to the directories and
// composes the outbound lifecycle events. Every handler runs under one
// coarse mutex so a relay decision always sees a consistent snapshot
// across registry, aliases, rooms and conferences.
type Orchestrator struct {
	mu sync.Mutex

	Registry    *Registry
	Resolver    Resolver
	Rooms       *RoomDirectory
	Conferences *ConferenceDirectory
	Relay       *AudioRelay
}

func NewOrchestrator() *Orchestrator {
	reg := NewRegistry()
	resolver := NewHeuristicResolver(reg)
	conferences := NewConferenceDirectory()
	return &Orchestrator{
		Registry:    reg,
		Resolver:    resolver,
		Rooms:       NewRoomDirectory(reg),
		Conferences: conferences,
		Relay:       NewAudioRelay(reg, resolver, conferences),
	}
}

// HandleJoin registers the participant and joins the room. The joiner
// receives the "joined" system event too: join confirmation rides the
// broadcast.
func (o *Orchestrator) HandleJoin(conn core.SignalConnection, m *protocol.Join) core.ParticipantID {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := core.ParticipantID(m.UserID)
	if id == "" {
		id = core.ParticipantID("user_" + uuid.NewString())
	}
	roomID := core.RoomID(m.RoomID)

	// Joining a different room is a move: run the full leave cascade
	// for the old room (conference included) before the new join.
	if oldRoom, ok := o.Registry.RoomOf(id); ok && oldRoom != roomID {
		o.leaveLocked(id, oldRoom)
	}

	name := m.Name
	if name == "" {
		name = string(id)
	}
	if len(name) > core.MaxDisplayNameLen {
		cut := core.MaxDisplayNameLen
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = name[:cut]
	}
	o.Registry.Register(id, conn, name, m.Avatar)

	members := o.Rooms.Join(roomID, id)
	o.Rooms.Broadcast(roomID, protocol.SystemOut{
		Type:    protocol.TypeSystem,
		Content: fmt.Sprintf("%s joined the room", name),
		Users:   members,
	}, "")
	return id
}

// HandleLeave performs an explicit room leave, including the
// conference leave cascade. An explicit leave destroys the
// registration too, same as a transport close.
func (o *Orchestrator) HandleLeave(pid core.ParticipantID, m *protocol.Leave) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.leaveLocked(pid, core.RoomID(m.RoomID))
	o.Registry.Unregister(pid)
}

func (o *Orchestrator) leaveLocked(pid core.ParticipantID, roomID core.RoomID) {
	if res, ok := o.Conferences.Leave(pid); ok {
		o.emitConferenceLeave(pid, res)
	}
	name := string(pid)
	if p, ok := o.Registry.Lookup(pid); ok {
		name = p.Name
	}
	if o.Rooms.Leave(roomID, pid) {
		o.Rooms.Broadcast(roomID, protocol.SystemOut{
			Type:    protocol.TypeSystem,
			Content: fmt.Sprintf("%s left the room", name),
			Users:   o.Rooms.MemberList(roomID),
		}, "")
	}
}

// HandleChat fans a chat message out to the sender's room, excluding
// the sender.
func (o *Orchestrator) HandleChat(pid core.ParticipantID, m *protocol.Chat) {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, ok := o.Registry.Lookup(pid)
	if !ok {
		return
	}
	roomID, ok := o.Registry.RoomOf(pid)
	if !ok {
		o.reply(p.Conn, protocol.NewError("join a room before sending messages"))
		return
	}
	o.Rooms.Broadcast(roomID, protocol.ChatOut{
		Type:      protocol.TypeMessage,
		Sender:    protocol.Sender{ID: p.ID, Name: p.Name},
		Content:   m.Content,
		Timestamp: time.Now(),
	}, pid)
}

// HandleConference dispatches a voiceConference control command.
func (o *Orchestrator) HandleConference(pid core.ParticipantID, conn core.SignalConnection, m *protocol.VoiceConference) {
	o.mu.Lock()
	defer o.mu.Unlock()

	roomID, inRoom := o.Registry.RoomOf(pid)

	switch m.Action {
	case protocol.ActionCreate:
		if !inRoom {
			o.reply(conn, protocol.NewError("join a room before creating a conference"))
			return
		}
		confID := core.ConferenceID(m.ConferenceID)
		if confID == "" {
			confID = core.ConferenceID("conf_" + uuid.NewString())
		}
		if err := o.Conferences.Create(confID, roomID, pid, m.Settings); err != nil {
			if errors.Is(err, ErrConferenceExists) {
				o.reply(conn, protocol.VoiceConferenceOut{
					Type: protocol.TypeVoiceConference, Action: protocol.ActionError,
					ConferenceID: confID, Content: "conference already exists",
				})
				return
			}
			o.reply(conn, protocol.NewError(err.Error()))
			return
		}
		o.reply(conn, protocol.VoiceConferenceOut{
			Type: protocol.TypeVoiceConference, Action: protocol.ActionCreated,
			ConferenceID: confID,
		})

	case protocol.ActionJoin:
		confID := core.ConferenceID(m.ConferenceID)
		res, err := o.Conferences.Join(confID, pid)
		if err != nil {
			o.reply(conn, protocol.VoiceConferenceOut{
				Type: protocol.TypeVoiceConference, Action: protocol.ActionError,
				ConferenceID: confID, Content: "conference not found",
			})
			return
		}
		if res.Rejoined {
			o.reply(conn, protocol.VoiceConferenceOut{
				Type: protocol.TypeVoiceConference, Action: protocol.ActionInfo,
				ConferenceID: confID, Content: "already in this conference",
			})
			return
		}
		o.emitConferenceJoin(pid, res)
		o.reply(conn, protocol.VoiceConferenceOut{
			Type: protocol.TypeVoiceConference, Action: protocol.ActionJoined,
			ConferenceID: confID, Participants: o.memberDTOs(res.Participants),
		})

	case protocol.ActionLeave:
		res, ok := o.Conferences.Leave(pid)
		if !ok {
			o.reply(conn, protocol.VoiceConferenceOut{
				Type: protocol.TypeVoiceConference, Action: protocol.ActionInfo,
				Content: "not in a conference",
			})
			return
		}
		o.emitConferenceLeave(pid, res)

	case protocol.ActionMute:
		if m.Muted == nil {
			o.reply(conn, protocol.NewError("mute requires the muted flag"))
			return
		}
		confID, ok := o.Conferences.SetMuted(pid, *m.Muted)
		if !ok {
			o.reply(conn, protocol.VoiceConferenceOut{
				Type: protocol.TypeVoiceConference, Action: protocol.ActionInfo,
				Content: "not in a conference",
			})
			return
		}
		members, _ := o.Conferences.ParticipantsOf(confID)
		o.broadcastTo(members, protocol.VoiceConferenceOut{
			Type: protocol.TypeVoiceConference, Action: protocol.ActionParticipantMuted,
			ConferenceID: confID, ParticipantID: pid, IsMuted: m.Muted,
		}, "")

	case protocol.ActionList:
		if !inRoom {
			o.reply(conn, protocol.NewError("join a room before listing conferences"))
			return
		}
		o.reply(conn, protocol.VoiceConferenceOut{
			Type: protocol.TypeVoiceConference, Action: protocol.ActionInfo,
			Conferences: o.Conferences.ListForRoom(roomID),
		})
	}
}

// HandleAudio relays one audio chunk and emits any membership events
// the relay's ensure/auto-join produced.
func (o *Orchestrator) HandleAudio(pid core.ParticipantID, conn core.SignalConnection, m *protocol.AudioStream) {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, ok := o.Registry.Lookup(pid)
	if !ok {
		o.reply(conn, protocol.NewError("join a room before streaming audio"))
		return
	}
	roomID, _ := o.Registry.RoomOf(pid)

	res := o.Relay.Forward(core.ConferenceID(m.ConferenceID), p, roomID, m.AudioData, m.Sequence, m.Format)
	if res.Join != nil {
		o.emitConferenceJoin(pid, res.Join)
	}
}

// OnDisconnect runs the transport-close cleanup cascade for every id
// bound to the closed connection. Each step is independently guarded.
func (o *Orchestrator) OnDisconnect(conn core.SignalConnection) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, pid := range o.Registry.IDsForConn(conn) {
		if roomID, ok := o.Registry.RoomOf(pid); ok {
			o.leaveLocked(pid, roomID)
		} else if res, ok := o.Conferences.Leave(pid); ok {
			o.emitConferenceLeave(pid, res)
		}
		o.Registry.Unregister(pid)
		log.Info().Str("module", "app.orchestrator").Str("id", string(pid)).Msg("disconnect cleanup done")
	}
}

// emitConferenceJoin broadcasts the events of a (possibly moving) join:
// the implicit leave of the previous conference, then participantJoined
// to the other members of the new one.
func (o *Orchestrator) emitConferenceJoin(pid core.ParticipantID, res *JoinResult) {
	if res.Moved != nil {
		o.emitConferenceLeave(pid, res.Moved)
	}
	name := string(pid)
	if p, ok := o.Registry.Lookup(pid); ok {
		name = p.Name
	}
	o.broadcastTo(res.Participants, protocol.VoiceConferenceOut{
		Type: protocol.TypeVoiceConference, Action: protocol.ActionParticipantJoined,
		ConferenceID: res.ConferenceID, ParticipantID: pid, ParticipantName: name,
		Participants: o.memberDTOs(res.Participants),
	}, pid)
}

// emitConferenceLeave broadcasts the events of a leave: closed to the
// room when the conference emptied, otherwise participantLeft to the
// remaining members plus an updated count to the whole room.
func (o *Orchestrator) emitConferenceLeave(pid core.ParticipantID, res *LeaveResult) {
	if res.Closed {
		o.Rooms.Broadcast(res.RoomID, protocol.VoiceConferenceOut{
			Type: protocol.TypeVoiceConference, Action: protocol.ActionClosed,
			ConferenceID: res.ConferenceID, Reason: "empty",
		}, "")
		return
	}
	o.broadcastTo(res.Remaining, protocol.VoiceConferenceOut{
		Type: protocol.TypeVoiceConference, Action: protocol.ActionParticipantLeft,
		ConferenceID: res.ConferenceID, ParticipantID: pid,
		Participants: o.memberDTOs(res.Remaining),
	}, "")
	o.Rooms.Broadcast(res.RoomID, protocol.VoiceConferenceOut{
		Type: protocol.TypeVoiceConference, Action: protocol.ActionUpdated,
		ConferenceID: res.ConferenceID, ParticipantCount: len(res.Remaining),
	}, "")
}

// broadcastTo serializes once and sends to an explicit id set.
func (o *Orchestrator) broadcastTo(ids []core.ParticipantID, payload any, exclude core.ParticipantID) {
	frame, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("module", "app.orchestrator").Msg("broadcast marshal")
		return
	}
	for _, id := range ids {
		if id == exclude {
			continue
		}
		p, ok := o.Registry.Lookup(id)
		if !ok {
			continue
		}
		if err := p.Conn.TrySend(frame); err != nil {
			log.Warn().Err(err).Str("module", "app.orchestrator").Str("to", string(id)).Msg("send failed")
		}
	}
}

func (o *Orchestrator) memberDTOs(ids []core.ParticipantID) []core.MemberDTO {
	out := make([]core.MemberDTO, 0, len(ids))
	for _, id := range ids {
		if p, ok := o.Registry.Lookup(id); ok {
			out = append(out, p.DTO())
		}
	}
	return out
}

// reply sends a message to a single connection.
func (o *Orchestrator) reply(conn core.SignalConnection, payload any) {
	if conn == nil {
		return
	}
	frame, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("module", "app.orchestrator").Msg("reply marshal")
		return
	}
	if err := conn.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "app.orchestrator").Msg("reply send failed")
	}
}

// BroadcastRoom lets side-channel surfaces (canvas uploads) notify a
// room without touching relay state.
func (o *Orchestrator) BroadcastRoom(roomID core.RoomID, payload any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Rooms.Broadcast(roomID, payload, "")
}
