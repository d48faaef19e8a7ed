package app

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/lingxi-collab/relay/internal/core"
)

// RoomDirectory maps room id -> member set. Rooms are created lazily on
// first join and deleted when the set becomes empty; a room is never
// present with an empty set.
type RoomDirectory struct {
	mu    sync.RWMutex
	rooms map[core.RoomID]map[core.ParticipantID]struct{}
	reg   *Registry
}

func NewRoomDirectory(reg *Registry) *RoomDirectory {
	return &RoomDirectory{
		rooms: make(map[core.RoomID]map[core.ParticipantID]struct{}),
		reg:   reg,
	}
}

// Join adds the participant, creating the room if absent, and returns
// the updated member list.
func (d *RoomDirectory) Join(roomID core.RoomID, id core.ParticipantID) []core.MemberDTO {
	d.mu.Lock()
	// A participant is a member of at most one room; joining a second
	// one implies leaving the first, or the old set would keep a stale
	// member and never empty.
	if old, ok := d.reg.RoomOf(id); ok && old != roomID {
		if prev, ok := d.rooms[old]; ok {
			delete(prev, id)
			if len(prev) == 0 {
				delete(d.rooms, old)
				log.Info().Str("module", "app.rooms").Str("room", string(old)).Msg("room empty, removed")
			}
		}
	}
	members, ok := d.rooms[roomID]
	if !ok {
		members = make(map[core.ParticipantID]struct{})
		d.rooms[roomID] = members
	}
	members[id] = struct{}{}
	d.mu.Unlock()

	d.reg.SetRoom(id, roomID)
	log.Info().Str("module", "app.rooms").Str("room", string(roomID)).Str("id", string(id)).Msg("joined room")
	return d.MemberList(roomID)
}

// Leave removes the participant; an empty room is deleted. Reports
// whether the participant was actually a member.
func (d *RoomDirectory) Leave(roomID core.RoomID, id core.ParticipantID) bool {
	d.mu.Lock()
	members, ok := d.rooms[roomID]
	if !ok {
		d.mu.Unlock()
		d.reg.ClearRoom(id)
		return false
	}
	_, present := members[id]
	delete(members, id)
	if len(members) == 0 {
		delete(d.rooms, roomID)
		log.Info().Str("module", "app.rooms").Str("room", string(roomID)).Msg("room empty, removed")
	}
	d.mu.Unlock()

	d.reg.ClearRoom(id)
	if present {
		log.Info().Str("module", "app.rooms").Str("room", string(roomID)).Str("id", string(id)).Msg("left room")
	}
	return present
}

// MembersOf returns the member ids, empty if the room is absent.
func (d *RoomDirectory) MembersOf(roomID core.RoomID) []core.ParticipantID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]core.ParticipantID, 0, len(d.rooms[roomID]))
	for id := range d.rooms[roomID] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MemberList resolves the member set against the registry into DTOs.
// Unregistered ids (stale membership) are skipped.
func (d *RoomDirectory) MemberList(roomID core.RoomID) []core.MemberDTO {
	ids := d.MembersOf(roomID)
	out := make([]core.MemberDTO, 0, len(ids))
	for _, id := range ids {
		if p, ok := d.reg.Lookup(id); ok {
			out = append(out, p.DTO())
		}
	}
	return out
}

// List returns a summary of every live room.
func (d *RoomDirectory) List() []core.RoomInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]core.RoomInfo, 0, len(d.rooms))
	for id, members := range d.rooms {
		out = append(out, core.RoomInfo{ID: id, MemberCount: len(members)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Broadcast serializes the payload once and sends it to every
// registered member except exclude (pass "" to exclude no one).
// Per-recipient failures are logged and never abort the fan-out.
func (d *RoomDirectory) Broadcast(roomID core.RoomID, payload any, exclude core.ParticipantID) int {
	frame, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("module", "app.rooms").Str("room", string(roomID)).Msg("broadcast marshal")
		return 0
	}
	return d.BroadcastFrame(roomID, frame, exclude)
}

func (d *RoomDirectory) BroadcastFrame(roomID core.RoomID, frame core.Frame, exclude core.ParticipantID) int {
	sent := 0
	for _, id := range d.MembersOf(roomID) {
		if id == exclude {
			continue
		}
		p, ok := d.reg.Lookup(id)
		if !ok {
			continue
		}
		if err := p.Conn.TrySend(frame); err != nil {
			log.Warn().Err(err).Str("module", "app.rooms").Str("room", string(roomID)).Str("to", string(id)).Msg("broadcast send failed")
			continue
		}
		sent++
	}
	log.Debug().Str("module", "app.rooms").Str("room", string(roomID)).Int("sent", sent).Msg("broadcast")
	return sent
}
