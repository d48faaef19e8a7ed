package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/lingxi-collab/relay/internal/core"
)

type registryEntry struct {
	Participant *core.Participant
	RoomID      core.RoomID
}

// Registry tracks live participant bindings: id -> (transport, meta).
// Absent lookups are a normal outcome, ids can be stale or forged by
// protocol design.
type Registry struct {
	mu      sync.RWMutex
	entries map[core.ParticipantID]*registryEntry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[core.ParticipantID]*registryEntry)}
}

// Register binds an id to a transport, overwriting any prior binding
// for that id (last-writer-wins).
func (r *Registry) Register(id core.ParticipantID, conn core.SignalConnection, name, avatar string) *core.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := &core.Participant{ID: id, Name: name, Avatar: avatar, Conn: conn}
	if prev, ok := r.entries[id]; ok {
		// Keep the room association across a re-register on a new socket.
		r.entries[id] = &registryEntry{Participant: p, RoomID: prev.RoomID}
	} else {
		r.entries[id] = &registryEntry{Participant: p}
	}
	log.Info().Str("module", "app.registry").Str("id", string(id)).Str("name", name).Msg("participant registered")
	return p
}

func (r *Registry) Lookup(id core.ParticipantID) (*core.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.Participant, true
}

func (r *Registry) Unregister(id core.ParticipantID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
	log.Info().Str("module", "app.registry").Str("id", string(id)).Msg("participant unregistered")
}

// IDsForConn returns every id currently bound to the same transport
// handle. Supports duplicate-id cleanup and the shared-transport alias
// heuristic.
func (r *Registry) IDsForConn(conn core.SignalConnection) []core.ParticipantID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []core.ParticipantID
	for id, e := range r.entries {
		if e.Participant.Conn == conn {
			out = append(out, id)
		}
	}
	return out
}

// SameConn reports whether both ids are registered on one transport.
func (r *Registry) SameConn(a, b core.ParticipantID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ea, ok := r.entries[a]
	if !ok {
		return false
	}
	eb, ok := r.entries[b]
	if !ok {
		return false
	}
	return ea.Participant.Conn == eb.Participant.Conn && ea.Participant.Conn != nil
}

func (r *Registry) RoomOf(id core.ParticipantID) (core.RoomID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok || e.RoomID == "" {
		return "", false
	}
	return e.RoomID, true
}

func (r *Registry) SetRoom(id core.ParticipantID, room core.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.RoomID = room
	}
}

func (r *Registry) ClearRoom(id core.ParticipantID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.RoomID = ""
	}
}
