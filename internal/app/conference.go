package app

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lingxi-collab/relay/internal/core"
)

var (
	ErrConferenceExists   = errors.New("conference already exists")
	ErrConferenceNotFound = errors.New("conference not found")
)

type conference struct {
	id           core.ConferenceID
	roomID       core.RoomID
	creatorID    core.ParticipantID
	createdAt    time.Time
	settings     map[string]any
	participants map[core.ParticipantID]struct{}
}

// participantState is the per-participant runtime record. A participant
// points at most at one conference; joining another moves them.
type participantState struct {
	conference core.ConferenceID
	muted      bool
	joinedAt   time.Time
}

// LeaveResult describes the side effects of removing a participant
// from its conference, for the caller to broadcast.
type LeaveResult struct {
	ConferenceID core.ConferenceID
	RoomID       core.RoomID
	Closed       bool
	Remaining    []core.ParticipantID
}

// JoinResult describes a join. Moved is non-nil when the participant
// implicitly left a different conference first.
type JoinResult struct {
	ConferenceID core.ConferenceID
	RoomID       core.RoomID
	Rejoined     bool
	Moved        *LeaveResult
	Participants []core.ParticipantID
}

// ConferenceDirectory owns conference lifecycle: created on Create (or
// silently on first audio chunk), destroyed when the participant set
// empties.
type ConferenceDirectory struct {
	mu          sync.Mutex
	conferences map[core.ConferenceID]*conference
	states      map[core.ParticipantID]*participantState

	now func() time.Time
}

func NewConferenceDirectory() *ConferenceDirectory {
	return &ConferenceDirectory{
		conferences: make(map[core.ConferenceID]*conference),
		states:      make(map[core.ParticipantID]*participantState),
		now:         time.Now,
	}
}

func (d *ConferenceDirectory) Create(id core.ConferenceID, roomID core.RoomID, creator core.ParticipantID, settings map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.conferences[id]; ok {
		return ErrConferenceExists
	}
	d.createLocked(id, roomID, creator, settings)
	return nil
}

func (d *ConferenceDirectory) createLocked(id core.ConferenceID, roomID core.RoomID, creator core.ParticipantID, settings map[string]any) *conference {
	c := &conference{
		id:           id,
		roomID:       roomID,
		creatorID:    creator,
		createdAt:    d.now(),
		settings:     settings,
		participants: make(map[core.ParticipantID]struct{}),
	}
	d.conferences[id] = c
	log.Info().Str("module", "app.conference").Str("conference", string(id)).Str("room", string(roomID)).Str("creator", string(creator)).Msg("conference created")
	return c
}

// Join adds the participant to an existing conference. If they are in a
// different conference they leave it first (move semantics); rejoining
// the same conference is a no-op reported via Rejoined.
func (d *ConferenceDirectory) Join(id core.ConferenceID, pid core.ParticipantID) (*JoinResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conferences[id]
	if !ok {
		return nil, ErrConferenceNotFound
	}
	return d.joinLocked(c, pid), nil
}

func (d *ConferenceDirectory) joinLocked(c *conference, pid core.ParticipantID) *JoinResult {
	res := &JoinResult{ConferenceID: c.id, RoomID: c.roomID}
	if st, ok := d.states[pid]; ok {
		if st.conference == c.id {
			res.Rejoined = true
			res.Participants = c.participantIDs()
			return res
		}
		res.Moved = d.leaveLocked(pid)
	}
	c.participants[pid] = struct{}{}
	d.states[pid] = &participantState{conference: c.id, joinedAt: d.now()}
	res.Participants = c.participantIDs()
	log.Info().Str("module", "app.conference").Str("conference", string(c.id)).Str("id", string(pid)).Msg("participant joined conference")
	return res
}

// Leave removes the participant from its current conference, deleting
// the conference when it empties.
func (d *ConferenceDirectory) Leave(pid core.ParticipantID) (*LeaveResult, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res := d.leaveLocked(pid)
	return res, res != nil
}

func (d *ConferenceDirectory) leaveLocked(pid core.ParticipantID) *LeaveResult {
	st, ok := d.states[pid]
	if !ok {
		return nil
	}
	delete(d.states, pid)
	c, ok := d.conferences[st.conference]
	if !ok {
		return nil
	}
	delete(c.participants, pid)
	res := &LeaveResult{ConferenceID: c.id, RoomID: c.roomID, Remaining: c.participantIDs()}
	if len(c.participants) == 0 {
		delete(d.conferences, c.id)
		res.Closed = true
		log.Info().Str("module", "app.conference").Str("conference", string(c.id)).Msg("conference empty, closed")
	}
	return res
}

// Ensure returns the conference, creating it when absent (out-of-order
// control tolerance: a client may start streaming before its create
// acknowledgment round-trips). Reports whether it was created.
func (d *ConferenceDirectory) Ensure(id core.ConferenceID, roomID core.RoomID, creator core.ParticipantID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.conferences[id]; ok {
		return false
	}
	d.createLocked(id, roomID, creator, nil)
	return true
}

// EnsureJoined is Ensure + Join in one step, used by the audio relay so
// creation and forwarding stay independently testable.
func (d *ConferenceDirectory) EnsureJoined(id core.ConferenceID, roomID core.RoomID, pid core.ParticipantID) (*JoinResult, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conferences[id]
	created := false
	if !ok {
		c = d.createLocked(id, roomID, pid, nil)
		created = true
	}
	return d.joinLocked(c, pid), created
}

// SetMuted flips the participant's runtime mute flag. Returns the
// conference they are in, or false if they are in none.
func (d *ConferenceDirectory) SetMuted(pid core.ParticipantID, muted bool) (core.ConferenceID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.states[pid]
	if !ok {
		return "", false
	}
	st.muted = muted
	log.Info().Str("module", "app.conference").Str("id", string(pid)).Bool("muted", muted).Msg("mute updated")
	return st.conference, true
}

func (d *ConferenceDirectory) IsMuted(pid core.ParticipantID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.states[pid]
	return ok && st.muted
}

// Current returns the conference the participant is in, if any.
func (d *ConferenceDirectory) Current(pid core.ParticipantID) (core.ConferenceID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.states[pid]
	if !ok {
		return "", false
	}
	return st.conference, true
}

// ParticipantsOf returns the member ids of a conference.
func (d *ConferenceDirectory) ParticipantsOf(id core.ConferenceID) ([]core.ParticipantID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conferences[id]
	if !ok {
		return nil, false
	}
	return c.participantIDs(), true
}

// RoomOf returns the room a conference belongs to.
func (d *ConferenceDirectory) RoomOf(id core.ConferenceID) (core.RoomID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conferences[id]
	if !ok {
		return "", false
	}
	return c.roomID, true
}

// ListForRoom summarizes the live conferences of one room.
func (d *ConferenceDirectory) ListForRoom(roomID core.RoomID) []core.ConferenceInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]core.ConferenceInfo, 0)
	for _, c := range d.conferences {
		if c.roomID != roomID {
			continue
		}
		out = append(out, core.ConferenceInfo{
			ID:               c.id,
			CreatorID:        c.creatorID,
			ParticipantCount: len(c.participants),
			CreatedAt:        c.createdAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *conference) participantIDs() []core.ParticipantID {
	out := make([]core.ParticipantID, 0, len(c.participants))
	for id := range c.participants {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
