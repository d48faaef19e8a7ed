package app

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/lingxi-collab/relay/internal/core"
	"github.com/lingxi-collab/relay/internal/protocol"
)

// AudioRelay forwards audio chunks verbatim to conference members,
// excluding the sender and every id aliased to the sender. It never
// buffers or reorders: sequence numbers are caller-assigned and passed
// through for the receiver to sort out.
type AudioRelay struct {
	reg         *Registry
	resolver    Resolver
	conferences *ConferenceDirectory
}

func NewAudioRelay(reg *Registry, resolver Resolver, conferences *ConferenceDirectory) *AudioRelay {
	return &AudioRelay{reg: reg, resolver: resolver, conferences: conferences}
}

// ForwardResult reports what a Forward call did, for the dispatch layer
// to emit the matching conference lifecycle events.
type ForwardResult struct {
	Created   bool
	Join      *JoinResult
	Muted     bool
	Delivered int
	Failed    int
}

// Forward relays one chunk into the conference. A missing conference is
// silently created with the sender as creator; a sender who is not yet
// a member auto-joins (leaving any previous conference first). Muted
// senders are dropped without error. Individual delivery failures are
// logged and do not block the remaining recipients.
func (r *AudioRelay) Forward(confID core.ConferenceID, sender *core.Participant, roomID core.RoomID, audioData string, seq int64, format string) ForwardResult {
	join, created := r.conferences.EnsureJoined(confID, roomID, sender.ID)
	res := ForwardResult{Created: created}
	if !join.Rejoined || join.Moved != nil {
		res.Join = join
	}

	if r.conferences.IsMuted(sender.ID) {
		res.Muted = true
		return res
	}

	members, ok := r.conferences.ParticipantsOf(confID)
	if !ok {
		return res
	}

	// Reconcile identities against the current member set before every
	// delivery decision; this is what prevents self-echo across a
	// user's aliased ids.
	r.resolver.InferAliases(members)
	excluded := make(map[core.ParticipantID]struct{})
	for _, id := range r.resolver.AllIDsFor(sender.ID) {
		excluded[id] = struct{}{}
	}

	frame, err := json.Marshal(protocol.AudioStreamOut{
		Type:         protocol.TypeAudioStream,
		ConferenceID: confID,
		SenderID:     sender.ID,
		SenderName:   sender.Name,
		AudioData:    audioData,
		Sequence:     seq,
		Format:       format,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "app.relay").Msg("chunk marshal")
		return res
	}

	for _, id := range members {
		if _, skip := excluded[id]; skip {
			continue
		}
		p, ok := r.reg.Lookup(id)
		if !ok {
			continue
		}
		if err := p.Conn.TrySend(frame); err != nil {
			res.Failed++
			log.Warn().Err(err).Str("module", "app.relay").Str("conference", string(confID)).Str("to", string(id)).Msg("chunk send failed")
			continue
		}
		res.Delivered++
	}
	log.Debug().Str("module", "app.relay").Str("conference", string(confID)).Str("from", string(sender.ID)).Int64("seq", seq).Int("delivered", res.Delivered).Msg("chunk forwarded")
	return res
}
