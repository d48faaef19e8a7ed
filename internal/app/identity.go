package app

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lingxi-collab/relay/internal/core"
)

// Alias pairing windows for timestamp-embedded ids.
const (
	aliasTightWindow = 10 * time.Second
	aliasWideWindow  = 30 * time.Second
)

// Resolver answers "are these two participant ids the same human".
// Aliasing is inferred, never authoritative; callers must tolerate
// stale aliases (they only ever widen an exclusion set).
type Resolver interface {
	RecordAlias(a, b core.ParticipantID)
	AllIDsFor(id core.ParticipantID) []core.ParticipantID
	AreSameUser(a, b core.ParticipantID) bool
	InferAliases(candidates []core.ParticipantID)
}

// HeuristicResolver infers same-user relationships from transport
// sharing and id-embedded creation timestamps. It exists solely so the
// audio relay does not echo a participant's own voice back to them when
// one human is registered under two connection ids. The alias map grows
// for the process lifetime and is never pruned.
type HeuristicResolver struct {
	mu       sync.Mutex
	partners map[core.ParticipantID]map[core.ParticipantID]struct{}
	reg      *Registry
}

var _ Resolver = (*HeuristicResolver)(nil)

func NewHeuristicResolver(reg *Registry) *HeuristicResolver {
	return &HeuristicResolver{
		partners: make(map[core.ParticipantID]map[core.ParticipantID]struct{}),
		reg:      reg,
	}
}

// RecordAlias inserts a symmetric association. Idempotent.
func (h *HeuristicResolver) RecordAlias(a, b core.ParticipantID) {
	if a == b || a == "" || b == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recordLocked(a, b)
}

func (h *HeuristicResolver) recordLocked(a, b core.ParticipantID) {
	if h.partners[a] == nil {
		h.partners[a] = make(map[core.ParticipantID]struct{})
	}
	if h.partners[b] == nil {
		h.partners[b] = make(map[core.ParticipantID]struct{})
	}
	if _, ok := h.partners[a][b]; ok {
		return
	}
	h.partners[a][b] = struct{}{}
	h.partners[b][a] = struct{}{}
	log.Info().Str("module", "app.identity").Str("a", string(a)).Str("b", string(b)).Msg("alias recorded")
}

// AllIDsFor returns id plus every directly or one-hop transitively
// aliased id currently known.
func (h *HeuristicResolver) AllIDsFor(id core.ParticipantID) []core.ParticipantID {
	h.mu.Lock()
	defer h.mu.Unlock()

	seen := map[core.ParticipantID]struct{}{id: {}}
	for direct := range h.partners[id] {
		seen[direct] = struct{}{}
		for hop := range h.partners[direct] {
			seen[hop] = struct{}{}
		}
	}
	out := make([]core.ParticipantID, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (h *HeuristicResolver) AreSameUser(a, b core.ParticipantID) bool {
	if a == b {
		return true
	}
	h.mu.Lock()
	_, direct := h.partners[a][b]
	h.mu.Unlock()
	if direct {
		return true
	}
	return h.reg.SameConn(a, b)
}

// InferAliases runs the ordered heuristic pass over the candidate set.
// Invoked before every audio-relay delivery decision. Rules, first
// match wins per pair:
//
//  1. two ids bound to the same transport are aliased
//  2. exactly two ids whose embedded timestamps differ by <10s
//  3. exactly two ids, timestamps absent or unparsable (last resort:
//     the protocol cannot otherwise tell one user on two surfaces from
//     two users)
//  4. more than two ids: pair across id classes, transport match first,
//     else nearest timestamp within 10s, else within 30s if no
//     transport match existed; one alias per id
//
// Rule 3 can mis-pair two distinct humans in a two-person conference.
// That is documented, accepted behavior, not a bug to fix here.
func (h *HeuristicResolver) InferAliases(candidates []core.ParticipantID) {
	if len(candidates) < 2 {
		return
	}
	ids := make([]core.ParticipantID, len(candidates))
	copy(ids, candidates)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	h.mu.Lock()
	defer h.mu.Unlock()

	// Rule 1: shared transport handle.
	byTransport := make(map[core.ParticipantID]struct{})
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if h.reg.SameConn(ids[i], ids[j]) {
				h.recordLocked(ids[i], ids[j])
				byTransport[ids[i]] = struct{}{}
				byTransport[ids[j]] = struct{}{}
			}
		}
	}

	if len(ids) == 2 {
		a, b := ids[0], ids[1]
		if _, ok := byTransport[a]; ok {
			return
		}
		if _, ok := h.partners[a][b]; ok {
			return
		}
		ta, okA := idTimestamp(a)
		tb, okB := idTimestamp(b)
		if okA && okB {
			// Rule 2.
			if absDuration(ta.Sub(tb)) < aliasTightWindow {
				h.recordLocked(a, b)
			}
			return
		}
		// Rule 3.
		h.recordLocked(a, b)
		return
	}

	h.pairAcrossClassesLocked(ids, byTransport)
}

// pairAcrossClassesLocked implements rule 4: with more than two ids
// present, ids are partitioned by prefix class (e.g. "user" vs
// "vscode") and paired one-to-one across the two classes.
func (h *HeuristicResolver) pairAcrossClassesLocked(ids []core.ParticipantID, byTransport map[core.ParticipantID]struct{}) {
	classes := make(map[string][]core.ParticipantID)
	for _, id := range ids {
		classes[idClass(id)] = append(classes[idClass(id)], id)
	}
	if len(classes) != 2 {
		return
	}
	names := make([]string, 0, 2)
	for name := range classes {
		names = append(names, name)
	}
	sort.Strings(names)
	left, right := classes[names[0]], classes[names[1]]

	assigned := make(map[core.ParticipantID]struct{})
	for _, a := range left {
		if _, ok := assigned[a]; ok {
			continue
		}
		var pick core.ParticipantID
		// Transport match wins outright.
		for _, b := range right {
			if _, taken := assigned[b]; taken {
				continue
			}
			if h.reg.SameConn(a, b) {
				pick = b
				break
			}
		}
		hadTransportMatch := pick != ""
		if pick == "" {
			pick = closestByTimestamp(a, right, assigned, aliasTightWindow)
		}
		if pick == "" && !hadTransportMatch {
			if _, ok := byTransport[a]; !ok {
				pick = closestByTimestamp(a, right, assigned, aliasWideWindow)
			}
		}
		if pick == "" {
			continue
		}
		h.recordLocked(a, pick)
		assigned[a] = struct{}{}
		assigned[pick] = struct{}{}
	}
}

func closestByTimestamp(a core.ParticipantID, pool []core.ParticipantID, assigned map[core.ParticipantID]struct{}, window time.Duration) core.ParticipantID {
	ta, ok := idTimestamp(a)
	if !ok {
		return ""
	}
	var best core.ParticipantID
	bestGap := window
	for _, b := range pool {
		if _, taken := assigned[b]; taken {
			continue
		}
		tb, ok := idTimestamp(b)
		if !ok {
			continue
		}
		if gap := absDuration(ta.Sub(tb)); gap < bestGap {
			best, bestGap = b, gap
		}
	}
	return best
}

// idClass returns the prefix before the first underscore ("user" for
// "user_1700000000000") or the whole id when there is none.
func idClass(id core.ParticipantID) string {
	s := string(id)
	if i := strings.IndexByte(s, '_'); i > 0 {
		return s[:i]
	}
	return s
}

// idTimestamp parses a creation timestamp embedded as the id's final
// underscore-delimited segment, in unix seconds or milliseconds.
func idTimestamp(id core.ParticipantID) (time.Time, bool) {
	s := string(id)
	i := strings.LastIndexByte(s, '_')
	if i < 0 || i == len(s)-1 {
		return time.Time{}, false
	}
	raw := s[i+1:]
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}, false
	}
	switch len(raw) {
	case 13:
		return time.UnixMilli(n), true
	case 10:
		return time.Unix(n, 0), true
	default:
		return time.Time{}, false
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
