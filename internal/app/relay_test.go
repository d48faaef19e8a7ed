package app

import (
	"encoding/json"
	"testing"

	"github.com/lingxi-collab/relay/internal/core"
	"github.com/lingxi-collab/relay/internal/protocol"
)

func newRelay(t *testing.T) (*AudioRelay, *Registry, *ConferenceDirectory) {
	t.Helper()
	reg := NewRegistry()
	resolver := NewHeuristicResolver(reg)
	confs := NewConferenceDirectory()
	return NewAudioRelay(reg, resolver, confs), reg, confs
}

// Ids with parseable timestamps far apart, so the two-id heuristic
// keeps them distinct.
const (
	idA = core.ParticipantID("user_1700000000000")
	idB = core.ParticipantID("user_1700000100000")
)

func TestForwardDeliversToOthersOnly(t *testing.T) {
	relay, reg, confs := newRelay(t)
	ca, cb := &fakeConn{}, &fakeConn{}
	a := reg.Register(idA, ca, "Alice", "")
	reg.Register(idB, cb, "Bob", "")
	_ = confs.Create("c1", "r1", idA, nil)
	_, _ = confs.Join("c1", idA)
	_, _ = confs.Join("c1", idB)

	res := relay.Forward("c1", a, "r1", "ZGF0YQ==", 0, "webm")
	if res.Delivered != 1 {
		t.Fatalf("delivered = %d, want 1", res.Delivered)
	}
	if len(ca.frames) != 0 {
		t.Error("sender must never receive its own chunk")
	}
	if len(cb.frames) != 1 {
		t.Fatalf("receiver got %d frames, want 1", len(cb.frames))
	}

	var out protocol.AudioStreamOut
	if err := json.Unmarshal(cb.frames[0], &out); err != nil {
		t.Fatal(err)
	}
	if out.Type != protocol.TypeAudioStream || out.SenderID != idA || out.Sequence != 0 {
		t.Errorf("chunk = %+v, want senderId=%s seq=0", out, idA)
	}
	if out.AudioData != "ZGF0YQ==" || out.Format != "webm" {
		t.Error("chunk payload must be forwarded verbatim")
	}
	if out.SenderName != "Alice" {
		t.Errorf("senderName = %q, want Alice", out.SenderName)
	}
}

func TestForwardSuppressesAliasedSelf(t *testing.T) {
	// One human on two surfaces: the only two ids in the conference
	// get aliased, so the chunk reaches no one. That net-zero delivery
	// is the intended self-echo suppression.
	relay, reg, confs := newRelay(t)
	cWeb, cVS := &fakeConn{}, &fakeConn{}
	reg.Register("user_123", cWeb, "A", "")
	vs := reg.Register("vscode_456", cVS, "A", "")
	_, _ = confs.EnsureJoined("c1", "r1", "user_123")
	_, _ = confs.EnsureJoined("c1", "r1", "vscode_456")

	res := relay.Forward("c1", vs, "r1", "ZGF0YQ==", 7, "webm")
	if res.Delivered != 0 {
		t.Errorf("delivered = %d, want 0", res.Delivered)
	}
	if len(cWeb.frames) != 0 {
		t.Error("aliased id must not receive the sender's own audio")
	}
}

func TestForwardDropsMutedSender(t *testing.T) {
	relay, reg, confs := newRelay(t)
	ca, cb := &fakeConn{}, &fakeConn{}
	a := reg.Register(idA, ca, "A", "")
	reg.Register(idB, cb, "B", "")
	_, _ = confs.EnsureJoined("c1", "r1", idA)
	_, _ = confs.EnsureJoined("c1", "r1", idB)
	_, _ = confs.SetMuted(idA, true)

	res := relay.Forward("c1", a, "r1", "ZGF0YQ==", 1, "webm")
	if !res.Muted || res.Delivered != 0 || len(cb.frames) != 0 {
		t.Errorf("muted sender chunk must be dropped silently: %+v", res)
	}

	// Unmute resumes delivery without rejoining.
	_, _ = confs.SetMuted(idA, false)
	res = relay.Forward("c1", a, "r1", "ZGF0YQ==", 2, "webm")
	if res.Muted || res.Delivered != 1 {
		t.Errorf("unmute should resume delivery: %+v", res)
	}
}

func TestForwardAutoCreatesConference(t *testing.T) {
	relay, reg, confs := newRelay(t)
	a := reg.Register(idA, &fakeConn{}, "A", "")

	res := relay.Forward("c9", a, "r1", "ZGF0YQ==", 0, "webm")
	if !res.Created {
		t.Fatal("missing conference should be created, not errored")
	}
	if res.Join == nil || res.Join.Rejoined {
		t.Errorf("sender should auto-join the fresh conference: %+v", res.Join)
	}

	infos := confs.ListForRoom("r1")
	if len(infos) != 1 || infos[0].CreatorID != idA {
		t.Errorf("auto-created conference should credit the sender as creator: %v", infos)
	}
}

func TestForwardMovesSenderBetweenConferences(t *testing.T) {
	relay, reg, confs := newRelay(t)
	a := reg.Register(idA, &fakeConn{}, "A", "")
	reg.Register(idB, &fakeConn{}, "B", "")
	_, _ = confs.EnsureJoined("c1", "r1", idA)
	_, _ = confs.EnsureJoined("c1", "r1", idB)

	res := relay.Forward("c2", a, "r1", "ZGF0YQ==", 0, "webm")
	if res.Join == nil || res.Join.Moved == nil || res.Join.Moved.ConferenceID != "c1" {
		t.Fatalf("streaming into another conference should move the sender: %+v", res.Join)
	}
	if cur, _ := confs.Current(idA); cur != "c2" {
		t.Errorf("Current = %q, want c2 only", cur)
	}
}

func TestForwardIsolatesDeliveryFailures(t *testing.T) {
	relay, reg, confs := newRelay(t)
	a := reg.Register(idA, &fakeConn{}, "A", "")
	reg.Register(idB, &fakeConn{fail: true}, "B", "")
	good := &fakeConn{}
	reg.Register("user_1700000200000", good, "C", "")
	for _, id := range []core.ParticipantID{idA, idB, "user_1700000200000"} {
		_, _ = confs.EnsureJoined("c1", "r1", id)
	}

	res := relay.Forward("c1", a, "r1", "ZGF0YQ==", 0, "webm")
	if res.Failed != 1 {
		t.Errorf("failed = %d, want 1", res.Failed)
	}
	if res.Delivered != 1 || len(good.frames) != 1 {
		t.Error("one bad recipient must not block the others")
	}
}
