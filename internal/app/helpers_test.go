package app

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/lingxi-collab/relay/internal/core"
)

// fakeConn records every frame sent to it.
type fakeConn struct {
	frames []core.Frame
	fail   bool
}

func (f *fakeConn) TrySend(fr core.Frame) error {
	if f.fail {
		return errors.New("send failed")
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeConn) Close() {}

func (f *fakeConn) decoded(t *testing.T) []map[string]any {
	t.Helper()
	out := make([]map[string]any, 0, len(f.frames))
	for _, fr := range f.frames {
		var m map[string]any
		if err := json.Unmarshal(fr, &m); err != nil {
			t.Fatalf("undecodable frame %q: %v", fr, err)
		}
		out = append(out, m)
	}
	return out
}

func (f *fakeConn) lastOfType(t *testing.T, typ string) map[string]any {
	t.Helper()
	var found map[string]any
	for _, m := range f.decoded(t) {
		if m["type"] == typ {
			found = m
		}
	}
	return found
}

func (f *fakeConn) countOfType(t *testing.T, typ string) int {
	t.Helper()
	n := 0
	for _, m := range f.decoded(t) {
		if m["type"] == typ {
			n++
		}
	}
	return n
}

func containsID(ids []core.ParticipantID, want core.ParticipantID) bool {
	for _, id := range ids {
		if id == want {
			return true
		}
	}
	return false
}
