package ws

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/lingxi-collab/relay/internal/app"
	"github.com/lingxi-collab/relay/internal/core"
)

// fakeWSConn satisfies WSConn without a network.
type fakeWSConn struct{}

func (fakeWSConn) ReadMessage() (int, []byte, error) { return 0, nil, nil }
func (fakeWSConn) WriteMessage(int, []byte) error    { return nil }
func (fakeWSConn) SetReadLimit(int64)                {}
func (fakeWSConn) SetWriteDeadline(time.Time) error  { return nil }
func (fakeWSConn) Close() error                      { return nil }

func newTestController() *Controller {
	return NewController(app.NewOrchestrator(), NewMessageRateLimiter(2, time.Minute), 0)
}

// drain pops every frame buffered for the connection's write pump.
func drain(c *Connection) []map[string]any {
	var out []map[string]any
	for {
		select {
		case fr := <-c.send:
			var m map[string]any
			_ = json.Unmarshal(fr, &m)
			out = append(out, m)
		default:
			return out
		}
	}
}

func lastOfType(frames []map[string]any, typ string) map[string]any {
	var found map[string]any
	for _, m := range frames {
		if m["type"] == typ {
			found = m
		}
	}
	return found
}

func TestDispatchRequiresJoinFirst(t *testing.T) {
	ctl := newTestController()
	s := &session{conn: NewConnection(fakeWSConn{})}

	ctl.dispatch(s, []byte(`{"type":"message","content":"hi"}`))

	frames := drain(s.conn)
	if lastOfType(frames, "error") == nil {
		t.Fatalf("pre-join command should error, got %v", frames)
	}
}

func TestDispatchBadJSONRepliesError(t *testing.T) {
	ctl := newTestController()
	s := &session{conn: NewConnection(fakeWSConn{})}

	ctl.dispatch(s, []byte(`{"type":`))

	frames := drain(s.conn)
	if lastOfType(frames, "error") == nil {
		t.Fatal("malformed json should produce an error reply")
	}
	// Connection state is untouched; a valid join still works.
	ctl.dispatch(s, []byte(`{"type":"join","roomId":"r1","userId":"u1","name":"A"}`))
	if s.pid != core.ParticipantID("u1") {
		t.Errorf("pid = %q, want u1", s.pid)
	}
}

func TestDispatchJoinThenChat(t *testing.T) {
	ctl := newTestController()
	sa := &session{conn: NewConnection(fakeWSConn{})}
	sb := &session{conn: NewConnection(fakeWSConn{})}

	ctl.dispatch(sa, []byte(`{"type":"join","roomId":"r1","userId":"user_1700000000000","name":"Alice"}`))
	ctl.dispatch(sb, []byte(`{"type":"join","roomId":"r1","userId":"user_1700000100000","name":"Bob"}`))
	drain(sa.conn)
	drain(sb.conn)

	ctl.dispatch(sa, []byte(`{"type":"message","content":"hello"}`))

	if got := lastOfType(drain(sb.conn), "message"); got == nil || got["content"] != "hello" {
		t.Errorf("B should receive the chat, got %v", got)
	}
	if lastOfType(drain(sa.conn), "message") != nil {
		t.Error("sender must not receive its own chat")
	}
}

func TestDispatchChatRateLimited(t *testing.T) {
	ctl := newTestController()
	s := &session{conn: NewConnection(fakeWSConn{})}
	ctl.dispatch(s, []byte(`{"type":"join","roomId":"r1","userId":"u1","name":"A"}`))
	drain(s.conn)

	for i := 0; i < 3; i++ {
		ctl.dispatch(s, []byte(`{"type":"message","content":"spam"}`))
	}

	frames := drain(s.conn)
	if lastOfType(frames, "error") == nil {
		t.Errorf("third chat within the window should be rejected, got %v", frames)
	}
}

func TestDispatchLeaveResetsSession(t *testing.T) {
	ctl := newTestController()
	s := &session{conn: NewConnection(fakeWSConn{})}
	ctl.dispatch(s, []byte(`{"type":"join","roomId":"r1","userId":"u1","name":"A"}`))
	drain(s.conn)

	ctl.dispatch(s, []byte(`{"type":"leave","roomId":"r1"}`))
	if s.pid != "" {
		t.Fatalf("session pid = %q after leave, want cleared", s.pid)
	}

	// Post-leave commands take the pre-join path again.
	ctl.dispatch(s, []byte(`{"type":"message","content":"hi"}`))
	if lastOfType(drain(s.conn), "error") == nil {
		t.Error("chat after leave should require a fresh join")
	}
}
