package ws

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/lingxi-collab/relay/internal/app"
	"github.com/lingxi-collab/relay/internal/core"
	"github.com/lingxi-collab/relay/internal/protocol"
)

var upgrader = websocket.Upgrader{
	// Extension webviews and companion clients connect from arbitrary
	// origins; auth is out of scope for the relay.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Controller struct {
	Orch      *app.Orchestrator
	Limiter   *MessageRateLimiter
	ReadLimit int64
}

func NewController(orch *app.Orchestrator, limiter *MessageRateLimiter, readLimit int64) *Controller {
	return &Controller{Orch: orch, Limiter: limiter, ReadLimit: readLimit}
}

// session is the per-connection dispatch state. It is touched only by
// the connection's own read pump, so no locking is needed.
type session struct {
	conn *Connection
	pid  core.ParticipantID
}

// HandleRelay upgrades the request and runs the connection's pumps.
func (ctl *Controller) HandleRelay(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.ws").Msg("upgrade failed")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	conn := NewConnection(ws)
	connCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer cancel()
		conn.writePump(connCtx)
	}()
	go ctl.readPump(connCtx, cancel, &session{conn: conn})
}

func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, s *session) {
	defer func() {
		log.Info().Str("module", "adapters.ws").Str("id", string(s.pid)).Msg("readPump closing")
		ctl.Orch.OnDisconnect(s.conn)
		if s.pid != "" {
			ctl.Limiter.Forget(s.pid)
		}
		cancel()
		s.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := s.conn.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "adapters.ws").Str("id", string(s.pid)).Msg("readPump read error")
				return
			}
			ctl.dispatch(s, data)
		}
	}
}

// dispatch decodes one inbound frame and routes it. Protocol errors are
// replied to the sender only; the connection stays open.
func (ctl *Controller) dispatch(s *session, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.ws").Msg("bad inbound message")
		ctl.reply(s.conn, protocol.NewError(err.Error()))
		return
	}

	if _, ok := msg.(*protocol.Join); !ok && s.pid == "" {
		ctl.reply(s.conn, protocol.NewError("join a room first"))
		return
	}

	switch m := msg.(type) {
	case *protocol.Join:
		s.pid = ctl.Orch.HandleJoin(s.conn, m)
	case *protocol.Leave:
		ctl.Orch.HandleLeave(s.pid, m)
		// The registration is gone; further commands need a fresh join.
		ctl.Limiter.Forget(s.pid)
		s.pid = ""
	case *protocol.Chat:
		if !ctl.Limiter.Allow(s.pid) {
			ctl.reply(s.conn, protocol.NewError("too many messages, slow down"))
			return
		}
		ctl.Orch.HandleChat(s.pid, m)
	case *protocol.AudioStream:
		ctl.Orch.HandleAudio(s.pid, s.conn, m)
	case *protocol.VoiceConference:
		ctl.Orch.HandleConference(s.pid, s.conn, m)
	}
}

func (ctl *Controller) reply(conn *Connection, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.ws").Msg("reply marshal")
		return
	}
	_ = conn.TrySend(b)
}
