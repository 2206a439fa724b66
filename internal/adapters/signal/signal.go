// Package signal is the browser-facing WebSocket: commands in, session
// snapshots out, plus the offer/answer exchange for the browser media leg.
package signal

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/mindflex/internal/app/orch"
	"github.com/dkeye/mindflex/internal/core"
	"github.com/dkeye/mindflex/internal/domain"
)

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	// StartLimit start commands are allowed per StartWindow and browser.
	StartLimit  int
	StartWindow time.Duration
	ICEServers  []string
}

type SignalWSController struct {
	Orch  *orch.Orchestrator
	Users core.UserStore

	opts    Options
	limiter *StartRateLimiter
}

func NewSignalWSController(o *orch.Orchestrator, users core.UserStore, opts Options) *SignalWSController {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 32768
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 54 * time.Second
	}
	if opts.StartLimit <= 0 {
		opts.StartLimit = 5
	}
	if opts.StartWindow <= 0 {
		opts.StartWindow = time.Minute
	}
	return &SignalWSController{
		Orch:    o,
		Users:   users,
		opts:    opts,
		limiter: NewStartRateLimiter(opts.StartLimit, opts.StartWindow),
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrSignalClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func guestIdentity() string {
	return fmt.Sprintf("user-%d", time.Now().UnixMilli())
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := core.SessionID(c.GetString("client_token"))
	log.Info().Str("module", "adapters.signal").Str("sid", string(sid)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.signal").Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, 32),
	}

	meta := &domain.Participant{Identity: guestIdentity(), Kind: domain.KindHuman}
	sess := core.NewMemberSession(meta).UpdateSignal(conn)
	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Registry.BindSignal(sid, sess, cancel)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, sid, sess, conn)

	ctl.sendState(sid)
}

func (ctl *SignalWSController) sendState(sid core.SessionID) {
	ctl.Orch.Send(sid, "state", orch.StateMessage{Type: "state", State: ctl.Orch.Snapshot(sid)})
}

func (ctl *SignalWSController) sendError(sid core.SessionID, msg string) {
	ctl.Orch.Send(sid, "error", orch.ErrorMessage{Type: "error", Error: msg})
}
