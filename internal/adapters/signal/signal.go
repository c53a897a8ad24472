// Package signal carries room channels over websockets: the hub-side
// controller and the participant-side broadcast transport.
package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/meshvoice/internal/app/hub"
	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type ServerConfig struct {
	SendBuffer int
	ReadLimit  int64
	PingPeriod time.Duration
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SendBuffer: 64,
		ReadLimit:  64 << 10,
		PingPeriod: 54 * time.Second,
	}
}

func (c ServerConfig) pongWait() time.Duration { return c.PingPeriod * 10 / 9 }

type ChannelWSController struct {
	Hub *hub.Hub
	cfg ServerConfig
}

func NewChannelWSController(h *hub.Hub, cfg ServerConfig) *ChannelWSController {
	return &ChannelWSController{Hub: h, cfg: cfg}
}

// WsSubscriber is one websocket subscription seen from the hub.
type WsSubscriber struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSubscriber) Deliver(ev core.ChannelEvent) error {
	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	return c.TrySend(data)
}

func (c *WsSubscriber) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSubscriber) Close() {
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

// HandleChannel upgrades the request and serves one subscription of the
// room named by the :room path parameter.
func (ctl *ChannelWSController) HandleChannel(ctx context.Context, c *gin.Context) {
	room := domain.RoomID(c.Param("room"))
	if err := room.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	conn := hub.ConnID(uuid.NewString())
	log.Info().Str("module", "signal").Str("room", string(room)).Str("conn", string(conn)).
		Str("client", c.GetString("client_token")).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.cfg.ReadLimit > 0 {
		ws.SetReadLimit(ctl.cfg.ReadLimit)
	}

	sub := &WsSubscriber{
		conn: ws,
		send: make(chan core.Frame, ctl.cfg.SendBuffer),
	}
	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, sub)
	go ctl.readPump(ctx, cancel, room, conn, sub)
}
