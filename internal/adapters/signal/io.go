package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/meshvoice/internal/app/hub"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

func (ctl *ChannelWSController) writePump(ctx context.Context, c *WsSubscriber) {
	ticker := time.NewTicker(ctl.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				c.Close()
				return
			}
		}
	}
}

func (ctl *ChannelWSController) readPump(ctx context.Context, cancel context.CancelFunc, room domain.RoomID, conn hub.ConnID, c *WsSubscriber) {
	defer func() {
		log.Info().Str("module", "signal").Str("room", string(room)).Str("conn", string(conn)).Msg("readPump closing")
		ctl.Hub.Untrack(room, conn)
		c.Close()
		cancel()
	}()

	extend := func() { _ = c.conn.SetReadDeadline(time.Now().Add(ctl.cfg.pongWait())) }
	extend()
	c.conn.SetPongHandler(func(string) error { extend(); return nil })

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("conn", string(conn)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn().Err(err).Str("module", "signal").Str("conn", string(conn)).Msg("readPump read error")
				}
				return
			}
			extend()
			ctl.handleFrame(room, conn, c, data)
		}
	}
}

func (ctl *ChannelWSController) handleFrame(room domain.RoomID, conn hub.ConnID, c *WsSubscriber, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		_ = c.TrySend(errorFrame("bad_json"))
		return
	}

	switch env.Type {
	case TypeTrack:
		ctl.handleTrack(room, conn, c, env)
	case TypeBroadcast:
		ctl.handleBroadcast(room, conn, c, env)
	case TypePing:
		ctl.handlePing(c)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown frame")
		_ = c.TrySend(errorFrame("unknown_type"))
	}
}
