package signal

import (
	"encoding/json"
	"errors"

	"github.com/dkeye/meshvoice/internal/app/hub"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/rs/zerolog/log"
)

func (ctl *ChannelWSController) handleTrack(room domain.RoomID, conn hub.ConnID, c *WsSubscriber, env Envelope) {
	if env.Presence == nil {
		_ = c.TrySend(errorFrame("missing_presence"))
		return
	}
	rec := *env.Presence
	if rec.DisplayName == "" {
		rec.DisplayName = string(rec.ParticipantID)
	}
	if err := ctl.Hub.Track(room, conn, rec, c); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(conn)).Msg("track rejected")
		_ = c.TrySend(errorFrame(err.Error()))
	}
}

func (ctl *ChannelWSController) handleBroadcast(room domain.RoomID, conn hub.ConnID, c *WsSubscriber, env Envelope) {
	if !json.Valid(env.Payload) {
		_ = c.TrySend(errorFrame(ErrPayloadNotJSON.Error()))
		return
	}
	_, err := ctl.Hub.Broadcast(room, conn, []byte(env.Payload))
	switch {
	case err == nil:
	case errors.Is(err, hub.ErrRateLimited):
		_ = c.TrySend(errorFrame("rate_limited"))
	default:
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(conn)).Msg("broadcast rejected")
		_ = c.TrySend(errorFrame("not_tracked"))
	}
}

func (ctl *ChannelWSController) handlePing(c *WsSubscriber) {
	b, _ := json.Marshal(Envelope{Type: TypePong})
	_ = c.TrySend(b)
}
