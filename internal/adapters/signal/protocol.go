package signal

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
)

// Envelope is the JSON frame exchanged on a room channel websocket.
type Envelope struct {
	Type      string                  `json:"type"`
	Presence  *domain.PresenceRecord  `json:"presence,omitempty"`
	Presences []domain.PresenceRecord `json:"presences,omitempty"`
	Payload   json.RawMessage         `json:"payload,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

// Client to server.
const (
	TypeTrack     = "track"
	TypeBroadcast = "broadcast"
	TypePing      = "ping"
)

// Server to client. Broadcast payloads come back with TypeBroadcast.
const (
	TypePresenceSync  = "presence_sync"
	TypePresenceJoin  = "presence_join"
	TypePresenceLeave = "presence_leave"
	TypeMembership    = "membership"
	TypePong          = "pong"
	TypeError         = "error"
)

var ErrPayloadNotJSON = errors.New("broadcast payload must be JSON")

func encodeEvent(ev core.ChannelEvent) ([]byte, error) {
	env := Envelope{Presences: ev.Presences}
	switch ev.Kind {
	case core.EventPresenceSync:
		env.Type = TypePresenceSync
	case core.EventPresenceJoin:
		env.Type = TypePresenceJoin
	case core.EventPresenceLeave:
		env.Type = TypePresenceLeave
	case core.EventMembershipChanged:
		env.Type = TypeMembership
	case core.EventMessage:
		env.Type = TypeBroadcast
		env.Payload = json.RawMessage(ev.Payload)
	default:
		return nil, fmt.Errorf("event %s is not sent to clients", ev.Kind)
	}
	return json.Marshal(env)
}

// decodeEvent maps a server envelope to a channel event. ok is false for
// frames that carry no event (pong, error).
func decodeEvent(env Envelope) (core.ChannelEvent, bool) {
	switch env.Type {
	case TypePresenceSync:
		return core.ChannelEvent{Kind: core.EventPresenceSync, Presences: env.Presences}, true
	case TypePresenceJoin:
		return core.ChannelEvent{Kind: core.EventPresenceJoin, Presences: env.Presences}, true
	case TypePresenceLeave:
		return core.ChannelEvent{Kind: core.EventPresenceLeave, Presences: env.Presences}, true
	case TypeMembership:
		return core.ChannelEvent{Kind: core.EventMembershipChanged}, true
	case TypeBroadcast:
		return core.ChannelEvent{Kind: core.EventMessage, Payload: core.Frame(env.Payload)}, true
	}
	return core.ChannelEvent{}, false
}

func errorFrame(msg string) []byte {
	b, _ := json.Marshal(Envelope{Type: TypeError, Error: msg})
	return b
}
