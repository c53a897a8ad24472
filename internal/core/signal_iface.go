package core

import (
	"context"

	"github.com/dkeye/meshvoice/internal/domain"
)

// Frame is a raw binary payload.
type Frame []byte

// Subscriber is the server side of one channel subscription.
// Owned by the adapter; the adapter must Close() it.
type Subscriber interface {
	// Deliver must not block. A full outbound queue returns ErrBackpressure.
	Deliver(ChannelEvent) error
	Close()
}

type ChannelEventKind int

const (
	EventPresenceSync ChannelEventKind = iota
	EventPresenceJoin
	EventPresenceLeave
	EventMessage
	EventMembershipChanged
	// EventInterrupted means the channel lost its subscription and is
	// resubscribing. A fresh EventPresenceSync follows on success.
	EventInterrupted
)

func (k ChannelEventKind) String() string {
	switch k {
	case EventPresenceSync:
		return "presence_sync"
	case EventPresenceJoin:
		return "presence_join"
	case EventPresenceLeave:
		return "presence_leave"
	case EventMessage:
		return "message"
	case EventMembershipChanged:
		return "membership"
	case EventInterrupted:
		return "interrupted"
	}
	return "unknown"
}

type ChannelEvent struct {
	Kind      ChannelEventKind
	Presences []domain.PresenceRecord
	Payload   Frame
}

// Channel is a subscription to one room's broadcast channel. Delivery is
// best-effort fan-out to every other subscriber.
type Channel interface {
	Publish(ctx context.Context, payload Frame) error
	// Events is closed once the channel is closed.
	Events() <-chan ChannelEvent
	Close() error
}

type BroadcastTransport interface {
	// Subscribe joins the room's channel and tracks self in its presence.
	Subscribe(ctx context.Context, room domain.RoomID, self domain.PresenceRecord) (Channel, error)
}
