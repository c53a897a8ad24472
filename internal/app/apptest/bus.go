package apptest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
)

const channelBuffer = 512

// Bus is an in-memory core.BroadcastTransport with presence tracking.
type Bus struct {
	mu           sync.Mutex
	rooms        map[domain.RoomID]map[*Channel]struct{}
	drop         func(from domain.ParticipantID, payload core.Frame) bool
	subscribeErr []error
	now          func() time.Time
}

func NewBus() *Bus {
	return &Bus{
		rooms: make(map[domain.RoomID]map[*Channel]struct{}),
		now:   time.Now,
	}
}

// SetDrop installs a filter; payloads it returns true for are not
// delivered to anyone.
func (b *Bus) SetDrop(fn func(from domain.ParticipantID, payload core.Frame) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drop = fn
}

// FailSubscribe makes the next Subscribe fail with err.
func (b *Bus) FailSubscribe(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribeErr = append(b.subscribeErr, err)
}

func (b *Bus) Subscribe(_ context.Context, room domain.RoomID, self domain.PresenceRecord) (core.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subscribeErr) > 0 {
		err := b.subscribeErr[0]
		b.subscribeErr = b.subscribeErr[1:]
		return nil, err
	}

	if self.LastAnnouncedAt.IsZero() {
		self.LastAnnouncedAt = b.now()
	}
	ch := &Channel{bus: b, room: room, self: self, events: make(chan core.ChannelEvent, channelBuffer)}
	members := b.rooms[room]
	if members == nil {
		members = make(map[*Channel]struct{})
		b.rooms[room] = members
	}
	members[ch] = struct{}{}

	ch.emit(core.ChannelEvent{Kind: core.EventPresenceSync, Presences: b.presencesLocked(room)})
	for other := range members {
		if other != ch {
			other.emit(core.ChannelEvent{Kind: core.EventPresenceJoin, Presences: []domain.PresenceRecord{self}})
		}
	}
	return ch, nil
}

// Crash removes a participant's channel the way an abrupt process exit
// would: others see a presence leave, the owner sees nothing more.
func (b *Bus) Crash(room domain.RoomID, id domain.ParticipantID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.rooms[room] {
		if ch.self.ParticipantID == id {
			b.removeLocked(ch)
		}
	}
}

// Resubscribe simulates a dropped and restored subscription for id.
func (b *Bus) Resubscribe(room domain.RoomID, id domain.ParticipantID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.rooms[room] {
		if ch.self.ParticipantID == id {
			ch.emit(core.ChannelEvent{Kind: core.EventInterrupted})
			ch.emit(core.ChannelEvent{Kind: core.EventPresenceSync, Presences: b.presencesLocked(room)})
		}
	}
}

// NotifyMembership tells every subscriber of room that rows changed.
func (b *Bus) NotifyMembership(room domain.RoomID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.rooms[room] {
		ch.emit(core.ChannelEvent{Kind: core.EventMembershipChanged})
	}
}

// Present lists the participants subscribed to room, sorted.
func (b *Bus) Present(room domain.RoomID) []domain.ParticipantID {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.ParticipantID
	for _, p := range b.presencesLocked(room) {
		out = append(out, p.ParticipantID)
	}
	return out
}

func (b *Bus) presencesLocked(room domain.RoomID) []domain.PresenceRecord {
	var out []domain.PresenceRecord
	for ch := range b.rooms[room] {
		out = append(out, ch.self)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

func (b *Bus) removeLocked(ch *Channel) {
	members := b.rooms[ch.room]
	if _, ok := members[ch]; !ok {
		return
	}
	delete(members, ch)
	ch.closed = true
	close(ch.events)
	for other := range members {
		other.emit(core.ChannelEvent{Kind: core.EventPresenceLeave, Presences: []domain.PresenceRecord{ch.self}})
	}
}

// Channel is one subscription on a Bus.
type Channel struct {
	bus    *Bus
	room   domain.RoomID
	self   domain.PresenceRecord
	events chan core.ChannelEvent
	closed bool
}

func (c *Channel) Publish(_ context.Context, payload core.Frame) error {
	b := c.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return core.ErrClosed
	}
	if b.drop != nil && b.drop(c.self.ParticipantID, payload) {
		return nil
	}
	for other := range b.rooms[c.room] {
		if other != c {
			other.emit(core.ChannelEvent{Kind: core.EventMessage, Payload: append(core.Frame(nil), payload...)})
		}
	}
	return nil
}

func (c *Channel) Events() <-chan core.ChannelEvent { return c.events }

func (c *Channel) Close() error {
	b := c.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return errors.New("channel already closed")
	}
	b.removeLocked(c)
	return nil
}

// emit must be called with the bus lock held. Full buffers drop events.
func (c *Channel) emit(ev core.ChannelEvent) {
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
	}
}
