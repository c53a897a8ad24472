// Package hub is the server side of the room broadcast channel: per-room
// presence sets and best-effort fan-out between subscribers.
package hub

import (
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotTracked  = errors.New("connection is not tracked in room")
	ErrRateLimited = errors.New("rate limited")
)

type Config struct {
	// RateLimit is the number of broadcasts one connection may send per
	// RateInterval. Zero disables limiting.
	RateLimit    int
	RateInterval time.Duration
	Policy       Policy
}

func DefaultConfig() Config {
	return Config{
		RateLimit:    200,
		RateInterval: time.Second,
		Policy:       SimplePolicy{},
	}
}

type RoomInfo struct {
	ID      domain.RoomID `json:"id"`
	Members int           `json:"members"`
}

type PublishResult struct {
	SentTo  int
	Dropped int
}

type Hub struct {
	mu      sync.RWMutex
	rooms   map[domain.RoomID]*Room
	policy  Policy
	limiter *RateLimiter
	metrics *metrics
	now     func() time.Time
}

func New(cfg Config, reg prometheus.Registerer) *Hub {
	if cfg.Policy == nil {
		cfg.Policy = SimplePolicy{}
	}
	return &Hub{
		rooms:   make(map[domain.RoomID]*Room),
		policy:  cfg.Policy,
		limiter: NewRateLimiter(cfg.RateLimit, cfg.RateInterval),
		metrics: newMetrics(reg),
		now:     time.Now,
	}
}

func (h *Hub) getOrCreate(id domain.RoomID) *Room {
	h.mu.RLock()
	r, ok := h.rooms[id]
	h.mu.RUnlock()
	if ok {
		return r
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok = h.rooms[id]; ok {
		return r
	}
	r = newRoom(id)
	h.rooms[id] = r
	return r
}

func (h *Hub) lookup(id domain.RoomID) (*Room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[id]
	return r, ok
}

// prune forgets a room once its last subscriber is gone.
func (h *Hub) prune(id domain.RoomID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[id]
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.byConn) == 0 {
		r.closed = true
		delete(h.rooms, id)
	}
}

// Track adds conn to the room's presence set. The new subscriber receives
// the full presence set and every other subscriber a join. A previous
// connection of the same participant is replaced and closed without a
// leave, so peers keep their sessions with it.
func (h *Hub) Track(roomID domain.RoomID, conn ConnID, rec domain.PresenceRecord, sub core.Subscriber) error {
	if err := roomID.Validate(); err != nil {
		return err
	}
	if err := rec.ParticipantID.Validate(); err != nil {
		return err
	}
	rec.LastAnnouncedAt = h.now().UTC()

	var r *Room
	for {
		r = h.getOrCreate(roomID)
		r.mu.Lock()
		if !r.closed {
			break
		}
		r.mu.Unlock()
	}

	var stale []*Member
	if prev, ok := r.byConn[conn]; ok && prev.Presence.ParticipantID != rec.ParticipantID {
		if _, left := r.removeLocked(conn); left {
			r.fanoutLocked(conn, core.ChannelEvent{Kind: core.EventPresenceLeave, Presences: []domain.PresenceRecord{prev.Presence}})
		}
		h.metrics.subscribers.Dec()
	}
	if old, ok := r.byParticipant[rec.ParticipantID]; ok && old != conn {
		if m, _ := r.removeLocked(old); m != nil {
			stale = append(stale, m)
			h.metrics.subscribers.Dec()
		}
	}

	m := &Member{Conn: conn, Presence: rec, sub: sub}
	if _, ok := r.byConn[conn]; !ok {
		h.metrics.subscribers.Inc()
	}
	r.byConn[conn] = m
	r.byParticipant[rec.ParticipantID] = conn

	if err := sub.Deliver(core.ChannelEvent{Kind: core.EventPresenceSync, Presences: r.presencesLocked()}); err != nil {
		log.Warn().Err(err).Str("module", "hub").Str("conn", string(conn)).Msg("presence sync not delivered")
	}
	r.fanoutLocked(conn, core.ChannelEvent{Kind: core.EventPresenceJoin, Presences: []domain.PresenceRecord{rec}})
	r.mu.Unlock()

	for _, m := range stale {
		h.limiter.Forget(m.Conn)
		m.sub.Close()
		log.Info().Str("module", "hub").Str("room", string(roomID)).Str("conn", string(m.Conn)).
			Str("participant", string(m.Presence.ParticipantID)).Msg("replaced connection")
	}
	log.Info().Str("module", "hub").Str("room", string(roomID)).Str("conn", string(conn)).
		Str("participant", string(rec.ParticipantID)).Msg("tracked")
	return nil
}

// Untrack removes conn and broadcasts its leave. It reports whether conn
// was tracked.
func (h *Hub) Untrack(roomID domain.RoomID, conn ConnID) bool {
	r, ok := h.lookup(roomID)
	if !ok {
		return false
	}
	r.mu.Lock()
	m, left := r.removeLocked(conn)
	if m != nil && left {
		r.fanoutLocked(conn, core.ChannelEvent{Kind: core.EventPresenceLeave, Presences: []domain.PresenceRecord{m.Presence}})
	}
	r.mu.Unlock()
	if m == nil {
		return false
	}
	h.metrics.subscribers.Dec()
	h.limiter.Forget(conn)
	h.prune(roomID)
	log.Info().Str("module", "hub").Str("room", string(roomID)).Str("conn", string(conn)).
		Str("participant", string(m.Presence.ParticipantID)).Msg("untracked")
	return true
}

// Broadcast fans payload out to every other subscriber of the room.
func (h *Hub) Broadcast(roomID domain.RoomID, from ConnID, payload core.Frame) (PublishResult, error) {
	r, ok := h.lookup(roomID)
	if !ok {
		return PublishResult{}, ErrNotTracked
	}
	if !h.limiter.Allow(from) {
		h.metrics.messages.WithLabelValues("limited").Inc()
		return PublishResult{}, ErrRateLimited
	}
	r.mu.RLock()
	if _, ok := r.byConn[from]; !ok {
		r.mu.RUnlock()
		return PublishResult{}, ErrNotTracked
	}
	sent, dropped := r.fanoutLocked(from, core.ChannelEvent{Kind: core.EventMessage, Payload: payload})
	r.mu.RUnlock()

	h.metrics.messages.WithLabelValues("sent").Add(float64(sent))
	h.metrics.messages.WithLabelValues("dropped").Add(float64(len(dropped)))
	h.onBackPressure(r, dropped)
	return PublishResult{SentTo: sent, Dropped: len(dropped)}, nil
}

// NotifyMembership tells every subscriber of the room that its membership
// rows changed.
func (h *Hub) NotifyMembership(roomID domain.RoomID) {
	r, ok := h.lookup(roomID)
	if !ok {
		return
	}
	r.mu.RLock()
	_, dropped := r.fanoutLocked("", core.ChannelEvent{Kind: core.EventMembershipChanged})
	r.mu.RUnlock()
	h.onBackPressure(r, dropped)
}

func (h *Hub) onBackPressure(r *Room, dropped []*Member) {
	for _, m := range dropped {
		switch h.policy.OnBackPressure(r, m) {
		case KickMember:
			log.Warn().Str("module", "hub").Str("room", string(r.id)).Str("conn", string(m.Conn)).Msg("kicking slow subscriber")
			h.Untrack(r.id, m.Conn)
			m.sub.Close()
		case DropFrame, NoAction:
		}
	}
}

func (h *Hub) Presences(roomID domain.RoomID) []domain.PresenceRecord {
	r, ok := h.lookup(roomID)
	if !ok {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.presencesLocked()
}

func (h *Hub) Rooms() []RoomInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]RoomInfo, 0, len(h.rooms))
	for id, r := range h.rooms {
		out = append(out, RoomInfo{ID: id, Members: r.MemberCount()})
	}
	slices.SortFunc(out, func(a, b RoomInfo) int { return strings.Compare(string(a.ID), string(b.ID)) })
	return out
}

// Close closes every subscriber. Adapters untrack them as their pumps exit.
func (h *Hub) Close() {
	h.mu.RLock()
	var subs []core.Subscriber
	for _, r := range h.rooms {
		r.mu.RLock()
		for _, m := range r.byConn {
			subs = append(subs, m.sub)
		}
		r.mu.RUnlock()
	}
	h.mu.RUnlock()
	for _, s := range subs {
		s.Close()
	}
}
