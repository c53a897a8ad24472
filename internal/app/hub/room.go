package hub

import (
	"slices"
	"strings"
	"sync"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/rs/zerolog/log"
)

// ConnID identifies one channel subscription on the hub.
type ConnID string

type Member struct {
	Conn     ConnID
	Presence domain.PresenceRecord
	sub      core.Subscriber
}

// Room is the in-memory presence set of one room's channel.
// It never closes adapter-owned subscribers while holding its lock.
type Room struct {
	id            domain.RoomID
	mu            sync.RWMutex
	byConn        map[ConnID]*Member
	byParticipant map[domain.ParticipantID]ConnID
	closed        bool
}

func newRoom(id domain.RoomID) *Room {
	return &Room{
		id:            id,
		byConn:        make(map[ConnID]*Member),
		byParticipant: make(map[domain.ParticipantID]ConnID),
	}
}

func (r *Room) ID() domain.RoomID { return r.id }

func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// presencesLocked returns the presence set ordered by participant id.
func (r *Room) presencesLocked() []domain.PresenceRecord {
	out := make([]domain.PresenceRecord, 0, len(r.byConn))
	for _, m := range r.byConn {
		out = append(out, m.Presence)
	}
	slices.SortFunc(out, func(a, b domain.PresenceRecord) int {
		return strings.Compare(string(a.ParticipantID), string(b.ParticipantID))
	})
	return out
}

// fanoutLocked delivers ev to every member except skip and returns the
// members whose queue was full.
func (r *Room) fanoutLocked(skip ConnID, ev core.ChannelEvent) (sent int, dropped []*Member) {
	for conn, m := range r.byConn {
		if conn == skip {
			continue
		}
		if err := m.sub.Deliver(ev); err != nil {
			dropped = append(dropped, m)
			continue
		}
		sent++
	}
	log.Debug().Str("module", "hub").Str("room", string(r.id)).Str("event", ev.Kind.String()).
		Int("sent_to", sent).Int("dropped", len(dropped)).Msg("fanout")
	return sent, dropped
}

// removeLocked drops conn and reports whether its participant left the
// presence set.
func (r *Room) removeLocked(conn ConnID) (*Member, bool) {
	m, ok := r.byConn[conn]
	if !ok {
		return nil, false
	}
	delete(r.byConn, conn)
	if r.byParticipant[m.Presence.ParticipantID] != conn {
		return m, false
	}
	delete(r.byParticipant, m.Presence.ParticipantID)
	return m, true
}
