// Package membership keeps the presence-derived set of remote participants
// for the active room.
package membership

import (
	"sort"

	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/rs/zerolog/log"
)

// Delta lists the participants that appeared and disappeared with one
// presence event.
type Delta struct {
	Joined []domain.ParticipantID
	Left   []domain.ParticipantID
}

func (d Delta) Empty() bool { return len(d.Joined) == 0 && len(d.Left) == 0 }

// Tracker is not safe for concurrent use; it lives on the room loop.
type Tracker struct {
	self   domain.ParticipantID
	peers  map[domain.ParticipantID]domain.PresenceRecord
	synced bool
}

func NewTracker(self domain.ParticipantID) *Tracker {
	return &Tracker{
		self:  self,
		peers: make(map[domain.ParticipantID]domain.PresenceRecord),
	}
}

// OnPresenceSync replaces the set wholesale. Ids not known before are
// reported as joined, known ids missing from current as left.
func (t *Tracker) OnPresenceSync(current []domain.PresenceRecord) Delta {
	next := make(map[domain.ParticipantID]domain.PresenceRecord, len(current))
	for _, rec := range current {
		if rec.ParticipantID == t.self || rec.ParticipantID == "" {
			continue
		}
		next[rec.ParticipantID] = rec
	}

	var d Delta
	for id := range next {
		if _, ok := t.peers[id]; !ok {
			d.Joined = append(d.Joined, id)
		}
	}
	for id := range t.peers {
		if _, ok := next[id]; !ok {
			d.Left = append(d.Left, id)
		}
	}
	t.peers = next
	t.synced = true
	d.sort()

	log.Debug().Str("module", "membership").Int("peers", len(next)).Int("joined", len(d.Joined)).Int("left", len(d.Left)).Msg("presence sync")
	return d
}

func (t *Tracker) OnPresenceJoin(recs []domain.PresenceRecord) Delta {
	var d Delta
	for _, rec := range recs {
		if rec.ParticipantID == t.self || rec.ParticipantID == "" {
			continue
		}
		if _, ok := t.peers[rec.ParticipantID]; !ok {
			d.Joined = append(d.Joined, rec.ParticipantID)
		}
		t.peers[rec.ParticipantID] = rec
	}
	d.sort()
	return d
}

func (t *Tracker) OnPresenceLeave(recs []domain.PresenceRecord) Delta {
	var d Delta
	for _, rec := range recs {
		if _, ok := t.peers[rec.ParticipantID]; ok {
			delete(t.peers, rec.ParticipantID)
			d.Left = append(d.Left, rec.ParticipantID)
		}
	}
	d.sort()
	return d
}

// Interrupt marks the view as unverified until the next sync. The known
// set is kept so sessions survive a short resubscription.
func (t *Tracker) Interrupt() { t.synced = false }

// Synced reports whether the view has been confirmed by a sync since the
// last interruption.
func (t *Tracker) Synced() bool { return t.synced }

func (t *Tracker) Contains(id domain.ParticipantID) bool {
	_, ok := t.peers[id]
	return ok
}

func (t *Tracker) Presence(id domain.ParticipantID) (domain.PresenceRecord, bool) {
	rec, ok := t.peers[id]
	return rec, ok
}

// CurrentPeers returns the known remote participants in sorted order.
func (t *Tracker) CurrentPeers() []domain.ParticipantID {
	out := make([]domain.ParticipantID, 0, len(t.peers))
	for id := range t.peers {
		out = append(out, id)
	}
	sortIDs(out)
	return out
}

func (t *Tracker) Reset() {
	t.peers = make(map[domain.ParticipantID]domain.PresenceRecord)
	t.synced = false
}

func (d *Delta) sort() {
	sortIDs(d.Joined)
	sortIDs(d.Left)
}

func sortIDs(ids []domain.ParticipantID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
