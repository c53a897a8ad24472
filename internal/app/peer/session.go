// Package peer owns the per-remote-participant negotiation state machines.
package peer

import (
	"time"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/pion/webrtc/v4"
)

type State int

const (
	StateIdle State = iota
	StateOffering
	StateAnswerPending
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAnswerPending:
		return "answer_pending"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// remoteDesc tracks whether the remote description has been applied, so
// candidates are only added once the transport can take them.
type remoteDesc int

const (
	remoteNone remoteDesc = iota
	remoteApplying
	remoteSet
)

// Session is one negotiation attempt with one remote participant. A
// superseded or torn-down session is never reused; callbacks compare gen
// to find out whether they still belong to the live session.
type Session struct {
	PeerID    domain.ParticipantID
	ID        string
	State     State
	ICE       core.TransportState
	Initiator bool

	transport     core.PeerTransport
	pending       []webrtc.ICECandidateInit
	remote        remoteDesc
	gen           uint64
	cancelTimeout func()
}

// Snapshot is a read-only view of a peer for the UI and tests.
type Snapshot struct {
	PeerID    domain.ParticipantID `json:"peer_id"`
	Session   string               `json:"session,omitempty"`
	State     State                `json:"-"`
	StateName string               `json:"state"`
	ICE       string               `json:"ice"`
	Initiator bool                 `json:"initiator"`
	Attempts  int                  `json:"attempts"`
	Failed    bool                 `json:"failed"`
	LastHeard time.Time            `json:"last_heard,omitzero"`
}

type Config struct {
	// NegotiationTimeout bounds a single offer or answer generation.
	NegotiationTimeout time.Duration
	// ConnectTimeout bounds the time from session creation to Connected.
	ConnectTimeout time.Duration
	// MaxRetries is how many re-initiations follow a failed attempt.
	MaxRetries int
	// MaxBufferedCandidates caps candidates held per unknown session.
	MaxBufferedCandidates int
}

func DefaultConfig() Config {
	return Config{
		NegotiationTimeout:    12 * time.Second,
		ConnectTimeout:        15 * time.Second,
		MaxRetries:            1,
		MaxBufferedCandidates: 64,
	}
}

// earlyCandidates holds candidates for sessions this side has not seen an
// offer for yet. Only the most recent few sessions are kept.
type earlyCandidates struct {
	order     []string
	bySession map[string][]webrtc.ICECandidateInit
}

const maxEarlySessions = 4

func (e *earlyCandidates) add(session string, c webrtc.ICECandidateInit, limit int) bool {
	if e.bySession == nil {
		e.bySession = make(map[string][]webrtc.ICECandidateInit)
	}
	list, ok := e.bySession[session]
	if !ok {
		if len(e.order) >= maxEarlySessions {
			delete(e.bySession, e.order[0])
			e.order = e.order[1:]
		}
		e.order = append(e.order, session)
	}
	if len(list) >= limit {
		return false
	}
	e.bySession[session] = append(list, c)
	return true
}

func (e *earlyCandidates) take(session string) []webrtc.ICECandidateInit {
	list, ok := e.bySession[session]
	if !ok {
		return nil
	}
	delete(e.bySession, session)
	for i, id := range e.order {
		if id == session {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return list
}
