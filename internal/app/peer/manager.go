package peer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dkeye/meshvoice/internal/app/loop"
	"github.com/dkeye/meshvoice/internal/app/signaling"
	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrConnectTimeout   = errors.New("transport did not connect in time")
	ErrTransportFailed  = errors.New("transport failed")
	ErrTransportClosed  = errors.New("transport closed by remote")
	ErrRetriesExhausted = errors.New("negotiation retries exhausted")
)

type Sender interface {
	Send(ctx context.Context, m signaling.Message) error
}

// Hooks are called on the loop.
type Hooks struct {
	// IsPresent reports whether the peer is still in the presence set.
	IsPresent func(domain.ParticipantID) bool
	// OnStateChange is called on every session state transition.
	OnStateChange func(peer domain.ParticipantID, from, to State)
	// OnFailure is called for every failed attempt, before any retry.
	OnFailure func(peer domain.ParticipantID, cause error)
	// OnWarning is called once a peer has exhausted its retries.
	OnWarning func(peer domain.ParticipantID, err error)
	// OnClosed is called after a transport finished closing, unless a newer
	// session with the same peer exists by then.
	OnClosed func(peer domain.ParticipantID)
}

// Manager drives one session per remote participant. It is not safe for
// concurrent use: every method must run on the loop.
type Manager struct {
	self    domain.ParticipantID
	loop    *loop.Loop
	factory core.PeerTransportFactory
	relay   Sender
	cfg     Config
	hooks   Hooks
	track   webrtc.TrackLocal

	ctx    context.Context
	cancel context.CancelFunc

	sessions  map[domain.ParticipantID]*Session
	early     map[domain.ParticipantID]*earlyCandidates
	attempts  map[domain.ParticipantID]int
	failed    map[domain.ParticipantID]bool
	lastHeard map[domain.ParticipantID]time.Time
	expect    map[domain.ParticipantID]loop.Cancel
	gen       uint64
	closed    bool
}

// NewManager attaches track, if not nil, to every transport it creates.
func NewManager(self domain.ParticipantID, l *loop.Loop, factory core.PeerTransportFactory, relay Sender, track webrtc.TrackLocal, cfg Config, hooks Hooks) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	def := DefaultConfig()
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = def.NegotiationTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxBufferedCandidates <= 0 {
		cfg.MaxBufferedCandidates = def.MaxBufferedCandidates
	}
	return &Manager{
		self:      self,
		loop:      l,
		factory:   factory,
		relay:     relay,
		cfg:       cfg,
		hooks:     hooks,
		track:     track,
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[domain.ParticipantID]*Session),
		early:     make(map[domain.ParticipantID]*earlyCandidates),
		attempts:  make(map[domain.ParticipantID]int),
		failed:    make(map[domain.ParticipantID]bool),
		lastHeard: make(map[domain.ParticipantID]time.Time),
		expect:    make(map[domain.ParticipantID]loop.Cancel),
	}
}

// Discover reacts to a newly present peer. The side whose id sorts lower
// offers; the other waits one connect timeout for that offer before
// offering itself.
func (m *Manager) Discover(peer domain.ParticipantID) {
	if m.self < peer {
		m.Initiate(peer)
		return
	}
	m.Expect(peer)
}

// Expect initiates with peer after the connect timeout unless a session
// has been created by then.
func (m *Manager) Expect(peer domain.ParticipantID) {
	if m.closed || peer == m.self || m.failed[peer] {
		return
	}
	if _, ok := m.sessions[peer]; ok {
		return
	}
	if _, ok := m.expect[peer]; ok {
		return
	}
	m.expect[peer] = m.loop.AfterFunc(m.cfg.ConnectTimeout, func() {
		delete(m.expect, peer)
		if _, ok := m.sessions[peer]; ok || m.closed {
			return
		}
		if m.hooks.IsPresent == nil || m.hooks.IsPresent(peer) {
			log.Info().Str("module", "peer").Str("peer", string(peer)).Msg("no offer received, initiating")
			m.Initiate(peer)
		}
	})
}

// HandleMessage dispatches one message already filtered by the relay.
func (m *Manager) HandleMessage(msg signaling.Message) {
	switch msg.Kind {
	case signaling.KindOffer:
		m.OnOffer(msg)
	case signaling.KindAnswer:
		m.OnAnswer(msg)
	case signaling.KindCandidate:
		m.OnCandidate(msg)
	case signaling.KindHeartbeat:
		m.OnHeartbeat(msg.From)
	}
}

// Initiate starts a negotiation with peer. It does nothing if any session
// with peer already exists or the peer has permanently failed.
func (m *Manager) Initiate(peer domain.ParticipantID) {
	if m.closed || peer == m.self {
		return
	}
	if _, ok := m.sessions[peer]; ok {
		return
	}
	if m.failed[peer] {
		return
	}

	s, err := m.newSession(peer, uuid.NewString(), true)
	if err != nil {
		m.fail(peer, fmt.Errorf("creating transport: %w", err))
		return
	}
	m.setState(s, StateOffering)

	gen, tr, ctx := s.gen, s.transport, m.ctx
	timeout := m.cfg.NegotiationTimeout
	m.loop.Go(func() func() {
		opCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		offer, err := tr.CreateOffer(opCtx)
		return func() {
			s, ok := m.current(peer, gen)
			if !ok {
				return
			}
			if err != nil {
				m.fail(peer, fmt.Errorf("creating offer: %w", err))
				return
			}
			m.send(signaling.Message{Kind: signaling.KindOffer, To: peer, Session: s.ID, SDP: offer.SDP})
		}
	})
}

func (m *Manager) OnOffer(msg signaling.Message) {
	if m.closed {
		return
	}
	peer := msg.From
	if s, ok := m.sessions[peer]; ok {
		if s.ID == msg.Session {
			return
		}
		if s.Initiator && s.State == StateOffering {
			if m.self < peer {
				log.Debug().Str("module", "peer").Str("peer", string(peer)).Msg("glare: keeping own offer")
				return
			}
			log.Debug().Str("module", "peer").Str("peer", string(peer)).Msg("glare: yielding to remote offer")
		}
		m.closeSession(s)
	}

	s, err := m.newSession(peer, msg.Session, false)
	if err != nil {
		m.fail(peer, fmt.Errorf("creating transport: %w", err))
		return
	}
	m.setState(s, StateAnswerPending)
	if e := m.early[peer]; e != nil {
		s.pending = append(s.pending, e.take(msg.Session)...)
	}
	s.remote = remoteApplying

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP}
	gen, tr, ctx := s.gen, s.transport, m.ctx
	timeout := m.cfg.NegotiationTimeout
	m.loop.Go(func() func() {
		opCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		answer, err := tr.AcceptOffer(opCtx, offer)
		return func() {
			s, ok := m.current(peer, gen)
			if !ok {
				return
			}
			if err != nil {
				m.fail(peer, fmt.Errorf("accepting offer: %w", err))
				return
			}
			s.remote = remoteSet
			m.flushPending(s)
			m.send(signaling.Message{Kind: signaling.KindAnswer, To: peer, Session: s.ID, SDP: answer.SDP})
		}
	})
}

func (m *Manager) OnAnswer(msg signaling.Message) {
	if m.closed {
		return
	}
	peer := msg.From
	s, ok := m.sessions[peer]
	if !ok || !s.Initiator || s.State != StateOffering || s.ID != msg.Session || s.remote != remoteNone {
		log.Debug().Str("module", "peer").Str("peer", string(peer)).Str("session", msg.Session).Msg("ignoring stale answer")
		return
	}
	s.remote = remoteApplying

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}
	gen, tr := s.gen, s.transport
	m.loop.Go(func() func() {
		err := tr.ApplyAnswer(answer)
		return func() {
			s, ok := m.current(peer, gen)
			if !ok {
				return
			}
			if err != nil {
				m.fail(peer, fmt.Errorf("applying answer: %w", err))
				return
			}
			s.remote = remoteSet
			m.flushPending(s)
		}
	})
}

// OnCandidate applies a remote candidate, or holds it until the session
// it belongs to has its remote description.
func (m *Manager) OnCandidate(msg signaling.Message) {
	if m.closed || msg.Candidate == nil {
		return
	}
	peer := msg.From
	if s, ok := m.sessions[peer]; ok && s.ID == msg.Session {
		if s.remote == remoteSet {
			m.addCandidate(s, *msg.Candidate)
			return
		}
		if len(s.pending) < m.cfg.MaxBufferedCandidates {
			s.pending = append(s.pending, *msg.Candidate)
		}
		return
	}

	e := m.early[peer]
	if e == nil {
		e = &earlyCandidates{}
		m.early[peer] = e
	}
	if !e.add(msg.Session, *msg.Candidate, m.cfg.MaxBufferedCandidates) {
		log.Debug().Str("module", "peer").Str("peer", string(peer)).Msg("early candidate buffer full")
	}
}

// OnHeartbeat records that peer is alive. A heartbeat from a present peer
// this side has no session with restarts negotiation.
func (m *Manager) OnHeartbeat(peer domain.ParticipantID) {
	if m.closed {
		return
	}
	m.lastHeard[peer] = m.loop.Now()
	if _, ok := m.sessions[peer]; ok || m.failed[peer] {
		return
	}
	if m.hooks.IsPresent != nil && m.hooks.IsPresent(peer) {
		log.Info().Str("module", "peer").Str("peer", string(peer)).Msg("heartbeat from peer without session, initiating")
		m.Initiate(peer)
	}
}

// Heartbeat sends a heartbeat to every peer with a session.
func (m *Manager) Heartbeat() {
	if m.closed {
		return
	}
	for _, id := range m.peerIDs() {
		m.send(signaling.Message{Kind: signaling.KindHeartbeat, To: id})
	}
}

// Teardown closes the session with peer and forgets its history. Used on
// presence leave.
func (m *Manager) Teardown(peer domain.ParticipantID) {
	if s, ok := m.sessions[peer]; ok {
		m.closeSession(s)
	}
	delete(m.early, peer)
	delete(m.attempts, peer)
	delete(m.failed, peer)
	delete(m.lastHeard, peer)
	m.cancelExpect(peer)
}

// Close tears down every session. No callback from a transport created by
// this manager has any effect afterwards.
func (m *Manager) Close() {
	if m.closed {
		return
	}
	m.closed = true
	m.cancel()
	for _, id := range m.peerIDs() {
		s := m.sessions[id]
		delete(m.sessions, id)
		if s.cancelTimeout != nil {
			s.cancelTimeout()
		}
		prev := s.State
		s.State = StateClosed
		s.transport.Close()
		m.notify(id, prev, StateClosed)
	}
	m.early = make(map[domain.ParticipantID]*earlyCandidates)
	for id := range m.expect {
		m.cancelExpect(id)
	}
}

func (m *Manager) cancelExpect(peer domain.ParticipantID) {
	if cancel, ok := m.expect[peer]; ok {
		cancel()
		delete(m.expect, peer)
	}
}

func (m *Manager) State(peer domain.ParticipantID) State {
	if s, ok := m.sessions[peer]; ok {
		return s.State
	}
	return StateIdle
}

func (m *Manager) Failed(peer domain.ParticipantID) bool { return m.failed[peer] }

// Connected returns the peers whose session is Connected, sorted.
func (m *Manager) Connected() []domain.ParticipantID {
	var out []domain.ParticipantID
	for _, id := range m.peerIDs() {
		if m.sessions[id].State == StateConnected {
			out = append(out, id)
		}
	}
	return out
}

// Snapshot lists every peer with a session, failure or heartbeat record.
func (m *Manager) Snapshot() []Snapshot {
	ids := make(map[domain.ParticipantID]struct{})
	for id := range m.sessions {
		ids[id] = struct{}{}
	}
	for id := range m.failed {
		ids[id] = struct{}{}
	}
	for id := range m.lastHeard {
		ids[id] = struct{}{}
	}

	out := make([]Snapshot, 0, len(ids))
	for id := range ids {
		snap := Snapshot{
			PeerID:    id,
			State:     StateIdle,
			ICE:       core.TransportNew.String(),
			Attempts:  m.attempts[id],
			Failed:    m.failed[id],
			LastHeard: m.lastHeard[id],
		}
		if s, ok := m.sessions[id]; ok {
			snap.Session = s.ID
			snap.State = s.State
			snap.ICE = s.ICE.String()
			snap.Initiator = s.Initiator
		}
		snap.StateName = snap.State.String()
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

func (m *Manager) newSession(peer domain.ParticipantID, id string, initiator bool) (*Session, error) {
	tr, err := m.factory.NewPeerTransport(peer)
	if err != nil {
		return nil, err
	}
	if m.track != nil {
		if err := tr.AddLocalTrack(m.track); err != nil {
			tr.Close()
			return nil, fmt.Errorf("adding local track: %w", err)
		}
	}

	m.cancelExpect(peer)
	m.gen++
	s := &Session{
		PeerID:    peer,
		ID:        id,
		State:     StateIdle,
		Initiator: initiator,
		transport: tr,
		gen:       m.gen,
	}
	gen := s.gen

	tr.OnICECandidate(func(c webrtc.ICECandidateInit) {
		m.loop.Post(func() {
			if s, ok := m.current(peer, gen); ok {
				m.send(signaling.Message{Kind: signaling.KindCandidate, To: peer, Session: s.ID, Candidate: &c})
			}
		})
	})
	tr.OnStateChange(func(st core.TransportState) {
		m.loop.Post(func() { m.onTransportState(peer, gen, st) })
	})
	s.cancelTimeout = m.loop.AfterFunc(m.cfg.ConnectTimeout, func() {
		if s, ok := m.current(peer, gen); ok && s.State != StateConnected {
			m.fail(peer, ErrConnectTimeout)
		}
	})

	m.sessions[peer] = s
	return s, nil
}

func (m *Manager) onTransportState(peer domain.ParticipantID, gen uint64, st core.TransportState) {
	s, ok := m.current(peer, gen)
	if !ok {
		return
	}
	s.ICE = st
	switch st {
	case core.TransportConnected:
		if s.State == StateConnected {
			return
		}
		s.cancelTimeout()
		m.setState(s, StateConnected)
		delete(m.attempts, peer)
		delete(m.failed, peer)
		delete(m.early, peer)
		log.Info().Str("module", "peer").Str("peer", string(peer)).Bool("initiator", s.Initiator).Msg("peer connected")
	case core.TransportFailed:
		m.fail(peer, ErrTransportFailed)
	case core.TransportClosed:
		m.fail(peer, ErrTransportClosed)
	}
}

// fail tears down the session with peer and re-initiates once while the
// peer is present. Further failures mark the peer failed and warn.
func (m *Manager) fail(peer domain.ParticipantID, cause error) {
	if s, ok := m.sessions[peer]; ok {
		m.closeSession(s)
	}
	if m.hooks.OnFailure != nil {
		m.hooks.OnFailure(peer, cause)
	}
	m.attempts[peer]++
	attempt := m.attempts[peer]

	if m.hooks.IsPresent != nil && !m.hooks.IsPresent(peer) {
		delete(m.attempts, peer)
		log.Debug().Str("module", "peer").Str("peer", string(peer)).Err(cause).Msg("negotiation failed, peer gone")
		return
	}
	if attempt > m.cfg.MaxRetries {
		if m.failed[peer] {
			return
		}
		m.failed[peer] = true
		err := fmt.Errorf("%w for %s after %d attempts: %w", ErrRetriesExhausted, peer, attempt, cause)
		log.Warn().Str("module", "peer").Str("peer", string(peer)).Err(cause).Int("attempts", attempt).Msg("giving up on peer")
		if m.hooks.OnWarning != nil {
			m.hooks.OnWarning(peer, err)
		}
		return
	}
	log.Info().Str("module", "peer").Str("peer", string(peer)).Err(cause).Int("attempt", attempt).Msg("negotiation failed, retrying")
	m.Initiate(peer)
}

func (m *Manager) closeSession(s *Session) {
	delete(m.sessions, s.PeerID)
	if s.cancelTimeout != nil {
		s.cancelTimeout()
	}
	m.setState(s, StateClosed)
	tr, peer := s.transport, s.PeerID
	m.loop.Go(func() func() {
		tr.Close()
		return func() {
			if m.closed || m.hooks.OnClosed == nil {
				return
			}
			if _, ok := m.sessions[peer]; ok {
				return
			}
			m.hooks.OnClosed(peer)
		}
	})
}

func (m *Manager) flushPending(s *Session) {
	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		m.addCandidate(s, c)
	}
}

func (m *Manager) addCandidate(s *Session, c webrtc.ICECandidateInit) {
	if err := s.transport.AddICECandidate(c); err != nil {
		log.Debug().Str("module", "peer").Str("peer", string(s.PeerID)).Err(err).Msg("add candidate")
	}
}

func (m *Manager) send(msg signaling.Message) {
	if err := m.relay.Send(m.ctx, msg); err != nil {
		log.Warn().Str("module", "peer").Str("peer", string(msg.To)).Str("kind", string(msg.Kind)).Err(err).Msg("send failed")
	}
}

func (m *Manager) setState(s *Session, to State) {
	from := s.State
	if from == to {
		return
	}
	s.State = to
	m.notify(s.PeerID, from, to)
}

func (m *Manager) notify(peer domain.ParticipantID, from, to State) {
	log.Debug().Str("module", "peer").Str("peer", string(peer)).Str("from", from.String()).Str("to", to.String()).Msg("session state")
	if m.hooks.OnStateChange != nil {
		m.hooks.OnStateChange(peer, from, to)
	}
}

func (m *Manager) current(peer domain.ParticipantID, gen uint64) (*Session, bool) {
	if m.closed {
		return nil, false
	}
	s, ok := m.sessions[peer]
	if !ok || s.gen != gen {
		return nil, false
	}
	return s, true
}

func (m *Manager) peerIDs() []domain.ParticipantID {
	ids := make([]domain.ParticipantID, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
