// Package apptest provides in-memory collaborators for exercising room
// sessions without a network, a database or an audio device.
package apptest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/pion/webrtc/v4"
)

var ErrNoLocalDescription = errors.New("no local description")

type link struct{ owner, peer domain.ParticipantID }

// Network connects fake transports. Two transports connect once each one's
// remote description is the other's local description.
type Network struct {
	mu         sync.Mutex
	transports []*Transport
	seq        int
	failCreate map[link][]error
	failOffer  map[link][]error
	blocked    map[link]bool
}

func NewNetwork() *Network {
	return &Network{
		failCreate: make(map[link][]error),
		failOffer:  make(map[link][]error),
		blocked:    make(map[link]bool),
	}
}

// Factory returns the transport factory for one participant.
func (n *Network) Factory(owner domain.ParticipantID) core.PeerTransportFactory {
	return factory{n: n, owner: owner}
}

// FailCreate makes the next transport owner creates for peer fail.
func (n *Network) FailCreate(owner, peer domain.ParticipantID, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	k := link{owner, peer}
	n.failCreate[k] = append(n.failCreate[k], err)
}

// FailOffer makes the next offer owner creates for peer fail.
func (n *Network) FailOffer(owner, peer domain.ParticipantID, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	k := link{owner, peer}
	n.failOffer[k] = append(n.failOffer[k], err)
}

// Block keeps transports between a and b from ever connecting.
func (n *Network) Block(a, b domain.ParticipantID, blocked bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked[link{a, b}] = blocked
	n.blocked[link{b, a}] = blocked
}

// Transports returns every transport owner created for peer, oldest first.
func (n *Network) Transports(owner, peer domain.ParticipantID) []*Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*Transport
	for _, t := range n.transports {
		if t.Owner == owner && t.Peer == peer {
			out = append(out, t)
		}
	}
	return out
}

// Live returns the transports owner holds for peer that are not closed.
func (n *Network) Live(owner, peer domain.ParticipantID) []*Transport {
	var out []*Transport
	for _, t := range n.Transports(owner, peer) {
		if !t.Closed() {
			out = append(out, t)
		}
	}
	return out
}

// Fail drives every live transport between owner and peer to failed.
func (n *Network) Fail(owner, peer domain.ParticipantID) {
	for _, t := range n.Live(owner, peer) {
		t.setState(core.TransportFailed)
	}
}

type factory struct {
	n     *Network
	owner domain.ParticipantID
}

func (f factory) NewPeerTransport(peer domain.ParticipantID) (core.PeerTransport, error) {
	n := f.n
	n.mu.Lock()
	defer n.mu.Unlock()
	k := link{f.owner, peer}
	if errs := n.failCreate[k]; len(errs) > 0 {
		n.failCreate[k] = errs[1:]
		return nil, errs[0]
	}
	n.seq++
	t := &Transport{n: n, Owner: f.owner, Peer: peer, id: n.seq, state: core.TransportNew}
	n.transports = append(n.transports, t)
	return t, nil
}

func (n *Network) takeOfferErr(owner, peer domain.ParticipantID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	k := link{owner, peer}
	errs := n.failOffer[k]
	if len(errs) == 0 {
		return nil
	}
	n.failOffer[k] = errs[1:]
	return errs[0]
}

// tryConnect connects t with its counterpart if their descriptions match.
func (n *Network) tryConnect(t *Transport) {
	n.mu.Lock()
	if n.blocked[link{t.Owner, t.Peer}] {
		n.mu.Unlock()
		return
	}
	var other *Transport
	local, remote := t.descriptions()
	for _, u := range n.transports {
		if u == t || u.Owner != t.Peer || u.Peer != t.Owner || u.Closed() {
			continue
		}
		ul, ur := u.descriptions()
		if local != "" && ul == remote && ur == local {
			other = u
			break
		}
	}
	n.mu.Unlock()
	if other == nil {
		return
	}
	t.setState(core.TransportConnected)
	other.setState(core.TransportConnected)
}

// Transport is a fake core.PeerTransport.
type Transport struct {
	n     *Network
	Owner domain.ParticipantID
	Peer  domain.ParticipantID
	id    int

	mu         sync.Mutex
	local      string
	remote     string
	candidates []webrtc.ICECandidateInit
	tracks     []webrtc.TrackLocal
	state      core.TransportState
	closed     bool
	onCand     func(webrtc.ICECandidateInit)
	onState    func(core.TransportState)
}

func (t *Transport) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	if err := t.n.takeOfferErr(t.Owner, t.Peer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	sdp := fmt.Sprintf("offer %s>%s #%d", t.Owner, t.Peer, t.id)
	t.mu.Lock()
	t.local = sdp
	t.mu.Unlock()
	t.gather()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}, nil
}

func (t *Transport) AcceptOffer(_ context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	sdp := fmt.Sprintf("answer %s>%s #%d", t.Owner, t.Peer, t.id)
	t.mu.Lock()
	t.remote = offer.SDP
	t.local = sdp
	t.mu.Unlock()
	t.gather()
	t.n.tryConnect(t)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}, nil
}

func (t *Transport) ApplyAnswer(answer webrtc.SessionDescription) error {
	t.mu.Lock()
	if t.local == "" {
		t.mu.Unlock()
		return ErrNoLocalDescription
	}
	t.remote = answer.SDP
	t.mu.Unlock()
	t.n.tryConnect(t)
	return nil
}

func (t *Transport) AddICECandidate(c webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote == "" {
		return errors.New("remote description not set")
	}
	t.candidates = append(t.candidates, c)
	return nil
}

func (t *Transport) AddLocalTrack(track webrtc.TrackLocal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracks = append(t.tracks, track)
	return nil
}

func (t *Transport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCand = fn
}

func (t *Transport) OnStateChange(fn func(core.TransportState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = fn
}

func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()
	t.setState(core.TransportClosed)
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) State() core.TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Initiator reports whether t produced the offer of its negotiation.
func (t *Transport) Initiator() bool {
	local, _ := t.descriptions()
	return len(local) > 5 && local[:5] == "offer"
}

// RemoteCandidates returns the candidates applied to t.
func (t *Transport) RemoteCandidates() []webrtc.ICECandidateInit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), t.candidates...)
}

func (t *Transport) Tracks() []webrtc.TrackLocal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), t.tracks...)
}

func (t *Transport) descriptions() (string, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local, t.remote
}

// gather emits one local candidate for the current local description.
func (t *Transport) gather() {
	t.mu.Lock()
	fn := t.onCand
	c := webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%d 1 udp 1 10.0.0.%d 5000 typ host", t.id, t.id%250+1)}
	t.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (t *Transport) setState(st core.TransportState) {
	t.mu.Lock()
	if t.state == st || (t.state == core.TransportClosed) {
		t.mu.Unlock()
		return
	}
	t.state = st
	fn := t.onState
	t.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}
