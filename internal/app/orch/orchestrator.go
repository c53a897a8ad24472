// Package orch wires the membership tracker, signaling relay, peer session
// manager, activity detector and liveness reconciler into one coordinator
// per participant.
package orch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/meshvoice/internal/app/liveness"
	"github.com/dkeye/meshvoice/internal/app/peer"
	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// AudioPrefs are the local audio preferences applied on every connect.
type AudioPrefs struct {
	DeviceID         string
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	PushToTalk       bool
}

func (p AudioPrefs) constraints() core.CaptureConstraints {
	return core.CaptureConstraints{
		DeviceID:         p.DeviceID,
		EchoCancellation: p.EchoCancellation,
		NoiseSuppression: p.NoiseSuppression,
		AutoGainControl:  p.AutoGainControl,
	}
}

type Config struct {
	Self              domain.Participant
	Audio             AudioPrefs
	Threshold         int
	SampleInterval    time.Duration
	HeartbeatInterval time.Duration
	Peer              peer.Config
	Liveness          liveness.Config
}

// Deps are the external collaborators. Registerer may be nil.
type Deps struct {
	Transport  core.BroadcastTransport
	Store      core.Store
	Capture    core.Capture
	Peers      core.PeerTransportFactory
	Playback   core.Playback
	Registerer prometheus.Registerer
}

// Coordinator is safe for concurrent use. At most one room is joined at a
// time.
type Coordinator struct {
	cfg     Config
	deps    Deps
	metrics *metrics
	capture *sharedCapture
	level   atomic.Int32

	mu       sync.Mutex
	session  *roomSession
	muted    bool
	deafened bool
	talking  bool
	warn     func(domain.ParticipantID, error)
}

func New(cfg Config, deps Deps) (*Coordinator, error) {
	if err := cfg.Self.ID.Validate(); err != nil {
		return nil, fmt.Errorf("participant: %w", err)
	}
	if deps.Transport == nil || deps.Store == nil || deps.Capture == nil || deps.Peers == nil {
		return nil, fmt.Errorf("orch: transport, store, capture and peer factory are required")
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 16 * time.Millisecond
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.Self.DisplayName == "" {
		cfg.Self.DisplayName = string(cfg.Self.ID)
	}
	m, err := newMetrics(deps.Registerer)
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		cfg:     cfg,
		deps:    deps,
		metrics: m,
		capture: newSharedCapture(deps.Capture),
	}, nil
}

func (c *Coordinator) Self() domain.ParticipantID { return c.cfg.Self.ID }

// Connect joins room. Capture failure and subscription failure abort the
// join; everything else degrades and is retried in the background.
func (c *Coordinator) Connect(ctx context.Context, room domain.RoomID) error {
	if err := room.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return core.ErrAlreadyConnected
	}

	track, err := c.capture.acquire(ctx, c.cfg.Audio.constraints())
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrCaptureUnavailable, err)
	}

	self := domain.PresenceRecord{
		ParticipantID:   c.cfg.Self.ID,
		DisplayName:     c.cfg.Self.DisplayName,
		LastAnnouncedAt: time.Now().UTC(),
	}
	ch, err := c.deps.Transport.Subscribe(ctx, room, self)
	if err != nil {
		c.capture.release(track)
		return fmt.Errorf("subscribing to %s: %w", room, err)
	}

	rs := newRoomSession(c, room, track, ch, roomFlags{muted: c.muted || c.deafened, deafened: c.deafened, talking: c.talking})
	rs.start()
	c.session = rs

	log.Info().Str("module", "orch").Str("room", string(room)).Str("self", string(c.cfg.Self.ID)).Msg("connected")
	return nil
}

// Disconnect leaves the room. Once it returns no callback of the old
// session runs any more.
func (c *Coordinator) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	rs := c.session
	c.session = nil
	c.muted, c.deafened, c.talking = false, false, false
	c.mu.Unlock()
	if rs == nil {
		return core.ErrNotConnected
	}
	rs.stop(ctx)
	c.level.Store(0)
	if c.deps.Playback != nil {
		c.deps.Playback.SetDeafened(false)
	}
	log.Info().Str("module", "orch").Str("room", string(rs.room)).Msg("disconnected")
	return nil
}

// Room returns the joined room, if any.
func (c *Coordinator) Room() (domain.RoomID, bool) {
	rs := c.current()
	if rs == nil {
		return "", false
	}
	return rs.room, true
}

func (c *Coordinator) SetMuted(muted bool) error {
	c.mu.Lock()
	c.muted = muted
	rs := c.session
	c.mu.Unlock()
	if rs == nil {
		return nil
	}
	return rs.do(func() { rs.setMuted(muted) })
}

// SetDeafened also mutes. Undeafening leaves mute as it is.
func (c *Coordinator) SetDeafened(deafened bool) error {
	c.mu.Lock()
	c.deafened = deafened
	if deafened {
		c.muted = true
	}
	rs := c.session
	c.mu.Unlock()
	if c.deps.Playback != nil {
		c.deps.Playback.SetDeafened(deafened)
	}
	if rs == nil {
		return nil
	}
	return rs.do(func() { rs.setDeafened(deafened) })
}

// SetTalking is the push-to-talk key. It has no effect in voice activity
// mode.
func (c *Coordinator) SetTalking(talking bool) error {
	c.mu.Lock()
	c.talking = talking
	rs := c.session
	c.mu.Unlock()
	if rs == nil {
		return nil
	}
	return rs.do(func() { rs.setTalking(talking) })
}

// SetVisibility reports whether the client is in the foreground.
func (c *Coordinator) SetVisibility(visible bool) {
	if rs := c.current(); rs != nil {
		rs.loop.Post(func() { rs.rec.SetVisible(visible) })
	}
}

func (c *Coordinator) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

func (c *Coordinator) Deafened() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deafened
}

// CurrentPeers returns the remote participants presence reports, sorted.
func (c *Coordinator) CurrentPeers() []domain.ParticipantID {
	var out []domain.ParticipantID
	if rs := c.current(); rs != nil {
		_ = rs.do(func() { out = rs.tracker.CurrentPeers() })
	}
	return out
}

// LocalLevel is the latest 0..100 microphone level.
func (c *Coordinator) LocalLevel() int { return int(c.level.Load()) }

// IsSpeaking reports the local flag for self and the last known row flag
// for everyone else.
func (c *Coordinator) IsSpeaking(id domain.ParticipantID) bool {
	rs := c.current()
	if rs == nil {
		return false
	}
	var speaking bool
	_ = rs.do(func() {
		if id == c.cfg.Self.ID {
			speaking = rs.detector.State().IsSpeakingLocal
			return
		}
		for _, row := range rs.rows {
			if row.ParticipantID == id {
				speaking = row.IsSpeaking
				return
			}
		}
	})
	return speaking
}

// Participants returns the last fetched membership rows of the room.
func (c *Coordinator) Participants() []domain.RoomMembership {
	var out []domain.RoomMembership
	if rs := c.current(); rs != nil {
		_ = rs.do(func() { out = append(out, rs.rows...) })
	}
	return out
}

// Peers returns a snapshot of every peer session.
func (c *Coordinator) Peers() []peer.Snapshot {
	var out []peer.Snapshot
	if rs := c.current(); rs != nil {
		_ = rs.do(func() { out = rs.peers.Snapshot() })
	}
	return out
}

func (c *Coordinator) Devices() []core.Device { return c.deps.Capture.Devices() }

// OnWarning sets the callback for per-peer negotiation warnings. It runs
// on the room loop and must not block.
func (c *Coordinator) OnWarning(fn func(domain.ParticipantID, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warn = fn
}

func (c *Coordinator) warning(id domain.ParticipantID, err error) {
	c.mu.Lock()
	fn := c.warn
	c.mu.Unlock()
	if fn != nil {
		fn(id, err)
	}
}

func (c *Coordinator) current() *roomSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}
