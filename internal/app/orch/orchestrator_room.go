package orch

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/meshvoice/internal/app/activity"
	"github.com/dkeye/meshvoice/internal/app/liveness"
	"github.com/dkeye/meshvoice/internal/app/loop"
	"github.com/dkeye/meshvoice/internal/app/membership"
	"github.com/dkeye/meshvoice/internal/app/peer"
	"github.com/dkeye/meshvoice/internal/app/signaling"
	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/rs/zerolog/log"
)

type roomFlags struct {
	muted    bool
	deafened bool
	talking  bool
}

// roomSession is one joined room. Everything below the lifecycle fields
// is owned by the loop.
type roomSession struct {
	c     *Coordinator
	room  domain.RoomID
	self  domain.ParticipantID
	loop  *loop.Loop
	ch    core.Channel
	track core.AudioTrack

	ctx      context.Context
	cancel   context.CancelFunc
	writes   sync.WaitGroup
	pumpDone chan struct{}
	runDone  chan struct{}

	tracker  *membership.Tracker
	relay    *signaling.Relay
	peers    *peer.Manager
	detector *activity.Detector
	rec      *liveness.Reconciler

	flags         roomFlags
	rows          []domain.RoomMembership
	rowReady      bool
	inserting     bool
	writing       bool
	queued        domain.MembershipFields
	retry         domain.MembershipFields
	refreshing    bool
	refreshAgain  bool
	stopSampler   loop.Cancel
	stopHeartbeat loop.Cancel
	closed        bool
}

func newRoomSession(c *Coordinator, room domain.RoomID, track core.AudioTrack, ch core.Channel, flags roomFlags) *roomSession {
	self := c.cfg.Self.ID
	l := loop.New()
	ctx, cancel := context.WithCancel(context.Background())
	rs := &roomSession{
		c:        c,
		room:     room,
		self:     self,
		loop:     l,
		ch:       ch,
		track:    track,
		ctx:      ctx,
		cancel:   cancel,
		pumpDone: make(chan struct{}),
		runDone:  make(chan struct{}),
		flags:    flags,
	}

	rs.tracker = membership.NewTracker(self)
	rs.relay = signaling.NewRelay(self, ch)
	rs.peers = peer.NewManager(self, l, c.deps.Peers, rs.relay, track.Track(), c.cfg.Peer, peer.Hooks{
		IsPresent:     rs.tracker.Contains,
		OnStateChange: c.metrics.peerState,
		OnFailure:     func(domain.ParticipantID, error) { c.metrics.failures.Inc() },
		OnWarning:     c.warning,
		OnClosed:      rs.forgetAudio,
	})
	rs.relay.OnMessage(rs.peers.HandleMessage)
	rs.detector = activity.NewDetector(c.cfg.Threshold, c.cfg.Audio.PushToTalk, rs.publishSpeaking)
	rs.rec = liveness.New(room, self, l, c.deps.Store, rs.tracker, c.cfg.Liveness, liveness.Hooks{
		OnPass:  rs.onPass,
		OnStale: rs.onStale,
	})
	return rs
}

func (rs *roomSession) start() {
	go func() {
		defer close(rs.runDone)
		_ = rs.loop.Run(context.Background())
	}()
	go rs.pump()
	rs.loop.Post(rs.init)
}

func (rs *roomSession) init() {
	rs.detector.SetMuted(rs.flags.muted)
	rs.detector.SetDeafened(rs.flags.deafened)
	rs.detector.SetTalking(rs.flags.talking || !rs.c.cfg.Audio.PushToTalk)
	rs.applyGate()
	rs.insertRow()
	rs.rec.Start()
	rs.stopSampler = rs.loop.Every(rs.c.cfg.SampleInterval, rs.sample)
	rs.stopHeartbeat = rs.loop.Every(rs.c.cfg.HeartbeatInterval, rs.peers.Heartbeat)
}

// pump moves channel events onto the loop.
func (rs *roomSession) pump() {
	defer close(rs.pumpDone)
	for ev := range rs.ch.Events() {
		if !rs.loop.Post(func() { rs.onEvent(ev) }) {
			return
		}
	}
	rs.loop.Post(rs.onChannelLost)
}

func (rs *roomSession) onEvent(ev core.ChannelEvent) {
	if rs.closed {
		return
	}
	switch ev.Kind {
	case core.EventPresenceSync:
		rs.applyDelta(rs.tracker.OnPresenceSync(ev.Presences))
		rs.refreshRows()
	case core.EventPresenceJoin:
		rs.applyDelta(rs.tracker.OnPresenceJoin(ev.Presences))
	case core.EventPresenceLeave:
		rs.applyDelta(rs.tracker.OnPresenceLeave(ev.Presences))
	case core.EventMessage:
		rs.relay.Deliver(ev.Payload)
	case core.EventMembershipChanged:
		rs.refreshRows()
	case core.EventInterrupted:
		log.Info().Str("module", "orch").Str("room", string(rs.room)).Msg("channel interrupted, waiting for resync")
		rs.tracker.Interrupt()
	}
}

func (rs *roomSession) onChannelLost() {
	if rs.closed {
		return
	}
	log.Warn().Str("module", "orch").Str("room", string(rs.room)).Msg("broadcast channel closed")
	rs.tracker.Interrupt()
}

func (rs *roomSession) applyDelta(d membership.Delta) {
	for _, id := range d.Left {
		log.Info().Str("module", "orch").Str("room", string(rs.room)).Str("peer", string(id)).Msg("peer left")
		rs.dropPeer(id)
		rs.deleteRow(id)
	}
	for _, id := range d.Joined {
		log.Info().Str("module", "orch").Str("room", string(rs.room)).Str("peer", string(id)).Msg("peer joined")
		rs.peers.Discover(id)
	}
}

func (rs *roomSession) dropPeer(id domain.ParticipantID) {
	rs.peers.Teardown(id)
	for i, row := range rs.rows {
		if row.ParticipantID == id {
			rs.rows = append(rs.rows[:i:i], rs.rows[i+1:]...)
			break
		}
	}
}

// forgetAudio runs once the peer's transport is closed, so no late packet
// can bring its playback stream back.
func (rs *roomSession) forgetAudio(id domain.ParticipantID) {
	if rs.c.deps.Playback != nil {
		rs.c.deps.Playback.Forget(id)
	}
}

func (rs *roomSession) onStale(id domain.ParticipantID) {
	rs.c.metrics.reconcileDeletes.Inc()
	rs.dropPeer(id)
}

// onPass refreshes the row cache and repairs the local row.
func (rs *roomSession) onPass(rows []domain.RoomMembership) {
	rs.rows = rows
	if rs.inserting {
		return
	}
	found := false
	for _, row := range rows {
		if row.ParticipantID == rs.self {
			found = true
			break
		}
	}
	switch {
	case !found:
		log.Info().Str("module", "orch").Str("room", string(rs.room)).Msg("own membership row missing, re-inserting")
		rs.rowReady = false
		rs.insertRow()
	case !rs.rowReady:
		rs.rowReady = true
		rs.queued = rs.currentFields()
		rs.retry = domain.MembershipFields{}
		rs.flushWrites()
	case !rs.retry.Empty():
		rs.queued = rs.retry.Merge(rs.queued)
		rs.retry = domain.MembershipFields{}
		rs.flushWrites()
	}
}

func (rs *roomSession) sample() {
	st := rs.detector.Sample(rs.track)
	rs.c.level.Store(int32(st.LevelPercent))
}

func (rs *roomSession) publishSpeaking(speaking bool) {
	rs.write(domain.MembershipFields{IsSpeaking: domain.Bool(speaking)})
}

func (rs *roomSession) setMuted(muted bool) {
	rs.flags.muted = muted
	rs.detector.SetMuted(muted)
	rs.applyGate()
	rs.write(domain.MembershipFields{IsMuted: domain.Bool(muted)})
}

func (rs *roomSession) setDeafened(deafened bool) {
	rs.flags.deafened = deafened
	f := domain.MembershipFields{IsDeafened: domain.Bool(deafened)}
	if deafened {
		rs.flags.muted = true
		f.IsMuted = domain.Bool(true)
		rs.detector.SetMuted(true)
	}
	rs.detector.SetDeafened(deafened)
	rs.applyGate()
	rs.write(f)
}

func (rs *roomSession) setTalking(talking bool) {
	rs.flags.talking = talking
	if !rs.c.cfg.Audio.PushToTalk {
		return
	}
	rs.detector.SetTalking(talking)
	rs.applyGate()
}

func (rs *roomSession) applyGate() {
	enabled := !rs.flags.muted && (!rs.c.cfg.Audio.PushToTalk || rs.flags.talking)
	rs.track.SetEnabled(enabled)
}

func (rs *roomSession) currentFields() domain.MembershipFields {
	return domain.MembershipFields{
		IsMuted:    domain.Bool(rs.flags.muted),
		IsDeafened: domain.Bool(rs.flags.deafened),
		IsSpeaking: domain.Bool(rs.detector.State().IsSpeakingLocal),
	}
}

func (rs *roomSession) insertRow() {
	rs.inserting = true
	rs.queued = domain.MembershipFields{}
	rs.retry = domain.MembershipFields{}
	row := domain.NewMembership(rs.room, rs.self, rs.flags.muted, rs.flags.deafened)
	row.IsSpeaking = rs.detector.State().IsSpeakingLocal

	ctx, store := rs.ctx, rs.c.deps.Store
	rs.storeGo(func() func() {
		err := store.InsertMembership(ctx, row)
		return func() {
			rs.inserting = false
			if rs.closed {
				return
			}
			if err != nil {
				log.Warn().Str("module", "orch").Str("room", string(rs.room)).Err(err).Bool("transient", core.IsTransient(err)).Msg("inserting membership, retrying on next pass")
				return
			}
			rs.rowReady = true
			rs.flushWrites()
			rs.refreshRows()
		}
	})
}

// write queues a partial update of the local row. Only one update is in
// flight at a time and queued fields are merged, so the row converges to
// the latest flags.
func (rs *roomSession) write(f domain.MembershipFields) {
	rs.queued = rs.queued.Merge(f)
	rs.flushWrites()
}

func (rs *roomSession) flushWrites() {
	if rs.closed || rs.writing || rs.inserting || !rs.rowReady || rs.queued.Empty() {
		return
	}
	f := rs.queued
	rs.queued = domain.MembershipFields{}
	rs.writing = true
	if f.IsSpeaking != nil {
		rs.c.metrics.speakingWrites.Inc()
	}

	ctx, store, room, self := rs.ctx, rs.c.deps.Store, rs.room, rs.self
	rs.storeGo(func() func() {
		err := store.UpdateMembership(ctx, room, self, f)
		return func() {
			rs.writing = false
			if rs.closed {
				return
			}
			switch {
			case err == nil:
			case errors.Is(err, core.ErrMembershipNotFound):
				log.Info().Str("module", "orch").Str("room", string(rs.room)).Msg("own membership row gone, re-inserting")
				rs.rowReady = false
				rs.insertRow()
				return
			case core.IsTransient(err):
				log.Warn().Str("module", "orch").Err(err).Msg("updating membership, retrying on next pass")
				rs.retry = rs.retry.Merge(f)
			default:
				log.Error().Str("module", "orch").Err(err).Msg("updating membership")
			}
			rs.flushWrites()
		}
	})
}

func (rs *roomSession) deleteRow(id domain.ParticipantID) {
	ctx, store, room := rs.ctx, rs.c.deps.Store, rs.room
	rs.loop.Go(func() func() {
		if err := store.DeleteMembership(ctx, room, id); err != nil {
			log.Warn().Str("module", "orch").Str("peer", string(id)).Err(err).Msg("deleting membership of departed peer")
		}
		return nil
	})
}

func (rs *roomSession) refreshRows() {
	if rs.refreshing {
		rs.refreshAgain = true
		return
	}
	rs.refreshing = true

	ctx, store, room := rs.ctx, rs.c.deps.Store, rs.room
	rs.loop.Go(func() func() {
		rows, err := store.ListMembership(ctx, room)
		return func() {
			rs.refreshing = false
			if rs.closed {
				return
			}
			if err != nil {
				log.Debug().Str("module", "orch").Err(err).Msg("refreshing membership")
			} else {
				rs.rows = rows
			}
			if rs.refreshAgain {
				rs.refreshAgain = false
				rs.refreshRows()
			}
		}
	})
}

// storeGo runs a write to the local row off the loop. stop waits for these
// before deleting the row, so none of them can land after it.
func (rs *roomSession) storeGo(work func() func()) {
	rs.writes.Add(1)
	rs.loop.Go(func() func() {
		defer rs.writes.Done()
		return work()
	})
}

func (rs *roomSession) do(fn func()) error {
	return rs.loop.Do(context.Background(), func() {
		if !rs.closed {
			fn()
		}
	})
}

func (rs *roomSession) shutdown() {
	if rs.closed {
		return
	}
	rs.closed = true
	if rs.stopSampler != nil {
		rs.stopSampler()
	}
	if rs.stopHeartbeat != nil {
		rs.stopHeartbeat()
	}
	rs.rec.Close()
	rs.peers.Close()
	rs.tracker.Reset()
	rs.cancel()
}

func (rs *roomSession) stop(ctx context.Context) {
	if err := rs.loop.Do(ctx, rs.shutdown); err != nil {
		log.Warn().Str("module", "orch").Err(err).Msg("room loop did not stop in time")
		rs.loop.Close()
		<-rs.runDone
		rs.shutdown()
	}
	rs.loop.Close()
	<-rs.runDone

	waited := make(chan struct{})
	go func() {
		rs.writes.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
	}

	if err := rs.rec.Depart(ctx); err != nil {
		log.Warn().Str("module", "orch").Str("room", string(rs.room)).Err(err).Msg("removing own membership")
	}
	if err := rs.ch.Close(); err != nil {
		log.Debug().Str("module", "orch").Err(err).Msg("closing channel")
	}
	<-rs.pumpDone
	rs.c.capture.release(rs.track)
}
