package rtc

import (
	"context"
	"sync"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// rtpSource is the read side of a remote track.
type rtpSource interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Receiver drains one remote audio track into the playback sink.
type Receiver struct {
	peer   domain.ParticipantID
	src    rtpSource
	cancel context.CancelFunc
	done   chan struct{}
}

// loop reads RTP packets from the source track until it ends or the
// receiver is stopped.
func (r *Receiver) loop(ctx context.Context, sink core.Playback, logger *zerolog.Logger) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("receiver ctx done")
			return
		default:
		}
		pkt, _, err := r.src.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("receiver read RTP stopped")
			return
		}
		if ctx.Err() != nil {
			return
		}
		if err := sink.WriteRTP(r.peer, pkt); err != nil {
			logger.Debug().Err(err).Uint16("seq", pkt.SequenceNumber).Msg("playback rejected packet")
		}
	}
}

// Wait blocks until the receiver has written its last packet. A nil
// receiver returns at once.
func (r *Receiver) Wait() {
	if r == nil {
		return
	}
	<-r.done
}

// Receivers keeps at most one running receiver per remote participant.
type Receivers struct {
	sink core.Playback

	mu     sync.Mutex
	byPeer map[domain.ParticipantID]*Receiver
}

func NewReceivers(sink core.Playback) *Receivers {
	return &Receivers{
		sink:   sink,
		byPeer: make(map[domain.ParticipantID]*Receiver),
	}
}

// Start begins draining src for peer, replacing a previous receiver.
func (m *Receivers) Start(peer domain.ParticipantID, src rtpSource) *Receiver {
	logger := log.With().
		Str("module", "rtc").
		Str("peer", string(peer)).
		Logger()

	ctx, cancel := context.WithCancel(context.Background())
	r := &Receiver{peer: peer, src: src, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if old, ok := m.byPeer[peer]; ok {
		logger.Info().Msg("replacing existing receiver")
		old.cancel()
	}
	m.byPeer[peer] = r
	m.mu.Unlock()

	logger.Info().Msg("starting receiver loop")
	go r.loop(ctx, m.sink, &logger)
	return r
}

// Stop cancels r and forgets it unless a newer receiver replaced it.
func (m *Receivers) Stop(r *Receiver) {
	if r == nil {
		return
	}
	r.cancel()
	m.mu.Lock()
	if m.byPeer[r.peer] == r {
		delete(m.byPeer, r.peer)
	}
	m.mu.Unlock()
}

func (m *Receivers) Has(peer domain.ParticipantID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byPeer[peer]
	return ok
}
