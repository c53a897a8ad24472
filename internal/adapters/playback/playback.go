// Package playback decodes remote Opus audio and mixes it into one PCM
// stream (signed 16-bit little-endian, mono, 48 kHz).
package playback

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"sync"
	"time"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"
	"gopkg.in/hraban/opus.v2"
)

const (
	SampleRate   = 48000
	FrameSamples = 960
	// maxQueued bounds per-peer buffering to one second of audio.
	maxQueued = SampleRate
	// maxDecoded is 120 ms, the longest Opus frame.
	maxDecoded = 5760
)

type decoder interface {
	Decode(data []byte, pcm []int16) (int, error)
}

type stream struct {
	dec   decoder
	queue []int16
}

// Mixer implements core.Playback.
type Mixer struct {
	out        io.Writer
	newDecoder func() (decoder, error)

	mu       sync.Mutex
	deafened bool
	volume   float64
	peers    map[domain.ParticipantID]*stream
	scratch  []int16
}

var _ core.Playback = (*Mixer)(nil)

// New mixes into out. A nil out discards audio.
func New(out io.Writer) *Mixer {
	if out == nil {
		out = io.Discard
	}
	return &Mixer{
		out: out,
		newDecoder: func() (decoder, error) {
			return opus.NewDecoder(SampleRate, 1)
		},
		volume:  1,
		peers:   make(map[domain.ParticipantID]*stream),
		scratch: make([]int16, maxDecoded),
	}
}

func (m *Mixer) WriteRTP(peer domain.ParticipantID, pkt *rtp.Packet) error {
	if len(pkt.Payload) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deafened {
		return nil
	}
	s, ok := m.peers[peer]
	if !ok {
		dec, err := m.newDecoder()
		if err != nil {
			return err
		}
		s = &stream{dec: dec}
		m.peers[peer] = s
	}
	n, err := s.dec.Decode(pkt.Payload, m.scratch)
	if err != nil {
		return err
	}
	s.queue = append(s.queue, m.scratch[:n]...)
	if over := len(s.queue) - maxQueued; over > 0 {
		s.queue = s.queue[over:]
	}
	return nil
}

// SetDeafened drops queued audio and ignores new packets while deafened.
func (m *Mixer) SetDeafened(deafened bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deafened = deafened
	if deafened {
		for _, s := range m.peers {
			s.queue = nil
		}
	}
}

// SetVolume scales the mixed output; v is clamped to [0, 1].
func (m *Mixer) SetVolume(v float64) {
	m.mu.Lock()
	m.volume = max(0, min(v, 1))
	m.mu.Unlock()
}

func (m *Mixer) Forget(peer domain.ParticipantID) {
	m.mu.Lock()
	delete(m.peers, peer)
	m.mu.Unlock()
}

// mix takes up to one frame from every peer and sums it with clipping.
func (m *Mixer) mix(frame []int32) {
	clear(frame)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.peers {
		n := min(len(s.queue), len(frame))
		for i := range n {
			frame[i] += int32(s.queue[i])
		}
		s.queue = s.queue[n:]
	}
	if m.volume < 1 {
		for i := range frame {
			frame[i] = int32(float64(frame[i]) * m.volume)
		}
	}
}

// Run writes one mixed frame every 20 ms until ctx is done. Silence is
// written when nobody is audible so the output keeps its clock.
func (m *Mixer) Run(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	frame := make([]int32, FrameSamples)
	raw := make([]byte, FrameSamples*2)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		m.mix(frame)
		encodeFrame(frame, raw)
		if _, err := m.out.Write(raw); err != nil {
			log.Warn().Err(err).Str("module", "playback").Msg("output write failed")
			return err
		}
	}
}

func encodeFrame(frame []int32, raw []byte) {
	for i, v := range frame {
		v = max(min(v, math.MaxInt16), math.MinInt16)
		binary.LittleEndian.PutUint16(raw[2*i:], uint16(int16(v)))
	}
}
