// Package capture reads raw PCM (signed 16-bit little-endian, mono,
// 48 kHz) from a file or stdin and publishes it as an Opus track.
package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
	"gopkg.in/hraban/opus.v2"
)

const (
	SampleRate    = 48000
	FrameSamples  = 960
	FrameDuration = 20 * time.Millisecond
	// ringSize bounds how much recent audio ReadWindow can return.
	ringSize = 4096
	maxGain  = 8
)

var ErrUnknownDevice = errors.New("unknown input device")

type Device struct {
	ID    string
	Label string
	// Path is the PCM source; "-" is stdin.
	Path string
}

// PCMCapture implements core.Capture over named PCM sources.
type PCMCapture struct {
	devices []Device
	open    func(path string) (io.ReadCloser, error)
	paced   bool
}

var _ core.Capture = (*PCMCapture)(nil)

func New(devices []Device) *PCMCapture {
	return &PCMCapture{devices: devices, open: openSource, paced: true}
}

func openSource(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

func (c *PCMCapture) Devices() []core.Device {
	out := make([]core.Device, 0, len(c.devices))
	for _, d := range c.devices {
		label := d.Label
		if label == "" {
			label = d.ID
		}
		out = append(out, core.Device{ID: d.ID, Label: label})
	}
	return out
}

func (c *PCMCapture) device(id string) (Device, error) {
	if id == "" {
		if len(c.devices) == 0 {
			return Device{}, ErrUnknownDevice
		}
		return c.devices[0], nil
	}
	for _, d := range c.devices {
		if d.ID == id {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("%w: %q", ErrUnknownDevice, id)
}

func (c *PCMCapture) AcquireLocalAudioTrack(ctx context.Context, cons core.CaptureConstraints) (core.AudioTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dev, err := c.device(cons.DeviceID)
	if err != nil {
		return nil, err
	}
	src, err := c.open(dev.Path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", dev.ID, err)
	}
	enc, err := opus.NewEncoder(SampleRate, 1, opus.AppVoIP)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	if err := enc.SetDTX(cons.NoiseSuppression); err != nil {
		log.Warn().Err(err).Str("module", "capture").Msg("set dtx")
	}
	if cons.EchoCancellation {
		log.Debug().Str("module", "capture").Str("device", dev.ID).Msg("echo cancellation is not available for PCM sources")
	}

	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: SampleRate, Channels: 2},
		"audio", "meshvoice-"+dev.ID)
	if err != nil {
		_ = src.Close()
		return nil, err
	}

	t := &Track{
		local: local,
		enc:   enc,
		src:   src,
		agc:   cons.AutoGainControl,
		ring:  make([]float32, ringSize),
		done:  make(chan struct{}),
	}
	t.enabled.Store(true)
	go t.run(c.paced)
	log.Info().Str("module", "capture").Str("device", dev.ID).Bool("agc", t.agc).Msg("capture started")
	return t, nil
}

func (c *PCMCapture) ReleaseTrack(at core.AudioTrack) {
	t, ok := at.(*Track)
	if !ok {
		return
	}
	t.stop()
	log.Info().Str("module", "capture").Msg("capture released")
}

// Track is one running capture.
type Track struct {
	local   *webrtc.TrackLocalStaticSample
	enc     *opus.Encoder
	src     io.ReadCloser
	agc     bool
	enabled atomic.Bool

	mu     sync.Mutex
	ring   []float32
	pos    int
	filled int

	once sync.Once
	done chan struct{}
}

var _ core.AudioTrack = (*Track)(nil)

func (t *Track) Track() webrtc.TrackLocal { return t.local }

func (t *Track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// ReadWindow copies the most recent samples, oldest first.
func (t *Track) ReadWindow(dst []float32) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := min(len(dst), t.filled)
	start := (t.pos - n + len(t.ring)) % len(t.ring)
	for i := range n {
		dst[i] = t.ring[(start+i)%len(t.ring)]
	}
	return n
}

func (t *Track) push(frame []float32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range frame {
		t.ring[t.pos] = s
		t.pos = (t.pos + 1) % len(t.ring)
	}
	t.filled = min(t.filled+len(frame), len(t.ring))
}

// clear empties the level window once the source is gone.
func (t *Track) clear() {
	t.mu.Lock()
	t.filled = 0
	t.mu.Unlock()
}

func (t *Track) stop() {
	t.once.Do(func() {
		close(t.done)
		_ = t.src.Close()
	})
}

func (t *Track) run(paced bool) {
	raw := make([]byte, FrameSamples*2)
	pcm := make([]int16, FrameSamples)
	norm := make([]float32, FrameSamples)
	packet := make([]byte, 1500)

	var tick <-chan time.Time
	if paced {
		ticker := time.NewTicker(FrameDuration)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		if tick != nil {
			select {
			case <-t.done:
				return
			case <-tick:
			}
		} else {
			select {
			case <-t.done:
				return
			default:
			}
		}
		if _, err := io.ReadFull(t.src, raw); err != nil {
			t.clear()
			select {
			case <-t.done:
			default:
				log.Warn().Err(err).Str("module", "capture").Msg("capture source ended")
			}
			return
		}
		for i := range pcm {
			pcm[i] = int16(binary.LittleEndian.Uint16(raw[2*i:]))
		}
		if t.agc {
			applyGain(pcm)
		}
		for i, s := range pcm {
			norm[i] = float32(s) / math.MaxInt16
		}
		t.push(norm)

		if !t.enabled.Load() {
			continue
		}
		n, err := t.enc.Encode(pcm, packet)
		if err != nil {
			log.Debug().Err(err).Str("module", "capture").Msg("opus encode")
			continue
		}
		if n == 0 {
			continue
		}
		if err := t.local.WriteSample(media.Sample{Data: packet[:n], Duration: FrameDuration}); err != nil {
			log.Debug().Err(err).Str("module", "capture").Msg("write sample")
		}
	}
}

// applyGain lifts quiet frames toward half scale, bounded by maxGain.
func applyGain(pcm []int16) {
	var peak int32
	for _, s := range pcm {
		v := int32(s)
		if v < 0 {
			v = -v
		}
		peak = max(peak, v)
	}
	if peak == 0 {
		return
	}
	gain := min(float64(math.MaxInt16/2)/float64(peak), maxGain)
	if gain <= 1 {
		return
	}
	for i, s := range pcm {
		pcm[i] = int16(float64(s) * gain)
	}
}
