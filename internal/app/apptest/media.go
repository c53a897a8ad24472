package apptest

import (
	"context"
	"sync"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Capture is a fake core.Capture whose tracks report a settable level.
type Capture struct {
	mu       sync.Mutex
	err      error
	acquired int
	released int
	live     []*Track
	devices  []core.Device
	last     core.CaptureConstraints
}

func NewCapture() *Capture {
	return &Capture{devices: []core.Device{{ID: "default", Label: "Default input"}}}
}

// Fail makes every later acquisition fail with err; nil restores it.
func (c *Capture) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *Capture) AcquireLocalAudioTrack(_ context.Context, cons core.CaptureConstraints) (core.AudioTrack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "meshvoice")
	if err != nil {
		return nil, err
	}
	c.acquired++
	c.last = cons
	t := &Track{local: local, enabled: true}
	c.live = append(c.live, t)
	return t, nil
}

func (c *Capture) ReleaseTrack(t core.AudioTrack) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, live := range c.live {
		if live == t {
			c.live = append(c.live[:i], c.live[i+1:]...)
			c.released++
			return
		}
	}
}

func (c *Capture) Devices() []core.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.Device(nil), c.devices...)
}

// Acquired and Released count device opens and closes.
func (c *Capture) Acquired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquired
}

func (c *Capture) Released() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

// Open returns the number of tracks acquired and not yet released.
func (c *Capture) Open() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}

func (c *Capture) LastConstraints() core.CaptureConstraints {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// SetAmplitude sets the constant amplitude of every live track.
func (c *Capture) SetAmplitude(a float32) {
	c.mu.Lock()
	live := append([]*Track(nil), c.live...)
	c.mu.Unlock()
	for _, t := range live {
		t.SetAmplitude(a)
	}
}

// Track is a fake core.AudioTrack producing a constant signal.
type Track struct {
	local *webrtc.TrackLocalStaticSample

	mu        sync.Mutex
	amplitude float32
	enabled   bool
}

func (t *Track) Track() webrtc.TrackLocal { return t.local }

func (t *Track) SetAmplitude(a float32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.amplitude = a
}

func (t *Track) ReadWindow(dst []float32) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range dst {
		if i%2 == 0 {
			dst[i] = t.amplitude
		} else {
			dst[i] = -t.amplitude
		}
	}
	return len(dst)
}

func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// Playback is a fake core.Playback that counts packets.
type Playback struct {
	mu       sync.Mutex
	deafened bool
	packets  map[domain.ParticipantID]int
	forgot   []domain.ParticipantID
}

func NewPlayback() *Playback {
	return &Playback{packets: make(map[domain.ParticipantID]int)}
}

func (p *Playback) WriteRTP(peer domain.ParticipantID, _ *rtp.Packet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.deafened {
		p.packets[peer]++
	}
	return nil
}

func (p *Playback) SetDeafened(deafened bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deafened = deafened
}

func (p *Playback) Forget(peer domain.ParticipantID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.packets, peer)
	p.forgot = append(p.forgot, peer)
}

func (p *Playback) Deafened() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deafened
}

func (p *Playback) Forgotten() []domain.ParticipantID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ParticipantID(nil), p.forgot...)
}

func DefaultConstraints() core.CaptureConstraints {
	return core.CaptureConstraints{EchoCancellation: true, NoiseSuppression: true, AutoGainControl: true}
}
