package capture

import (
	"context"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pcmFrames(frames int, value int16) []byte {
	buf := make([]byte, frames*FrameSamples*2)
	for i := 0; i < frames*FrameSamples; i++ {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(value))
	}
	return buf
}

type closeTracker struct {
	io.Reader
	closed chan struct{}
}

func (c *closeTracker) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func newCapture(src func() io.ReadCloser) *PCMCapture {
	return &PCMCapture{
		devices: []Device{{ID: "mic", Label: "Test mic", Path: "mic.pcm"}, {ID: "line", Path: "line.pcm"}},
		open:    func(string) (io.ReadCloser, error) { return src(), nil },
	}
}

func TestDevices(t *testing.T) {
	c := newCapture(nil)
	assert.Equal(t, []core.Device{{ID: "mic", Label: "Test mic"}, {ID: "line", Label: "line"}}, c.Devices())

	_, err := c.AcquireLocalAudioTrack(context.Background(), core.CaptureConstraints{DeviceID: "nope"})
	assert.ErrorIs(t, err, ErrUnknownDevice)

	_, err = New(nil).AcquireLocalAudioTrack(context.Background(), core.CaptureConstraints{})
	assert.ErrorIs(t, err, ErrUnknownDevice, "no devices configured")
}

func TestReadWindow(t *testing.T) {
	data := append(pcmFrames(3, 0), pcmFrames(2, 16384)...)
	pr, pw := io.Pipe()
	go func() { _, _ = pw.Write(data) }()
	t.Cleanup(func() { _ = pw.Close() })
	c := newCapture(func() io.ReadCloser {
		return &closeTracker{Reader: pr, closed: make(chan struct{})}
	})

	at, err := c.AcquireLocalAudioTrack(context.Background(), core.CaptureConstraints{DeviceID: "mic"})
	require.NoError(t, err)
	t.Cleanup(func() { c.ReleaseTrack(at) })
	assert.NotNil(t, at.Track())

	window := make([]float32, 1024)
	require.Eventually(t, func() bool {
		return at.ReadWindow(window) == len(window) && window[0] > 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.InDelta(t, 0.5, window[len(window)-1], 0.001)

	big := make([]float32, ringSize+10)
	assert.Equal(t, ringSize, at.ReadWindow(big), "window is bounded by the ring")
}

func TestSourceEndClearsWindow(t *testing.T) {
	pr, pw := io.Pipe()
	c := newCapture(func() io.ReadCloser {
		return &closeTracker{Reader: pr, closed: make(chan struct{})}
	})
	at, err := c.AcquireLocalAudioTrack(context.Background(), core.CaptureConstraints{})
	require.NoError(t, err)
	t.Cleanup(func() { c.ReleaseTrack(at) })

	_, err = pw.Write(pcmFrames(2, 20000))
	require.NoError(t, err)
	window := make([]float32, 1024)
	require.Eventually(t, func() bool {
		return at.ReadWindow(window) == len(window)
	}, 2*time.Second, 5*time.Millisecond)

	_ = pw.Close()
	assert.Eventually(t, func() bool {
		return at.ReadWindow(window) == 0
	}, 2*time.Second, 5*time.Millisecond, "no stale level after the source ends")
}

func TestAutoGain(t *testing.T) {
	pcm := []int16{100, -200, 50}
	applyGain(pcm)
	assert.Equal(t, []int16{800, -1600, 400}, pcm, "gain is capped")

	loud := []int16{20000, -10000}
	applyGain(loud)
	assert.Equal(t, []int16{20000, -10000}, loud, "loud frames are left alone")

	silent := []int16{0, 0}
	applyGain(silent)
	assert.Equal(t, []int16{0, 0}, silent)
}

func TestReleaseStopsCapture(t *testing.T) {
	pr, pw := io.Pipe()
	src := &closeTracker{Reader: pr, closed: make(chan struct{})}
	c := newCapture(func() io.ReadCloser { return src })

	at, err := c.AcquireLocalAudioTrack(context.Background(), core.CaptureConstraints{})
	require.NoError(t, err)
	_, err = pw.Write(pcmFrames(1, 1000))
	require.NoError(t, err)

	c.ReleaseTrack(at)
	_ = pw.Close()
	select {
	case <-src.closed:
	case <-time.After(time.Second):
		t.Fatal("source not closed")
	}
	select {
	case <-at.(*Track).done:
	case <-time.After(time.Second):
		t.Fatal("track not stopped")
	}
}
