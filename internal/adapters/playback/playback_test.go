package playback

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// constDecoder yields one frame of a fixed sample value per packet.
type constDecoder struct{ value int16 }

func (d constDecoder) Decode(data []byte, pcm []int16) (int, error) {
	if data[0] == 0xff {
		return 0, errors.New("corrupt")
	}
	for i := range FrameSamples {
		pcm[i] = d.value
	}
	return FrameSamples, nil
}

func newTestMixer(value int16) *Mixer {
	m := New(nil)
	m.newDecoder = func() (decoder, error) {
		return constDecoder{value: value}, nil
	}
	return m
}

func packet() *rtp.Packet {
	return &rtp.Packet{Payload: []byte{0x01}}
}

func TestMix(t *testing.T) {
	t.Run("SumsPeers", func(t *testing.T) {
		m := newTestMixer(100)
		require.NoError(t, m.WriteRTP("a", packet()))
		require.NoError(t, m.WriteRTP("b", packet()))

		frame := make([]int32, FrameSamples)
		m.mix(frame)
		assert.Equal(t, int32(200), frame[0])
		assert.Equal(t, int32(200), frame[FrameSamples-1])

		m.mix(frame)
		assert.Equal(t, int32(0), frame[0])
	})

	t.Run("Volume", func(t *testing.T) {
		m := newTestMixer(1000)
		m.SetVolume(0.25)
		require.NoError(t, m.WriteRTP("a", packet()))
		frame := make([]int32, FrameSamples)
		m.mix(frame)
		assert.Equal(t, int32(250), frame[0])

		m.SetVolume(3)
		assert.Equal(t, 1.0, m.volume)
	})

	t.Run("Clips", func(t *testing.T) {
		frame := []int32{40000, -40000, 12}
		raw := make([]byte, 6)
		encodeFrame(frame, raw)
		assert.Equal(t, int16(32767), int16(binary.LittleEndian.Uint16(raw[0:])))
		assert.Equal(t, int16(-32768), int16(binary.LittleEndian.Uint16(raw[2:])))
		assert.Equal(t, int16(12), int16(binary.LittleEndian.Uint16(raw[4:])))
	})

	t.Run("QueueIsBounded", func(t *testing.T) {
		m := newTestMixer(1)
		for range 2 * maxQueued / FrameSamples {
			require.NoError(t, m.WriteRTP("a", packet()))
		}
		assert.Len(t, m.peers["a"].queue, maxQueued)
	})

	t.Run("DecodeError", func(t *testing.T) {
		m := newTestMixer(1)
		assert.Error(t, m.WriteRTP("a", &rtp.Packet{Payload: []byte{0xff}}))
		assert.NoError(t, m.WriteRTP("a", &rtp.Packet{}))
	})
}

func TestDeafen(t *testing.T) {
	m := newTestMixer(100)
	require.NoError(t, m.WriteRTP("a", packet()))

	m.SetDeafened(true)
	require.NoError(t, m.WriteRTP("a", packet()))
	assert.Empty(t, m.peers["a"].queue)

	m.SetDeafened(false)
	require.NoError(t, m.WriteRTP("a", packet()))
	assert.Len(t, m.peers["a"].queue, FrameSamples)
}

func TestForget(t *testing.T) {
	m := newTestMixer(100)
	require.NoError(t, m.WriteRTP("a", packet()))
	m.Forget("a")
	assert.NotContains(t, m.peers, domain.ParticipantID("a"))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func TestRun(t *testing.T) {
	out := &syncBuffer{}
	m := New(out)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return out.Len() >= 2*FrameSamples*2
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
	assert.Zero(t, out.Len()%(FrameSamples*2))
}
