package orch

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/meshvoice/internal/app/activity"
	"github.com/dkeye/meshvoice/internal/core"
	"github.com/rs/zerolog/log"
)

// sharedCapture hands out one device capture to every user in the
// process and closes it when the last one releases it.
type sharedCapture struct {
	capture core.Capture

	mu    sync.Mutex
	track core.AudioTrack
	refs  int
}

func newSharedCapture(c core.Capture) *sharedCapture {
	return &sharedCapture{capture: c}
}

func (s *sharedCapture) acquire(ctx context.Context, c core.CaptureConstraints) (core.AudioTrack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs > 0 {
		s.refs++
		return s.track, nil
	}
	track, err := s.capture.AcquireLocalAudioTrack(ctx, c)
	if err != nil {
		return nil, err
	}
	s.track = track
	s.refs = 1
	log.Debug().Str("module", "capture").Str("device", c.DeviceID).Msg("capture opened")
	return track, nil
}

func (s *sharedCapture) release(track core.AudioTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs == 0 || track != s.track {
		return
	}
	s.refs--
	if s.refs > 0 {
		return
	}
	s.capture.ReleaseTrack(s.track)
	s.track = nil
	log.Debug().Str("module", "capture").Msg("capture closed")
}

// MicTest streams the microphone level until ctx is done. While connected
// it reads the capture the room already holds.
func (c *Coordinator) MicTest(ctx context.Context) (<-chan int, error) {
	track, err := c.capture.acquire(ctx, c.cfg.Audio.constraints())
	if err != nil {
		return nil, err
	}
	levels := make(chan int, 1)
	go func() {
		defer close(levels)
		defer c.capture.release(track)

		window := make([]float32, activity.WindowSize)
		ticker := time.NewTicker(c.cfg.SampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n := track.ReadWindow(window)
				select {
				case levels <- activity.Level(window[:n]):
				default:
				}
			}
		}
	}()
	return levels, nil
}
