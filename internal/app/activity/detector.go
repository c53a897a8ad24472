// Package activity derives the local speaking flag from the microphone
// signal.
package activity

import (
	"math"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/rs/zerolog/log"
)

const (
	DefaultThreshold = 15
	// WindowSize is the number of most recent samples each level is
	// computed over.
	WindowSize = 1024
	// gain maps a comfortable speaking RMS to the top of the scale.
	gain = 4
)

// Level maps the RMS of samples onto 0..100.
func Level(samples []float32) int {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	return int(math.Round(math.Min(1, rms*gain) * 100))
}

// LocalAudioState is recreated every time capture starts.
type LocalAudioState struct {
	LevelPercent          int
	IsSpeakingLocal       bool
	LastPublishedSpeaking bool
}

// Detector is not safe for concurrent use; it lives on the room loop.
type Detector struct {
	threshold int
	muted     bool
	deafened  bool
	talking   bool
	state     LocalAudioState
	window    []float32
	publish   func(speaking bool)
}

// NewDetector calls publish only when the speaking flag changes. With
// pushToTalk set, speaking also requires SetTalking(true).
func NewDetector(threshold int, pushToTalk bool, publish func(speaking bool)) *Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Detector{
		threshold: threshold,
		talking:   !pushToTalk,
		window:    make([]float32, WindowSize),
		publish:   publish,
	}
}

// Sample reads the latest window from track and re-evaluates.
func (d *Detector) Sample(track core.AudioTrack) LocalAudioState {
	n := track.ReadWindow(d.window)
	return d.Observe(Level(d.window[:n]))
}

// Observe re-evaluates with an already computed level.
func (d *Detector) Observe(level int) LocalAudioState {
	d.state.LevelPercent = level
	d.evaluate()
	return d.state
}

func (d *Detector) SetMuted(muted bool) {
	d.muted = muted
	d.evaluate()
}

func (d *Detector) SetDeafened(deafened bool) {
	d.deafened = deafened
	d.evaluate()
}

func (d *Detector) SetTalking(talking bool) {
	d.talking = talking
	d.evaluate()
}

func (d *Detector) State() LocalAudioState { return d.state }

func (d *Detector) evaluate() {
	speaking := d.state.LevelPercent > d.threshold && !d.muted && !d.deafened && d.talking
	d.state.IsSpeakingLocal = speaking
	if speaking == d.state.LastPublishedSpeaking {
		return
	}
	d.state.LastPublishedSpeaking = speaking
	log.Debug().Str("module", "activity").Bool("speaking", speaking).Int("level", d.state.LevelPercent).Msg("speaking changed")
	if d.publish != nil {
		d.publish(speaking)
	}
}
