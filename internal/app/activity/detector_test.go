package activity_test

import (
	"testing"

	"github.com/dkeye/meshvoice/internal/app/activity"
	"github.com/dkeye/meshvoice/internal/app/apptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevel(t *testing.T) {
	tests := []struct {
		name    string
		samples []float32
		want    int
	}{
		{"empty", nil, 0},
		{"silence", make([]float32, 8), 0},
		{"quiet", []float32{0.05, -0.05, 0.05, -0.05}, 20},
		{"clipped scale", []float32{0.5, -0.5}, 100},
		{"threshold", []float32{0.0375, -0.0375}, 15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, activity.Level(tt.samples))
		})
	}
}

type recorder struct{ writes []bool }

func (r *recorder) publish(speaking bool) { r.writes = append(r.writes, speaking) }

func TestDetectorPublishesTransitionsOnly(t *testing.T) {
	rec := &recorder{}
	d := activity.NewDetector(activity.DefaultThreshold, false, rec.publish)

	for i := 0; i < 100; i++ {
		d.Observe(40)
	}
	require.Equal(t, []bool{true}, rec.writes)

	for i := 0; i < 100; i++ {
		d.Observe(3)
	}
	assert.Equal(t, []bool{true, false}, rec.writes)

	t.Run("threshold is exclusive", func(t *testing.T) {
		d.Observe(activity.DefaultThreshold)
		assert.False(t, d.State().IsSpeakingLocal)
		assert.Len(t, rec.writes, 2)
	})
}

func TestDetectorMutedSuppressesSpeaking(t *testing.T) {
	rec := &recorder{}
	d := activity.NewDetector(activity.DefaultThreshold, false, rec.publish)
	d.SetMuted(true)

	st := d.Observe(90)
	assert.Equal(t, 90, st.LevelPercent)
	assert.False(t, st.IsSpeakingLocal)
	assert.Empty(t, rec.writes)

	t.Run("muting while speaking publishes false", func(t *testing.T) {
		d.SetMuted(false)
		require.Equal(t, []bool{true}, rec.writes)
		d.SetMuted(true)
		assert.Equal(t, []bool{true, false}, rec.writes)
	})
}

func TestDetectorDeafenedSuppressesSpeaking(t *testing.T) {
	rec := &recorder{}
	d := activity.NewDetector(activity.DefaultThreshold, false, rec.publish)
	d.SetDeafened(true)
	d.Observe(90)
	assert.False(t, d.State().IsSpeakingLocal)
	assert.Empty(t, rec.writes)
}

func TestDetectorPushToTalk(t *testing.T) {
	rec := &recorder{}
	d := activity.NewDetector(activity.DefaultThreshold, true, rec.publish)
	d.Observe(60)
	assert.False(t, d.State().IsSpeakingLocal)

	d.SetTalking(true)
	assert.True(t, d.State().IsSpeakingLocal)
	d.SetTalking(false)
	assert.Equal(t, []bool{true, false}, rec.writes)
}

func TestDetectorSample(t *testing.T) {
	capture := apptest.NewCapture()
	track, err := capture.AcquireLocalAudioTrack(t.Context(), apptest.DefaultConstraints())
	require.NoError(t, err)

	rec := &recorder{}
	d := activity.NewDetector(0, false, rec.publish)
	capture.SetAmplitude(0.1)
	st := d.Sample(track)
	assert.Equal(t, 40, st.LevelPercent)
	assert.True(t, st.IsSpeakingLocal)
	assert.True(t, st.LastPublishedSpeaking)
}
