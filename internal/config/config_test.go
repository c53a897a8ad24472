package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadServer(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing")

	t.Run("defaults", func(t *testing.T) {
		cfg, err := LoadServer(nil)
		require.NoError(t, err)
		assert.Equal(t, "release", cfg.Mode)
		assert.Equal(t, 8080, cfg.Port)
		assert.Equal(t, 54*time.Second, cfg.PingPeriod)
		assert.Equal(t, 200, cfg.RateLimit)
		assert.True(t, cfg.Metrics)
	})

	t.Run("file then flags", func(t *testing.T) {
		path := writeFile(t, "mode: debug\nport: 9000\ndb_path: /tmp/a.db\nping_period: 30s\n")
		cfg, err := LoadServer([]string{"--config", path, "--port", "9100"})
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.Mode)
		assert.Equal(t, 9100, cfg.Port)
		assert.Equal(t, "/tmp/a.db", cfg.DBPath)
		assert.Equal(t, 30*time.Second, cfg.PingPeriod)
	})

	t.Run("environment overrides file", func(t *testing.T) {
		t.Setenv("MESHVOICE_SEND_BUFFER", "8")
		cfg, err := LoadServer(nil)
		require.NoError(t, err)
		assert.Equal(t, 8, cfg.SendBuffer)
	})

	t.Run("bad flag", func(t *testing.T) {
		_, err := LoadServer([]string{"--nope"})
		assert.Error(t, err)
	})

	t.Run("malformed file is an error", func(t *testing.T) {
		path := writeFile(t, "port: [9000\nmode: debug\n")
		_, err := LoadServer([]string{"--config", path})
		assert.ErrorContains(t, err, path)
	})

	t.Run("missing file falls back to defaults", func(t *testing.T) {
		cfg, err := LoadServer([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml")})
		require.NoError(t, err)
		assert.Equal(t, 8080, cfg.Port)
	})
}

func TestLoadNode(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing")

	t.Run("requires a room", func(t *testing.T) {
		_, err := LoadNode(nil)
		assert.ErrorContains(t, err, "room")
	})

	t.Run("defaults", func(t *testing.T) {
		cfg, err := LoadNode([]string{"--room", "lobby"})
		require.NoError(t, err)
		assert.Equal(t, "lobby", cfg.Room)
		assert.NotEmpty(t, cfg.ParticipantID, "a participant id is generated")
		assert.Equal(t, 15, cfg.Threshold)
		assert.Equal(t, 60*time.Second, cfg.Timing.ReconcileInterval)
		assert.Equal(t, 10*time.Second, cfg.Timing.HiddenGrace)
		assert.Equal(t, 12*time.Second, cfg.Timing.NegotiationTimeout)
		assert.Equal(t, 15*time.Second, cfg.Timing.ConnectTimeout)
		assert.Equal(t, 16*time.Millisecond, cfg.Timing.SampleInterval)
		assert.Equal(t, "vad", cfg.Audio.VoiceMode)
		assert.InDelta(t, 0.25, cfg.Audio.MonitorVolume, 1e-9)
		require.Len(t, cfg.Audio.Devices, 1)
		assert.Equal(t, "-", cfg.Audio.Devices[0].Path)
	})

	t.Run("file and flags", func(t *testing.T) {
		path := writeFile(t, `
server_url: https://voice.example.com
room: from-file
participant_id: alice
display_name: Alice
timing:
  connect_timeout: 3s
audio:
  input: mic
  devices:
    - id: mic
      label: USB mic
      path: /tmp/mic.pcm
`)
		cfg, err := LoadNode([]string{"--config", path, "--room", "from-flag", "--ptt"})
		require.NoError(t, err)
		assert.Equal(t, "https://voice.example.com", cfg.ServerURL)
		assert.Equal(t, "from-flag", cfg.Room)
		assert.Equal(t, "alice", cfg.ParticipantID)
		assert.Equal(t, "Alice", cfg.DisplayName)
		assert.Equal(t, 3*time.Second, cfg.Timing.ConnectTimeout)
		assert.Equal(t, 60*time.Second, cfg.Timing.ReconcileInterval)
		assert.Equal(t, "ptt", cfg.Audio.VoiceMode)
		assert.Equal(t, "mic", cfg.Audio.Input)
		assert.Equal(t, []DeviceConfig{{ID: "mic", Label: "USB mic", Path: "/tmp/mic.pcm"}}, cfg.Audio.Devices)
	})

	t.Run("rejects unknown voice mode", func(t *testing.T) {
		path := writeFile(t, "room: r\naudio:\n  voice_mode: shout\n")
		_, err := LoadNode([]string{"--config", path})
		assert.ErrorContains(t, err, "voice_mode")
	})
}
