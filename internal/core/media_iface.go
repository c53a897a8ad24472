package core

import (
	"context"

	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type TransportState int

const (
	TransportNew TransportState = iota
	TransportConnecting
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportNew:
		return "new"
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	}
	return "unknown"
}

// PeerTransport is one direct media transport to one remote participant.
// Callbacks may fire on any goroutine.
type PeerTransport interface {
	// CreateOffer produces and applies the local offer.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	// AcceptOffer applies a remote offer and produces the local answer.
	AcceptOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	// ApplyAnswer applies the remote answer to a previously created offer.
	ApplyAnswer(answer webrtc.SessionDescription) error
	// AddICECandidate applies a remote network-path candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// AddLocalTrack attaches the local outbound audio track.
	AddLocalTrack(track webrtc.TrackLocal) error
	// OnICECandidate sets a callback for newly gathered local candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnStateChange sets a callback for path-establishment state changes.
	OnStateChange(func(TransportState))
	Close()
}

type PeerTransportFactory interface {
	NewPeerTransport(peer domain.ParticipantID) (PeerTransport, error)
}

type Device struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// CaptureConstraints mirrors the user's audio preferences.
type CaptureConstraints struct {
	DeviceID         string
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// AudioTrack is a live local capture.
type AudioTrack interface {
	// Track is the outbound track shared by every peer transport.
	Track() webrtc.TrackLocal
	// ReadWindow copies the most recent samples (normalized to [-1, 1])
	// into dst and returns how many were written.
	ReadWindow(dst []float32) int
	// SetEnabled gates whether captured audio is sent to peers.
	SetEnabled(enabled bool)
}

type Capture interface {
	AcquireLocalAudioTrack(ctx context.Context, c CaptureConstraints) (AudioTrack, error)
	ReleaseTrack(AudioTrack)
	Devices() []Device
}

// Playback receives remote audio.
type Playback interface {
	WriteRTP(peer domain.ParticipantID, pkt *rtp.Packet) error
	SetDeafened(deafened bool)
	Forget(peer domain.ParticipantID)
}
