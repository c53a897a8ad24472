// Package signaling carries negotiation messages between peers over the
// room's broadcast channel.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/pion/webrtc/v4"
)

type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
	KindHeartbeat Kind = "heartbeat"
)

var (
	ErrUnknownKind  = errors.New("unknown message kind")
	ErrNoRecipient  = errors.New("message has no recipient")
	ErrEmptySDP     = errors.New("message has no sdp")
	ErrNoCandidate  = errors.New("message has no candidate")
	ErrNoSessionRef = errors.New("message has no session")
)

// Message is one addressed negotiation message. Session names the
// negotiation attempt an offer started, so stale answers and candidates
// from abandoned attempts can be told apart.
type Message struct {
	Kind      Kind                     `json:"kind"`
	From      domain.ParticipantID     `json:"from"`
	To        domain.ParticipantID     `json:"to"`
	Session   string                   `json:"session,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

func (m Message) Validate() error {
	if m.To == "" || m.From == "" {
		return ErrNoRecipient
	}
	switch m.Kind {
	case KindOffer, KindAnswer:
		if m.SDP == "" {
			return ErrEmptySDP
		}
		if m.Session == "" {
			return ErrNoSessionRef
		}
	case KindCandidate:
		if m.Candidate == nil {
			return ErrNoCandidate
		}
		if m.Session == "" {
			return ErrNoSessionRef
		}
	case KindHeartbeat:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
	return nil
}

func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decoding signaling message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
