package signaling

import (
	"context"
	"fmt"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/rs/zerolog/log"
)

type Publisher interface {
	Publish(ctx context.Context, payload core.Frame) error
}

// Relay addresses outgoing messages and filters incoming ones. Sending is
// best-effort: no acknowledgement, no retry.
type Relay struct {
	self    domain.ParticipantID
	pub     Publisher
	handler func(Message)
}

func NewRelay(self domain.ParticipantID, pub Publisher) *Relay {
	return &Relay{self: self, pub: pub}
}

func (r *Relay) Self() domain.ParticipantID { return r.self }

func (r *Relay) OnMessage(fn func(Message)) { r.handler = fn }

func (r *Relay) Send(ctx context.Context, m Message) error {
	m.From = r.self
	data, err := Encode(m)
	if err != nil {
		return fmt.Errorf("encoding %s for %s: %w", m.Kind, m.To, err)
	}
	if err := r.pub.Publish(ctx, data); err != nil {
		return fmt.Errorf("publishing %s to %s: %w", m.Kind, m.To, err)
	}
	return nil
}

// Deliver decodes one broadcast payload and hands it to the handler if it
// is addressed to the local participant. It reports whether the handler
// ran.
func (r *Relay) Deliver(payload core.Frame) bool {
	m, err := Decode(payload)
	if err != nil {
		log.Debug().Err(err).Str("module", "signal").Msg("dropping malformed message")
		return false
	}
	if m.To != r.self || m.From == r.self {
		return false
	}
	if r.handler == nil {
		return false
	}
	r.handler(m)
	return true
}
