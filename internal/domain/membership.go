package domain

import "time"

// RoomMembership is the durable row for one participant in one room.
// At most one row exists per (RoomID, ParticipantID).
type RoomMembership struct {
	RoomID        RoomID        `json:"room_id"`
	ParticipantID ParticipantID `json:"participant_id"`
	JoinedAt      time.Time     `json:"joined_at"`
	IsMuted       bool          `json:"is_muted"`
	IsDeafened    bool          `json:"is_deafened"`
	IsSpeaking    bool          `json:"is_speaking"`
}

// NewMembership avoids raw literals in adapters and keeps construction obvious.
func NewMembership(room RoomID, id ParticipantID, muted, deafened bool) RoomMembership {
	return RoomMembership{
		RoomID:        room,
		ParticipantID: id,
		JoinedAt:      time.Now().UTC(),
		IsMuted:       muted || deafened,
		IsDeafened:    deafened,
	}
}

// MembershipFields is a partial update of a membership row. Nil fields are
// left untouched.
type MembershipFields struct {
	IsMuted    *bool `json:"is_muted,omitempty"`
	IsDeafened *bool `json:"is_deafened,omitempty"`
	IsSpeaking *bool `json:"is_speaking,omitempty"`
}

func (f MembershipFields) Empty() bool {
	return f.IsMuted == nil && f.IsDeafened == nil && f.IsSpeaking == nil
}

// Merge overlays the non-nil fields of other on f.
func (f MembershipFields) Merge(other MembershipFields) MembershipFields {
	if other.IsMuted != nil {
		f.IsMuted = other.IsMuted
	}
	if other.IsDeafened != nil {
		f.IsDeafened = other.IsDeafened
	}
	if other.IsSpeaking != nil {
		f.IsSpeaking = other.IsSpeaking
	}
	return f
}

// Apply writes the non-nil fields into m.
func (f MembershipFields) Apply(m *RoomMembership) {
	if f.IsMuted != nil {
		m.IsMuted = *f.IsMuted
	}
	if f.IsDeafened != nil {
		m.IsDeafened = *f.IsDeafened
	}
	if f.IsSpeaking != nil {
		m.IsSpeaking = *f.IsSpeaking
	}
}

func Bool(v bool) *bool { return &v }

// PresenceRecord is the ephemeral per-connection announcement held by the
// broadcast channel. It is never persisted.
type PresenceRecord struct {
	ParticipantID   ParticipantID `json:"participant_id"`
	DisplayName     string        `json:"display_name"`
	LastAnnouncedAt time.Time     `json:"last_announced_at"`
}
