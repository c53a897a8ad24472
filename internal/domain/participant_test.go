package domain_test

import (
	"strings"
	"testing"

	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewParticipant(t *testing.T) {
	t.Run("falls back to id for display name", func(t *testing.T) {
		p, err := domain.NewParticipant("alice", "")
		require.NoError(t, err)
		assert.Equal(t, "alice", p.DisplayName)
	})

	t.Run("rejects empty id", func(t *testing.T) {
		_, err := domain.NewParticipant("", "Alice")
		assert.ErrorIs(t, err, domain.ErrParticipantIDEmpty)
	})

	t.Run("rejects long display name", func(t *testing.T) {
		_, err := domain.NewParticipant("alice", strings.Repeat("a", domain.MaxDisplayNameLen+1))
		assert.ErrorIs(t, err, domain.ErrDisplayNameTooLong)
	})

	t.Run("trims display name", func(t *testing.T) {
		p, err := domain.NewParticipant("alice", "  Alice ")
		require.NoError(t, err)
		assert.Equal(t, "Alice", p.DisplayName)
	})
}

func TestMembershipFields(t *testing.T) {
	t.Run("deafened membership is muted", func(t *testing.T) {
		m := domain.NewMembership("r1", "a", false, true)
		assert.True(t, m.IsMuted)
		assert.True(t, m.IsDeafened)
	})

	t.Run("merge keeps latest value per field", func(t *testing.T) {
		f := domain.MembershipFields{IsMuted: domain.Bool(true)}
		f = f.Merge(domain.MembershipFields{IsSpeaking: domain.Bool(true)})
		f = f.Merge(domain.MembershipFields{IsMuted: domain.Bool(false)})

		m := domain.RoomMembership{}
		f.Apply(&m)
		assert.False(t, m.IsMuted)
		assert.True(t, m.IsSpeaking)
		assert.False(t, m.IsDeafened)
	})

	t.Run("empty", func(t *testing.T) {
		assert.True(t, domain.MembershipFields{}.Empty())
		assert.False(t, domain.MembershipFields{IsDeafened: domain.Bool(false)}.Empty())
	})
}
