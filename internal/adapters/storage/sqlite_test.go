package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"zombiezen.com/go/sqlite"
)

func openStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "meshvoice.db"), PoolSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMembership(t *testing.T) {
	ctx := context.Background()

	t.Run("insert list delete", func(t *testing.T) {
		s := openStore(t)
		require.NoError(t, s.InsertMembership(ctx, domain.NewMembership("r1", "a", false, false)))
		require.NoError(t, s.InsertMembership(ctx, domain.NewMembership("r1", "b", true, false)))
		require.NoError(t, s.InsertMembership(ctx, domain.NewMembership("r2", "c", false, false)))

		rows, err := s.ListMembership(ctx, "r1")
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, domain.ParticipantID("a"), rows[0].ParticipantID)
		assert.True(t, rows[1].IsMuted)

		require.NoError(t, s.DeleteMembership(ctx, "r1", "a"))
		require.NoError(t, s.DeleteMembership(ctx, "r1", "a"), "deleting a missing row is a no-op")
		rows, err = s.ListMembership(ctx, "r1")
		require.NoError(t, err)
		assert.Len(t, rows, 1)

		removed, err := s.RemoveMembership(ctx, "r1", "b")
		require.NoError(t, err)
		assert.True(t, removed)
		removed, err = s.RemoveMembership(ctx, "r1", "b")
		require.NoError(t, err)
		assert.False(t, removed)
	})

	t.Run("reinsert resets flags and keeps joined at", func(t *testing.T) {
		s := openStore(t)
		first := domain.NewMembership("r1", "a", false, false)
		first.JoinedAt = time.UnixMilli(1_700_000_000_000).UTC()
		require.NoError(t, s.InsertMembership(ctx, first))
		require.NoError(t, s.UpdateMembership(ctx, "r1", "a", domain.MembershipFields{IsSpeaking: domain.Bool(true)}))

		again := domain.NewMembership("r1", "a", true, false)
		require.NoError(t, s.InsertMembership(ctx, again))

		rows, err := s.ListMembership(ctx, "r1")
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.True(t, rows[0].JoinedAt.Equal(first.JoinedAt))
		assert.True(t, rows[0].IsMuted)
		assert.False(t, rows[0].IsSpeaking)
	})

	t.Run("update changes only given fields", func(t *testing.T) {
		s := openStore(t)
		require.NoError(t, s.InsertMembership(ctx, domain.NewMembership("r1", "a", true, false)))
		require.NoError(t, s.UpdateMembership(ctx, "r1", "a", domain.MembershipFields{IsSpeaking: domain.Bool(true)}))

		rows, err := s.ListMembership(ctx, "r1")
		require.NoError(t, err)
		assert.True(t, rows[0].IsMuted)
		assert.True(t, rows[0].IsSpeaking)
		assert.False(t, rows[0].IsDeafened)
	})

	t.Run("update never creates a row", func(t *testing.T) {
		s := openStore(t)
		err := s.UpdateMembership(ctx, "r1", "ghost", domain.MembershipFields{IsMuted: domain.Bool(true)})
		assert.ErrorIs(t, err, core.ErrMembershipNotFound)
		assert.False(t, core.IsTransient(err))

		rows, err := s.ListMembership(ctx, "r1")
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("empty update is a no-op", func(t *testing.T) {
		s := openStore(t)
		assert.NoError(t, s.UpdateMembership(ctx, "r1", "ghost", domain.MembershipFields{}))
	})
}

func TestRooms(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	room, err := s.CreateRoom(ctx, domain.Room{ID: "lobby", CreatedBy: "a"})
	require.NoError(t, err)
	assert.Equal(t, "lobby", room.Name)
	assert.False(t, room.CreatedAt.IsZero())

	_, err = s.CreateRoom(ctx, domain.Room{ID: "lobby"})
	assert.ErrorIs(t, err, core.ErrRoomExists)

	_, err = s.CreateRoom(ctx, domain.Room{})
	assert.ErrorIs(t, err, domain.ErrRoomIDEmpty)

	require.NoError(t, s.InsertMembership(ctx, domain.NewMembership("side", "b", false, false)))

	rooms, err := s.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, domain.RoomID("lobby"), rooms[0].ID)
	assert.Equal(t, domain.ParticipantID("a"), rooms[0].CreatedBy)
	assert.Equal(t, domain.RoomID("side"), rooms[1].ID, "joining registers the room")
}

func TestClassify(t *testing.T) {
	assert.Nil(t, classify("op", nil))
	assert.True(t, core.IsTransient(classify("op", context.DeadlineExceeded)))
	assert.False(t, core.IsTransient(classify("op", errors.New("syntax error"))))

	busy := sqlite.ResultBusy.ToError()
	assert.True(t, core.IsTransient(classify("op", busy)))
}
