package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMapping(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "boom"})
	}))
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL+"/", nil)
	ctx := context.Background()
	fields := domain.MembershipFields{IsMuted: domain.Bool(true)}

	t.Run("not found is permanent", func(t *testing.T) {
		status = http.StatusNotFound
		err := c.UpdateMembership(ctx, "r1", "a", fields)
		assert.ErrorIs(t, err, core.ErrMembershipNotFound)
		assert.False(t, core.IsTransient(err))
	})

	t.Run("server errors are transient", func(t *testing.T) {
		for _, s := range []int{http.StatusServiceUnavailable, http.StatusInternalServerError, http.StatusTooManyRequests} {
			status = s
			err := c.DeleteMembership(ctx, "r1", "a")
			require.Error(t, err)
			assert.True(t, core.IsTransient(err), "status %d", s)
			assert.ErrorContains(t, err, "boom")
		}
	})

	t.Run("bad request is permanent", func(t *testing.T) {
		status = http.StatusBadRequest
		err := c.InsertMembership(ctx, domain.NewMembership("r1", "a", false, false))
		assert.False(t, core.IsTransient(err))
	})

	t.Run("conflict", func(t *testing.T) {
		status = http.StatusConflict
		_, err := c.CreateRoom(ctx, domain.Room{ID: "r1"})
		assert.ErrorIs(t, err, core.ErrRoomExists)
	})

	t.Run("unreachable hub is transient", func(t *testing.T) {
		dead := httptest.NewServer(http.NotFoundHandler())
		dead.Close()
		_, err := NewClient(dead.URL, nil).ListMembership(ctx, "r1")
		assert.True(t, core.IsTransient(err))
	})
}

func TestRequests(t *testing.T) {
	var got struct {
		method, path string
		body         map[string]any
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method, got.path = r.Method, r.URL.EscapedPath()
		got.body = nil
		_ = json.NewDecoder(r.Body).Decode(&got.body)
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/rooms":
			_ = json.NewEncoder(w).Encode(map[string]any{"rooms": []domain.Room{{ID: "lobby", Name: "Lobby"}}})
		case r.Method == http.MethodGet:
			_ = json.NewEncoder(w).Encode([]domain.RoomMembership{{RoomID: "a b", ParticipantID: "x", IsSpeaking: true}})
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, nil)
	ctx := context.Background()

	require.NoError(t, c.UpdateMembership(ctx, "a b", "x", domain.MembershipFields{IsSpeaking: domain.Bool(false)}))
	assert.Equal(t, http.MethodPatch, got.method)
	assert.Equal(t, "/api/rooms/a%20b/members/x", got.path)
	assert.Equal(t, map[string]any{"is_speaking": false}, got.body, "only set fields are sent")

	rows, err := c.ListMembership(ctx, "a b")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].IsSpeaking)

	rooms, err := c.ListRooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Lobby", rooms[0].Name)
}
