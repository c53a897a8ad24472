package hub

import (
	"sync"
	"testing"
	"time"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSub struct {
	mu     sync.Mutex
	events []core.ChannelEvent
	cap    int
	closed bool
}

func newSub(capacity int) *fakeSub { return &fakeSub{cap: capacity} }

func (s *fakeSub) Deliver(ev core.ChannelEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrClosed
	}
	if s.cap > 0 && len(s.events) >= s.cap {
		return core.ErrBackpressure
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeSub) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *fakeSub) kinds() []core.ChannelEventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.ChannelEventKind, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (s *fakeSub) last() core.ChannelEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[len(s.events)-1]
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func presence(id string) domain.PresenceRecord {
	return domain.PresenceRecord{ParticipantID: domain.ParticipantID(id), DisplayName: id}
}

func ids(recs []domain.PresenceRecord) []domain.ParticipantID {
	out := make([]domain.ParticipantID, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ParticipantID)
	}
	return out
}

func newHub(t *testing.T, cfg Config) *Hub {
	t.Helper()
	return New(cfg, prometheus.NewRegistry())
}

func TestTrack(t *testing.T) {
	t.Run("new subscriber gets sync and others get join", func(t *testing.T) {
		h := newHub(t, DefaultConfig())
		a, b := newSub(0), newSub(0)
		require.NoError(t, h.Track("r1", "c-a", presence("a"), a))
		require.NoError(t, h.Track("r1", "c-b", presence("b"), b))

		assert.Equal(t, []core.ChannelEventKind{core.EventPresenceSync, core.EventPresenceJoin}, a.kinds())
		assert.Equal(t, []domain.ParticipantID{"b"}, ids(a.last().Presences))

		assert.Equal(t, []core.ChannelEventKind{core.EventPresenceSync}, b.kinds())
		assert.Equal(t, []domain.ParticipantID{"a", "b"}, ids(b.last().Presences))
		assert.False(t, b.last().Presences[0].LastAnnouncedAt.IsZero())

		assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.subscribers))
		assert.Equal(t, []RoomInfo{{ID: "r1", Members: 2}}, h.Rooms())
	})

	t.Run("rejects invalid ids", func(t *testing.T) {
		h := newHub(t, DefaultConfig())
		assert.ErrorIs(t, h.Track("", "c", presence("a"), newSub(0)), domain.ErrRoomIDEmpty)
		assert.ErrorIs(t, h.Track("r1", "c", presence(""), newSub(0)), domain.ErrParticipantIDEmpty)
	})

	t.Run("second connection of a participant replaces the first", func(t *testing.T) {
		h := newHub(t, DefaultConfig())
		a1, a2, b := newSub(0), newSub(0), newSub(0)
		require.NoError(t, h.Track("r1", "c-a1", presence("a"), a1))
		require.NoError(t, h.Track("r1", "c-b", presence("b"), b))
		require.NoError(t, h.Track("r1", "c-a2", presence("a"), a2))

		assert.True(t, a1.isClosed())
		assert.Equal(t, []core.ChannelEventKind{core.EventPresenceSync, core.EventPresenceJoin}, b.kinds())
		assert.Equal(t, []domain.ParticipantID{"a", "b"}, ids(h.Presences("r1")))
		assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.subscribers))

		assert.False(t, h.Untrack("r1", "c-a1"), "replaced connection is no longer tracked")
		assert.Equal(t, []core.ChannelEventKind{core.EventPresenceSync, core.EventPresenceJoin}, b.kinds())
	})
}

func TestUntrack(t *testing.T) {
	h := newHub(t, DefaultConfig())
	a, b := newSub(0), newSub(0)
	require.NoError(t, h.Track("r1", "c-a", presence("a"), a))
	require.NoError(t, h.Track("r1", "c-b", presence("b"), b))

	assert.True(t, h.Untrack("r1", "c-b"))
	ev := a.last()
	assert.Equal(t, core.EventPresenceLeave, ev.Kind)
	assert.Equal(t, []domain.ParticipantID{"b"}, ids(ev.Presences))

	assert.True(t, h.Untrack("r1", "c-a"))
	assert.Empty(t, h.Rooms(), "empty rooms are pruned")
	assert.False(t, h.Untrack("r1", "c-a"))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.subscribers))
}

func TestBroadcast(t *testing.T) {
	t.Run("fans out to everyone but the sender", func(t *testing.T) {
		h := newHub(t, DefaultConfig())
		a, b, c := newSub(0), newSub(0), newSub(0)
		require.NoError(t, h.Track("r1", "c-a", presence("a"), a))
		require.NoError(t, h.Track("r1", "c-b", presence("b"), b))
		require.NoError(t, h.Track("r1", "c-c", presence("c"), c))

		res, err := h.Broadcast("r1", "c-a", core.Frame(`{"x":1}`))
		require.NoError(t, err)
		assert.Equal(t, PublishResult{SentTo: 2}, res)
		assert.Equal(t, core.EventMessage, b.last().Kind)
		assert.Equal(t, core.Frame(`{"x":1}`), c.last().Payload)
		assert.NotEqual(t, core.EventMessage, a.last().Kind)
		assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.messages.WithLabelValues("sent")))
	})

	t.Run("untracked sender is rejected", func(t *testing.T) {
		h := newHub(t, DefaultConfig())
		_, err := h.Broadcast("r1", "nobody", nil)
		assert.ErrorIs(t, err, ErrNotTracked)

		require.NoError(t, h.Track("r1", "c-a", presence("a"), newSub(0)))
		_, err = h.Broadcast("r1", "nobody", nil)
		assert.ErrorIs(t, err, ErrNotTracked)
	})

	t.Run("slow subscriber is kicked", func(t *testing.T) {
		h := newHub(t, DefaultConfig())
		a, slow := newSub(0), newSub(1)
		require.NoError(t, h.Track("r1", "c-a", presence("a"), a))
		require.NoError(t, h.Track("r1", "c-s", presence("s"), slow))

		res, err := h.Broadcast("r1", "c-a", core.Frame("x"))
		require.NoError(t, err)
		assert.Equal(t, 1, res.Dropped)
		assert.True(t, slow.isClosed())
		assert.Equal(t, []domain.ParticipantID{"a"}, ids(h.Presences("r1")))
		assert.Equal(t, core.EventPresenceLeave, a.last().Kind)
	})

	t.Run("tolerant policy keeps slow subscriber", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Policy = TolerantPolicy{}
		h := newHub(t, cfg)
		a, slow := newSub(0), newSub(1)
		require.NoError(t, h.Track("r1", "c-a", presence("a"), a))
		require.NoError(t, h.Track("r1", "c-s", presence("s"), slow))

		_, err := h.Broadcast("r1", "c-a", core.Frame("x"))
		require.NoError(t, err)
		assert.False(t, slow.isClosed())
		assert.Len(t, h.Presences("r1"), 2)
	})

	t.Run("rate limit", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.RateLimit = 2
		cfg.RateInterval = time.Hour
		h := newHub(t, cfg)
		require.NoError(t, h.Track("r1", "c-a", presence("a"), newSub(0)))

		for range 2 {
			_, err := h.Broadcast("r1", "c-a", core.Frame("x"))
			require.NoError(t, err)
		}
		_, err := h.Broadcast("r1", "c-a", core.Frame("x"))
		assert.ErrorIs(t, err, ErrRateLimited)
	})
}

func TestNotifyMembership(t *testing.T) {
	h := newHub(t, DefaultConfig())
	a, b := newSub(0), newSub(0)
	require.NoError(t, h.Track("r1", "c-a", presence("a"), a))
	require.NoError(t, h.Track("r1", "c-b", presence("b"), b))

	h.NotifyMembership("r1")
	assert.Equal(t, core.EventMembershipChanged, a.last().Kind)
	assert.Equal(t, core.EventMembershipChanged, b.last().Kind)

	h.NotifyMembership("unknown")
}

func TestRateLimiter(t *testing.T) {
	now := time.Unix(0, 0)
	rl := NewRateLimiter(2, time.Second)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("c"))
	assert.True(t, rl.Allow("c"))
	assert.False(t, rl.Allow("c"))
	assert.True(t, rl.Allow("other"))

	now = now.Add(1100 * time.Millisecond)
	assert.True(t, rl.Allow("c"), "window slides")

	rl.Forget("c")
	assert.True(t, NewRateLimiter(0, time.Second).Allow("c"), "zero limit disables limiting")
}
