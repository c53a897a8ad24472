package liveness_test

import (
	"errors"
	"testing"
	"time"

	"github.com/dkeye/meshvoice/internal/app/apptest"
	"github.com/dkeye/meshvoice/internal/app/liveness"
	"github.com/dkeye/meshvoice/internal/app/loop"
	"github.com/dkeye/meshvoice/internal/app/membership"
	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const room domain.RoomID = "R1"

type fixture struct {
	loop    *loop.Loop
	store   *apptest.MemoryStore
	tracker *membership.Tracker
	rec     *liveness.Reconciler
	stale   []domain.ParticipantID
	passes  int
}

func newFixture(t *testing.T, rows ...domain.ParticipantID) *fixture {
	t.Helper()
	f := &fixture{
		loop:    loop.NewManual(),
		store:   apptest.NewMemoryStore(),
		tracker: membership.NewTracker("a"),
	}
	for _, id := range rows {
		f.store.Put(domain.RoomMembership{RoomID: room, ParticipantID: id})
	}
	f.rec = liveness.New(room, "a", f.loop, f.store, f.tracker, liveness.DefaultConfig(), liveness.Hooks{
		OnPass:  func([]domain.RoomMembership) { f.passes++ },
		OnStale: func(id domain.ParticipantID) { f.stale = append(f.stale, id) },
	})
	return f
}

func (f *fixture) sync(ids ...domain.ParticipantID) {
	var recs []domain.PresenceRecord
	for _, id := range ids {
		recs = append(recs, domain.PresenceRecord{ParticipantID: id})
	}
	f.tracker.OnPresenceSync(recs)
}

func (f *fixture) present() []domain.ParticipantID {
	var out []domain.ParticipantID
	for _, row := range f.store.Rows(room) {
		out = append(out, row.ParticipantID)
	}
	return out
}

func TestTimerRemovesUncorroboratedRows(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	f.sync("a", "b")
	f.rec.Start()

	f.loop.Advance(59 * time.Second)
	assert.Zero(t, f.passes)
	assert.Len(t, f.present(), 3)

	f.loop.Advance(time.Second)
	assert.Equal(t, 1, f.passes)
	assert.Equal(t, []domain.ParticipantID{"a", "b"}, f.present())
	assert.Equal(t, []domain.ParticipantID{"c"}, f.stale)

	t.Run("never removes own row", func(t *testing.T) {
		f.sync("b")
		f.loop.Advance(time.Minute)
		assert.Equal(t, []domain.ParticipantID{"a", "b"}, f.present())
	})
}

func TestSkipsUntilSynced(t *testing.T) {
	f := newFixture(t, "a", "b")
	f.rec.Start()
	f.loop.Advance(time.Minute)
	assert.Zero(t, f.store.Calls(apptest.OpList))

	f.sync("a", "b")
	f.tracker.Interrupt()
	f.loop.Advance(time.Minute)
	assert.Zero(t, f.store.Calls(apptest.OpList))
	assert.Len(t, f.present(), 2)

	f.sync("a")
	f.loop.Advance(time.Minute)
	assert.Equal(t, []domain.ParticipantID{"a"}, f.present())
}

func TestStoreErrorsRetryNextPass(t *testing.T) {
	f := newFixture(t, "a", "b")
	f.sync("a")
	f.store.FailNext(apptest.OpList, core.Transient(apptest.OpList, errors.New("timeout")))
	f.store.FailNext(apptest.OpDelete, core.Transient(apptest.OpDelete, errors.New("timeout")))
	f.rec.Start()

	f.loop.Advance(time.Minute)
	assert.Len(t, f.present(), 2, "listing failed")
	f.loop.Advance(time.Minute)
	assert.Len(t, f.present(), 2, "delete failed")
	assert.Empty(t, f.stale)

	f.loop.Advance(time.Minute)
	assert.Equal(t, []domain.ParticipantID{"a"}, f.present())
	assert.Equal(t, []domain.ParticipantID{"b"}, f.stale)
}

func TestHiddenGrace(t *testing.T) {
	t.Run("fires after grace", func(t *testing.T) {
		f := newFixture(t, "a", "b")
		f.sync("a")
		f.rec.SetVisible(false)
		f.loop.Advance(9 * time.Second)
		assert.Len(t, f.present(), 2)
		f.loop.Advance(time.Second)
		assert.Equal(t, []domain.ParticipantID{"a"}, f.present())
	})

	t.Run("cancelled by visibility", func(t *testing.T) {
		f := newFixture(t, "a", "b")
		f.sync("a")
		f.rec.SetVisible(false)
		f.loop.Advance(5 * time.Second)
		f.rec.SetVisible(true)
		f.loop.Advance(time.Minute)
		assert.Len(t, f.present(), 2)
		assert.Zero(t, f.store.Calls(apptest.OpList))
	})
}

func TestDepartAndClose(t *testing.T) {
	f := newFixture(t, "a", "b")
	f.sync("a", "b")
	f.rec.Start()

	require.NoError(t, f.rec.Depart(t.Context()))
	assert.Equal(t, []domain.ParticipantID{"b"}, f.present())
	require.NoError(t, f.rec.Depart(t.Context()), "idempotent")

	f.rec.Close()
	f.sync("a")
	f.loop.Advance(5 * time.Minute)
	assert.Zero(t, f.store.Calls(apptest.OpList))
	assert.Equal(t, []domain.ParticipantID{"b"}, f.present())
}
