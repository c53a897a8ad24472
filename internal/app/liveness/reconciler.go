// Package liveness prunes membership rows that presence no longer
// corroborates.
package liveness

import (
	"context"
	"time"

	"github.com/dkeye/meshvoice/internal/app/loop"
	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/rs/zerolog/log"
)

// Presence is the view rows are checked against.
type Presence interface {
	Synced() bool
	Contains(domain.ParticipantID) bool
}

type Config struct {
	Interval    time.Duration
	HiddenGrace time.Duration
}

func DefaultConfig() Config {
	return Config{Interval: 60 * time.Second, HiddenGrace: 10 * time.Second}
}

type Hooks struct {
	// OnPass receives the rows of every successful listing, before stale
	// rows are deleted.
	OnPass func(rows []domain.RoomMembership)
	// OnStale is called for every row deleted whose participant is still
	// absent from presence.
	OnStale func(domain.ParticipantID)
}

// Reconciler is not safe for concurrent use; it lives on the room loop.
type Reconciler struct {
	room     domain.RoomID
	self     domain.ParticipantID
	loop     *loop.Loop
	store    core.Store
	presence Presence
	cfg      Config
	hooks    Hooks

	ctx        context.Context
	cancel     context.CancelFunc
	stopTicker loop.Cancel
	hidden     loop.Cancel
	running    bool
	closed     bool
}

func New(room domain.RoomID, self domain.ParticipantID, l *loop.Loop, store core.Store, presence Presence, cfg Config, hooks Hooks) *Reconciler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.HiddenGrace <= 0 {
		cfg.HiddenGrace = def.HiddenGrace
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		room:     room,
		self:     self,
		loop:     l,
		store:    store,
		presence: presence,
		cfg:      cfg,
		hooks:    hooks,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (r *Reconciler) Start() {
	if r.closed || r.stopTicker != nil {
		return
	}
	r.stopTicker = r.loop.Every(r.cfg.Interval, func() { r.Trigger("timer") })
}

// SetVisible schedules a pass once the client has been hidden for the
// grace period. Becoming visible again cancels it.
func (r *Reconciler) SetVisible(visible bool) {
	if r.closed {
		return
	}
	if visible {
		if r.hidden != nil {
			r.hidden()
			r.hidden = nil
		}
		return
	}
	if r.hidden != nil {
		return
	}
	r.hidden = r.loop.AfterFunc(r.cfg.HiddenGrace, func() {
		r.hidden = nil
		r.Trigger("hidden")
	})
}

// Trigger starts a pass unless one is in flight or presence is not synced.
func (r *Reconciler) Trigger(reason string) {
	if r.closed || r.running {
		return
	}
	if !r.presence.Synced() {
		log.Debug().Str("module", "liveness").Str("reason", reason).Msg("presence not synced, skipping pass")
		return
	}
	r.running = true

	ctx, store, room := r.ctx, r.store, r.room
	r.loop.Go(func() func() {
		rows, err := store.ListMembership(ctx, room)
		return func() { r.onList(reason, rows, err) }
	})
}

func (r *Reconciler) onList(reason string, rows []domain.RoomMembership, err error) {
	r.running = false
	if r.closed {
		return
	}
	if err != nil {
		log.Warn().Str("module", "liveness").Str("room", string(r.room)).Err(err).Bool("transient", core.IsTransient(err)).Msg("listing membership")
		return
	}
	if r.hooks.OnPass != nil {
		r.hooks.OnPass(rows)
	}
	if !r.presence.Synced() {
		return
	}

	var stale []domain.ParticipantID
	for _, row := range rows {
		if row.ParticipantID == r.self || r.presence.Contains(row.ParticipantID) {
			continue
		}
		stale = append(stale, row.ParticipantID)
	}
	if len(stale) == 0 {
		return
	}
	log.Info().Str("module", "liveness").Str("room", string(r.room)).Str("reason", reason).Int("stale", len(stale)).Msg("removing stale members")

	ctx, store, room := r.ctx, r.store, r.room
	r.loop.Go(func() func() {
		var deleted []domain.ParticipantID
		for _, id := range stale {
			if err := store.DeleteMembership(ctx, room, id); err != nil {
				log.Warn().Str("module", "liveness").Str("peer", string(id)).Err(err).Msg("deleting stale member")
				continue
			}
			deleted = append(deleted, id)
		}
		return func() { r.onDeleted(deleted) }
	})
}

func (r *Reconciler) onDeleted(deleted []domain.ParticipantID) {
	if r.closed {
		return
	}
	for _, id := range deleted {
		if r.presence.Contains(id) {
			continue
		}
		if r.hooks.OnStale != nil {
			r.hooks.OnStale(id)
		}
	}
}

// Depart deletes the local row. It blocks and is meant to be called off
// the loop while leaving.
func (r *Reconciler) Depart(ctx context.Context) error {
	return r.store.DeleteMembership(ctx, r.room, r.self)
}

// Close stops the timers and drops results of in-flight passes.
func (r *Reconciler) Close() {
	if r.closed {
		return
	}
	r.closed = true
	if r.stopTicker != nil {
		r.stopTicker()
	}
	if r.hidden != nil {
		r.hidden()
	}
	r.cancel()
}
