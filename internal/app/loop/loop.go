// Package loop is the single-consumer event queue that serializes every
// state transition of a room session.
//
// All component state is touched only from functions run by the loop.
// Blocking work goes through Go, which runs it on its own goroutine and
// posts the continuation back. Timers and tickers post their callbacks.
//
// A manual loop (NewManual) never spawns goroutines: Go runs work inline,
// timers follow a virtual clock moved by Advance, and Drain runs whatever
// is queued. Tests drive it from a single goroutine.
package loop

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/meshvoice/internal/core"
)

// Cancel stops a timer or ticker. Safe to call more than once.
type Cancel func()

type Loop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	done   chan struct{}
	closed bool

	manual  bool
	epoch   time.Time
	elapsed time.Duration
	timers  []*manualTimer
	seq     uint64
}

type manualTimer struct {
	at      time.Duration
	seq     uint64
	every   time.Duration
	fn      func()
	stopped *atomic.Bool
}

func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func NewManual() *Loop {
	l := New()
	l.manual = true
	l.epoch = time.Unix(1_700_000_000, 0).UTC()
	return l
}

// Post queues fn. It reports false once the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Go runs work off the loop and posts the continuation it returns.
func (l *Loop) Go(work func() func()) {
	if l.manual {
		if next := work(); next != nil {
			l.Post(next)
		}
		return
	}
	go func() {
		if next := work(); next != nil {
			l.Post(next)
		}
	}()
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	if l.manual {
		if !l.Post(fn) {
			return core.ErrClosed
		}
		l.Drain()
		return nil
	}
	finished := make(chan struct{})
	if !l.Post(func() {
		fn()
		close(finished)
	}) {
		return core.ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		select {
		case <-finished:
			return nil
		default:
			return core.ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) Now() time.Time {
	if l.manual {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.epoch.Add(l.elapsed)
	}
	return time.Now()
}

// AfterFunc posts fn once d has elapsed, unless cancelled first.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Cancel {
	return l.schedule(d, 0, fn)
}

// Every posts fn each interval. A tick is skipped while the previous one
// is still queued.
func (l *Loop) Every(d time.Duration, fn func()) Cancel {
	return l.schedule(d, d, fn)
}

func (l *Loop) schedule(d, every time.Duration, fn func()) Cancel {
	stopped := new(atomic.Bool)
	guarded := func() {
		if !stopped.Load() {
			fn()
		}
	}
	cancel := func() { stopped.Store(true) }

	if l.manual {
		l.mu.Lock()
		l.seq++
		l.timers = append(l.timers, &manualTimer{
			at:      l.elapsed + d,
			seq:     l.seq,
			every:   every,
			fn:      guarded,
			stopped: stopped,
		})
		l.mu.Unlock()
		return cancel
	}

	if every == 0 {
		t := time.AfterFunc(d, func() { l.Post(guarded) })
		return func() {
			cancel()
			t.Stop()
		}
	}

	ticker := time.NewTicker(every)
	quit := make(chan struct{})
	var once sync.Once
	var queued atomic.Bool
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if !queued.CompareAndSwap(false, true) {
					continue
				}
				if !l.Post(func() {
					queued.Store(false)
					guarded()
				}) {
					return
				}
			case <-quit:
				return
			case <-l.done:
				return
			}
		}
	}()
	return func() {
		cancel()
		once.Do(func() { close(quit) })
	}
}

// Run processes queued functions until ctx is done or Close is called.
func (l *Loop) Run(ctx context.Context) error {
	defer l.Close()
	for {
		for _, fn := range l.take() {
			if l.Closed() {
				return nil
			}
			fn()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return nil
		case <-l.wake:
		}
	}
}

// Drain runs queued functions, including ones they queue, until the
// queue is empty. Only for manual loops.
func (l *Loop) Drain() int {
	n := 0
	for {
		batch := l.take()
		if len(batch) == 0 {
			return n
		}
		for _, fn := range batch {
			if l.Closed() {
				return n
			}
			fn()
			n++
		}
	}
}

// Advance moves the virtual clock of a manual loop, firing due timers in
// deadline order and draining after each.
func (l *Loop) Advance(d time.Duration) {
	l.mu.Lock()
	target := l.elapsed + d
	l.mu.Unlock()

	for {
		l.mu.Lock()
		sort.Slice(l.timers, func(i, j int) bool {
			if l.timers[i].at == l.timers[j].at {
				return l.timers[i].seq < l.timers[j].seq
			}
			return l.timers[i].at < l.timers[j].at
		})
		var due *manualTimer
		for i, t := range l.timers {
			if t.stopped.Load() {
				continue
			}
			if t.at <= target {
				due = t
				l.timers = append(l.timers[:i], l.timers[i+1:]...)
			}
			break
		}
		if due == nil {
			l.elapsed = target
			l.pruneLocked()
			l.mu.Unlock()
			l.Drain()
			return
		}
		l.elapsed = due.at
		if due.every > 0 {
			l.seq++
			l.timers = append(l.timers, &manualTimer{
				at:      due.at + due.every,
				seq:     l.seq,
				every:   due.every,
				fn:      due.fn,
				stopped: due.stopped,
			})
		}
		l.mu.Unlock()

		l.Post(due.fn)
		l.Drain()
	}
}

func (l *Loop) pruneLocked() {
	live := l.timers[:0]
	for _, t := range l.timers {
		if !t.stopped.Load() {
			live = append(live, t)
		}
	}
	l.timers = live
}

// Close drops anything still queued and rejects further posts.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.queue = nil
	l.timers = nil
	close(l.done)
}

func (l *Loop) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Done is closed once the loop is closed.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) take() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := l.queue
	l.queue = nil
	return batch
}
