// internal/bus/bus.go
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/chauffeur/internal/events"
)

var (
	// ErrBusClosed is returned for any dispatch or wait that cannot complete
	// because the bus has shut down.
	ErrBusClosed = errors.New("session bus is closed")
	// ErrExpectTimeout is returned when Expect's window elapses before a
	// matching event arrives.
	ErrExpectTimeout = errors.New("timed out waiting for event")
)

// Event is the envelope for everything that travels over the SessionBus.
// Sequence numbers and history order are assigned at dispatch time.
type Event struct {
	ID        uuid.UUID
	Seq       uint64
	Timestamp time.Time
	Kind      events.Kind
	Payload   events.Payload

	pending *Pending
}

// SetResult stores a value in the event's result slot. Command handlers use
// this to hand data (screenshot bytes, cookie lists, ...) back to the
// dispatcher awaiting the handle.
func (e *Event) SetResult(v any) {
	e.pending.setResult(v)
}

// Pending is the awaitable handle returned by Dispatch. It resolves exactly
// once: after every registered handler ran, or with a terminal error when the
// bus shuts down first.
type Pending struct {
	ev   *Event
	done chan struct{}

	mu     sync.Mutex
	err    error
	result any
}

// Event returns the envelope this handle tracks.
func (p *Pending) Event() *Event { return p.ev }

// Done is closed once the handle has resolved.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Err returns the joined handler errors. Only meaningful after Done.
func (p *Pending) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Result returns the value stored by a handler, if any. Only meaningful
// after Done.
func (p *Pending) Result() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// Wait blocks until the handle resolves or the context ends, and returns the
// terminal error either way.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pending) setResult(v any) {
	p.mu.Lock()
	p.result = v
	p.mu.Unlock()
}

// resolve completes the handle. Safe to call once only; the bus guarantees
// that.
func (p *Pending) resolve(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.done)
}

// Handler processes one event. The context is the bus's own lifetime context,
// not the dispatcher's: a caller abandoning its wait must not stop the other
// handlers from observing the event.
type Handler func(ctx context.Context, ev *Event) error

type registration struct {
	name    string
	handler Handler
}

type waiter struct {
	kind events.Kind
	pred func(*Event) bool
	ch   chan *Event
}

// SessionBus is the single cooperative scheduling domain of one browser
// session. All handlers run sequentially on one dispatch goroutine, so
// handler-owned state needs no locking. Dispatch never blocks; the queue is
// unbounded and ordering is strict.
type SessionBus struct {
	logger *zap.Logger

	mu       sync.Mutex
	seq      uint64
	queue    []*Event
	history  []*Event
	handlers map[events.Kind][]registration
	waiters  []*waiter
	closed   bool

	wake chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	loopDone     chan struct{}
	shutdownOnce sync.Once
}

// NewSessionBus initializes the bus and starts its dispatch loop. Callers
// must Shutdown the bus to release the loop goroutine.
func NewSessionBus(logger *zap.Logger) *SessionBus {
	ctx, cancel := context.WithCancel(context.Background())
	sb := &SessionBus{
		logger:   logger.Named("bus"),
		handlers: make(map[events.Kind][]registration),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
	}
	go sb.loop()
	return sb
}

// On registers a handler for one event kind. Handlers run in registration
// order when an event of that kind is processed. The name appears in logs
// when a handler fails.
func (sb *SessionBus) On(kind events.Kind, name string, h Handler) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.handlers[kind] = append(sb.handlers[kind], registration{name: name, handler: h})
}

// Dispatch appends the event to the history, enqueues it for processing and
// returns its handle. The handle always resolves: with the joined handler
// errors, or with ErrBusClosed if the bus shuts down before processing.
func (sb *SessionBus) Dispatch(payload events.Payload) *Pending {
	ev := &Event{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		Kind:      payload.Kind(),
		Payload:   payload,
	}
	ev.pending = &Pending{ev: ev, done: make(chan struct{})}

	sb.mu.Lock()
	if sb.closed {
		sb.mu.Unlock()
		ev.pending.resolve(ErrBusClosed)
		return ev.pending
	}
	sb.seq++
	ev.Seq = sb.seq
	sb.history = append(sb.history, ev)
	sb.queue = append(sb.queue, ev)
	sb.mu.Unlock()

	sb.logger.Debug("Dispatched event.",
		zap.String("kind", string(ev.Kind)),
		zap.Uint64("seq", ev.Seq),
		zap.String("id", ev.ID.String()))

	// Nudge the loop; a pending wakeup already covers us.
	select {
	case sb.wake <- struct{}{}:
	default:
	}
	return ev.pending
}

// Expect blocks until an event of the given kind satisfying pred arrives, the
// timeout elapses, or the context ends. The waiter is installed before Expect
// returns control to the triggering code path, so registering first and
// dispatching second guarantees delivery. A nil pred matches any event of the
// kind. On timeout the waiter is removed so nothing leaks.
func (sb *SessionBus) Expect(ctx context.Context, kind events.Kind, pred func(*Event) bool, timeout time.Duration) (*Event, error) {
	w := &waiter{kind: kind, pred: pred, ch: make(chan *Event, 1)}

	sb.mu.Lock()
	if sb.closed {
		sb.mu.Unlock()
		return nil, ErrBusClosed
	}
	sb.waiters = append(sb.waiters, w)
	sb.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-w.ch:
		return ev, nil
	case <-timer.C:
		sb.removeWaiter(w)
		return nil, fmt.Errorf("expect %s after %s: %w", kind, timeout, ErrExpectTimeout)
	case <-ctx.Done():
		sb.removeWaiter(w)
		return nil, ctx.Err()
	case <-sb.ctx.Done():
		sb.removeWaiter(w)
		return nil, ErrBusClosed
	}
}

// ExpectResult carries the outcome of an ExpectAsync registration.
type ExpectResult struct {
	Event *Event
	Err   error
}

// ExpectAsync installs the waiter synchronously, like Expect, but returns
// immediately with a channel delivering the outcome. Callers use it to
// register for a terminal notification before dispatching the event that
// triggers it.
func (sb *SessionBus) ExpectAsync(ctx context.Context, kind events.Kind, pred func(*Event) bool, timeout time.Duration) <-chan ExpectResult {
	out := make(chan ExpectResult, 1)
	w := &waiter{kind: kind, pred: pred, ch: make(chan *Event, 1)}

	sb.mu.Lock()
	if sb.closed {
		sb.mu.Unlock()
		out <- ExpectResult{Err: ErrBusClosed}
		return out
	}
	sb.waiters = append(sb.waiters, w)
	sb.mu.Unlock()

	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case ev := <-w.ch:
			out <- ExpectResult{Event: ev}
		case <-timer.C:
			sb.removeWaiter(w)
			out <- ExpectResult{Err: fmt.Errorf("expect %s after %s: %w", kind, timeout, ErrExpectTimeout)}
		case <-ctx.Done():
			sb.removeWaiter(w)
			out <- ExpectResult{Err: ctx.Err()}
		case <-sb.ctx.Done():
			sb.removeWaiter(w)
			out <- ExpectResult{Err: ErrBusClosed}
		}
	}()
	return out
}

// History returns a snapshot of the append-only event history.
func (sb *SessionBus) History() []*Event {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	out := make([]*Event, len(sb.history))
	copy(out, sb.history)
	return out
}

// Shutdown stops the bus. Events already queued are still processed (graceful
// drain); anything dispatched afterwards resolves immediately with
// ErrBusClosed. Blocks until the dispatch loop has exited.
func (sb *SessionBus) Shutdown() {
	sb.shutdownOnce.Do(func() {
		sb.logger.Info("Shutting down session bus...")

		// 1. Refuse new dispatches.
		sb.mu.Lock()
		sb.closed = true
		sb.mu.Unlock()

		// 2. Wake the loop so it drains and exits, and release any waiters.
		sb.cancel()
		select {
		case sb.wake <- struct{}{}:
		default:
		}

		// 3. Wait for the drain to finish.
		<-sb.loopDone
		sb.logger.Info("Session bus shut down gracefully.")
	})
}

func (sb *SessionBus) removeWaiter(w *waiter) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	for i, cand := range sb.waiters {
		if cand == w {
			sb.waiters = append(sb.waiters[:i], sb.waiters[i+1:]...)
			return
		}
	}
}

// loop is the dispatch goroutine: it pops queued events in order and
// processes each one to completion before touching the next.
func (sb *SessionBus) loop() {
	defer close(sb.loopDone)
	for {
		sb.mu.Lock()
		batch := sb.queue
		sb.queue = nil
		closed := sb.closed
		sb.mu.Unlock()

		for _, ev := range batch {
			sb.process(ev)
		}

		if closed {
			// One final sweep: handlers running during the drain may have
			// dispatched before the closed flag was visible to them.
			sb.mu.Lock()
			rest := sb.queue
			sb.queue = nil
			sb.mu.Unlock()
			for _, ev := range rest {
				ev.pending.resolve(ErrBusClosed)
			}
			return
		}

		select {
		case <-sb.wake:
		case <-sb.ctx.Done():
			// Loop back around for the drain pass.
		}
	}
}

// process delivers the event to matching Expect waiters first, then runs the
// registered handlers in order. One handler's failure is recorded on the
// handle but never prevents the remaining handlers from running.
func (sb *SessionBus) process(ev *Event) {
	// 1. Satisfy waiters. Matching entries are removed; each waiter fires at
	//    most once.
	sb.mu.Lock()
	kept := sb.waiters[:0]
	for _, w := range sb.waiters {
		if w.kind == ev.Kind && (w.pred == nil || w.pred(ev)) {
			w.ch <- ev
			continue
		}
		kept = append(kept, w)
	}
	sb.waiters = kept

	// 2. Snapshot the ordered handler list.
	regs := sb.handlers[ev.Kind]
	snapshot := make([]registration, len(regs))
	copy(snapshot, regs)
	sb.mu.Unlock()

	// 3. Run handlers sequentially, isolating each failure.
	var errs []error
	for _, reg := range snapshot {
		if err := sb.invoke(reg, ev); err != nil {
			sb.logger.Warn("Event handler failed.",
				zap.String("kind", string(ev.Kind)),
				zap.String("handler", reg.name),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", reg.name, err))
		}
	}

	// 4. Terminal resolution, always.
	ev.pending.resolve(errors.Join(errs...))
}

// invoke runs one handler with panic isolation. A panicking handler becomes
// an error on the handle; the dispatch loop itself must never die.
func (sb *SessionBus) invoke(reg registration, ev *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return reg.handler(sb.ctx, ev)
}
