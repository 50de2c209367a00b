// Package watcher multiplexes one upstream subscription among many local
// listeners.
//
// A Watcher owns a single subscription set on a connection. The first Attach
// subscribes upstream and the last Detach unsubscribes; listeners in between
// share the set. Every message tagged with the watcher's set is filtered
// against its filter and handed to each attached listener, in arrival order
// per listener, with a panicking listener isolated from the rest.
//
// Dispose is terminal: it tears the subscription down regardless of how many
// listeners remain, and every later Attach fails with ErrAlreadyDisposed.
package watcher

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/jsherman999/domwatch/internal/connection"
	"github.com/jsherman999/domwatch/internal/dom"
)

const DefaultTeardownTimeout = 10 * time.Second

type State int

const (
	Unsubscribed State = iota
	Subscribed
	Disposed
)

func (s State) String() string {
	switch s {
	case Unsubscribed:
		return "unsubscribed"
	case Subscribed:
		return "subscribed"
	case Disposed:
		return "disposed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type ListenerID uint64

// Listener receives filtered change events. The event is shared between
// listeners and must not be modified.
type Listener func(ev *dom.InstancesChangedEvent)

type Option func(*Watcher)

func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithFaultHandler is called, on the delivering goroutine, after a listener
// panicked and was recovered.
func WithFaultHandler(fn func(*ListenerFault)) Option {
	return func(w *Watcher) { w.onFault = fn }
}

// WithTeardownTimeout bounds the upstream unsubscribe issued by Dispose.
func WithTeardownTimeout(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.teardownTimeout = d
		}
	}
}

type listener struct {
	id ListenerID
	fn Listener

	// deliverMu serializes deliveries to this listener. detached is checked
	// under it but written without it, so a listener may detach itself.
	deliverMu sync.Mutex
	detached  atomic.Bool
}

type Watcher struct {
	conn            connection.Connection
	filter          dom.Filter
	setID           string
	logger          *zap.Logger
	onFault         func(*ListenerFault)
	teardownTimeout time.Duration

	mu        sync.Mutex
	state     State
	nextID    ListenerID
	listeners map[ListenerID]*listener
	handler   connection.HandlerID

	// snapshot is replaced under mu and read without it on delivery.
	snapshot atomic.Pointer[[]*listener]
}

// New validates its arguments and returns an unsubscribed watcher. Nothing is
// sent upstream until the first Attach.
func New(conn connection.Connection, filter dom.Filter, opts ...Option) (*Watcher, error) {
	if conn == nil {
		return nil, fmt.Errorf("%w: connection is required", ErrInvalidArgument)
	}
	if err := filter.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	w := &Watcher{
		conn:            conn,
		filter:          filter,
		setID:           "DomInstanceSubscription_Watcher_" + uuid.NewString(),
		logger:          zap.NewNop(),
		teardownTimeout: DefaultTeardownTimeout,
		listeners:       make(map[ListenerID]*listener),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(
		zap.String("component", "watcher"),
		zap.String("set", w.setID),
		zap.String("module", filter.Module),
	)
	w.publishLocked()
	return w, nil
}

// Attach registers fn. The first attachment subscribes upstream; if that fails
// the watcher is left exactly as it was and a *ConnectError is returned.
func (w *Watcher) Attach(ctx context.Context, fn Listener) (ListenerID, error) {
	if fn == nil {
		return 0, fmt.Errorf("%w: listener is required", ErrInvalidArgument)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == Disposed {
		return 0, ErrAlreadyDisposed
	}

	w.nextID++
	l := &listener{id: w.nextID, fn: fn}
	w.listeners[l.id] = l
	w.publishLocked()

	if w.state == Unsubscribed {
		// The handler and the new listener are in place before Subscribe so an
		// event arriving right after the upstream ack is not lost.
		w.handler = w.conn.AddHandler(w.handleMessage)
		if err := w.conn.Subscribe(ctx, w.setID, w.filter); err != nil {
			l.detached.Store(true)
			delete(w.listeners, l.id)
			w.publishLocked()
			w.conn.RemoveHandler(w.handler)
			w.handler = 0
			subscribeFailuresTotal.WithLabelValues(w.filter.Module).Inc()
			w.logger.Warn("subscribe failed", zap.Error(err))
			return 0, &ConnectError{SetID: w.setID, Err: err}
		}
		w.state = Subscribed
		subscribesTotal.WithLabelValues(w.filter.Module).Inc()
		w.logger.Debug("subscribed")
	}

	listenersGauge.WithLabelValues(w.filter.Module).Inc()
	w.logger.Debug("listener attached", zap.Uint64("listener", uint64(l.id)), zap.Int("refcount", len(w.listeners)))
	return l.id, nil
}

// Detach removes a listener. Unknown or already detached ids are ignored.
// Detaching the last listener unsubscribes upstream; a failure there is logged.
// Detach may be called from inside a listener, including the one being removed.
func (w *Watcher) Detach(ctx context.Context, id ListenerID) {
	w.mu.Lock()
	defer w.mu.Unlock()

	l, ok := w.listeners[id]
	if !ok {
		return
	}
	l.detached.Store(true)
	delete(w.listeners, id)
	w.publishLocked()
	listenersGauge.WithLabelValues(w.filter.Module).Dec()
	w.logger.Debug("listener detached", zap.Uint64("listener", uint64(id)), zap.Int("refcount", len(w.listeners)))

	if len(w.listeners) > 0 || w.state != Subscribed {
		return
	}
	w.teardownLocked(ctx)
	w.state = Unsubscribed
}

// Dispose unsubscribes upstream, drops every listener and makes the watcher
// unusable. It is idempotent and never fails.
func (w *Watcher) Dispose() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == Disposed {
		return
	}
	for _, l := range w.listeners {
		l.detached.Store(true)
	}
	listenersGauge.WithLabelValues(w.filter.Module).Sub(float64(len(w.listeners)))
	clear(w.listeners)
	w.publishLocked()

	ctx, cancel := context.WithTimeout(context.Background(), w.teardownTimeout)
	defer cancel()
	w.teardownLocked(ctx)
	w.state = Disposed
	w.logger.Debug("disposed")
}

// Close disposes the watcher. It always returns nil.
func (w *Watcher) Close() error {
	w.Dispose()
	return nil
}

// teardownLocked unsubscribes upstream and removes the handler. The upstream
// call is made even when no subscription is active; adapters treat unknown
// sets as a no-op.
func (w *Watcher) teardownLocked(ctx context.Context) {
	if err := w.conn.Unsubscribe(ctx, w.setID); err != nil {
		w.logger.Warn("unsubscribe failed", zap.Error(err))
	}
	if w.handler != 0 {
		w.conn.RemoveHandler(w.handler)
		w.handler = 0
	}
	if w.state == Subscribed {
		unsubscribesTotal.WithLabelValues(w.filter.Module).Inc()
		w.logger.Debug("unsubscribed")
	}
}

func (w *Watcher) publishLocked() {
	snap := lo.Values(w.listeners)
	slices.SortFunc(snap, func(a, b *listener) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}
		return 0
	})
	w.snapshot.Store(&snap)
}

// handleMessage runs on the connection's goroutine and never takes w.mu.
func (w *Watcher) handleMessage(msg connection.Message) {
	if msg.SetID != w.setID {
		return
	}
	ev, ok := msg.Event.(*dom.InstancesChangedEvent)
	if !ok {
		droppedTotal.WithLabelValues(w.filter.Module, "kind").Inc()
		w.logger.Debug("dropping unrecognized event", zap.String("type", fmt.Sprintf("%T", msg.Event)))
		return
	}
	if ev == nil || ev.Module != w.filter.Module {
		droppedTotal.WithLabelValues(w.filter.Module, "module").Inc()
		return
	}
	ev = ev.Filter(w.filter.Predicate)
	if ev.Empty() {
		droppedTotal.WithLabelValues(w.filter.Module, "filtered").Inc()
		return
	}
	for _, l := range *w.snapshot.Load() {
		w.deliver(l, ev)
	}
}

func (w *Watcher) deliver(l *listener, ev *dom.InstancesChangedEvent) {
	l.deliverMu.Lock()
	defer l.deliverMu.Unlock()
	if l.detached.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			fault := &ListenerFault{SetID: w.setID, ListenerID: l.id, Recovered: r}
			listenerFaultsTotal.WithLabelValues(w.filter.Module).Inc()
			w.logger.Error("listener panicked", zap.Uint64("listener", uint64(l.id)), zap.Any("recovered", r))
			if w.onFault != nil {
				w.onFault(fault)
			}
		}
	}()
	l.fn(ev)
	deliveriesTotal.WithLabelValues(w.filter.Module).Inc()
}

// RefCount is the number of attached listeners.
func (w *Watcher) RefCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.listeners)
}

func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Watcher) SetID() string { return w.setID }

func (w *Watcher) Filter() dom.Filter { return w.filter }
