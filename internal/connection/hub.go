package connection

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/jsherman999/domwatch/internal/dom"
)

// Hub is an in-process transport: Publish dispatches synchronously on the
// caller's goroutine. Used by the memory transport and in tests.
type Hub struct {
	r      *router
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{r: newRouter(), logger: logger.With(zap.String("transport", "memory"))}
}

func (h *Hub) Subscribe(_ context.Context, setID string, f dom.Filter) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}
	if _, err := h.r.addSet(setID, f); err != nil {
		return err
	}
	h.logger.Debug("subscribed", zap.String("set", setID), zap.String("module", f.Module))
	return nil
}

func (h *Hub) Unsubscribe(_ context.Context, setID string) error {
	if _, _, ok := h.r.removeSet(setID); ok {
		h.logger.Debug("unsubscribed", zap.String("set", setID))
	}
	return nil
}

func (h *Hub) AddHandler(fn Handler) HandlerID { return h.r.addHandler(fn) }

func (h *Hub) RemoveHandler(id HandlerID) { h.r.removeHandler(id) }

func (h *Hub) Publish(_ context.Context, ev *dom.InstancesChangedEvent) error {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	h.r.dispatch(ev)
	return nil
}

// Subscriptions returns the number of active subscription sets.
func (h *Hub) Subscriptions() int { return h.r.setCount() }

func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}
