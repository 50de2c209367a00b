package connection

import (
	"sync"

	"github.com/jsherman999/domwatch/internal/dom"
)

// router is the bookkeeping shared by every adapter: active subscription sets
// and registered handlers. It never calls a handler while holding its lock, so
// handlers may add or remove handlers and sets.
type router struct {
	mu          sync.RWMutex
	nextHandler HandlerID
	handlers    map[HandlerID]Handler
	sets        map[string]dom.Filter
	modules     map[string]int
}

func newRouter() *router {
	return &router{
		handlers: make(map[HandlerID]Handler),
		sets:     make(map[string]dom.Filter),
		modules:  make(map[string]int),
	}
}

func (r *router) addHandler(h Handler) HandlerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextHandler++
	r.handlers[r.nextHandler] = h
	return r.nextHandler
}

func (r *router) removeHandler(id HandlerID) {
	r.mu.Lock()
	delete(r.handlers, id)
	r.mu.Unlock()
}

// addSet returns true when setID is the first active set for its module.
func (r *router) addSet(setID string, f dom.Filter) (bool, error) {
	if err := f.Validate(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sets[setID]; ok {
		return false, ErrAlreadySubscribed
	}
	r.sets[setID] = f
	r.modules[f.Module]++
	return r.modules[f.Module] == 1, nil
}

// removeSet returns the set's module and whether it was the last set for it.
// ok is false when setID was not active.
func (r *router) removeSet(setID string) (module string, last bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.sets[setID]
	if !ok {
		return "", false, false
	}
	delete(r.sets, setID)
	r.modules[f.Module]--
	if r.modules[f.Module] <= 0 {
		delete(r.modules, f.Module)
		return f.Module, true, true
	}
	return f.Module, false, true
}

func (r *router) setCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sets)
}

type routed struct {
	setID string
	ev    *dom.InstancesChangedEvent
}

// dispatch tags ev once per matching set with only the instances that set's
// filter accepts, then hands every tagged message to every handler. It returns
// the number of sets that matched.
func (r *router) dispatch(ev *dom.InstancesChangedEvent) int {
	if ev.Empty() {
		return 0
	}

	r.mu.RLock()
	var out []routed
	for setID, f := range r.sets {
		if f.Module != ev.Module {
			continue
		}
		if sub := ev.Filter(f.Predicate); !sub.Empty() {
			out = append(out, routed{setID: setID, ev: sub})
		}
	}
	hs := make([]Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		hs = append(hs, h)
	}
	r.mu.RUnlock()

	for _, m := range out {
		msg := Message{SetID: m.setID, Event: m.ev}
		for _, h := range hs {
			h(msg)
		}
	}
	return len(out)
}
