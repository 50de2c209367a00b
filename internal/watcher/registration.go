package watcher

import (
	"context"
	"sync"
)

// Registrar is the part of a Watcher that consumers attach through. Consumers
// that hold a Registrar cannot dispose the shared watcher.
type Registrar interface {
	Attach(ctx context.Context, fn Listener) (ListenerID, error)
	Detach(ctx context.Context, id ListenerID)
}

var _ Registrar = (*Watcher)(nil)

// Subscription is a single attachment whose Detach is safe to call more than once.
type Subscription struct {
	reg  Registrar
	id   ListenerID
	once sync.Once
}

func Subscribe(ctx context.Context, reg Registrar, fn Listener) (*Subscription, error) {
	id, err := reg.Attach(ctx, fn)
	if err != nil {
		return nil, err
	}
	return &Subscription{reg: reg, id: id}, nil
}

func (s *Subscription) ID() ListenerID { return s.id }

func (s *Subscription) Detach(ctx context.Context) {
	s.once.Do(func() { s.reg.Detach(ctx, s.id) })
}
