// Package connection holds the upstream side of a watch: adapters that accept
// subscription sets, receive change events from a transport and push them to
// registered handlers tagged with the set they matched.
//
// Adapters deliver on goroutines the caller does not control and may still
// deliver for a set shortly after it was unsubscribed. Consumers are expected
// to check Message.SetID themselves.
package connection

import (
	"context"
	"errors"

	"github.com/jsherman999/domwatch/internal/dom"
)

var (
	ErrClosed            = errors.New("connection closed")
	ErrAlreadySubscribed = errors.New("subscription set already active")
)

// Message is what handlers receive. Event is a tagged union; the only kind
// produced today is *dom.InstancesChangedEvent.
type Message struct {
	SetID string
	Event any
}

type Handler func(Message)

type HandlerID uint64

// Connection is the narrow surface a watcher consumes.
type Connection interface {
	// Subscribe registers interest for setID. It fails with ErrAlreadySubscribed
	// if the set is active.
	Subscribe(ctx context.Context, setID string, filter dom.Filter) error
	// Unsubscribe drops setID. Unknown sets are not an error.
	Unsubscribe(ctx context.Context, setID string) error
	AddHandler(h Handler) HandlerID
	RemoveHandler(id HandlerID)
}

// Publisher pushes a change event into the transport.
type Publisher interface {
	Publish(ctx context.Context, ev *dom.InstancesChangedEvent) error
}

// Adapter is a full transport: consumable by watchers, writable by the relay, closable.
type Adapter interface {
	Connection
	Publisher
	Close() error
}
