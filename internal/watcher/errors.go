package watcher

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrConnect         = errors.New("upstream subscribe failed")
	ErrAlreadyDisposed = errors.New("watcher already disposed")
)

// ConnectError is returned by Attach when the upstream subscribe of a 0->1
// transition fails. It matches both ErrConnect and the transport's error.
type ConnectError struct {
	SetID string
	Err   error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("subscribe %s: %v", e.SetID, e.Err)
}

func (e *ConnectError) Unwrap() []error {
	return []error{ErrConnect, e.Err}
}

// ListenerFault describes a listener that panicked during delivery. It is
// reported, never returned: delivery to the other listeners continues.
type ListenerFault struct {
	SetID      string
	ListenerID ListenerID
	Recovered  any
}

func (f *ListenerFault) Error() string {
	return fmt.Sprintf("listener %d of %s panicked: %v", f.ListenerID, f.SetID, f.Recovered)
}
