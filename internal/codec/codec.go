// Package codec encodes change events for transports that carry bytes
// (redis pub/sub, postgres NOTIFY, the change outbox).
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/jsherman999/domwatch/internal/dom"
)

const KindInstancesChanged = "instances_changed"

var (
	ErrUnknownCodec = errors.New("unknown codec")
	ErrUnknownKind  = errors.New("unknown envelope kind")
)

// Envelope is the on-the-wire shape of a change event. Kind leaves room for
// other message kinds on the same channel; the decoder rejects kinds it does not know.
type Envelope struct {
	Kind    string         `json:"kind" cbor:"kind"`
	Module  string         `json:"module" cbor:"module"`
	Created []dom.Instance `json:"created,omitempty" cbor:"created,omitempty"`
	Updated []dom.Instance `json:"updated,omitempty" cbor:"updated,omitempty"`
	Deleted []dom.Instance `json:"deleted,omitempty" cbor:"deleted,omitempty"`
}

func Wrap(ev *dom.InstancesChangedEvent) Envelope {
	return Envelope{
		Kind:    KindInstancesChanged,
		Module:  ev.Module,
		Created: ev.Created,
		Updated: ev.Updated,
		Deleted: ev.Deleted,
	}
}

func (e Envelope) Event() (*dom.InstancesChangedEvent, error) {
	if e.Kind != KindInstancesChanged {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	return &dom.InstancesChangedEvent{
		Module:  e.Module,
		Created: e.Created,
		Updated: e.Updated,
		Deleted: e.Deleted,
	}, nil
}

type Codec interface {
	Name() string
	Encode(ev *dom.InstancesChangedEvent) ([]byte, error)
	Decode(b []byte) (*dom.InstancesChangedEvent, error)
}

// Lookup returns the codec registered under name ("json" or "cbor").
func Lookup(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON{}, nil
	case "cbor":
		return newCBOR()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

type JSON struct{}

func (JSON) Name() string { return "json" }

func (JSON) Encode(ev *dom.InstancesChangedEvent) ([]byte, error) {
	b, err := json.Marshal(Wrap(ev))
	if err != nil {
		return nil, fmt.Errorf("encode json envelope: %w", err)
	}
	return b, nil
}

func (JSON) Decode(b []byte) (*dom.InstancesChangedEvent, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode json envelope: %w", err)
	}
	return env.Event()
}

var typeOfStringMap = reflect.TypeOf(map[string]any(nil))

type CBOR struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBOR() (*CBOR, error) {
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor enc mode: %w", err)
	}
	// Fields are map[string]any; the default any-map type would be map[any]any.
	dec, err := cbor.DecOptions{DefaultMapType: typeOfStringMap}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor dec mode: %w", err)
	}
	return &CBOR{enc: enc, dec: dec}, nil
}

func (*CBOR) Name() string { return "cbor" }

func (c *CBOR) Encode(ev *dom.InstancesChangedEvent) ([]byte, error) {
	b, err := c.enc.Marshal(Wrap(ev))
	if err != nil {
		return nil, fmt.Errorf("encode cbor envelope: %w", err)
	}
	return b, nil
}

func (c *CBOR) Decode(b []byte) (*dom.InstancesChangedEvent, error) {
	var env Envelope
	if err := c.dec.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode cbor envelope: %w", err)
	}
	return env.Event()
}
