package dom

import (
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
)

// Instance is a single DOM instance as stored in dom_instances and carried in change events.
type Instance struct {
	ID           uuid.UUID      `json:"id" cbor:"id"`
	DefinitionID uuid.UUID      `json:"definition_id" cbor:"definition_id"`
	Module       string         `json:"module" cbor:"module"`
	Name         string         `json:"name" cbor:"name"`
	Fields       map[string]any `json:"fields" cbor:"fields"`
	UpdatedAt    time.Time      `json:"updated_at" cbor:"updated_at"`
}

// FieldInt returns the named field as an int. Numbers decoded from JSON arrive as
// float64 and from CBOR as int64/uint64, so all of them are accepted.
func (i Instance) FieldInt(name string) (int, bool) {
	v, ok := i.Fields[name]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		x, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(x), true
	}
	return 0, false
}

func (i Instance) FieldString(name string) (string, bool) {
	v, ok := i.Fields[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// InstancesChangedEvent is the payload of the one message kind the watcher consumes.
type InstancesChangedEvent struct {
	Module  string     `json:"module" cbor:"module"`
	Created []Instance `json:"created,omitempty" cbor:"created,omitempty"`
	Updated []Instance `json:"updated,omitempty" cbor:"updated,omitempty"`
	Deleted []Instance `json:"deleted,omitempty" cbor:"deleted,omitempty"`
}

func (e *InstancesChangedEvent) Empty() bool {
	return e == nil || len(e.Created)+len(e.Updated)+len(e.Deleted) == 0
}

// Filter returns a copy of the event holding only instances matched by p.
// The receiver is never modified, so the same event can be shared between subscribers.
func (e *InstancesChangedEvent) Filter(p Predicate) *InstancesChangedEvent {
	if e == nil {
		return nil
	}
	return &InstancesChangedEvent{
		Module:  e.Module,
		Created: filterInstances(e.Created, p),
		Updated: filterInstances(e.Updated, p),
		Deleted: filterInstances(e.Deleted, p),
	}
}

func filterInstances(in []Instance, p Predicate) []Instance {
	var out []Instance
	for _, inst := range in {
		if p.Match(inst) {
			out = append(out, inst)
		}
	}
	return out
}
