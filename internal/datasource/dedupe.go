package datasource

import (
	"sync"

	"github.com/google/uuid"
)

type recentEntry struct {
	fp   string
	slot int
}

// recentFingerprints remembers the last fingerprint sent for the most recent
// window instances, so an update that changes nothing visible is not resent.
type recentFingerprints struct {
	mu     sync.Mutex
	window int
	ring   []uuid.UUID
	next   int
	last   map[uuid.UUID]recentEntry
}

func newRecentFingerprints(window int) *recentFingerprints {
	if window <= 0 {
		window = 256
	}
	return &recentFingerprints{
		window: window,
		ring:   make([]uuid.UUID, 0, window),
		last:   make(map[uuid.UUID]recentEntry, window),
	}
}

// seenRecently reports whether fp is what was last recorded for id, and records
// it otherwise.
func (r *recentFingerprints) seenRecently(id uuid.UUID, fp string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.last[id]; ok {
		if e.fp == fp {
			return true
		}
		e.fp = fp
		r.last[id] = e
		return false
	}

	var slot int
	if len(r.ring) < r.window {
		slot = len(r.ring)
		r.ring = append(r.ring, id)
	} else {
		slot = r.next
		r.evictLocked(slot)
		r.ring[slot] = id
		r.next = (r.next + 1) % r.window
	}
	r.last[id] = recentEntry{fp: fp, slot: slot}
	return false
}

// evictLocked drops the id held in slot, unless that id has since been
// recorded again in another slot.
func (r *recentFingerprints) evictLocked(slot int) {
	old := r.ring[slot]
	if e, ok := r.last[old]; ok && e.slot == slot {
		delete(r.last, old)
	}
}

// forget drops id so a later update is always sent. Its ring slot stays
// occupied until the ring wraps around to it.
func (r *recentFingerprints) forget(id uuid.UUID) {
	r.mu.Lock()
	delete(r.last, id)
	r.mu.Unlock()
}
