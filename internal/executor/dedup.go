package executor

import "time"

// Dedup remembers ids for a time-to-live window. The engine uses it for the
// order ids of finished cycles so late notifications are dropped quietly.
// It is not safe for concurrent use; the engine lock guards it.
type Dedup struct {
	seen map[string]time.Time // id -> when it was marked
	ttl  time.Duration
}

// NewDedup creates a Dedup that forgets ids ttl after they were marked.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// Mark records id as seen at now.
func (d *Dedup) Mark(id string, now time.Time) {
	d.seen[id] = now
}

// Seen reports whether id was marked and has not been cleaned up yet.
func (d *Dedup) Seen(id string) bool {
	_, ok := d.seen[id]
	return ok
}

// Len returns how many ids are remembered.
func (d *Dedup) Len() int {
	return len(d.seen)
}

// Cleanup forgets ids marked ttl or longer before now.
func (d *Dedup) Cleanup(now time.Time) {
	for id, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, id)
		}
	}
}
