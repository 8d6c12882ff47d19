package store

import (
	"context"
	"maps"
	"slices"
	"time"
)

// RecipientHistory is what is remembered about one recipient: whether the
// welcome message went out, and when each center was last announced to them
// (unix seconds).
type RecipientHistory struct {
	Registered bool
	Centers    map[string]float64
}

// Stats summarizes a History.
type Stats struct {
	Recipients int `json:"recipients"`
	Pairs      int `json:"pairs"`
}

// History is the notification history. It is not safe for concurrent use;
// the scheduler owns it and mutates it from a single goroutine.
type History struct {
	recipients map[string]*RecipientHistory
	dirty      bool
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{recipients: make(map[string]*RecipientHistory)}
}

// Timestamp converts t to the float unix seconds stored in history.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func (h *History) entry(recipient string) *RecipientHistory {
	rec, ok := h.recipients[recipient]
	if !ok {
		rec = &RecipientHistory{Centers: make(map[string]float64)}
		h.recipients[recipient] = rec
	}
	return rec
}

// LastNotified returns when center was last announced to recipient.
func (h *History) LastNotified(recipient, center string) (float64, bool) {
	rec, ok := h.recipients[recipient]
	if !ok {
		return 0, false
	}
	ts, ok := rec.Centers[center]
	return ts, ok
}

// SetLastNotified records a notification. Timestamps never move backwards.
func (h *History) SetLastNotified(recipient, center string, ts float64) {
	rec := h.entry(recipient)
	if prev, ok := rec.Centers[center]; ok && prev >= ts {
		return
	}
	rec.Centers[center] = ts
	h.dirty = true
}

// IsRegistered reports whether the recipient already got its welcome.
func (h *History) IsRegistered(recipient string) bool {
	rec, ok := h.recipients[recipient]
	return ok && rec.Registered
}

// MarkRegistered flags the recipient as welcomed.
func (h *History) MarkRegistered(recipient string) {
	rec := h.entry(recipient)
	if !rec.Registered {
		rec.Registered = true
		h.dirty = true
	}
}

// Put replaces the record of a recipient. Used by store backends on load.
func (h *History) Put(recipient string, rec RecipientHistory) {
	centers := make(map[string]float64, len(rec.Centers))
	maps.Copy(centers, rec.Centers)
	h.recipients[recipient] = &RecipientHistory{Registered: rec.Registered, Centers: centers}
}

// Record returns a copy of a recipient's record.
func (h *History) Record(recipient string) (RecipientHistory, bool) {
	rec, ok := h.recipients[recipient]
	if !ok {
		return RecipientHistory{}, false
	}
	return RecipientHistory{Registered: rec.Registered, Centers: maps.Clone(rec.Centers)}, true
}

// Recipients returns the known recipients in sorted order.
func (h *History) Recipients() []string {
	return slices.Sorted(maps.Keys(h.recipients))
}

// Prune drops center entries last announced more than maxAge seconds before
// now and returns how many were removed. With maxAge equal to the cooldown
// this is lossless: an expired entry and a missing one both allow the next
// notification. Recipients keep their registration flag.
func (h *History) Prune(now, maxAge float64) int {
	removed := 0
	for _, rec := range h.recipients {
		for center, ts := range rec.Centers {
			if now-ts > maxAge {
				delete(rec.Centers, center)
				removed++
			}
		}
	}
	if removed > 0 {
		h.dirty = true
	}
	return removed
}

// Stats counts recipients and (recipient, center) pairs.
func (h *History) Stats() Stats {
	s := Stats{Recipients: len(h.recipients)}
	for _, rec := range h.recipients {
		s.Pairs += len(rec.Centers)
	}
	return s
}

// Dirty reports whether the history changed since the last MarkClean.
func (h *History) Dirty() bool { return h.dirty }

// MarkClean resets the change flag, typically after a successful save.
func (h *History) MarkClean() { h.dirty = false }

// Clone returns a deep copy.
func (h *History) Clone() *History {
	out := NewHistory()
	for r, rec := range h.recipients {
		out.Put(r, *rec)
	}
	return out
}

// Equal compares the logical content of two histories.
func (h *History) Equal(other *History) bool {
	if len(h.recipients) != len(other.recipients) {
		return false
	}
	for r, rec := range h.recipients {
		o, ok := other.recipients[r]
		if !ok || o.Registered != rec.Registered || !maps.Equal(o.Centers, rec.Centers) {
			return false
		}
	}
	return true
}

// Store abstracts where the notification history is persisted.
type Store interface {
	// Load returns the persisted history, or an empty one when nothing
	// usable is stored.
	Load(ctx context.Context) (*History, error)
	// Save overwrites the persisted history with h.
	Save(ctx context.Context, h *History) error
	Close() error
}
