package collab

import "time"

const defaultHistoryLimit = 128

// History is the ordered, size-bounded log of accepted operations for one
// document. It is the comparison window for conflict detection: entries age
// out from the front and are never mutated after insertion. History is not
// safe for concurrent use; the owning room serializes access.
type History struct {
	limit   int
	entries []Operation
}

// NewHistory returns an empty history bounded to limit entries.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &History{limit: limit, entries: make([]Operation, 0, limit)}
}

// Append records an accepted operation, evicting the oldest entry when full.
func (h *History) Append(op Operation) {
	if len(h.entries) == h.limit {
		copy(h.entries, h.entries[1:])
		h.entries = h.entries[:len(h.entries)-1]
	}
	h.entries = append(h.entries, op)
}

// Recent returns the entries whose submission time falls within window of
// now, preserving acceptance order.
func (h *History) Recent(window time.Duration, now time.Time) []Operation {
	cutoff := now.Add(-window)
	recent := make([]Operation, 0, len(h.entries))
	for _, entry := range h.entries {
		if entry.SubmittedAt.Before(cutoff) {
			continue
		}
		recent = append(recent, entry)
	}
	return recent
}

// Operations returns a copy of all entries in acceptance order.
func (h *History) Operations() []Operation {
	ops := make([]Operation, len(h.entries))
	copy(ops, h.entries)
	return ops
}

// Len reports the number of retained entries.
func (h *History) Len() int {
	return len(h.entries)
}
