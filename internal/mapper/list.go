package mapper

import "github.com/agentic-research/ebb/internal/unitwork"

// List is a tracked to-many collection. It remembers which records were
// added and removed since the last flush; the relationship processors use
// those markers to decide what needs key propagation, association rows or
// cascaded deletion.
type List struct {
	owner   Record
	items   []Record
	added   []Record
	removed []Record
}

// NewList creates an empty collection owned by owner.
func NewList(owner Record) *List {
	return &List{owner: owner}
}

// Add appends rec and marks it added. Re-adding a record that was removed
// since the last flush just cancels the removal.
func (l *List) Add(rec Record) {
	for i, r := range l.removed {
		if r == rec {
			l.removed = append(l.removed[:i], l.removed[i+1:]...)
			l.items = append(l.items, rec)
			return
		}
	}
	for _, r := range l.items {
		if r == rec {
			return
		}
	}
	l.items = append(l.items, rec)
	l.added = append(l.added, rec)
}

// Remove drops rec and marks it removed. Removing a record added since the
// last flush cancels the addition instead.
func (l *List) Remove(rec Record) {
	found := false
	kept := l.items[:0]
	for _, r := range l.items {
		if r == rec {
			found = true
			continue
		}
		kept = append(kept, r)
	}
	l.items = kept
	if !found {
		return
	}
	for i, r := range l.added {
		if r == rec {
			l.added = append(l.added[:i], l.added[i+1:]...)
			return
		}
	}
	l.removed = append(l.removed, rec)
}

// Items returns the current members.
func (l *List) Items() []Record {
	out := make([]Record, len(l.items))
	copy(out, l.items)
	return out
}

// Added returns the records added since the last flush.
func (l *List) Added() []Record {
	out := make([]Record, len(l.added))
	copy(out, l.added)
	return out
}

// Removed returns the records removed since the last flush.
func (l *List) Removed() []Record {
	out := make([]Record, len(l.removed))
	copy(out, l.removed)
	return out
}

// Owner implements unitwork.Collection.
func (l *List) Owner() unitwork.Entity { return l.owner }

// HasChanges implements unitwork.Collection.
func (l *List) HasChanges() bool { return len(l.added) > 0 || len(l.removed) > 0 }

// ClearChanges implements unitwork.Collection.
func (l *List) ClearChanges() {
	l.added = nil
	l.removed = nil
}

var _ unitwork.Collection = (*List)(nil)
