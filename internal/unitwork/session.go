package unitwork

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
)

type identityKey struct {
	mapper string
	key    any
}

// Session is the change registry: the identity map plus the new, dirty and
// deleted sets. It persists across flushes and is mutated in bulk only by
// Flush, and only after the whole flush has executed without error.
//
// One Session per logical unit of work; it is not safe for concurrent use.
type Session struct {
	id       uuid.UUID
	resolver Resolver

	identity map[identityKey]Entity
	fresh    *objectSet
	dirty    *objectSet
	deleted  *objectSet

	collections []Collection

	// Trace, when set, receives the computed task-tree dump on each flush.
	Trace io.Writer

	log *slog.Logger
}

// NewSession creates an empty registry backed by the given mapper resolver.
func NewSession(r Resolver) *Session {
	return &Session{
		id:       uuid.New(),
		resolver: r,
		identity: make(map[identityKey]Entity),
		fresh:    newObjectSet(),
		dirty:    newObjectSet(),
		deleted:  newObjectSet(),
		log:      slog.Default(),
	}
}

// ID identifies the session in logs and traces.
func (s *Session) ID() uuid.UUID { return s.id }

// RegisterNew marks obj as pending insertion. Idempotent.
func (s *Session) RegisterNew(obj Entity) error {
	if _, err := s.resolver.Resolve(obj); err != nil {
		return err
	}
	s.fresh.add(obj)
	return nil
}

// RegisterDirty marks obj as pending update. Objects already registered as
// new stay new. Idempotent.
func (s *Session) RegisterDirty(obj Entity) error {
	if _, err := s.resolver.Resolve(obj); err != nil {
		return err
	}
	if s.fresh.has(obj) {
		return nil
	}
	s.dirty.add(obj)
	return nil
}

// RegisterDeleted marks obj as pending deletion and asks its mapper to
// cascade dependent deletions. Idempotent; re-registering an already
// deleted object does not re-cascade.
func (s *Session) RegisterDeleted(obj Entity) error {
	m, err := s.resolver.Resolve(obj)
	if err != nil {
		return err
	}
	if s.deleted.has(obj) {
		return nil
	}
	s.deleted.add(obj)
	return m.CascadeDelete(s, obj)
}

// RegisterClean places a persisted object into the identity map without
// scheduling any write, e.g. after loading it from the database.
func (s *Session) RegisterClean(obj Entity) error {
	m, err := s.resolver.Resolve(obj)
	if err != nil {
		return err
	}
	key, ok := m.PrimaryKey(obj)
	if !ok {
		return fmt.Errorf("unitwork: clean object %T has no primary key", obj)
	}
	s.identity[identityKey{m.Name(), key}] = obj
	return nil
}

// RegisterCollection tracks a modified to-many collection so the next
// flush picks up its owner and, on success, clears its change markers.
func (s *Session) RegisterCollection(c Collection) {
	for _, have := range s.collections {
		if have == c {
			return
		}
	}
	s.collections = append(s.collections, c)
}

// Identity returns the tracked object for a mapper name and key.
func (s *Session) Identity(mapperName string, key any) (Entity, bool) {
	obj, ok := s.identity[identityKey{mapperName, key}]
	return obj, ok
}

// IsNew reports whether obj is registered for insertion.
func (s *Session) IsNew(obj Entity) bool { return s.fresh.has(obj) }

// IsDirty reports whether obj is registered for update.
func (s *Session) IsDirty(obj Entity) bool { return s.dirty.has(obj) }

// IsDeleted reports whether obj is registered for deletion.
func (s *Session) IsDeleted(obj Entity) bool { return s.deleted.has(obj) }

// Flush writes every pending change, or the given subset of it, in
// dependency order. All statements for one flush run inside one
// transaction per distinct engine; any failure rolls every engine back and
// leaves the registry exactly as it was, so a corrected retry reprocesses
// the same objects. In-memory attribute mutations are never rolled back.
func (s *Session) Flush(subset ...Entity) error {
	fc := NewFlushContext(s)

	want := func(obj Entity) bool { return true }
	if len(subset) > 0 {
		in := make(map[Entity]bool, len(subset))
		for _, obj := range subset {
			in[obj] = true
		}
		want = func(obj Entity) bool { return in[obj] }
	}

	var saves, removals []Entity
	for _, obj := range s.fresh.list() {
		if !want(obj) || s.deleted.has(obj) {
			continue
		}
		if err := fc.RegisterObject(obj, false, false); err != nil {
			return err
		}
		saves = append(saves, obj)
	}
	for _, obj := range s.dirty.list() {
		if !want(obj) || s.deleted.has(obj) {
			continue
		}
		if err := fc.RegisterObject(obj, false, false); err != nil {
			return err
		}
		saves = append(saves, obj)
	}
	for _, c := range s.collections {
		owner := c.Owner()
		if !c.HasChanges() || !want(owner) || s.deleted.has(owner) {
			continue
		}
		// listonly: the owner's own row may be unchanged, but dependency
		// processors still need it in their target lists.
		if err := fc.RegisterObject(owner, false, true); err != nil {
			return err
		}
	}
	for _, obj := range s.deleted.list() {
		if !want(obj) {
			continue
		}
		if err := fc.RegisterObject(obj, true, false); err != nil {
			return err
		}
		removals = append(removals, obj)
	}

	engines := fc.Engines()
	for i, e := range engines {
		if err := e.Begin(); err != nil {
			rollbackAll(engines[:i])
			return fmt.Errorf("begin flush transaction: %w", err)
		}
	}

	s.log.Info("flush start", "session", s.id.String(), "tasks", fc.taskCount(),
		"saves", len(saves), "deletes", len(removals))

	if err := fc.Execute(s.Trace != nil); err != nil {
		rollbackAll(engines)
		s.log.Warn("flush rolled back", "session", s.id.String(), "error", err)
		return err
	}
	for _, e := range engines {
		if err := e.Commit(); err != nil {
			rollbackAll(engines)
			s.log.Warn("flush commit failed", "session", s.id.String(), "error", err)
			return fmt.Errorf("commit flush transaction: %w", err)
		}
	}

	s.reclassify(saves, removals, len(subset) == 0)
	s.log.Info("flush done", "session", s.id.String())
	return nil
}

// reclassify updates registry state after a fully successful flush:
// deleted objects are evicted from the identity map, everything else
// becomes clean, and collection change markers are cleared.
func (s *Session) reclassify(saves, removals []Entity, full bool) {
	for _, obj := range removals {
		if m, err := s.resolver.Resolve(obj); err == nil {
			if key, ok := m.PrimaryKey(obj); ok {
				delete(s.identity, identityKey{m.Name(), key})
			}
		}
		s.fresh.remove(obj)
		s.dirty.remove(obj)
		s.deleted.remove(obj)
	}
	for _, obj := range saves {
		if m, err := s.resolver.Resolve(obj); err == nil {
			if key, ok := m.PrimaryKey(obj); ok {
				s.identity[identityKey{m.Name(), key}] = obj
			}
		}
		s.fresh.remove(obj)
		s.dirty.remove(obj)
	}

	kept := s.collections[:0]
	for _, c := range s.collections {
		if full {
			c.ClearChanges()
			continue
		}
		flushed := false
		for _, obj := range saves {
			if c.Owner() == obj {
				flushed = true
				break
			}
		}
		if flushed {
			c.ClearChanges()
		} else {
			kept = append(kept, c)
		}
	}
	s.collections = kept
}

func rollbackAll(engines []Engine) {
	for _, e := range engines {
		_ = e.Rollback()
	}
}

// objectSet is an insertion-ordered set keyed by object identity.
type objectSet struct {
	index map[Entity]int
	order []Entity
}

func newObjectSet() *objectSet {
	return &objectSet{index: make(map[Entity]int)}
}

func (s *objectSet) add(obj Entity) {
	if _, ok := s.index[obj]; ok {
		return
	}
	s.index[obj] = len(s.order)
	s.order = append(s.order, obj)
}

func (s *objectSet) has(obj Entity) bool {
	_, ok := s.index[obj]
	return ok
}

func (s *objectSet) remove(obj Entity) {
	if _, ok := s.index[obj]; !ok {
		return
	}
	delete(s.index, obj)
	kept := s.order[:0]
	for _, o := range s.order {
		if o != obj {
			kept = append(kept, o)
		}
	}
	s.order = kept
	for i, o := range s.order {
		s.index[o] = i
	}
}

func (s *objectSet) list() []Entity {
	out := make([]Entity, len(s.order))
	copy(out, s.order)
	return out
}
