// Package unitwork schedules the write path of the persistence layer.
//
// A Session tracks every object's lifecycle state (new, dirty, deleted,
// clean) in an identity map. Flush translates the pending changes into a
// per-flush FlushContext: one Task per mapper, dependency edges and
// processors between Tasks, a mapper-level topological order, and — where
// mappers are mutually dependent — an object-level split that replaces the
// cyclic group with a single synthetic Task. The resulting tree executes
// recursively, batching statements per mapper and running relationship
// fix-ups (key propagation, association rows) between the write phases.
//
// Everything but the Session is throwaway: FlushContext, Task and the
// dependency processors live for exactly one flush.
package unitwork

import "errors"

// Entity is any domain object tracked by a Session. Entities are compared
// by identity, so they must be pointers (or otherwise comparable).
type Entity = any

// ErrNoMapper is returned when an object's mapper cannot be resolved.
var ErrNoMapper = errors.New("unitwork: no mapper for object")

// Engine owns one database connection. A flush begins a transaction on
// every distinct engine its mappers touch, and commits or rolls back all
// of them together.
type Engine interface {
	Begin() error
	Commit() error
	Rollback() error
}

// Mapper binds a class of entities to a table. Save and Delete receive an
// ordered batch; Save writes generated primary keys back onto each object.
type Mapper interface {
	Name() string
	Engine() Engine
	Save(fc *FlushContext, objs []Entity) error
	Delete(fc *FlushContext, objs []Entity) error

	// RegisterDependencies is called once per flush, before sorting, and
	// lets the mapper's relationships call back into RegisterDependency
	// and RegisterProcessor.
	RegisterDependencies(fc *FlushContext)

	// CascadeDelete registers objects whose rows depend on obj as deleted.
	CascadeDelete(s *Session, obj Entity) error

	// PrimaryKey reports the object's identity key and whether it is set.
	PrimaryKey(obj Entity) (any, bool)
}

// Resolver maps an object to its mapper.
type Resolver interface {
	Resolve(obj Entity) (Mapper, error)
}

// Relation is the per-relationship strategy consumed by the scheduler.
type Relation interface {
	// ProcessDependencies applies foreign-key and association fix-ups for
	// exactly the given batch.
	ProcessDependencies(fc *FlushContext, targets []Entity, deletePhase bool) error

	// Related lists the objects related to obj for the current phase:
	// added items on the save pass, deleted plus unchanged items on the
	// delete pass.
	Related(fc *FlushContext, obj Entity, deletePhase bool) []Entity

	// OrderOf reports which of two related objects must be written first,
	// if the relation can tell.
	OrderOf(a, b Entity) (first, second Entity, ok bool)
}

// Collection is a tracked to-many collection with change markers. Modified
// collections make their owner eligible for the flush even when the
// owner's own row is unchanged.
type Collection interface {
	Owner() Entity
	HasChanges() bool
	ClearChanges()
}
