package mapper

import (
	"fmt"

	"github.com/agentic-research/ebb/internal/unitwork"
)

// OneToMany maps a parent row referenced by a foreign-key column on child
// rows, driven from the parent's tracked collection. Parent rows are
// written before child rows; on the save pass the generated parent key is
// propagated into added children (and cleared on removed ones) before the
// children themselves are written. With Cascade set, deleting the parent
// registers every current child for deletion; without it, the children's
// foreign keys are nulled before the parent row goes.
type OneToMany struct {
	Parent     *TableMapper
	Child      *TableMapper
	ForeignKey Column
	Collection func(parent Record) *List
	Cascade    bool
}

// Register implements Relation.
func (r *OneToMany) Register(fc *unitwork.FlushContext) {
	fc.RegisterDependency(r.Parent, r.Child)
	fc.RegisterProcessor(r.Parent, r, r.Parent, false)
	fc.RegisterProcessor(r.Parent, r, r.Parent, true)
}

// ProcessDependencies implements unitwork.Relation. Targets are parents.
func (r *OneToMany) ProcessDependencies(fc *unitwork.FlushContext, targets []unitwork.Entity, deletePhase bool) error {
	for _, t := range targets {
		parent, ok := t.(Record)
		if !ok {
			return fmt.Errorf("one-to-many %s->%s: %T is not a Record", r.Parent.table, r.Child.table, t)
		}
		list := r.Collection(parent)
		if list == nil {
			continue
		}
		if deletePhase {
			// Cascaded children are already scheduled for deletion. Kept
			// children get their key nulled in the row and in memory, so
			// the parent's delete sees no referencing rows.
			if !r.Cascade {
				null := fmt.Sprintf("UPDATE %s SET %s = NULL WHERE %s = ?",
					r.Child.table, r.ForeignKey.Name, r.Child.pk.Name)
				for _, child := range append(list.Items(), list.Removed()...) {
					r.ForeignKey.Set(child, int64(0))
					if key := r.Child.pkValue(child); key != 0 {
						if _, err := r.Child.engine.Exec(null, key); err != nil {
							return fmt.Errorf("null %s.%s: %w", r.Child.table, r.ForeignKey.Name, err)
						}
					}
				}
			}
			continue
		}
		key := r.Parent.pkValue(parent)
		for _, child := range list.Added() {
			r.ForeignKey.Set(child, key)
		}
		for _, child := range list.Removed() {
			r.ForeignKey.Set(child, int64(0))
		}
	}
	return nil
}

// Related implements unitwork.Relation.
func (r *OneToMany) Related(fc *unitwork.FlushContext, obj unitwork.Entity, deletePhase bool) []unitwork.Entity {
	parent, ok := obj.(Record)
	if !ok || parent.Table() != r.Parent.table {
		return nil
	}
	list := r.Collection(parent)
	if list == nil {
		return nil
	}
	var recs []Record
	if deletePhase {
		recs = append(list.Items(), list.Removed()...)
	} else {
		recs = list.Added()
	}
	out := make([]unitwork.Entity, len(recs))
	for i, rec := range recs {
		out[i] = rec
	}
	return out
}

// OrderOf implements unitwork.Relation: the parent side writes first.
func (r *OneToMany) OrderOf(a, b unitwork.Entity) (unitwork.Entity, unitwork.Entity, bool) {
	if r.contains(a, b) {
		return a, b, true
	}
	if r.contains(b, a) {
		return b, a, true
	}
	return nil, nil, false
}

func (r *OneToMany) contains(parent, child unitwork.Entity) bool {
	p, ok := parent.(Record)
	if !ok || p.Table() != r.Parent.table {
		return false
	}
	list := r.Collection(p)
	if list == nil {
		return false
	}
	for _, rec := range list.Items() {
		if rec == child {
			return true
		}
	}
	for _, rec := range list.Removed() {
		if rec == child {
			return true
		}
	}
	return false
}

func (r *OneToMany) cascadeDelete(s *unitwork.Session, obj unitwork.Entity) error {
	if !r.Cascade {
		return nil
	}
	parent, ok := obj.(Record)
	if !ok || parent.Table() != r.Parent.table {
		return nil
	}
	list := r.Collection(parent)
	if list == nil {
		return nil
	}
	for _, child := range list.Items() {
		if err := s.RegisterDeleted(child); err != nil {
			return err
		}
	}
	return nil
}

var _ Relation = (*OneToMany)(nil)

// ManyToOne maps a reference held by the child record itself: Ref yields
// the parent a child points at. The referenced row is written first and
// its key lands in the child's foreign-key column before the child saves.
// This is also the self-referential form (Parent == Child), which the
// scheduler resolves by splitting the mapper task at the object level.
type ManyToOne struct {
	Child      *TableMapper
	Parent     *TableMapper
	ForeignKey Column
	Ref        func(child Record) Record
}

// Register implements Relation. The delete-phase processor does no row
// work of its own, but it is what lets a cycle split see the reference on
// the delete pass and order the dependent row's removal first.
func (r *ManyToOne) Register(fc *unitwork.FlushContext) {
	fc.RegisterDependency(r.Parent, r.Child)
	fc.RegisterProcessor(r.Parent, r, r.Child, false)
	fc.RegisterProcessor(r.Parent, r, r.Child, true)
}

// ProcessDependencies implements unitwork.Relation. Targets are children.
func (r *ManyToOne) ProcessDependencies(fc *unitwork.FlushContext, targets []unitwork.Entity, deletePhase bool) error {
	if deletePhase {
		return nil
	}
	for _, t := range targets {
		child, ok := t.(Record)
		if !ok {
			return fmt.Errorf("many-to-one %s->%s: %T is not a Record", r.Child.table, r.Parent.table, t)
		}
		if parent := r.Ref(child); parent != nil {
			r.ForeignKey.Set(child, r.Parent.pkValue(parent))
		}
	}
	return nil
}

// Related implements unitwork.Relation.
func (r *ManyToOne) Related(fc *unitwork.FlushContext, obj unitwork.Entity, deletePhase bool) []unitwork.Entity {
	child, ok := obj.(Record)
	if !ok || child.Table() != r.Child.table {
		return nil
	}
	parent := r.Ref(child)
	if parent == nil {
		return nil
	}
	return []unitwork.Entity{parent}
}

// OrderOf implements unitwork.Relation: the referenced row writes first.
func (r *ManyToOne) OrderOf(a, b unitwork.Entity) (unitwork.Entity, unitwork.Entity, bool) {
	if ra, ok := a.(Record); ok && ra.Table() == r.Child.table {
		if r.Ref(ra) == b {
			return b, a, true
		}
	}
	if rb, ok := b.(Record); ok && rb.Table() == r.Child.table {
		if r.Ref(rb) == a {
			return a, b, true
		}
	}
	return nil, nil, false
}

var _ Relation = (*ManyToOne)(nil)

// ManyToMany maintains an association table between two mappers. Rows go
// in after both sides have saved; association rows for a deleted left-side
// record are removed before the record itself.
type ManyToMany struct {
	Left        *TableMapper
	Right       *TableMapper
	Table       string
	LeftColumn  string
	RightColumn string
	Collection  func(left Record) *List
}

// Register implements Relation. Association inserts wait for both sides,
// so the save-phase processor lives on the right task; clearing a deleted
// left record's rows must precede its batch-delete, so the delete-phase
// processor lives on the left task.
func (r *ManyToMany) Register(fc *unitwork.FlushContext) {
	fc.RegisterDependency(r.Left, r.Right)
	fc.RegisterProcessor(r.Right, r, r.Left, false)
	fc.RegisterProcessor(r.Left, r, r.Left, true)
}

// ProcessDependencies implements unitwork.Relation. Targets are left-side
// records.
func (r *ManyToMany) ProcessDependencies(fc *unitwork.FlushContext, targets []unitwork.Entity, deletePhase bool) error {
	insert := fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (?, ?)", r.Table, r.LeftColumn, r.RightColumn)
	remove := fmt.Sprintf("DELETE FROM %s WHERE %s = ? AND %s = ?", r.Table, r.LeftColumn, r.RightColumn)
	clearAll := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", r.Table, r.LeftColumn)

	for _, t := range targets {
		left, ok := t.(Record)
		if !ok {
			return fmt.Errorf("many-to-many %s: %T is not a Record", r.Table, t)
		}
		key := r.Left.pkValue(left)
		if deletePhase {
			if _, err := r.Left.engine.Exec(clearAll, key); err != nil {
				return fmt.Errorf("clear associations %s: %w", r.Table, err)
			}
			continue
		}
		list := r.Collection(left)
		if list == nil {
			continue
		}
		for _, item := range list.Added() {
			if _, err := r.Left.engine.Exec(insert, key, r.Right.pkValue(item)); err != nil {
				return fmt.Errorf("insert association %s: %w", r.Table, err)
			}
		}
		for _, item := range list.Removed() {
			if _, err := r.Left.engine.Exec(remove, key, r.Right.pkValue(item)); err != nil {
				return fmt.Errorf("delete association %s: %w", r.Table, err)
			}
		}
	}
	return nil
}

// Related implements unitwork.Relation.
func (r *ManyToMany) Related(fc *unitwork.FlushContext, obj unitwork.Entity, deletePhase bool) []unitwork.Entity {
	left, ok := obj.(Record)
	if !ok || left.Table() != r.Left.table {
		return nil
	}
	list := r.Collection(left)
	if list == nil {
		return nil
	}
	var recs []Record
	if deletePhase {
		recs = append(list.Items(), list.Removed()...)
	} else {
		recs = list.Added()
	}
	out := make([]unitwork.Entity, len(recs))
	for i, rec := range recs {
		out[i] = rec
	}
	return out
}

// OrderOf implements unitwork.Relation: association rows impose no order
// between the two sides themselves.
func (r *ManyToMany) OrderOf(a, b unitwork.Entity) (unitwork.Entity, unitwork.Entity, bool) {
	return nil, nil, false
}

// CreateSchema issues the association table's CREATE TABLE IF NOT EXISTS.
func (r *ManyToMany) CreateSchema() error {
	query := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (%s INTEGER NOT NULL REFERENCES %s(%s), %s INTEGER NOT NULL REFERENCES %s(%s), PRIMARY KEY (%s, %s))",
		r.Table,
		r.LeftColumn, r.Left.table, r.Left.pk.Name,
		r.RightColumn, r.Right.table, r.Right.pk.Name,
		r.LeftColumn, r.RightColumn,
	)
	if _, err := r.Left.engine.Exec(query); err != nil {
		return fmt.Errorf("create association table %s: %w", r.Table, err)
	}
	return nil
}

var _ Relation = (*ManyToMany)(nil)
