package unitwork

import (
	"fmt"
	"strings"
)

// Task collects the pending objects of one mapper for one flush, as an
// insertion-ordered set of elements, plus the dependency processors and
// child Tasks that constrain its execution. A Task folded into a circular
// substitute delegates execution entirely to its replacement.
type Task struct {
	fc     *FlushContext
	mapper Mapper

	elements map[Entity]*TaskElement
	order    []*TaskElement

	deps     []*depProc // registered via RegisterProcessor
	cyclical []*depProc // branched here by an object-level cycle split

	childTasks []*Task
	circular   *Task
}

// TaskElement wraps one object. A listonly element is a dependency
// placeholder and is never written itself; isdelete is never unset once
// set. Child tasks hold nested per-object work from a cycle split.
type TaskElement struct {
	obj        Entity
	isDelete   bool
	listOnly   bool
	childTasks []*Task
}

func newTask(fc *FlushContext, m Mapper) *Task {
	return &Task{
		fc:       fc,
		mapper:   m,
		elements: make(map[Entity]*TaskElement),
	}
}

// Mapper returns the mapper this task writes through.
func (t *Task) Mapper() Mapper { return t.mapper }

// append upserts an element for obj. Flags only tighten: listonly can be
// cleared by a real registration, isdelete sticks once set.
func (t *Task) append(obj Entity, isDelete, listOnly bool) *TaskElement {
	if el, ok := t.elements[obj]; ok {
		if !listOnly {
			el.listOnly = false
		}
		if isDelete {
			el.isDelete = true
		}
		return el
	}
	el := &TaskElement{obj: obj, isDelete: isDelete, listOnly: listOnly}
	t.elements[obj] = el
	t.order = append(t.order, el)
	return el
}

// saveBatch returns the objects to insert or update, in insertion order.
func (t *Task) saveBatch() []Entity {
	var out []Entity
	for _, el := range t.order {
		if !el.isDelete && !el.listOnly {
			out = append(out, el.obj)
		}
	}
	return out
}

// deleteBatch returns the objects to delete, in insertion order.
func (t *Task) deleteBatch() []Entity {
	var out []Entity
	for _, el := range t.order {
		if el.isDelete && !el.listOnly {
			out = append(out, el.obj)
		}
	}
	return out
}

// saveList is the save-phase processor target list: every non-delete
// element, placeholders included.
func (t *Task) saveList() []Entity {
	var out []Entity
	for _, el := range t.order {
		if !el.isDelete {
			out = append(out, el.obj)
		}
	}
	return out
}

// deleteList is the delete-phase processor target list.
func (t *Task) deleteList() []Entity {
	var out []Entity
	for _, el := range t.order {
		if el.isDelete {
			out = append(out, el.obj)
		}
	}
	return out
}

// Execute runs the task's fixed phase order. Referenced rows exist before
// anything references them; dependent rows are gone before the row they
// reference is deleted.
func (t *Task) Execute() error {
	if t.circular != nil {
		return t.circular.Execute()
	}

	// 1. batch-save
	if objs := t.saveBatch(); len(objs) > 0 {
		if err := t.mapper.Save(t.fc, objs); err != nil {
			return fmt.Errorf("save %s: %w", t.mapper.Name(), err)
		}
	}
	// 2. save-phase processors from a cycle split
	for _, d := range t.cyclical {
		if !d.deletePhase {
			if err := d.execute(t.fc); err != nil {
				return err
			}
		}
	}
	// 3. nested per-element child tasks (self-referential saves)
	for _, el := range t.order {
		if el.isDelete {
			continue
		}
		for _, ct := range el.childTasks {
			if err := ct.Execute(); err != nil {
				return err
			}
		}
	}
	// 4. save-phase processors (key propagation, association inserts)
	for _, d := range t.deps {
		if !d.deletePhase {
			if err := d.execute(t.fc); err != nil {
				return err
			}
		}
	}
	// 5. delete-phase processors (association deletes, FK handling)
	for _, d := range t.deps {
		if d.deletePhase {
			if err := d.execute(t.fc); err != nil {
				return err
			}
		}
	}
	// 6. delete-phase processors from a cycle split
	for _, d := range t.cyclical {
		if d.deletePhase {
			if err := d.execute(t.fc); err != nil {
				return err
			}
		}
	}
	// 7. sibling child tasks
	for _, ct := range t.childTasks {
		if err := ct.Execute(); err != nil {
			return err
		}
	}
	// 8. nested per-element child tasks of delete elements
	for _, el := range t.order {
		if !el.isDelete {
			continue
		}
		for _, ct := range el.childTasks {
			if err := ct.Execute(); err != nil {
				return err
			}
		}
	}
	// 9. batch-delete
	if objs := t.deleteBatch(); len(objs) > 0 {
		if err := t.mapper.Delete(t.fc, objs); err != nil {
			return fmt.Errorf("delete %s: %w", t.mapper.Name(), err)
		}
	}
	return nil
}

func (t *Task) dump(sb *strings.Builder, depth int) {
	pad := strings.Repeat("  ", depth)
	if t.circular != nil {
		fmt.Fprintf(sb, "%stask %s (folded into cycle substitute)\n", pad, t.mapper.Name())
		return
	}
	fmt.Fprintf(sb, "%stask %s\n", pad, t.mapper.Name())
	for _, el := range t.order {
		verb := "save"
		if el.isDelete {
			verb = "delete"
		}
		note := ""
		if el.listOnly {
			note = " (listonly)"
		}
		fmt.Fprintf(sb, "%s  %s %s%s\n", pad, verb, describe(t.fc, el.obj), note)
		for _, ct := range el.childTasks {
			ct.dump(sb, depth+2)
		}
	}
	for _, d := range t.deps {
		d.dump(sb, depth+1, "processor")
	}
	for _, d := range t.cyclical {
		d.dump(sb, depth+1, "cyclical processor")
	}
	for _, ct := range t.childTasks {
		ct.dump(sb, depth+1)
	}
}

func describe(fc *FlushContext, obj Entity) string {
	m, err := fc.session.resolver.Resolve(obj)
	if err != nil {
		return fmt.Sprintf("%T", obj)
	}
	if key, ok := m.PrimaryKey(obj); ok {
		return fmt.Sprintf("%T{%v}", obj, key)
	}
	return fmt.Sprintf("%T{pending}", obj)
}
