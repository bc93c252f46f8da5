package unitwork

import (
	"fmt"

	"github.com/agentic-research/ebb/internal/topo"
)

// sortCircular splits a set of mutually dependent mapper Tasks into a
// single synthetic Task with a correct per-object order. Mapper
// granularity is too coarse inside the cycle: individual object pairs
// often do have a definite order even though the mapper pair as a whole
// does not.
//
// Every member Task is folded into the returned substitute before any of
// them can execute; their element lists stay intact so processors bound to
// them from outside the cycle keep working.
func (fc *FlushContext) sortCircular(cycle []*Task) (*Task, error) {
	inCycle := make(map[*Task]bool, len(cycle))
	for _, t := range cycle {
		inCycle[t] = true
	}

	// 1. Flatten every object from every task in the cycle into one
	// working set, keeping per-task insertion order. Objects discovered
	// later through relations join the set as listonly placeholders.
	type objState struct {
		isDelete bool
		listOnly bool
	}
	states := make(map[Entity]*objState)
	var objOrder []Entity
	track := func(obj Entity, isDelete, listOnly bool) {
		if _, ok := states[obj]; ok {
			return
		}
		states[obj] = &objState{isDelete: isDelete, listOnly: listOnly}
		objOrder = append(objOrder, obj)
		fc.objectHandle(obj)
	}
	for _, t := range cycle {
		for _, el := range t.order {
			track(el.obj, el.isDelete, el.listOnly)
		}
	}

	// Per (anchor object, processor) accumulator task: the objects the
	// branched processor must act on at the anchor's position in the
	// rebuilt tree.
	mini := make(map[Entity]map[*depProc]*Task)
	miniOrder := make(map[Entity][]*depProc)
	accumulate := func(anchor Entity, d *depProc, obj Entity) {
		byDep, ok := mini[anchor]
		if !ok {
			byDep = make(map[*depProc]*Task)
			mini[anchor] = byDep
		}
		mt, ok := byDep[d]
		if !ok {
			mt = newTask(fc, d.target.mapper)
			byDep[d] = mt
			miniOrder[anchor] = append(miniOrder[anchor], d)
		}
		mt.append(obj, d.deletePhase, true)
	}

	// 2./3. Derive object-to-object edges from every processor whose owner
	// and target both sit inside the cycle, phase by phase.
	var tuples [][2]int
	for _, t := range cycle {
		for _, d := range t.deps {
			if !inCycle[d.target] {
				continue
			}
			for _, el := range append([]*TaskElement(nil), d.target.order...) {
				if el.isDelete != d.deletePhase {
					continue
				}
				obj := el.obj
				for _, w := range d.rel.Related(fc, obj, d.deletePhase) {
					if w == nil {
						continue
					}
					track(w, d.deletePhase, true)
					first, second, ok := d.rel.OrderOf(obj, w)
					if !ok {
						// No definite order between the pair; the
						// processor still runs at obj's position.
						accumulate(obj, d, obj)
						continue
					}
					tuples = append(tuples, [2]int{fc.objectHandle(first), fc.objectHandle(second)})
					if first == obj {
						accumulate(first, d, first)
					} else {
						accumulate(first, d, second)
					}
				}
			}
		}
	}

	// 4. Object-level sort. A cycle that survives at this granularity is a
	// genuine circular row dependency: a data/configuration error.
	items := make([]int, len(objOrder))
	for i, obj := range objOrder {
		items[i] = fc.objectHandle(obj)
	}
	head, err := topo.Sort(tuples, items, false)
	if err != nil {
		return nil, fmt.Errorf("unresolvable dependency cycle between rows of %s: %w",
			cycle[0].mapper.Name(), err)
	}

	// 5. Rebuild a tree of per-object tasks following the sorted order. A
	// same-mapper successor nests under the previous element's child task
	// so that branched processors run between the two saves; a
	// different-mapper successor becomes a sibling task executed right
	// after its predecessor.
	root := newTask(fc, cycle[0].mapper)
	frame := root
	for node := head; node != nil; node = chainNext(node) {
		if node.Cycle != nil {
			return nil, fmt.Errorf("unresolvable dependency cycle between rows of %s",
				cycle[0].mapper.Name())
		}
		obj := fc.objByHandle[node.Item]
		st := states[obj]
		m, err := fc.resolveMapper(obj)
		if err != nil {
			return nil, err
		}

		t := frame
		if m != frame.mapper {
			t = newTask(fc, m)
			frame.childTasks = append(frame.childTasks, t)
		}
		el := t.append(obj, st.isDelete, st.listOnly)
		for _, d := range miniOrder[obj] {
			t.cyclical = append(t.cyclical, d.branch(mini[obj][d]))
		}

		next := newTask(fc, m)
		el.childTasks = append(el.childTasks, next)
		frame = next
	}
	pruneEmpty(root)

	// 6. Processors owned by cycle members but targeting tasks outside the
	// cycle move to the synthetic root so each still runs exactly once.
	for _, t := range cycle {
		for _, d := range t.deps {
			if !inCycle[d.target] {
				root.deps = append(root.deps, d)
			}
		}
	}

	for _, t := range cycle {
		t.circular = root
	}
	return root, nil
}

// pruneEmpty drops the speculative nesting frames that ended up with no
// work of their own.
func pruneEmpty(t *Task) {
	for _, el := range t.order {
		el.childTasks = pruneList(el.childTasks)
	}
	t.childTasks = pruneList(t.childTasks)
}

func pruneList(tasks []*Task) []*Task {
	kept := tasks[:0]
	for _, ct := range tasks {
		pruneEmpty(ct)
		if len(ct.order) == 0 && len(ct.deps) == 0 && len(ct.cyclical) == 0 && len(ct.childTasks) == 0 {
			continue
		}
		kept = append(kept, ct)
	}
	return kept
}
