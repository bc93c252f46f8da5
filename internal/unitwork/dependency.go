package unitwork

import (
	"fmt"
	"strings"
)

// depProc binds a relation to the Task whose elements it must act on,
// in either the save phase or the delete phase. It runs exactly once per
// owning Task per flush.
type depProc struct {
	rel         Relation
	target      *Task
	deletePhase bool
}

// execute pulls the phase-appropriate object list from the bound target
// task and hands it to the relation. Ordering is assumed correct by the
// time this runs; a violated assumption surfaces as a statement failure
// from the database, not from here.
func (d *depProc) execute(fc *FlushContext) error {
	var objs []Entity
	if d.deletePhase {
		objs = d.target.deleteList()
	} else {
		objs = d.target.saveList()
	}
	if len(objs) == 0 {
		return nil
	}
	if err := d.rel.ProcessDependencies(fc, objs, d.deletePhase); err != nil {
		return fmt.Errorf("process dependencies (%s, delete=%v): %w",
			d.target.mapper.Name(), d.deletePhase, err)
	}
	return nil
}

// branch is a shallow copy bound to a different target task, used when
// folding processors onto synthetic per-object tasks during cycle
// resolution.
func (d *depProc) branch(target *Task) *depProc {
	return &depProc{rel: d.rel, target: target, deletePhase: d.deletePhase}
}

func (d *depProc) dump(sb *strings.Builder, depth int, label string) {
	phase := "save"
	if d.deletePhase {
		phase = "delete"
	}
	fmt.Fprintf(sb, "%s%s %T -> %s (%s phase)\n",
		strings.Repeat("  ", depth), label, d.rel, d.target.mapper.Name(), phase)
}
