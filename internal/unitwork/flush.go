package unitwork

import (
	"fmt"
	"os"
	"strings"

	"github.com/agentic-research/ebb/internal/topo"
)

// FlushContext is the per-flush dependency graph: one Task per mapper,
// deduplicated dependency edges between mappers, and the processors bound
// to each Task. It is built, sorted, executed and discarded within a
// single Session.Flush.
type FlushContext struct {
	session *Session

	tasks     map[Mapper]*Task
	taskOrder []*Task

	// Mappers and objects get stable integer handles at registration
	// time; the sorter works purely in handle space.
	mapperHandle map[Mapper]int
	byHandle     []Mapper
	objHandle    map[Entity]int
	objByHandle  []Entity

	edgeSeen map[[2]int]bool
	edges    [][2]int

	root *Task
}

// NewFlushContext creates an empty per-flush graph bound to s.
func NewFlushContext(s *Session) *FlushContext {
	return &FlushContext{
		session:      s,
		tasks:        make(map[Mapper]*Task),
		mapperHandle: make(map[Mapper]int),
		objHandle:    make(map[Entity]int),
		edgeSeen:     make(map[[2]int]bool),
	}
}

// Session returns the owning registry.
func (fc *FlushContext) Session() *Session { return fc.session }

// RegisterObject resolves obj's mapper and appends obj to that mapper's
// Task. Appending to a Task already folded into a circular substitute is
// only legal when the object is already present there.
func (fc *FlushContext) RegisterObject(obj Entity, isDelete, listOnly bool) error {
	m, err := fc.resolveMapper(obj)
	if err != nil {
		return err
	}
	t := fc.task(m)
	if t.circular != nil {
		if _, ok := t.elements[obj]; !ok {
			return fmt.Errorf("unitwork: object %T registered against circular task %q after fold", obj, m.Name())
		}
		return nil
	}
	t.append(obj, isDelete, listOnly)
	return nil
}

// RegisterDependency records that some relationship between the two
// mappers constrains write order: a's task runs before b's. Recorded at
// most once per pair per flush. Both mappers get a task even if nothing
// is pending for them, so the sorted chain stays aligned with the graph.
func (fc *FlushContext) RegisterDependency(a, b Mapper) {
	fc.task(a)
	fc.task(b)
	edge := [2]int{fc.handle(a), fc.handle(b)}
	if fc.edgeSeen[edge] {
		return
	}
	fc.edgeSeen[edge] = true
	fc.edges = append(fc.edges, edge)
}

// RegisterProcessor attaches a dependency processor to owner's Task. The
// target mapper's Task supplies the object list the relation acts on, in
// either the save or the delete phase.
func (fc *FlushContext) RegisterProcessor(owner Mapper, rel Relation, target Mapper, deletePhase bool) {
	ot := fc.task(owner)
	tt := fc.task(target)
	ot.deps = append(ot.deps, &depProc{rel: rel, target: tt, deletePhase: deletePhase})
}

// Engines returns the distinct engines touched by the registered mappers,
// in task creation order.
func (fc *FlushContext) Engines() []Engine {
	var out []Engine
	seen := make(map[Engine]bool)
	for _, t := range fc.taskOrder {
		e := t.mapper.Engine()
		if e == nil || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}

// Execute runs the whole flush: late dependency registration, mapper-level
// sort, cycle splitting, and the recursive task-tree walk. With trace set,
// the computed tree is dumped before execution.
func (fc *FlushContext) Execute(trace bool) error {
	// Mappers may create further tasks while registering dependencies, so
	// loop until every task's mapper has reported.
	reported := make(map[*Task]bool)
	for {
		progress := false
		for _, t := range append([]*Task(nil), fc.taskOrder...) {
			if reported[t] {
				continue
			}
			reported[t] = true
			t.mapper.RegisterDependencies(fc)
			progress = true
		}
		if !progress {
			break
		}
	}

	items := make([]int, len(fc.taskOrder))
	for i, t := range fc.taskOrder {
		items[i] = fc.mapperHandle[t.mapper]
	}
	head, err := topo.Sort(fc.edges, items, true)
	if err != nil {
		return fmt.Errorf("sort mappers: %w", err)
	}

	var root, prev *Task
	for node := head; node != nil; node = chainNext(node) {
		var t *Task
		if node.Cycle != nil {
			members := make([]*Task, len(node.Cycle))
			for i, c := range node.Cycle {
				members[i] = fc.tasks[fc.byHandle[c.Item]]
			}
			t, err = fc.sortCircular(members)
			if err != nil {
				return err
			}
		} else {
			t = fc.tasks[fc.byHandle[node.Item]]
		}
		if prev == nil {
			root = t
		} else {
			prev.childTasks = append(prev.childTasks, t)
		}
		prev = t
	}
	fc.root = root

	if trace {
		w := fc.session.Trace
		if w == nil {
			w = os.Stdout
		}
		fmt.Fprint(w, fc.Dump())
	}

	if root == nil {
		return nil
	}
	return root.Execute()
}

// Dump renders the computed task tree as an indented, human-readable
// listing. Diagnostic only; the format carries no stability guarantee.
func (fc *FlushContext) Dump() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "flush %s\n", fc.session.id.String())
	if fc.root == nil {
		sb.WriteString("  (no tasks)\n")
		return sb.String()
	}
	fc.root.dump(&sb, 1)
	return sb.String()
}

func (fc *FlushContext) task(m Mapper) *Task {
	if t, ok := fc.tasks[m]; ok {
		return t
	}
	fc.handle(m)
	t := newTask(fc, m)
	fc.tasks[m] = t
	fc.taskOrder = append(fc.taskOrder, t)
	return t
}

func (fc *FlushContext) taskCount() int { return len(fc.taskOrder) }

func (fc *FlushContext) handle(m Mapper) int {
	if h, ok := fc.mapperHandle[m]; ok {
		return h
	}
	h := len(fc.byHandle)
	fc.mapperHandle[m] = h
	fc.byHandle = append(fc.byHandle, m)
	return h
}

func (fc *FlushContext) objectHandle(obj Entity) int {
	if h, ok := fc.objHandle[obj]; ok {
		return h
	}
	h := len(fc.objByHandle)
	fc.objHandle[obj] = h
	fc.objByHandle = append(fc.objByHandle, obj)
	return h
}

func (fc *FlushContext) resolveMapper(obj Entity) (Mapper, error) {
	m, err := fc.session.resolver.Resolve(obj)
	if err != nil {
		return nil, fmt.Errorf("%w: %T: %v", ErrNoMapper, obj, err)
	}
	return m, nil
}

func chainNext(n *topo.Node) *topo.Node {
	if len(n.Children) == 0 {
		return nil
	}
	return n.Children[0]
}
