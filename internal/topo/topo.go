// Package topo provides a generic dependency sorter over integer handles.
// Callers assign a stable handle to each item at registration time and feed
// precedence pairs; the sorter returns a tree whose pre-order walk honors
// every pair. Groups with no total order at this granularity are collapsed
// into a single node carrying the cycle members.
package topo

import (
	"fmt"
	"strings"

	"github.com/RoaringBitmap/roaring"
)

// Node is one element of the sorted tree. Execution order is pre-order:
// a node runs before its children.
type Node struct {
	Item     int
	Children []*Node
	// Cycle holds the members of a collapsed co-equal group, in first-seen
	// order. Nil for ordinary nodes. Item is the first member's handle.
	Cycle []*Node
}

// CycleError reports a dependency cycle the caller did not allow.
type CycleError struct {
	Members []int
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Members))
	for i, m := range e.Members {
		parts[i] = fmt.Sprintf("%d", m)
	}
	return "dependency cycle with no valid order: [" + strings.Join(parts, " ") + "]"
}

// Sort orders items so that for every pair (before, after) the node for
// before precedes the node for after in a pre-order walk of the result.
// Handles appearing only in pairs are appended to the item set in
// first-seen order. Items with no edges between them keep their
// registration order (stable).
//
// With allowCycles set, each strongly connected group is collapsed into a
// single node annotated with its members; otherwise the first group found
// is returned as a CycleError.
//
// The returned tree is a chain: every node has at most one child. A chain
// is the one shape whose pre-order walk provably equals the computed
// linear order, which keeps downstream tree surgery simple.
func Sort(pairs [][2]int, items []int, allowCycles bool) (*Node, error) {
	g := newGraph(items, pairs)
	if len(g.order) == 0 {
		return nil, nil
	}

	comps := g.condense()

	// Kahn over the condensed DAG. The ready queue is kept in registration
	// order of each component's first member, so the result is stable.
	indeg := make([]int, len(comps))
	succs := make([][]int, len(comps))
	edgeSeen := make([]*roaring.Bitmap, len(comps))
	for i := range comps {
		edgeSeen[i] = roaring.New()
	}
	for _, p := range pairs {
		from, to := g.comp[g.index[p[0]]], g.comp[g.index[p[1]]]
		if from == to {
			continue // intra-component edge, absorbed by the collapse
		}
		if edgeSeen[from].Contains(uint32(to)) {
			continue
		}
		edgeSeen[from].Add(uint32(to))
		succs[from] = append(succs[from], to)
		indeg[to]++
	}

	var queue []int
	for i := range comps {
		if indeg[i] == 0 {
			queue = append(queue, i)
		}
	}

	var head, tail *Node
	emitted := 0
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		emitted++

		n, err := makeNode(g, comps[c], allowCycles)
		if err != nil {
			return nil, err
		}
		if head == nil {
			head = n
		} else {
			tail.Children = append(tail.Children, n)
		}
		tail = n

		for _, s := range succs[c] {
			indeg[s]--
			if indeg[s] == 0 {
				queue = append(queue, s)
			}
		}
	}
	if emitted != len(comps) {
		// Cannot happen: condensation yields a DAG.
		return nil, fmt.Errorf("internal: emitted %d of %d components", emitted, len(comps))
	}
	return head, nil
}

func makeNode(g *graph, members []int, allowCycles bool) (*Node, error) {
	if len(members) == 1 && !g.selfLoop.Contains(uint32(members[0])) {
		return &Node{Item: g.order[members[0]]}, nil
	}
	handles := make([]int, len(members))
	cycle := make([]*Node, len(members))
	for i, m := range members {
		handles[i] = g.order[m]
		cycle[i] = &Node{Item: g.order[m]}
	}
	if !allowCycles {
		return nil, &CycleError{Members: handles}
	}
	return &Node{Item: handles[0], Cycle: cycle}, nil
}

// graph is the working arena: items mapped to dense indices, adjacency in
// index space.
type graph struct {
	order    []int       // dense index -> handle, registration order
	index    map[int]int // handle -> dense index
	succ     [][]int
	selfLoop *roaring.Bitmap
	comp     []int   // dense index -> component id
	members  [][]int // component id -> dense indices, first-seen order
}

func newGraph(items []int, pairs [][2]int) *graph {
	g := &graph{
		index:    make(map[int]int, len(items)),
		selfLoop: roaring.New(),
	}
	add := func(h int) int {
		if i, ok := g.index[h]; ok {
			return i
		}
		i := len(g.order)
		g.index[h] = i
		g.order = append(g.order, h)
		g.succ = append(g.succ, nil)
		return i
	}
	for _, h := range items {
		add(h)
	}
	seen := make([]*roaring.Bitmap, 0, len(g.order))
	for _, p := range pairs {
		from := add(p[0])
		to := add(p[1])
		for len(seen) < len(g.order) {
			seen = append(seen, roaring.New())
		}
		if from == to {
			g.selfLoop.Add(uint32(from))
			continue
		}
		if seen[from].Contains(uint32(to)) {
			continue
		}
		seen[from].Add(uint32(to))
		g.succ[from] = append(g.succ[from], to)
	}
	return g
}

// condense computes strongly connected components (iterative Tarjan) and
// renumbers them so components are ordered by their first-registered member.
func (g *graph) condense() [][]int {
	n := len(g.order)
	g.comp = make([]int, n)
	for i := range g.comp {
		g.comp[i] = -1
	}

	const unvisited = -1
	idx := make([]int, n)
	low := make([]int, n)
	onStack := roaring.New()
	for i := range idx {
		idx[i] = unvisited
	}
	var stack []int
	counter := 0
	ncomp := 0

	type frame struct{ v, ei int }
	for root := 0; root < n; root++ {
		if idx[root] != unvisited {
			continue
		}
		call := []frame{{v: root}}
		for len(call) > 0 {
			f := &call[len(call)-1]
			v := f.v
			if f.ei == 0 {
				idx[v] = counter
				low[v] = counter
				counter++
				stack = append(stack, v)
				onStack.Add(uint32(v))
			}
			advanced := false
			for f.ei < len(g.succ[v]) {
				w := g.succ[v][f.ei]
				f.ei++
				if idx[w] == unvisited {
					call = append(call, frame{v: w})
					advanced = true
					break
				}
				if onStack.Contains(uint32(w)) && idx[w] < low[v] {
					low[v] = idx[w]
				}
			}
			if advanced {
				continue
			}
			if low[v] == idx[v] {
				for {
					w := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack.Remove(uint32(w))
					g.comp[w] = ncomp
					if w == v {
						break
					}
				}
				ncomp++
			}
			call = call[:len(call)-1]
			if len(call) > 0 {
				p := call[len(call)-1].v
				if low[v] < low[p] {
					low[p] = low[v]
				}
			}
		}
	}

	// Renumber by first-registered member and collect membership in
	// registration order, so output is independent of traversal order.
	remap := make([]int, ncomp)
	for i := range remap {
		remap[i] = -1
	}
	g.members = nil
	for i := 0; i < n; i++ {
		c := g.comp[i]
		if remap[c] == -1 {
			remap[c] = len(g.members)
			g.members = append(g.members, nil)
		}
	}
	for i := 0; i < n; i++ {
		g.comp[i] = remap[g.comp[i]]
		g.members[g.comp[i]] = append(g.members[g.comp[i]], i)
	}
	return g.members
}
