package intern

import "github.com/brooklang/coreruntime/internal/objmodel"

// tarjanSCCs finds the strongly connected components of the subgraph of
// not-yet-interned objects reachable from root, treating any already-
// interned reference as a terminal leaf. Components are returned in the
// order Tarjan's algorithm naturally finishes them in, which is reverse
// topological order: every component is emitted only after all
// components it depends on, so Intern can process the slice in order
// and always find a dependency already resolved in done.
func tarjanSCCs(root *objmodel.RObj) [][]*objmodel.RObj {
	st := &tarjanState{
		index:   make(map[*objmodel.RObj]int),
		low:     make(map[*objmodel.RObj]int),
		onStack: make(map[*objmodel.RObj]bool),
	}
	st.connect(root)
	return st.sccs
}

type tarjanState struct {
	index   map[*objmodel.RObj]int
	low     map[*objmodel.RObj]int
	onStack map[*objmodel.RObj]bool
	stack   []*objmodel.RObj
	next    int
	sccs    [][]*objmodel.RObj
}

func (st *tarjanState) connect(v *objmodel.RObj) {
	st.index[v] = st.next
	st.low[v] = st.next
	st.next++
	st.stack = append(st.stack, v)
	st.onStack[v] = true

	for _, w := range v.Refs {
		if w == nil || w.Interned != nil {
			continue
		}
		if _, seen := st.index[w]; !seen {
			st.connect(w)
			if st.low[w] < st.low[v] {
				st.low[v] = st.low[w]
			}
		} else if st.onStack[w] {
			if st.index[w] < st.low[v] {
				st.low[v] = st.index[w]
			}
		}
	}

	if st.low[v] != st.index[v] {
		return
	}
	var scc []*objmodel.RObj
	for {
		w := st.stack[len(st.stack)-1]
		st.stack = st.stack[:len(st.stack)-1]
		st.onStack[w] = false
		scc = append(scc, w)
		if w == v {
			break
		}
	}
	st.sccs = append(st.sccs, scc)
}
