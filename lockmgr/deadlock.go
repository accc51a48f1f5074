package lockmgr

// buildWaitForGraph constructs waitingFor: for every ungranted ticket t
// on a resource, an edge from t's holder to the holder of every ticket
// that currently blocks t from being granted — either an already-granted
// ticket in an incompatible mode, or an earlier ungranted ticket that
// must be served first by FIFO order (§4.8).
func (m *Manager) buildWaitForGraph() map[*Holder][]*Holder {
	graph := make(map[*Holder][]*Holder)
	m.forEachResource(func(r *Resource) {
		r.mu.Lock()
		for _, t := range r.requests {
			if t.granted {
				continue
			}
			blockers := make(map[*Holder]bool)
			for _, o := range r.requests {
				if o == t {
					break
				}
				if o.holder == t.holder {
					continue
				}
				if o.granted {
					if !compatible(o.mode, t.mode) {
						blockers[o.holder] = true
					}
				} else {
					blockers[o.holder] = true
				}
			}
			for b := range blockers {
				graph[t.holder] = append(graph[t.holder], b)
			}
		}
		r.mu.Unlock()
	})
	return graph
}

const (
	white = iota
	gray
	black
)

// BreakDeadlocks runs DFS over the wait-for graph, coloring vertices
// white/gray/black; a back-edge to a gray vertex identifies a holder on
// a cycle, emitted as a victim (§4.8). The caller must abort every
// returned holder's transaction (rollback + ReleaseAll).
func (m *Manager) BreakDeadlocks() []*Holder {
	graph := m.buildWaitForGraph()
	color := make(map[*Holder]int)
	victimSet := make(map[*Holder]bool)
	var victims []*Holder

	var visit func(h *Holder)
	visit = func(h *Holder) {
		color[h] = gray
		for _, nb := range graph[h] {
			switch color[nb] {
			case white:
				visit(nb)
			case gray:
				if !victimSet[nb] {
					victimSet[nb] = true
					victims = append(victims, nb)
				}
			}
		}
		color[h] = black
	}

	for h := range graph {
		if color[h] == white {
			visit(h)
		}
	}
	return victims
}
