package expand

import (
	"github.com/slowlang/gcbar/compiler/ir"
	"github.com/slowlang/gcbar/compiler/tp"
)

type (
	def struct {
		ctrl ir.ID
		val  ir.ID
	}

	// ssa rebuilds the uses of a value that is now defined at several
	// controls, adding phis where the definitions meet.
	ssa struct {
		g *ir.Graph
		d *ir.Dom
		t tp.Type

		defs []def
		memo map[ir.ID]ir.ID

		// pure users cloned per reaching value
		clones map[[2]ir.ID]ir.ID

		phis []ir.ID
	}
)

func newSSA(g *ir.Graph, d *ir.Dom, t tp.Type, defs ...def) *ssa {
	return &ssa{
		g:      g,
		d:      d,
		t:      t,
		defs:   defs,
		memo:   map[ir.ID]ir.ID{},
		clones: map[[2]ir.ID]ir.ID{},
	}
}

// reaches reports whether every path into x comes through a definition.
func (s *ssa) reaches(x ir.ID) bool {
	return s.reachesVisit(x, map[ir.ID]bool{})
}

func (s *ssa) reachesVisit(x ir.ID, visited map[ir.ID]bool) bool {
	for x != ir.Nil {
		if visited[x] {
			return true
		}

		visited[x] = true

		for _, d := range s.defs {
			if s.d.Dominates(d.ctrl, x) {
				return true
			}
		}

		if s.dominatesDefs(x) {
			return false
		}

		if s.g.Op(x).IsRegion() {
			for _, p := range s.g.Preds(x) {
				if p != ir.Nil && s.d.Reachable(p) && !s.reachesVisit(p, visited) {
					return false
				}
			}

			return true
		}

		x = s.d.Idom(x)
	}

	return false
}

func (s *ssa) dominatesDefs(x ir.ID) bool {
	for _, d := range s.defs {
		if !s.d.Dominates(x, d.ctrl) || x == d.ctrl {
			return false
		}
	}

	return true
}

// valueAt returns the value live at the end of control x.
func (s *ssa) valueAt(x ir.ID) ir.ID {
	if v, ok := s.memo[x]; ok {
		return v
	}

	for _, d := range s.defs {
		if s.d.Dominates(d.ctrl, x) {
			s.memo[x] = d.val
			return d.val
		}
	}

	g := s.g

	if g.Op(x).IsRegion() {
		preds := g.Preds(x)

		in := make([]ir.ID, 1+len(preds))
		in[0] = x

		for i := range preds {
			in[1+i] = ir.Nil
		}

		phi := g.Add(ir.Node{Op: ir.OpPhi, In: in, Type: s.t})
		s.memo[x] = phi
		s.phis = append(s.phis, phi)

		for i, p := range preds {
			if p != ir.Nil && s.d.Reachable(p) {
				g.SetIn(phi, 1+i, s.valueAt(p))
			}
		}

		return phi
	}

	id := s.d.Idom(x)
	ir.Assert(id != ir.Nil, "no definition reaches %v", x)

	v := s.valueAt(id)
	s.memo[x] = v

	return v
}

// useSite returns the control a use of old by user at input i is evaluated at,
// or Nil if the user floats.
func (s *ssa) useSite(user ir.ID, i int) ir.ID {
	g := s.g
	n := g.Node(user)

	switch {
	case n.Op == ir.OpPhi:
		return g.Preds(n.In[0])[i-1]
	case g.IsControl(user):
		if n.Op.IsRegion() {
			return n.In[i]
		}

		return user
	case n.In[0] != ir.Nil:
		return n.In[0]
	}

	return ir.Nil
}

// sites collects the controls old is used at, looking through pure users.
func (s *ssa) sites(old ir.ID, visited map[ir.ID]bool, f func(c ir.ID)) {
	if visited[old] {
		return
	}

	visited[old] = true

	g := s.g

	for _, u := range dedupIDs(g.Users(old)) {
		for i, x := range g.Node(u).In {
			if x != old {
				continue
			}

			if c := s.useSite(u, i); c != ir.Nil {
				f(c)
			} else {
				s.sites(u, visited, f)
			}
		}
	}
}

// rewrite replaces the uses of old with the value reaching each use.
// Pure users are copied once per distinct reaching value.
func (s *ssa) rewrite(old ir.ID) {
	g := s.g

	deps := s.pureUsers(old)

	dep := map[ir.ID]bool{old: true}
	for _, x := range deps {
		dep[x] = true
	}

	type use struct {
		user, of ir.ID
		i        int
	}

	var uses []use

	for _, x := range append([]ir.ID{old}, deps...) {
		for _, u := range dedupIDs(g.Users(x)) {
			if dep[u] {
				continue
			}

			for i, y := range g.Node(u).In {
				if y == x {
					uses = append(uses, use{user: u, of: x, i: i})
				}
			}
		}
	}

	for _, u := range uses {
		c := s.useSite(u.user, u.i)
		v := s.valueAt(c)

		g.SetIn(u.user, u.i, s.version(u.of, old, v, dep))
	}
}

// pureUsers returns the floating nodes depending on old.
func (s *ssa) pureUsers(old ir.ID) (r []ir.ID) {
	g := s.g
	seen := map[ir.ID]bool{old: true}
	queue := []ir.ID{old}

	for len(queue) != 0 {
		x := queue[0]
		queue = queue[1:]

		for _, u := range g.Users(x) {
			if seen[u] || g.IsControl(u) || g.Op(u) == ir.OpPhi || g.Ctrl(u) != ir.Nil {
				continue
			}

			seen[u] = true
			r = append(r, u)
			queue = append(queue, u)
		}
	}

	return r
}

// version returns n computed from v in place of old.
func (s *ssa) version(n, old, v ir.ID, dep map[ir.ID]bool) ir.ID {
	if n == old {
		return v
	}

	key := [2]ir.ID{n, v}

	if c, ok := s.clones[key]; ok {
		return c
	}

	c := s.g.CloneNode(n)
	s.clones[key] = c

	for i, x := range s.g.Node(c).In {
		if x != ir.Nil && dep[x] {
			s.g.SetIn(c, i, s.version(x, old, v, dep))
		}
	}

	return c
}

func dedupIDs(l []ir.ID) []ir.ID {
	r := make([]ir.ID, 0, len(l))

outer:
	for _, x := range l {
		for _, y := range r {
			if x == y {
				continue outer
			}
		}

		r = append(r, x)
	}

	return r
}
