package poly

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/polyop/internal/sets"
)

// tagState tracks one still-active statement space during a walk: its
// domain space plus the normalized constraints accumulated so far, the
// domain's own plus one equality per surrounding band dimension.
type tagState struct {
	space Space
	norms []normCon
}

type walker struct {
	domain *Domain
	visit  func(tag string, point map[string]int) error
}

// Walk enumerates every statement instance in schedule order and calls
// visit with the statement tag and its concrete index point. Sequence
// children run in listed order, band dimensions iterate ascending, and at
// a leaf the active spaces run in domain declaration order. The point map
// is reused between calls; visit must not retain it.
//
// All domain parameters must be bound first, with ApplyParams.
func (t *ScheduleTree) Walk(visit func(tag string, point map[string]int) error) error {
	if t == nil || t.Domain == nil {
		return errors.New("schedule tree has no domain")
	}
	if free := t.Domain.FreeParams(); len(free) > 0 {
		return errors.Errorf("cannot walk schedule tree with free parameters %v", free)
	}
	active := make([]tagState, len(t.Domain.Parts))
	for i, part := range t.Domain.Parts {
		active[i] = tagState{space: part.Space, norms: normalizeAll(part.Constraints)}
	}
	w := &walker{domain: t.Domain, visit: visit}
	return w.node(t.Child, active)
}

func (w *walker) node(n TreeNode, active []tagState) error {
	if len(active) == 0 {
		return nil
	}
	switch n := n.(type) {
	case nil:
		return w.leaf(active)
	case *Band:
		return w.band(n, active, 0)
	case *SequenceNode:
		for _, f := range n.Children {
			if err := w.node(f, active); err != nil {
				return err
			}
		}
		return nil
	case *Filter:
		return w.node(n.Child, restrictTags(active, n.Spaces))
	}
	return errors.Errorf("unknown schedule tree node %T", n)
}

// restrictTags keeps the active states whose tag a filter lists, in their
// existing order.
func restrictTags(active []tagState, spaces []Space) []tagState {
	keep := sets.Make[string](len(spaces))
	for _, sp := range spaces {
		keep.Insert(sp.Tag)
	}
	var out []tagState
	for _, ts := range active {
		if keep.Has(ts.space.Tag) {
			out = append(out, ts)
		}
	}
	return out
}

// band iterates one schedule dimension at a time. Each value of the
// dimension becomes an equality constraint pinning the dimension's
// expression in every active space, and the walk recurses on the next
// dimension, then below the band.
func (w *walker) band(b *Band, active []tagState, dim int) error {
	if dim == len(b.Schedule) {
		return w.node(b.Child, active)
	}
	m := b.Schedule[dim]
	lo, hi, err := w.bandRange(m, active)
	if err != nil {
		return err
	}
	for x := lo; x <= hi; x++ {
		pinned := make([]tagState, len(active))
		for i, ts := range active {
			part := m.Part(ts.space.Tag)
			norms := make([]normCon, len(ts.norms), len(ts.norms)+1)
			copy(norms, ts.norms)
			norms = append(norms, normCon{d: part.Expr.Sub(Const(x)), eq: true})
			pinned[i] = tagState{space: ts.space, norms: norms}
		}
		if err := w.band(b, pinned, dim+1); err != nil {
			return err
		}
	}
	return nil
}

// bandRange returns the inclusive value range one band dimension takes
// over all active spaces, the union of the per-space expression intervals.
// An iteration value outside a particular space's own interval simply
// yields no instances for that space: the leaf enumeration re-checks the
// full constraint set.
func (w *walker) bandRange(m *UnionMap, active []tagState) (int, int, error) {
	lo, hi := 0, -1
	have := false
	for _, ts := range active {
		part := m.Part(ts.space.Tag)
		if part == nil {
			return 0, 0, errors.Errorf("band schedule has no map for active space %q", ts.space.Tag)
		}
		ranges, empty, err := varRanges(ts, w.domain)
		if err != nil {
			return 0, 0, err
		}
		if empty {
			continue
		}
		tlo, thi, err := affineInterval(part.Expr, ranges, w.domain.Binding)
		if err != nil {
			return 0, 0, err
		}
		if !have || tlo < lo {
			lo = tlo
		}
		if !have || thi > hi {
			hi = thi
		}
		have = true
	}
	if !have {
		return 0, -1, nil
	}
	return lo, hi, nil
}

// varRanges solves an inclusive range for each variable of the space from
// the constraints that mention only that variable and bound parameters.
// empty reports that some variable has no feasible value at all.
func varRanges(ts tagState, d *Domain) (map[string][2]int, bool, error) {
	ranges := make(map[string][2]int, len(ts.space.Vars))
	bind := d.instanceBinding(nil)
	for _, v := range ts.space.Vars {
		lo, hi, err := solveRange(ts.norms, v, bind)
		if err != nil {
			return nil, false, errors.Wrapf(err, "space %q", ts.space.Tag)
		}
		if lo > hi {
			return nil, true, nil
		}
		ranges[v] = [2]int{lo, hi}
	}
	return ranges, false, nil
}

// affineInterval bounds an affine expression over per-variable ranges.
// Parameters resolve through bind; every other name needs a range.
func affineInterval(a Affine, ranges map[string][2]int, bind Binding) (int, int, error) {
	lo, hi := a.k, a.k
	for _, t := range a.terms {
		if v, ok := bind(t.name); ok {
			lo += t.coef * v
			hi += t.coef * v
			continue
		}
		r, ok := ranges[t.name]
		if !ok {
			return 0, 0, errors.Errorf("no range for %q in schedule expression %q", t.name, a.String())
		}
		if t.coef >= 0 {
			lo += t.coef * r[0]
			hi += t.coef * r[1]
		} else {
			lo += t.coef * r[1]
			hi += t.coef * r[0]
		}
	}
	return lo, hi, nil
}

// leaf enumerates the remaining instances of each active space in tuple
// order and hands them to visit.
func (w *walker) leaf(active []tagState) error {
	for _, ts := range active {
		point := make(map[string]int, len(ts.space.Vars))
		err := enumerate(ts.space.Vars, ts.norms, w.domain.instanceBinding(point), point,
			func(p map[string]int) error {
				return w.visit(ts.space.Tag, p)
			})
		if err != nil {
			return errors.Wrapf(err, "space %q", ts.space.Tag)
		}
	}
	return nil
}

// tagOrder returns the statement tags in first-appearance schedule order,
// without enumerating instances.
func (t *ScheduleTree) tagOrder() []string {
	var order []string
	seen := sets.Make[string]()
	var walk func(n TreeNode, active []tagState)
	walk = func(n TreeNode, active []tagState) {
		switch n := n.(type) {
		case nil:
			for _, ts := range active {
				if !seen.Has(ts.space.Tag) {
					seen.Insert(ts.space.Tag)
					order = append(order, ts.space.Tag)
				}
			}
		case *Band:
			walk(n.Child, active)
		case *SequenceNode:
			for _, f := range n.Children {
				walk(f, active)
			}
		case *Filter:
			walk(n.Child, restrictTags(active, n.Spaces))
		}
	}
	active := make([]tagState, len(t.Domain.Parts))
	for i, part := range t.Domain.Parts {
		active[i] = tagState{space: part.Space}
	}
	walk(t.Child, active)
	return order
}

// Walk enumerates every statement instance of the program in schedule
// order. See ScheduleTree.Walk for the ordering guarantees.
func (p *Program) Walk(visit func(s *Statement, point map[string]int) error) error {
	if p.Tree == nil {
		return errors.New("program has no schedule tree")
	}
	return p.Tree.Walk(func(tag string, point map[string]int) error {
		s := p.Statement(tag)
		if s == nil {
			return errors.Errorf("schedule names statement %q, which the program does not define", tag)
		}
		return visit(s, point)
	})
}

// StatementOrder returns the program's statements in first-appearance
// schedule order.
func (p *Program) StatementOrder() ([]*Statement, error) {
	if p.Tree == nil {
		return nil, errors.New("program has no schedule tree")
	}
	tags := p.Tree.tagOrder()
	stmts := make([]*Statement, len(tags))
	for i, tag := range tags {
		s := p.Statement(tag)
		if s == nil {
			return nil, errors.Errorf("schedule names statement %q, which the program does not define", tag)
		}
		stmts[i] = s
	}
	return stmts, nil
}

// Execute interprets the program over the given buffers, one per tensor,
// running every statement instance in schedule order. It returns the log
// of the cell accesses the run performed.
func (p *Program) Execute(buffers map[string]*Buffer) (*AccessLog, error) {
	ev, err := NewReferenceEval(p.Tensors, buffers)
	if err != nil {
		return nil, err
	}
	count := 0
	err = p.Walk(func(s *Statement, point map[string]int) error {
		s.run(ev, point)
		count++
		return nil
	})
	if err != nil {
		return nil, err
	}
	klog.V(2).Infof("executed %d statement instances", count)
	return ev.Log(), nil
}

// EmitIR emits the program once through the builder: every statement body
// runs with symbolic axes, in first-appearance schedule order. Loop
// structure is the backend's concern; the schedule tree carries it.
func (p *Program) EmitIR(b IRBuilder) error {
	stmts, err := p.StatementOrder()
	if err != nil {
		return err
	}
	ev := NewCodegenEval(p.Tensors, b)
	for _, s := range stmts {
		s.Emit(ev)
	}
	return nil
}

// Accesses traces the symbolic cell accesses of every statement body, in
// first-appearance schedule order.
func (p *Program) Accesses() (*AccessLog, error) {
	stmts, err := p.StatementOrder()
	if err != nil {
		return nil, err
	}
	ev := NewAccessEval(p.Tensors)
	for _, s := range stmts {
		s.Emit(ev)
	}
	return ev.Log(), nil
}
