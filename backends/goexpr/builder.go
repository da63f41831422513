package goexpr

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/chewxy/math32"
	"github.com/gomlx/polyop/backends"
	"github.com/gomlx/polyop/poly"
)

// kind enumerates the expression node kinds.
type kind int

const (
	kindInvalid kind = iota
	kindImm
	kindLoad
	kindStore
	kindAdd
	kindMul
	kindDiv
	kindMax
	kindSelect
)

// Node is one expression of the goexpr IR. Index expressions stay affine
// in the statement variables, so one lowered tree is interpreted at every
// instance point of its statement.
type Node struct {
	kind   kind
	imm    float32           // kindImm
	tensor *poly.Tensor      // kindLoad, kindStore
	index  []poly.Affine     // kindLoad, kindStore
	cond   []poly.Constraint // kindSelect
	args   []*Node
}

// eval interprets the node at one instance point. Select evaluates only
// the branch it takes, so a guarded load stays unevaluated when its guard
// fails.
func (n *Node) eval(bind poly.Binding, buffers map[string]*poly.Buffer) (float32, error) {
	switch n.kind {
	case kindImm:
		return n.imm, nil
	case kindLoad:
		buf, ix, err := n.locate(bind, buffers)
		if err != nil {
			return 0, err
		}
		return buf.At(ix...), nil
	case kindStore:
		v, err := n.args[0].eval(bind, buffers)
		if err != nil {
			return 0, err
		}
		buf, ix, err := n.locate(bind, buffers)
		if err != nil {
			return 0, err
		}
		buf.Set(v, ix...)
		return v, nil
	case kindAdd, kindMul, kindDiv, kindMax:
		a, err := n.args[0].eval(bind, buffers)
		if err != nil {
			return 0, err
		}
		b, err := n.args[1].eval(bind, buffers)
		if err != nil {
			return 0, err
		}
		switch n.kind {
		case kindAdd:
			return a + b, nil
		case kindMul:
			return a * b, nil
		case kindDiv:
			return a / b, nil
		default:
			return math32.Max(a, b), nil
		}
	case kindSelect:
		for _, c := range n.cond {
			holds, err := c.Holds(bind)
			if err != nil {
				return 0, err
			}
			if !holds {
				return n.args[1].eval(bind, buffers)
			}
		}
		return n.args[0].eval(bind, buffers)
	}
	return 0, errors.Errorf("invalid goexpr node kind %d", n.kind)
}

// locate resolves the node's tensor buffer and concrete index.
func (n *Node) locate(bind poly.Binding, buffers map[string]*poly.Buffer) (*poly.Buffer, []int, error) {
	buf := buffers[n.tensor.Name]
	if buf == nil {
		return nil, nil, errors.Errorf("no buffer bound for tensor %q", n.tensor.Name)
	}
	ix := make([]int, len(n.index))
	for i, form := range n.index {
		v, err := form.Eval(bind)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "index %d of tensor %q", i, n.tensor.Name)
		}
		ix[i] = v
	}
	return buf, ix, nil
}

// Builder builds goexpr Nodes for codegen-mode statement bodies and
// accumulates the store roots in emission order.
type Builder struct {
	name   string
	stores []*Node
}

// Compile-time check that goexpr.Builder implements backends.Builder.
var _ backends.Builder = (*Builder)(nil)

func newBuilder(name string) *Builder {
	return &Builder{name: name}
}

// Name returns the builder's name.
func (b *Builder) Name() string { return b.name }

// takeStores returns the store roots accumulated since the last take.
func (b *Builder) takeStores() []*Node {
	stores := b.stores
	b.stores = nil
	return stores
}

// node asserts an opaque op back to a goexpr Node.
func (b *Builder) node(v poly.Op) *Node {
	n, ok := v.(*Node)
	if !ok {
		exceptions.Panicf("builder %q was handed a foreign op %T, want *goexpr.Node", b.name, v)
	}
	return n
}

// Imm builds a float32 immediate.
func (b *Builder) Imm(v float32) poly.Op {
	return &Node{kind: kindImm, imm: v}
}

// Load builds a read of t at the affine index.
func (b *Builder) Load(t *poly.Tensor, ix []poly.Affine) poly.Op {
	return &Node{kind: kindLoad, tensor: t, index: ix}
}

// Store builds a write of v into t at the affine index and records it as a
// store root.
func (b *Builder) Store(t *poly.Tensor, ix []poly.Affine, v poly.Op) poly.Op {
	n := &Node{kind: kindStore, tensor: t, index: ix, args: []*Node{b.node(v)}}
	b.stores = append(b.stores, n)
	return n
}

// Add builds a+b.
func (b *Builder) Add(a, c poly.Op) poly.Op {
	return &Node{kind: kindAdd, args: []*Node{b.node(a), b.node(c)}}
}

// Mul builds a*b.
func (b *Builder) Mul(a, c poly.Op) poly.Op {
	return &Node{kind: kindMul, args: []*Node{b.node(a), b.node(c)}}
}

// Div builds a/b.
func (b *Builder) Div(a, c poly.Op) poly.Op {
	return &Node{kind: kindDiv, args: []*Node{b.node(a), b.node(c)}}
}

// Max builds max(a, b).
func (b *Builder) Max(a, c poly.Op) poly.Op {
	return &Node{kind: kindMax, args: []*Node{b.node(a), b.node(c)}}
}

// Select builds a guarded choice: ifTrue where every constraint holds,
// ifFalse otherwise.
func (b *Builder) Select(cond []poly.Constraint, ifTrue, ifFalse poly.Op) poly.Op {
	return &Node{
		kind: kindSelect,
		cond: append([]poly.Constraint(nil), cond...),
		args: []*Node{b.node(ifTrue), b.node(ifFalse)},
	}
}

// Executable is a lowered program: per statement, the store expressions
// its body emitted, with indices still affine in the statement variables.
type Executable struct {
	prog     *poly.Program
	stores   map[string][]*Node
	parallel bool
}

// Program returns the program this executable was lowered from.
func (e *Executable) Program() *poly.Program { return e.prog }

// Run interprets every statement instance over the buffers. Buffers must
// bind every tensor of the program with its concrete dims. Instances run
// in schedule order; when the outermost band dimension is coincident the
// per-value groups run concurrently, which leaves the result unchanged.
func (e *Executable) Run(buffers map[string]*poly.Buffer) error {
	for _, t := range e.prog.Tensors.List() {
		buf := buffers[t.Name]
		if buf == nil {
			return errors.Errorf("no buffer bound for tensor %q", t.Name)
		}
		dims, err := t.Concrete()
		if err != nil {
			return err
		}
		if len(dims) != len(buf.Dims) {
			return errors.Errorf("buffer for %q has rank %d, tensor wants %d", t.Name, len(buf.Dims), len(dims))
		}
		for i, d := range dims {
			if buf.Dims[i] != d {
				return errors.Errorf("buffer for %q has dims %v, tensor wants %v", t.Name, buf.Dims, dims)
			}
		}
	}
	if e.parallel {
		groups, ok, err := instanceGroups(e.prog)
		if err != nil {
			return err
		}
		if ok && len(groups) > 1 {
			return e.runGroups(groups, buffers)
		}
	}
	return e.prog.Walk(func(s *poly.Statement, point map[string]int) error {
		return e.runInstance(s, point, buffers)
	})
}

// runInstance interprets one statement's stores at one instance point.
func (e *Executable) runInstance(s *poly.Statement, point map[string]int, buffers map[string]*poly.Buffer) error {
	bind := poly.MapBinding(point)
	for _, n := range e.stores[s.Name] {
		if _, err := n.eval(bind, buffers); err != nil {
			return errors.WithMessagef(err, "statement %q at %v", s.Name, point)
		}
	}
	return nil
}
