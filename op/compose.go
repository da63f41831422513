package op

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/polyop/backends"
	"github.com/gomlx/polyop/poly"
)

// Sequence runs its children in order, each child's outputs feeding the
// next child's inputs positionally.
//
// The sequence owns a tensor arena built at construction: one slot per
// sequence input and one per child output. A boundary tensor, an output
// consumed by the next child, occupies the producer's slot only; the
// wiring checks the producer and consumer descriptors agree on shape and
// dtype and panics otherwise.
type Sequence struct {
	name     string
	children []Operator
	arena    *poly.Arena
	inRefs   []poly.TensorRef
	outRefs  [][]poly.TensorRef
}

var _ Composite = (*Sequence)(nil)

// NewSequence wires children into a sequence. Adjacent children must have
// matching output and input arity and pairwise equal tensor shapes.
func NewSequence(name string, children ...Operator) *Sequence {
	if len(children) == 0 {
		exceptions.Panicf("sequence %q has no children", name)
	}
	s := &Sequence{name: name, children: children, arena: &poly.Arena{}}
	for _, in := range children[0].Inputs() {
		s.inRefs = append(s.inRefs, s.arena.Append(checkIO(children[0], in)))
	}
	for k, child := range children {
		if k > 0 {
			producer := children[k-1]
			outs, ins := producer.Outputs(), child.Inputs()
			if len(outs) != len(ins) {
				exceptions.Panicf("sequence %q: %q produces %d outputs, %q takes %d inputs",
					name, producer.Name(), len(outs), child.Name(), len(ins))
			}
			for i := range ins {
				pt := checkIO(producer, outs[i])
				ct := checkIO(child, ins[i])
				if !pt.ShapeEqual(ct) {
					exceptions.Panicf("sequence %q: output %s of %q does not match input %s of %q",
						name, pt, producer.Name(), ct, child.Name())
				}
			}
		}
		refs := make([]poly.TensorRef, 0, len(child.Outputs()))
		for _, out := range child.Outputs() {
			refs = append(refs, s.arena.Append(checkIO(child, out)))
		}
		s.outRefs = append(s.outRefs, refs)
	}
	return s
}

// Name returns the sequence's instance name.
func (s *Sequence) Name() string { return s.name }

// Children returns the child operators in execution order.
func (s *Sequence) Children() []Operator { return append([]Operator(nil), s.children...) }

// Arena returns the sequence's tensor arena.
func (s *Sequence) Arena() *poly.Arena { return s.arena }

// Inputs returns the first child's input names.
func (s *Sequence) Inputs() []string { return s.children[0].Inputs() }

// Outputs returns the last child's output names.
func (s *Sequence) Outputs() []string { return s.children[len(s.children)-1].Outputs() }

// InputRefs returns the arena slots of the sequence's inputs.
func (s *Sequence) InputRefs() []poly.TensorRef { return append([]poly.TensorRef(nil), s.inRefs...) }

// OutputRefs returns the arena slots of child k's outputs. For k before
// the last child these are the boundary slots the next child reads.
func (s *Sequence) OutputRefs(k int) []poly.TensorRef {
	return append([]poly.TensorRef(nil), s.outRefs[k]...)
}

// Tensor resolves the descriptors the sequence exposes: its outputs from
// the last child, its inputs from the first.
func (s *Sequence) Tensor(name string) *poly.Tensor {
	last := s.children[len(s.children)-1]
	for _, out := range last.Outputs() {
		if out == name {
			return tensorOf(last, name)
		}
	}
	for _, in := range s.children[0].Inputs() {
		if in == name {
			return tensorOf(s.children[0], name)
		}
	}
	return nil
}

// Calc runs the children in order on the backend, chaining values through
// the boundaries.
func (s *Sequence) Calc(b backends.Backend, inputs ...backends.Value) ([]backends.Value, error) {
	values := inputs
	for _, child := range s.children {
		outs, err := child.Calc(b, values...)
		if err != nil {
			return nil, errors.WithMessagef(err, "sequence %q child %q", s.name, child.Name())
		}
		values = outs
	}
	return values, nil
}

// Combined groups children whose calc path is not a plain chain. It
// carries the shared arena and child list; the concrete combined operator
// defines Calc and the input/output surface.
type Combined struct {
	name     string
	children []Operator
	arena    *poly.Arena
}

// NewCombined records the children and gives every declared child input
// and output an arena slot.
func NewCombined(name string, children ...Operator) *Combined {
	if len(children) == 0 {
		exceptions.Panicf("combined %q has no children", name)
	}
	c := &Combined{name: name, children: children, arena: &poly.Arena{}}
	for _, child := range children {
		for _, in := range child.Inputs() {
			c.arena.Append(checkIO(child, in))
		}
		for _, out := range child.Outputs() {
			c.arena.Append(checkIO(child, out))
		}
	}
	return c
}

// Name returns the combined operator's instance name.
func (c *Combined) Name() string { return c.name }

// Children returns the child operators.
func (c *Combined) Children() []Operator { return append([]Operator(nil), c.children...) }

// Arena returns the shared tensor arena.
func (c *Combined) Arena() *poly.Arena { return c.arena }
