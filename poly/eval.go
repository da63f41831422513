package poly

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

//go:generate go tool enumer -type=Mode -trimprefix=Mode -output=gen_mode_enumer.go eval.go

// Mode selects how statement bodies interpret tensor reads and writes.
type Mode int

const (
	// ModeInvalid is the zero Mode; every operation under it fails with
	// ModeMismatchError.
	ModeInvalid Mode = iota

	// ModeCodegen emits backend IR through an IRBuilder, one symbolic body
	// invocation per statement.
	ModeCodegen

	// ModeAccess records which tensor cells each statement touches without
	// evaluating any values.
	ModeAccess

	// ModeReference interprets bodies numerically over float32 buffers,
	// one invocation per statement instance.
	ModeReference
)

// Op is the opaque value statement bodies pass around: a backend IR node in
// codegen mode, an inert token in access mode, a float32 in reference mode.
type Op = any

// IRBuilder receives the IR emitted by statement bodies in codegen mode.
// backends.Builder embeds it; bodies reach it through Eval.IR for the
// operations that only exist at the backend level, such as explicit
// immediates, max, and guarded selects.
type IRBuilder interface {
	Imm(v float32) Op
	Load(t *Tensor, ix []Affine) Op
	Store(t *Tensor, ix []Affine, v Op) Op
	Add(a, b Op) Op
	Mul(a, b Op) Op
	Div(a, b Op) Op
	Max(a, b Op) Op
	Select(cond []Constraint, ifTrue, ifFalse Op) Op
}

// ModeMismatchError reports a statement operation invoked under an
// evaluation mode that does not support it.
type ModeMismatchError struct {
	Stmt string
	Mode Mode
}

func (e *ModeMismatchError) Error() string {
	return fmt.Sprintf("statement %q: operation not supported in mode %s", e.Stmt, e.Mode)
}

// accessToken is the inert value circulated through bodies in access mode.
type accessToken struct{}

// Access is one recorded tensor cell access.
type Access struct {
	Stmt   string
	Tensor string
	Index  []Affine
	Write  bool
}

// At evaluates the access index at a concrete instance point.
func (a Access) At(point map[string]int) ([]int, error) {
	bind := MapBinding(point)
	out := make([]int, len(a.Index))
	for i, ix := range a.Index {
		v, err := ix.Eval(bind)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// String prints like "stmt_calc read x[n, i]".
func (a Access) String() string {
	verb := "read"
	if a.Write {
		verb = "write"
	}
	texts := make([]string, len(a.Index))
	for i, ix := range a.Index {
		texts[i] = ix.String()
	}
	return fmt.Sprintf("%s %s %s[%s]", a.Stmt, verb, a.Tensor, strings.Join(texts, ", "))
}

// AccessLog accumulates recorded accesses in body-invocation order.
type AccessLog struct {
	entries []Access
}

func (l *AccessLog) add(a Access) { l.entries = append(l.entries, a) }

// All returns the recorded accesses in order.
func (l *AccessLog) All() []Access { return append([]Access(nil), l.entries...) }

// Len returns the number of recorded accesses.
func (l *AccessLog) Len() int { return len(l.entries) }

// ForStatement returns the accesses recorded for one statement.
func (l *AccessLog) ForStatement(name string) []Access {
	var out []Access
	for _, a := range l.entries {
		if a.Stmt == name {
			out = append(out, a)
		}
	}
	return out
}

// Reads returns the read accesses of one tensor.
func (l *AccessLog) Reads(tensor string) []Access {
	var out []Access
	for _, a := range l.entries {
		if a.Tensor == tensor && !a.Write {
			out = append(out, a)
		}
	}
	return out
}

// Writes returns the write accesses of one tensor.
func (l *AccessLog) Writes(tensor string) []Access {
	var out []Access
	for _, a := range l.entries {
		if a.Tensor == tensor && a.Write {
			out = append(out, a)
		}
	}
	return out
}

// Eval is the evaluation context threaded through every statement body
// invocation. It fixes the mode for its whole lifetime, and the
// constructors are the only way to obtain a usable one, so a body can never
// run under an unset mode: the zero Eval fails every operation with
// ModeMismatchError.
type Eval struct {
	mode    Mode
	table   *TensorTable
	current string

	b       IRBuilder          // codegen
	log     *AccessLog         // access and reference
	buffers map[string]*Buffer // reference
	point   map[string]int     // reference, current instance point
}

// NewCodegenEval returns a context that emits IR through b.
func NewCodegenEval(table *TensorTable, b IRBuilder) *Eval {
	return &Eval{mode: ModeCodegen, table: table, b: b}
}

// NewAccessEval returns a context that records accesses into a fresh log.
func NewAccessEval(table *TensorTable) *Eval {
	return &Eval{mode: ModeAccess, table: table, log: &AccessLog{}}
}

// NewReferenceEval returns an interpreting context over the buffers. Every
// tensor in the table must be bound to a buffer with its concrete dims.
func NewReferenceEval(table *TensorTable, buffers map[string]*Buffer) (*Eval, error) {
	for _, t := range table.List() {
		buf := buffers[t.Name]
		if buf == nil {
			return nil, errors.Errorf("no buffer bound for tensor %q", t.Name)
		}
		dims, err := t.Concrete()
		if err != nil {
			return nil, err
		}
		if !slices.Equal(dims, buf.Dims) {
			return nil, errors.Errorf("buffer for %q has dims %v, tensor wants %v", t.Name, buf.Dims, dims)
		}
	}
	return &Eval{mode: ModeReference, table: table, buffers: buffers, log: &AccessLog{}}, nil
}

// Mode returns the context's evaluation mode.
func (ev *Eval) Mode() Mode { return ev.mode }

// Log returns the access log. It is nil for codegen contexts.
func (ev *Eval) Log() *AccessLog { return ev.log }

func (ev *Eval) mismatch() error {
	return errors.WithStack(&ModeMismatchError{Stmt: ev.current, Mode: ev.mode})
}

func (ev *Eval) binding() Binding { return MapBinding(ev.point) }

func (ev *Eval) tensor(name string) *Tensor {
	t := ev.table.Get(name)
	if t == nil {
		exceptions.Panicf("statement %q references unknown tensor %q", ev.current, name)
	}
	return t
}

func (ev *Eval) index(ix []Affine) []int {
	bind := ev.binding()
	out := make([]int, len(ix))
	for i, a := range ix {
		v, err := a.Eval(bind)
		if err != nil {
			exceptions.Panicf("statement %q: %v", ev.current, err)
		}
		out[i] = v
	}
	return out
}

func constAffines(ix []int) []Affine {
	out := make([]Affine, len(ix))
	for i, v := range ix {
		out[i] = Const(v)
	}
	return out
}

// Read returns the value of tensor[ix] in the mode's value space.
func (ev *Eval) Read(tensor string, ix ...Affine) Op {
	t := ev.tensor(tensor)
	switch ev.mode {
	case ModeCodegen:
		return ev.b.Load(t, append([]Affine(nil), ix...))
	case ModeAccess:
		ev.log.add(Access{Stmt: ev.current, Tensor: tensor, Index: append([]Affine(nil), ix...)})
		return accessToken{}
	case ModeReference:
		off := ev.index(ix)
		ev.log.add(Access{Stmt: ev.current, Tensor: tensor, Index: constAffines(off)})
		return ev.buffers[tensor].At(off...)
	}
	panic(ev.mismatch())
}

// Write stores v into tensor[ix] in the mode's value space.
func (ev *Eval) Write(tensor string, v Op, ix ...Affine) {
	t := ev.tensor(tensor)
	switch ev.mode {
	case ModeCodegen:
		ev.b.Store(t, append([]Affine(nil), ix...), v)
		return
	case ModeAccess:
		ev.log.add(Access{Stmt: ev.current, Tensor: tensor, Index: append([]Affine(nil), ix...), Write: true})
		return
	case ModeReference:
		off := ev.index(ix)
		ev.log.add(Access{Stmt: ev.current, Tensor: tensor, Index: constAffines(off), Write: true})
		ev.buffers[tensor].Set(ev.Num(v), off...)
		return
	}
	panic(ev.mismatch())
}

// Add returns a+b in the mode's value space.
func (ev *Eval) Add(a, b Op) Op {
	switch ev.mode {
	case ModeCodegen:
		return ev.b.Add(a, b)
	case ModeAccess:
		return accessToken{}
	case ModeReference:
		return ev.Num(a) + ev.Num(b)
	}
	panic(ev.mismatch())
}

// Mul returns a*b in the mode's value space.
func (ev *Eval) Mul(a, b Op) Op {
	switch ev.mode {
	case ModeCodegen:
		return ev.b.Mul(a, b)
	case ModeAccess:
		return accessToken{}
	case ModeReference:
		return ev.Num(a) * ev.Num(b)
	}
	panic(ev.mismatch())
}

// Float returns the plain constant v in the mode's value space.
func (ev *Eval) Float(v float32) Op {
	switch ev.mode {
	case ModeCodegen:
		return ev.b.Imm(v)
	case ModeAccess:
		return accessToken{}
	case ModeReference:
		return v
	}
	panic(ev.mismatch())
}

// IR returns the backend builder of a codegen context. Bodies branch to it
// for backend-specific constructions; any other mode panics with
// ModeMismatchError.
func (ev *Eval) IR() IRBuilder {
	if ev.mode != ModeCodegen {
		panic(ev.mismatch())
	}
	return ev.b
}

// Num unwraps a reference-mode value to its float32.
func (ev *Eval) Num(v Op) float32 {
	if ev.mode != ModeReference {
		panic(ev.mismatch())
	}
	f, ok := v.(float32)
	if !ok {
		exceptions.Panicf("statement %q: value %v (%T) is not a reference float32", ev.current, v, v)
	}
	return f
}

// Holds evaluates constraints at the current instance point of a reference
// context.
func (ev *Eval) Holds(cons ...Constraint) bool {
	if ev.mode != ModeReference {
		panic(ev.mismatch())
	}
	bind := ev.binding()
	for _, c := range cons {
		ok, err := c.Holds(bind)
		if err != nil {
			exceptions.Panicf("statement %q: %v", ev.current, err)
		}
		if !ok {
			return false
		}
	}
	return true
}
