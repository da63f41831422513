// Package goexpr implements a pure Go backend: statement bodies lower to
// small expression trees that an interpreter evaluates over float32
// buffers, instance by instance, in schedule order. Independent slices of
// a coincident outermost band run on parallel workers.
//
// It is slow but has no external dependencies, which makes it the default
// backend and the oracle the other execution paths are checked against.
package goexpr

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/polyop/backends"
	"github.com/gomlx/polyop/poly"
)

// BackendName to be used in POLYOP_BACKEND to specify this backend.
const BackendName = "goexpr"

// Registers New() as the constructor for the "goexpr" backend.
func init() {
	backends.Register(BackendName, New)
}

// New constructs a new goexpr Backend.
// The configuration "sequential" disables the parallel runner; any other
// value is ignored.
func New(config string) (backends.Backend, error) {
	if config != "" && config != "sequential" && config != "parallel" {
		klog.V(1).Infof("goexpr: ignoring configuration %q", config)
	}
	return &Backend{parallel: config != "sequential"}, nil
}

// Backend implements the backends.Backend interface.
type Backend struct {
	parallel bool
}

// Compile-time check that goexpr.Backend implements backends.Backend.
var _ backends.Backend = (*Backend)(nil)

// Name returns the registered name of the backend.
func (b *Backend) Name() string { return BackendName }

// Description is a longer description of the Backend that can be used to
// pretty-print.
func (b *Backend) Description() string {
	return "Pure Go expression-interpreter backend"
}

// Builder returns a named IR builder for codegen-mode emission.
func (b *Backend) Builder(name string) backends.Builder {
	return newBuilder(name)
}

// Lower compiles a program to an Executable: each statement body is
// emitted once in codegen mode and its store expressions are kept, keyed
// by statement, for per-instance interpretation.
func (b *Backend) Lower(p *poly.Program) (backends.Executable, error) {
	if err := p.Validate(); err != nil {
		return nil, errors.WithMessage(err, "lowering program")
	}
	stmts, err := p.StatementOrder()
	if err != nil {
		return nil, err
	}
	builder := newBuilder("lower")
	stores := make(map[string][]*Node, len(stmts))
	for _, s := range stmts {
		s.Emit(poly.NewCodegenEval(p.Tensors, builder))
		stores[s.Name] = builder.takeStores()
	}
	return &Executable{prog: p, stores: stores, parallel: b.parallel}, nil
}

// Placeholder materializes a tensor as a zero-filled buffer. Operators use
// it for weights whose values were not supplied.
func (b *Backend) Placeholder(t *poly.Tensor) (backends.Value, error) {
	buf, err := poly.NewBufferFor(t)
	if err != nil {
		return nil, errors.WithMessagef(err, "placeholder for tensor %q", t.Name)
	}
	return buf, nil
}

// Primitive returns the named compute primitive.
func (b *Backend) Primitive(name string) (backends.CalcFunc, error) {
	fn, found := calcPrimitives[name]
	if !found {
		return nil, errors.Errorf("goexpr has no compute primitive %q", name)
	}
	return fn, nil
}

// Scheduler returns the named schedule primitive. goexpr computes eagerly,
// so every schedule primitive just captures its outputs.
func (b *Backend) Scheduler(name string) (backends.ScheduleFunc, error) {
	fn, found := schedulePrimitives[name]
	if !found {
		return nil, errors.Errorf("goexpr has no schedule primitive %q", name)
	}
	return fn, nil
}
