// Package op implements tensor operators as argumented templates over
// polyhedral schedule units.
//
// A Template declares one operator kind: its argument Schema (required
// arguments, optional arguments with defaults, and calculated arguments
// derived from the rest, in declaration order) plus the factories that
// build the kind's tensors, statements and schedule tree from resolved
// arguments. New instantiates a template into an Argumented operator: the
// schema resolves, the factories run, the resolved integer arguments bind
// as schedule-tree parameters, and the resulting poly.Program validates.
//
// Leaf operators embed Argumented: PlainLinear, PlainBiasedLinear,
// PlainPool, AdaptivePool and Padding. Composites group operators over a
// shared tensor arena: Sequence chains children output to input, Combined
// leaves the calc path to the concrete type. Pool and Linear are the
// composites built from the leaves.
//
// Besides carrying a schedulable program, every operator knows how to run
// on a backend's primitive library: Calc resolves the template's hooks
// (the primitive name, the positional argument recipe and the output
// binding) against a backends.Backend and invokes it.
//
// Construction failures panic with typed errors; recover them with
// exceptions.TryCatch. Calc crosses a backend boundary and returns errors.
package op

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/polyop/backends"
	"github.com/gomlx/polyop/internal/sets"
	"github.com/gomlx/polyop/poly"
)

// MissingArgumentError reports a required operator argument that was not
// supplied.
type MissingArgumentError struct {
	Op  string
	Arg string
}

func (e *MissingArgumentError) Error() string {
	return fmt.Sprintf("operator %q is missing required argument %q", e.Op, e.Arg)
}

// UnresolvedArgumentError reports an argument read that could not be
// served: a calculated argument's function referenced a name not resolved
// at its position in the declaration order, or an accessor asked for an
// absent name.
type UnresolvedArgumentError struct {
	Op      string // operator kind, when known
	Arg     string // calculated argument being evaluated, when any
	Missing string // the name that could not be read
}

func (e *UnresolvedArgumentError) Error() string {
	if e.Op == "" && e.Arg == "" {
		return fmt.Sprintf("argument %q is not resolved", e.Missing)
	}
	return fmt.Sprintf("operator %q cannot calculate argument %q: %q is not resolved",
		e.Op, e.Arg, e.Missing)
}

// Args holds an operator's named arguments.
type Args map[string]any

// Clone returns a shallow copy.
func (a Args) Clone() Args {
	out := make(Args, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Has reports whether the argument is present.
func (a Args) Has(name string) bool {
	_, ok := a[name]
	return ok
}

// Int returns the integer argument name. It panics with
// UnresolvedArgumentError when absent.
func (a Args) Int(name string) int {
	v, ok := a[name]
	if !ok {
		panic(errors.WithStack(&UnresolvedArgumentError{Missing: name}))
	}
	i, ok := v.(int)
	if !ok {
		exceptions.Panicf("argument %q is %T, want int", name, v)
	}
	return i
}

// Pool returns the PoolType argument name. It panics with
// UnresolvedArgumentError when absent.
func (a Args) Pool(name string) PoolType {
	v, ok := a[name]
	if !ok {
		panic(errors.WithStack(&UnresolvedArgumentError{Missing: name}))
	}
	p, ok := v.(PoolType)
	if !ok {
		exceptions.Panicf("argument %q is %T, want PoolType", name, v)
	}
	return p
}

// Default is an optional argument with its default value.
type Default struct {
	Name  string
	Value any
}

// Derived is a calculated argument. Fn runs with the arguments resolved
// before it, so it may read required names, optional names, and calculated
// names declared earlier only.
type Derived struct {
	Name string
	Fn   func(args Args) any
}

// Schema declares an operator kind's arguments.
type Schema struct {
	Op         string
	Required   []string
	Optional   []Default
	Calculated []Derived
}

// resolve checks supplied against the schema and returns the complete
// argument set: supplied, then defaults for the absent optionals, then the
// calculated arguments in declaration order.
func (s *Schema) resolve(supplied Args) Args {
	known := sets.MakeWith(s.Required...)
	for _, d := range s.Optional {
		known.Insert(d.Name)
	}
	for name := range supplied {
		if !known.Has(name) {
			exceptions.Panicf("operator %q does not accept argument %q", s.Op, name)
		}
	}
	resolved := supplied.Clone()
	for _, name := range s.Required {
		if !resolved.Has(name) {
			panic(errors.WithStack(&MissingArgumentError{Op: s.Op, Arg: name}))
		}
	}
	for _, d := range s.Optional {
		if !resolved.Has(d.Name) {
			resolved[d.Name] = d.Value
		}
	}
	for _, d := range s.Calculated {
		resolved[d.Name] = s.calculate(d, resolved)
	}
	return resolved
}

// calculate runs one derived argument, stamping the operator and argument
// names onto any unresolved-argument panic coming out of Fn.
func (s *Schema) calculate(d Derived, resolved Args) any {
	var out any
	err := exceptions.TryCatch[error](func() { out = d.Fn(resolved) })
	if err != nil {
		var unresolved *UnresolvedArgumentError
		if errors.As(err, &unresolved) && unresolved.Op == "" {
			unresolved.Op = s.Op
			unresolved.Arg = d.Name
		}
		panic(err)
	}
	return out
}

// Template defines one operator kind: its argument schema and the
// factories that build the kind's program pieces from resolved arguments.
type Template interface {
	// Kind names the operator kind, e.g. "plain_linear".
	Kind() string

	// Schema declares the kind's arguments.
	Schema() *Schema

	// BuildTensors returns the kind's tensors, in argument-marshalling order.
	BuildTensors(args Args) *poly.TensorTable

	// BuildStatements returns the kind's statements.
	BuildStatements(args Args) []*poly.Statement

	// BuildSchedule returns the kind's schedule tree, with symbolic
	// parameters still free.
	BuildSchedule(args Args) *poly.ScheduleTree

	// Hooks returns the kind's backend primitive recipe.
	Hooks(args Args) *backends.Hooks

	// Inputs returns the input tensor names in positional order.
	Inputs() []string

	// Outputs returns the output tensor names in positional order.
	Outputs() []string
}

// Operator is the common surface of leaf and composite operators.
type Operator interface {
	Name() string
	Inputs() []string
	Outputs() []string
	Calc(b backends.Backend, inputs ...backends.Value) ([]backends.Value, error)
}

// Schedulable is an operator carrying a complete schedule unit.
type Schedulable interface {
	Operator
	Program() *poly.Program
}

// Composite is an operator built from child operators over a shared
// tensor arena.
type Composite interface {
	Operator
	Children() []Operator
	Arena() *poly.Arena
}

// Argumented is the engine every leaf operator embeds. New builds one from
// a template and concrete arguments; afterwards the operator is immutable.
type Argumented struct {
	name  string
	tmpl  Template
	args  Args
	prog  *poly.Program
	hooks *backends.Hooks
}

// New instantiates a template with the supplied arguments.
//
// The schema resolves the arguments, the factories build the tensor table,
// the statements and the schedule tree, every resolved integer argument
// whose name the tree's domain declares binds as a schedule parameter, and
// the assembled program validates. Failures panic with typed errors.
func New(name string, tmpl Template, supplied Args) *Argumented {
	args := tmpl.Schema().resolve(supplied)
	prog := &poly.Program{
		Tensors:    tmpl.BuildTensors(args),
		Statements: tmpl.BuildStatements(args),
		Tree:       tmpl.BuildSchedule(args),
	}
	if prog.Tree == nil || prog.Tree.Domain == nil {
		exceptions.Panicf("operator %q (%s): template built no schedule tree", name, tmpl.Kind())
	}
	params := make(map[string]int)
	for _, p := range prog.Tree.Domain.Params {
		if v, ok := args[p].(int); ok {
			params[p] = v
		}
	}
	if err := prog.Tree.ApplyParams(params); err != nil {
		panic(err)
	}
	if err := prog.Validate(); err != nil {
		panic(errors.WithMessagef(err, "operator %q (%s)", name, tmpl.Kind()))
	}
	klog.V(2).Infof("built operator %q (%s): %d tensors, %d statements",
		name, tmpl.Kind(), prog.Tensors.Len(), len(prog.Statements))
	return &Argumented{name: name, tmpl: tmpl, args: args, prog: prog, hooks: tmpl.Hooks(args)}
}

// Name returns the operator's instance name.
func (a *Argumented) Name() string { return a.name }

// Kind returns the template kind.
func (a *Argumented) Kind() string { return a.tmpl.Kind() }

// Arguments returns a copy of the fully resolved arguments, calculated
// ones included.
func (a *Argumented) Arguments() Args { return a.args.Clone() }

// Program returns the operator's schedule unit.
func (a *Argumented) Program() *poly.Program { return a.prog }

// Tensor returns one of the operator's tensors, or nil.
func (a *Argumented) Tensor(name string) *poly.Tensor { return a.prog.Tensors.Get(name) }

// Inputs returns the input tensor names in positional order.
func (a *Argumented) Inputs() []string { return a.tmpl.Inputs() }

// Outputs returns the output tensor names in positional order.
func (a *Argumented) Outputs() []string { return a.tmpl.Outputs() }

// Hooks returns the backend primitive recipe.
func (a *Argumented) Hooks() *backends.Hooks { return a.hooks }

// Calc invokes the operator's compute primitive on the backend. The
// inputs bind positionally to the declared input tensor names, the hooks
// assemble the primitive's argument list, the primitive's outputs bind to
// tensor names per the hooks' Returns, and the declared outputs are
// selected from the bound values.
func (a *Argumented) Calc(b backends.Backend, inputs ...backends.Value) ([]backends.Value, error) {
	in := a.tmpl.Inputs()
	if len(inputs) != len(in) {
		return nil, errors.Errorf("operator %q takes %d inputs %v, got %d",
			a.name, len(in), in, len(inputs))
	}
	values := make(map[string]backends.Value, len(in)+len(a.hooks.Returns))
	for i, name := range in {
		values[name] = inputs[i]
	}
	calc, err := b.Primitive(a.hooks.Calc)
	if err != nil {
		return nil, err
	}
	outs, err := calc(a.hooks.Args(values)...)
	if err != nil {
		return nil, errors.WithMessagef(err, "primitive %q of operator %q", a.hooks.Calc, a.name)
	}
	if len(outs) != len(a.hooks.Returns) {
		return nil, errors.Errorf("primitive %q returned %d values, operator %q binds %d %v",
			a.hooks.Calc, len(outs), a.name, len(a.hooks.Returns), a.hooks.Returns)
	}
	for i, name := range a.hooks.Returns {
		values[name] = outs[i]
	}
	result := make([]backends.Value, 0, len(a.tmpl.Outputs()))
	for _, name := range a.tmpl.Outputs() {
		v, ok := values[name]
		if !ok {
			return nil, errors.Errorf("operator %q output %q was not produced", a.name, name)
		}
		result = append(result, v)
	}
	return result, nil
}

// Schedule applies the operator's schedule primitive to calc outputs,
// producing a backend executable.
func (a *Argumented) Schedule(b backends.Backend, outs ...backends.Value) (backends.Executable, error) {
	sched, err := b.Scheduler(a.hooks.Schedule)
	if err != nil {
		return nil, err
	}
	return sched(outs...)
}

func nameOr(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}

// tensorOf resolves a tensor descriptor an operator exposes under one of
// its input or output names.
func tensorOf(o Operator, name string) *poly.Tensor {
	type tensors interface{ Tensor(string) *poly.Tensor }
	if t, ok := o.(tensors); ok {
		return t.Tensor(name)
	}
	return nil
}

// checkIO panics unless name is one of the operator's declared inputs or
// outputs with a resolvable descriptor.
func checkIO(o Operator, name string) *poly.Tensor {
	if !slices.Contains(o.Inputs(), name) && !slices.Contains(o.Outputs(), name) {
		exceptions.Panicf("operator %q declares no tensor %q", o.Name(), name)
	}
	t := tensorOf(o, name)
	if t == nil {
		exceptions.Panicf("operator %q does not expose tensor %q", o.Name(), name)
	}
	return t
}
