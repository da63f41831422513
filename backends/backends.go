// Package backends defines the interface a lowering and execution system
// implements to consume schedule units, and the registry that selects one
// at runtime.
//
// A backend supplies two things. First, an IR builder: programs emit their
// statement bodies through it (poly.Program.EmitIR) and Lower turns a whole
// program into something executable. Second, a library of named primitives
// (Primitive, Scheduler): pre-built compute and schedule routines that
// operator hooks refer to by name, for operators whose computation is
// served by a library call rather than by generated code.
//
// Backends register themselves on import:
//
//	import _ "github.com/gomlx/polyop/backends/goexpr"
//
// New picks the backend from the POLYOP_BACKEND environment variable, the
// DefaultConfig variable, or the first one registered, in that order.
package backends

import (
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/polyop/poly"
)

// Value is a backend-level tensor value handle. Its dynamic type is owned
// by the backend: a buffer for in-process backends, a device handle or
// staged node for others.
type Value = any

// Executable is a backend-level compiled or lowered computation handle.
type Executable = any

// CalcFunc is a named compute primitive: it receives the positional
// argument list assembled by an operator's hooks and returns the output
// values, one per hook return name.
type CalcFunc func(args ...any) ([]Value, error)

// ScheduleFunc is a named schedule primitive applied to a primitive's
// outputs.
type ScheduleFunc func(outs ...Value) (Executable, error)

// Backend is the API a polyop backend implements.
type Backend interface {
	// Name returns the short name the backend registered under, e.g. "goexpr".
	Name() string

	// Description is a longer description of the backend that can be used to pretty-print.
	Description() string

	// Builder creates a new IR builder for one named computation.
	Builder(name string) Builder

	// Lower compiles a fully parametrized program into an executable.
	Lower(p *poly.Program) (Executable, error)

	// Placeholder materializes a zero-initialized value for the tensor,
	// used for parameter tensors not bound to data.
	Placeholder(t *poly.Tensor) (Value, error)

	// Primitive resolves a named compute primitive.
	Primitive(name string) (CalcFunc, error)

	// Scheduler resolves a named schedule primitive.
	Scheduler(name string) (ScheduleFunc, error)
}

// Builder receives the IR a program emits. The poly.IRBuilder methods are
// the operation set statement bodies use.
type Builder interface {
	poly.IRBuilder

	// Name of the computation being built.
	Name() string
}

// Hooks is an operator's recipe for invoking backend primitives: the
// compute and schedule primitive names, the closure assembling the
// positional argument list from the bound tensor values, and the tensor
// names the primitive's outputs bind to, in order.
type Hooks struct {
	Calc     string
	Schedule string
	Args     func(values map[string]Value) []any
	Returns  []string
}

// Constructor takes a backend-specific config string (optionally empty)
// and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a backend constructor under the given name.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
	klog.V(1).Infof("registered backend %q", name)
}

// DefaultConfig is the backend configuration New uses when POLYOP_BACKEND
// is not set. See NewWithConfig for the format.
var DefaultConfig = "goexpr"

// POLYOP_BACKEND is the environment variable with the default backend
// configuration to use. The format is the one NewWithConfig accepts.
const POLYOP_BACKEND = "POLYOP_BACKEND"

// New returns a new Backend, selected by:
//
// 1. The environment variable POLYOP_BACKEND, if set.
// 2. The DefaultConfig variable, if not empty.
// 3. The first registered backend, with an empty configuration.
func New() (Backend, error) {
	if config, found := os.LookupEnv(POLYOP_BACKEND); found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// MustNew returns a new default Backend, panicking on error.
func MustNew() Backend {
	b, err := New()
	if err != nil {
		panic(err)
	}
	return b
}

// NewWithConfig creates a backend from a configuration string formatted as
// "<backend_name>" or "<backend_name>:<backend_configuration>", where the
// configuration part is backend specific. An empty name selects the first
// registered backend.
func NewWithConfig(config string) (Backend, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.Errorf(
			`no registered backends -- import the default one with import _ "github.com/gomlx/polyop/backends/goexpr"`)
	}
	name := config
	backendConfig := ""
	if idx := strings.Index(config, ":"); idx != -1 {
		name = config[:idx]
		backendConfig = config[idx+1:]
	}
	if name == "" {
		name = firstRegistered
	}
	constructor, found := registeredConstructors[name]
	if !found {
		return nil, errors.Errorf("backend %q is not registered; registered backends: %s",
			name, strings.Join(slices.Sorted(maps.Keys(registeredConstructors)), ", "))
	}
	klog.V(1).Infof("creating backend %q with config %q", name, backendConfig)
	return constructor(backendConfig)
}
