package poly

// BodyFunc is the executable body of a statement. It receives the active
// evaluation context and one affine index per statement variable: symbolic
// axes when emitting IR or tracing accesses, constant forms at an instance
// point during reference evaluation.
type BodyFunc func(ev *Eval, ix []Affine)

// Statement is one named computational statement of a schedule unit. Vars
// is its ordered index tuple and must match the statement's space in the
// schedule tree's domain.
type Statement struct {
	Name string
	Vars []string
	Body BodyFunc
}

// NewStatement builds a statement.
func NewStatement(name string, vars []string, body BodyFunc) *Statement {
	return &Statement{Name: name, Vars: append([]string(nil), vars...), Body: body}
}

// Emit invokes the body once with symbolic axes. Codegen and access
// contexts are driven this way.
func (s *Statement) Emit(ev *Eval) {
	ev.current = s.Name
	ix := make([]Affine, len(s.Vars))
	for i, v := range s.Vars {
		ix[i] = Var(v)
	}
	s.Body(ev, ix)
}

// run invokes the body at a concrete instance point, for reference
// evaluation.
func (s *Statement) run(ev *Eval, point map[string]int) {
	ev.current = s.Name
	ev.point = point
	ix := make([]Affine, len(s.Vars))
	for i, v := range s.Vars {
		ix[i] = Const(point[v])
	}
	s.Body(ev, ix)
}
