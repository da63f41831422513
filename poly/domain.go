package poly

import (
	"strings"

	"github.com/pkg/errors"
)

// Space identifies one statement's instance tuple: a tag plus its ordered
// index variables, e.g. "stmt_calc[n, o, i]".
type Space struct {
	Tag  string
	Vars []string
}

// ParseSpace parses a tagged tuple like "stmt_init[n, o]".
func ParseSpace(text string) (Space, error) {
	p, err := newParser(text)
	if err != nil {
		return Space{}, err
	}
	sp, err := p.parseSpace()
	if err != nil {
		return Space{}, err
	}
	if err = p.eof(); err != nil {
		return Space{}, err
	}
	return sp, nil
}

func (p *parser) parseSpace() (Space, error) {
	tag, err := p.ident()
	if err != nil {
		return Space{}, err
	}
	sp := Space{Tag: tag}
	if err := p.expect("["); err != nil {
		return Space{}, err
	}
	if p.sym("]") {
		return sp, nil
	}
	for {
		v, err := p.ident()
		if err != nil {
			return Space{}, err
		}
		sp.Vars = append(sp.Vars, v)
		if p.sym(",") {
			continue
		}
		if err := p.expect("]"); err != nil {
			return Space{}, err
		}
		return sp, nil
	}
}

// String prints the space in its parseable form.
func (s Space) String() string {
	return s.Tag + "[" + strings.Join(s.Vars, ", ") + "]"
}

// Equal reports whether the tag and the full ordered var tuple match.
func (s Space) Equal(o Space) bool {
	if s.Tag != o.Tag || len(s.Vars) != len(o.Vars) {
		return false
	}
	for i, v := range s.Vars {
		if o.Vars[i] != v {
			return false
		}
	}
	return true
}

// DomainPart is one constrained space of a Domain.
type DomainPart struct {
	Space       Space
	Constraints []Constraint
}

// Domain is a union of constrained instance spaces together with the
// declared symbolic parameters that its constraints may reference:
//
//	[batch, out_channel] -> { stmt_init[n, o]: 0 <= n < batch and 0 <= o < out_channel }
//
// Parameters become concrete through ScheduleTree.ApplyParams. Bindings are
// retained so a partially bound domain can still be printed and queried;
// String declares only the still-free parameters.
type Domain struct {
	Params []string
	Parts  []*DomainPart
	bound  map[string]int
}

// ParseDomain parses the set-builder text form of a domain.
func ParseDomain(text string) (*Domain, error) {
	p, err := newParser(text)
	if err != nil {
		return nil, err
	}
	d, err := p.parseDomain()
	if err != nil {
		return nil, err
	}
	if err = p.eof(); err != nil {
		return nil, err
	}
	return d, nil
}

func (p *parser) parseDomain() (*Domain, error) {
	d := &Domain{bound: make(map[string]int)}
	if err := p.expect("["); err != nil {
		return nil, err
	}
	if !p.sym("]") {
		for {
			name, err := p.ident()
			if err != nil {
				return nil, err
			}
			d.Params = append(d.Params, name)
			if p.sym(",") {
				continue
			}
			if err := p.expect("]"); err != nil {
				return nil, err
			}
			break
		}
	}
	if err := p.expect("->"); err != nil {
		return nil, err
	}
	if err := p.expect("{"); err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for {
		sp, err := p.parseSpace()
		if err != nil {
			return nil, err
		}
		if seen[sp.Tag] {
			return nil, errors.Errorf("duplicate tag %q in domain %q", sp.Tag, p.src)
		}
		seen[sp.Tag] = true
		part := &DomainPart{Space: sp}
		if p.sym(":") {
			cons, err := p.parseConstraints()
			if err != nil {
				return nil, err
			}
			part.Constraints = cons
		}
		d.Parts = append(d.Parts, part)
		if p.sym(";") {
			continue
		}
		if err := p.expect("}"); err != nil {
			return nil, err
		}
		return d, nil
	}
}

// String prints the domain, declaring only the still-free parameters.
func (d *Domain) String() string {
	var sb strings.Builder
	sb.WriteString("[" + strings.Join(d.FreeParams(), ", ") + "] -> {")
	for i, part := range d.Parts {
		if i > 0 {
			sb.WriteString(";")
		}
		sb.WriteString(" " + part.Space.String())
		if len(part.Constraints) > 0 {
			texts := make([]string, len(part.Constraints))
			for j, c := range part.Constraints {
				texts[j] = c.String()
			}
			sb.WriteString(": " + strings.Join(texts, " and "))
		}
	}
	sb.WriteString(" }")
	return sb.String()
}

// Tags returns the part tags in declaration order.
func (d *Domain) Tags() []string {
	tags := make([]string, len(d.Parts))
	for i, part := range d.Parts {
		tags[i] = part.Space.Tag
	}
	return tags
}

// Part returns the part with the given tag, or nil.
func (d *Domain) Part(tag string) *DomainPart {
	for _, part := range d.Parts {
		if part.Space.Tag == tag {
			return part
		}
	}
	return nil
}

// Binding returns the bound value of a parameter.
func (d *Domain) Binding(name string) (int, bool) {
	v, ok := d.bound[name]
	return v, ok
}

// FreeParams returns the declared parameters not yet bound, in declaration
// order.
func (d *Domain) FreeParams() []string {
	var free []string
	for _, name := range d.Params {
		if _, ok := d.bound[name]; !ok {
			free = append(free, name)
		}
	}
	return free
}

// Equal reports structural equality: declared parameters, parts with their
// constraints, and parameter bindings.
func (d *Domain) Equal(o *Domain) bool {
	if d == nil || o == nil {
		return d == o
	}
	if len(d.Params) != len(o.Params) || len(d.Parts) != len(o.Parts) || len(d.bound) != len(o.bound) {
		return false
	}
	for i, name := range d.Params {
		if o.Params[i] != name {
			return false
		}
	}
	for name, v := range d.bound {
		if ov, ok := o.bound[name]; !ok || ov != v {
			return false
		}
	}
	for i, part := range d.Parts {
		op := o.Parts[i]
		if !part.Space.Equal(op.Space) || len(part.Constraints) != len(op.Constraints) {
			return false
		}
		for j, c := range part.Constraints {
			if !c.Equal(op.Constraints[j]) {
				return false
			}
		}
	}
	return true
}

// Clone returns a deep copy. Affine values are immutable and shared.
func (d *Domain) Clone() *Domain {
	out := &Domain{
		Params: append([]string(nil), d.Params...),
		Parts:  make([]*DomainPart, len(d.Parts)),
		bound:  make(map[string]int, len(d.bound)),
	}
	for i, part := range d.Parts {
		out.Parts[i] = &DomainPart{
			Space: Space{
				Tag:  part.Space.Tag,
				Vars: append([]string(nil), part.Space.Vars...),
			},
			Constraints: append([]Constraint(nil), part.Constraints...),
		}
	}
	for name, v := range d.bound {
		out.bound[name] = v
	}
	return out
}

// instanceBinding resolves instance vars from point first, then falls back
// to the domain's parameter bindings.
func (d *Domain) instanceBinding(point map[string]int) Binding {
	return func(name string) (int, bool) {
		if v, ok := point[name]; ok {
			return v, true
		}
		v, ok := d.bound[name]
		return v, ok
	}
}

// EachInstance enumerates the integer points of the part tagged tag, in
// tuple order, calling visit with each point. The point map is reused
// across calls; visit must not retain it. Every parameter referenced by the
// part's constraints must already be bound.
func (d *Domain) EachInstance(tag string, visit func(point map[string]int) error) error {
	part := d.Part(tag)
	if part == nil {
		return errors.Errorf("domain has no space tagged %q", tag)
	}
	norms := normalizeAll(part.Constraints)
	point := make(map[string]int, len(part.Space.Vars))
	return enumerate(part.Space.Vars, norms, d.instanceBinding(point), point, visit)
}

// normCon is a constraint in solved form: d <= 0, or d = 0 when eq.
type normCon struct {
	d  Affine
	eq bool
}

func normalizeAll(cons []Constraint) []normCon {
	norms := make([]normCon, len(cons))
	for i, c := range cons {
		d, eq := c.normalize()
		norms[i] = normCon{d: d, eq: eq}
	}
	return norms
}

func (n normCon) holds(bind Binding) (bool, error) {
	v, err := n.d.Eval(bind)
	if err != nil {
		return false, err
	}
	if n.eq {
		return v == 0, nil
	}
	return v <= 0, nil
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func ceilDiv(a, b int) int { return -floorDiv(-a, b) }

// solveRange computes inclusive bounds for v from the constraints that
// mention it and whose remaining variables are bound. Constraints that
// still depend on unbound variables are skipped; callers re-check the full
// set once every variable is bound. An empty range returns lo > hi.
func solveRange(norms []normCon, v string, bind Binding) (int, int, error) {
	lo, hi := 0, 0
	haveLo, haveHi := false, false
	tightenLo := func(x int) {
		if !haveLo || x > lo {
			lo = x
		}
		haveLo = true
	}
	tightenHi := func(x int) {
		if !haveHi || x < hi {
			hi = x
		}
		haveHi = true
	}
	for _, n := range norms {
		c, rest := n.d.coefOf(v)
		if c == 0 {
			continue
		}
		restV, err := rest.Eval(bind)
		if err != nil {
			continue
		}
		// c*v + restV <= 0, or = 0 when eq.
		if n.eq {
			if (-restV)%c != 0 {
				return 0, -1, nil
			}
			q := -restV / c
			tightenLo(q)
			tightenHi(q)
			continue
		}
		if c > 0 {
			tightenHi(floorDiv(-restV, c))
		} else {
			tightenLo(ceilDiv(-restV, c))
		}
	}
	if !haveLo || !haveHi {
		return 0, 0, errors.Errorf("cannot determine finite bounds for %q", v)
	}
	return lo, hi, nil
}

// enumerate scans vars in order, solving each one's range under the
// bindings accumulated so far, and calls visit for every point satisfying
// all constraints.
func enumerate(vars []string, norms []normCon, bind Binding, point map[string]int, visit func(map[string]int) error) error {
	if len(vars) == 0 {
		for _, n := range norms {
			ok, err := n.holds(bind)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}
		return visit(point)
	}
	v := vars[0]
	lo, hi, err := solveRange(norms, v, bind)
	if err != nil {
		return err
	}
	for x := lo; x <= hi; x++ {
		point[v] = x
		if err := enumerate(vars[1:], norms, bind, point, visit); err != nil {
			return err
		}
	}
	delete(point, v)
	return nil
}
