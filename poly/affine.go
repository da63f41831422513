package poly

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// term is a single scaled variable inside an affine form.
type term struct {
	coef int
	name string
}

// Affine is an integer affine expression: a sum of integer-scaled variables
// plus an integer constant. The zero value is the constant 0.
//
// Affine values are immutable, and arithmetic methods return new values, so
// they can be shared freely across domains, schedules and statements.
type Affine struct {
	terms []term
	k     int
}

// Const returns the affine form of the integer k.
func Const(k int) Affine { return Affine{k: k} }

// Var returns the affine form of a single variable.
func Var(name string) Affine {
	return Affine{terms: []term{{coef: 1, name: name}}}
}

// Binding resolves variable names to integer values during evaluation.
// The second result reports whether the name is bound.
type Binding func(name string) (int, bool)

// MapBinding returns a Binding backed by the given map.
func MapBinding(m map[string]int) Binding {
	return func(name string) (int, bool) {
		v, ok := m[name]
		return v, ok
	}
}

// addTerm returns a with coef*name added, combining like terms and dropping
// zero coefficients. The receiver is never mutated.
func (a Affine) addTerm(coef int, name string) Affine {
	if coef == 0 {
		return a
	}
	for i, t := range a.terms {
		if t.name != name {
			continue
		}
		out := Affine{k: a.k, terms: make([]term, 0, len(a.terms))}
		out.terms = append(out.terms, a.terms[:i]...)
		if nc := t.coef + coef; nc != 0 {
			out.terms = append(out.terms, term{coef: nc, name: name})
		}
		out.terms = append(out.terms, a.terms[i+1:]...)
		return out
	}
	out := Affine{k: a.k, terms: make([]term, len(a.terms), len(a.terms)+1)}
	copy(out.terms, a.terms)
	out.terms = append(out.terms, term{coef: coef, name: name})
	return out
}

// Add returns a+b.
func (a Affine) Add(b Affine) Affine {
	out := a
	for _, t := range b.terms {
		out = out.addTerm(t.coef, t.name)
	}
	out.k = a.k + b.k
	return out
}

// Sub returns a-b.
func (a Affine) Sub(b Affine) Affine {
	return a.Add(b.Mul(-1))
}

// Mul returns a scaled by the integer k.
func (a Affine) Mul(k int) Affine {
	if k == 0 {
		return Affine{}
	}
	out := Affine{k: a.k * k, terms: make([]term, len(a.terms))}
	for i, t := range a.terms {
		out.terms[i] = term{coef: t.coef * k, name: t.name}
	}
	return out
}

// IsConst reports whether a has no variable terms.
func (a Affine) IsConst() bool { return len(a.terms) == 0 }

// ConstValue returns the value of a constant form. The second result is
// false when a still has variable terms.
func (a Affine) ConstValue() (int, bool) {
	if len(a.terms) != 0 {
		return 0, false
	}
	return a.k, true
}

// FreeVars returns the variable names of a, in term order.
func (a Affine) FreeVars() []string {
	if len(a.terms) == 0 {
		return nil
	}
	names := make([]string, len(a.terms))
	for i, t := range a.terms {
		names[i] = t.name
	}
	return names
}

// HasVar reports whether the variable name appears in a.
func (a Affine) HasVar(name string) bool {
	for _, t := range a.terms {
		if t.name == name {
			return true
		}
	}
	return false
}

// coefOf splits a into the coefficient of name and the remainder without it.
func (a Affine) coefOf(name string) (int, Affine) {
	for i, t := range a.terms {
		if t.name != name {
			continue
		}
		rest := Affine{k: a.k, terms: make([]term, 0, len(a.terms)-1)}
		rest.terms = append(rest.terms, a.terms[:i]...)
		rest.terms = append(rest.terms, a.terms[i+1:]...)
		return t.coef, rest
	}
	return 0, a
}

// Eval computes the integer value of a under the binding. It fails if any
// variable is unbound.
func (a Affine) Eval(bind Binding) (int, error) {
	v := a.k
	for _, t := range a.terms {
		x, ok := bind(t.name)
		if !ok {
			return 0, errors.Errorf("variable %q is unbound in %q", t.name, a.String())
		}
		v += t.coef * x
	}
	return v, nil
}

// Subst replaces every variable bound in params by its integer value,
// returning the reduced form. Unbound variables are kept.
func (a Affine) Subst(params map[string]int) Affine {
	out := Affine{k: a.k}
	for _, t := range a.terms {
		if v, ok := params[t.name]; ok {
			out.k += t.coef * v
		} else {
			out.terms = append(out.terms, t)
		}
	}
	return out
}

// Equal reports structural equality, insensitive to term order.
func (a Affine) Equal(b Affine) bool {
	if a.k != b.k || len(a.terms) != len(b.terms) {
		return false
	}
	for _, t := range a.terms {
		if c, _ := b.coefOf(t.name); c != t.coef {
			return false
		}
	}
	return true
}

// String prints the canonical text form, e.g. "2*h + i - 3".
func (a Affine) String() string {
	if len(a.terms) == 0 {
		return strconv.Itoa(a.k)
	}
	var sb strings.Builder
	for i, t := range a.terms {
		switch {
		case i == 0 && t.coef == 1:
			sb.WriteString(t.name)
		case i == 0 && t.coef == -1:
			sb.WriteString("-" + t.name)
		case i == 0:
			fmt.Fprintf(&sb, "%d*%s", t.coef, t.name)
		case t.coef == 1:
			sb.WriteString(" + " + t.name)
		case t.coef == -1:
			sb.WriteString(" - " + t.name)
		case t.coef > 0:
			fmt.Fprintf(&sb, " + %d*%s", t.coef, t.name)
		default:
			fmt.Fprintf(&sb, " - %d*%s", -t.coef, t.name)
		}
	}
	if a.k > 0 {
		fmt.Fprintf(&sb, " + %d", a.k)
	} else if a.k < 0 {
		fmt.Fprintf(&sb, " - %d", -a.k)
	}
	return sb.String()
}

// Rel is the comparison relation of a Constraint.
type Rel string

const (
	RelLE Rel = "<="
	RelLT Rel = "<"
	RelGE Rel = ">="
	RelGT Rel = ">"
	RelEQ Rel = "="
)

// Constraint is a single affine comparison, Lhs Rel Rhs.
type Constraint struct {
	Lhs Affine
	Rel Rel
	Rhs Affine
}

// LE returns the constraint a <= b.
func LE(a, b Affine) Constraint { return Constraint{Lhs: a, Rel: RelLE, Rhs: b} }

// LT returns the constraint a < b.
func LT(a, b Affine) Constraint { return Constraint{Lhs: a, Rel: RelLT, Rhs: b} }

// GE returns the constraint a >= b.
func GE(a, b Affine) Constraint { return Constraint{Lhs: a, Rel: RelGE, Rhs: b} }

// GT returns the constraint a > b.
func GT(a, b Affine) Constraint { return Constraint{Lhs: a, Rel: RelGT, Rhs: b} }

// EQ returns the constraint a = b.
func EQ(a, b Affine) Constraint { return Constraint{Lhs: a, Rel: RelEQ, Rhs: b} }

// String prints the constraint in the parseable text form.
func (c Constraint) String() string {
	return c.Lhs.String() + " " + string(c.Rel) + " " + c.Rhs.String()
}

// Subst replaces bound variables on both sides.
func (c Constraint) Subst(params map[string]int) Constraint {
	return Constraint{Lhs: c.Lhs.Subst(params), Rel: c.Rel, Rhs: c.Rhs.Subst(params)}
}

// Holds evaluates the comparison under the binding.
func (c Constraint) Holds(bind Binding) (bool, error) {
	l, err := c.Lhs.Eval(bind)
	if err != nil {
		return false, err
	}
	r, err := c.Rhs.Eval(bind)
	if err != nil {
		return false, err
	}
	switch c.Rel {
	case RelLE:
		return l <= r, nil
	case RelLT:
		return l < r, nil
	case RelGE:
		return l >= r, nil
	case RelGT:
		return l > r, nil
	case RelEQ:
		return l == r, nil
	}
	return false, errors.Errorf("unknown relation %q", string(c.Rel))
}

// FreeVars returns the variables of both sides, first appearance order.
func (c Constraint) FreeVars() []string {
	names := c.Lhs.FreeVars()
	for _, n := range c.Rhs.FreeVars() {
		found := false
		for _, m := range names {
			if m == n {
				found = true
				break
			}
		}
		if !found {
			names = append(names, n)
		}
	}
	return names
}

// Equal reports structural equality of both sides and the relation.
func (c Constraint) Equal(o Constraint) bool {
	return c.Rel == o.Rel && c.Lhs.Equal(o.Lhs) && c.Rhs.Equal(o.Rhs)
}

// normalize rewrites the constraint as "d <= 0", or "d = 0" when eq is true.
// Strict integer comparisons fold into the non-strict form.
func (c Constraint) normalize() (d Affine, eq bool) {
	switch c.Rel {
	case RelLE:
		return c.Lhs.Sub(c.Rhs), false
	case RelLT:
		return c.Lhs.Sub(c.Rhs).Add(Const(1)), false
	case RelGE:
		return c.Rhs.Sub(c.Lhs), false
	case RelGT:
		return c.Rhs.Sub(c.Lhs).Add(Const(1)), false
	default:
		return c.Lhs.Sub(c.Rhs), true
	}
}

// Lexer and recursive-descent parser shared by the affine, constraint,
// domain and schedule-map grammars. The token set is the full set-builder
// notation: identifiers, integers, arithmetic and comparison operators,
// brackets, and the "->" arrow.

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokInt
	tokIdent
	tokSym
)

type token struct {
	kind tokenKind
	text string
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func lexText(s string) ([]token, error) {
	var toks []token
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c >= '0' && c <= '9':
			j := i + 1
			for j < len(s) && s[j] >= '0' && s[j] <= '9' {
				j++
			}
			toks = append(toks, token{tokInt, s[i:j]})
			i = j
		case isIdentStart(c):
			j := i + 1
			for j < len(s) && isIdentPart(s[j]) {
				j++
			}
			toks = append(toks, token{tokIdent, s[i:j]})
			i = j
		case c == '-':
			if i+1 < len(s) && s[i+1] == '>' {
				toks = append(toks, token{tokSym, "->"})
				i += 2
			} else {
				toks = append(toks, token{tokSym, "-"})
				i++
			}
		case c == '<' || c == '>':
			if i+1 < len(s) && s[i+1] == '=' {
				toks = append(toks, token{tokSym, s[i : i+2]})
				i += 2
			} else {
				toks = append(toks, token{tokSym, s[i : i+1]})
				i++
			}
		case strings.IndexByte("+*(),[]{};:=", c) >= 0:
			toks = append(toks, token{tokSym, s[i : i+1]})
			i++
		default:
			return nil, errors.Errorf("unexpected character %q in %q", c, s)
		}
	}
	return append(toks, token{tokEOF, ""}), nil
}

type parser struct {
	toks []token
	pos  int
	src  string
}

func newParser(s string) (*parser, error) {
	toks, err := lexText(s)
	if err != nil {
		return nil, err
	}
	return &parser{toks: toks, src: s}, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

// sym consumes the next token if it is the symbol s.
func (p *parser) sym(s string) bool {
	if t := p.peek(); t.kind == tokSym && t.text == s {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(s string) error {
	if !p.sym(s) {
		return errors.Errorf("expected %q in %q, got %q", s, p.src, p.peek().text)
	}
	return nil
}

func (p *parser) ident() (string, error) {
	t := p.peek()
	if t.kind != tokIdent {
		return "", errors.Errorf("expected identifier in %q, got %q", p.src, t.text)
	}
	p.pos++
	return t.text, nil
}

func (p *parser) eof() error {
	if t := p.peek(); t.kind != tokEOF {
		return errors.Errorf("unexpected trailing %q in %q", t.text, p.src)
	}
	return nil
}

// ParseAffine parses an affine expression like "2*h + i - 3". Products are
// restricted to a constant times a variable.
func ParseAffine(text string) (Affine, error) {
	p, err := newParser(text)
	if err != nil {
		return Affine{}, err
	}
	a, err := p.parseExpr()
	if err != nil {
		return Affine{}, err
	}
	if err = p.eof(); err != nil {
		return Affine{}, err
	}
	return a, nil
}

func (p *parser) parseExpr() (Affine, error) {
	a, err := p.parseProduct()
	if err != nil {
		return Affine{}, err
	}
	for {
		switch {
		case p.sym("+"):
			b, err := p.parseProduct()
			if err != nil {
				return Affine{}, err
			}
			a = a.Add(b)
		case p.sym("-"):
			b, err := p.parseProduct()
			if err != nil {
				return Affine{}, err
			}
			a = a.Sub(b)
		default:
			return a, nil
		}
	}
}

func (p *parser) parseProduct() (Affine, error) {
	a, err := p.parseUnary()
	if err != nil {
		return Affine{}, err
	}
	for p.sym("*") {
		b, err := p.parseUnary()
		if err != nil {
			return Affine{}, err
		}
		if k, ok := b.ConstValue(); ok {
			a = a.Mul(k)
		} else if k, ok := a.ConstValue(); ok {
			a = b.Mul(k)
		} else {
			return Affine{}, errors.Errorf("non-affine product in %q", p.src)
		}
	}
	return a, nil
}

func (p *parser) parseUnary() (Affine, error) {
	t := p.peek()
	switch {
	case t.kind == tokInt:
		p.pos++
		k, err := strconv.Atoi(t.text)
		if err != nil {
			return Affine{}, errors.Wrapf(err, "bad integer %q", t.text)
		}
		return Const(k), nil
	case t.kind == tokIdent:
		p.pos++
		return Var(t.text), nil
	case t.kind == tokSym && t.text == "(":
		p.pos++
		a, err := p.parseExpr()
		if err != nil {
			return Affine{}, err
		}
		if err = p.expect(")"); err != nil {
			return Affine{}, err
		}
		return a, nil
	case t.kind == tokSym && t.text == "-":
		p.pos++
		a, err := p.parseUnary()
		if err != nil {
			return Affine{}, err
		}
		return a.Mul(-1), nil
	}
	return Affine{}, errors.Errorf("unexpected %q in %q", t.text, p.src)
}

// ParseConstraints parses an "and"-joined list of comparison chains, e.g.
// "0 <= n < batch and 0 <= i < in_channel". A chain of k comparisons
// expands into k pairwise constraints.
func ParseConstraints(text string) ([]Constraint, error) {
	p, err := newParser(text)
	if err != nil {
		return nil, err
	}
	cons, err := p.parseConstraints()
	if err != nil {
		return nil, err
	}
	if err = p.eof(); err != nil {
		return nil, err
	}
	return cons, nil
}

func (p *parser) parseConstraints() ([]Constraint, error) {
	var cons []Constraint
	for {
		chain, err := p.parseChain()
		if err != nil {
			return nil, err
		}
		cons = append(cons, chain...)
		if t := p.peek(); t.kind == tokIdent && t.text == "and" {
			p.pos++
			continue
		}
		return cons, nil
	}
}

func isRelSym(s string) bool {
	switch s {
	case "<=", "<", ">=", ">", "=":
		return true
	}
	return false
}

func (p *parser) parseChain() ([]Constraint, error) {
	lhs, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	var cons []Constraint
	for {
		t := p.peek()
		if t.kind != tokSym || !isRelSym(t.text) {
			break
		}
		p.pos++
		rhs, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		cons = append(cons, Constraint{Lhs: lhs, Rel: Rel(t.text), Rhs: rhs})
		lhs = rhs
	}
	if len(cons) == 0 {
		return nil, errors.Errorf("expected comparison in %q", p.src)
	}
	return cons, nil
}
