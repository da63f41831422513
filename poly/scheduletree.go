package poly

import (
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// TreeNode is a node of a schedule tree below the domain root: one of
// *Band, *SequenceNode or *Filter.
type TreeNode interface {
	Equal(TreeNode) bool
	Clone() TreeNode
	treeNode()
}

// MapPart maps one statement space to an affine schedule expression.
type MapPart struct {
	Space Space
	Expr  Affine
}

// UnionMap assigns one band dimension's schedule expression to each active
// statement space: {stmt_init[n, o]->[(n)]; stmt_calc[n, o, i]->[(n)]}.
type UnionMap struct {
	Parts []MapPart
}

// ParseUnionMap parses a single union map in braces.
func ParseUnionMap(text string) (*UnionMap, error) {
	p, err := newParser(text)
	if err != nil {
		return nil, err
	}
	m, err := p.parseUnionMap()
	if err != nil {
		return nil, err
	}
	if err = p.eof(); err != nil {
		return nil, err
	}
	return m, nil
}

func (p *parser) parseUnionMap() (*UnionMap, error) {
	if err := p.expect("{"); err != nil {
		return nil, err
	}
	m := &UnionMap{}
	for {
		sp, err := p.parseSpace()
		if err != nil {
			return nil, err
		}
		if err = p.expect("->"); err != nil {
			return nil, err
		}
		if err = p.expect("["); err != nil {
			return nil, err
		}
		if err = p.expect("("); err != nil {
			return nil, err
		}
		expr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err = p.expect(")"); err != nil {
			return nil, err
		}
		if err = p.expect("]"); err != nil {
			return nil, err
		}
		m.Parts = append(m.Parts, MapPart{Space: sp, Expr: expr})
		if p.sym(";") {
			continue
		}
		if err := p.expect("}"); err != nil {
			return nil, err
		}
		return m, nil
	}
}

// Part returns the map part for the given tag, or nil.
func (m *UnionMap) Part(tag string) *MapPart {
	for i := range m.Parts {
		if m.Parts[i].Space.Tag == tag {
			return &m.Parts[i]
		}
	}
	return nil
}

// Equal reports structural equality, including part order.
func (m *UnionMap) Equal(o *UnionMap) bool {
	if len(m.Parts) != len(o.Parts) {
		return false
	}
	for i, part := range m.Parts {
		op := o.Parts[i]
		if !part.Space.Equal(op.Space) || !part.Expr.Equal(op.Expr) {
			return false
		}
	}
	return true
}

// String prints the union map in its parseable form.
func (m *UnionMap) String() string {
	parts := make([]string, len(m.Parts))
	for i, part := range m.Parts {
		parts[i] = part.Space.String() + "->[(" + part.Expr.String() + ")]"
	}
	return "{" + strings.Join(parts, "; ") + "}"
}

func (m *UnionMap) clone() *UnionMap {
	out := &UnionMap{Parts: make([]MapPart, len(m.Parts))}
	for i, part := range m.Parts {
		out.Parts[i] = MapPart{
			Space: Space{Tag: part.Space.Tag, Vars: append([]string(nil), part.Space.Vars...)},
			Expr:  part.Expr,
		}
	}
	return out
}

// ParseBandSchedule parses the bracketed list of union maps that forms a
// band's schedule, one list entry per band dimension.
func ParseBandSchedule(text string) ([]*UnionMap, error) {
	p, err := newParser(text)
	if err != nil {
		return nil, err
	}
	if err = p.expect("["); err != nil {
		return nil, err
	}
	var maps []*UnionMap
	if !p.sym("]") {
		for {
			m, err := p.parseUnionMap()
			if err != nil {
				return nil, err
			}
			maps = append(maps, m)
			if p.sym(",") {
				continue
			}
			if err = p.expect("]"); err != nil {
				return nil, err
			}
			break
		}
	}
	if err = p.eof(); err != nil {
		return nil, err
	}
	return maps, nil
}

func bandScheduleString(maps []*UnionMap) string {
	texts := make([]string, len(maps))
	for i, m := range maps {
		texts[i] = m.String()
	}
	return "[" + strings.Join(texts, ", ") + "]"
}

func parseSpaceSetText(text string) ([]Space, error) {
	p, err := newParser(text)
	if err != nil {
		return nil, err
	}
	if err = p.expect("{"); err != nil {
		return nil, err
	}
	var spaces []Space
	for {
		sp, err := p.parseSpace()
		if err != nil {
			return nil, err
		}
		spaces = append(spaces, sp)
		if p.sym(";") {
			continue
		}
		if err = p.expect("}"); err != nil {
			return nil, err
		}
		break
	}
	if err = p.eof(); err != nil {
		return nil, err
	}
	return spaces, nil
}

func spaceSetString(spaces []Space) string {
	texts := make([]string, len(spaces))
	for i, sp := range spaces {
		texts[i] = sp.String()
	}
	return "{" + strings.Join(texts, "; ") + "}"
}

// Band schedules the active statement instances along affine dimensions,
// outermost first. Schedule holds one UnionMap per dimension and Coincident
// one parallelism flag per dimension.
type Band struct {
	Schedule   []*UnionMap
	Permutable bool
	Coincident []bool
	Child      TreeNode
}

func (*Band) treeNode() {}

// Equal reports structural equality of the band and its subtree.
func (b *Band) Equal(o TreeNode) bool {
	ob, ok := o.(*Band)
	if !ok || b.Permutable != ob.Permutable ||
		len(b.Schedule) != len(ob.Schedule) || len(b.Coincident) != len(ob.Coincident) {
		return false
	}
	for i, m := range b.Schedule {
		if !m.Equal(ob.Schedule[i]) {
			return false
		}
	}
	for i, c := range b.Coincident {
		if c != ob.Coincident[i] {
			return false
		}
	}
	return nodeEqual(b.Child, ob.Child)
}

// Clone returns a deep copy of the band and its subtree.
func (b *Band) Clone() TreeNode {
	out := &Band{
		Schedule:   make([]*UnionMap, len(b.Schedule)),
		Permutable: b.Permutable,
		Coincident: append([]bool(nil), b.Coincident...),
	}
	for i, m := range b.Schedule {
		out.Schedule[i] = m.clone()
	}
	if b.Child != nil {
		out.Child = b.Child.Clone()
	}
	return out
}

// SequenceNode orders its filtered children: earlier children execute fully
// before later ones at each surrounding band point.
type SequenceNode struct {
	Children []*Filter
}

func (*SequenceNode) treeNode() {}

// Equal reports structural equality of the sequence and its children.
func (s *SequenceNode) Equal(o TreeNode) bool {
	os, ok := o.(*SequenceNode)
	if !ok || len(s.Children) != len(os.Children) {
		return false
	}
	for i, f := range s.Children {
		if !f.Equal(os.Children[i]) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the sequence.
func (s *SequenceNode) Clone() TreeNode {
	out := &SequenceNode{Children: make([]*Filter, len(s.Children))}
	for i, f := range s.Children {
		out.Children[i] = f.Clone().(*Filter)
	}
	return out
}

// Filter restricts the subtree below it to the listed statement spaces.
type Filter struct {
	Spaces []Space
	Child  TreeNode
}

func (*Filter) treeNode() {}

// Equal reports structural equality of the filter and its subtree.
func (f *Filter) Equal(o TreeNode) bool {
	of, ok := o.(*Filter)
	if !ok || len(f.Spaces) != len(of.Spaces) {
		return false
	}
	for i, sp := range f.Spaces {
		if !sp.Equal(of.Spaces[i]) {
			return false
		}
	}
	return nodeEqual(f.Child, of.Child)
}

// Clone returns a deep copy of the filter and its subtree.
func (f *Filter) Clone() TreeNode {
	out := &Filter{Spaces: make([]Space, len(f.Spaces))}
	for i, sp := range f.Spaces {
		out.Spaces[i] = Space{Tag: sp.Tag, Vars: append([]string(nil), sp.Vars...)}
	}
	if f.Child != nil {
		out.Child = f.Child.Clone()
	}
	return out
}

func nodeEqual(a, b TreeNode) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(b)
}

// ScheduleTree is a domain of statement instances plus a tree of band,
// sequence and filter nodes that orders them. Trees are written as YAML
// literals and parsed with ParseTree; ApplyParams makes the symbolic
// domain parameters concrete.
type ScheduleTree struct {
	Domain *Domain
	Child  TreeNode
}

// rawNode is the YAML wire form of a schedule tree node.
type rawNode struct {
	Domain     string     `yaml:"domain,omitempty"`
	Schedule   string     `yaml:"schedule,omitempty"`
	Permutable int        `yaml:"permutable,omitempty"`
	Coincident []int      `yaml:"coincident,omitempty,flow"`
	Sequence   []*rawNode `yaml:"sequence,omitempty"`
	Filter     string     `yaml:"filter,omitempty"`
	Child      *rawNode   `yaml:"child,omitempty"`
}

// ParseTree parses the YAML literal form of a schedule tree. The root node
// carries the domain; nested child nodes are bands (schedule, permutable,
// coincident), sequences of filters, or standalone filters.
func ParseTree(text string) (*ScheduleTree, error) {
	var r rawNode
	if err := yaml.Unmarshal([]byte(text), &r); err != nil {
		return nil, errors.Wrap(err, "parsing schedule tree YAML")
	}
	if r.Domain == "" {
		return nil, errors.New("schedule tree root must declare a domain")
	}
	if r.Schedule != "" || len(r.Sequence) > 0 || r.Filter != "" {
		return nil, errors.New("schedule tree root carries only the domain and a child")
	}
	domain, err := ParseDomain(r.Domain)
	if err != nil {
		return nil, err
	}
	t := &ScheduleTree{Domain: domain}
	if r.Child != nil {
		t.Child, err = r.Child.toNode()
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (r *rawNode) toNode() (TreeNode, error) {
	set := 0
	if r.Schedule != "" {
		set++
	}
	if len(r.Sequence) > 0 {
		set++
	}
	if r.Filter != "" {
		set++
	}
	if set != 1 {
		return nil, errors.New("schedule node must set exactly one of schedule, sequence or filter")
	}
	switch {
	case r.Schedule != "":
		maps, err := ParseBandSchedule(r.Schedule)
		if err != nil {
			return nil, err
		}
		band := &Band{Schedule: maps, Permutable: r.Permutable != 0}
		if r.Coincident == nil {
			band.Coincident = make([]bool, len(maps))
		} else {
			if len(r.Coincident) != len(maps) {
				return nil, errors.Errorf("band has %d schedule dimensions but %d coincident flags",
					len(maps), len(r.Coincident))
			}
			band.Coincident = make([]bool, len(r.Coincident))
			for i, c := range r.Coincident {
				band.Coincident[i] = c != 0
			}
		}
		if r.Child != nil {
			child, err := r.Child.toNode()
			if err != nil {
				return nil, err
			}
			band.Child = child
		}
		return band, nil

	case len(r.Sequence) > 0:
		if r.Child != nil {
			return nil, errors.New("sequence node cannot carry its own child")
		}
		seq := &SequenceNode{}
		for _, rc := range r.Sequence {
			if rc.Filter == "" || rc.Schedule != "" || len(rc.Sequence) > 0 {
				return nil, errors.New("sequence children must be filter nodes")
			}
			f, err := rc.toFilter()
			if err != nil {
				return nil, err
			}
			seq.Children = append(seq.Children, f)
		}
		return seq, nil

	default:
		return r.toFilter()
	}
}

func (r *rawNode) toFilter() (*Filter, error) {
	spaces, err := parseSpaceSetText(r.Filter)
	if err != nil {
		return nil, err
	}
	f := &Filter{Spaces: spaces}
	if r.Child != nil {
		child, err := r.Child.toNode()
		if err != nil {
			return nil, err
		}
		f.Child = child
	}
	return f, nil
}

func toRaw(n TreeNode) *rawNode {
	switch n := n.(type) {
	case *Band:
		r := &rawNode{Schedule: bandScheduleString(n.Schedule)}
		if n.Permutable {
			r.Permutable = 1
		}
		r.Coincident = make([]int, len(n.Coincident))
		for i, c := range n.Coincident {
			if c {
				r.Coincident[i] = 1
			}
		}
		if n.Child != nil {
			r.Child = toRaw(n.Child)
		}
		return r
	case *SequenceNode:
		r := &rawNode{}
		for _, f := range n.Children {
			r.Sequence = append(r.Sequence, toRaw(f))
		}
		return r
	case *Filter:
		r := &rawNode{Filter: spaceSetString(n.Spaces)}
		if n.Child != nil {
			r.Child = toRaw(n.Child)
		}
		return r
	}
	return nil
}

// YAML encodes the tree in the literal form ParseTree accepts.
func (t *ScheduleTree) YAML() ([]byte, error) {
	r := &rawNode{Domain: t.Domain.String()}
	if t.Child != nil {
		r.Child = toRaw(t.Child)
	}
	b, err := yaml.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "encoding schedule tree YAML")
	}
	return b, nil
}

// String returns the YAML form.
func (t *ScheduleTree) String() string {
	b, err := t.YAML()
	if err != nil {
		return "<invalid schedule tree: " + err.Error() + ">"
	}
	return string(b)
}

// Equal reports structural equality of domain and tree.
func (t *ScheduleTree) Equal(o *ScheduleTree) bool {
	if t == nil || o == nil {
		return t == o
	}
	return t.Domain.Equal(o.Domain) && nodeEqual(t.Child, o.Child)
}

// Clone returns a deep copy.
func (t *ScheduleTree) Clone() *ScheduleTree {
	out := &ScheduleTree{Domain: t.Domain.Clone()}
	if t.Child != nil {
		out.Child = t.Child.Clone()
	}
	return out
}
