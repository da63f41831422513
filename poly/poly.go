// Package poly models polyhedral schedule units: integer instance domains,
// the schedule trees that order them, and the statements that give each
// instance point a computational body.
//
// A Program ties the three together. Its domain declares symbolic
// parameters ("[batch, out_channel] -> { ... }") that ApplyParams makes
// concrete by structural substitution, so the same unit describes every
// problem size. Schedule trees are written as YAML literals and parsed
// with ParseTree:
//
//	domain: "[batch, in_channel, out_channel] -> { stmt_init[n, o]: 0 <= n < batch and 0 <= o < out_channel; stmt_calc[n, o, i]: 0 <= n < batch and 0 <= o < out_channel and 0 <= i < in_channel }"
//	child:
//	  schedule: "[{stmt_init[n, o]->[(n)]; stmt_calc[n, o, i]->[(n)]}, {stmt_init[n, o]->[(o)]; stmt_calc[n, o, i]->[(o)]}]"
//	  permutable: 1
//	  coincident: [1, 1]
//	  child:
//	    schedule: "[{stmt_init[n, o]->[(0)]; stmt_calc[n, o, i]->[(i)]}]"
//
// Statement bodies run under one of three evaluation modes fixed by the
// Eval context they receive: ModeCodegen emits backend IR with symbolic
// axes, ModeAccess records the symbolic tensor cells the body touches, and
// ModeReference interprets the body over concrete buffers. One body serves
// all three; it branches on the context only where the modes genuinely
// diverge.
package poly

import (
	"slices"

	"github.com/pkg/errors"

	"github.com/gomlx/polyop/internal/sets"
)

// Program is a complete schedulable unit: the tensors it touches, the
// statements that compute them, and the schedule tree that orders every
// statement instance.
type Program struct {
	Tensors    *TensorTable
	Statements []*Statement
	Tree       *ScheduleTree
}

// Statement returns the statement with the given name, or nil.
func (p *Program) Statement(name string) *Statement {
	for _, s := range p.Statements {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Equal reports whether two programs have the same tensors, the same
// statement signatures in the same order, and equal schedule trees.
// Statement bodies are functions and cannot be compared; two programs
// built by the same factory from the same arguments compare equal.
func (p *Program) Equal(o *Program) bool {
	if p == nil || o == nil {
		return p == o
	}
	if !p.Tensors.Equal(o.Tensors) || len(p.Statements) != len(o.Statements) {
		return false
	}
	for i, s := range p.Statements {
		os := o.Statements[i]
		if s.Name != os.Name || !slices.Equal(s.Vars, os.Vars) {
			return false
		}
	}
	return p.Tree.Equal(o.Tree)
}

// Validate checks the program's internal consistency: statements and
// domain spaces correspond one to one with matching index tuples, every
// constraint references only declared names, and every node of the
// schedule tree is well formed for the spaces active at its position.
func (p *Program) Validate() error {
	if p.Tensors == nil {
		return errors.New("program has no tensor table")
	}
	if p.Tree == nil || p.Tree.Domain == nil {
		return errors.New("program has no schedule tree")
	}
	d := p.Tree.Domain

	names := sets.Make[string](len(p.Statements))
	for _, s := range p.Statements {
		if names.Has(s.Name) {
			return errors.Errorf("duplicate statement %q", s.Name)
		}
		names.Insert(s.Name)
		part := d.Part(s.Name)
		if part == nil {
			return errors.Errorf("statement %q has no space in the domain", s.Name)
		}
		if !slices.Equal(s.Vars, part.Space.Vars) {
			return errors.Errorf("statement %q has vars %v, its domain space has %v",
				s.Name, s.Vars, part.Space.Vars)
		}
	}
	declared := sets.MakeWith(d.Params...)
	for _, part := range d.Parts {
		if !names.Has(part.Space.Tag) {
			return errors.Errorf("domain space %q has no statement", part.Space.Tag)
		}
		vars := sets.MakeWith(part.Space.Vars...)
		for _, c := range part.Constraints {
			for _, name := range c.FreeVars() {
				if !vars.Has(name) && !declared.Has(name) {
					return errors.Errorf("constraint %q of space %q references undeclared name %q",
						c.String(), part.Space.Tag, name)
				}
			}
		}
	}

	active := make([]string, len(d.Parts))
	for i, part := range d.Parts {
		active[i] = part.Space.Tag
	}
	return p.validateNode(p.Tree.Child, active)
}

func (p *Program) validateNode(n TreeNode, active []string) error {
	activeSet := sets.MakeWith(active...)
	switch n := n.(type) {
	case nil:
		return nil

	case *Band:
		if len(n.Coincident) != len(n.Schedule) {
			return errors.Errorf("band has %d schedule dimensions but %d coincident flags",
				len(n.Schedule), len(n.Coincident))
		}
		for _, m := range n.Schedule {
			mapped := sets.Make[string](len(m.Parts))
			for _, part := range m.Parts {
				tag := part.Space.Tag
				if !activeSet.Has(tag) {
					return errors.Errorf("band schedule maps space %q, which is not active here", tag)
				}
				mapped.Insert(tag)
				domPart := p.Tree.Domain.Part(tag)
				if !part.Space.Equal(domPart.Space) {
					return errors.Errorf("band schedule space %q does not match domain space %q",
						part.Space.String(), domPart.Space.String())
				}
				vars := sets.MakeWith(part.Space.Vars...)
				for _, name := range part.Expr.FreeVars() {
					if !vars.Has(name) {
						return errors.Errorf("schedule expression %q of space %q references unknown variable %q",
							part.Expr.String(), tag, name)
					}
				}
			}
			for _, tag := range active {
				if !mapped.Has(tag) {
					return errors.Errorf("band schedule has no map for active space %q", tag)
				}
			}
		}
		return p.validateNode(n.Child, active)

	case *SequenceNode:
		if len(n.Children) == 0 {
			return errors.New("sequence node has no children")
		}
		covered := sets.Make[string]()
		for _, f := range n.Children {
			for _, sp := range f.Spaces {
				if covered.Has(sp.Tag) {
					return errors.Errorf("space %q is filtered into more than one sequence branch", sp.Tag)
				}
				covered.Insert(sp.Tag)
			}
		}
		for _, tag := range active {
			if !covered.Has(tag) {
				return errors.Errorf("sequence branches do not cover active space %q", tag)
			}
		}
		for _, f := range n.Children {
			if err := p.validateNode(f, active); err != nil {
				return err
			}
		}
		return nil

	case *Filter:
		var kept []string
		for _, sp := range n.Spaces {
			if !activeSet.Has(sp.Tag) {
				return errors.Errorf("filter names space %q, which is not active here", sp.Tag)
			}
			domPart := p.Tree.Domain.Part(sp.Tag)
			if !sp.Equal(domPart.Space) {
				return errors.Errorf("filter space %q does not match domain space %q",
					sp.String(), domPart.Space.String())
			}
			kept = append(kept, sp.Tag)
		}
		return p.validateNode(n.Child, kept)
	}
	return errors.Errorf("unknown schedule tree node %T", n)
}
