package poly

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// InconsistentParamError reports a parameter binding that conflicts with
// the domain's declaration or with an earlier binding.
type InconsistentParamError struct {
	Param  string
	Detail string
}

func (e *InconsistentParamError) Error() string {
	return fmt.Sprintf("inconsistent domain parameter %q: %s", e.Param, e.Detail)
}

// ApplyParams binds domain parameters to integer values, substituting them
// structurally through the domain constraints and every band schedule
// expression. Every supplied name must be a declared parameter, and
// rebinding a bound parameter to a different value fails; rebinding to the
// same value is a no-op, so applying the same map twice is idempotent, and
// applying disjoint subsets in any order yields equal trees.
func (t *ScheduleTree) ApplyParams(params map[string]int) error {
	if len(params) == 0 {
		return nil
	}
	apply := make(map[string]int, len(params))
	names := maps.Keys(params)
	slices.Sort(names)
	for _, name := range names {
		v := params[name]
		if !slices.Contains(t.Domain.Params, name) {
			return errors.WithStack(&InconsistentParamError{Param: name, Detail: "not a declared parameter"})
		}
		if old, ok := t.Domain.bound[name]; ok {
			if old != v {
				return errors.WithStack(&InconsistentParamError{
					Param:  name,
					Detail: fmt.Sprintf("already bound to %d, rebound to %d", old, v),
				})
			}
			continue
		}
		apply[name] = v
	}
	if len(apply) == 0 {
		return nil
	}
	t.Domain.applyParams(apply)
	substNode(t.Child, apply)
	return nil
}

func (d *Domain) applyParams(apply map[string]int) {
	for _, part := range d.Parts {
		for i, c := range part.Constraints {
			part.Constraints[i] = c.Subst(apply)
		}
	}
	for name, v := range apply {
		d.bound[name] = v
	}
}

func substNode(n TreeNode, apply map[string]int) {
	switch n := n.(type) {
	case *Band:
		for _, m := range n.Schedule {
			for i := range m.Parts {
				m.Parts[i].Expr = m.Parts[i].Expr.Subst(apply)
			}
		}
		substNode(n.Child, apply)
	case *SequenceNode:
		for _, f := range n.Children {
			substNode(f, apply)
		}
	case *Filter:
		substNode(n.Child, apply)
	}
}
