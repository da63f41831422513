package goexpr

import (
	"maps"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/polyop/internal/workerspool"
	"github.com/gomlx/polyop/poly"
)

// instance is one recorded statement instance awaiting interpretation.
type instance struct {
	stmt  *poly.Statement
	point map[string]int
}

// instanceGroups partitions the program's statement instances by the
// value of the outermost band dimension, preserving schedule order inside
// each group. When that dimension is coincident, instances in different
// groups carry no dependences on each other, so the groups can run
// concurrently.
//
// ok reports whether the partition applies: the tree's root must be a
// band whose first dimension is flagged coincident and maps every
// statement space.
func instanceGroups(p *poly.Program) (groups [][]instance, ok bool, err error) {
	band, _ := p.Tree.Child.(*poly.Band)
	if band == nil || len(band.Schedule) == 0 ||
		len(band.Coincident) == 0 || !band.Coincident[0] {
		return nil, false, nil
	}
	outer := band.Schedule[0]
	for _, s := range p.Statements {
		if outer.Part(s.Name) == nil {
			return nil, false, nil
		}
	}

	// The band iterates its first dimension ascending, so instances
	// arrive grouped by its value already.
	last := 0
	err = p.Walk(func(s *poly.Statement, point map[string]int) error {
		key, err := outer.Part(s.Name).Expr.Eval(poly.MapBinding(point))
		if err != nil {
			return errors.WithMessagef(err, "outer schedule of statement %q", s.Name)
		}
		if len(groups) == 0 || key != last {
			groups = append(groups, nil)
			last = key
		}
		g := len(groups) - 1
		groups[g] = append(groups[g], instance{stmt: s, point: maps.Clone(point)})
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return groups, true, nil
}

// runGroups interprets the groups concurrently, each group sequentially on
// one worker. Groups write disjoint cells, so the result is identical to
// the sequential walk.
func (e *Executable) runGroups(groups [][]instance, buffers map[string]*poly.Buffer) error {
	pool := workerspool.New(0)
	var mu sync.Mutex
	var firstErr error
	for _, group := range groups {
		pool.Go(func() {
			for _, in := range group {
				if err := e.runInstance(in.stmt, in.point, buffers); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					return
				}
			}
		})
	}
	pool.Wait()
	klog.V(2).Infof("goexpr ran %d instance groups on up to %d workers", len(groups), pool.MaxParallelism())
	return firstErr
}
