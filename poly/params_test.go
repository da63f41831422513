package poly

import (
	"testing"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const paramTreeYAML = `
domain: "[n_size, off] -> { s[i]: 0 <= i < n_size }"
child:
  schedule: "[{s[i]->[(i + off)]}]"
`

func TestApplyParams(t *testing.T) {
	tree := must.M1(ParseTree(paramTreeYAML))
	require.Equal(t, []string{"n_size", "off"}, tree.Domain.FreeParams())

	require.NoError(t, tree.ApplyParams(map[string]int{"n_size": 3}))
	require.Equal(t, []string{"off"}, tree.Domain.FreeParams())
	v, bound := tree.Domain.Binding("n_size")
	require.True(t, bound)
	require.Equal(t, 3, v)

	// The domain constraint i < n_size is now structural: i < 3.
	cons := tree.Domain.Part("s").Constraints
	require.True(t, cons[1].Rhs.Equal(Const(3)))

	// Binding flows into band schedule expressions too.
	require.NoError(t, tree.ApplyParams(map[string]int{"off": 10}))
	expr := tree.Child.(*Band).Schedule[0].Part("s").Expr
	require.True(t, expr.Equal(Var("i").Add(Const(10))))
}

func TestApplyParamsIdempotent(t *testing.T) {
	tree := must.M1(ParseTree(paramTreeYAML))
	require.NoError(t, tree.ApplyParams(map[string]int{"n_size": 3}))
	require.NoError(t, tree.ApplyParams(map[string]int{"n_size": 3}))

	snapshot := tree.Clone()
	require.NoError(t, tree.ApplyParams(map[string]int{"n_size": 3, "off": 1}))
	require.NoError(t, tree.ApplyParams(map[string]int{"off": 1}))
	require.False(t, tree.Equal(snapshot), "off binding must have applied")
}

func TestApplyParamsOrderIndependent(t *testing.T) {
	a := must.M1(ParseTree(paramTreeYAML))
	b := must.M1(ParseTree(paramTreeYAML))

	require.NoError(t, a.ApplyParams(map[string]int{"n_size": 3}))
	require.NoError(t, a.ApplyParams(map[string]int{"off": 10}))

	require.NoError(t, b.ApplyParams(map[string]int{"off": 10}))
	require.NoError(t, b.ApplyParams(map[string]int{"n_size": 3}))

	require.True(t, a.Equal(b))
}

func TestApplyParamsErrors(t *testing.T) {
	t.Run("undeclared", func(t *testing.T) {
		tree := must.M1(ParseTree(paramTreeYAML))
		err := tree.ApplyParams(map[string]int{"bogus": 1})
		var ipe *InconsistentParamError
		require.ErrorAs(t, err, &ipe)
		require.Equal(t, "bogus", ipe.Param)
	})

	t.Run("conflicting rebind", func(t *testing.T) {
		tree := must.M1(ParseTree(paramTreeYAML))
		require.NoError(t, tree.ApplyParams(map[string]int{"n_size": 3}))
		err := tree.ApplyParams(map[string]int{"n_size": 4})
		var ipe *InconsistentParamError
		require.True(t, errors.As(err, &ipe), "got %v", err)
		require.Equal(t, "n_size", ipe.Param)
	})
}
