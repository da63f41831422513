package poly

import (
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

func noopStatement(name string, vars ...string) *Statement {
	return NewStatement(name, vars, func(*Eval, []Affine) {})
}

// twoSpaceProgram builds a minimal valid program over spaces a[i] and b[i].
func twoSpaceProgram(treeYAML string) *Program {
	table := NewTensorTable()
	table.Add("buf", 4)
	return &Program{
		Tensors:    table,
		Statements: []*Statement{noopStatement("a", "i"), noopStatement("b", "i")},
		Tree:       must.M1(ParseTree(treeYAML)),
	}
}

const validTwoSpaceYAML = `
domain: "[] -> { a[i]: 0 <= i < 2; b[i]: 0 <= i < 4 }"
child:
  schedule: "[{a[i]->[(i)]; b[i]->[(i)]}]"
  child:
    sequence:
      - filter: "{a[i]}"
      - filter: "{b[i]}"
`

func TestValidate(t *testing.T) {
	require.NoError(t, twoSpaceProgram(validTwoSpaceYAML).Validate())
}

func TestValidateStatementSpaceMismatches(t *testing.T) {
	t.Run("statement without space", func(t *testing.T) {
		p := twoSpaceProgram(validTwoSpaceYAML)
		p.Statements = append(p.Statements, noopStatement("c", "i"))
		err := p.Validate()
		require.ErrorContains(t, err, `statement "c"`)
	})

	t.Run("space without statement", func(t *testing.T) {
		p := twoSpaceProgram(validTwoSpaceYAML)
		p.Statements = p.Statements[:1]
		err := p.Validate()
		require.ErrorContains(t, err, `space "b"`)
	})

	t.Run("vars mismatch", func(t *testing.T) {
		p := twoSpaceProgram(validTwoSpaceYAML)
		p.Statements[1] = noopStatement("b", "i", "j")
		err := p.Validate()
		require.ErrorContains(t, err, "vars")
	})

	t.Run("duplicate statement", func(t *testing.T) {
		p := twoSpaceProgram(validTwoSpaceYAML)
		p.Statements = []*Statement{p.Statements[0], p.Statements[0], p.Statements[1]}
		err := p.Validate()
		require.ErrorContains(t, err, "duplicate")
	})

	t.Run("undeclared constraint name", func(t *testing.T) {
		p := twoSpaceProgram(`
domain: "[] -> { a[i]: 0 <= i < batch; b[i]: 0 <= i < 4 }"
child:
  schedule: "[{a[i]->[(i)]; b[i]->[(i)]}]"
`)
		err := p.Validate()
		require.ErrorContains(t, err, `"batch"`)
	})
}

func TestValidateTreeMismatches(t *testing.T) {
	t.Run("band missing active space", func(t *testing.T) {
		p := twoSpaceProgram(`
domain: "[] -> { a[i]: 0 <= i < 2; b[i]: 0 <= i < 4 }"
child:
  schedule: "[{a[i]->[(i)]}]"
`)
		err := p.Validate()
		require.ErrorContains(t, err, `no map for active space "b"`)
	})

	t.Run("band maps filtered-out space", func(t *testing.T) {
		p := twoSpaceProgram(`
domain: "[] -> { a[i]: 0 <= i < 2; b[i]: 0 <= i < 4 }"
child:
  sequence:
    - filter: "{a[i]}"
      child:
        schedule: "[{b[i]->[(i)]}]"
    - filter: "{b[i]}"
`)
		err := p.Validate()
		require.ErrorContains(t, err, "not active")
	})

	t.Run("sequence does not cover", func(t *testing.T) {
		p := twoSpaceProgram(`
domain: "[] -> { a[i]: 0 <= i < 2; b[i]: 0 <= i < 4 }"
child:
  sequence:
    - filter: "{a[i]}"
`)
		err := p.Validate()
		require.ErrorContains(t, err, `cover active space "b"`)
	})

	t.Run("overlapping filters", func(t *testing.T) {
		p := twoSpaceProgram(`
domain: "[] -> { a[i]: 0 <= i < 2; b[i]: 0 <= i < 4 }"
child:
  sequence:
    - filter: "{a[i]}"
    - filter: "{a[i]; b[i]}"
`)
		err := p.Validate()
		require.ErrorContains(t, err, "more than one sequence branch")
	})

	t.Run("schedule expression unknown variable", func(t *testing.T) {
		p := twoSpaceProgram(`
domain: "[] -> { a[i]: 0 <= i < 2; b[i]: 0 <= i < 4 }"
child:
  schedule: "[{a[i]->[(i + j)]; b[i]->[(i)]}]"
`)
		err := p.Validate()
		require.ErrorContains(t, err, `unknown variable "j"`)
	})
}

func TestProgramStatementLookup(t *testing.T) {
	p := twoSpaceProgram(validTwoSpaceYAML)
	require.NotNil(t, p.Statement("a"))
	require.Equal(t, "b", p.Statement("b").Name)
	require.Nil(t, p.Statement("zzz"))
}

func TestProgramEqual(t *testing.T) {
	a := twoSpaceProgram(validTwoSpaceYAML)
	b := twoSpaceProgram(validTwoSpaceYAML)
	require.True(t, a.Equal(b), "same factory, same arguments")

	b.Statements[0] = noopStatement("renamed", "i")
	require.False(t, a.Equal(b))

	var nilProgram *Program
	require.False(t, a.Equal(nilProgram))
	require.True(t, nilProgram.Equal(nil))
}
