package poly

import (
	"fmt"
	"strings"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

const walkTreeYAML = `
domain: "[] -> { stmt_init[n, o]: 0 <= n < 2 and 0 <= o < 2; stmt_calc[n, o, i]: 0 <= n < 2 and 0 <= o < 2 and 0 <= i < 3 }"
child:
  schedule: "[{stmt_init[n, o]->[(n)]; stmt_calc[n, o, i]->[(n)]}, {stmt_init[n, o]->[(o)]; stmt_calc[n, o, i]->[(o)]}]"
  permutable: 1
  coincident: [1, 1]
  child:
    sequence:
      - filter: "{stmt_init[n, o]}"
      - filter: "{stmt_calc[n, o, i]}"
        child:
          schedule: "[{stmt_calc[n, o, i]->[(i)]}]"
`

func TestTreeWalkOrder(t *testing.T) {
	tree := must.M1(ParseTree(walkTreeYAML))
	var got []string
	require.NoError(t, tree.Walk(func(tag string, point map[string]int) error {
		switch tag {
		case "stmt_init":
			got = append(got, fmt.Sprintf("init(%d,%d)", point["n"], point["o"]))
		case "stmt_calc":
			got = append(got, fmt.Sprintf("calc(%d,%d,%d)", point["n"], point["o"], point["i"]))
		}
		return nil
	}))
	require.Equal(t, []string{
		"init(0,0)", "calc(0,0,0)", "calc(0,0,1)", "calc(0,0,2)",
		"init(0,1)", "calc(0,1,0)", "calc(0,1,1)", "calc(0,1,2)",
		"init(1,0)", "calc(1,0,0)", "calc(1,0,1)", "calc(1,0,2)",
		"init(1,1)", "calc(1,1,0)", "calc(1,1,1)", "calc(1,1,2)",
	}, got)
}

func TestTreeWalkUnevenBand(t *testing.T) {
	// One band dimension over spaces with different extents: the band range
	// is the union, and each space only fires inside its own bounds.
	tree := must.M1(ParseTree(`
domain: "[] -> { a[i]: 0 <= i < 2; b[i]: 0 <= i < 4 }"
child:
  schedule: "[{a[i]->[(i)]; b[i]->[(i)]}]"
`))
	var got []string
	require.NoError(t, tree.Walk(func(tag string, point map[string]int) error {
		got = append(got, fmt.Sprintf("%s%d", tag, point["i"]))
		return nil
	}))
	require.Equal(t, []string{"a0", "b0", "a1", "b1", "b2", "b3"}, got)
}

func TestTreeWalkFreeParams(t *testing.T) {
	tree := must.M1(ParseTree(paramTreeYAML))
	err := tree.Walk(func(string, map[string]int) error { return nil })
	require.Error(t, err, "n_size and off are still free")

	require.NoError(t, tree.ApplyParams(map[string]int{"n_size": 2, "off": 0}))
	count := 0
	require.NoError(t, tree.Walk(func(string, map[string]int) error {
		count++
		return nil
	}))
	require.Equal(t, 2, count)
}

// biasedLinearProgram builds out[n, o] = bias[o] + sum_i weight[o, i]*x[n, i]
// with the initialization and accumulation split into two statements. The
// init statement must run before any accumulation of the same (n, o) cell
// or the bias would clobber the sum, so executing it doubles as a schedule
// order check.
func biasedLinearProgram(batch, inC, outC int) *Program {
	table := NewTensorTable()
	table.Add("x", batch, inC)
	table.Add("weight", outC, inC)
	table.Add("bias", outC)
	table.Add("out", batch, outC)

	init := NewStatement("stmt_init", []string{"n", "o"},
		func(ev *Eval, ix []Affine) {
			ev.Write("out", ev.Read("bias", ix[1]), ix...)
		})
	calc := NewStatement("stmt_calc", []string{"n", "o", "i"},
		func(ev *Eval, ix []Affine) {
			n, o, i := ix[0], ix[1], ix[2]
			prod := ev.Mul(ev.Read("weight", o, i), ev.Read("x", n, i))
			ev.Write("out", ev.Add(ev.Read("out", n, o), prod), n, o)
		})

	tree := must.M1(ParseTree(fmt.Sprintf(`
domain: "[] -> { stmt_init[n, o]: 0 <= n < %[1]d and 0 <= o < %[3]d; stmt_calc[n, o, i]: 0 <= n < %[1]d and 0 <= o < %[3]d and 0 <= i < %[2]d }"
child:
  schedule: "[{stmt_init[n, o]->[(n)]; stmt_calc[n, o, i]->[(n)]}, {stmt_init[n, o]->[(o)]; stmt_calc[n, o, i]->[(o)]}]"
  permutable: 1
  coincident: [1, 1]
  child:
    schedule: "[{stmt_init[n, o]->[(0)]; stmt_calc[n, o, i]->[(i)]}]"
`, batch, inC, outC)))

	return &Program{Tensors: table, Statements: []*Statement{init, calc}, Tree: tree}
}

func toF64(xs []float32) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = float64(x)
	}
	return out
}

func TestProgramExecute(t *testing.T) {
	const batch, inC, outC = 3, 4, 2
	p := biasedLinearProgram(batch, inC, outC)
	require.NoError(t, p.Validate())

	x := NewBuffer(batch, inC)
	weight := NewBuffer(outC, inC)
	bias := NewBuffer(outC)
	out := NewBuffer(batch, outC)
	for i := range x.Data {
		x.Data[i] = float32(i%5) - 2
	}
	for i := range weight.Data {
		weight.Data[i] = float32(i%3) + 1
	}
	bias.Data[0], bias.Data[1] = 10, -10

	log, err := p.Execute(map[string]*Buffer{"x": x, "weight": weight, "bias": bias, "out": out})
	require.NoError(t, err)
	require.NotNil(t, log)

	var oracle mat.Dense
	oracle.Mul(
		mat.NewDense(batch, inC, toF64(x.Data)),
		mat.NewDense(outC, inC, toF64(weight.Data)).T())
	for n := 0; n < batch; n++ {
		for o := 0; o < outC; o++ {
			want := oracle.At(n, o) + float64(bias.At(o))
			require.InDelta(t, want, out.At(n, o), 1e-4, "out[%d, %d]", n, o)
		}
	}
}

func TestProgramExecuteErrors(t *testing.T) {
	p := biasedLinearProgram(2, 2, 2)

	_, err := p.Execute(map[string]*Buffer{"x": NewBuffer(2, 2)})
	require.Error(t, err, "most buffers missing")

	// A tree tag without a statement fails the walk.
	broken := &Program{Tensors: p.Tensors, Statements: p.Statements[:1], Tree: p.Tree}
	err = broken.Walk(func(*Statement, map[string]int) error { return nil })
	require.Error(t, err)
	require.Contains(t, err.Error(), "stmt_calc")
}

func TestStatementOrder(t *testing.T) {
	p := biasedLinearProgram(2, 3, 2)
	stmts := must.M1(p.StatementOrder())
	require.Len(t, stmts, 2)
	require.Equal(t, "stmt_init", stmts[0].Name)
	require.Equal(t, "stmt_calc", stmts[1].Name)
}

func TestProgramEmitIR(t *testing.T) {
	p := biasedLinearProgram(2, 3, 2)
	rb := &recordingBuilder{}
	require.NoError(t, p.EmitIR(rb))

	// Each statement body is emitted exactly once, symbolically.
	stores := 0
	for _, call := range rb.calls {
		if strings.HasPrefix(call, "store out") {
			stores++
		}
	}
	require.Equal(t, 2, stores)
}

func TestProgramAccesses(t *testing.T) {
	p := biasedLinearProgram(2, 3, 2)
	log := must.M1(p.Accesses())

	// init: read bias, write out. calc: read weight, x, out, write out.
	require.Equal(t, 6, log.Len())
	require.Len(t, log.Writes("out"), 2)
	require.Len(t, log.Reads("x"), 1)
	require.Len(t, log.Reads("bias"), 1)
}
