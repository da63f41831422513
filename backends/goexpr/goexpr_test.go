package goexpr

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/polyop/backends"
	"github.com/gomlx/polyop/op"
	"github.com/gomlx/polyop/poly"
)

func TestBackendBasics(t *testing.T) {
	b := must.M1(New(""))
	require.Equal(t, BackendName, b.Name())
	require.NotEmpty(t, b.Description())
	require.Equal(t, "emit", b.Builder("emit").Name())

	calc, err := b.Primitive("dense")
	require.NoError(t, err)
	require.NotNil(t, calc)
	_, err = b.Primitive("warp_drive")
	require.Error(t, err)
}

func TestPlaceholder(t *testing.T) {
	b := must.M1(New(""))
	v := must.M1(b.Placeholder(poly.NewTensor("w", dtypes.Float32, poly.Const(2), poly.Const(3))))
	buf := v.(*poly.Buffer)
	require.Equal(t, []int{2, 3}, buf.Dims)
	require.Equal(t, make([]float32, 6), buf.Data)

	_, err := b.Placeholder(poly.NewTensor("w", dtypes.Float32, poly.Var("n")))
	require.Error(t, err, "symbolic dims cannot materialize")
}

func TestSchedulers(t *testing.T) {
	b := must.M1(New(""))
	for _, name := range []string{"schedule_dense", "schedule_pool", "schedule_adaptive_pool", "schedule_injective"} {
		sched, err := b.Scheduler(name)
		require.NoError(t, err, name)
		ex := must.M1(sched("a", "b"))
		require.Equal(t, []backends.Value{"a", "b"}, ex.(*Scheduled).Outputs)
	}
	_, err := b.Scheduler("schedule_warp")
	require.Error(t, err)
}

func TestBuilderRejectsForeignOps(t *testing.T) {
	b := newBuilder("test")
	require.Panics(t, func() { b.Add("a", "b") })
}

// runBoth executes the program through the reference interpreter and
// through Lower+Run over identically filled buffers, returning both out
// buffers.
func runBoth(t *testing.T, p *poly.Program, fill func(name string, buf *poly.Buffer)) (ref, got *poly.Buffer) {
	t.Helper()
	newBuffers := func() map[string]*poly.Buffer {
		buffers := make(map[string]*poly.Buffer, p.Tensors.Len())
		for _, tensor := range p.Tensors.List() {
			buf := must.M1(poly.NewBufferFor(tensor))
			if tensor.Name != "out" {
				fill(tensor.Name, buf)
			}
			buffers[tensor.Name] = buf
		}
		return buffers
	}

	refBuffers := newBuffers()
	_, err := p.Execute(refBuffers)
	require.NoError(t, err)

	b := must.M1(New(""))
	exec := must.M1(b.Lower(p)).(*Executable)
	require.Same(t, p, exec.Program())
	runBuffers := newBuffers()
	require.NoError(t, exec.Run(runBuffers))
	return refBuffers["out"], runBuffers["out"]
}

func TestLowerRunMatchesExecute(t *testing.T) {
	cases := map[string]*poly.Program{
		"biased_linear": op.NewPlainBiasedLinear(op.LinearConfig{
			Batch: 2, InChannel: 3, OutChannel: 2,
		}).Program(),
		"max_pool": op.NewPlainPool(op.PlainPoolConfig{
			Channel:  2,
			InHeight: 5, InWidth: 4,
			KernelHeight: 2, KernelWidth: 2,
			StrideHeight: 2, StrideWidth: 1,
			Type: op.PoolTypeMax,
		}).Program(),
		"avg_pool": op.NewPlainPool(op.PlainPoolConfig{
			Channel:  1,
			InHeight: 4, InWidth: 4,
			KernelHeight: 3, KernelWidth: 2,
			Type: op.PoolTypeAvg,
		}).Program(),
		"padding": op.NewPadding(op.PaddingConfig{
			Channel:  1,
			InHeight: 3, InWidth: 2,
			PadTop: 1, PadBottom: 2, PadLeft: 1, PadRight: 1,
		}).Program(),
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			ref, got := runBoth(t, p, func(_ string, buf *poly.Buffer) {
				for i := range buf.Data {
					buf.Data[i] = float32(i%9) - 4
				}
			})
			require.Equal(t, ref.Data, got.Data)
		})
	}
}

func TestInstanceGroups(t *testing.T) {
	p := op.NewPlainBiasedLinear(op.LinearConfig{
		Batch: 3, InChannel: 4, OutChannel: 2,
	}).Program()
	groups, ok, err := instanceGroups(p)
	require.NoError(t, err)
	require.True(t, ok, "outer band dimension is coincident")
	require.Len(t, groups, 3, "one group per batch row")
	for n, group := range groups {
		// Per batch row: out_channel inits plus out_channel*in_channel
		// accumulations.
		require.Len(t, group, 2+2*4)
		for _, in := range group {
			require.Equal(t, n, in.point["n"])
		}
	}
}

func TestInstanceGroupsNotApplicable(t *testing.T) {
	tree := must.M1(poly.ParseTree(`
domain: "[n_size] -> { stmt_scale[i]: 0 <= i < n_size }"
child:
  schedule: "[{stmt_scale[i]->[(i)]}]"
  coincident: [0]
`))
	require.NoError(t, tree.ApplyParams(map[string]int{"n_size": 4}))
	table := poly.NewTensorTable()
	table.Add("x", 4)
	table.Add("out", 4)
	scale := poly.NewStatement("stmt_scale", []string{"i"},
		func(ev *poly.Eval, ix []poly.Affine) {
			ev.Write("out", ev.Mul(ev.Float(2), ev.Read("x", ix...)), ix...)
		})
	p := &poly.Program{Tensors: table, Statements: []*poly.Statement{scale}, Tree: tree}
	require.NoError(t, p.Validate())

	_, ok, err := instanceGroups(p)
	require.NoError(t, err)
	require.False(t, ok, "non-coincident outer dimension cannot be partitioned")

	// The lowered executable still runs, on the sequential path.
	b := must.M1(New(""))
	exec := must.M1(b.Lower(p)).(*Executable)
	x, out := poly.NewBuffer(4), poly.NewBuffer(4)
	copy(x.Data, []float32{1, 2, 3, 4})
	require.NoError(t, exec.Run(map[string]*poly.Buffer{"x": x, "out": out}))
	require.Equal(t, []float32{2, 4, 6, 8}, out.Data)
}

func TestSequentialConfigMatchesParallel(t *testing.T) {
	p := op.NewPlainBiasedLinear(op.LinearConfig{
		Batch: 4, InChannel: 5, OutChannel: 3,
	}).Program()
	fill := func(buffers map[string]*poly.Buffer) {
		for name, buf := range buffers {
			if name == "out" {
				continue
			}
			for i := range buf.Data {
				buf.Data[i] = float32(i%7) - 3
			}
		}
	}
	newBuffers := func() map[string]*poly.Buffer {
		buffers := make(map[string]*poly.Buffer, p.Tensors.Len())
		for _, tensor := range p.Tensors.List() {
			buffers[tensor.Name] = must.M1(poly.NewBufferFor(tensor))
		}
		fill(buffers)
		return buffers
	}

	parallel := must.M1(must.M1(New("")).Lower(p)).(*Executable)
	require.True(t, parallel.parallel)
	sequential := must.M1(must.M1(New("sequential")).Lower(p)).(*Executable)
	require.False(t, sequential.parallel)

	parBuffers, seqBuffers := newBuffers(), newBuffers()
	require.NoError(t, parallel.Run(parBuffers))
	require.NoError(t, sequential.Run(seqBuffers))
	require.Equal(t, seqBuffers["out"].Data, parBuffers["out"].Data)
}

func TestLowerRejectsBrokenPrograms(t *testing.T) {
	b := must.M1(New(""))
	_, err := b.Lower(&poly.Program{})
	require.Error(t, err)
}

func TestRunBufferChecks(t *testing.T) {
	p := op.NewPadding(op.PaddingConfig{Channel: 1, InHeight: 2, InWidth: 2, PadTop: 1}).Program()
	b := must.M1(New(""))
	exec := must.M1(b.Lower(p)).(*Executable)

	err := exec.Run(map[string]*poly.Buffer{"x": poly.NewBuffer(1, 1, 2, 2)})
	require.Error(t, err, "out buffer missing")

	err = exec.Run(map[string]*poly.Buffer{
		"x":   poly.NewBuffer(1, 1, 2, 2),
		"out": poly.NewBuffer(1, 1, 2, 2),
	})
	require.Error(t, err, "out buffer dims must match the padded extent")
}

func TestDensePrimitive(t *testing.T) {
	x := poly.NewBuffer(1, 2)
	copy(x.Data, []float32{1, 2})
	weight := poly.NewBuffer(1, 2)
	copy(weight.Data, []float32{3, 4})
	bias := poly.NewBuffer(1)
	bias.Data[0] = 5

	outs, err := dense(x, weight, bias)
	require.NoError(t, err)
	require.Equal(t, []float32{16}, outs[0].(*poly.Buffer).Data)

	outs, err = dense(x, weight, nil)
	require.NoError(t, err)
	require.Equal(t, []float32{11}, outs[0].(*poly.Buffer).Data)

	_, err = dense(x, "weight", nil)
	require.Error(t, err)

	_, err = dense(x, poly.NewBuffer(1, 3), nil)
	require.Error(t, err, "contraction dims must agree")
}

func TestPool2dPrimitive(t *testing.T) {
	x := poly.NewBuffer(1, 1, 4, 4)
	for i := range x.Data {
		x.Data[i] = float32(i)
	}

	outs, err := pool2d(x, 2, 2, 2, 2, "max")
	require.NoError(t, err)
	require.Equal(t, []int{1, 1, 2, 2}, outs[0].(*poly.Buffer).Dims)
	require.Equal(t, []float32{5, 7, 13, 15}, outs[0].(*poly.Buffer).Data)

	outs, err = pool2d(x, 2, 2, 2, 2, "avg")
	require.NoError(t, err)
	require.Equal(t, []float32{2.5, 4.5, 10.5, 12.5}, outs[0].(*poly.Buffer).Data)

	_, err = pool2d(x, 2, 2, 2, 2, "median")
	require.Error(t, err)
	_, err = pool2d(x, 0, 2, 2, 2, "max")
	require.Error(t, err)
	_, err = pool2d(x, 5, 5, 1, 1, "max")
	require.Error(t, err, "kernel larger than input")
}

func TestAdaptivePool2dPrimitive(t *testing.T) {
	x := poly.NewBuffer(1, 1, 7, 5)
	for i := range x.Data {
		x.Data[i] = float32(i%13) - 6
	}

	// stride = in/out, kernel = in-(out-1)*stride: 7->3 gives (3, 2),
	// 5->2 gives (3, 2).
	adaptive, err := adaptivePool2d(x, 3, 2, "avg")
	require.NoError(t, err)
	plain, err := pool2d(x, 3, 3, 2, 2, "avg")
	require.NoError(t, err)
	require.Equal(t, plain[0].(*poly.Buffer).Data, adaptive[0].(*poly.Buffer).Data)

	_, err = adaptivePool2d(x, 8, 2, "avg")
	require.Error(t, err, "output larger than input")
	_, err = adaptivePool2d(x, 0, 2, "avg")
	require.Error(t, err)
}

func TestPad2dPrimitive(t *testing.T) {
	x := poly.NewBuffer(1, 1, 2, 2)
	copy(x.Data, []float32{1, 2, 3, 4})

	outs, err := pad2d(x, 1, 0, 2, 1)
	require.NoError(t, err)
	buf := outs[0].(*poly.Buffer)
	require.Equal(t, []int{1, 1, 3, 5}, buf.Dims)
	require.Equal(t, []float32{
		0, 0, 0, 0, 0,
		0, 0, 1, 2, 0,
		0, 0, 3, 4, 0,
	}, buf.Data)

	_, err = pad2d(x, -1, 0, 0, 0)
	require.Error(t, err)
	_, err = pad2d(x, 1)
	require.Error(t, err, "missing pad arguments")
}
