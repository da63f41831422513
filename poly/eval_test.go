package poly

import (
	"fmt"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

// scaleTable is a one-input one-output table for the statement tests.
func scaleTable() *TensorTable {
	table := NewTensorTable()
	table.Add("x", 3)
	table.Add("out", 3)
	return table
}

// scaleStatement doubles x into out.
func scaleStatement() *Statement {
	return NewStatement("stmt_scale", []string{"i"},
		func(ev *Eval, ix []Affine) {
			ev.Write("out", ev.Mul(ev.Read("x", ix[0]), ev.Float(2)), ix[0])
		})
}

func TestEvalZeroValueRejectsEverything(t *testing.T) {
	var ev Eval
	require.Equal(t, ModeInvalid, ev.Mode())

	for name, fn := range map[string]func(){
		"Read":  func() { ev.Read("x", Const(0)) },
		"Write": func() { ev.Write("x", float32(0), Const(0)) },
		"Add":   func() { ev.Add(nil, nil) },
		"Mul":   func() { ev.Mul(nil, nil) },
		"Float": func() { ev.Float(1) },
		"IR":    func() { ev.IR() },
		"Num":   func() { ev.Num(float32(1)) },
	} {
		err := exceptions.TryCatch[error](fn)
		var mme *ModeMismatchError
		require.ErrorAs(t, err, &mme, "operation %s", name)
		require.Equal(t, ModeInvalid, mme.Mode)
	}
}

func TestReferenceEval(t *testing.T) {
	table := scaleTable()
	x := NewBuffer(3)
	out := NewBuffer(3)
	for i := 0; i < 3; i++ {
		x.Set(float32(i+1), i)
	}
	buffers := map[string]*Buffer{"x": x, "out": out}

	ev := must.M1(NewReferenceEval(table, buffers))
	require.Equal(t, ModeReference, ev.Mode())

	s := scaleStatement()
	for i := 0; i < 3; i++ {
		s.run(ev, map[string]int{"i": i})
	}
	require.Equal(t, []float32{2, 4, 6}, out.Data)

	// Each instance logged one read of x and one write of out.
	log := ev.Log()
	require.Len(t, log.Reads("x"), 3)
	require.Len(t, log.Writes("out"), 3)
	require.Empty(t, log.Writes("x"))
	got := must.M1(log.Writes("out")[2].At(nil))
	require.Equal(t, []int{2}, got)
}

func TestReferenceEvalBufferChecks(t *testing.T) {
	table := scaleTable()
	_, err := NewReferenceEval(table, map[string]*Buffer{"x": NewBuffer(3)})
	require.Error(t, err, "out buffer missing")

	_, err = NewReferenceEval(table, map[string]*Buffer{"x": NewBuffer(3), "out": NewBuffer(4)})
	require.Error(t, err, "out buffer has wrong dims")
}

func TestAccessEval(t *testing.T) {
	ev := NewAccessEval(scaleTable())
	require.Equal(t, ModeAccess, ev.Mode())

	scaleStatement().Emit(ev)

	log := ev.Log()
	require.Equal(t, 2, log.Len())
	reads := log.Reads("x")
	require.Len(t, reads, 1)
	require.Equal(t, "stmt_scale read x[i]", reads[0].String())

	// Symbolic indices resolve per instance point.
	at := must.M1(reads[0].At(map[string]int{"i": 2}))
	require.Equal(t, []int{2}, at)

	// Value operations circulate inert tokens without failing.
	require.NotPanics(t, func() { ev.Add(ev.Float(1), ev.Float(2)) })
}

func TestAccessEvalUnknownTensor(t *testing.T) {
	ev := NewAccessEval(scaleTable())
	s := NewStatement("stmt_bad", []string{"i"},
		func(ev *Eval, ix []Affine) {
			ev.Read("nope", ix[0])
		})
	err := exceptions.TryCatch[error](func() { s.Emit(ev) })
	require.Error(t, err)
	require.Contains(t, err.Error(), `unknown tensor "nope"`)
}

func TestNumRejectsForeignValues(t *testing.T) {
	ev := must.M1(NewReferenceEval(scaleTable(), map[string]*Buffer{
		"x":   NewBuffer(3),
		"out": NewBuffer(3),
	}))
	require.Equal(t, float32(3), ev.Num(float32(3)))
	err := exceptions.TryCatch[error](func() { ev.Num("not a float") })
	require.Error(t, err)
}

// recordingBuilder logs builder calls so codegen emission order is
// observable without a real backend.
type recordingBuilder struct {
	calls []string
}

func (r *recordingBuilder) log(format string, args ...any) Op {
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
	return len(r.calls) - 1
}

func (r *recordingBuilder) Imm(v float32) Op { return r.log("imm %g", v) }

func (r *recordingBuilder) Load(t *Tensor, ix []Affine) Op { return r.log("load %s", t.Name) }
func (r *recordingBuilder) Store(t *Tensor, ix []Affine, v Op) Op {
	return r.log("store %s <- %v", t.Name, v)
}

func (r *recordingBuilder) Add(a, b Op) Op { return r.log("add %v %v", a, b) }

func (r *recordingBuilder) Mul(a, b Op) Op { return r.log("mul %v %v", a, b) }

func (r *recordingBuilder) Div(a, b Op) Op { return r.log("div %v %v", a, b) }

func (r *recordingBuilder) Max(a, b Op) Op { return r.log("max %v %v", a, b) }

func (r *recordingBuilder) Select(cond []Constraint, ifTrue, ifFalse Op) Op {
	return r.log("select %v %v", ifTrue, ifFalse)
}

func TestCodegenEval(t *testing.T) {
	rb := &recordingBuilder{}
	ev := NewCodegenEval(scaleTable(), rb)
	require.Equal(t, ModeCodegen, ev.Mode())
	require.Nil(t, ev.Log())

	scaleStatement().Emit(ev)
	require.Equal(t, []string{
		"load x",
		"imm 2",
		"mul 0 1",
		"store out <- 2",
	}, rb.calls)

	// IR exposes the builder directly in codegen mode.
	require.NotNil(t, ev.IR())
}
