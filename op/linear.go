package op

import (
	"github.com/pkg/errors"

	"github.com/gomlx/polyop/backends"
	"github.com/gomlx/polyop/poly"
)

// LinearConfig configures the linear operators. InChannel and OutChannel
// are required; Batch defaults to 1; Name defaults to the operator kind.
// Biased selects the biased leaf in NewLinear.
type LinearConfig struct {
	Name       string
	Batch      int
	InChannel  int
	OutChannel int
	Biased     bool
}

func (cfg LinearConfig) args() Args {
	args := Args{}
	if cfg.InChannel > 0 {
		args["in_channel"] = cfg.InChannel
	}
	if cfg.OutChannel > 0 {
		args["out_channel"] = cfg.OutChannel
	}
	if cfg.Batch > 0 {
		args["batch"] = cfg.Batch
	}
	return args
}

// linearTemplate is the shared template of the linear leaves. The biased
// variant adds the bias tensor and seeds the accumulator with it.
type linearTemplate struct {
	biased bool
}

var _ Template = (*linearTemplate)(nil)

func (t *linearTemplate) Kind() string {
	if t.biased {
		return "plain_biased_linear"
	}
	return "plain_linear"
}

func (t *linearTemplate) Schema() *Schema {
	return &Schema{
		Op:       t.Kind(),
		Required: []string{"in_channel", "out_channel"},
		Optional: []Default{{Name: "batch", Value: 1}},
	}
}

func (t *linearTemplate) BuildTensors(args Args) *poly.TensorTable {
	table := poly.NewTensorTable()
	table.Add("x", args.Int("batch"), args.Int("in_channel"))
	table.Add("weight", args.Int("out_channel"), args.Int("in_channel"))
	if t.biased {
		table.Add("bias", args.Int("out_channel"))
	}
	table.Add("out", args.Int("batch"), args.Int("out_channel"))
	return table
}

func (t *linearTemplate) BuildStatements(Args) []*poly.Statement {
	init := poly.NewStatement("stmt_init", []string{"n", "o"},
		func(ev *poly.Eval, ix []poly.Affine) {
			if t.biased {
				ev.Write("out", ev.Read("bias", ix[1]), ix...)
			} else {
				ev.Write("out", ev.Float(0), ix...)
			}
		})
	calc := poly.NewStatement("stmt_calc", []string{"n", "o", "i"},
		func(ev *poly.Eval, ix []poly.Affine) {
			n, o, i := ix[0], ix[1], ix[2]
			prod := ev.Mul(ev.Read("weight", o, i), ev.Read("x", n, i))
			ev.Write("out", ev.Add(ev.Read("out", n, o), prod), n, o)
		})
	return []*poly.Statement{init, calc}
}

const linearScheduleYAML = `
domain: "[batch, in_channel, out_channel] -> { stmt_init[n, o]: 0 <= n < batch and 0 <= o < out_channel; stmt_calc[n, o, i]: 0 <= n < batch and 0 <= o < out_channel and 0 <= i < in_channel }"
child:
  schedule: "[{stmt_init[n, o]->[(n)]; stmt_calc[n, o, i]->[(n)]}, {stmt_init[n, o]->[(o)]; stmt_calc[n, o, i]->[(o)]}]"
  permutable: 1
  coincident: [1, 1]
  child:
    schedule: "[{stmt_init[n, o]->[(0)]; stmt_calc[n, o, i]->[(i)]}]"
`

func (t *linearTemplate) BuildSchedule(Args) *poly.ScheduleTree {
	tree, err := poly.ParseTree(linearScheduleYAML)
	if err != nil {
		panic(err)
	}
	return tree
}

func (t *linearTemplate) Hooks(Args) *backends.Hooks {
	h := &backends.Hooks{Calc: "dense", Schedule: "schedule_dense", Returns: []string{"out"}}
	if t.biased {
		h.Args = func(values map[string]backends.Value) []any {
			return []any{values["x"], values["weight"], values["bias"]}
		}
	} else {
		h.Args = func(values map[string]backends.Value) []any {
			return []any{values["x"], values["weight"], nil}
		}
	}
	return h
}

func (t *linearTemplate) Inputs() []string {
	if t.biased {
		return []string{"x", "weight", "bias"}
	}
	return []string{"x", "weight"}
}

func (t *linearTemplate) Outputs() []string { return []string{"out"} }

// PlainLinear is the bias-free fully connected operator:
// out[n, o] = Σ_i weight[o, i]*x[n, i].
type PlainLinear struct {
	*Argumented
	Batch, InChannel, OutChannel int
}

var _ Schedulable = (*PlainLinear)(nil)

// NewPlainLinear builds a bias-free linear operator.
func NewPlainLinear(cfg LinearConfig) *PlainLinear {
	a := New(nameOr(cfg.Name, "plain_linear"), &linearTemplate{}, cfg.args())
	return &PlainLinear{
		Argumented: a,
		Batch:      a.args.Int("batch"),
		InChannel:  a.args.Int("in_channel"),
		OutChannel: a.args.Int("out_channel"),
	}
}

// PlainBiasedLinear is the fully connected operator with the accumulator
// seeded from bias: out[n, o] = bias[o] + Σ_i weight[o, i]*x[n, i].
type PlainBiasedLinear struct {
	*Argumented
	Batch, InChannel, OutChannel int
}

var _ Schedulable = (*PlainBiasedLinear)(nil)

// NewPlainBiasedLinear builds a biased linear operator.
func NewPlainBiasedLinear(cfg LinearConfig) *PlainBiasedLinear {
	a := New(nameOr(cfg.Name, "plain_biased_linear"), &linearTemplate{biased: true}, cfg.args())
	return &PlainBiasedLinear{
		Argumented: a,
		Batch:      a.args.Int("batch"),
		InChannel:  a.args.Int("in_channel"),
		OutChannel: a.args.Int("out_channel"),
	}
}

// Linear is the layer-level linear operator: it selects the biased or
// plain leaf at construction and owns the parameter tensors, so its only
// positional input is x. Parameter values bind through WeightValue and
// BiasValue; Calc materializes backend placeholders for unbound ones.
type Linear struct {
	*Combined
	Batch, InChannel, OutChannel int
	Biased                       bool

	// WeightValue and BiasValue are the bound parameter values, nil for
	// unbound.
	WeightValue backends.Value
	BiasValue   backends.Value

	leaf *Argumented
}

var _ Composite = (*Linear)(nil)

// NewLinear builds a linear layer.
func NewLinear(cfg LinearConfig) *Linear {
	var leaf Operator
	var arg *Argumented
	if cfg.Biased {
		l := NewPlainBiasedLinear(cfg)
		leaf, arg = l, l.Argumented
	} else {
		l := NewPlainLinear(cfg)
		leaf, arg = l, l.Argumented
	}
	return &Linear{
		Combined:   NewCombined(nameOr(cfg.Name, "linear"), leaf),
		Batch:      arg.args.Int("batch"),
		InChannel:  arg.args.Int("in_channel"),
		OutChannel: arg.args.Int("out_channel"),
		Biased:     cfg.Biased,
		leaf:       arg,
	}
}

// Weight returns the weight tensor descriptor.
func (l *Linear) Weight() *poly.Tensor { return l.leaf.Tensor("weight") }

// Bias returns the bias tensor descriptor, nil for the plain variant.
func (l *Linear) Bias() *poly.Tensor { return l.leaf.Tensor("bias") }

// Inputs returns the single positional input, x.
func (l *Linear) Inputs() []string { return []string{"x"} }

// Outputs returns the single output, out.
func (l *Linear) Outputs() []string { return []string{"out"} }

// Tensor resolves the layer's tensors from the leaf.
func (l *Linear) Tensor(name string) *poly.Tensor { return l.leaf.Tensor(name) }

// Calc runs the layer on the backend.
func (l *Linear) Calc(b backends.Backend, inputs ...backends.Value) ([]backends.Value, error) {
	if len(inputs) != 1 {
		return nil, errors.Errorf("linear %q takes 1 input (x), got %d", l.Name(), len(inputs))
	}
	weight := l.WeightValue
	if weight == nil {
		var err error
		if weight, err = b.Placeholder(l.Weight()); err != nil {
			return nil, err
		}
	}
	args := []backends.Value{inputs[0], weight}
	if l.Biased {
		bias := l.BiasValue
		if bias == nil {
			var err error
			if bias, err = b.Placeholder(l.Bias()); err != nil {
				return nil, err
			}
		}
		args = append(args, bias)
	}
	return l.leaf.Calc(b, args...)
}
