package op

import (
	"github.com/chewxy/math32"
	"github.com/gomlx/exceptions"

	"github.com/gomlx/polyop/backends"
	"github.com/gomlx/polyop/poly"
)

//go:generate go tool enumer -type=PoolType -trimprefix=PoolType -transform=snake -output=gen_pooltype_enumer.go pool.go

// PoolType selects the pooling reduction.
type PoolType int

const (
	// PoolTypeInvalid is the zero PoolType.
	PoolTypeInvalid PoolType = iota

	// PoolTypeMax keeps the window maximum.
	PoolTypeMax

	// PoolTypeAvg averages over the window, always dividing by the full
	// kernel size.
	PoolTypeAvg
)

// poolTemplate serves both pooling leaves: the plain kind takes kernel and
// stride and calculates the output extent, the adaptive kind takes the
// output extent and calculates stride and kernel from it.
type poolTemplate struct {
	adaptive bool
}

var _ Template = (*poolTemplate)(nil)

func (t *poolTemplate) Kind() string {
	if t.adaptive {
		return "adaptive_pool"
	}
	return "plain_pool"
}

func (t *poolTemplate) Schema() *Schema {
	if t.adaptive {
		// Stride must be declared before kernel: the kernel fields read it.
		return &Schema{
			Op:       t.Kind(),
			Required: []string{"channel", "in_height", "in_width", "out_height", "out_width", "pool_type"},
			Optional: []Default{{Name: "batch", Value: 1}},
			Calculated: []Derived{
				{Name: "stride_height", Fn: func(a Args) any { return a.Int("in_height") / a.Int("out_height") }},
				{Name: "stride_width", Fn: func(a Args) any { return a.Int("in_width") / a.Int("out_width") }},
				{Name: "kernel_height", Fn: func(a Args) any {
					return a.Int("in_height") - (a.Int("out_height")-1)*a.Int("stride_height")
				}},
				{Name: "kernel_width", Fn: func(a Args) any {
					return a.Int("in_width") - (a.Int("out_width")-1)*a.Int("stride_width")
				}},
			},
		}
	}
	return &Schema{
		Op:       t.Kind(),
		Required: []string{"channel", "in_height", "in_width", "kernel_height", "kernel_width", "pool_type"},
		Optional: []Default{
			{Name: "batch", Value: 1},
			{Name: "stride_height", Value: 1},
			{Name: "stride_width", Value: 1},
		},
		Calculated: []Derived{
			{Name: "out_height", Fn: func(a Args) any {
				return (a.Int("in_height")-a.Int("kernel_height"))/a.Int("stride_height") + 1
			}},
			{Name: "out_width", Fn: func(a Args) any {
				return (a.Int("in_width")-a.Int("kernel_width"))/a.Int("stride_width") + 1
			}},
		},
	}
}

func (t *poolTemplate) BuildTensors(args Args) *poly.TensorTable {
	table := poly.NewTensorTable()
	table.Add("x", args.Int("batch"), args.Int("channel"), args.Int("in_height"), args.Int("in_width"))
	table.Add("out", args.Int("batch"), args.Int("channel"), args.Int("out_height"), args.Int("out_width"))
	return table
}

func (t *poolTemplate) BuildStatements(args Args) []*poly.Statement {
	pool := args.Pool("pool_type")
	if pool != PoolTypeMax && pool != PoolTypeAvg {
		exceptions.Panicf("operator %q does not support pool_type %s", t.Kind(), pool)
	}
	sh, sw := args.Int("stride_height"), args.Int("stride_width")
	k := float32(args.Int("kernel_height") * args.Int("kernel_width"))

	init := poly.NewStatement("stmt_init", []string{"n", "c", "h", "w"},
		func(ev *poly.Eval, ix []poly.Affine) {
			if pool == PoolTypeMax {
				// Seed with the window's first element.
				first := ev.Read("x", ix[0], ix[1], ix[2].Mul(sh), ix[3].Mul(sw))
				ev.Write("out", first, ix...)
				return
			}
			ev.Write("out", ev.Float(0), ix...)
		})

	calc := poly.NewStatement("stmt_calc", []string{"n", "c", "h", "w", "i", "j"},
		func(ev *poly.Eval, ix []poly.Affine) {
			n, c, h, w, i, j := ix[0], ix[1], ix[2], ix[3], ix[4], ix[5]
			xv := ev.Read("x", n, c, h.Mul(sh).Add(i), w.Mul(sw).Add(j))
			if pool == PoolTypeAvg {
				ev.Write("out", ev.Add(ev.Read("out", n, c, h, w), xv), n, c, h, w)
				return
			}
			switch ev.Mode() {
			case poly.ModeCodegen:
				ev.Write("out", ev.IR().Max(ev.Read("out", n, c, h, w), xv), n, c, h, w)
			case poly.ModeReference:
				v := math32.Max(ev.Num(ev.Read("out", n, c, h, w)), ev.Num(xv))
				ev.Write("out", ev.Float(v), n, c, h, w)
			case poly.ModeAccess:
				ev.Read("out", n, c, h, w)
				ev.Write("out", xv, n, c, h, w)
			}
		})

	stmts := []*poly.Statement{init, calc}
	if pool == PoolTypeAvg {
		stmts = append(stmts, poly.NewStatement("stmt_div", []string{"n", "c", "h", "w"},
			func(ev *poly.Eval, ix []poly.Affine) {
				v := ev.Read("out", ix...)
				switch ev.Mode() {
				case poly.ModeCodegen:
					ev.Write("out", ev.IR().Div(v, ev.IR().Imm(k)), ix...)
				case poly.ModeReference:
					ev.Write("out", ev.Float(ev.Num(v)/k), ix...)
				case poly.ModeAccess:
					ev.Write("out", v, ix...)
				}
			}))
	}
	return stmts
}

const poolMaxScheduleYAML = `
domain: "[batch, channel, out_height, out_width, kernel_height, kernel_width] -> { stmt_init[n, c, h, w]: 0 <= n < batch and 0 <= c < channel and 0 <= h < out_height and 0 <= w < out_width; stmt_calc[n, c, h, w, i, j]: 0 <= n < batch and 0 <= c < channel and 0 <= h < out_height and 0 <= w < out_width and 0 <= i < kernel_height and 0 <= j < kernel_width }"
child:
  schedule: "[{stmt_init[n, c, h, w]->[(n)]; stmt_calc[n, c, h, w, i, j]->[(n)]}, {stmt_init[n, c, h, w]->[(c)]; stmt_calc[n, c, h, w, i, j]->[(c)]}, {stmt_init[n, c, h, w]->[(h)]; stmt_calc[n, c, h, w, i, j]->[(h)]}, {stmt_init[n, c, h, w]->[(w)]; stmt_calc[n, c, h, w, i, j]->[(w)]}]"
  permutable: 1
  coincident: [1, 1, 1, 1]
  child:
    sequence:
      - filter: "{stmt_init[n, c, h, w]}"
      - filter: "{stmt_calc[n, c, h, w, i, j]}"
        child:
          schedule: "[{stmt_calc[n, c, h, w, i, j]->[(i)]}, {stmt_calc[n, c, h, w, i, j]->[(j)]}]"
`

const poolAvgScheduleYAML = `
domain: "[batch, channel, out_height, out_width, kernel_height, kernel_width] -> { stmt_init[n, c, h, w]: 0 <= n < batch and 0 <= c < channel and 0 <= h < out_height and 0 <= w < out_width; stmt_calc[n, c, h, w, i, j]: 0 <= n < batch and 0 <= c < channel and 0 <= h < out_height and 0 <= w < out_width and 0 <= i < kernel_height and 0 <= j < kernel_width; stmt_div[n, c, h, w]: 0 <= n < batch and 0 <= c < channel and 0 <= h < out_height and 0 <= w < out_width }"
child:
  schedule: "[{stmt_init[n, c, h, w]->[(n)]; stmt_calc[n, c, h, w, i, j]->[(n)]; stmt_div[n, c, h, w]->[(n)]}, {stmt_init[n, c, h, w]->[(c)]; stmt_calc[n, c, h, w, i, j]->[(c)]; stmt_div[n, c, h, w]->[(c)]}, {stmt_init[n, c, h, w]->[(h)]; stmt_calc[n, c, h, w, i, j]->[(h)]; stmt_div[n, c, h, w]->[(h)]}, {stmt_init[n, c, h, w]->[(w)]; stmt_calc[n, c, h, w, i, j]->[(w)]; stmt_div[n, c, h, w]->[(w)]}]"
  permutable: 1
  coincident: [1, 1, 1, 1]
  child:
    sequence:
      - filter: "{stmt_init[n, c, h, w]}"
      - filter: "{stmt_calc[n, c, h, w, i, j]}"
        child:
          schedule: "[{stmt_calc[n, c, h, w, i, j]->[(i)]}, {stmt_calc[n, c, h, w, i, j]->[(j)]}]"
      - filter: "{stmt_div[n, c, h, w]}"
`

func (t *poolTemplate) BuildSchedule(args Args) *poly.ScheduleTree {
	text := poolMaxScheduleYAML
	if args.Pool("pool_type") == PoolTypeAvg {
		text = poolAvgScheduleYAML
	}
	tree, err := poly.ParseTree(text)
	if err != nil {
		panic(err)
	}
	return tree
}

func (t *poolTemplate) Hooks(args Args) *backends.Hooks {
	pool := args.Pool("pool_type")
	if t.adaptive {
		oh, ow := args.Int("out_height"), args.Int("out_width")
		return &backends.Hooks{
			Calc:     "adaptive_pool2d",
			Schedule: "schedule_adaptive_pool",
			Args: func(values map[string]backends.Value) []any {
				return []any{values["x"], oh, ow, pool.String()}
			},
			Returns: []string{"out"},
		}
	}
	kh, kw := args.Int("kernel_height"), args.Int("kernel_width")
	sh, sw := args.Int("stride_height"), args.Int("stride_width")
	return &backends.Hooks{
		Calc:     "pool2d",
		Schedule: "schedule_pool",
		Args: func(values map[string]backends.Value) []any {
			return []any{values["x"], kh, kw, sh, sw, pool.String()}
		},
		Returns: []string{"out"},
	}
}

func (t *poolTemplate) Inputs() []string { return []string{"x"} }

func (t *poolTemplate) Outputs() []string { return []string{"out"} }

// PlainPoolConfig configures PlainPool. Batch and both strides default
// to 1; the remaining fields are required.
type PlainPoolConfig struct {
	Name                      string
	Batch, Channel            int
	InHeight, InWidth         int
	KernelHeight, KernelWidth int
	StrideHeight, StrideWidth int
	Type                      PoolType
}

func (cfg PlainPoolConfig) args() Args {
	args := Args{}
	for name, v := range map[string]int{
		"batch":         cfg.Batch,
		"channel":       cfg.Channel,
		"in_height":     cfg.InHeight,
		"in_width":      cfg.InWidth,
		"kernel_height": cfg.KernelHeight,
		"kernel_width":  cfg.KernelWidth,
		"stride_height": cfg.StrideHeight,
		"stride_width":  cfg.StrideWidth,
	} {
		if v > 0 {
			args[name] = v
		}
	}
	if cfg.Type != PoolTypeInvalid {
		args["pool_type"] = cfg.Type
	}
	return args
}

// PlainPool is windowed 2D pooling with explicit kernel and stride over
// NCHW tensors. The output extent per axis is
// (in-kernel)/stride + 1, with floor division.
type PlainPool struct {
	*Argumented
	Batch, Channel      int
	OutHeight, OutWidth int
}

var _ Schedulable = (*PlainPool)(nil)

// NewPlainPool builds a plain pooling operator.
func NewPlainPool(cfg PlainPoolConfig) *PlainPool {
	a := New(nameOr(cfg.Name, "plain_pool"), &poolTemplate{}, cfg.args())
	return &PlainPool{
		Argumented: a,
		Batch:      a.args.Int("batch"),
		Channel:    a.args.Int("channel"),
		OutHeight:  a.args.Int("out_height"),
		OutWidth:   a.args.Int("out_width"),
	}
}

// AdaptivePoolConfig configures AdaptivePool. Batch defaults to 1; the
// remaining fields are required.
type AdaptivePoolConfig struct {
	Name                string
	Batch, Channel      int
	InHeight, InWidth   int
	OutHeight, OutWidth int
	Type                PoolType
}

func (cfg AdaptivePoolConfig) args() Args {
	args := Args{}
	for name, v := range map[string]int{
		"batch":      cfg.Batch,
		"channel":    cfg.Channel,
		"in_height":  cfg.InHeight,
		"in_width":   cfg.InWidth,
		"out_height": cfg.OutHeight,
		"out_width":  cfg.OutWidth,
	} {
		if v > 0 {
			args[name] = v
		}
	}
	if cfg.Type != PoolTypeInvalid {
		args["pool_type"] = cfg.Type
	}
	return args
}

// AdaptivePool is 2D pooling parametrized by the output extent: per axis,
// stride = in/out and kernel = in - (out-1)*stride. For any
// 0 < out <= in the derived kernel satisfies 0 < kernel <= in.
type AdaptivePool struct {
	*Argumented
	Batch, Channel            int
	KernelHeight, KernelWidth int
	StrideHeight, StrideWidth int
}

var _ Schedulable = (*AdaptivePool)(nil)

// NewAdaptivePool builds an adaptive pooling operator.
func NewAdaptivePool(cfg AdaptivePoolConfig) *AdaptivePool {
	a := New(nameOr(cfg.Name, "adaptive_pool"), &poolTemplate{adaptive: true}, cfg.args())
	return &AdaptivePool{
		Argumented:   a,
		Batch:        a.args.Int("batch"),
		Channel:      a.args.Int("channel"),
		KernelHeight: a.args.Int("kernel_height"),
		KernelWidth:  a.args.Int("kernel_width"),
		StrideHeight: a.args.Int("stride_height"),
		StrideWidth:  a.args.Int("stride_width"),
	}
}

// PoolConfig configures Pool: a plain pool preceded by zero padding when
// any pad is set.
type PoolConfig struct {
	PlainPoolConfig
	PadTop, PadBottom, PadLeft, PadRight int
}

// Pool is the padded pooling composite. With all pads zero it is a
// sequence holding just the plain pool; otherwise a Padding child feeds
// the pool through a single shared boundary slot in the arena.
type Pool struct {
	*Sequence
	Batch, Channel      int
	OutHeight, OutWidth int
}

var _ Composite = (*Pool)(nil)

// NewPool builds the padded pooling composite.
func NewPool(cfg PoolConfig) *Pool {
	var children []Operator
	poolCfg := cfg.PlainPoolConfig
	poolCfg.Name = ""
	if cfg.PadTop != 0 || cfg.PadBottom != 0 || cfg.PadLeft != 0 || cfg.PadRight != 0 {
		pad := NewPadding(PaddingConfig{
			Batch:     cfg.Batch,
			Channel:   cfg.Channel,
			InHeight:  cfg.InHeight,
			InWidth:   cfg.InWidth,
			PadTop:    cfg.PadTop,
			PadBottom: cfg.PadBottom,
			PadLeft:   cfg.PadLeft,
			PadRight:  cfg.PadRight,
		})
		poolCfg.InHeight = pad.OutHeight
		poolCfg.InWidth = pad.OutWidth
		children = append(children, pad)
	}
	pp := NewPlainPool(poolCfg)
	children = append(children, pp)
	return &Pool{
		Sequence:  NewSequence(nameOr(cfg.Name, "pool"), children...),
		Batch:     pp.Batch,
		Channel:   pp.Channel,
		OutHeight: pp.OutHeight,
		OutWidth:  pp.OutWidth,
	}
}
