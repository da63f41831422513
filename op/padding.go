package op

import (
	"github.com/gomlx/polyop/backends"
	"github.com/gomlx/polyop/poly"
)

// paddingTemplate builds the zero-padding operator.
type paddingTemplate struct{}

var _ Template = (*paddingTemplate)(nil)

func (t *paddingTemplate) Kind() string { return "padding" }

func (t *paddingTemplate) Schema() *Schema {
	return &Schema{
		Op:       t.Kind(),
		Required: []string{"channel", "in_height", "in_width"},
		Optional: []Default{
			{Name: "batch", Value: 1},
			{Name: "pad_top", Value: 0},
			{Name: "pad_bottom", Value: 0},
			{Name: "pad_left", Value: 0},
			{Name: "pad_right", Value: 0},
		},
		Calculated: []Derived{
			{Name: "out_height", Fn: func(a Args) any {
				return a.Int("in_height") + a.Int("pad_top") + a.Int("pad_bottom")
			}},
			{Name: "out_width", Fn: func(a Args) any {
				return a.Int("in_width") + a.Int("pad_left") + a.Int("pad_right")
			}},
		},
	}
}

func (t *paddingTemplate) BuildTensors(args Args) *poly.TensorTable {
	table := poly.NewTensorTable()
	table.Add("x", args.Int("batch"), args.Int("channel"), args.Int("in_height"), args.Int("in_width"))
	table.Add("out", args.Int("batch"), args.Int("channel"), args.Int("out_height"), args.Int("out_width"))
	return table
}

func (t *paddingTemplate) BuildStatements(args Args) []*poly.Statement {
	pt, pl := args.Int("pad_top"), args.Int("pad_left")
	inH, inW := args.Int("in_height"), args.Int("in_width")

	pad := poly.NewStatement("stmt_pad", []string{"n", "c", "h", "w"},
		func(ev *poly.Eval, ix []poly.Affine) {
			n, c, h, w := ix[0], ix[1], ix[2], ix[3]
			xh, xw := h.Sub(poly.Const(pt)), w.Sub(poly.Const(pl))
			interior := []poly.Constraint{
				poly.GE(h, poly.Const(pt)),
				poly.LT(h, poly.Const(pt+inH)),
				poly.GE(w, poly.Const(pl)),
				poly.LT(w, poly.Const(pl+inW)),
			}
			switch ev.Mode() {
			case poly.ModeCodegen:
				inner := ev.Read("x", n, c, xh, xw)
				ev.Write("out", ev.IR().Select(interior, inner, ev.IR().Imm(0)), ix...)
			case poly.ModeReference:
				if ev.Holds(interior...) {
					ev.Write("out", ev.Read("x", n, c, xh, xw), ix...)
				} else {
					ev.Write("out", ev.Float(0), ix...)
				}
			default:
				// Access mode records the interior read for every cell, a
				// superset of what reference mode touches on the border.
				ev.Write("out", ev.Read("x", n, c, xh, xw), ix...)
			}
		})
	return []*poly.Statement{pad}
}

const paddingScheduleYAML = `
domain: "[batch, channel, out_height, out_width] -> { stmt_pad[n, c, h, w]: 0 <= n < batch and 0 <= c < channel and 0 <= h < out_height and 0 <= w < out_width }"
child:
  schedule: "[{stmt_pad[n, c, h, w]->[(n)]}, {stmt_pad[n, c, h, w]->[(c)]}, {stmt_pad[n, c, h, w]->[(h)]}, {stmt_pad[n, c, h, w]->[(w)]}]"
  permutable: 1
  coincident: [1, 1, 1, 1]
`

func (t *paddingTemplate) BuildSchedule(Args) *poly.ScheduleTree {
	tree, err := poly.ParseTree(paddingScheduleYAML)
	if err != nil {
		panic(err)
	}
	return tree
}

func (t *paddingTemplate) Hooks(args Args) *backends.Hooks {
	pt, pb := args.Int("pad_top"), args.Int("pad_bottom")
	pl, pr := args.Int("pad_left"), args.Int("pad_right")
	return &backends.Hooks{
		Calc:     "pad2d",
		Schedule: "schedule_injective",
		Args: func(values map[string]backends.Value) []any {
			return []any{values["x"], pt, pb, pl, pr}
		},
		Returns: []string{"out"},
	}
}

func (t *paddingTemplate) Inputs() []string { return []string{"x"} }

func (t *paddingTemplate) Outputs() []string { return []string{"out"} }

// PaddingConfig configures Padding. Batch defaults to 1 and every pad to
// 0; the remaining fields are required.
type PaddingConfig struct {
	Name                                 string
	Batch, Channel                       int
	InHeight, InWidth                    int
	PadTop, PadBottom, PadLeft, PadRight int
}

func (cfg PaddingConfig) args() Args {
	args := Args{}
	for name, v := range map[string]int{
		"batch":      cfg.Batch,
		"channel":    cfg.Channel,
		"in_height":  cfg.InHeight,
		"in_width":   cfg.InWidth,
		"pad_top":    cfg.PadTop,
		"pad_bottom": cfg.PadBottom,
		"pad_left":   cfg.PadLeft,
		"pad_right":  cfg.PadRight,
	} {
		if v > 0 {
			args[name] = v
		}
	}
	return args
}

// Padding zero-fills a spatial border around an NCHW tensor: the interior
// of out is a copy of x shifted by (pad_top, pad_left), the border is 0.
type Padding struct {
	*Argumented
	Batch, Channel      int
	OutHeight, OutWidth int
}

var _ Schedulable = (*Padding)(nil)

// NewPadding builds a zero-padding operator.
func NewPadding(cfg PaddingConfig) *Padding {
	a := New(nameOr(cfg.Name, "padding"), &paddingTemplate{}, cfg.args())
	return &Padding{
		Argumented: a,
		Batch:      a.args.Int("batch"),
		Channel:    a.args.Int("channel"),
		OutHeight:  a.args.Int("out_height"),
		OutWidth:   a.args.Int("out_width"),
	}
}
