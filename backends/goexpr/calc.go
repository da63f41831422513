package goexpr

import (
	"github.com/pkg/errors"

	"github.com/chewxy/math32"
	"github.com/gomlx/polyop/backends"
	"github.com/gomlx/polyop/poly"
)

// calcPrimitives is the compute-primitive library operators invoke through
// their hooks. Every primitive takes and returns *poly.Buffer values.
var calcPrimitives = map[string]backends.CalcFunc{
	"dense":           dense,
	"pool2d":          pool2d,
	"adaptive_pool2d": adaptivePool2d,
	"pad2d":           pad2d,
}

// schedulePrimitives name the scheduling recipes of the compute
// primitives. goexpr computes eagerly, so all of them capture outputs.
var schedulePrimitives = map[string]backends.ScheduleFunc{
	"schedule_dense":         scheduleEager,
	"schedule_pool":          scheduleEager,
	"schedule_adaptive_pool": scheduleEager,
	"schedule_injective":     scheduleEager,
}

// Scheduled is the executable a schedule primitive returns: the primitive
// already computed eagerly, so it only carries the scheduled outputs.
type Scheduled struct {
	Outputs []backends.Value
}

func scheduleEager(outs ...backends.Value) (backends.Executable, error) {
	return &Scheduled{Outputs: append([]backends.Value(nil), outs...)}, nil
}

func bufferArg(args []any, i int) (*poly.Buffer, error) {
	if i >= len(args) {
		return nil, errors.Errorf("argument %d missing", i)
	}
	buf, ok := args[i].(*poly.Buffer)
	if !ok {
		return nil, errors.Errorf("argument %d is %T, want *poly.Buffer", i, args[i])
	}
	return buf, nil
}

func intArg(args []any, i int) (int, error) {
	if i >= len(args) {
		return 0, errors.Errorf("argument %d missing", i)
	}
	v, ok := args[i].(int)
	if !ok {
		return 0, errors.Errorf("argument %d is %T, want int", i, args[i])
	}
	return v, nil
}

func stringArg(args []any, i int) (string, error) {
	if i >= len(args) {
		return "", errors.Errorf("argument %d missing", i)
	}
	v, ok := args[i].(string)
	if !ok {
		return "", errors.Errorf("argument %d is %T, want string", i, args[i])
	}
	return v, nil
}

// dense computes out[n, o] = bias[o] + sum_i weight[o, i]*x[n, i]. A nil
// bias argument means no bias term.
func dense(args ...any) ([]backends.Value, error) {
	x, err := bufferArg(args, 0)
	if err != nil {
		return nil, errors.WithMessage(err, "dense")
	}
	weight, err := bufferArg(args, 1)
	if err != nil {
		return nil, errors.WithMessage(err, "dense")
	}
	var bias *poly.Buffer
	if len(args) > 2 && args[2] != nil {
		bias, err = bufferArg(args, 2)
		if err != nil {
			return nil, errors.WithMessage(err, "dense")
		}
	}
	if len(x.Dims) != 2 || len(weight.Dims) != 2 {
		return nil, errors.Errorf("dense wants rank-2 x and weight, got %v and %v", x.Dims, weight.Dims)
	}
	batch, inC := x.Dims[0], x.Dims[1]
	outC := weight.Dims[0]
	if weight.Dims[1] != inC {
		return nil, errors.Errorf("dense weight dims %v do not match x dims %v", weight.Dims, x.Dims)
	}
	if bias != nil && (len(bias.Dims) != 1 || bias.Dims[0] != outC) {
		return nil, errors.Errorf("dense bias dims %v do not match weight dims %v", bias.Dims, weight.Dims)
	}
	out := poly.NewBuffer(batch, outC)
	for n := 0; n < batch; n++ {
		for o := 0; o < outC; o++ {
			var acc float32
			if bias != nil {
				acc = bias.At(o)
			}
			for i := 0; i < inC; i++ {
				acc += weight.At(o, i) * x.At(n, i)
			}
			out.Set(acc, n, o)
		}
	}
	return []backends.Value{out}, nil
}

// pool2d computes a 2D max or average pooling over an NCHW buffer.
func pool2d(args ...any) ([]backends.Value, error) {
	x, err := bufferArg(args, 0)
	if err != nil {
		return nil, errors.WithMessage(err, "pool2d")
	}
	dims := [4]int{}
	for i := range dims {
		dims[i], err = intArg(args, 1+i)
		if err != nil {
			return nil, errors.WithMessage(err, "pool2d")
		}
	}
	ptype, err := stringArg(args, 5)
	if err != nil {
		return nil, errors.WithMessage(err, "pool2d")
	}
	out, err := poolBuffers(x, dims[0], dims[1], dims[2], dims[3], ptype)
	if err != nil {
		return nil, errors.WithMessage(err, "pool2d")
	}
	return []backends.Value{out}, nil
}

// adaptivePool2d derives kernel and stride from the requested output dims
// and then pools. The derivation matches the adaptive pool operator:
// stride = in/out, kernel = in-(out-1)*stride.
func adaptivePool2d(args ...any) ([]backends.Value, error) {
	x, err := bufferArg(args, 0)
	if err != nil {
		return nil, errors.WithMessage(err, "adaptive_pool2d")
	}
	outH, err := intArg(args, 1)
	if err != nil {
		return nil, errors.WithMessage(err, "adaptive_pool2d")
	}
	outW, err := intArg(args, 2)
	if err != nil {
		return nil, errors.WithMessage(err, "adaptive_pool2d")
	}
	ptype, err := stringArg(args, 3)
	if err != nil {
		return nil, errors.WithMessage(err, "adaptive_pool2d")
	}
	if len(x.Dims) != 4 {
		return nil, errors.Errorf("adaptive_pool2d wants a rank-4 x, got %v", x.Dims)
	}
	inH, inW := x.Dims[2], x.Dims[3]
	if outH <= 0 || outH > inH || outW <= 0 || outW > inW {
		return nil, errors.Errorf("adaptive_pool2d output dims [%d, %d] out of range for input %v", outH, outW, x.Dims)
	}
	strideH, strideW := inH/outH, inW/outW
	kernelH := inH - (outH-1)*strideH
	kernelW := inW - (outW-1)*strideW
	out, err := poolBuffers(x, kernelH, kernelW, strideH, strideW, ptype)
	if err != nil {
		return nil, errors.WithMessage(err, "adaptive_pool2d")
	}
	return []backends.Value{out}, nil
}

func poolBuffers(x *poly.Buffer, kernelH, kernelW, strideH, strideW int, ptype string) (*poly.Buffer, error) {
	if len(x.Dims) != 4 {
		return nil, errors.Errorf("pooling wants a rank-4 x, got %v", x.Dims)
	}
	if kernelH <= 0 || kernelW <= 0 || strideH <= 0 || strideW <= 0 {
		return nil, errors.Errorf("pooling kernel [%d, %d] and stride [%d, %d] must be positive",
			kernelH, kernelW, strideH, strideW)
	}
	batch, channel, inH, inW := x.Dims[0], x.Dims[1], x.Dims[2], x.Dims[3]
	if kernelH > inH || kernelW > inW {
		return nil, errors.Errorf("pooling kernel [%d, %d] larger than input %v", kernelH, kernelW, x.Dims)
	}
	outH := (inH-kernelH)/strideH + 1
	outW := (inW-kernelW)/strideW + 1
	out := poly.NewBuffer(batch, channel, outH, outW)
	var reduce func(acc, v float32) float32
	switch ptype {
	case "max":
		reduce = math32.Max
	case "avg":
		reduce = func(acc, v float32) float32 { return acc + v }
	default:
		return nil, errors.Errorf("unknown pool type %q", ptype)
	}
	scale := float32(1)
	if ptype == "avg" {
		scale = 1 / float32(kernelH*kernelW)
	}
	for n := 0; n < batch; n++ {
		for c := 0; c < channel; c++ {
			for h := 0; h < outH; h++ {
				for w := 0; w < outW; w++ {
					var acc float32
					if ptype == "max" {
						acc = x.At(n, c, h*strideH, w*strideW)
					}
					for i := 0; i < kernelH; i++ {
						for j := 0; j < kernelW; j++ {
							acc = reduce(acc, x.At(n, c, h*strideH+i, w*strideW+j))
						}
					}
					out.Set(acc*scale, n, c, h, w)
				}
			}
		}
	}
	return out, nil
}

// pad2d zero-pads the spatial dims of an NCHW buffer.
func pad2d(args ...any) ([]backends.Value, error) {
	x, err := bufferArg(args, 0)
	if err != nil {
		return nil, errors.WithMessage(err, "pad2d")
	}
	pads := [4]int{}
	for i := range pads {
		pads[i], err = intArg(args, 1+i)
		if err != nil {
			return nil, errors.WithMessage(err, "pad2d")
		}
		if pads[i] < 0 {
			return nil, errors.Errorf("pad2d padding must be non-negative, got %v", pads[i])
		}
	}
	if len(x.Dims) != 4 {
		return nil, errors.Errorf("pad2d wants a rank-4 x, got %v", x.Dims)
	}
	top, bottom, left, right := pads[0], pads[1], pads[2], pads[3]
	batch, channel, inH, inW := x.Dims[0], x.Dims[1], x.Dims[2], x.Dims[3]
	out := poly.NewBuffer(batch, channel, inH+top+bottom, inW+left+right)
	for n := 0; n < batch; n++ {
		for c := 0; c < channel; c++ {
			for h := 0; h < inH; h++ {
				for w := 0; w < inW; w++ {
					out.Set(x.At(n, c, h, w), n, c, h+top, w+left)
				}
			}
		}
	}
	return []backends.Value{out}, nil
}
