package poly

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Tensor describes one named tensor of a schedule unit: an element dtype
// plus symbolic-or-concrete dimensions. A dimension is an affine form, so
// it may be a literal size or reference domain parameters.
//
// Tensors carry no dimension setters: once another operator captures a
// tensor at a composition boundary, its shape cannot change underneath it.
type Tensor struct {
	Name  string
	DType dtypes.DType
	dims  []Affine
}

// NewTensor creates a tensor descriptor.
func NewTensor(name string, dtype dtypes.DType, dims ...Affine) *Tensor {
	return &Tensor{Name: name, DType: dtype, dims: append([]Affine(nil), dims...)}
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.dims) }

// Dims returns a copy of the dimension forms.
func (t *Tensor) Dims() []Affine { return append([]Affine(nil), t.dims...) }

// Dim returns the i-th dimension form. It panics if i is out of range.
func (t *Tensor) Dim(i int) Affine {
	if i < 0 || i >= len(t.dims) {
		exceptions.Panicf("Tensor.Dim(%d) out of range for %q with rank %d", i, t.Name, len(t.dims))
	}
	return t.dims[i]
}

// Concrete returns the integer dimensions. It fails if any dimension still
// has free variables.
func (t *Tensor) Concrete() ([]int, error) {
	out := make([]int, len(t.dims))
	for i, d := range t.dims {
		v, ok := d.ConstValue()
		if !ok {
			return nil, errors.Errorf("tensor %q dimension %d is not concrete: %s", t.Name, i, d.String())
		}
		out[i] = v
	}
	return out, nil
}

// Equal reports whether name, dtype and all dimensions match.
func (t *Tensor) Equal(o *Tensor) bool {
	if t == nil || o == nil {
		return t == o
	}
	if t.Name != o.Name || t.DType != o.DType || len(t.dims) != len(o.dims) {
		return false
	}
	for i, d := range t.dims {
		if !d.Equal(o.dims[i]) {
			return false
		}
	}
	return true
}

// ShapeEqual reports whether dtype and dimensions match, ignoring the name.
// Composition boundaries are checked with this.
func (t *Tensor) ShapeEqual(o *Tensor) bool {
	if t == nil || o == nil {
		return t == o
	}
	if t.DType != o.DType || len(t.dims) != len(o.dims) {
		return false
	}
	for i, d := range t.dims {
		if !d.Equal(o.dims[i]) {
			return false
		}
	}
	return true
}

// String prints the descriptor, e.g. `out: [4, 16] Float32`.
func (t *Tensor) String() string {
	texts := make([]string, len(t.dims))
	for i, d := range t.dims {
		texts[i] = d.String()
	}
	return fmt.Sprintf("%s: [%s] %s", t.Name, strings.Join(texts, ", "), t.DType)
}

// TensorTable is an ordered collection of tensor descriptors. Insertion
// order is meaningful: it is the argument-marshalling order used when a
// backend primitive is invoked for the enclosing operator.
type TensorTable struct {
	list   []*Tensor
	byName map[string]*Tensor
}

// NewTensorTable returns an empty table.
func NewTensorTable() *TensorTable {
	return &TensorTable{byName: make(map[string]*Tensor)}
}

// Add creates a Float32 tensor with concrete dims and appends it, panicking
// on a duplicate name. This is the common factory path; AddTensor covers
// symbolic dims and other dtypes.
func (tt *TensorTable) Add(name string, dims ...int) *Tensor {
	forms := make([]Affine, len(dims))
	for i, d := range dims {
		forms[i] = Const(d)
	}
	t := NewTensor(name, dtypes.Float32, forms...)
	if err := tt.AddTensor(t); err != nil {
		exceptions.Panicf("%+v", err)
	}
	return t
}

// AddTensor appends a tensor descriptor. Duplicate names are an error.
func (tt *TensorTable) AddTensor(t *Tensor) error {
	if t.Name == "" {
		return errors.New("tensor must have a name")
	}
	if _, found := tt.byName[t.Name]; found {
		return errors.Errorf("tensor %q already in table", t.Name)
	}
	tt.list = append(tt.list, t)
	tt.byName[t.Name] = t
	return nil
}

// Get returns the tensor with the given name, or nil.
func (tt *TensorTable) Get(name string) *Tensor { return tt.byName[name] }

// Has reports whether a tensor with the given name exists.
func (tt *TensorTable) Has(name string) bool {
	_, found := tt.byName[name]
	return found
}

// List returns the tensors in insertion order. The returned slice is a
// copy; the tensors are shared.
func (tt *TensorTable) List() []*Tensor { return append([]*Tensor(nil), tt.list...) }

// Names returns the tensor names in insertion order.
func (tt *TensorTable) Names() []string {
	names := make([]string, len(tt.list))
	for i, t := range tt.list {
		names[i] = t.Name
	}
	return names
}

// Len returns the number of tensors.
func (tt *TensorTable) Len() int { return len(tt.list) }

// Equal reports whether both tables hold equal tensors in the same order.
func (tt *TensorTable) Equal(o *TensorTable) bool {
	if tt == nil || o == nil {
		return tt == o
	}
	if len(tt.list) != len(o.list) {
		return false
	}
	for i, t := range tt.list {
		if !t.Equal(o.list[i]) {
			return false
		}
	}
	return true
}

// TensorRef indexes a tensor slot in an Arena.
type TensorRef int

// Arena owns the boundary tensors of one composite operator, addressed by
// index. A producer/consumer boundary occupies a single slot, so sharing
// between children is visible as ref equality rather than pointer aliasing.
type Arena struct {
	slots []*Tensor
}

// Append adds a tensor slot and returns its ref.
func (a *Arena) Append(t *Tensor) TensorRef {
	a.slots = append(a.slots, t)
	return TensorRef(len(a.slots) - 1)
}

// At returns the tensor in slot r. It panics if r is out of range.
func (a *Arena) At(r TensorRef) *Tensor {
	if r < 0 || int(r) >= len(a.slots) {
		exceptions.Panicf("arena ref %d out of range, arena has %d slots", r, len(a.slots))
	}
	return a.slots[int(r)]
}

// Len returns the number of slots.
func (a *Arena) Len() int { return len(a.slots) }

// Buffer is concrete row-major float32 storage backing one tensor during
// reference evaluation or pure Go backend execution.
type Buffer struct {
	Dims []int
	Data []float32
}

// NewBuffer allocates a zero-filled buffer. Zero dims make a scalar.
func NewBuffer(dims ...int) *Buffer {
	size := 1
	for _, d := range dims {
		if d <= 0 {
			exceptions.Panicf("buffer dimensions must be positive, got %v", dims)
		}
		size *= d
	}
	return &Buffer{Dims: append([]int(nil), dims...), Data: make([]float32, size)}
}

// NewBufferFor allocates a buffer shaped like the tensor, which must have
// concrete dims.
func NewBufferFor(t *Tensor) (*Buffer, error) {
	dims, err := t.Concrete()
	if err != nil {
		return nil, err
	}
	return NewBuffer(dims...), nil
}

// Size returns the number of elements.
func (b *Buffer) Size() int { return len(b.Data) }

func (b *Buffer) offset(ix []int) int {
	if len(ix) != len(b.Dims) {
		exceptions.Panicf("buffer index %v does not match rank of dims %v", ix, b.Dims)
	}
	off := 0
	for i, x := range ix {
		if x < 0 || x >= b.Dims[i] {
			exceptions.Panicf("buffer index %v out of range for dims %v", ix, b.Dims)
		}
		off = off*b.Dims[i] + x
	}
	return off
}

// At returns the element at the index.
func (b *Buffer) At(ix ...int) float32 { return b.Data[b.offset(ix)] }

// Set stores v at the index.
func (b *Buffer) Set(v float32, ix ...int) { b.Data[b.offset(ix)] = v }

// Fill sets every element to v.
func (b *Buffer) Fill(v float32) {
	for i := range b.Data {
		b.Data[i] = v
	}
}
