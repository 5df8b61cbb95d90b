package cpu

import (
	"fmt"
	"math"
)

// DType identifies the element storage format of a Tensor.
type DType int

const (
	F32 DType = iota
	F16
)

func (d DType) ElemSize() int {
	if d == F16 {
		return 2
	}
	return 4
}

func (d DType) String() string {
	switch d {
	case F16:
		return "f16"
	default:
		return "f32"
	}
}

// Tensor is a dense row-major array. F32 tensors store float32 directly,
// F16 tensors store IEEE half-precision bit patterns in uint16.
type Tensor struct {
	name         string
	dtype        DType
	dims         []int
	f32          []float32
	f16          []uint16
	requiresGrad bool
}

// NewTensor allocates a zero-initialized tensor.
func NewTensor(name string, dtype DType, dims ...int) *Tensor {
	n := 1
	for _, d := range dims {
		n *= d
	}
	t := &Tensor{name: name, dtype: dtype, dims: append([]int{}, dims...)}
	switch dtype {
	case F16:
		t.f16 = make([]uint16, n)
	default:
		t.f32 = make([]float32, n)
	}
	return t
}

// FromSlice wraps an existing float32 slice as an F32 tensor. The slice is
// not copied, so callers share storage with the tensor.
func FromSlice(name string, data []float32, dims ...int) *Tensor {
	n := 1
	for _, d := range dims {
		n *= d
	}
	if n != len(data) {
		panic(fmt.Sprintf("cpu: FromSlice %s: dims %v need %d elements, got %d", name, dims, n, len(data)))
	}
	return &Tensor{name: name, dtype: F32, dims: append([]int{}, dims...), f32: data}
}

func (t *Tensor) Name() string { return t.name }
func (t *Tensor) DType() DType { return t.dtype }
func (t *Tensor) Dims() []int  { return t.dims }

func (t *Tensor) NumElements() int {
	n := 1
	for _, d := range t.dims {
		n *= d
	}
	return n
}

// Rows and Cols view the tensor as 2-D: the last dim is the column count
// and all leading dims collapse into rows.
func (t *Tensor) Rows() int {
	if len(t.dims) == 0 {
		return 0
	}
	return t.NumElements() / t.dims[len(t.dims)-1]
}

func (t *Tensor) Cols() int {
	if len(t.dims) == 0 {
		return 0
	}
	return t.dims[len(t.dims)-1]
}

func (t *Tensor) RequiresGrad() bool       { return t.requiresGrad }
func (t *Tensor) SetRequiresGrad(req bool) { t.requiresGrad = req }

// F32 returns the raw float32 storage. Panics for F16 tensors.
func (t *Tensor) F32() []float32 {
	if t.dtype != F32 {
		panic(fmt.Sprintf("cpu: tensor %s is %s, not f32", t.name, t.dtype))
	}
	return t.f32
}

// F16 returns the raw half-precision storage. Panics for F32 tensors.
func (t *Tensor) F16() []uint16 {
	if t.dtype != F16 {
		panic(fmt.Sprintf("cpu: tensor %s is %s, not f16", t.name, t.dtype))
	}
	return t.f16
}

// Row returns row r decoded to float32. For F32 tensors this aliases the
// underlying storage; for F16 it decodes into dst (which must be Cols long).
func (t *Tensor) Row(r int, dst []float32) []float32 {
	cols := t.Cols()
	if t.dtype == F32 {
		return t.f32[r*cols : (r+1)*cols]
	}
	Fp16ToFp32(t.f16[r*cols:(r+1)*cols], dst[:cols])
	return dst[:cols]
}

// SetRow stores vals into row r, encoding to half precision if needed.
func (t *Tensor) SetRow(r int, vals []float32) {
	cols := t.Cols()
	if t.dtype == F32 {
		copy(t.f32[r*cols:(r+1)*cols], vals[:cols])
		return
	}
	Fp32ToFp16(vals[:cols], t.f16[r*cols:(r+1)*cols])
}

// Reshape returns a tensor sharing t's storage with new dims. The element
// count must be unchanged.
func (t *Tensor) Reshape(dims ...int) *Tensor {
	n := 1
	for _, d := range dims {
		n *= d
	}
	if n != t.NumElements() {
		panic(fmt.Sprintf("cpu: Reshape %s: %v incompatible with %v", t.name, dims, t.dims))
	}
	out := *t
	out.dims = append([]int{}, dims...)
	return &out
}

// ToF32 decodes the whole tensor into a fresh float32 slice.
func (t *Tensor) ToF32() []float32 {
	out := make([]float32, t.NumElements())
	if t.dtype == F32 {
		copy(out, t.f32)
	} else {
		Fp16ToFp32(t.f16, out)
	}
	return out
}

// CastTo returns a copy of t in the requested dtype. Casting F32 to F16
// rounds every element through half precision.
func (t *Tensor) CastTo(name string, dtype DType) *Tensor {
	out := NewTensor(name, dtype, t.dims...)
	src := t.ToF32()
	if dtype == F32 {
		copy(out.f32, src)
	} else {
		Fp32ToFp16(src, out.f16)
	}
	return out
}

// RoundF16 rounds every element of x through half precision in place.
// Used to emulate a reduced-precision matmul on float32 storage.
func RoundF16(x []float32) {
	for i, v := range x {
		x[i] = F16ToF32(F32ToF16(v))
	}
}

// F32ToF16 converts a float32 to IEEE 754 half-precision bits, with
// round-toward-zero on the mantissa and clamping to infinity on overflow.
func F32ToF16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := bits >> 31
	exp := (bits >> 23) & 0xFF
	mant := bits & 0x7FFFFF
	var h uint16
	switch {
	case exp == 0:
		h = 0
	case exp == 255:
		h = uint16(sign<<15) | 0x7C00 | uint16(mant>>9)
	default:
		newExp := int(exp) - 127 + 15
		switch {
		case newExp >= 31:
			h = uint16(sign<<15) | 0x7C00
		case newExp <= 0:
			shift := uint32(1 - newExp)
			m := mant | 0x800000
			if shift < 24 {
				h = uint16(sign<<15) | uint16(m>>(9+shift))
			} else {
				h = uint16(sign << 15)
			}
		default:
			h = uint16(sign<<15) | uint16(newExp<<10) | uint16(mant>>13)
		}
	}
	return h
}

// F16ToF32 converts IEEE 754 half-precision bits to float32.
func F16ToF32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1F
	mant := uint32(h) & 0x3FF
	var f32 uint32
	switch {
	case exp == 0:
		if mant == 0 {
			f32 = sign << 31
		} else {
			shift := uint32(0)
			m := mant
			for m < 0x400 {
				m <<= 1
				shift++
			}
			m = (m & 0x3FF) << 13
			e := uint32(127 - 14 - shift)
			f32 = (sign << 31) | (e << 23) | m
		}
	case exp == 31:
		f32 = (sign << 31) | 0x7F800000 | (mant << 13)
	default:
		newExp := exp - 15 + 127
		f32 = (sign << 31) | (newExp << 23) | (mant << 13)
	}
	return math.Float32frombits(f32)
}

// Fp16ToFp32 decodes half-precision bits into dst. Lengths must match.
func Fp16ToFp32(src []uint16, dst []float32) {
	if len(src) != len(dst) {
		return
	}
	for i, h := range src {
		dst[i] = F16ToF32(h)
	}
}

// Fp32ToFp16 encodes float32 values into half-precision bits. Lengths must match.
func Fp32ToFp16(src []float32, dst []uint16) {
	if len(src) != len(dst) {
		return
	}
	for i, f := range src {
		dst[i] = F32ToF16(f)
	}
}
