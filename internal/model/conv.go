package model

import (
	"encoding/json"
	"fmt"

	"github.com/hanielwang/Audio-Visual-TAD/internal/errs"
	"gonum.org/v1/gonum/mat"
)

// Conv1D is a stride-1 temporal convolution with "same" zero padding.
// Weight is Out x (Kernel*In); column j*In+c holds the tap for kernel offset j
// on input channel c.
type Conv1D struct {
	In     int
	Out    int
	Kernel int
	Weight *mat.Dense
	Bias   []float64
}

// NewConv1D allocates a zeroed convolution
func NewConv1D(in, out, kernel int) Conv1D {
	return Conv1D{
		In:     in,
		Out:    out,
		Kernel: kernel,
		Weight: mat.NewDense(out, kernel*in, nil),
		Bias:   make([]float64, out),
	}
}

// Forward applies the convolution to x (T x In). Masked input rows are treated
// as zeros and masked output rows are zeroed. A nil mask means all valid.
func (c Conv1D) Forward(x *mat.Dense, mask []bool) (*mat.Dense, error) {
	t, in := x.Dims()
	if in != c.In {
		return nil, &errs.InputShapeError{Stage: "conv1d", Field: "input channels", Want: c.In, Got: in}
	}
	if mask != nil && len(mask) != t {
		return nil, &errs.InputShapeError{Stage: "conv1d", Field: "mask length", Want: t, Got: len(mask)}
	}
	if t == 0 {
		return nil, &errs.InputShapeError{Stage: "conv1d", Field: "sequence length", Want: 1, Got: 0}
	}

	cols := im2col(x, mask, c.Kernel)

	out := mat.NewDense(t, c.Out, nil)
	out.Mul(cols, c.Weight.T())
	for i := 0; i < t; i++ {
		if mask != nil && !mask[i] {
			zeroRow(out, i)
			continue
		}
		row := out.RawRowView(i)
		for j := range row {
			row[j] += c.Bias[j]
		}
	}
	return out, nil
}

// im2col lays out every receptive window of x as one row of a T x (k*In)
// matrix so the convolution becomes a single matrix product.
func im2col(x *mat.Dense, mask []bool, k int) *mat.Dense {
	t, in := x.Dims()
	pad := k / 2
	cols := mat.NewDense(t, k*in, nil)
	for i := 0; i < t; i++ {
		dst := cols.RawRowView(i)
		for j := 0; j < k; j++ {
			src := i + j - pad
			if src < 0 || src >= t || (mask != nil && !mask[src]) {
				continue
			}
			copy(dst[j*in:(j+1)*in], x.RawRowView(src))
		}
	}
	return cols
}

func zeroRow(m *mat.Dense, i int) {
	row := m.RawRowView(i)
	for j := range row {
		row[j] = 0
	}
}

// ReLU clamps negative entries of m to zero in place
func ReLU(m *mat.Dense) {
	m.Apply(func(_, _ int, v float64) float64 {
		return max(v, 0)
	}, m)
}

func (c Conv1D) validate(name string, in, out int) error {
	if c.Kernel < 1 || c.Kernel%2 == 0 {
		return fmt.Errorf("%s: kernel size must be odd and positive, got %d", name, c.Kernel)
	}
	if c.In != in {
		return &errs.InputShapeError{Stage: "model", Field: name + " input channels", Want: in, Got: c.In}
	}
	if out > 0 && c.Out != out {
		return &errs.InputShapeError{Stage: "model", Field: name + " output channels", Want: out, Got: c.Out}
	}
	if c.Weight == nil {
		return fmt.Errorf("%s: missing weights", name)
	}
	r, cc := c.Weight.Dims()
	if r != c.Out || cc != c.Kernel*c.In {
		return fmt.Errorf("%s: weight is %dx%d, expected %dx%d", name, r, cc, c.Out, c.Kernel*c.In)
	}
	if len(c.Bias) != c.Out {
		return &errs.InputShapeError{Stage: "model", Field: name + " bias", Want: c.Out, Got: len(c.Bias)}
	}
	return nil
}

type conv1DJSON struct {
	In     int         `json:"in"`
	Out    int         `json:"out"`
	Kernel int         `json:"kernel"`
	Weight [][]float64 `json:"weight"`
	Bias   []float64   `json:"bias"`
}

// MarshalJSON writes the weight matrix as nested rows
func (c Conv1D) MarshalJSON() ([]byte, error) {
	w := make([][]float64, c.Out)
	for i := range w {
		w[i] = mat.Row(nil, i, c.Weight)
	}
	return json.Marshal(conv1DJSON{In: c.In, Out: c.Out, Kernel: c.Kernel, Weight: w, Bias: c.Bias})
}

// UnmarshalJSON reads the layout written by MarshalJSON
func (c *Conv1D) UnmarshalJSON(data []byte) error {
	var raw conv1DJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Out < 1 || raw.In < 1 || raw.Kernel < 1 {
		return fmt.Errorf("conv1d: invalid shape in=%d out=%d kernel=%d", raw.In, raw.Out, raw.Kernel)
	}
	if len(raw.Weight) != raw.Out {
		return fmt.Errorf("conv1d: %d weight rows, expected %d", len(raw.Weight), raw.Out)
	}

	w := mat.NewDense(raw.Out, raw.Kernel*raw.In, nil)
	for i, row := range raw.Weight {
		if len(row) != raw.Kernel*raw.In {
			return fmt.Errorf("conv1d: weight row %d has %d entries, expected %d", i, len(row), raw.Kernel*raw.In)
		}
		w.SetRow(i, row)
	}

	*c = Conv1D{In: raw.In, Out: raw.Out, Kernel: raw.Kernel, Weight: w, Bias: raw.Bias}
	return nil
}
