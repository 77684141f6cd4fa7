// Package pyramid builds the multi-scale temporal feature pyramid consumed by
// the prediction head.
package pyramid

import (
	"fmt"

	"github.com/hanielwang/Audio-Visual-TAD/internal/errs"
	"github.com/hanielwang/Audio-Visual-TAD/internal/features"
	"github.com/hanielwang/Audio-Visual-TAD/internal/model"
	"gonum.org/v1/gonum/mat"
)

// Pooling selects the downsampling operator between levels
type Pooling string

const (
	MaxPool Pooling = "max"
	AvgPool Pooling = "avg"
)

// Config controls pyramid construction
type Config struct {
	// Levels caps the number of levels; 0 uses every level the model supports.
	Levels      int     `yaml:"levels"`
	Factor      int     `yaml:"factor"`
	Pooling     Pooling `yaml:"pooling"`
	PadToStride bool    `yaml:"pad_to_stride"`
}

// DefaultConfig returns the standard 2x max-pool pyramid
func DefaultConfig() Config {
	return Config{
		Levels:  0,
		Factor:  2,
		Pooling: MaxPool,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Levels < 0 {
		return errs.Range("pyramid.levels", c.Levels, "must not be negative")
	}
	if c.Factor < 2 {
		return errs.Range("pyramid.factor", c.Factor, "must be at least 2")
	}
	switch c.Pooling {
	case MaxPool, AvgPool:
	default:
		return errs.Range("pyramid.pooling", c.Pooling, "must be max or avg")
	}
	return nil
}

// Level is one resolution of the pyramid
type Level struct {
	Index          int
	Stride         int
	ReceptiveField int
	Features       *mat.Dense
	Mask           []bool
}

// Len returns the number of timesteps at this level
func (l Level) Len() int {
	r, _ := l.Features.Dims()
	return r
}

// Build embeds seq and derives coarser levels by pooling and convolution.
// Levels whose length would reach zero are dropped, so at least one level is
// produced for any non-empty sequence.
func Build(seq *features.Sequence, p *model.Params, cfg Config) ([]Level, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if seq.Dim() != p.InputDim {
		return nil, &errs.InputShapeError{Stage: "pyramid", Field: "feature dim", Want: p.InputDim, Got: seq.Dim()}
	}
	if seq.Len() == 0 {
		return nil, &errs.InputShapeError{Stage: "pyramid", Field: "sequence length", Want: 1, Got: 0}
	}

	numLevels := p.Levels()
	if cfg.Levels > 0 {
		numLevels = min(numLevels, cfg.Levels)
	}

	if cfg.PadToStride {
		seq = seq.PadTo(paddedLength(seq.Len(), MaxStride(numLevels, cfg.Factor)))
	}

	x, err := p.Embed.Forward(seq.Data, seq.Mask)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	model.ReLU(x)

	levels := make([]Level, 0, numLevels)
	levels = append(levels, Level{
		Index:          0,
		Stride:         1,
		ReceptiveField: p.Embed.Kernel,
		Features:       x,
		Mask:           seq.Mask,
	})

	for l := 1; l < numLevels; l++ {
		prev := levels[l-1]
		n := prev.Len() / cfg.Factor
		if n == 0 {
			break
		}

		pooled := pool(prev.Features, n, cfg.Factor, cfg.Pooling)
		mask := downsampleMask(prev.Mask, n, cfg.Factor)

		conv := p.Downsample[l-1]
		out, err := conv.Forward(pooled, mask)
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", l, err)
		}
		model.ReLU(out)

		stride := prev.Stride * cfg.Factor
		levels = append(levels, Level{
			Index:          l,
			Stride:         stride,
			ReceptiveField: prev.ReceptiveField + (cfg.Factor-1)*prev.Stride + (conv.Kernel-1)*stride,
			Features:       out,
			Mask:           mask,
		})
	}

	return levels, nil
}

// MaxStride returns the stride of the coarsest of n levels
func MaxStride(n, factor int) int {
	s := 1
	for i := 1; i < n; i++ {
		s *= factor
	}
	return s
}

func paddedLength(t, stride int) int {
	if stride <= 1 || t%stride == 0 {
		return t
	}
	return (t/stride + 1) * stride
}

// pool reduces x to n rows with non-overlapping windows of size factor
func pool(x *mat.Dense, n, factor int, kind Pooling) *mat.Dense {
	_, c := x.Dims()
	out := mat.NewDense(n, c, nil)
	for i := 0; i < n; i++ {
		dst := out.RawRowView(i)
		copy(dst, x.RawRowView(i*factor))
		for k := 1; k < factor; k++ {
			src := x.RawRowView(i*factor + k)
			for j, v := range src {
				if kind == MaxPool {
					dst[j] = max(dst[j], v)
				} else {
					dst[j] += v
				}
			}
		}
		if kind == AvgPool {
			for j := range dst {
				dst[j] /= float64(factor)
			}
		}
	}
	return out
}

func downsampleMask(mask []bool, n, factor int) []bool {
	out := make([]bool, n)
	for i := range out {
		out[i] = mask[i*factor]
	}
	return out
}
