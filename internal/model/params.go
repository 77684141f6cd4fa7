package model

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"slices"

	"github.com/hanielwang/Audio-Visual-TAD/internal/errs"
	"github.com/hanielwang/Audio-Visual-TAD/internal/segments"
)

// Architecture fixes the shapes of a model
type Architecture struct {
	InputDim    int                     `yaml:"input_dim" json:"input_dim"`
	EmbedDim    int                     `yaml:"embed_dim" json:"embed_dim"`
	EmbedKernel int                     `yaml:"embed_kernel" json:"embed_kernel"`
	HeadKernel  int                     `yaml:"head_kernel" json:"head_kernel"`
	HeadLayers  int                     `yaml:"head_layers" json:"head_layers"`
	Levels      int                     `yaml:"levels" json:"levels"`
	NumClasses  map[segments.Branch]int `yaml:"num_classes" json:"num_classes"`
}

// DefaultArchitecture mirrors the EPIC-Kitchens setup: 2304-d visual plus
// 2304-d audio features, verb/noun/action vocabularies.
func DefaultArchitecture() Architecture {
	return Architecture{
		InputDim:    4608,
		EmbedDim:    512,
		EmbedKernel: 3,
		HeadKernel:  3,
		HeadLayers:  3,
		Levels:      6,
		NumClasses: map[segments.Branch]int{
			segments.Verb: 97,
			segments.Noun: 300,
		},
	}
}

// Validate checks the architecture is buildable
func (a Architecture) Validate() error {
	if a.InputDim < 1 {
		return errs.Range("model.input_dim", a.InputDim, "must be positive")
	}
	if a.EmbedDim < 1 {
		return errs.Range("model.embed_dim", a.EmbedDim, "must be positive")
	}
	if a.EmbedKernel < 1 || a.EmbedKernel%2 == 0 {
		return errs.Range("model.embed_kernel", a.EmbedKernel, "must be odd and positive")
	}
	if a.HeadKernel < 1 || a.HeadKernel%2 == 0 {
		return errs.Range("model.head_kernel", a.HeadKernel, "must be odd and positive")
	}
	if a.HeadLayers < 1 {
		return errs.Range("model.head_layers", a.HeadLayers, "must be at least 1")
	}
	if a.Levels < 1 {
		return errs.Range("model.levels", a.Levels, "must be at least 1")
	}
	if len(a.NumClasses) == 0 {
		return errs.Range("model.num_classes", len(a.NumClasses), "must name at least one branch")
	}
	for b, k := range a.NumClasses {
		if _, err := segments.ParseBranch(string(b)); err != nil {
			return errs.Range("model.num_classes", b, "is not a known branch")
		}
		if k < 1 {
			return errs.Range("model.num_classes."+string(b), k, "must be positive")
		}
	}
	return nil
}

// Tower is a stack of masked conv+ReLU layers followed by an output conv
type Tower struct {
	Layers []Conv1D `json:"layers"`
	Out    Conv1D   `json:"out"`
}

// Regression predicts boundary offsets and centricity from a shared tower
type Regression struct {
	Layers     []Conv1D `json:"layers"`
	Offsets    Conv1D   `json:"offsets"`
	Centricity Conv1D   `json:"centricity"`
}

// Params holds every trained weight needed at inference time.
// Params are read-only once loaded and may be shared across goroutines.
type Params struct {
	InputDim    int                        `json:"input_dim"`
	EmbedDim    int                        `json:"embed_dim"`
	Embed       Conv1D                     `json:"embed"`
	Downsample  []Conv1D                   `json:"downsample"`
	Scales      []float64                  `json:"scales"`
	Regression  Regression                 `json:"regression"`
	Classifiers map[segments.Branch]Tower `json:"classifiers"`
}

// Levels returns the maximum number of pyramid levels the weights support
func (p *Params) Levels() int {
	return 1 + len(p.Downsample)
}

// Branches returns the branches with a trained classifier, in canonical order
func (p *Params) Branches() []segments.Branch {
	var out []segments.Branch
	for _, b := range segments.Branches() {
		if _, ok := p.Classifiers[b]; ok {
			out = append(out, b)
		}
	}
	return out
}

// NumClasses returns the vocabulary size of a branch, 0 if it has no classifier
func (p *Params) NumClasses(b segments.Branch) int {
	t, ok := p.Classifiers[b]
	if !ok {
		return 0
	}
	return t.Out.Out
}

// Validate checks that all weight shapes agree with each other
func (p *Params) Validate() error {
	if err := p.Embed.validate("embed", p.InputDim, p.EmbedDim); err != nil {
		return err
	}
	for i, c := range p.Downsample {
		if err := c.validate(fmt.Sprintf("downsample[%d]", i), p.EmbedDim, p.EmbedDim); err != nil {
			return err
		}
	}
	if len(p.Scales) != p.Levels() {
		return &errs.InputShapeError{Stage: "model", Field: "scales", Want: p.Levels(), Got: len(p.Scales)}
	}
	for i, c := range p.Regression.Layers {
		if err := c.validate(fmt.Sprintf("regression.layers[%d]", i), p.EmbedDim, p.EmbedDim); err != nil {
			return err
		}
	}
	if err := p.Regression.Offsets.validate("regression.offsets", p.EmbedDim, 2); err != nil {
		return err
	}
	if err := p.Regression.Centricity.validate("regression.centricity", p.EmbedDim, 1); err != nil {
		return err
	}
	if len(p.Classifiers) == 0 {
		return fmt.Errorf("model has no classifiers")
	}
	for b, t := range p.Classifiers {
		if _, err := segments.ParseBranch(string(b)); err != nil {
			return err
		}
		for i, c := range t.Layers {
			if err := c.validate(fmt.Sprintf("classifiers.%s.layers[%d]", b, i), p.EmbedDim, p.EmbedDim); err != nil {
				return err
			}
		}
		if err := t.Out.validate(fmt.Sprintf("classifiers.%s.out", b), p.EmbedDim, 0); err != nil {
			return err
		}
	}
	return nil
}

// NewRandom builds deterministic randomly initialised weights.
// Classifier biases use the focal-loss prior so initial probabilities sit
// near 0.01.
func NewRandom(arch Architecture, seed uint64) (*Params, error) {
	if err := arch.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	p := &Params{
		InputDim:    arch.InputDim,
		EmbedDim:    arch.EmbedDim,
		Embed:       randomConv(rng, arch.InputDim, arch.EmbedDim, arch.EmbedKernel),
		Scales:      make([]float64, arch.Levels),
		Classifiers: make(map[segments.Branch]Tower, len(arch.NumClasses)),
	}
	for i := 1; i < arch.Levels; i++ {
		p.Downsample = append(p.Downsample, randomConv(rng, arch.EmbedDim, arch.EmbedDim, arch.HeadKernel))
	}
	for i := range p.Scales {
		p.Scales[i] = 1
	}

	for i := 0; i < arch.HeadLayers-1; i++ {
		p.Regression.Layers = append(p.Regression.Layers, randomConv(rng, arch.EmbedDim, arch.EmbedDim, arch.HeadKernel))
	}
	p.Regression.Offsets = randomConv(rng, arch.EmbedDim, 2, arch.HeadKernel)
	p.Regression.Centricity = randomConv(rng, arch.EmbedDim, 1, arch.HeadKernel)

	priorBias := -math.Log((1 - 0.01) / 0.01)
	branches := make([]segments.Branch, 0, len(arch.NumClasses))
	for b := range arch.NumClasses {
		branches = append(branches, b)
	}
	slices.Sort(branches)
	for _, b := range branches {
		var t Tower
		for i := 0; i < arch.HeadLayers-1; i++ {
			t.Layers = append(t.Layers, randomConv(rng, arch.EmbedDim, arch.EmbedDim, arch.HeadKernel))
		}
		t.Out = randomConv(rng, arch.EmbedDim, arch.NumClasses[b], arch.HeadKernel)
		for j := range t.Out.Bias {
			t.Out.Bias[j] = priorBias
		}
		p.Classifiers[b] = t
	}

	return p, nil
}

func randomConv(rng *rand.Rand, in, out, kernel int) Conv1D {
	c := NewConv1D(in, out, kernel)
	std := math.Sqrt(2.0 / float64(in*kernel))
	raw := c.Weight.RawMatrix().Data
	for i := range raw {
		raw[i] = rng.NormFloat64() * std
	}
	return c
}

// Load reads parameters from a JSON model file
func Load(path string) (*Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	var p Params
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse model %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("model %s: %w", path, err)
	}
	return &p, nil
}

// Save writes parameters as JSON
func (p *Params) Save(path string) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
