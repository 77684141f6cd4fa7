package decode

import (
	"errors"
	"math"
	"testing"

	"github.com/hanielwang/Audio-Visual-TAD/internal/errs"
	"github.com/hanielwang/Audio-Visual-TAD/internal/features"
	"github.com/hanielwang/Audio-Visual-TAD/internal/head"
	"github.com/hanielwang/Audio-Visual-TAD/internal/segments"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// logit is the inverse of Sigmoid
func logit(p float64) float64 {
	return math.Log(p / (1 - p))
}

func identitySeq(t *testing.T, n int) *features.Sequence {
	t.Helper()
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = []float64{0}
	}
	seq, err := features.NewSequence(rows, nil, features.TimeBase{})
	require.NoError(t, err)
	return seq
}

// uniformPrediction builds a level where every timestep predicts the same
// class probabilities and offsets.
func uniformPrediction(n, stride int, probs map[segments.Branch][]float64, left, right, ctr float64) *head.LevelPrediction {
	pred := &head.LevelPrediction{
		Stride:     stride,
		Logits:     make(map[segments.Branch]*mat.Dense),
		Offsets:    mat.NewDense(n, 2, nil),
		Centricity: make([]float64, n),
		Mask:       make([]bool, n),
	}
	for b, p := range probs {
		m := mat.NewDense(n, len(p), nil)
		for i := 0; i < n; i++ {
			for k, v := range p {
				m.Set(i, k, logit(v))
			}
		}
		pred.Logits[b] = m
	}
	for i := 0; i < n; i++ {
		pred.Offsets.Set(i, 0, left)
		pred.Offsets.Set(i, 1, right)
		pred.Centricity[i] = logit(ctr)
		pred.Mask[i] = true
	}
	return pred
}

func TestDecodeSurvivorsAreWellFormed(t *testing.T) {
	pred := uniformPrediction(10, 2, map[segments.Branch][]float64{
		segments.Action: {0.2, 0.9, 0.6},
	}, 1.5, 2, 0.8)

	cfg := DefaultConfig()
	out, err := Decode(identitySeq(t, 20), []*head.LevelPrediction{pred}, cfg)
	require.NoError(t, err)

	cands := out.Candidates[segments.Action]
	require.Len(t, cands, 30)
	for _, c := range cands {
		assert.Less(t, c.Start, c.End)
		assert.Greater(t, c.Score, 0.0)
		assert.LessOrEqual(t, c.Score, 1.0)
		assert.Equal(t, segments.Action, c.Branch)
	}

	first := cands[0]
	assert.Equal(t, 1, first.ClassID)
	assert.InDelta(t, 0.9*0.8, first.Score, 1e-9)
	assert.Equal(t, 0, first.Timestep, "ties break on earliest start")
	assert.InDelta(t, -3.0, first.Start, 1e-9, "identity time base does not clamp")
	assert.InDelta(t, 4.0, first.End, 1e-9)
}

func TestDecodeAppliesTimeBase(t *testing.T) {
	pred := uniformPrediction(4, 1, map[segments.Branch][]float64{
		segments.Verb: {0.9},
	}, 1, 1, 0.9)

	seq := identitySeq(t, 4)
	seq.Time = features.TimeBase{FPS: 30, FeatStride: 15, NumFrames: 30, Duration: 2}

	out, err := Decode(seq, []*head.LevelPrediction{pred}, DefaultConfig())
	require.NoError(t, err)

	byStep := map[int]segments.Candidate{}
	for _, c := range out.Candidates[segments.Verb] {
		byStep[c.Timestep] = c
	}
	// timestep 1: grid [0, 2] -> seconds [0.5, 1.5]
	assert.InDelta(t, 0.5, byStep[1].Start, 1e-9)
	assert.InDelta(t, 1.5, byStep[1].End, 1e-9)
	// timestep 3: grid [2, 4] -> [1.5, 2.5] clamped to duration
	assert.InDelta(t, 2.0, byStep[3].End, 1e-9)
}

func TestDecodeThresholds(t *testing.T) {
	pred := uniformPrediction(5, 1, map[segments.Branch][]float64{
		segments.Noun: {0.3, 0.05},
	}, 1, 1, 0.4)

	cfg := DefaultConfig()
	cfg.ClassThreshold[segments.Noun] = 0.1
	out, err := Decode(identitySeq(t, 5), []*head.LevelPrediction{pred}, cfg)
	require.NoError(t, err)
	for _, c := range out.Candidates[segments.Noun] {
		assert.Equal(t, 0, c.ClassID)
	}
	assert.Len(t, out.Candidates[segments.Noun], 5)

	cfg.CentricityThreshold = 0.5
	out, err = Decode(identitySeq(t, 5), []*head.LevelPrediction{pred}, cfg)
	require.NoError(t, err)
	assert.Empty(t, out.Candidates[segments.Noun])
	assert.Equal(t, 0, out.Total())
}

func TestDecodeSkipsMaskedTimesteps(t *testing.T) {
	pred := uniformPrediction(6, 1, map[segments.Branch][]float64{
		segments.Action: {0.9},
	}, 1, 1, 0.9)
	pred.Mask[4], pred.Mask[5] = false, false

	out, err := Decode(identitySeq(t, 6), []*head.LevelPrediction{pred}, DefaultConfig())
	require.NoError(t, err)
	require.Len(t, out.Candidates[segments.Action], 4)
	for _, c := range out.Candidates[segments.Action] {
		assert.Less(t, c.Timestep, 4)
	}
}

func TestDecodeCountsDegenerateSegments(t *testing.T) {
	pred := uniformPrediction(4, 1, map[segments.Branch][]float64{
		segments.Action: {0.9, 0.8},
	}, 0, 0, 0.9)
	pred.Offsets.Set(2, 1, 1)

	out, err := Decode(identitySeq(t, 4), []*head.LevelPrediction{pred}, DefaultConfig())
	require.NoError(t, err)
	assert.Len(t, out.Candidates[segments.Action], 2)
	assert.Equal(t, 6, out.Degenerate)
}

func TestDecodeWeightedFusion(t *testing.T) {
	pred := uniformPrediction(1, 1, map[segments.Branch][]float64{
		segments.Action: {0.6},
	}, 1, 1, 0.2)

	cfg := DefaultConfig()
	cfg.Fusion = Weighted
	cfg.FusionWeight = 0.75
	out, err := Decode(identitySeq(t, 1), []*head.LevelPrediction{pred}, cfg)
	require.NoError(t, err)
	require.Len(t, out.Candidates[segments.Action], 1)
	assert.InDelta(t, 0.75*0.6+0.25*0.2, out.Candidates[segments.Action][0].Score, 1e-9)
}

func TestDecodePreNMSTopK(t *testing.T) {
	pred := uniformPrediction(10, 1, map[segments.Branch][]float64{
		segments.Action: {0.5},
	}, 1, 1, 0.9)
	for i := 0; i < 10; i++ {
		pred.Centricity[i] = logit(0.1 + 0.05*float64(i))
	}

	cfg := DefaultConfig()
	cfg.PreNMSTopK = 3
	out, err := Decode(identitySeq(t, 10), []*head.LevelPrediction{pred, pred}, cfg)
	require.NoError(t, err)

	cands := out.Candidates[segments.Action]
	require.Len(t, cands, 6, "top-k applies per level")
	for _, c := range cands {
		assert.GreaterOrEqual(t, c.Timestep, 7)
	}
}

func TestDecodeCentricityRanksInsideSegmentFirst(t *testing.T) {
	// Same class score everywhere; centricity peaks at timestep 5 of a
	// segment [3, 7) and is low far outside it.
	pred := uniformPrediction(10, 1, map[segments.Branch][]float64{
		segments.Action: {0.1, 0.1, 0.7},
	}, 2, 2, 0.05)
	pred.Centricity[5] = logit(0.95)
	pred.Centricity[4] = logit(0.7)
	pred.Centricity[6] = logit(0.7)

	cfg := DefaultConfig()
	cfg.ClassThreshold[segments.Action] = 0.5
	out, err := Decode(identitySeq(t, 10), []*head.LevelPrediction{pred}, cfg)
	require.NoError(t, err)

	cands := out.Candidates[segments.Action]
	require.NotEmpty(t, cands)
	assert.Equal(t, 5, cands[0].Timestep)
	assert.Equal(t, 2, cands[0].ClassID)

	rank := map[int]int{}
	for i, c := range cands {
		rank[c.Timestep] = i
	}
	assert.Less(t, rank[5], rank[9])
}

func TestDecodeComposesActions(t *testing.T) {
	pred := uniformPrediction(2, 1, map[segments.Branch][]float64{
		segments.Verb: {0.1, 0.9, 0.5},
		segments.Noun: {0.8, 0.2, 0.4, 0.6},
	}, 1, 1, 0.5)

	cfg := DefaultConfig()
	cfg.VerbTopK = 2
	cfg.NounTopK = 2
	out, err := Decode(identitySeq(t, 2), []*head.LevelPrediction{pred}, cfg)
	require.NoError(t, err)

	actions := out.Candidates[segments.Action]
	require.Len(t, actions, 8, "2 verbs x 2 nouns x 2 timesteps")

	best := actions[0]
	assert.Equal(t, 1*4+0, best.ClassID, "verb 1 with noun 0")
	assert.InDelta(t, 0.9*0.8*0.5, best.Score, 1e-9)

	classes := map[int]bool{}
	for _, a := range actions {
		classes[a.ClassID] = true
	}
	assert.Equal(t, map[int]bool{4: true, 7: true, 8: true, 11: true}, classes)

	assert.Len(t, out.Candidates[segments.Verb], 6)
	assert.Len(t, out.Candidates[segments.Noun], 8)
}

func TestDecodeDoesNotComposeWithActionHead(t *testing.T) {
	pred := uniformPrediction(2, 1, map[segments.Branch][]float64{
		segments.Action: {0.9},
		segments.Verb:   {0.9},
		segments.Noun:   {0.9},
	}, 1, 1, 0.5)

	out, err := Decode(identitySeq(t, 2), []*head.LevelPrediction{pred}, DefaultConfig())
	require.NoError(t, err)
	for _, a := range out.Candidates[segments.Action] {
		assert.Equal(t, 0, a.ClassID)
	}
	assert.Len(t, out.Candidates[segments.Action], 2)
}

func TestDecodeIsDeterministic(t *testing.T) {
	pred := uniformPrediction(16, 2, map[segments.Branch][]float64{
		segments.Verb: {0.4, 0.4, 0.7},
		segments.Noun: {0.3, 0.9},
	}, 1, 3, 0.6)

	a, err := Decode(identitySeq(t, 32), []*head.LevelPrediction{pred}, DefaultConfig())
	require.NoError(t, err)
	b, err := Decode(identitySeq(t, 32), []*head.LevelPrediction{pred}, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDecodeRejectsMismatchedShapes(t *testing.T) {
	probs := map[segments.Branch][]float64{segments.Verb: {0.6}}
	tests := []struct {
		name   string
		mutate func(p *head.LevelPrediction)
		field  string
	}{
		{"short offsets", func(p *head.LevelPrediction) { p.Offsets = mat.NewDense(2, 2, nil) }, "offsets rows"},
		{"missing offsets", func(p *head.LevelPrediction) { p.Offsets = nil }, "offsets rows"},
		{"wide offsets", func(p *head.LevelPrediction) { p.Offsets = mat.NewDense(4, 3, nil) }, "offsets columns"},
		{"short centricity", func(p *head.LevelPrediction) { p.Centricity = p.Centricity[:3] }, "centricity length"},
		{"short logits", func(p *head.LevelPrediction) { p.Logits[segments.Verb] = mat.NewDense(3, 1, nil) }, "verb logits rows"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pred := uniformPrediction(4, 1, probs, 1, 1, 0.5)
			tt.mutate(pred)

			var out *Output
			var err error
			require.NotPanics(t, func() {
				out, err = Decode(identitySeq(t, 4), []*head.LevelPrediction{pred}, DefaultConfig())
			})
			assert.Nil(t, out)
			assert.ErrorIs(t, err, errs.ErrInputShape)

			var shape *errs.InputShapeError
			require.True(t, errors.As(err, &shape))
			assert.Equal(t, "decode", shape.Stage)
			assert.Equal(t, tt.field, shape.Field)
		})
	}

	_, err := Decode(identitySeq(t, 4), []*head.LevelPrediction{nil}, DefaultConfig())
	assert.ErrorIs(t, err, errs.ErrInputShape)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative centricity", func(c *Config) { c.CentricityThreshold = -0.1 }},
		{"class threshold one", func(c *Config) { c.ClassThreshold[segments.Verb] = 1 }},
		{"unknown fusion", func(c *Config) { c.Fusion = "max" }},
		{"weight out of range", func(c *Config) { c.Fusion = Weighted; c.FusionWeight = 1.5 }},
		{"zero topk", func(c *Config) { c.PreNMSTopK = 0 }},
		{"zero verb topk", func(c *Config) { c.VerbTopK = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.True(t, errors.Is(cfg.Validate(), errs.ErrConfigRange))
		})
	}
	assert.NoError(t, DefaultConfig().Validate())
}
