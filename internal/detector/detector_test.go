package detector

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/hanielwang/Audio-Visual-TAD/internal/errs"
	"github.com/hanielwang/Audio-Visual-TAD/internal/features"
	"github.com/hanielwang/Audio-Visual-TAD/internal/head"
	"github.com/hanielwang/Audio-Visual-TAD/internal/model"
	"github.com/hanielwang/Audio-Visual-TAD/internal/pyramid"
	"github.com/hanielwang/Audio-Visual-TAD/internal/segments"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func testParams(t *testing.T) *model.Params {
	t.Helper()
	p, err := model.NewRandom(model.Architecture{
		InputDim:    6,
		EmbedDim:    8,
		EmbedKernel: 3,
		HeadKernel:  3,
		HeadLayers:  2,
		Levels:      4,
		NumClasses: map[segments.Branch]int{
			segments.Verb: 4,
			segments.Noun: 6,
		},
	}, 17)
	require.NoError(t, err)
	// Lift the classifier prior so random weights produce candidates.
	for b, tower := range p.Classifiers {
		for i := range tower.Out.Bias {
			tower.Out.Bias[i] = 0
		}
		p.Classifiers[b] = tower
	}
	return p
}

func testSequence(t *testing.T, n, dim int) *features.Sequence {
	t.Helper()
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = make([]float64, dim)
		for j := range rows[i] {
			rows[i][j] = float64((i*7+j*3)%11) / 11
		}
	}
	seq, err := features.NewSequence(rows, nil, features.TimeBase{FPS: 30, FeatStride: 8, NumFrames: 16, Duration: float64(n*8) / 30})
	require.NoError(t, err)
	return seq
}

func newDetector(t *testing.T, logger zerolog.Logger, p *model.Params, pred head.Predictor) *Detector {
	t.Helper()
	if pred == nil {
		h, err := head.New(p)
		require.NoError(t, err)
		pred = h
	}
	d, err := New(logger, p, pred, DefaultConfig())
	require.NoError(t, err)
	return d
}

func TestDetectProducesRankedDetections(t *testing.T) {
	p := testParams(t)
	d := newDetector(t, zerolog.Nop(), p, nil)
	seq := testSequence(t, 64, 6)

	res, err := d.Detect(context.Background(), "P01_01", seq)
	require.NoError(t, err)

	assert.Equal(t, "P01_01", res.VideoID)
	assert.Equal(t, 4, res.Stats.Levels)
	assert.Contains(t, res.Detections, segments.Verb)
	assert.Contains(t, res.Detections, segments.Noun)
	assert.Contains(t, res.Detections, segments.Action, "actions are composed from verbs and nouns")

	total := 0
	for b, dets := range res.Detections {
		total += len(dets)
		assert.LessOrEqual(t, len(dets), DefaultConfig().NMS.TopK)
		for i, det := range dets {
			assert.Equal(t, b, det.Branch)
			assert.Equal(t, i+1, det.Rank)
			assert.Less(t, det.Start, det.End)
			assert.GreaterOrEqual(t, det.Start, 0.0)
			assert.LessOrEqual(t, det.End, seq.Time.Duration)
			assert.Greater(t, det.Score, 0.0)
			assert.LessOrEqual(t, det.Score, 1.0)
			if i > 0 {
				assert.LessOrEqual(t, det.Score, dets[i-1].Score)
			}
		}
	}
	assert.Equal(t, total, res.Stats.Detections)
	assert.LessOrEqual(t, res.Stats.Detections, res.Stats.Candidates)
}

func TestDetectIsDeterministic(t *testing.T) {
	p := testParams(t)
	d := newDetector(t, zerolog.Nop(), p, nil)
	seq := testSequence(t, 40, 6)

	a, err := d.Detect(context.Background(), "v", seq)
	require.NoError(t, err)
	b, err := d.Detect(context.Background(), "v", seq)
	require.NoError(t, err)
	assert.Equal(t, a.Detections, b.Detections)
}

func TestDetectShapeMismatchNamesVideo(t *testing.T) {
	d := newDetector(t, zerolog.Nop(), testParams(t), nil)

	_, err := d.Detect(context.Background(), "P03_04", testSequence(t, 16, 5))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrInputShape))

	var shapeErr *errs.InputShapeError
	require.True(t, errors.As(err, &shapeErr))
	assert.Equal(t, "P03_04", shapeErr.VideoID)
	assert.Equal(t, "pyramid", shapeErr.Stage)
}

func TestDetectHonoursCancellation(t *testing.T) {
	d := newDetector(t, zerolog.Nop(), testParams(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Detect(ctx, "v", testSequence(t, 16, 6))
	assert.ErrorIs(t, err, context.Canceled)
}

// zeroOffsetPredictor predicts confident classes with empty extents so every
// candidate is degenerate.
type zeroOffsetPredictor struct{}

func (zeroOffsetPredictor) Branches() []segments.Branch { return []segments.Branch{segments.Action} }
func (zeroOffsetPredictor) NumClasses(segments.Branch) int { return 1 }
func (zeroOffsetPredictor) Predict(level pyramid.Level) (*head.LevelPrediction, error) {
	n := level.Len()
	logits := mat.NewDense(n, 1, nil)
	logits.Apply(func(_, _ int, _ float64) float64 { return 4 }, logits)
	return &head.LevelPrediction{
		Level:      level.Index,
		Stride:     level.Stride,
		Logits:     map[segments.Branch]*mat.Dense{segments.Action: logits},
		Offsets:    mat.NewDense(n, 2, nil),
		Centricity: make([]float64, n),
		Mask:       level.Mask,
	}, nil
}

func TestDetectLogsDegenerateSegments(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)

	d := newDetector(t, logger, testParams(t), zeroOffsetPredictor{})
	res, err := d.Detect(context.Background(), "P01_02", testSequence(t, 16, 6))
	require.NoError(t, err)

	assert.Empty(t, res.Detections[segments.Action])
	assert.Equal(t, 0, res.Stats.Candidates)
	assert.Greater(t, res.Stats.Degenerate, 0)
	assert.Contains(t, buf.String(), "discarded degenerate segments")
	assert.Contains(t, buf.String(), `"video":"P01_02"`)
}

func TestNewValidatesConfig(t *testing.T) {
	p := testParams(t)
	h, err := head.New(p)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.NMS.TopK = 0
	_, err = New(zerolog.Nop(), p, h, cfg)
	assert.True(t, errors.Is(err, errs.ErrConfigRange))
}

func TestPredictReturnsEveryLevel(t *testing.T) {
	p := testParams(t)
	d := newDetector(t, zerolog.Nop(), p, nil)

	preds, err := d.Predict(context.Background(), "P01_02", testSequence(t, 32, 6))
	require.NoError(t, err)
	require.Len(t, preds, 4)
	for i, pred := range preds {
		assert.Equal(t, i, pred.Level)
		assert.Equal(t, 32>>i, pred.Len())
	}
}
