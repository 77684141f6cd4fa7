package head

import (
	"fmt"
	"os"
	"sync"

	"github.com/hanielwang/Audio-Visual-TAD/internal/errs"
	"github.com/hanielwang/Audio-Visual-TAD/internal/pyramid"
	"github.com/hanielwang/Audio-Visual-TAD/internal/segments"
	"github.com/rs/zerolog"
	ort "github.com/yalue/onnxruntime_go"
	"gonum.org/v1/gonum/mat"
)

// ONNXConfig locates an exported head graph.
// The graph takes feats [1,T,C], mask [1,T] and scale [1] and returns
// offsets [1,T,2], centricity [1,T,1] and one logits_<branch> [1,T,K] per
// branch.
type ONNXConfig struct {
	ModelPath   string                  `yaml:"model_path"`
	LibraryPath string                  `yaml:"library_path"`
	EmbedDim    int                     `yaml:"embed_dim"`
	Scales      []float64               `yaml:"scales"`
	NumClasses  map[segments.Branch]int `yaml:"num_classes"`
}

// Validate checks the configuration
func (c ONNXConfig) Validate() error {
	if c.ModelPath == "" {
		return errs.Range("onnx.model_path", c.ModelPath, "must be set")
	}
	if c.EmbedDim < 1 {
		return errs.Range("onnx.embed_dim", c.EmbedDim, "must be positive")
	}
	if len(c.Scales) == 0 {
		return errs.Range("onnx.scales", len(c.Scales), "must list one scale per level")
	}
	if len(c.NumClasses) == 0 {
		return errs.Range("onnx.num_classes", len(c.NumClasses), "must name at least one branch")
	}
	for b, k := range c.NumClasses {
		if _, err := segments.ParseBranch(string(b)); err != nil {
			return errs.Range("onnx.num_classes", b, "is not a known branch")
		}
		if k < 1 {
			return errs.Range("onnx.num_classes."+string(b), k, "must be positive")
		}
	}
	return nil
}

var (
	envMu   sync.Mutex
	envRefs int
)

func acquireEnvironment(libraryPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	}
	envRefs++
	return nil
}

func releaseEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()
	envRefs--
	if envRefs == 0 {
		return ort.DestroyEnvironment()
	}
	return nil
}

// ONNXPredictor runs the head through ONNX Runtime
type ONNXPredictor struct {
	logger   zerolog.Logger
	cfg      ONNXConfig
	branches []segments.Branch
	session  *ort.DynamicAdvancedSession
}

// NewONNX loads the graph and opens a session
func NewONNX(logger zerolog.Logger, cfg ONNXConfig) (*ONNXPredictor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(cfg.ModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("model file not found: %s", cfg.ModelPath)
	}

	if err := acquireEnvironment(cfg.LibraryPath); err != nil {
		return nil, err
	}

	var branches []segments.Branch
	for _, b := range segments.Branches() {
		if _, ok := cfg.NumClasses[b]; ok {
			branches = append(branches, b)
		}
	}

	inputNames := []string{"feats", "mask", "scale"}
	outputNames := []string{"offsets", "centricity"}
	for _, b := range branches {
		outputNames = append(outputNames, "logits_"+string(b))
	}

	sess, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, inputNames, outputNames, nil)
	if err != nil {
		_ = releaseEnvironment()
		return nil, fmt.Errorf("failed to create head session: %w", err)
	}

	logger.Info().
		Str("model", cfg.ModelPath).
		Strs("inputs", inputNames).
		Strs("outputs", outputNames).
		Msg("ONNX head loaded")

	return &ONNXPredictor{
		logger:   logger.With().Str("predictor", "onnx").Logger(),
		cfg:      cfg,
		branches: branches,
		session:  sess,
	}, nil
}

// Branches returns the branches the graph predicts
func (o *ONNXPredictor) Branches() []segments.Branch {
	return o.branches
}

// NumClasses returns the vocabulary size of a branch
func (o *ONNXPredictor) NumClasses(b segments.Branch) int {
	return o.cfg.NumClasses[b]
}

// Predict runs the graph over one level
func (o *ONNXPredictor) Predict(level pyramid.Level) (*LevelPrediction, error) {
	t, c := level.Features.Dims()
	if c != o.cfg.EmbedDim {
		return nil, &errs.InputShapeError{Stage: "onnx head", Field: "embed dim", Want: o.cfg.EmbedDim, Got: c}
	}
	if level.Index >= len(o.cfg.Scales) {
		return nil, &errs.InputShapeError{Stage: "onnx head", Field: "level index", Want: len(o.cfg.Scales) - 1, Got: level.Index}
	}

	feats := make([]float32, 0, t*c)
	for i := 0; i < t; i++ {
		for _, v := range level.Features.RawRowView(i) {
			feats = append(feats, float32(v))
		}
	}
	mask := make([]float32, t)
	for i, m := range level.Mask {
		if m {
			mask[i] = 1
		}
	}

	featsTensor, err := ort.NewTensor(ort.NewShape(1, int64(t), int64(c)), feats)
	if err != nil {
		return nil, fmt.Errorf("failed to create feats tensor: %w", err)
	}
	defer featsTensor.Destroy()

	maskTensor, err := ort.NewTensor(ort.NewShape(1, int64(t)), mask)
	if err != nil {
		return nil, fmt.Errorf("failed to create mask tensor: %w", err)
	}
	defer maskTensor.Destroy()

	scaleTensor, err := ort.NewTensor(ort.NewShape(1), []float32{float32(o.cfg.Scales[level.Index])})
	if err != nil {
		return nil, fmt.Errorf("failed to create scale tensor: %w", err)
	}
	defer scaleTensor.Destroy()

	offsetsTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(t), 2))
	if err != nil {
		return nil, fmt.Errorf("failed to create offsets tensor: %w", err)
	}
	defer offsetsTensor.Destroy()

	ctrTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(t), 1))
	if err != nil {
		return nil, fmt.Errorf("failed to create centricity tensor: %w", err)
	}
	defer ctrTensor.Destroy()

	outputs := []ort.ArbitraryTensor{offsetsTensor, ctrTensor}
	logitTensors := make([]*ort.Tensor[float32], len(o.branches))
	for i, b := range o.branches {
		lt, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(t), int64(o.cfg.NumClasses[b])))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s logits tensor: %w", b, err)
		}
		defer lt.Destroy()
		logitTensors[i] = lt
		outputs = append(outputs, lt)
	}

	inputs := []ort.ArbitraryTensor{featsTensor, maskTensor, scaleTensor}
	if err := o.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("head inference failed: %w", err)
	}

	pred := &LevelPrediction{
		Level:      level.Index,
		Stride:     level.Stride,
		Logits:     make(map[segments.Branch]*mat.Dense, len(o.branches)),
		Offsets:    toDense(offsetsTensor.GetData(), t, 2),
		Centricity: toFloat64(ctrTensor.GetData()),
		Mask:       level.Mask,
	}
	for i, b := range o.branches {
		pred.Logits[b] = toDense(logitTensors[i].GetData(), t, o.cfg.NumClasses[b])
	}

	// The exported graph may skip the final ReLU; offsets must stay non-negative.
	pred.Offsets.Apply(func(i, _ int, v float64) float64 {
		if !level.Mask[i] {
			return 0
		}
		return max(v, 0)
	}, pred.Offsets)

	o.logger.Debug().Int("level", level.Index).Int("timesteps", t).Msg("level predicted")
	return pred, nil
}

// Close releases the session and, with the last predictor, the runtime
func (o *ONNXPredictor) Close() error {
	if o.session == nil {
		return nil
	}
	if err := o.session.Destroy(); err != nil {
		return err
	}
	o.session = nil
	return releaseEnvironment()
}

func toDense(data []float32, rows, cols int) *mat.Dense {
	return mat.NewDense(rows, cols, toFloat64(data))
}

func toFloat64(data []float32) []float64 {
	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = float64(v)
	}
	return out
}
