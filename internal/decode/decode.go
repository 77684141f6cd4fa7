// Package decode turns dense per-timestep head outputs into scored candidate
// segments in seconds.
package decode

import (
	"math"
	"slices"
	"sort"

	"github.com/hanielwang/Audio-Visual-TAD/internal/errs"
	"github.com/hanielwang/Audio-Visual-TAD/internal/features"
	"github.com/hanielwang/Audio-Visual-TAD/internal/head"
	"github.com/hanielwang/Audio-Visual-TAD/internal/segments"
	"gonum.org/v1/gonum/mat"
)

// Fusion selects how class probability and centricity combine into a score
type Fusion string

const (
	// Multiply scores a candidate as class * centricity.
	Multiply Fusion = "multiply"
	// Weighted scores a candidate as w*class + (1-w)*centricity.
	Weighted Fusion = "weighted"
)

// Config controls candidate decoding
type Config struct {
	CentricityThreshold float64                     `yaml:"centricity_threshold"`
	ClassThreshold      map[segments.Branch]float64 `yaml:"class_threshold"`
	Fusion              Fusion                      `yaml:"fusion"`
	FusionWeight        float64                     `yaml:"fusion_weight"`
	PreNMSTopK          int                         `yaml:"pre_nms_topk"`

	// ComposeAction derives action candidates from verb x noun pairs when
	// the model has no dedicated action classifier.
	ComposeAction bool `yaml:"compose_action"`
	VerbTopK      int  `yaml:"verb_topk"`
	NounTopK      int  `yaml:"noun_topk"`
}

// DefaultConfig returns the decoding defaults
func DefaultConfig() Config {
	return Config{
		CentricityThreshold: 0,
		ClassThreshold: map[segments.Branch]float64{
			segments.Action: 0.001,
			segments.Verb:   0.001,
			segments.Noun:   0.001,
		},
		Fusion:        Multiply,
		FusionWeight:  0.5,
		PreNMSTopK:    5000,
		ComposeAction: true,
		VerbTopK:      11,
		NounTopK:      33,
	}
}

// Threshold returns the class threshold of a branch
func (c Config) Threshold(b segments.Branch) float64 {
	return c.ClassThreshold[b]
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.CentricityThreshold < 0 || c.CentricityThreshold >= 1 {
		return errs.Range("decoder.centricity_threshold", c.CentricityThreshold, "must be in [0, 1)")
	}
	for b, v := range c.ClassThreshold {
		if _, err := segments.ParseBranch(string(b)); err != nil {
			return errs.Range("decoder.class_threshold", b, "is not a known branch")
		}
		if v < 0 || v >= 1 {
			return errs.Range("decoder.class_threshold."+string(b), v, "must be in [0, 1)")
		}
	}
	switch c.Fusion {
	case Multiply:
	case Weighted:
		if c.FusionWeight < 0 || c.FusionWeight > 1 {
			return errs.Range("decoder.fusion_weight", c.FusionWeight, "must be in [0, 1]")
		}
	default:
		return errs.Range("decoder.fusion", c.Fusion, "must be multiply or weighted")
	}
	if c.PreNMSTopK < 1 {
		return errs.Range("decoder.pre_nms_topk", c.PreNMSTopK, "must be at least 1")
	}
	if c.ComposeAction && (c.VerbTopK < 1 || c.NounTopK < 1) {
		return errs.Range("decoder.verb_topk/noun_topk", [2]int{c.VerbTopK, c.NounTopK}, "must be at least 1")
	}
	return nil
}

// Output is the decoded candidate population per branch
type Output struct {
	Candidates map[segments.Branch][]segments.Candidate
	// Degenerate counts candidates discarded because end <= start.
	Degenerate int
}

// Total returns the number of candidates across all branches
func (o *Output) Total() int {
	n := 0
	for _, c := range o.Candidates {
		n += len(c)
	}
	return n
}

// Decode converts level predictions into candidates using the sequence's
// time base. Branch populations are decoded independently.
func Decode(seq *features.Sequence, preds []*head.LevelPrediction, cfg Config) (*Output, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := decoder{cfg: cfg, tb: seq.Time}
	out := &Output{Candidates: make(map[segments.Branch][]segments.Candidate)}

	for _, pred := range preds {
		if err := checkShape(pred); err != nil {
			return nil, err
		}
		for _, b := range segments.Branches() {
			logits, ok := pred.Logits[b]
			if !ok {
				continue
			}
			if r, _ := logits.Dims(); r != pred.Len() {
				return nil, &errs.InputShapeError{Stage: "decode", Field: string(b) + " logits rows", Want: pred.Len(), Got: r}
			}
			out.Candidates[b] = append(out.Candidates[b], d.branch(pred, b, logits)...)
		}

		if cfg.ComposeAction && canCompose(pred) {
			out.Candidates[segments.Action] = append(out.Candidates[segments.Action], d.composed(pred)...)
		}
	}

	for b, cands := range out.Candidates {
		sort.SliceStable(cands, func(i, j int) bool { return segments.Less(cands[i], cands[j]) })
		out.Candidates[b] = cands
	}
	out.Degenerate = d.degenerate

	return out, nil
}

// checkShape verifies that offsets and centricity cover every timestep of
// the level's mask.
func checkShape(pred *head.LevelPrediction) error {
	if pred == nil {
		return &errs.InputShapeError{Stage: "decode", Field: "level predictions", Want: 1, Got: 0}
	}
	n := pred.Len()
	if pred.Offsets == nil {
		return &errs.InputShapeError{Stage: "decode", Field: "offsets rows", Want: n, Got: 0}
	}
	r, c := pred.Offsets.Dims()
	if r != n {
		return &errs.InputShapeError{Stage: "decode", Field: "offsets rows", Want: n, Got: r}
	}
	if c != 2 {
		return &errs.InputShapeError{Stage: "decode", Field: "offsets columns", Want: 2, Got: c}
	}
	if len(pred.Centricity) != n {
		return &errs.InputShapeError{Stage: "decode", Field: "centricity length", Want: n, Got: len(pred.Centricity)}
	}
	return nil
}

func canCompose(pred *head.LevelPrediction) bool {
	_, hasAction := pred.Logits[segments.Action]
	_, hasVerb := pred.Logits[segments.Verb]
	_, hasNoun := pred.Logits[segments.Noun]
	return !hasAction && hasVerb && hasNoun
}

type decoder struct {
	cfg        Config
	tb         features.TimeBase
	degenerate int
}

// branch decodes one level of one branch and keeps the pre-NMS top-k
func (d *decoder) branch(pred *head.LevelPrediction, b segments.Branch, logits *mat.Dense) []segments.Candidate {
	thr := d.cfg.Threshold(b)
	_, k := logits.Dims()

	var cands []segments.Candidate
	for i := 0; i < pred.Len(); i++ {
		ctr, ok := d.centricity(pred, i)
		if !ok {
			continue
		}
		row := logits.RawRowView(i)
		for c := 0; c < k; c++ {
			p := Sigmoid(row[c])
			if p <= thr {
				continue
			}
			if cand, ok := d.candidate(pred, i, b, c, p, ctr); ok {
				cands = append(cands, cand)
			}
		}
	}
	return d.topK(cands)
}

// composed pairs the top verbs and nouns at each timestep into action classes
func (d *decoder) composed(pred *head.LevelPrediction) []segments.Candidate {
	verbs := pred.Logits[segments.Verb]
	nouns := pred.Logits[segments.Noun]
	_, numNouns := nouns.Dims()
	thr := d.cfg.Threshold(segments.Action)

	var cands []segments.Candidate
	for i := 0; i < pred.Len(); i++ {
		ctr, ok := d.centricity(pred, i)
		if !ok {
			continue
		}
		topVerbs := topProbs(verbs.RawRowView(i), d.cfg.VerbTopK)
		topNouns := topProbs(nouns.RawRowView(i), d.cfg.NounTopK)
		for _, v := range topVerbs {
			for _, n := range topNouns {
				p := v.prob * n.prob
				if p <= thr {
					continue
				}
				if cand, ok := d.candidate(pred, i, segments.Action, v.class*numNouns+n.class, p, ctr); ok {
					cands = append(cands, cand)
				}
			}
		}
	}
	return d.topK(cands)
}

func (d *decoder) centricity(pred *head.LevelPrediction, i int) (float64, bool) {
	if !pred.Mask[i] {
		return 0, false
	}
	ctr := Sigmoid(pred.Centricity[i])
	if ctr < d.cfg.CentricityThreshold {
		return 0, false
	}
	return ctr, true
}

func (d *decoder) candidate(pred *head.LevelPrediction, i int, b segments.Branch, class int, prob, ctr float64) (segments.Candidate, bool) {
	score := d.fuse(prob, ctr)
	if !(score > 0) {
		return segments.Candidate{}, false
	}

	stride := float64(pred.Stride)
	pos := float64(i) * stride
	start := d.tb.Seconds(pos - pred.Offsets.At(i, 0)*stride)
	end := d.tb.Seconds(pos + pred.Offsets.At(i, 1)*stride)
	if end <= start {
		d.degenerate++
		return segments.Candidate{}, false
	}

	return segments.Candidate{
		Start:    start,
		End:      end,
		Branch:   b,
		ClassID:  class,
		Score:    score,
		Level:    pred.Level,
		Timestep: i,
	}, true
}

func (d *decoder) fuse(prob, ctr float64) float64 {
	var s float64
	switch d.cfg.Fusion {
	case Weighted:
		s = d.cfg.FusionWeight*prob + (1-d.cfg.FusionWeight)*ctr
	default:
		s = prob * ctr
	}
	return min(s, 1)
}

func (d *decoder) topK(cands []segments.Candidate) []segments.Candidate {
	if len(cands) <= d.cfg.PreNMSTopK {
		return cands
	}
	sort.SliceStable(cands, func(i, j int) bool { return segments.Less(cands[i], cands[j]) })
	return slices.Clip(cands[:d.cfg.PreNMSTopK])
}

type classProb struct {
	class int
	prob  float64
}

// topProbs returns the k most probable classes, ties broken by class id
func topProbs(logits []float64, k int) []classProb {
	all := make([]classProb, len(logits))
	for c, l := range logits {
		all[c] = classProb{class: c, prob: Sigmoid(l)}
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].prob > all[j].prob
	})
	return all[:min(k, len(all))]
}

// Sigmoid is the logistic function
func Sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
