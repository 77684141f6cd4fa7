// Package nms suppresses overlapping candidate segments and ranks the rest.
package nms

import (
	"math"
	"slices"
	"sort"

	"github.com/hanielwang/Audio-Visual-TAD/internal/errs"
	"github.com/hanielwang/Audio-Visual-TAD/internal/segments"
)

// Method selects how overlapping candidates are treated
type Method string

const (
	Hard Method = "hard"
	Soft Method = "soft"
	None Method = "none"
)

// Config controls suppression
type Config struct {
	Method       Method  `yaml:"method"`
	IoUThreshold float64 `yaml:"iou_threshold"`
	// Sigma is the Gaussian width of the soft decay.
	Sigma    float64 `yaml:"sigma"`
	MinScore float64 `yaml:"min_score"`
	TopK     int     `yaml:"top_k"`
	// Multiclass restricts suppression to candidates of the same class.
	Multiclass  bool    `yaml:"multiclass"`
	MinDuration float64 `yaml:"min_duration"`
	// MaxDuration of 0 means unbounded.
	MaxDuration float64 `yaml:"max_duration"`
	// VotingThreshold enables score-weighted boundary voting when > 0.
	VotingThreshold float64 `yaml:"voting_threshold"`
}

// DefaultConfig returns greedy hard suppression across every class of a
// branch. Soft decay and per-class suppression are opt-in.
func DefaultConfig() Config {
	return Config{
		Method:       Hard,
		IoUThreshold: 0.1,
		Sigma:        0.5,
		MinScore:     0.001,
		TopK:         2000,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	switch c.Method {
	case Hard, Soft, None:
	default:
		return errs.Range("nms.method", c.Method, "must be hard, soft or none")
	}
	if c.IoUThreshold < 0 || c.IoUThreshold > 1 {
		return errs.Range("nms.iou_threshold", c.IoUThreshold, "must be in [0, 1]")
	}
	if c.Method == Soft && c.Sigma <= 0 {
		return errs.Range("nms.sigma", c.Sigma, "must be positive")
	}
	if c.MinScore < 0 || c.MinScore >= 1 {
		return errs.Range("nms.min_score", c.MinScore, "must be in [0, 1)")
	}
	if c.TopK < 1 {
		return errs.Range("nms.top_k", c.TopK, "must be at least 1")
	}
	if c.MinDuration < 0 {
		return errs.Range("nms.min_duration", c.MinDuration, "must not be negative")
	}
	if c.MaxDuration < 0 || (c.MaxDuration > 0 && c.MaxDuration < c.MinDuration) {
		return errs.Range("nms.max_duration", c.MaxDuration, "must be 0 or at least min_duration")
	}
	if c.VotingThreshold < 0 || c.VotingThreshold > 1 {
		return errs.Range("nms.voting_threshold", c.VotingThreshold, "must be in [0, 1]")
	}
	return nil
}

// Suppress returns at most cfg.TopK detections ranked by descending score.
// The input slice is not modified. cfg must be valid.
func Suppress(cands []segments.Candidate, cfg Config) []segments.Detection {
	work := make([]segments.Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Score >= cfg.MinScore && c.End > c.Start {
			work = append(work, c)
		}
	}
	sort.SliceStable(work, func(i, j int) bool { return segments.Less(work[i], work[j]) })

	var population []segments.Candidate
	if cfg.VotingThreshold > 0 {
		population = slices.Clone(work)
	}

	dets := make([]segments.Detection, 0, min(cfg.TopK, len(work)))
	for len(work) > 0 && len(dets) < cfg.TopK {
		best := work[0]
		work = suppress(best, work[1:], cfg)

		if population != nil {
			best.Start, best.End = vote(best, population, cfg)
		}
		if !withinDuration(best.Duration(), cfg) {
			continue
		}

		dets = append(dets, segments.Detection{
			Start:   best.Start,
			End:     best.End,
			Branch:  best.Branch,
			ClassID: best.ClassID,
			Score:   best.Score,
			Rank:    len(dets) + 1,
		})
	}

	return dets
}

// suppress applies the selected candidate to the rest and returns the
// survivors in ranking order.
func suppress(best segments.Candidate, rest []segments.Candidate, cfg Config) []segments.Candidate {
	if cfg.Method == None {
		return rest
	}

	decayed := false
	out := rest[:0]
	for _, c := range rest {
		if cfg.Multiclass && c.ClassID != best.ClassID {
			out = append(out, c)
			continue
		}
		iou := segments.TIoU(best.Start, best.End, c.Start, c.End)
		if iou <= cfg.IoUThreshold {
			out = append(out, c)
			continue
		}
		if cfg.Method == Hard {
			continue
		}
		excess := iou - cfg.IoUThreshold
		c.Score *= math.Exp(-excess * excess / cfg.Sigma)
		decayed = true
		if c.Score < cfg.MinScore {
			continue
		}
		out = append(out, c)
	}

	if decayed {
		sort.SliceStable(out, func(i, j int) bool { return segments.Less(out[i], out[j]) })
	}
	return out
}

// vote refines boundaries with a weighted average over the pre-suppression
// population, each neighbour weighted by tIoU times its score.
func vote(best segments.Candidate, population []segments.Candidate, cfg Config) (float64, float64) {
	var sumW, start, end float64
	for _, c := range population {
		if cfg.Multiclass && c.ClassID != best.ClassID {
			continue
		}
		iou := segments.TIoU(best.Start, best.End, c.Start, c.End)
		if iou < cfg.VotingThreshold {
			continue
		}
		w := iou * c.Score
		sumW += w
		start += w * c.Start
		end += w * c.End
	}
	if sumW <= 0 {
		return best.Start, best.End
	}
	return start / sumW, end / sumW
}

func withinDuration(d float64, cfg Config) bool {
	if d < cfg.MinDuration {
		return false
	}
	if cfg.MaxDuration > 0 && d > cfg.MaxDuration {
		return false
	}
	return true
}
