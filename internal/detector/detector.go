package detector

import (
	"context"
	"fmt"
	"time"

	"github.com/hanielwang/Audio-Visual-TAD/internal/decode"
	"github.com/hanielwang/Audio-Visual-TAD/internal/errs"
	"github.com/hanielwang/Audio-Visual-TAD/internal/features"
	"github.com/hanielwang/Audio-Visual-TAD/internal/head"
	"github.com/hanielwang/Audio-Visual-TAD/internal/model"
	"github.com/hanielwang/Audio-Visual-TAD/internal/nms"
	"github.com/hanielwang/Audio-Visual-TAD/internal/pyramid"
	"github.com/hanielwang/Audio-Visual-TAD/internal/segments"
	"github.com/rs/zerolog"
)

// Config groups the per-video detection stages
type Config struct {
	Pyramid pyramid.Config
	Decoder decode.Config
	NMS     nms.Config
}

// DefaultConfig returns defaults for every stage
func DefaultConfig() Config {
	return Config{
		Pyramid: pyramid.DefaultConfig(),
		Decoder: decode.DefaultConfig(),
		NMS:     nms.DefaultConfig(),
	}
}

// Validate checks every stage
func (c Config) Validate() error {
	if err := c.Pyramid.Validate(); err != nil {
		return err
	}
	if err := c.Decoder.Validate(); err != nil {
		return err
	}
	return c.NMS.Validate()
}

// Stats summarises one detection pass
type Stats struct {
	Levels     int
	Candidates int
	Degenerate int
	Detections int
	Elapsed    time.Duration
}

// Result holds the detections of one video grouped by branch
type Result struct {
	VideoID    string
	Detections map[segments.Branch][]segments.Detection
	Stats      Stats
}

// Detector runs pyramid, head, decoder and suppression over one video
type Detector struct {
	logger    zerolog.Logger
	params    *model.Params
	predictor head.Predictor
	config    Config
}

// New creates a detector. params supply the pyramid weights; predictor runs
// the head and may be backed by the same params or by an external runtime.
func New(logger zerolog.Logger, params *model.Params, predictor head.Predictor, cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid detector config: %w", err)
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model: %w", err)
	}
	return &Detector{
		logger:    logger.With().Str("component", "detector").Logger(),
		params:    params,
		predictor: predictor,
		config:    cfg,
	}, nil
}

// Detect returns ranked detections for a single video
func (d *Detector) Detect(ctx context.Context, videoID string, seq *features.Sequence) (*Result, error) {
	start := time.Now()
	log := d.logger.With().Str("video", videoID).Logger()

	preds, err := d.Predict(ctx, videoID, seq)
	if err != nil {
		return nil, err
	}

	out, err := decode.Decode(seq, preds, d.config.Decoder)
	if err != nil {
		return nil, fmt.Errorf("decode failed: %w", errs.TagVideo(err, videoID))
	}
	if out.Degenerate > 0 {
		log.Debug().Int("count", out.Degenerate).Msg("discarded degenerate segments")
	}

	res := &Result{
		VideoID:    videoID,
		Detections: make(map[segments.Branch][]segments.Detection, len(out.Candidates)),
		Stats: Stats{
			Levels:     len(preds),
			Candidates: out.Total(),
			Degenerate: out.Degenerate,
		},
	}
	for _, b := range segments.Branches() {
		cands, ok := out.Candidates[b]
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dets := nms.Suppress(cands, d.config.NMS)
		res.Detections[b] = dets
		res.Stats.Detections += len(dets)
	}
	res.Stats.Elapsed = time.Since(start)

	log.Debug().
		Int("levels", res.Stats.Levels).
		Int("candidates", res.Stats.Candidates).
		Int("detections", res.Stats.Detections).
		Dur("elapsed", res.Stats.Elapsed).
		Msg("detection complete")

	return res, nil
}

// Predict builds the pyramid and runs the head on every level
func (d *Detector) Predict(ctx context.Context, videoID string, seq *features.Sequence) ([]*head.LevelPrediction, error) {
	levels, err := pyramid.Build(seq, d.params, d.config.Pyramid)
	if err != nil {
		return nil, fmt.Errorf("pyramid failed: %w", errs.TagVideo(err, videoID))
	}

	preds := make([]*head.LevelPrediction, 0, len(levels))
	for _, level := range levels {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pred, err := d.predictor.Predict(level)
		if err != nil {
			return nil, fmt.Errorf("head failed on level %d: %w", level.Index, errs.TagVideo(err, videoID))
		}
		preds = append(preds, pred)
	}
	return preds, nil
}
